package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	dbtypes "github.com/badgekeep/badgekeep-backend/pkg/db/types"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
)

// Repository manages persistence for event log entries. Status transitions go
// through conditional updates so concurrent workers cannot clobber each other.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.EventLogEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EventLogEntry, error)
	FindByStreamEntryID(ctx context.Context, streamEntryID string) (*models.EventLogEntry, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, matchedRules json.RawMessage, issued []uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkUnprocessable(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) error
	ResetForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error)
	RecordResubmission(ctx context.Context, id uuid.UUID, streamEntryID string, maxRetries int) (bool, error)
	ListStuck(ctx context.Context, olderThan time.Time, maxRetries int, limit int) ([]models.EventLogEntry, error)
	CountBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int64, error)
	CountBySubjectTypeSince(ctx context.Context, subjectID string, eventType enums.ActivityEventType, since time.Time) (int64, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an event log repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, entry *models.EventLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*models.EventLogEntry, error) {
	var entry models.EventLogEntry
	if err := r.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindByStreamEntryID returns nil without error when no row references the
// stream entry.
func (r *repository) FindByStreamEntryID(ctx context.Context, streamEntryID string) (*models.EventLogEntry, error) {
	var entry models.EventLogEntry
	err := r.db.WithContext(ctx).
		Where("stream_entry_id = ?", streamEntryID).
		Order("created_at ASC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkProcessing moves received -> processing. Returns false when the entry was
// not in received state, which means another worker already owns it.
func (r *repository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.EventLogEntry{}).
		Where("id = ? AND status = ?", id, enums.EventLogReceived).
		Update("status", enums.EventLogProcessing)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) MarkProcessed(ctx context.Context, id uuid.UUID, matchedRules json.RawMessage, issued []uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.EventLogEntry{}).
		Where("id = ? AND status = ?", id, enums.EventLogProcessing).
		Updates(map[string]any{
			"status":              enums.EventLogProcessed,
			"matched_rules":       matchedRules,
			"issued_transactions": dbtypes.UUIDArray(issued),
			"error_message":       nil,
		}).Error
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.db.WithContext(ctx).
		Model(&models.EventLogEntry{}).
		Where("id = ? AND status IN ?", id, []enums.EventLogStatus{enums.EventLogReceived, enums.EventLogProcessing}).
		Updates(map[string]any{
			"status":        enums.EventLogFailed,
			"error_message": errMsg,
		}).Error
}

// MarkUnprocessable fails the entry and exhausts its retry budget so neither
// the resubmit job nor the reclaim job picks it up again.
func (r *repository) MarkUnprocessable(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) error {
	return r.db.WithContext(ctx).
		Model(&models.EventLogEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        enums.EventLogFailed,
			"error_message": errMsg,
			"retry_count":   maxRetries,
		}).Error
}

// ResetForRetry moves failed -> received and bumps the retry counter, refusing
// once the cap is reached.
func (r *repository) ResetForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.EventLogEntry{}).
		Where("id = ? AND status = ? AND retry_count < ?", id, enums.EventLogFailed, maxRetries).
		Updates(map[string]any{
			"status":        enums.EventLogReceived,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordResubmission points the entry at its re-appended stream entry and
// bumps the retry counter, refusing once the cap is reached.
func (r *repository) RecordResubmission(ctx context.Context, id uuid.UUID, streamEntryID string, maxRetries int) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.EventLogEntry{}).
		Where("id = ? AND status IN ? AND retry_count < ?",
			id, []enums.EventLogStatus{enums.EventLogReceived, enums.EventLogFailed}, maxRetries).
		Updates(map[string]any{
			"status":          enums.EventLogReceived,
			"stream_entry_id": streamEntryID,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_retry_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListStuck returns entries sitting in received/failed past the backoff window
// with retries remaining, oldest first.
func (r *repository) ListStuck(ctx context.Context, olderThan time.Time, maxRetries int, limit int) ([]models.EventLogEntry, error) {
	var entries []models.EventLogEntry
	query := r.db.WithContext(ctx).
		Where("status IN ?", []enums.EventLogStatus{enums.EventLogReceived, enums.EventLogFailed}).
		Where("retry_count < ?", maxRetries).
		Where("updated_at < ?", olderThan).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) CountBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.EventLogEntry{}).
		Where("subject_id = ? AND created_at >= ?", subjectID, since).
		Count(&count).Error
	return count, err
}

func (r *repository) CountBySubjectTypeSince(ctx context.Context, subjectID string, eventType enums.ActivityEventType, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.EventLogEntry{}).
		Where("subject_id = ? AND event_type = ? AND created_at >= ?", subjectID, eventType, since).
		Count(&count).Error
	return count, err
}

// DeleteProcessedBefore removes processed entries older than the cutoff.
// Failed entries are kept for manual intervention.
func (r *repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", enums.EventLogProcessed, cutoff).
		Delete(&models.EventLogEntry{})
	return res.RowsAffected, res.Error
}
