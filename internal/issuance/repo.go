package issuance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
)

// Repository persists reward transactions and their status transitions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, tx *models.RewardTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.RewardTransaction, error)
	HasActiveReward(ctx context.Context, subjectID string, ruleID uuid.UUID) (bool, error)
	SetSubmittedRef(ctx context.Context, id uuid.UUID, txRef string) error
	MarkConfirmed(ctx context.Context, id uuid.UUID, ledgerRef string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	RequeueForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error)
	ListPending(ctx context.Context, limit int) ([]models.RewardTransaction, error)
	ListRetryable(ctx context.Context, maxRetries int, retriedBefore time.Time, limit int) ([]models.RewardTransaction, error)
	CountFailedBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int64, error)
	DeleteSettledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a reward transaction repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, tx *models.RewardTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*models.RewardTransaction, error) {
	var tx models.RewardTransaction
	err := r.db.WithContext(ctx).First(&tx, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repository) HasActiveReward(ctx context.Context, subjectID string, ruleID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RewardTransaction{}).
		Where("subject_id = ? AND rule_id = ? AND status IN ?",
			subjectID, ruleID, []enums.TransactionStatus{enums.TransactionPending, enums.TransactionConfirmed}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) SetSubmittedRef(ctx context.Context, id uuid.UUID, txRef string) error {
	return r.db.WithContext(ctx).
		Model(&models.RewardTransaction{}).
		Where("id = ?", id).
		Update("submitted_tx_ref", txRef).Error
}

// MarkConfirmed moves pending to confirmed. Returns false when the row was not
// pending, which makes concurrent monitor passes idempotent.
func (r *repository) MarkConfirmed(ctx context.Context, id uuid.UUID, ledgerRef string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.RewardTransaction{}).
		Where("id = ? AND status = ?", id, enums.TransactionPending).
		Updates(map[string]any{
			"status":        enums.TransactionConfirmed,
			"ledger_ref":    ledgerRef,
			"error_message": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.RewardTransaction{}).
		Where("id = ? AND status = ?", id, enums.TransactionPending).
		Updates(map[string]any{
			"status":        enums.TransactionFailed,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RequeueForRetry moves a failed transaction back to pending, bumping the
// retry counter. Returns false once the cap is reached.
func (r *repository) RequeueForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.RewardTransaction{}).
		Where("id = ? AND status = ? AND retry_count < ?", id, enums.TransactionFailed, maxRetries).
		Updates(map[string]any{
			"status":        enums.TransactionPending,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) ListPending(ctx context.Context, limit int) ([]models.RewardTransaction, error) {
	var txs []models.RewardTransaction
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.TransactionPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *repository) ListRetryable(ctx context.Context, maxRetries int, retriedBefore time.Time, limit int) ([]models.RewardTransaction, error) {
	var txs []models.RewardTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", enums.TransactionFailed, maxRetries).
		Where("last_retry_at IS NULL OR last_retry_at < ?", retriedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *repository) CountFailedBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RewardTransaction{}).
		Where("subject_id = ? AND status = ? AND updated_at >= ?", subjectID, enums.TransactionFailed, since).
		Count(&count).Error
	return count, err
}

// DeleteSettledBefore removes confirmed and terminally failed transactions
// older than the retention cutoff.
func (r *repository) DeleteSettledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]enums.TransactionStatus{enums.TransactionConfirmed, enums.TransactionFailed}, cutoff).
		Delete(&models.RewardTransaction{})
	return result.RowsAffected, result.Error
}

// IsNotFound reports whether the lookup missed.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
