package cron

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/badgekeep/badgekeep-backend/internal/events"
	"github.com/badgekeep/badgekeep-backend/internal/ingest"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

func TestResubmitJobReappendsStuckEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := models.EventLogEntry{
		ID:        uuid.New(),
		EventType: enums.EventPurchasedProduct,
		SubjectID: "user-1",
		Payload:   json.RawMessage(`{"tier":"gold"}`),
		Origin:    "web",
		Status:    enums.EventLogFailed,
	}
	repo := &fakeCronEventRepo{stuck: []models.EventLogEntry{entry}, recordOK: true}
	stream := &fakeResubmitStream{entryID: "2-1"}
	job := newResubmitTestJob(t, repo, stream)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	expectedCutoff := now.Add(-10 * time.Minute)
	if !repo.listOlderThan.Equal(expectedCutoff) {
		t.Fatalf("expected cutoff %s, got %s", expectedCutoff, repo.listOlderThan)
	}
	if stream.calls != 1 {
		t.Fatalf("expected one re-append, got %d", stream.calls)
	}
	if stream.values[ingest.FieldEventType] != string(enums.EventPurchasedProduct) {
		t.Fatalf("unexpected entry values %v", stream.values)
	}
	if repo.recordedEntryID != "2-1" || repo.recordedID != entry.ID {
		t.Fatalf("expected resubmission recorded against the new stream id, got %q for %s",
			repo.recordedEntryID, repo.recordedID)
	}
}

func TestResubmitJobToleratesLostRecordRace(t *testing.T) {
	entry := models.EventLogEntry{ID: uuid.New(), EventType: enums.EventUserFirstPost, SubjectID: "user-2"}
	repo := &fakeCronEventRepo{stuck: []models.EventLogEntry{entry}, recordOK: false}
	stream := &fakeResubmitStream{entryID: "2-2"}
	job := newResubmitTestJob(t, repo, stream)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("a lost race is not an error: %v", err)
	}
}

func TestResubmitJobNoStuckEntries(t *testing.T) {
	repo := &fakeCronEventRepo{}
	stream := &fakeResubmitStream{}
	job := newResubmitTestJob(t, repo, stream)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stream.calls != 0 {
		t.Fatal("nothing stuck, nothing appended")
	}
}

func TestResubmitJobPropagatesListError(t *testing.T) {
	repo := &fakeCronEventRepo{listErr: errors.New("db down")}
	job := newResubmitTestJob(t, repo, &fakeResubmitStream{})

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func newResubmitTestJob(t *testing.T, repo events.Repository, stream resubmitStream) *resubmitJob {
	t.Helper()
	jobIface, err := NewResubmitJob(ResubmitJobParams{
		Logger: logger.New(logger.Options{ServiceName: "test"}),
		Stream: config.StreamConfig{Key: "bk:activity", MaxLen: 1000},
		Worker: config.WorkerConfig{MaxRetries: 3, ResubmitAfter: 10 * time.Minute, ResubmitBatch: 100},
		Redis:  stream,
		Repo:   repo,
	})
	if err != nil {
		t.Fatalf("NewResubmitJob: %v", err)
	}
	job, ok := jobIface.(*resubmitJob)
	if !ok {
		t.Fatalf("expected resubmitJob, got %T", jobIface)
	}
	return job
}

type fakeResubmitStream struct {
	entryID string
	err     error
	calls   int
	values  map[string]any
}

func (f *fakeResubmitStream) StreamAppend(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	f.calls++
	f.values = values
	if f.err != nil {
		return "", f.err
	}
	return f.entryID, nil
}

type fakeCronEventRepo struct {
	stuck   []models.EventLogEntry
	listErr error

	recordOK        bool
	recordedID      uuid.UUID
	recordedEntryID string
	listOlderThan   time.Time

	unprocessableIDs []uuid.UUID
	found            *models.EventLogEntry
}

func (f *fakeCronEventRepo) WithTx(tx *gorm.DB) events.Repository { return f }

func (f *fakeCronEventRepo) Create(ctx context.Context, entry *models.EventLogEntry) error {
	return nil
}

func (f *fakeCronEventRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EventLogEntry, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeCronEventRepo) FindByStreamEntryID(ctx context.Context, streamEntryID string) (*models.EventLogEntry, error) {
	return f.found, nil
}

func (f *fakeCronEventRepo) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeCronEventRepo) MarkProcessed(ctx context.Context, id uuid.UUID, matchedRules json.RawMessage, issued []uuid.UUID) error {
	return nil
}

func (f *fakeCronEventRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return nil
}

func (f *fakeCronEventRepo) MarkUnprocessable(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) error {
	f.unprocessableIDs = append(f.unprocessableIDs, id)
	return nil
}

func (f *fakeCronEventRepo) ResetForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error) {
	return false, nil
}

func (f *fakeCronEventRepo) RecordResubmission(ctx context.Context, id uuid.UUID, streamEntryID string, maxRetries int) (bool, error) {
	f.recordedID = id
	f.recordedEntryID = streamEntryID
	return f.recordOK, nil
}

func (f *fakeCronEventRepo) ListStuck(ctx context.Context, olderThan time.Time, maxRetries int, limit int) ([]models.EventLogEntry, error) {
	f.listOlderThan = olderThan
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.stuck, nil
}

func (f *fakeCronEventRepo) CountBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeCronEventRepo) CountBySubjectTypeSince(ctx context.Context, subjectID string, eventType enums.ActivityEventType, since time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeCronEventRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
