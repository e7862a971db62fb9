package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/badgekeep/badgekeep-backend/internal/events"
	"github.com/badgekeep/badgekeep-backend/internal/ingest"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

type resubmitStream interface {
	StreamAppend(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error)
}

type ResubmitJobParams struct {
	Logger *logger.Logger
	Stream config.StreamConfig
	Worker config.WorkerConfig
	Redis  resubmitStream
	Repo   events.Repository
}

// NewResubmitJob builds the reconciliation job for event log entries stuck in
// received or failed. It re-appends them to the stream independently of
// consumer-group redelivery, bounded by the retry cap.
func NewResubmitJob(params ResubmitJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Redis == nil {
		return nil, fmt.Errorf("stream client required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("event log repository required")
	}
	return &resubmitJob{
		logg:   params.Logger,
		stream: params.Stream,
		worker: params.Worker,
		redis:  params.Redis,
		repo:   params.Repo,
		now:    time.Now,
	}, nil
}

type resubmitJob struct {
	logg   *logger.Logger
	stream config.StreamConfig
	worker config.WorkerConfig
	redis  resubmitStream
	repo   events.Repository
	now    func() time.Time
}

func (j *resubmitJob) Name() string { return "entry-resubmit" }

func (j *resubmitJob) Run(ctx context.Context) error {
	olderThan := j.now().Add(-j.worker.ResubmitAfter)
	stuck, err := j.repo.ListStuck(ctx, olderThan, j.worker.MaxRetries, j.worker.ResubmitBatch)
	if err != nil {
		return fmt.Errorf("listing stuck entries: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	resubmitted := 0
	for _, entry := range stuck {
		if j.resubmit(ctx, entry) {
			resubmitted++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"stuck":       len(stuck),
		"resubmitted": resubmitted,
	})
	j.logg.Info(logCtx, "stuck entry resubmission complete")
	return nil
}

func (j *resubmitJob) resubmit(ctx context.Context, entry models.EventLogEntry) bool {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"event_log_id": entry.ID,
		"subject_id":   entry.SubjectID,
		"retry_count":  entry.RetryCount,
	})

	streamEntryID, err := j.redis.StreamAppend(ctx, j.stream.Key, map[string]any{
		ingest.FieldEventType: string(entry.EventType),
		ingest.FieldSubjectID: entry.SubjectID,
		ingest.FieldPayload:   string(entry.Payload),
		ingest.FieldOrigin:    entry.Origin,
	}, j.stream.MaxLen)
	if err != nil {
		j.logg.Error(logCtx, "re-appending entry to stream", err)
		return false
	}

	recorded, err := j.repo.RecordResubmission(ctx, entry.ID, streamEntryID, j.worker.MaxRetries)
	if err != nil {
		j.logg.Error(logCtx, "recording resubmission", err)
		return false
	}
	if !recorded {
		// Raced with a worker or hit the cap after listing.
		j.logg.Debug(logCtx, "resubmission skipped, entry moved on")
		return false
	}
	j.logg.Info(j.logg.WithField(logCtx, "stream_entry_id", streamEntryID), "stuck entry resubmitted")
	return true
}
