package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/badgekeep/badgekeep-backend/internal/events"
	"github.com/badgekeep/badgekeep-backend/pkg/alerts"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/redis"
)

const reclaimConsumer = "cron-reclaimer"

type reclaimStream interface {
	ListPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]redis.PendingEntry, error)
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

type entryProcessor interface {
	Process(ctx context.Context, entry redis.StreamEntry)
}

type ReclaimJobParams struct {
	Logger    *logger.Logger
	Stream    config.StreamConfig
	Worker    config.WorkerConfig
	Redis     reclaimStream
	Repo      events.Repository
	Processor entryProcessor
	Emitter   alerts.Emitter
}

// NewReclaimJob builds the job that recovers stream entries abandoned by dead
// consumers. Entries over the delivery cap are acked and terminally failed;
// the rest are claimed and reprocessed in place.
func NewReclaimJob(params ReclaimJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Redis == nil {
		return nil, fmt.Errorf("stream client required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("event log repository required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("entry processor required")
	}
	if params.Emitter == nil {
		return nil, fmt.Errorf("alert emitter required")
	}
	return &reclaimJob{
		logg:      params.Logger,
		stream:    params.Stream,
		worker:    params.Worker,
		redis:     params.Redis,
		repo:      params.Repo,
		processor: params.Processor,
		emitter:   params.Emitter,
		now:       time.Now,
	}, nil
}

type reclaimJob struct {
	logg      *logger.Logger
	stream    config.StreamConfig
	worker    config.WorkerConfig
	redis     reclaimStream
	repo      events.Repository
	processor entryProcessor
	emitter   alerts.Emitter
	now       func() time.Time
}

func (j *reclaimJob) Name() string { return "stream-reclaim" }

func (j *reclaimJob) Run(ctx context.Context) error {
	pending, err := j.redis.ListPending(ctx, j.stream.Key, j.stream.Group, j.stream.ReclaimIdle, j.stream.ReclaimBatch)
	if err != nil {
		return fmt.Errorf("listing pending entries: %w", err)
	}

	dropped := 0
	for _, entry := range pending {
		if entry.DeliveryCount <= j.stream.MaxDeliveries {
			continue
		}
		j.dropEntry(ctx, entry)
		dropped++
	}

	claimed, err := j.redis.AutoClaim(ctx, j.stream.Key, j.stream.Group, reclaimConsumer, j.stream.ReclaimIdle, j.stream.ReclaimBatch)
	if err != nil {
		return fmt.Errorf("autoclaiming entries: %w", err)
	}
	for _, entry := range claimed {
		j.processor.Process(ctx, entry)
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"pending":     len(pending),
		"dropped":     dropped,
		"reprocessed": len(claimed),
	})
	j.logg.Info(logCtx, "stream reclaim pass complete")
	return nil
}

func (j *reclaimJob) dropEntry(ctx context.Context, entry redis.PendingEntry) {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"stream_entry_id": entry.ID,
		"delivery_count":  entry.DeliveryCount,
	})
	reason := fmt.Sprintf("delivery count %d exceeds cap %d", entry.DeliveryCount, j.stream.MaxDeliveries)

	subjectID := ""
	if logEntry, err := j.repo.FindByStreamEntryID(ctx, entry.ID); err == nil && logEntry != nil {
		subjectID = logEntry.SubjectID
		if markErr := j.repo.MarkUnprocessable(ctx, logEntry.ID, reason, j.worker.MaxRetries); markErr != nil {
			j.logg.Error(logCtx, "marking entry unprocessable", markErr)
		}
	}
	if err := j.redis.Ack(ctx, j.stream.Key, j.stream.Group, entry.ID); err != nil {
		j.logg.Error(logCtx, "acking dropped entry", err)
		return
	}
	j.logg.Warn(logCtx, "poisoned entry removed from group")

	event := alerts.Event{
		ID:         uuid.NewString(),
		Type:       enums.AlertEntryUnprocessable,
		SubjectID:  subjectID,
		ResourceID: entry.ID,
		Message:    reason,
		EmittedAt:  j.now().UTC(),
	}
	if err := j.emitter.Emit(ctx, event); err != nil {
		j.logg.Warn(j.logg.WithField(logCtx, "error", err.Error()), "emitting unprocessable alert failed")
	}
}
