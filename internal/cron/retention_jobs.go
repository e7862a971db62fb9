package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

const (
	defaultAuditRetentionDays = 30
	defaultTxRetentionDays    = 365
)

type processedEntryPurger interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type settledTxPurger interface {
	DeleteSettledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type streamTrimmer interface {
	Trim(ctx context.Context, stream string, maxLen int64) (int64, error)
}

type EventLogRetentionJobParams struct {
	Logger    *logger.Logger
	Repo      processedEntryPurger
	Retention int
}

// NewEventLogRetentionJob deletes processed audit entries past the audit
// window.
func NewEventLogRetentionJob(params EventLogRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("event log repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultAuditRetentionDays
	}
	return &eventLogRetentionJob{
		logg:      params.Logger,
		repo:      params.Repo,
		retention: retention,
		now:       time.Now,
	}, nil
}

type eventLogRetentionJob struct {
	logg      *logger.Logger
	repo      processedEntryPurger
	retention int
	now       func() time.Time
}

func (j *eventLogRetentionJob) Name() string { return "event-log-retention" }

func (j *eventLogRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("event log retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "event log retention cleanup complete")
	return nil
}

type TransactionRetentionJobParams struct {
	Logger    *logger.Logger
	Repo      settledTxPurger
	Retention int
}

// NewTransactionRetentionJob deletes settled reward transactions past their
// much larger retention window.
func NewTransactionRetentionJob(params TransactionRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("transaction repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultTxRetentionDays
	}
	return &transactionRetentionJob{
		logg:      params.Logger,
		repo:      params.Repo,
		retention: retention,
		now:       time.Now,
	}, nil
}

type transactionRetentionJob struct {
	logg      *logger.Logger
	repo      settledTxPurger
	retention int
	now       func() time.Time
}

func (j *transactionRetentionJob) Name() string { return "transaction-retention" }

func (j *transactionRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.repo.DeleteSettledBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("transaction retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "transaction retention cleanup complete")
	return nil
}

type StreamTrimJobParams struct {
	Logger *logger.Logger
	Redis  streamTrimmer
	Key    string
	MaxLen int64
}

// NewStreamTrimJob caps the activity stream length.
func NewStreamTrimJob(params StreamTrimJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Redis == nil {
		return nil, fmt.Errorf("stream client required")
	}
	if params.Key == "" {
		return nil, fmt.Errorf("stream key required")
	}
	if params.MaxLen <= 0 {
		return nil, fmt.Errorf("stream max length required")
	}
	return &streamTrimJob{
		logg:   params.Logger,
		redis:  params.Redis,
		key:    params.Key,
		maxLen: params.MaxLen,
	}, nil
}

type streamTrimJob struct {
	logg   *logger.Logger
	redis  streamTrimmer
	key    string
	maxLen int64
}

func (j *streamTrimJob) Name() string { return "stream-trim" }

func (j *streamTrimJob) Run(ctx context.Context) error {
	trimmed, err := j.redis.Trim(ctx, j.key, j.maxLen)
	if err != nil {
		return fmt.Errorf("stream trim: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"stream":          j.key,
		"max_len":         j.maxLen,
		"entries_trimmed": trimmed,
	})
	j.logg.Info(logCtx, "stream trim complete")
	return nil
}
