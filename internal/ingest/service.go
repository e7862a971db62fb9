package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/badgekeep/badgekeep-backend/internal/events"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	pkgerrors "github.com/badgekeep/badgekeep-backend/pkg/errors"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/metrics"
)

// Stream entry field names shared with the worker.
const (
	FieldEventType = "event_type"
	FieldSubjectID = "subject_id"
	FieldPayload   = "payload"
	FieldOrigin    = "origin"
)

type streamAppender interface {
	StreamAppend(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error)
}

// PublishInput is one inbound activity event.
type PublishInput struct {
	EventType string
	SubjectID string
	Payload   map[string]any
	Origin    string
}

// PublishResult correlates the durable stream entry with its audit record.
type PublishResult struct {
	StreamEntryID string
	EventLogID    uuid.UUID
}

// Service appends activity events to the durable stream and records the
// corresponding audit entry. Publishing is at-least-once from the caller's
// perspective; deduplication is the worker's and issuance layer's concern.
type Service interface {
	Publish(ctx context.Context, input PublishInput) (*PublishResult, error)
}

type ServiceParams struct {
	Stream  config.StreamConfig
	Redis   streamAppender
	Repo    events.Repository
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
}

type service struct {
	cfg     config.StreamConfig
	redis   streamAppender
	repo    events.Repository
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
}

// NewService wires the stream ingestor.
func NewService(params ServiceParams) (Service, error) {
	if params.Redis == nil {
		return nil, fmt.Errorf("stream client required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("event log repository required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Stream.Key == "" {
		return nil, fmt.Errorf("stream key required")
	}
	return &service{
		cfg:     params.Stream,
		redis:   params.Redis,
		repo:    params.Repo,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

func (s *service) Publish(ctx context.Context, input PublishInput) (*PublishResult, error) {
	eventType, err := enums.ParseActivityEventType(strings.TrimSpace(input.EventType))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unrecognized event type")
	}
	subjectID := strings.TrimSpace(input.SubjectID)
	if subjectID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subject id is required")
	}

	payload := input.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload is not serializable")
	}

	streamEntryID, err := s.redis.StreamAppend(ctx, s.cfg.Key, map[string]any{
		FieldEventType: string(eventType),
		FieldSubjectID: subjectID,
		FieldPayload:   string(payloadJSON),
		FieldOrigin:    input.Origin,
	}, s.cfg.MaxLen)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "appending to activity stream")
	}

	entry := &models.EventLogEntry{
		EventType:     eventType,
		SubjectID:     subjectID,
		Payload:       payloadJSON,
		Origin:        input.Origin,
		Status:        enums.EventLogReceived,
		StreamEntryID: streamEntryID,
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		// The stream append already happened; the worker recreates the audit
		// row from the entry itself, so surface only the audit failure.
		logCtx := s.logg.WithStreamEntryID(ctx, streamEntryID)
		s.logg.Error(logCtx, "audit entry write failed after stream append", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "recording audit entry")
	}

	s.metrics.IncPublished(string(eventType))

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_type":      string(eventType),
		"subject_id":      subjectID,
		"stream_entry_id": streamEntryID,
		"event_log_id":    entry.ID,
	})
	s.logg.Info(logCtx, "activity event published")

	return &PublishResult{
		StreamEntryID: streamEntryID,
		EventLogID:    entry.ID,
	}, nil
}
