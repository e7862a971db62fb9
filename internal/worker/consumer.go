package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/badgekeep/badgekeep-backend/internal/events"
	"github.com/badgekeep/badgekeep-backend/internal/ingest"
	"github.com/badgekeep/badgekeep-backend/internal/rules"
	"github.com/badgekeep/badgekeep-backend/pkg/alerts"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/metrics"
	"github.com/badgekeep/badgekeep-backend/pkg/redis"
)

const readErrorBackoff = 2 * time.Second

type streamReader interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

type evaluator interface {
	Evaluate(ctx context.Context, event rules.Event) (*rules.Evaluation, error)
}

// Consumer reads activity entries from the consumer group and runs them
// through the rule engine. Acks are issued only for entries that reached a
// terminal state; unacked entries come back via the reclaim job.
type Consumer struct {
	stream   config.StreamConfig
	worker   config.WorkerConfig
	redis    streamReader
	repo     events.Repository
	engine   evaluator
	emitter  alerts.Emitter
	logg     *logger.Logger
	metrics  *metrics.PipelineMetrics
	consumer string
}

type ConsumerParams struct {
	Stream  config.StreamConfig
	Worker  config.WorkerConfig
	Redis   streamReader
	Repo    events.Repository
	Engine  evaluator
	Emitter alerts.Emitter
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Redis == nil {
		return nil, fmt.Errorf("stream client required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("event log repository required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("rule engine required")
	}
	if params.Emitter == nil {
		return nil, fmt.Errorf("alert emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	consumer := params.Worker.Consumer
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Consumer{
		stream:   params.Stream,
		worker:   params.Worker,
		redis:    params.Redis,
		repo:     params.Repo,
		engine:   params.Engine,
		emitter:  params.Emitter,
		logg:     params.Logger,
		metrics:  params.Metrics,
		consumer: consumer,
	}, nil
}

// ConsumerName returns the name this instance registered in the group.
func (c *Consumer) ConsumerName() string { return c.consumer }

// Run consumes until the context is canceled. The context is checked between
// reads; an in-flight batch always finishes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.redis.EnsureGroup(ctx, c.stream.Key, c.stream.Group); err != nil {
		return fmt.Errorf("ensuring consumer group: %w", err)
	}
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"stream":   c.stream.Key,
		"group":    c.stream.Group,
		"consumer": c.consumer,
	}), "worker joined consumer group")

	for {
		select {
		case <-ctx.Done():
			c.logg.Info(ctx, "worker context canceled")
			return ctx.Err()
		default:
		}

		entries, err := c.redis.ReadGroup(ctx, c.stream.Key, c.stream.Group, c.consumer, c.stream.ReadBatch, c.stream.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logg.Error(ctx, "reading from stream", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		for _, entry := range entries {
			c.Process(ctx, entry)
		}
	}
}

// Process handles one stream entry end to end. Shared with the reclaim job.
func (c *Consumer) Process(ctx context.Context, entry redis.StreamEntry) {
	logCtx := c.logg.WithStreamEntryID(ctx, entry.ID)

	decoded, err := decodeEntry(entry)
	if err != nil {
		c.handleMalformed(logCtx, entry, err)
		return
	}
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"subject_id": decoded.SubjectID,
		"event_type": string(decoded.EventType),
	})

	logEntry, err := c.findOrCreateLogEntry(ctx, entry, decoded)
	if err != nil {
		c.logg.Error(logCtx, "loading event log entry", err)
		return
	}

	if logEntry.Status == enums.EventLogProcessed {
		c.ack(logCtx, entry.ID)
		return
	}
	if logEntry.Status == enums.EventLogFailed {
		retried, err := c.repo.ResetForRetry(ctx, logEntry.ID, c.worker.MaxRetries)
		if err != nil {
			c.logg.Error(logCtx, "resetting entry for retry", err)
			return
		}
		if !retried {
			c.giveUp(logCtx, entry, logEntry, "retry budget exhausted")
			return
		}
	}

	claimed, err := c.repo.MarkProcessing(ctx, logEntry.ID)
	if err != nil {
		c.logg.Error(logCtx, "claiming event log entry", err)
		return
	}
	if !claimed {
		// Another consumer holds it; redelivery will sort out the loser.
		c.logg.Debug(logCtx, "entry already claimed")
		return
	}

	evaluation, err := c.engine.Evaluate(ctx, rules.Event{
		LogID:     logEntry.ID,
		EventType: decoded.EventType,
		SubjectID: decoded.SubjectID,
		Payload:   decoded.Payload,
		Origin:    decoded.Origin,
	})
	if err != nil {
		if markErr := c.repo.MarkFailed(ctx, logEntry.ID, err.Error()); markErr != nil {
			c.logg.Error(logCtx, "marking entry failed", markErr)
		}
		c.metrics.IncProcessed(string(enums.EventLogFailed))
		c.logg.Error(logCtx, "event evaluation failed", err)
		return
	}

	matched, err := json.Marshal(evaluation.Outcomes)
	if err != nil {
		matched = nil
	}
	if err := c.repo.MarkProcessed(ctx, logEntry.ID, matched, evaluation.Issued); err != nil {
		c.logg.Error(logCtx, "marking entry processed", err)
		return
	}
	c.emitBlockedOutcomes(logCtx, entry.ID, decoded.SubjectID, evaluation.Outcomes)
	c.metrics.IncProcessed(string(enums.EventLogProcessed))
	c.ack(logCtx, entry.ID)
	c.logg.Info(c.logg.WithField(logCtx, "issued", len(evaluation.Issued)), "entry processed")
}

type decodedEntry struct {
	EventType enums.ActivityEventType
	SubjectID string
	Payload   map[string]any
	Origin    string
	raw       json.RawMessage
}

func decodeEntry(entry redis.StreamEntry) (decodedEntry, error) {
	var decoded decodedEntry

	rawType, _ := entry.Values[ingest.FieldEventType].(string)
	eventType, err := enums.ParseActivityEventType(rawType)
	if err != nil {
		return decoded, err
	}
	subjectID, _ := entry.Values[ingest.FieldSubjectID].(string)
	if subjectID == "" {
		return decoded, fmt.Errorf("stream entry %s has no subject id", entry.ID)
	}

	payload := map[string]any{}
	raw := json.RawMessage("{}")
	if encoded, ok := entry.Values[ingest.FieldPayload].(string); ok && encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &payload); err != nil {
			return decoded, fmt.Errorf("stream entry %s payload undecodable: %w", entry.ID, err)
		}
		raw = json.RawMessage(encoded)
	}
	origin, _ := entry.Values[ingest.FieldOrigin].(string)

	decoded.EventType = eventType
	decoded.SubjectID = subjectID
	decoded.Payload = payload
	decoded.Origin = origin
	decoded.raw = raw
	return decoded, nil
}

// findOrCreateLogEntry recovers the audit row written at publish time, or
// recreates it when the publish-side write was lost.
func (c *Consumer) findOrCreateLogEntry(ctx context.Context, entry redis.StreamEntry, decoded decodedEntry) (*models.EventLogEntry, error) {
	existing, err := c.repo.FindByStreamEntryID(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	logEntry := &models.EventLogEntry{
		EventType:     decoded.EventType,
		SubjectID:     decoded.SubjectID,
		Payload:       decoded.raw,
		Origin:        decoded.Origin,
		Status:        enums.EventLogReceived,
		StreamEntryID: entry.ID,
	}
	if err := c.repo.Create(ctx, logEntry); err != nil {
		// Lost the race with another consumer; reread theirs.
		if recovered, findErr := c.repo.FindByStreamEntryID(ctx, entry.ID); findErr == nil && recovered != nil {
			return recovered, nil
		}
		return nil, err
	}
	return logEntry, nil
}

// handleMalformed acks an undecodable entry and terminally fails its audit
// row. Such an entry can never succeed, so redelivery would only burn
// deliveries.
func (c *Consumer) handleMalformed(ctx context.Context, entry redis.StreamEntry, cause error) {
	c.logg.Warn(c.logg.WithField(ctx, "error", cause.Error()), "malformed stream entry")

	if logEntry, err := c.repo.FindByStreamEntryID(ctx, entry.ID); err == nil && logEntry != nil {
		if markErr := c.repo.MarkUnprocessable(ctx, logEntry.ID, cause.Error(), c.worker.MaxRetries); markErr != nil {
			c.logg.Error(ctx, "marking entry unprocessable", markErr)
		}
	}
	c.metrics.IncProcessed(string(enums.EventLogFailed))
	c.emitUnprocessable(ctx, entry.ID, "", cause.Error())
	c.ack(ctx, entry.ID)
}

// giveUp terminally fails an entry that exhausted its retries and acks it so
// it stops circulating.
func (c *Consumer) giveUp(ctx context.Context, entry redis.StreamEntry, logEntry *models.EventLogEntry, reason string) {
	if err := c.repo.MarkUnprocessable(ctx, logEntry.ID, reason, c.worker.MaxRetries); err != nil {
		c.logg.Error(ctx, "marking entry unprocessable", err)
	}
	c.metrics.IncProcessed(string(enums.EventLogFailed))
	c.logg.Warn(ctx, "entry dropped: "+reason)
	c.emitUnprocessable(ctx, entry.ID, logEntry.SubjectID, reason)
	c.ack(ctx, entry.ID)
}

// emitBlockedOutcomes publishes one alert per rule the fraud gate blocked.
func (c *Consumer) emitBlockedOutcomes(ctx context.Context, entryID, subjectID string, outcomes []rules.RuleOutcome) {
	for _, outcome := range outcomes {
		if outcome.Result != rules.OutcomeBlocked {
			continue
		}
		event := alerts.Event{
			ID:         uuid.NewString(),
			Type:       enums.AlertFraudBlocked,
			SubjectID:  subjectID,
			ResourceID: entryID,
			Message:    outcome.Detail,
			Fields: map[string]any{
				"rule_id":    outcome.RuleID.String(),
				"rule_name":  outcome.RuleName,
				"risk_score": outcome.RiskScore,
			},
			EmittedAt: time.Now().UTC(),
		}
		if err := c.emitter.Emit(ctx, event); err != nil {
			c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "emitting fraud block alert failed")
		}
	}
}

func (c *Consumer) emitUnprocessable(ctx context.Context, entryID, subjectID, reason string) {
	event := alerts.Event{
		ID:         uuid.NewString(),
		Type:       enums.AlertEntryUnprocessable,
		SubjectID:  subjectID,
		ResourceID: entryID,
		Message:    reason,
		EmittedAt:  time.Now().UTC(),
	}
	if err := c.emitter.Emit(ctx, event); err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "emitting unprocessable alert failed")
	}
}

func (c *Consumer) ack(ctx context.Context, entryID string) {
	if err := c.redis.Ack(ctx, c.stream.Key, c.stream.Group, entryID); err != nil {
		c.logg.Error(ctx, "acking stream entry", err)
	}
}
