package worker

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
	"github.com/badgekeep/badgekeep-backend/internal/rules"
	"github.com/badgekeep/badgekeep-backend/pkg/alerts"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/redis"
)

func TestProcessEvaluatesAndAcksEntry(t *testing.T) {
	repo := &fakeEventLogRepo{}
	reader := &fakeStreamReader{}
	txID := uuid.New()
	engine := &stubEvaluator{evaluation: &rules.Evaluation{
		Outcomes: []rules.RuleOutcome{{Result: rules.OutcomeIssued, TransactionID: &txID}},
		Issued:   []uuid.UUID{txID},
	}}
	consumer := newTestConsumer(t, reader, repo, engine, &consumerEmitter{})

	consumer.Process(context.Background(), validEntry("1-1"))

	if repo.createdEntry == nil {
		t.Fatal("expected audit row created for unseen entry")
	}
	if repo.processedID != repo.createdEntry.ID {
		t.Fatal("expected the entry marked processed")
	}
	if len(repo.processedIssued) != 1 || repo.processedIssued[0] != txID {
		t.Fatalf("expected issued transaction recorded, got %v", repo.processedIssued)
	}
	var outcomes []rules.RuleOutcome
	if err := json.Unmarshal(repo.processedMatched, &outcomes); err != nil || len(outcomes) != 1 {
		t.Fatalf("expected outcomes persisted as json, got %s", repo.processedMatched)
	}
	reader.expectAcked(t, "1-1")
}

func TestProcessEmitsAlertForBlockedOutcomes(t *testing.T) {
	repo := &fakeEventLogRepo{}
	reader := &fakeStreamReader{}
	ruleID := uuid.New()
	engine := &stubEvaluator{evaluation: &rules.Evaluation{
		Outcomes: []rules.RuleOutcome{{
			RuleID:    ruleID,
			RuleName:  "daily-login",
			Result:    rules.OutcomeBlocked,
			Detail:    "blocked: velocity threshold exceeded",
			Verdict:   "block",
			RiskScore: 85,
		}},
	}}
	emitter := &consumerEmitter{}
	consumer := newTestConsumer(t, reader, repo, engine, emitter)

	consumer.Process(context.Background(), validEntry("1-9"))

	if len(emitter.events) != 1 {
		t.Fatalf("expected one fraud block alert, got %d", len(emitter.events))
	}
	event := emitter.events[0]
	if event.Type != enums.AlertFraudBlocked {
		t.Fatalf("expected fraud block alert, got %s", event.Type)
	}
	if event.Message != "blocked: velocity threshold exceeded" {
		t.Fatalf("unexpected alert message %q", event.Message)
	}
	if event.Fields["rule_id"] != ruleID.String() {
		t.Fatalf("expected blocked rule id in alert fields, got %v", event.Fields)
	}
	reader.expectAcked(t, "1-9")
}

func TestProcessMalformedEntryIsTerminal(t *testing.T) {
	logEntry := &models.EventLogEntry{ID: uuid.New(), Status: enums.EventLogReceived, StreamEntryID: "1-2"}
	repo := &fakeEventLogRepo{existing: logEntry}
	reader := &fakeStreamReader{}
	engine := &stubEvaluator{}
	emitter := &consumerEmitter{}
	consumer := newTestConsumer(t, reader, repo, engine, emitter)

	entry := redis.StreamEntry{ID: "1-2", Values: map[string]any{
		ingest.FieldEventType: "not_a_real_event",
		ingest.FieldSubjectID: "user-1",
	}}
	consumer.Process(context.Background(), entry)

	if engine.calls != 0 {
		t.Fatal("malformed entry must not reach the engine")
	}
	if repo.unprocessableID != logEntry.ID {
		t.Fatal("expected audit row terminally failed")
	}
	if len(emitter.events) != 1 || emitter.events[0].Type != enums.AlertEntryUnprocessable {
		t.Fatalf("expected unprocessable alert, got %+v", emitter.events)
	}
	reader.expectAcked(t, "1-2")
}

func TestProcessAcksAlreadyProcessedEntry(t *testing.T) {
	repo := &fakeEventLogRepo{existing: &models.EventLogEntry{
		ID:            uuid.New(),
		Status:        enums.EventLogProcessed,
		StreamEntryID: "1-3",
	}}
	reader := &fakeStreamReader{}
	engine := &stubEvaluator{}
	consumer := newTestConsumer(t, reader, repo, engine, &consumerEmitter{})

	consumer.Process(context.Background(), validEntry("1-3"))

	if engine.calls != 0 {
		t.Fatal("processed entry must not be re-evaluated")
	}
	reader.expectAcked(t, "1-3")
}

func TestProcessRetriesFailedEntryWithinBudget(t *testing.T) {
	repo := &fakeEventLogRepo{
		existing: &models.EventLogEntry{ID: uuid.New(), Status: enums.EventLogFailed, StreamEntryID: "1-4"},
		resetOK:  true,
	}
	reader := &fakeStreamReader{}
	engine := &stubEvaluator{evaluation: &rules.Evaluation{}}
	consumer := newTestConsumer(t, reader, repo, engine, &consumerEmitter{})

	consumer.Process(context.Background(), validEntry("1-4"))

	if engine.calls != 1 {
		t.Fatal("expected failed entry re-evaluated after reset")
	}
	reader.expectAcked(t, "1-4")
}

func TestProcessDropsEntryWhenRetriesExhausted(t *testing.T) {
	logEntry := &models.EventLogEntry{
		ID:            uuid.New(),
		SubjectID:     "user-1",
		Status:        enums.EventLogFailed,
		RetryCount:    3,
		StreamEntryID: "1-5",
	}
	repo := &fakeEventLogRepo{existing: logEntry, resetOK: false}
	reader := &fakeStreamReader{}
	engine := &stubEvaluator{}
	emitter := &consumerEmitter{}
	consumer := newTestConsumer(t, reader, repo, engine, emitter)

	consumer.Process(context.Background(), validEntry("1-5"))

	if engine.calls != 0 {
		t.Fatal("exhausted entry must not be re-evaluated")
	}
	if repo.unprocessableID != logEntry.ID {
		t.Fatal("expected entry terminally failed")
	}
	if len(emitter.events) != 1 || emitter.events[0].SubjectID != "user-1" {
		t.Fatalf("expected unprocessable alert with subject, got %+v", emitter.events)
	}
	reader.expectAcked(t, "1-5")
}

func TestProcessLeavesEntryUnackedOnEvaluationError(t *testing.T) {
	repo := &fakeEventLogRepo{}
	reader := &fakeStreamReader{}
	engine := &stubEvaluator{err: errors.New("rule load failed")}
	consumer := newTestConsumer(t, reader, repo, engine, &consumerEmitter{})

	consumer.Process(context.Background(), validEntry("1-6"))

	if len(reader.acked) != 0 {
		t.Fatal("retryable failure must leave the entry unacked for redelivery")
	}
	if repo.failedID == uuid.Nil {
		t.Fatal("expected the entry marked failed")
	}
}

func TestProcessSkipsEntryClaimedElsewhere(t *testing.T) {
	repo := &fakeEventLogRepo{
		existing:      &models.EventLogEntry{ID: uuid.New(), Status: enums.EventLogReceived, StreamEntryID: "1-7"},
		claimRejected: true,
	}
	reader := &fakeStreamReader{}
	engine := &stubEvaluator{}
	consumer := newTestConsumer(t, reader, repo, engine, &consumerEmitter{})

	consumer.Process(context.Background(), validEntry("1-7"))

	if engine.calls != 0 {
		t.Fatal("claimed entry must not be evaluated twice")
	}
	if len(reader.acked) != 0 {
		t.Fatal("claimed entry must stay unacked here")
	}
}

func TestProcessRecoversLostCreateRace(t *testing.T) {
	winner := &models.EventLogEntry{ID: uuid.New(), Status: enums.EventLogReceived, StreamEntryID: "1-8"}
	repo := &fakeEventLogRepo{
		createErr:       errors.New("duplicate key value"),
		existingOnRetry: winner,
	}
	reader := &fakeStreamReader{}
	engine := &stubEvaluator{evaluation: &rules.Evaluation{}}
	consumer := newTestConsumer(t, reader, repo, engine, &consumerEmitter{})

	consumer.Process(context.Background(), validEntry("1-8"))

	if engine.calls != 1 {
		t.Fatal("expected the winner's row evaluated")
	}
	if repo.processedID != winner.ID {
		t.Fatal("expected the winner's row marked processed")
	}
}

func newTestConsumer(t *testing.T, reader *fakeStreamReader, repo events.Repository, engine *stubEvaluator, emitter *consumerEmitter) *Consumer {
	t.Helper()
	consumer, err := NewConsumer(ConsumerParams{
		Stream: config.StreamConfig{
			Key:       "bk:activity",
			Group:     "badgekeep-workers",
			ReadBatch: 16,
			ReadBlock: time.Second,
		},
		Worker:  config.WorkerConfig{Consumer: "test-consumer", MaxRetries: 3},
		Redis:   reader,
		Repo:    repo,
		Engine:  engine,
		Emitter: emitter,
		Logger:  logger.New(logger.Options{ServiceName: "test"}),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return consumer
}

func validEntry(id string) redis.StreamEntry {
	return redis.StreamEntry{ID: id, Values: map[string]any{
		ingest.FieldEventType: string(enums.EventPurchasedProduct),
		ingest.FieldSubjectID: "user-1",
		ingest.FieldPayload:   `{"tier":"gold","walletAddress":"0xabc"}`,
		ingest.FieldOrigin:    "web",
	}}
}

type fakeStreamReader struct {
	acked []string
}

func (f *fakeStreamReader) EnsureGroup(ctx context.Context, stream, group string) error { return nil }

func (f *fakeStreamReader) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamEntry, error) {
	return nil, nil
}

func (f *fakeStreamReader) Ack(ctx context.Context, stream, group string, ids ...string) error {
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeStreamReader) expectAcked(t *testing.T, id string) {
	t.Helper()
	if len(f.acked) != 1 || f.acked[0] != id {
		t.Fatalf("expected ack for %s, got %v", id, f.acked)
	}
}

type stubEvaluator struct {
	evaluation *rules.Evaluation
	err        error
	calls      int
	lastEvent  rules.Event
}

func (s *stubEvaluator) Evaluate(ctx context.Context, event rules.Event) (*rules.Evaluation, error) {
	s.calls++
	s.lastEvent = event
	if s.err != nil {
		return nil, s.err
	}
	return s.evaluation, nil
}

type consumerEmitter struct {
	events []alerts.Event
}

func (c *consumerEmitter) Emit(ctx context.Context, event alerts.Event) error {
	c.events = append(c.events, event)
	return nil
}

type fakeEventLogRepo struct {
	existing        *models.EventLogEntry
	existingOnRetry *models.EventLogEntry
	createErr       error
	resetOK         bool
	claimRejected   bool

	createdEntry     *models.EventLogEntry
	processedID      uuid.UUID
	processedMatched json.RawMessage
	processedIssued  []uuid.UUID
	failedID         uuid.UUID
	unprocessableID  uuid.UUID
	findCalls        int
}

func (f *fakeEventLogRepo) WithTx(tx *gorm.DB) events.Repository { return f }

func (f *fakeEventLogRepo) Create(ctx context.Context, entry *models.EventLogEntry) error {
	if f.createErr != nil {
		return f.createErr
	}
	entry.ID = uuid.New()
	f.createdEntry = entry
	return nil
}

func (f *fakeEventLogRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EventLogEntry, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeEventLogRepo) FindByStreamEntryID(ctx context.Context, streamEntryID string) (*models.EventLogEntry, error) {
	f.findCalls++
	if f.findCalls > 1 && f.existingOnRetry != nil {
		return f.existingOnRetry, nil
	}
	return f.existing, nil
}

func (f *fakeEventLogRepo) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	return !f.claimRejected, nil
}

func (f *fakeEventLogRepo) MarkProcessed(ctx context.Context, id uuid.UUID, matchedRules json.RawMessage, issued []uuid.UUID) error {
	f.processedID = id
	f.processedMatched = matchedRules
	f.processedIssued = issued
	return nil
}

func (f *fakeEventLogRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	f.failedID = id
	return nil
}

func (f *fakeEventLogRepo) MarkUnprocessable(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) error {
	f.unprocessableID = id
	return nil
}

func (f *fakeEventLogRepo) ResetForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (bool, error) {
	return f.resetOK, nil
}

func (f *fakeEventLogRepo) RecordResubmission(ctx context.Context, id uuid.UUID, streamEntryID string, maxRetries int) (bool, error) {
	return false, nil
}

func (f *fakeEventLogRepo) ListStuck(ctx context.Context, olderThan time.Time, maxRetries int, limit int) ([]models.EventLogEntry, error) {
	return nil, nil
}

func (f *fakeEventLogRepo) CountBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeEventLogRepo) CountBySubjectTypeSince(ctx context.Context, subjectID string, eventType enums.ActivityEventType, since time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeEventLogRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
