package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/badgekeep/badgekeep-backend/internal/fraud"
	"github.com/badgekeep/badgekeep-backend/internal/issuance"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	pkgerrors "github.com/badgekeep/badgekeep-backend/pkg/errors"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

func TestEvaluateIssuesMatchingRule(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"gold"}`)
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}, incrementOK: true}
	gate := &stubFraudGate{verdict: fraud.Verdict{Decision: enums.VerdictAllow}}
	txID := uuid.New()
	iss := &stubIssuer{submission: &issuance.Submission{
		Transaction: &models.RewardTransaction{ID: txID},
		Submitted:   true,
	}}
	engine := newTestEngine(t, repo, gate, iss)

	evaluation, err := engine.Evaluate(context.Background(), testEvent("gold"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(evaluation.Outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(evaluation.Outcomes))
	}
	outcome := evaluation.Outcomes[0]
	if outcome.Result != OutcomeIssued {
		t.Fatalf("expected %s, got %s", OutcomeIssued, outcome.Result)
	}
	if outcome.TransactionID == nil || *outcome.TransactionID != txID {
		t.Fatalf("expected transaction id %s, got %v", txID, outcome.TransactionID)
	}
	if len(evaluation.Issued) != 1 || evaluation.Issued[0] != txID {
		t.Fatalf("expected issued list [%s], got %v", txID, evaluation.Issued)
	}
	if repo.incrementCalls != 1 {
		t.Fatalf("expected one supply increment, got %d", repo.incrementCalls)
	}
	if iss.lastInput.Destination != "0xabc" {
		t.Fatalf("expected destination from payload, got %q", iss.lastInput.Destination)
	}
	if iss.lastInput.Metadata["rule_name"] != rule.Name {
		t.Fatalf("expected rule name in metadata, got %v", iss.lastInput.Metadata)
	}
}

func TestEvaluateSkipsNonMatchingRules(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"platinum"}`)
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}, incrementOK: true}
	gate := &stubFraudGate{verdict: fraud.Verdict{Decision: enums.VerdictAllow}}
	iss := &stubIssuer{}
	engine := newTestEngine(t, repo, gate, iss)

	evaluation, err := engine.Evaluate(context.Background(), testEvent("gold"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(evaluation.Outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %d", len(evaluation.Outcomes))
	}
	if gate.calls != 0 || iss.submitCalls != 0 {
		t.Fatal("non-matching rule must not reach the fraud gate or issuer")
	}
}

func TestEvaluateOneTimeDuplicateFastPath(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"gold"}`)
	rule.OneTimeOnly = true
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}, incrementOK: true}
	gate := &stubFraudGate{verdict: fraud.Verdict{Decision: enums.VerdictAllow}}
	iss := &stubIssuer{hasActive: true}
	engine := newTestEngine(t, repo, gate, iss)

	evaluation, err := engine.Evaluate(context.Background(), testEvent("gold"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got := evaluation.Outcomes[0].Result; got != OutcomeAlreadyRewarded {
		t.Fatalf("expected %s, got %s", OutcomeAlreadyRewarded, got)
	}
	if iss.submitCalls != 0 {
		t.Fatal("duplicate subject must not reach submit")
	}
	if repo.incrementCalls != 0 {
		t.Fatal("duplicate subject must not reserve supply")
	}
}

func TestEvaluateSupplyExhaustedRule(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"gold"}`)
	max := int64(5)
	rule.MaxSupply = &max
	rule.CurrentSupply = 5
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}}
	gate := &stubFraudGate{verdict: fraud.Verdict{Decision: enums.VerdictAllow}}
	iss := &stubIssuer{}
	engine := newTestEngine(t, repo, gate, iss)

	evaluation, err := engine.Evaluate(context.Background(), testEvent("gold"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got := evaluation.Outcomes[0].Result; got != OutcomeSupplyExhausted {
		t.Fatalf("expected %s, got %s", OutcomeSupplyExhausted, got)
	}
	if gate.calls != 0 {
		t.Fatal("exhausted rule must not reach the fraud gate")
	}
}

func TestEvaluateBlockedByFraudGate(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"gold"}`)
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}, incrementOK: true}
	gate := &stubFraudGate{verdict: fraud.Verdict{
		Decision:  enums.VerdictBlock,
		RiskScore: 100,
		Signals:   []fraud.Signal{{Name: fraud.SignalRateLimited, Severity: enums.SeverityCritical}},
	}}
	iss := &stubIssuer{}
	engine := newTestEngine(t, repo, gate, iss)

	evaluation, err := engine.Evaluate(context.Background(), testEvent("gold"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	outcome := evaluation.Outcomes[0]
	if outcome.Result != OutcomeBlocked {
		t.Fatalf("expected %s, got %s", OutcomeBlocked, outcome.Result)
	}
	if outcome.Detail != "blocked: "+fraud.SignalRateLimited {
		t.Fatalf("unexpected detail %q", outcome.Detail)
	}
	if outcome.RiskScore != 100 {
		t.Fatalf("expected risk score recorded, got %d", outcome.RiskScore)
	}
	if iss.submitCalls != 0 || repo.incrementCalls != 0 {
		t.Fatal("blocked subject must not reserve supply or submit")
	}
}

func TestEvaluateSupplyReservationRace(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"gold"}`)
	max := int64(5)
	rule.MaxSupply = &max
	rule.CurrentSupply = 4
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}, incrementOK: false}
	gate := &stubFraudGate{verdict: fraud.Verdict{Decision: enums.VerdictAllow}}
	iss := &stubIssuer{}
	engine := newTestEngine(t, repo, gate, iss)

	evaluation, err := engine.Evaluate(context.Background(), testEvent("gold"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got := evaluation.Outcomes[0].Result; got != OutcomeSupplyExhausted {
		t.Fatalf("expected %s when reservation loses the race, got %s", OutcomeSupplyExhausted, got)
	}
	if iss.submitCalls != 0 {
		t.Fatal("lost reservation must not submit")
	}
}

func TestEvaluateReleasesSupplyWhenSubmitFails(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"gold"}`)
	max := int64(5)
	rule.MaxSupply = &max
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}, incrementOK: true}
	gate := &stubFraudGate{verdict: fraud.Verdict{Decision: enums.VerdictAllow}}
	iss := &stubIssuer{submitErr: pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("db down"), "creating reward transaction")}
	engine := newTestEngine(t, repo, gate, iss)

	evaluation, err := engine.Evaluate(context.Background(), testEvent("gold"))
	if err == nil {
		t.Fatal("expected a retryable error")
	}
	if got := evaluation.Outcomes[0].Result; got != OutcomeError {
		t.Fatalf("expected %s, got %s", OutcomeError, got)
	}
	if repo.decrementCalls != 1 {
		t.Fatalf("expected reserved supply released once, got %d", repo.decrementCalls)
	}
}

func TestEvaluateDuplicateRaceMapsToAlreadyRewarded(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"gold"}`)
	rule.OneTimeOnly = true
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}, incrementOK: true}
	gate := &stubFraudGate{verdict: fraud.Verdict{Decision: enums.VerdictAllow}}
	iss := &stubIssuer{submitErr: pkgerrors.New(pkgerrors.CodeConflict, "subject already rewarded for rule")}
	engine := newTestEngine(t, repo, gate, iss)

	evaluation, err := engine.Evaluate(context.Background(), testEvent("gold"))
	if err != nil {
		t.Fatalf("duplicate race is not retryable: %v", err)
	}
	if got := evaluation.Outcomes[0].Result; got != OutcomeAlreadyRewarded {
		t.Fatalf("expected %s, got %s", OutcomeAlreadyRewarded, got)
	}
	if repo.decrementCalls != 1 {
		t.Fatalf("expected reserved supply released, got %d decrements", repo.decrementCalls)
	}
}

func TestEvaluateMissingDestinationIsTerminal(t *testing.T) {
	rule := testRule(t, `{"op":"equals","field":"tier","value":"gold"}`)
	repo := &fakeRuleRepo{rules: []models.BadgeRule{rule}, incrementOK: true}
	gate := &stubFraudGate{verdict: fraud.Verdict{Decision: enums.VerdictAllow}}
	iss := &stubIssuer{}
	engine := newTestEngine(t, repo, gate, iss)

	event := testEvent("gold")
	delete(event.Payload, "walletAddress")
	evaluation, err := engine.Evaluate(context.Background(), event)
	if err != nil {
		t.Fatalf("missing destination is not retryable: %v", err)
	}
	if got := evaluation.Outcomes[0].Result; got != OutcomeError {
		t.Fatalf("expected %s, got %s", OutcomeError, got)
	}
	if repo.incrementCalls != 0 || iss.submitCalls != 0 {
		t.Fatal("missing destination must not reserve supply or submit")
	}
}

func newTestEngine(t *testing.T, repo *fakeRuleRepo, gate *stubFraudGate, iss *stubIssuer) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineParams{
		Cache:  NewCache(repo, time.Minute),
		Repo:   repo,
		Fraud:  gate,
		Issuer: iss,
		Logger: logger.New(logger.Options{ServiceName: "test"}),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func testRule(t *testing.T, condition string) models.BadgeRule {
	t.Helper()
	return models.BadgeRule{
		ID:               uuid.New(),
		Name:             "gold-badge",
		EventType:        enums.EventPurchasedProduct,
		Condition:        json.RawMessage(condition),
		IssuerRef:        "issuer-1",
		AssetRef:         "badge-gold",
		Amount:           decimal.NewFromInt(1),
		DestinationField: "walletAddress",
		ValidFrom:        time.Now().Add(-time.Hour),
		ValidUntil:       time.Now().Add(time.Hour),
		IsActive:         true,
	}
}

func testEvent(tier string) Event {
	return Event{
		LogID:     uuid.New(),
		EventType: enums.EventPurchasedProduct,
		SubjectID: "user-1",
		Origin:    "web",
		Payload: map[string]any{
			"tier":          tier,
			"walletAddress": "0xabc",
		},
	}
}

type fakeRuleRepo struct {
	rules          []models.BadgeRule
	listErr        error
	listCalls      int
	createErr      error
	created        *models.BadgeRule
	setActiveID    uuid.UUID
	setActiveValue bool
	incrementOK    bool
	incrementErr   error
	incrementCalls int
	decrementCalls int
}

func (f *fakeRuleRepo) WithTx(tx *gorm.DB) Repository { return f }

func (f *fakeRuleRepo) Create(ctx context.Context, rule *models.BadgeRule) error {
	if f.createErr != nil {
		return f.createErr
	}
	rule.ID = uuid.New()
	f.created = rule
	return nil
}

func (f *fakeRuleRepo) Update(ctx context.Context, rule *models.BadgeRule) error { return nil }

func (f *fakeRuleRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	f.setActiveID = id
	f.setActiveValue = active
	return nil
}

func (f *fakeRuleRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.BadgeRule, error) {
	for i := range f.rules {
		if f.rules[i].ID == id {
			return &f.rules[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRuleRepo) ListValidForType(ctx context.Context, eventType enums.ActivityEventType, now time.Time) ([]models.BadgeRule, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.rules, nil
}

func (f *fakeRuleRepo) IncrementSupply(ctx context.Context, id uuid.UUID) (bool, error) {
	f.incrementCalls++
	if f.incrementErr != nil {
		return false, f.incrementErr
	}
	return f.incrementOK, nil
}

func (f *fakeRuleRepo) DecrementSupply(ctx context.Context, id uuid.UUID) error {
	f.decrementCalls++
	return nil
}

type stubFraudGate struct {
	verdict fraud.Verdict
	err     error
	calls   int
}

func (s *stubFraudGate) Check(ctx context.Context, subjectID, action, origin string, payload map[string]any) (fraud.Verdict, error) {
	s.calls++
	if s.err != nil {
		return fraud.Verdict{}, s.err
	}
	return s.verdict, nil
}

type stubIssuer struct {
	hasActive    bool
	hasActiveErr error
	submission   *issuance.Submission
	submitErr    error
	submitCalls  int
	lastInput    issuance.SubmitInput
}

func (s *stubIssuer) Submit(ctx context.Context, input issuance.SubmitInput) (*issuance.Submission, error) {
	s.submitCalls++
	s.lastInput = input
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return s.submission, nil
}

func (s *stubIssuer) HasActiveReward(ctx context.Context, subjectID string, ruleID uuid.UUID) (bool, error) {
	if s.hasActiveErr != nil {
		return false, s.hasActiveErr
	}
	return s.hasActive, nil
}
