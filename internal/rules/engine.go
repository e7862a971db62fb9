package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/badgekeep/badgekeep-backend/internal/fraud"
	"github.com/badgekeep/badgekeep-backend/internal/issuance"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/metrics"
)

// Outcome results recorded per matched rule.
const (
	OutcomeIssued          = "issued"
	OutcomeAlreadyRewarded = "already_rewarded"
	OutcomeSupplyExhausted = "supply_exhausted"
	OutcomeBlocked         = "blocked"
	OutcomeError           = "error"
)

// Event is the activity under evaluation, reconstructed from a stream entry.
type Event struct {
	LogID     uuid.UUID
	EventType enums.ActivityEventType
	SubjectID string
	Payload   map[string]any
	Origin    string
}

// RuleOutcome records what happened for one matched rule.
type RuleOutcome struct {
	RuleID        uuid.UUID  `json:"rule_id"`
	RuleName      string     `json:"rule_name"`
	Result        string     `json:"result"`
	Detail        string     `json:"detail,omitempty"`
	Verdict       string     `json:"verdict,omitempty"`
	RiskScore     int        `json:"risk_score,omitempty"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
}

// Evaluation is the result of running one event through the engine.
type Evaluation struct {
	Outcomes []RuleOutcome
	Issued   []uuid.UUID
}

type fraudGate interface {
	Check(ctx context.Context, subjectID, action, origin string, payload map[string]any) (fraud.Verdict, error)
}

type issuer interface {
	Submit(ctx context.Context, input issuance.SubmitInput) (*issuance.Submission, error)
	HasActiveReward(ctx context.Context, subjectID string, ruleID uuid.UUID) (bool, error)
}

// Engine evaluates activity events against the active rules for their type
// and drives issuance for the ones that match.
type Engine struct {
	cache   *Cache
	repo    Repository
	fraud   fraudGate
	issuer  issuer
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
	now     func() time.Time
}

type EngineParams struct {
	Cache   *Cache
	Repo    Repository
	Fraud   fraudGate
	Issuer  issuer
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
}

// NewEngine wires the rule engine.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Cache == nil {
		return nil, fmt.Errorf("rule cache required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("rule repository required")
	}
	if params.Fraud == nil {
		return nil, fmt.Errorf("fraud gate required")
	}
	if params.Issuer == nil {
		return nil, fmt.Errorf("issuance service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Engine{
		cache:   params.Cache,
		repo:    params.Repo,
		fraud:   params.Fraud,
		issuer:  params.Issuer,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     time.Now,
	}, nil
}

// Evaluate runs the event against all valid rules for its type. Business
// outcomes (already rewarded, supply exhausted, blocked) are recorded, not
// returned as errors; the returned error aggregates transient failures that
// make the evaluation retryable.
func (e *Engine) Evaluate(ctx context.Context, event Event) (*Evaluation, error) {
	start := e.now()
	candidates, err := e.cache.ValidForType(ctx, event.EventType)
	if err != nil {
		return nil, fmt.Errorf("loading rules for %s: %w", event.EventType, err)
	}

	evaluation := &Evaluation{}
	var retryable error

	for _, candidate := range candidates {
		if !candidate.Condition.Matches(event.Payload) {
			continue
		}
		outcome, err := e.applyRule(ctx, event, candidate)
		if err != nil {
			retryable = multierr.Append(retryable, err)
		}
		evaluation.Outcomes = append(evaluation.Outcomes, outcome)
		if outcome.Result == OutcomeIssued && outcome.TransactionID != nil {
			evaluation.Issued = append(evaluation.Issued, *outcome.TransactionID)
		}
	}

	e.metrics.ObserveEvaluation(e.now().Sub(start))
	return evaluation, retryable
}

func (e *Engine) applyRule(ctx context.Context, event Event, candidate CachedRule) (RuleOutcome, error) {
	rule := candidate.Rule
	outcome := RuleOutcome{RuleID: rule.ID, RuleName: rule.Name}
	logCtx := e.logg.WithFields(ctx, map[string]any{
		"rule_id":    rule.ID,
		"subject_id": event.SubjectID,
		"event_type": string(event.EventType),
	})

	if rule.OneTimeOnly {
		rewarded, err := e.issuer.HasActiveReward(ctx, event.SubjectID, rule.ID)
		if err != nil {
			outcome.Result = OutcomeError
			outcome.Detail = err.Error()
			return outcome, fmt.Errorf("duplicate check for rule %s: %w", rule.ID, err)
		}
		if rewarded {
			outcome.Result = OutcomeAlreadyRewarded
			return outcome, nil
		}
	}

	if rule.SupplyExhausted() {
		outcome.Result = OutcomeSupplyExhausted
		return outcome, nil
	}

	verdict, err := e.fraud.Check(ctx, event.SubjectID, string(event.EventType), event.Origin, event.Payload)
	if err != nil {
		outcome.Result = OutcomeError
		outcome.Detail = err.Error()
		return outcome, fmt.Errorf("fraud check for rule %s: %w", rule.ID, err)
	}
	outcome.Verdict = string(verdict.Decision)
	outcome.RiskScore = verdict.RiskScore
	e.metrics.IncVerdict(string(verdict.Decision))

	if !verdict.Decision.Permits() {
		outcome.Result = OutcomeBlocked
		outcome.Detail = "blocked: " + verdict.Reason()
		e.logg.Warn(e.logg.WithField(logCtx, "risk_score", verdict.RiskScore), "issuance blocked by fraud gate")
		return outcome, nil
	}

	destination, ok := destinationAddress(event.Payload, rule.DestinationField)
	if !ok {
		outcome.Result = OutcomeError
		outcome.Detail = fmt.Sprintf("payload field %q missing destination address", rule.DestinationField)
		return outcome, nil
	}

	// Supply is reserved before submission; the conditional increment is the
	// atomic guard against concurrent oversupply.
	if rule.MaxSupply != nil {
		reserved, err := e.repo.IncrementSupply(ctx, rule.ID)
		if err != nil {
			outcome.Result = OutcomeError
			outcome.Detail = err.Error()
			return outcome, fmt.Errorf("reserving supply for rule %s: %w", rule.ID, err)
		}
		if !reserved {
			e.cache.Invalidate(event.EventType)
			outcome.Result = OutcomeSupplyExhausted
			return outcome, nil
		}
	} else {
		if _, err := e.repo.IncrementSupply(ctx, rule.ID); err != nil {
			outcome.Result = OutcomeError
			outcome.Detail = err.Error()
			return outcome, fmt.Errorf("recording supply for rule %s: %w", rule.ID, err)
		}
	}
	e.cache.Invalidate(event.EventType)

	submission, err := e.issuer.Submit(ctx, issuance.SubmitInput{
		SubjectID:   event.SubjectID,
		RuleID:      rule.ID,
		Destination: destination,
		IssuerRef:   rule.IssuerRef,
		AssetRef:    rule.AssetRef,
		Amount:      rule.Amount,
		OneTime:     rule.OneTimeOnly,
		Metadata:    rewardMetadata(rule, event),
	})
	if err != nil {
		e.releaseSupply(ctx, event, rule.ID)
		if issuance.IsDuplicate(err) {
			outcome.Result = OutcomeAlreadyRewarded
			return outcome, nil
		}
		outcome.Result = OutcomeError
		outcome.Detail = err.Error()
		return outcome, fmt.Errorf("submitting reward for rule %s: %w", rule.ID, err)
	}

	txID := submission.Transaction.ID
	outcome.Result = OutcomeIssued
	outcome.TransactionID = &txID
	e.metrics.IncIssued()
	e.logg.Info(e.logg.WithField(logCtx, "transaction_id", txID), "reward issued")
	return outcome, nil
}

func (e *Engine) releaseSupply(ctx context.Context, event Event, ruleID uuid.UUID) {
	if err := e.repo.DecrementSupply(ctx, ruleID); err != nil {
		e.logg.Error(ctx, "releasing reserved supply failed", err)
	}
	e.cache.Invalidate(event.EventType)
}

func destinationAddress(payload map[string]any, field string) (string, bool) {
	value, ok := lookupPath(payload, field)
	if !ok {
		return "", false
	}
	address, ok := value.(string)
	if !ok || address == "" {
		return "", false
	}
	return address, true
}

func rewardMetadata(rule models.BadgeRule, event Event) map[string]any {
	meta := map[string]any{
		"rule_id":    rule.ID.String(),
		"rule_name":  rule.Name,
		"event_type": string(event.EventType),
	}
	if len(rule.RewardMetadata) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(rule.RewardMetadata, &extra); err == nil {
			for k, v := range extra {
				meta[k] = v
			}
		}
	}
	if event.LogID != uuid.Nil {
		meta["event_log_id"] = event.LogID.String()
	}
	return meta
}
