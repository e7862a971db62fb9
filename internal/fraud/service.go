package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

// Signal names emitted by the gate.
const (
	SignalRateLimited    = "rate_limited"
	SignalVelocity       = "velocity"
	SignalDuplicateEvent = "duplicate_event"
	SignalRepetition     = "repetition"
	SignalFailureSpree   = "failure_spree"
	SignalBlocklisted    = "blocklisted_destination"
)

const maxRiskScore = 100

type limiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	RateLimitKey(scope string) string
}

// ActivityHistory exposes the event-log counts the pattern detector reads.
type ActivityHistory interface {
	CountBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int64, error)
	CountBySubjectTypeSince(ctx context.Context, subjectID string, eventType enums.ActivityEventType, since time.Time) (int64, error)
}

// FailureHistory exposes recent reward transaction failures per subject.
type FailureHistory interface {
	CountFailedBySubjectSince(ctx context.Context, subjectID string, since time.Time) (int64, error)
}

// Service is the anti-fraud gate: fixed-window rate limits plus a pattern
// detector over the event log, folded into a single verdict.
type Service struct {
	limiter   limiter
	events    ActivityHistory
	failures  FailureHistory
	limits    config.RateLimitConfig
	cfg       config.FraudConfig
	blocklist map[string]struct{}
	logg      *logger.Logger
	now       func() time.Time
}

type ServiceParams struct {
	Limiter   limiter
	Events    ActivityHistory
	Failures  FailureHistory
	RateLimit config.RateLimitConfig
	Fraud     config.FraudConfig
	Logger    *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Limiter == nil {
		return nil, fmt.Errorf("rate limiter required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("activity history required")
	}
	if params.Failures == nil {
		return nil, fmt.Errorf("failure history required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	blocklist := make(map[string]struct{}, len(params.Fraud.BlocklistedAddresses))
	for _, address := range params.Fraud.BlocklistedAddresses {
		address = strings.ToLower(strings.TrimSpace(address))
		if address != "" {
			blocklist[address] = struct{}{}
		}
	}
	return &Service{
		limiter:   params.Limiter,
		events:    params.Events,
		failures:  params.Failures,
		limits:    params.RateLimit,
		cfg:       params.Fraud,
		blocklist: blocklist,
		logg:      params.Logger,
		now:       time.Now,
	}, nil
}

// Check evaluates the subject's activity and returns a verdict. Rate-limit
// denial forces a block regardless of pattern score. On infrastructure error
// the configured failure policy decides: fail-open allows with a warning,
// fail-closed blocks.
func (s *Service) Check(ctx context.Context, subjectID, action, origin string, payload map[string]any) (Verdict, error) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subject_id": subjectID,
		"action":     action,
	})

	limited, err := s.rateLimited(ctx, subjectID, action, origin)
	if err != nil {
		return s.onInfraError(logCtx, "rate limit check failed", err)
	}
	if limited {
		return Verdict{
			Decision:  enums.VerdictBlock,
			RiskScore: maxRiskScore,
			Signals: []Signal{{
				Name:     SignalRateLimited,
				Severity: enums.SeverityCritical,
				Detail:   "fixed-window rate limit exceeded",
			}},
		}, nil
	}

	signals, err := s.detectPatterns(ctx, subjectID, action, payload)
	if err != nil {
		return s.onInfraError(logCtx, "pattern detection failed", err)
	}
	return s.scoreSignals(signals), nil
}

// Reset clears all rate-limit counters for the subject. Manual remediation
// only; pattern signals derive from the event log and are unaffected.
func (s *Service) Reset(ctx context.Context, subjectID string) (int64, error) {
	prefix := s.limiter.RateLimitKey("subject:" + subjectID)
	return s.limiter.DeleteByPrefix(ctx, prefix)
}

func (s *Service) rateLimited(ctx context.Context, subjectID, action, origin string) (bool, error) {
	checks := []struct {
		scope string
		limit int64
	}{
		{"subject:" + subjectID, s.limits.SubjectLimit},
		{"action:" + action, s.limits.ActionLimit},
	}
	if origin != "" {
		checks = append(checks, struct {
			scope string
			limit int64
		}{"origin:" + origin, s.limits.OriginLimit})
	}
	for _, check := range checks {
		allowed, _, err := s.limiter.FixedWindowAllow(ctx, check.scope, check.limit, s.limits.Window)
		if err != nil {
			return false, err
		}
		if !allowed {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) detectPatterns(ctx context.Context, subjectID, action string, payload map[string]any) ([]Signal, error) {
	now := s.now()
	eventType := enums.ActivityEventType(action)
	var signals []Signal

	perMinute, err := s.events.CountBySubjectSince(ctx, subjectID, now.Add(-time.Minute))
	if err != nil {
		return nil, fmt.Errorf("counting subject velocity: %w", err)
	}
	if perMinute > s.cfg.VelocityPerMinute {
		signals = append(signals, Signal{
			Name:     SignalVelocity,
			Severity: enums.SeverityMedium,
			Detail:   fmt.Sprintf("%d events in the last minute", perMinute),
		})
	}

	// The entry under evaluation is already in the log, so a count above one
	// inside the window means a distinct duplicate.
	inWindow, err := s.events.CountBySubjectTypeSince(ctx, subjectID, eventType, now.Add(-s.cfg.DuplicateWindow))
	if err != nil {
		return nil, fmt.Errorf("counting duplicates: %w", err)
	}
	if inWindow > 1 {
		signals = append(signals, Signal{
			Name:     SignalDuplicateEvent,
			Severity: enums.SeverityMedium,
			Detail:   fmt.Sprintf("%d %s events inside %s", inWindow, action, s.cfg.DuplicateWindow),
		})
	}

	perHour, err := s.events.CountBySubjectTypeSince(ctx, subjectID, eventType, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("counting repetition: %w", err)
	}
	if perHour > s.cfg.RepetitionPerHour {
		signals = append(signals, Signal{
			Name:     SignalRepetition,
			Severity: enums.SeverityLow,
			Detail:   fmt.Sprintf("%d %s events in the last hour", perHour, action),
		})
	}

	failed, err := s.failures.CountFailedBySubjectSince(ctx, subjectID, now.Add(-s.cfg.FailureLookback))
	if err != nil {
		return nil, fmt.Errorf("counting transaction failures: %w", err)
	}
	if failed >= s.cfg.FailureThreshold {
		signals = append(signals, Signal{
			Name:     SignalFailureSpree,
			Severity: enums.SeverityHigh,
			Detail:   fmt.Sprintf("%d failed transactions inside %s", failed, s.cfg.FailureLookback),
		})
	}

	if address, found := s.blocklistedAddress(payload); found {
		signals = append(signals, Signal{
			Name:     SignalBlocklisted,
			Severity: enums.SeverityCritical,
			Detail:   "destination " + address + " is blocklisted",
		})
	}

	return signals, nil
}

func (s *Service) blocklistedAddress(payload map[string]any) (string, bool) {
	if len(s.blocklist) == 0 {
		return "", false
	}
	return matchBlocklist(payload, s.blocklist)
}

func matchBlocklist(value any, blocklist map[string]struct{}) (string, bool) {
	switch typed := value.(type) {
	case string:
		if _, hit := blocklist[strings.ToLower(typed)]; hit {
			return typed, true
		}
	case map[string]any:
		for _, nested := range typed {
			if address, hit := matchBlocklist(nested, blocklist); hit {
				return address, true
			}
		}
	case []any:
		for _, nested := range typed {
			if address, hit := matchBlocklist(nested, blocklist); hit {
				return address, true
			}
		}
	}
	return "", false
}

func (s *Service) scoreSignals(signals []Signal) Verdict {
	score := 0
	critical := false
	for _, signal := range signals {
		score += signal.Severity.Points()
		if signal.Severity == enums.SeverityCritical {
			critical = true
		}
	}
	if score > maxRiskScore {
		score = maxRiskScore
	}

	decision := enums.VerdictAllow
	switch {
	case critical || score >= s.cfg.BlockScore:
		decision = enums.VerdictBlock
	case score >= s.cfg.ReviewScore:
		decision = enums.VerdictReview
	case score >= s.cfg.MonitorScore:
		decision = enums.VerdictMonitor
	}
	return Verdict{Decision: decision, RiskScore: score, Signals: signals}
}

func (s *Service) onInfraError(ctx context.Context, msg string, err error) (Verdict, error) {
	if s.cfg.FailClosed {
		s.logg.Error(ctx, msg+", failing closed", err)
		return Verdict{
			Decision:  enums.VerdictBlock,
			RiskScore: maxRiskScore,
			Signals: []Signal{{
				Name:     "infrastructure_error",
				Severity: enums.SeverityCritical,
				Detail:   err.Error(),
			}},
		}, nil
	}
	s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), msg+", failing open")
	return allowVerdict(), nil
}
