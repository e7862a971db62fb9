package enums

import "fmt"

// VerdictDecision is the fraud gate's decision for an activity check.
type VerdictDecision string

const (
	VerdictAllow   VerdictDecision = "allow"
	VerdictMonitor VerdictDecision = "monitor"
	VerdictReview  VerdictDecision = "review"
	VerdictBlock   VerdictDecision = "block"
)

var validVerdictDecisions = []VerdictDecision{
	VerdictAllow,
	VerdictMonitor,
	VerdictReview,
	VerdictBlock,
}

// IsValid reports whether the value matches the canonical verdict enum.
func (v VerdictDecision) IsValid() bool {
	for _, candidate := range validVerdictDecisions {
		if candidate == v {
			return true
		}
	}
	return false
}

func (v VerdictDecision) String() string { return string(v) }

// Permits reports whether issuance may proceed under this decision.
// monitor and review annotate the outcome but do not stop it.
func (v VerdictDecision) Permits() bool {
	return v == VerdictAllow || v == VerdictMonitor || v == VerdictReview
}

// ParseVerdictDecision converts raw input into VerdictDecision.
func ParseVerdictDecision(value string) (VerdictDecision, error) {
	for _, candidate := range validVerdictDecisions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid verdict %q", value)
}

// RiskSeverity grades a detected fraud pattern.
type RiskSeverity string

const (
	SeverityLow      RiskSeverity = "low"
	SeverityMedium   RiskSeverity = "medium"
	SeverityHigh     RiskSeverity = "high"
	SeverityCritical RiskSeverity = "critical"
)

// Points maps each severity to its fixed risk score contribution.
func (s RiskSeverity) Points() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 40
	case SeverityCritical:
		return 100
	default:
		return 0
	}
}

func (s RiskSeverity) String() string { return string(s) }
