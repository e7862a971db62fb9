package fraud

import (
	"strings"

	"github.com/badgekeep/badgekeep-backend/pkg/enums"
)

// Signal is one detected risk pattern contributing to the verdict.
type Signal struct {
	Name     string             `json:"name"`
	Severity enums.RiskSeverity `json:"severity"`
	Detail   string             `json:"detail,omitempty"`
}

// Verdict is the gate's decision for a single activity check.
type Verdict struct {
	Decision  enums.VerdictDecision `json:"decision"`
	RiskScore int                   `json:"risk_score"`
	Signals   []Signal              `json:"signals,omitempty"`
}

// Reason summarizes the signals behind the verdict for logs and outcomes.
func (v Verdict) Reason() string {
	if len(v.Signals) == 0 {
		return "clean"
	}
	names := make([]string, 0, len(v.Signals))
	for _, signal := range v.Signals {
		names = append(names, signal.Name)
	}
	return strings.Join(names, ", ")
}

func allowVerdict() Verdict {
	return Verdict{Decision: enums.VerdictAllow}
}
