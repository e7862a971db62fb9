package enums

import "fmt"

// TransactionStatus tracks the settlement lifecycle of a reward transaction.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionConfirmed TransactionStatus = "confirmed"
	TransactionFailed    TransactionStatus = "failed"
)

var validTransactionStatuses = []TransactionStatus{
	TransactionPending,
	TransactionConfirmed,
	TransactionFailed,
}

// IsValid reports whether the value matches the canonical status enum.
func (s TransactionStatus) IsValid() bool {
	for _, candidate := range validTransactionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s TransactionStatus) String() string { return string(s) }

// CanTransitionTo enforces pending -> confirmed|failed, with failed -> pending
// allowed for bounded monitor-driven retries.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case TransactionPending:
		return next == TransactionConfirmed || next == TransactionFailed
	case TransactionFailed:
		return next == TransactionPending
	default:
		return false
	}
}

// ParseTransactionStatus converts raw input into TransactionStatus.
func ParseTransactionStatus(value string) (TransactionStatus, error) {
	for _, candidate := range validTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction status %q", value)
}
