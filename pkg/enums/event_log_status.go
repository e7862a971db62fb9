package enums

import "fmt"

// EventLogStatus tracks the processing lifecycle of an event log entry.
type EventLogStatus string

const (
	EventLogReceived   EventLogStatus = "received"
	EventLogProcessing EventLogStatus = "processing"
	EventLogProcessed  EventLogStatus = "processed"
	EventLogFailed     EventLogStatus = "failed"
)

var validEventLogStatuses = []EventLogStatus{
	EventLogReceived,
	EventLogProcessing,
	EventLogProcessed,
	EventLogFailed,
}

// IsValid reports whether the value matches the canonical status enum.
func (s EventLogStatus) IsValid() bool {
	for _, candidate := range validEventLogStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s EventLogStatus) String() string { return string(s) }

// CanTransitionTo enforces the received -> processing -> processed|failed
// machine, with failed -> received allowed for explicit retries.
func (s EventLogStatus) CanTransitionTo(next EventLogStatus) bool {
	switch s {
	case EventLogReceived:
		return next == EventLogProcessing || next == EventLogFailed
	case EventLogProcessing:
		return next == EventLogProcessed || next == EventLogFailed
	case EventLogFailed:
		return next == EventLogReceived
	default:
		return false
	}
}

// ParseEventLogStatus converts raw input into EventLogStatus.
func ParseEventLogStatus(value string) (EventLogStatus, error) {
	for _, candidate := range validEventLogStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event log status %q", value)
}
