package enums

import "testing"

func TestParseActivityEventType(t *testing.T) {
	parsed, err := ParseActivityEventType("purchased_product")
	if err != nil {
		t.Fatalf("ParseActivityEventType: %v", err)
	}
	if parsed != EventPurchasedProduct {
		t.Fatalf("unexpected event type %s", parsed)
	}

	if _, err := ParseActivityEventType("not_a_real_event"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
	if ActivityEventType("").IsValid() {
		t.Fatal("empty event type must be invalid")
	}
}

func TestEventLogStatusTransitions(t *testing.T) {
	tests := []struct {
		from    EventLogStatus
		to      EventLogStatus
		allowed bool
	}{
		{EventLogReceived, EventLogProcessing, true},
		{EventLogReceived, EventLogFailed, true},
		{EventLogReceived, EventLogProcessed, false},
		{EventLogProcessing, EventLogProcessed, true},
		{EventLogProcessing, EventLogFailed, true},
		{EventLogProcessing, EventLogReceived, false},
		{EventLogFailed, EventLogReceived, true},
		{EventLogFailed, EventLogProcessed, false},
		{EventLogProcessed, EventLogFailed, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected %v got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestTransactionStatusTransitions(t *testing.T) {
	tests := []struct {
		from    TransactionStatus
		to      TransactionStatus
		allowed bool
	}{
		{TransactionPending, TransactionConfirmed, true},
		{TransactionPending, TransactionFailed, true},
		{TransactionConfirmed, TransactionFailed, false},
		{TransactionConfirmed, TransactionPending, false},
		{TransactionFailed, TransactionPending, true},
		{TransactionFailed, TransactionConfirmed, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected %v got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestVerdictPermits(t *testing.T) {
	if !VerdictAllow.Permits() || !VerdictMonitor.Permits() || !VerdictReview.Permits() {
		t.Fatal("allow, monitor, and review permit issuance")
	}
	if VerdictBlock.Permits() {
		t.Fatal("block must not permit issuance")
	}
}

func TestRiskSeverityPoints(t *testing.T) {
	tests := []struct {
		severity RiskSeverity
		points   int
	}{
		{SeverityLow, 10},
		{SeverityMedium, 25},
		{SeverityHigh, 40},
		{SeverityCritical, 100},
		{RiskSeverity("unknown"), 0},
	}

	for _, tt := range tests {
		if got := tt.severity.Points(); got != tt.points {
			t.Errorf("%s: expected %d points got %d", tt.severity, tt.points, got)
		}
	}
}
