package enums

// AlertEventType names the observability events the pipeline emits instead of
// raising to a caller.
type AlertEventType string

const (
	AlertTransactionConfirmed AlertEventType = "transaction_confirmed"
	AlertTransactionFailed    AlertEventType = "transaction_failed"
	AlertTransactionStale     AlertEventType = "transaction_stale"
	AlertTransactionDropped   AlertEventType = "transaction_dropped"
	AlertRetriesExhausted     AlertEventType = "retries_exhausted"
	AlertEntryUnprocessable   AlertEventType = "entry_unprocessable"
	AlertFraudBlocked         AlertEventType = "fraud_blocked"
)

func (a AlertEventType) String() string { return string(a) }
