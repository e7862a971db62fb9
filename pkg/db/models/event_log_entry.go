package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/badgekeep/badgekeep-backend/pkg/db/types"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
)

// EventLogEntry is the durable audit record for one inbound activity event.
// It is created by the stream ingestor with status "received" and mutated only
// by the worker afterwards.
type EventLogEntry struct {
	ID                 uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventType          enums.ActivityEventType `gorm:"column:event_type;not null;index:idx_event_log_subject_type,priority:2"`
	SubjectID          string                  `gorm:"column:subject_id;not null;index:idx_event_log_subject_type,priority:1"`
	Payload            json.RawMessage         `gorm:"column:payload;type:jsonb"`
	Origin             string                  `gorm:"column:origin"`
	Status             enums.EventLogStatus    `gorm:"column:status;not null;default:received;index"`
	StreamEntryID      string                  `gorm:"column:stream_entry_id;index"`
	MatchedRules       json.RawMessage         `gorm:"column:matched_rules;type:jsonb"`
	IssuedTransactions dbtypes.UUIDArray       `gorm:"column:issued_transactions;type:uuid[]"`
	RetryCount         int                     `gorm:"column:retry_count;not null;default:0"`
	LastRetryAt        *time.Time              `gorm:"column:last_retry_at"`
	ErrorMessage       *string                 `gorm:"column:error_message"`
	CreatedAt          time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (EventLogEntry) TableName() string { return "event_log_entries" }
