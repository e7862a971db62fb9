package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/badgekeep/badgekeep-backend/pkg/enums"
)

// UniqueActiveRewardConstraint is the partial unique index on
// (subject_id, rule_id) over pending/confirmed rows. It is the authoritative
// one-time-only guard; in-process duplicate checks are a fast path only.
const UniqueActiveRewardConstraint = "uq_reward_tx_subject_rule_active"

// RewardTransaction records one reward transfer from submission through
// settlement.
type RewardTransaction struct {
	ID                 uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SubjectID          string                  `gorm:"column:subject_id;not null;index:idx_reward_tx_subject_rule,priority:1"`
	RuleID             uuid.UUID               `gorm:"column:rule_id;type:uuid;not null;index:idx_reward_tx_subject_rule,priority:2"`
	DestinationAddress string                  `gorm:"column:destination_address;not null"`
	IssuerRef          string                  `gorm:"column:issuer_ref;not null"`
	AssetRef           string                  `gorm:"column:asset_ref;not null"`
	Amount             decimal.Decimal         `gorm:"column:amount;type:numeric(30,10);not null"`
	OneTime            bool                    `gorm:"column:one_time;not null;default:false"`
	Status             enums.TransactionStatus `gorm:"column:status;not null;default:pending;index"`
	SubmittedTxRef     *string                 `gorm:"column:submitted_tx_ref"`
	LedgerRef          *string                 `gorm:"column:ledger_ref"`
	RetryCount         int                     `gorm:"column:retry_count;not null;default:0"`
	LastRetryAt        *time.Time              `gorm:"column:last_retry_at"`
	ErrorMessage       *string                 `gorm:"column:error_message"`
	CreatedAt          time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (RewardTransaction) TableName() string { return "reward_transactions" }
