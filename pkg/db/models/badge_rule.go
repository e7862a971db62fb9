package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/badgekeep/badgekeep-backend/pkg/enums"
)

// BadgeRule is a declarative eligibility rule: when an event of EventType
// satisfies Condition, the subject is issued the reward described by the
// issuer/asset references, subject to supply and validity constraints.
type BadgeRule struct {
	ID               uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name             string                  `gorm:"column:name;not null"`
	EventType        enums.ActivityEventType `gorm:"column:event_type;not null;index"`
	Condition        json.RawMessage         `gorm:"column:condition;type:jsonb;not null"`
	RewardMetadata   json.RawMessage         `gorm:"column:reward_metadata;type:jsonb"`
	IssuerRef        string                  `gorm:"column:issuer_ref;not null"`
	AssetRef         string                  `gorm:"column:asset_ref;not null"`
	Amount           decimal.Decimal         `gorm:"column:amount;type:numeric(30,10);not null"`
	DestinationField string                  `gorm:"column:destination_field;not null;default:walletAddress"`
	Tags             pq.StringArray          `gorm:"column:tags;type:text[]"`
	OneTimeOnly      bool                    `gorm:"column:one_time_only;not null;default:false"`
	MaxSupply        *int64                  `gorm:"column:max_supply"`
	CurrentSupply    int64                   `gorm:"column:current_supply;not null;default:0"`
	Priority         int                     `gorm:"column:priority;not null;default:0"`
	ValidFrom        time.Time               `gorm:"column:valid_from;not null"`
	ValidUntil       time.Time               `gorm:"column:valid_until;not null"`
	IsActive         bool                    `gorm:"column:is_active;not null;default:true"`
	CreatedAt        time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (BadgeRule) TableName() string { return "badge_rules" }

// ValidAt reports whether the rule may issue rewards at the given instant:
// active, inside its validity window, and not supply exhausted.
func (r BadgeRule) ValidAt(now time.Time) bool {
	if !r.IsActive {
		return false
	}
	if now.Before(r.ValidFrom) || now.After(r.ValidUntil) {
		return false
	}
	return !r.SupplyExhausted()
}

// SupplyExhausted reports whether the rule's supply cap has been reached.
func (r BadgeRule) SupplyExhausted() bool {
	return r.MaxSupply != nil && r.CurrentSupply >= *r.MaxSupply
}
