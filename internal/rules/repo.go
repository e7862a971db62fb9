package rules

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
)

// Repository manages persistence for badge rules.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, rule *models.BadgeRule) error
	Update(ctx context.Context, rule *models.BadgeRule) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BadgeRule, error)
	ListValidForType(ctx context.Context, eventType enums.ActivityEventType, now time.Time) ([]models.BadgeRule, error)
	IncrementSupply(ctx context.Context, id uuid.UUID) (bool, error)
	DecrementSupply(ctx context.Context, id uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a badge rule repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, rule *models.BadgeRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *repository) Update(ctx context.Context, rule *models.BadgeRule) error {
	return r.db.WithContext(ctx).Save(rule).Error
}

func (r *repository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.db.WithContext(ctx).
		Model(&models.BadgeRule{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*models.BadgeRule, error) {
	var rule models.BadgeRule
	if err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListValidForType returns active, in-window, non-exhausted rules for the event
// type, ordered by descending priority with creation order as the stable
// tie-break.
func (r *repository) ListValidForType(ctx context.Context, eventType enums.ActivityEventType, now time.Time) ([]models.BadgeRule, error) {
	var rules []models.BadgeRule
	if err := r.db.WithContext(ctx).
		Where("event_type = ?", eventType).
		Where("is_active = ?", true).
		Where("valid_from <= ? AND valid_until >= ?", now, now).
		Where("max_supply IS NULL OR current_supply < max_supply").
		Order("priority DESC, created_at ASC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// IncrementSupply bumps current_supply only while it is below the cap. The
// guard runs inside the UPDATE itself, so concurrent issuance cannot push the
// supply past max_supply. Returns false when the cap was already reached.
func (r *repository) IncrementSupply(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.BadgeRule{}).
		Where("id = ?", id).
		Where("max_supply IS NULL OR current_supply < max_supply").
		Update("current_supply", gorm.Expr("current_supply + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DecrementSupply releases one unit of supply, used when issuance fails after
// the increment was taken.
func (r *repository) DecrementSupply(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.BadgeRule{}).
		Where("id = ? AND current_supply > 0", id).
		Update("current_supply", gorm.Expr("current_supply - 1")).Error
}
