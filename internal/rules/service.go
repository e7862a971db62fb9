package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	pkgerrors "github.com/badgekeep/badgekeep-backend/pkg/errors"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

const defaultDestinationField = "walletAddress"

// CreateRuleInput describes a new eligibility rule.
type CreateRuleInput struct {
	Name             string
	EventType        string
	Condition        json.RawMessage
	RewardMetadata   json.RawMessage
	IssuerRef        string
	AssetRef         string
	Amount           decimal.Decimal
	DestinationField string
	Tags             []string
	OneTimeOnly      bool
	MaxSupply        *int64
	Priority         int
	ValidFrom        time.Time
	ValidUntil       time.Time
}

// Service manages rule lifecycle. Every mutation invalidates the cache for
// the affected event type so workers never act on a stale rule set.
type Service struct {
	repo  Repository
	cache *Cache
	logg  *logger.Logger
}

func NewService(repo Repository, cache *Cache, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("rule repository required")
	}
	if cache == nil {
		return nil, fmt.Errorf("rule cache required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Service{repo: repo, cache: cache, logg: logg}, nil
}

// Create validates and persists a new rule.
func (s *Service) Create(ctx context.Context, input CreateRuleInput) (*models.BadgeRule, error) {
	eventType, err := enums.ParseActivityEventType(input.EventType)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unrecognized event type")
	}
	if input.Name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rule name is required")
	}
	if input.IssuerRef == "" || input.AssetRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "issuer and asset references are required")
	}
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !input.ValidUntil.After(input.ValidFrom) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validity window is empty")
	}
	if input.MaxSupply != nil && *input.MaxSupply <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "max supply must be positive when set")
	}
	if _, err := ParseCondition(input.Condition); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid condition")
	}

	destinationField := input.DestinationField
	if destinationField == "" {
		destinationField = defaultDestinationField
	}

	rule := &models.BadgeRule{
		Name:             input.Name,
		EventType:        eventType,
		Condition:        input.Condition,
		RewardMetadata:   input.RewardMetadata,
		IssuerRef:        input.IssuerRef,
		AssetRef:         input.AssetRef,
		Amount:           input.Amount,
		DestinationField: destinationField,
		Tags:             pq.StringArray(input.Tags),
		OneTimeOnly:      input.OneTimeOnly,
		MaxSupply:        input.MaxSupply,
		Priority:         input.Priority,
		ValidFrom:        input.ValidFrom,
		ValidUntil:       input.ValidUntil,
		IsActive:         true,
	}
	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating rule")
	}
	s.cache.Invalidate(eventType)

	logCtx := s.logg.WithRuleID(ctx, rule.ID.String())
	s.logg.Info(logCtx, "badge rule created")
	return rule, nil
}

// SetActive toggles a rule on or off.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	rule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "rule not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading rule")
	}
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "updating rule")
	}
	s.cache.Invalidate(rule.EventType)

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"rule_id": id,
		"active":  active,
	})
	s.logg.Info(logCtx, "badge rule activation changed")
	return nil
}

// Get returns one rule by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.BadgeRule, error) {
	rule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "rule not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading rule")
	}
	return rule, nil
}
