package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/badgekeep/badgekeep-backend/api/responses"
	"github.com/badgekeep/badgekeep-backend/api/validators"
	"github.com/badgekeep/badgekeep-backend/internal/rules"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	pkgerrors "github.com/badgekeep/badgekeep-backend/pkg/errors"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

type createRuleRequest struct {
	Name             string          `json:"name" validate:"required"`
	EventType        string          `json:"event_type" validate:"required"`
	Condition        json.RawMessage `json:"condition" validate:"required"`
	RewardMetadata   json.RawMessage `json:"reward_metadata"`
	IssuerRef        string          `json:"issuer_ref" validate:"required"`
	AssetRef         string          `json:"asset_ref" validate:"required"`
	Amount           decimal.Decimal `json:"amount" validate:"required"`
	DestinationField string          `json:"destination_field"`
	Tags             []string        `json:"tags"`
	OneTimeOnly      bool            `json:"one_time_only"`
	MaxSupply        *int64          `json:"max_supply"`
	Priority         int             `json:"priority"`
	ValidFrom        time.Time       `json:"valid_from" validate:"required"`
	ValidUntil       time.Time       `json:"valid_until" validate:"required"`
}

type setRuleActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type ruleResponse struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	EventType        string          `json:"event_type"`
	Condition        json.RawMessage `json:"condition"`
	IssuerRef        string          `json:"issuer_ref"`
	AssetRef         string          `json:"asset_ref"`
	Amount           decimal.Decimal `json:"amount"`
	DestinationField string          `json:"destination_field"`
	Tags             []string        `json:"tags,omitempty"`
	OneTimeOnly      bool            `json:"one_time_only"`
	MaxSupply        *int64          `json:"max_supply,omitempty"`
	CurrentSupply    int64           `json:"current_supply"`
	Priority         int             `json:"priority"`
	ValidFrom        time.Time       `json:"valid_from"`
	ValidUntil       time.Time       `json:"valid_until"`
	IsActive         bool            `json:"is_active"`
}

// CreateRule registers a new badge rule.
func CreateRule(svc *rules.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req createRuleRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		rule, err := svc.Create(ctx, rules.CreateRuleInput{
			Name:             req.Name,
			EventType:        req.EventType,
			Condition:        req.Condition,
			RewardMetadata:   req.RewardMetadata,
			IssuerRef:        req.IssuerRef,
			AssetRef:         req.AssetRef,
			Amount:           req.Amount,
			DestinationField: req.DestinationField,
			Tags:             req.Tags,
			OneTimeOnly:      req.OneTimeOnly,
			MaxSupply:        req.MaxSupply,
			Priority:         req.Priority,
			ValidFrom:        req.ValidFrom,
			ValidUntil:       req.ValidUntil,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toRuleResponse(rule))
	}
}

// GetRule returns one rule by id.
func GetRule(svc *rules.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "ruleID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid rule id"))
			return
		}
		rule, err := svc.Get(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toRuleResponse(rule))
	}
}

// SetRuleActive toggles a rule on or off.
func SetRuleActive(svc *rules.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "ruleID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid rule id"))
			return
		}

		var req setRuleActiveRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := svc.SetActive(ctx, id, *req.Active); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": id, "active": *req.Active})
	}
}

func toRuleResponse(rule *models.BadgeRule) ruleResponse {
	return ruleResponse{
		ID:               rule.ID.String(),
		Name:             rule.Name,
		EventType:        string(rule.EventType),
		Condition:        rule.Condition,
		IssuerRef:        rule.IssuerRef,
		AssetRef:         rule.AssetRef,
		Amount:           rule.Amount,
		DestinationField: rule.DestinationField,
		Tags:             rule.Tags,
		OneTimeOnly:      rule.OneTimeOnly,
		MaxSupply:        rule.MaxSupply,
		CurrentSupply:    rule.CurrentSupply,
		Priority:         rule.Priority,
		ValidFrom:        rule.ValidFrom,
		ValidUntil:       rule.ValidUntil,
		IsActive:         rule.IsActive,
	}
}
