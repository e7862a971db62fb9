package issuance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/badgekeep/badgekeep-backend/pkg/chain"
	"github.com/badgekeep/badgekeep-backend/pkg/db"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	apperrors "github.com/badgekeep/badgekeep-backend/pkg/errors"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/metrics"
)

// SubmitInput carries everything needed to issue one reward.
type SubmitInput struct {
	SubjectID   string
	RuleID      uuid.UUID
	Destination string
	IssuerRef   string
	AssetRef    string
	Amount      decimal.Decimal
	OneTime     bool
	Metadata    map[string]any
}

// Submission is the result of a submit attempt. Submitted is false when the
// adapter rejected the transfer; the record then sits in failed state for the
// monitor's retry scan.
type Submission struct {
	Transaction *models.RewardTransaction
	Submitted   bool
}

// Service owns reward transaction creation and hand-off to the chain adapter.
type Service struct {
	repo    Repository
	adapter chain.Adapter
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
}

type ServiceParams struct {
	Repo    Repository
	Adapter chain.Adapter
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("transaction repository required")
	}
	if params.Adapter == nil {
		return nil, fmt.Errorf("chain adapter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Service{
		repo:    params.Repo,
		adapter: params.Adapter,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

// HasActiveReward reports whether the subject already holds a pending or
// confirmed reward for the rule.
func (s *Service) HasActiveReward(ctx context.Context, subjectID string, ruleID uuid.UUID) (bool, error) {
	return s.repo.HasActiveReward(ctx, subjectID, ruleID)
}

// Submit re-validates the duplicate invariant, inserts the pending record and
// submits the transfer. The partial unique index decides duplicate races; a
// violation surfaces as a conflict error. An adapter rejection does not fail
// the call: the record moves to failed and the monitor owns the retry.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (*Submission, error) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subject_id": input.SubjectID,
		"rule_id":    input.RuleID,
	})

	if input.Destination == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "destination address is required")
	}

	if input.OneTime {
		rewarded, err := s.repo.HasActiveReward(ctx, input.SubjectID, input.RuleID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDependency, err, "checking existing rewards")
		}
		if rewarded {
			return nil, apperrors.New(apperrors.CodeConflict, "subject already rewarded for rule")
		}
	}

	tx := &models.RewardTransaction{
		SubjectID:          input.SubjectID,
		RuleID:             input.RuleID,
		DestinationAddress: input.Destination,
		IssuerRef:          input.IssuerRef,
		AssetRef:           input.AssetRef,
		Amount:             input.Amount,
		OneTime:            input.OneTime,
		Status:             enums.TransactionPending,
	}
	if err := s.repo.Create(ctx, tx); err != nil {
		if db.IsUniqueViolation(err, models.UniqueActiveRewardConstraint) {
			return nil, apperrors.Wrap(apperrors.CodeConflict, err, "subject already rewarded for rule")
		}
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "creating reward transaction")
	}
	s.metrics.IncTransaction(string(enums.TransactionPending))
	logCtx = s.logg.WithField(logCtx, "transaction_id", tx.ID)

	txRef, err := s.adapter.SubmitTransfer(ctx, chain.TransferRequest{
		Destination: input.Destination,
		AssetRef:    input.AssetRef,
		IssuerRef:   input.IssuerRef,
		Amount:      input.Amount,
		Metadata:    input.Metadata,
	})
	if err != nil {
		s.logg.Error(logCtx, "chain adapter rejected transfer", err)
		if _, failErr := s.repo.MarkFailed(ctx, tx.ID, err.Error()); failErr != nil {
			s.logg.Error(logCtx, "recording transfer failure", failErr)
		} else {
			s.metrics.IncTransaction(string(enums.TransactionFailed))
		}
		tx.Status = enums.TransactionFailed
		message := err.Error()
		tx.ErrorMessage = &message
		return &Submission{Transaction: tx, Submitted: false}, nil
	}

	if err := s.repo.SetSubmittedRef(ctx, tx.ID, txRef); err != nil {
		// The transfer is on the wire; keep the record pending and let the
		// monitor match it by receipt.
		s.logg.Error(logCtx, "storing submitted tx ref", err)
	} else {
		tx.SubmittedTxRef = &txRef
	}

	s.logg.Info(logCtx, "reward transfer submitted")
	return &Submission{Transaction: tx, Submitted: true}, nil
}

// IsDuplicate reports whether the error is the one-time-only conflict.
func IsDuplicate(err error) bool {
	typed := apperrors.As(err)
	return typed != nil && typed.Code() == apperrors.CodeConflict
}
