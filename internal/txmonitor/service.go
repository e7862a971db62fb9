package txmonitor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/badgekeep/badgekeep-backend/internal/issuance"
	"github.com/badgekeep/badgekeep-backend/pkg/alerts"
	"github.com/badgekeep/badgekeep-backend/pkg/chain"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/metrics"
)

const (
	defaultPollMs    = 5000
	defaultBatchSize = 50
	maxBackoff       = 2 * time.Minute
	jitterWindow     = 500 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// Error fragments that mark a failure as permanent. Transactions failing with
// one of these are never resubmitted.
var permanentErrorFragments = []string{
	"insufficient funds",
	"invalid destination",
	"reverted",
	"unknown asset",
}

type receiptSource interface {
	SubmitTransfer(ctx context.Context, req chain.TransferRequest) (string, error)
	GetReceipt(ctx context.Context, txRef string) (chain.Receipt, error)
}

// Service polls pending reward transactions for receipts and drives the
// bounded retry of failed ones. It never returns business errors to a caller;
// everything is logged and emitted as alert events.
type Service struct {
	repo          issuance.Repository
	adapter       receiptSource
	emitter       alerts.Emitter
	logg          *logger.Logger
	metrics       *metrics.PipelineMetrics
	cfg           config.MonitorConfig
	pollInterval  time.Duration
	batchSize     int
	lastRetryScan time.Time
	now           func() time.Time
}

type ServiceParams struct {
	Repo    issuance.Repository
	Adapter receiptSource
	Emitter alerts.Emitter
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
	Config  config.MonitorConfig
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("transaction repository required")
	}
	if params.Adapter == nil {
		return nil, fmt.Errorf("chain adapter required")
	}
	if params.Emitter == nil {
		return nil, fmt.Errorf("alert emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}

	pollMs := params.Config.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	return &Service{
		repo:         params.Repo,
		adapter:      params.Adapter,
		emitter:      params.Emitter,
		logg:         params.Logger,
		metrics:      params.Metrics,
		cfg:          params.Config,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
		batchSize:    batch,
		now:          time.Now,
	}, nil
}

// Run polls until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "transaction monitor context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.Tick(ctx)
		if err != nil {
			s.logg.Error(ctx, "transaction monitor batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed {
			continue
		}
		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// Tick runs one monitor pass: receipt checks for the pending batch, plus the
// retry scan when its interval has elapsed. Returns whether any transaction
// was handled.
func (s *Service) Tick(ctx context.Context) (bool, error) {
	processed, err := s.checkPending(ctx)
	if err != nil {
		return processed, err
	}

	if s.now().Sub(s.lastRetryScan) >= s.cfg.RetryScanEvery {
		s.lastRetryScan = s.now()
		retried, err := s.retryFailed(ctx)
		if err != nil {
			return processed || retried, err
		}
		processed = processed || retried
	}
	return processed, nil
}

func (s *Service) checkPending(ctx context.Context) (bool, error) {
	pending, err := s.repo.ListPending(ctx, s.batchSize)
	if err != nil {
		return false, fmt.Errorf("listing pending transactions: %w", err)
	}
	if len(pending) == 0 {
		return false, nil
	}

	for _, tx := range pending {
		s.checkReceipt(ctx, tx)
	}
	return true, nil
}

func (s *Service) checkReceipt(ctx context.Context, tx models.RewardTransaction) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"transaction_id": tx.ID,
		"subject_id":     tx.SubjectID,
		"rule_id":        tx.RuleID,
	})

	receipt := chain.Receipt{}
	if tx.SubmittedTxRef != nil {
		var err error
		receipt, err = s.adapter.GetReceipt(ctx, *tx.SubmittedTxRef)
		if err != nil {
			s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "receipt check failed")
			return
		}
	}

	switch {
	case receipt.Found && receipt.Successful:
		changed, err := s.repo.MarkConfirmed(ctx, tx.ID, receipt.LedgerRef)
		if err != nil {
			s.logg.Error(logCtx, "confirming transaction", err)
			return
		}
		if changed {
			s.metrics.IncTransaction(string(enums.TransactionConfirmed))
			s.logg.Info(s.logg.WithField(logCtx, "ledger_ref", receipt.LedgerRef), "transaction confirmed")
			s.emit(ctx, enums.AlertTransactionConfirmed, tx, "transfer settled", map[string]any{
				"ledger_ref": receipt.LedgerRef,
			})
		}

	case receipt.Found:
		s.failTransaction(ctx, logCtx, tx, "transfer failed on ledger", enums.AlertTransactionFailed)

	default:
		age := s.now().Sub(s.submittedAt(tx))
		if age > s.cfg.DroppedAfter {
			s.failTransaction(ctx, logCtx, tx, "transfer dropped, no receipt before deadline", enums.AlertTransactionDropped)
			return
		}
		if age > s.cfg.StaleAfter {
			s.logg.Warn(s.logg.WithField(logCtx, "age", age.String()), "transaction stale, still awaiting receipt")
			s.emit(ctx, enums.AlertTransactionStale, tx, "no receipt after stale threshold", map[string]any{
				"age": age.String(),
			})
		}
	}
}

func (s *Service) failTransaction(ctx, logCtx context.Context, tx models.RewardTransaction, reason string, alertType enums.AlertEventType) {
	changed, err := s.repo.MarkFailed(ctx, tx.ID, reason)
	if err != nil {
		s.logg.Error(logCtx, "failing transaction", err)
		return
	}
	if !changed {
		return
	}
	s.metrics.IncTransaction(string(enums.TransactionFailed))
	s.logg.Warn(logCtx, "transaction failed: "+reason)
	s.emit(ctx, alertType, tx, reason, nil)
}

func (s *Service) retryFailed(ctx context.Context) (bool, error) {
	cutoff := s.now().Add(-s.cfg.RetryBackoff)
	candidates, err := s.repo.ListRetryable(ctx, s.cfg.MaxRetries, cutoff, s.cfg.RetryScanBatch)
	if err != nil {
		return false, fmt.Errorf("listing retryable transactions: %w", err)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	retried := false
	for _, tx := range candidates {
		if tx.ErrorMessage != nil && IsPermanentFailure(*tx.ErrorMessage) {
			continue
		}
		retried = true
		s.retryOne(ctx, tx)
	}
	return retried, nil
}

func (s *Service) retryOne(ctx context.Context, tx models.RewardTransaction) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"transaction_id": tx.ID,
		"retry_count":    tx.RetryCount + 1,
	})

	requeued, err := s.repo.RequeueForRetry(ctx, tx.ID, s.cfg.MaxRetries)
	if err != nil {
		s.logg.Error(logCtx, "requeueing transaction", err)
		return
	}
	if !requeued {
		return
	}
	s.metrics.IncTransaction(string(enums.TransactionPending))

	// The earlier submission may have landed after the failure was recorded.
	if tx.SubmittedTxRef != nil {
		receipt, err := s.adapter.GetReceipt(ctx, *tx.SubmittedTxRef)
		if err == nil && receipt.Found {
			if receipt.Successful {
				if changed, err := s.repo.MarkConfirmed(ctx, tx.ID, receipt.LedgerRef); err == nil && changed {
					s.metrics.IncTransaction(string(enums.TransactionConfirmed))
					s.logg.Info(logCtx, "transaction confirmed on retry receipt check")
					s.emit(ctx, enums.AlertTransactionConfirmed, tx, "transfer settled", map[string]any{
						"ledger_ref": receipt.LedgerRef,
					})
				}
				return
			}
			s.recordRetryFailure(ctx, logCtx, tx, "transfer failed on ledger")
			return
		}
	}

	txRef, err := s.adapter.SubmitTransfer(ctx, chain.TransferRequest{
		Destination: tx.DestinationAddress,
		AssetRef:    tx.AssetRef,
		IssuerRef:   tx.IssuerRef,
		Amount:      tx.Amount,
	})
	if err != nil {
		s.recordRetryFailure(ctx, logCtx, tx, err.Error())
		return
	}
	if err := s.repo.SetSubmittedRef(ctx, tx.ID, txRef); err != nil {
		s.logg.Error(logCtx, "storing resubmitted tx ref", err)
	}
	s.logg.Info(s.logg.WithField(logCtx, "tx_ref", txRef), "transaction resubmitted")
}

func (s *Service) recordRetryFailure(ctx, logCtx context.Context, tx models.RewardTransaction, reason string) {
	if changed, err := s.repo.MarkFailed(ctx, tx.ID, reason); err != nil || !changed {
		if err != nil {
			s.logg.Error(logCtx, "recording retry failure", err)
		}
		return
	}
	s.metrics.IncTransaction(string(enums.TransactionFailed))
	s.logg.Warn(logCtx, "transaction retry failed: "+reason)
	s.emit(ctx, enums.AlertTransactionFailed, tx, reason, nil)

	if tx.RetryCount+1 >= s.cfg.MaxRetries && !IsPermanentFailure(reason) {
		s.emit(ctx, enums.AlertRetriesExhausted, tx, "retry budget exhausted", map[string]any{
			"max_retries": s.cfg.MaxRetries,
		})
	}
}

func (s *Service) emit(ctx context.Context, alertType enums.AlertEventType, tx models.RewardTransaction, message string, fields map[string]any) {
	event := alerts.Event{
		ID:         uuid.NewString(),
		Type:       alertType,
		SubjectID:  tx.SubjectID,
		ResourceID: tx.ID.String(),
		Message:    message,
		Fields:     fields,
		EmittedAt:  s.now().UTC(),
	}
	if err := s.emitter.Emit(ctx, event); err != nil {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"alert_type": alertType.String(),
			"error":      err.Error(),
		}), "emitting alert event failed")
	}
}

func (s *Service) submittedAt(tx models.RewardTransaction) time.Time {
	if tx.LastRetryAt != nil {
		return *tx.LastRetryAt
	}
	return tx.CreatedAt
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsPermanentFailure reports whether the recorded error should never be
// retried.
func IsPermanentFailure(message string) bool {
	lowered := strings.ToLower(message)
	for _, fragment := range permanentErrorFragments {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
