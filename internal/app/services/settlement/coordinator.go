// Package settlement drives settlement requests through their state machine:
// chain submission, receipt classification, degraded-mode policy, and the
// idempotent ledger commit. It owns the per-subject ordering guarantee and
// hands unresolved requests to the reconciliation poller.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/metrics"
	"github.com/coverbridge/settlement-layer/internal/app/storage"
	"github.com/coverbridge/settlement-layer/internal/chain"
	"github.com/coverbridge/settlement-layer/pkg/logger"
)

var (
	// ErrSubjectLocked indicates another settlement for the same subject is
	// in flight. Expected under contention; surfaced as a retryable 409.
	ErrSubjectLocked = errors.New("settlement already in flight for subject")

	// ErrInvalidRequest indicates the request failed validation.
	ErrInvalidRequest = errors.New("invalid settlement request")
)

// Result is the caller-visible outcome of a settlement orchestration.
type Result struct {
	RequestID         string       `json:"settlementId"`
	State             domain.State `json:"state"`
	ExternalReference string       `json:"externalReference,omitempty"`
}

// Config bounds the coordinator's blocking points.
type Config struct {
	// ContractHash is the insurance settlement contract script hash.
	ContractHash string

	// ReceiptTimeout bounds the wait for a transaction receipt.
	ReceiptTimeout time.Duration

	// LockTimeout bounds the wait for the subject lock so contended callers
	// fail fast instead of piling up.
	LockTimeout time.Duration
}

// Coordinator orchestrates a single settlement request end to end.
type Coordinator struct {
	store   storage.Store
	gateway chain.Gateway
	locks   *SubjectLock
	policy  Policy
	cfg     Config
	log     *logger.Logger
}

// NewCoordinator wires a coordinator.
func NewCoordinator(store storage.Store, gateway chain.Gateway, policy Policy, cfg Config, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("settlement-coordinator")
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = chain.DefaultReceiptTimeout
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	return &Coordinator{
		store:   store,
		gateway: gateway,
		locks:   NewSubjectLock(),
		policy:  policy,
		cfg:     cfg,
		log:     log,
	}
}

// Settle drives the request synchronously to a terminal or orphaned state.
// Resubmitting an id that already settled returns the original outcome
// without any new side effect.
func (c *Coordinator) Settle(ctx context.Context, req domain.Request) (Result, error) {
	prepared, release, existing, err := c.begin(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return c.orchestrate(ctx, prepared, release)
}

// SettleAsync persists the request, then runs the orchestration in the
// background. Once the chain submission is made it cannot be canceled, so
// the orchestration runs to completion regardless of the client connection;
// callers re-attach via GetStatus.
func (c *Coordinator) SettleAsync(ctx context.Context, req domain.Request) (domain.Request, error) {
	prepared, release, existing, err := c.begin(ctx, req)
	if err != nil {
		return domain.Request{}, err
	}
	if existing != nil {
		return c.store.GetRequest(ctx, existing.RequestID)
	}

	go func() {
		if _, err := c.orchestrate(context.WithoutCancel(ctx), prepared, release); err != nil {
			c.log.WithError(err).WithField("settlement_id", prepared.ID).Warn("background settlement failed")
		}
	}()

	return prepared, nil
}

// GetStatus returns the full settlement request with attempts and ledger
// record.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (domain.Request, error) {
	return c.store.GetRequest(ctx, id)
}

// ListSettlements returns settlements, optionally filtered by state.
func (c *Coordinator) ListSettlements(ctx context.Context, state domain.State, limit int) ([]domain.Request, error) {
	return c.store.ListRequests(ctx, state, limit)
}

// begin validates, handles idempotent resubmits, acquires the subject lock,
// and persists the CREATED request. On success the caller owns the release.
func (c *Coordinator) begin(ctx context.Context, req domain.Request) (domain.Request, func(), *Result, error) {
	if !req.Kind.Valid() {
		return domain.Request{}, nil, nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.SubjectID == "" {
		return domain.Request{}, nil, nil, fmt.Errorf("%w: subject id required", ErrInvalidRequest)
	}
	if req.Initiator == "" {
		return domain.Request{}, nil, nil, fmt.Errorf("%w: initiator required", ErrInvalidRequest)
	}

	resubmit := req.ID != ""
	if resubmit {
		existing, err := c.store.GetRequest(ctx, req.ID)
		switch {
		case err == nil:
			res := resultOf(existing)
			return domain.Request{}, nil, &res, nil
		case !errors.Is(err, storage.ErrNotFound):
			return domain.Request{}, nil, nil, fmt.Errorf("check resubmit: %w", err)
		}
	} else {
		req.ID = uuid.NewString()
	}

	req.ChainRequired = req.Kind.ChainRequired()
	req.State = domain.StateCreated

	lockCtx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
	defer cancel()
	release, err := c.locks.Acquire(lockCtx, req.SubjectID)
	if err != nil {
		return domain.Request{}, nil, nil, fmt.Errorf("subject %s: %w", req.SubjectID, ErrSubjectLocked)
	}

	// Re-check under the lock: a concurrent submit carrying the same id can
	// win between the first lookup and the acquire.
	if resubmit {
		existing, err := c.store.GetRequest(ctx, req.ID)
		switch {
		case err == nil:
			release()
			res := resultOf(existing)
			return domain.Request{}, nil, &res, nil
		case !errors.Is(err, storage.ErrNotFound):
			release()
			return domain.Request{}, nil, nil, fmt.Errorf("check resubmit: %w", err)
		}
	}

	persisted, err := c.store.CreateRequest(ctx, req)
	if err != nil {
		release()
		// The id may have been claimed by a submit the lock could not
		// serialize; the stored outcome wins over a creation error.
		if existing, getErr := c.store.GetRequest(ctx, req.ID); getErr == nil {
			res := resultOf(existing)
			return domain.Request{}, nil, &res, nil
		}
		return domain.Request{}, nil, nil, fmt.Errorf("persist settlement request: %w", err)
	}
	return persisted, release, nil, nil
}

func (c *Coordinator) orchestrate(ctx context.Context, req domain.Request, release func()) (Result, error) {
	defer release()

	log := c.log.WithField("settlement_id", req.ID).WithField("kind", string(req.Kind))

	if !req.ChainRequired {
		return c.commitAndFinish(ctx, req, domain.SentinelReference("chain-exempt"), log)
	}

	// Record intent before touching the chain so a crash mid-orchestration
	// is resolvable from stored state.
	if err := c.store.AppendAttempt(ctx, req.ID, domain.ChainAttempt{Status: domain.AttemptUnsubmitted}); err != nil {
		return Result{}, fmt.Errorf("record attempt intent: %w", err)
	}

	txHash, err := c.gateway.Submit(ctx, c.buildCall(req))
	if err != nil {
		class, status := classifyChainError(err)
		metrics.RecordChainSubmission(string(class))
		c.resolveAttempt(ctx, req.ID, domain.ChainAttempt{Status: status, ResolvedAt: time.Now().UTC()}, log)
		log.WithError(err).Warnf("chain submission failed (%s)", class)
		return c.handleChainFailure(ctx, req, class, log)
	}
	metrics.RecordChainSubmission("submitted")

	submittedAt := time.Now().UTC()
	c.resolveAttempt(ctx, req.ID, domain.ChainAttempt{
		TxHash:      txHash,
		Status:      domain.AttemptSubmitted,
		SubmittedAt: submittedAt,
	}, log)
	if _, err := c.store.UpdateRequestState(ctx, req.ID, domain.StateChainSubmitted, ""); err != nil {
		log.WithError(err).Warn("state update failed")
	}

	waitStart := time.Now()
	receipt, err := c.gateway.AwaitReceipt(ctx, txHash, c.cfg.ReceiptTimeout)
	switch {
	case err == nil:
		metrics.ObserveReceiptWait("confirmed", time.Since(waitStart))
		c.resolveAttempt(ctx, req.ID, domain.ChainAttempt{
			TxHash:        txHash,
			Status:        domain.AttemptConfirmed,
			Confirmations: receipt.Confirmations,
			SubmittedAt:   submittedAt,
			ResolvedAt:    time.Now().UTC(),
		}, log)
		if _, err := c.store.UpdateRequestState(ctx, req.ID, domain.StateChainConfirmed, ""); err != nil {
			log.WithError(err).Warn("state update failed")
		}
		return c.commitAndFinish(ctx, req, txHash, log)

	case errors.Is(err, chain.ErrReverted):
		metrics.ObserveReceiptWait("reverted", time.Since(waitStart))
		c.resolveAttempt(ctx, req.ID, domain.ChainAttempt{
			TxHash:      txHash,
			Status:      domain.AttemptReverted,
			SubmittedAt: submittedAt,
			ResolvedAt:  time.Now().UTC(),
		}, log)
		log.WithError(err).Warn("transaction reverted")
		return c.handleChainFailure(ctx, req, FailureReverted, log)

	default:
		// Timeout or node trouble while polling: indeterminate. The
		// transaction may still confirm, so this never becomes a rejection.
		metrics.ObserveReceiptWait("timeout", time.Since(waitStart))
		c.resolveAttempt(ctx, req.ID, domain.ChainAttempt{
			TxHash:      txHash,
			Status:      domain.AttemptTimedOut,
			SubmittedAt: submittedAt,
			ResolvedAt:  time.Now().UTC(),
		}, log)

		if c.policy.AllowDegraded(req.Kind, FailureTimeout) {
			if _, err := c.store.UpdateRequestState(ctx, req.ID, domain.StateChainFailed, ""); err != nil {
				log.WithError(err).Warn("state update failed")
			}
			return c.skipChain(ctx, req, FailureTimeout, log)
		}

		if _, err := c.store.UpdateRequestState(ctx, req.ID, domain.StateOrphaned, ""); err != nil {
			log.WithError(err).Warn("state update failed")
		}
		log.Warnf("receipt indeterminate for tx %s; queued for reconciliation", txHash)
		metrics.RecordSettlement(string(req.Kind), string(domain.StateOrphaned))
		return Result{RequestID: req.ID, State: domain.StateOrphaned}, nil
	}
}

// handleChainFailure routes a definite chain failure through the degraded
// policy: either an audited ledger-only commit or a definite rejection.
func (c *Coordinator) handleChainFailure(ctx context.Context, req domain.Request, class FailureClass, log *logger.Logger) (Result, error) {
	if _, err := c.store.UpdateRequestState(ctx, req.ID, domain.StateChainFailed, ""); err != nil {
		log.WithError(err).Warn("state update failed")
	}

	if c.policy.AllowDegraded(req.Kind, class) {
		return c.skipChain(ctx, req, class, log)
	}

	if _, err := c.store.UpdateRequestState(ctx, req.ID, domain.StateRejected, ""); err != nil {
		log.WithError(err).Warn("state update failed")
	}
	metrics.RecordSettlement(string(req.Kind), string(domain.StateRejected))
	log.Infof("settlement rejected: chain failure %s, degraded mode not permitted", class)
	return Result{RequestID: req.ID, State: domain.StateRejected}, nil
}

// skipChain commits the ledger with a sentinel reference. Always logged:
// degraded settlement must be visible in the audit trail.
func (c *Coordinator) skipChain(ctx context.Context, req domain.Request, class FailureClass, log *logger.Logger) (Result, error) {
	reason := string(class)
	if _, err := c.store.UpdateRequestState(ctx, req.ID, domain.StateChainSkipped, reason); err != nil {
		log.WithError(err).Warn("state update failed")
	}
	req.DegradedReason = reason
	metrics.RecordDegradedCommit(string(req.Kind), reason)
	log.Warnf("degraded settlement: committing ledger without chain confirmation (%s)", reason)
	return c.commitAndFinish(ctx, req, domain.SentinelReference(reason), log)
}

func (c *Coordinator) commitAndFinish(ctx context.Context, req domain.Request, externalRef string, log *logger.Logger) (Result, error) {
	rec, err := c.commitLedger(ctx, req, externalRef)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrLedgerConflict):
			metrics.RecordLedgerViolation("conflict")
			log.WithError(err).Error("ledger conflict; settlement requires operator review")
			c.finishState(ctx, req.ID, domain.StateManualReview, log)
			c.markReviewIfRecorded(ctx, req.ID, log)
			metrics.RecordSettlement(string(req.Kind), string(domain.StateManualReview))
			return Result{RequestID: req.ID, State: domain.StateManualReview}, err

		case errors.Is(err, storage.ErrDuplicateReference):
			metrics.RecordLedgerViolation("duplicate_reference")
			log.WithError(err).Errorf("external reference %s already claimed; settlement requires operator review", externalRef)
			c.finishState(ctx, req.ID, domain.StateManualReview, log)
			metrics.RecordSettlement(string(req.Kind), string(domain.StateManualReview))
			return Result{RequestID: req.ID, State: domain.StateManualReview}, err
		}

		// Storage outage. Do not retry further inline: the chain side effect
		// already happened and must not be driven twice. The reconciler owns
		// the retries from here.
		c.finishState(ctx, req.ID, domain.StateOrphaned, log)
		log.WithError(err).Warn("ledger commit failed; queued for reconciliation")
		metrics.RecordSettlement(string(req.Kind), string(domain.StateOrphaned))
		return Result{RequestID: req.ID, State: domain.StateOrphaned}, nil
	}

	c.finishState(ctx, req.ID, domain.StateLedgerCommitted, log)
	c.finishState(ctx, req.ID, domain.StateSettled, log)
	metrics.RecordSettlement(string(req.Kind), string(domain.StateSettled))
	if domain.IsSentinelReference(rec.ExternalReference) && req.ChainRequired {
		log.Warnf("settled degraded with reference %s; flagged for audit", rec.ExternalReference)
	} else {
		log.Infof("settled with reference %s", rec.ExternalReference)
	}
	return Result{RequestID: req.ID, State: domain.StateSettled, ExternalReference: rec.ExternalReference}, nil
}

// commitLedger performs the idempotent upsert with a single inline retry for
// transient storage failures.
func (c *Coordinator) commitLedger(ctx context.Context, req domain.Request, externalRef string) (domain.LedgerRecord, error) {
	rec, err := c.store.CommitLedger(ctx, req.ID, req.Kind.LedgerOutcome(), externalRef)
	if err == nil || errors.Is(err, storage.ErrLedgerConflict) || errors.Is(err, storage.ErrDuplicateReference) {
		return rec, err
	}
	return c.store.CommitLedger(ctx, req.ID, req.Kind.LedgerOutcome(), externalRef)
}

func (c *Coordinator) finishState(ctx context.Context, id string, state domain.State, log *logger.Logger) {
	if _, err := c.store.UpdateRequestState(ctx, id, state, ""); err != nil {
		log.WithError(err).Warnf("failed to record state %s", state)
	}
}

// markReviewIfRecorded flags an existing ledger record for manual review
// after a conflict; absence of a record is fine (nothing to flag).
func (c *Coordinator) markReviewIfRecorded(ctx context.Context, id string, log *logger.Logger) {
	if err := c.store.MarkReconciliation(ctx, id, domain.ReconciliationManualReview); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.WithError(err).Warn("failed to flag ledger record for review")
	}
}

func (c *Coordinator) resolveAttempt(ctx context.Context, id string, att domain.ChainAttempt, log *logger.Logger) {
	if err := c.store.ResolveAttempt(ctx, id, att); err != nil {
		log.WithError(err).Warn("failed to resolve chain attempt")
	}
}

func (c *Coordinator) buildCall(req domain.Request) chain.ContractCall {
	method := "approveClaim"
	if req.Kind == domain.KindCoveragePurchase {
		method = "purchaseCoverage"
	}
	return chain.ContractCall{
		Contract: c.cfg.ContractHash,
		Method:   method,
		Params: []chain.ContractParam{
			chain.NewStringParam(req.ID),
			chain.NewStringParam(req.SubjectID),
			chain.NewIntegerParam(req.Amount),
			chain.NewStringParam(req.Currency),
		},
	}
}

func classifyChainError(err error) (FailureClass, domain.AttemptStatus) {
	switch {
	case errors.Is(err, chain.ErrUserRejected):
		return FailureUserRejected, domain.AttemptUserRejected
	case errors.Is(err, chain.ErrWalletUnavailable):
		return FailureWalletUnavailable, domain.AttemptUnsubmitted
	case errors.Is(err, chain.ErrReverted):
		return FailureReverted, domain.AttemptReverted
	default:
		return FailureNetwork, domain.AttemptUnsubmitted
	}
}

func resultOf(req domain.Request) Result {
	res := Result{RequestID: req.ID, State: req.State}
	if req.Ledger != nil {
		res.ExternalReference = req.Ledger.ExternalReference
	}
	return res
}
