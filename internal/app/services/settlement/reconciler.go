package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/metrics"
	"github.com/coverbridge/settlement-layer/internal/app/storage"
	"github.com/coverbridge/settlement-layer/internal/chain"
	"github.com/coverbridge/settlement-layer/pkg/logger"
)

// ReconcilerConfig tunes the orphan-repair poller.
type ReconcilerConfig struct {
	// Interval is the polling cadence.
	Interval time.Duration

	// BatchSize bounds how many orphans one pass processes.
	BatchSize int

	// MaxAttempts caps repair attempts per request before escalation to
	// manual review.
	MaxAttempts int

	// BaseBackoff and MaxBackoff bound the per-request exponential backoff
	// between repair attempts.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ReceiptTimeout bounds each receipt re-check against the chain.
	ReceiptTimeout time.Duration
}

func (c *ReconcilerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Minute
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 30 * time.Second
	}
}

// errStillPending marks an orphan whose reference could not be resolved this
// pass but may resolve on a later one.
var errStillPending = errors.New("settlement still pending resolution")

// errUnresolvable marks an orphan that no automatic pass can ever resolve.
var errUnresolvable = errors.New("settlement cannot be resolved automatically")

// Reconciler repairs orphaned settlements: requests whose chain side effect
// may have happened but whose ledger commit is missing. Each pass re-derives
// the external reference from stored state (and the chain, when a hash is
// known) and retries the idempotent commit. Requests that exhaust their
// attempt budget escalate to manual review rather than retry forever.
type Reconciler struct {
	store   storage.Store
	gateway chain.Gateway
	cfg     ReconcilerConfig
	log     *logger.Logger

	mu   sync.Mutex
	next map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler wires a reconciler.
func NewReconciler(store storage.Store, gateway chain.Gateway, cfg ReconcilerConfig, log *logger.Logger) *Reconciler {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("settlement-reconciler")
	}
	return &Reconciler{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		log:     log,
		next:    make(map[string]time.Time),
	}
}

// Name implements system.Service.
func (r *Reconciler) Name() string { return "settlement-reconciler" }

// Start launches the polling loop.
func (r *Reconciler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx)
	r.log.WithField("interval", r.cfg.Interval.String()).Info("reconciler started")
	return nil
}

// Stop halts the polling loop, waiting for an in-flight pass to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunPass(ctx)
		}
	}
}

// RunPass processes one batch of orphans. Exposed for tests and for an
// operator-triggered sweep.
func (r *Reconciler) RunPass(ctx context.Context) {
	metrics.RecordReconciliationRun()

	orphans, err := r.store.FindOrphaned(ctx, r.cfg.BatchSize)
	if err != nil {
		r.log.WithError(err).Warn("failed to list orphaned settlements")
		return
	}

	for _, req := range orphans {
		if ctx.Err() != nil {
			return
		}
		if !r.eligible(req.ID) {
			continue
		}
		r.process(ctx, req)
	}
}

func (r *Reconciler) process(ctx context.Context, req domain.Request) {
	log := r.log.WithField("settlement_id", req.ID).WithField("kind", string(req.Kind))

	count, err := r.store.IncrementReconcileCount(ctx, req.ID)
	if err != nil {
		log.WithError(err).Warn("failed to bump reconcile count")
		return
	}

	if count > r.cfg.MaxAttempts {
		r.escalate(ctx, req, log, "attempt budget exhausted")
		return
	}

	ref, err := r.resolveReference(ctx, req, log)
	switch {
	case errors.Is(err, chain.ErrReverted):
		// The chain definitively rejected the settlement; no ledger record
		// is owed.
		r.finishState(ctx, req.ID, domain.StateRejected, log)
		r.clearSchedule(req.ID)
		metrics.RecordReconciliationOutcome("rejected")
		metrics.RecordSettlement(string(req.Kind), string(domain.StateRejected))
		log.Warn("orphan resolved as rejected: transaction reverted")
		return
	case errors.Is(err, errUnresolvable):
		r.escalate(ctx, req, log, "no resolvable reference")
		return
	case err != nil:
		r.deferRepair(req.ID, count, log, err)
		return
	}

	if _, err := r.store.CommitLedger(ctx, req.ID, req.Kind.LedgerOutcome(), ref); err != nil {
		if errors.Is(err, storage.ErrLedgerConflict) || errors.Is(err, storage.ErrDuplicateReference) {
			metrics.RecordLedgerViolation(violationLabel(err))
			log.WithError(err).Error("ledger invariant violation during repair")
			r.escalate(ctx, req, log, "ledger invariant violation")
			return
		}
		r.deferRepair(req.ID, count, log, err)
		return
	}

	r.finishState(ctx, req.ID, domain.StateLedgerCommitted, log)
	r.finishState(ctx, req.ID, domain.StateSettled, log)
	r.clearSchedule(req.ID)
	metrics.RecordReconciliationOutcome("repaired")
	metrics.RecordSettlement(string(req.Kind), string(domain.StateSettled))
	log.Infof("orphan repaired with reference %s after %d attempt(s)", ref, count)
}

// resolveReference derives the external reference the ledger commit should
// carry, consulting the chain when only a submitted hash is known.
func (r *Reconciler) resolveReference(ctx context.Context, req domain.Request, log *logger.Logger) (string, error) {
	if !req.ChainRequired {
		return domain.SentinelReference("chain-exempt"), nil
	}

	att, ok := req.LatestAttempt()
	if ok && att.Status == domain.AttemptConfirmed && att.TxHash != "" {
		return att.TxHash, nil
	}
	if req.DegradedReason != "" {
		return domain.SentinelReference(req.DegradedReason), nil
	}

	if ok && att.TxHash != "" {
		receipt, err := r.gateway.AwaitReceipt(ctx, att.TxHash, r.cfg.ReceiptTimeout)
		if err != nil {
			if errors.Is(err, chain.ErrReverted) {
				r.resolveAttempt(ctx, req.ID, domain.ChainAttempt{
					TxHash:      att.TxHash,
					Status:      domain.AttemptReverted,
					SubmittedAt: att.SubmittedAt,
					ResolvedAt:  time.Now().UTC(),
				}, log)
				return "", err
			}
			return "", errStillPending
		}
		r.resolveAttempt(ctx, req.ID, domain.ChainAttempt{
			TxHash:        att.TxHash,
			Status:        domain.AttemptConfirmed,
			Confirmations: receipt.Confirmations,
			SubmittedAt:   att.SubmittedAt,
			ResolvedAt:    time.Now().UTC(),
		}, log)
		return att.TxHash, nil
	}

	// No hash, no degraded reason: the orchestration crashed before the
	// submission resolved. Only an operator can decide.
	return "", errUnresolvable
}

func (r *Reconciler) escalate(ctx context.Context, req domain.Request, log *logger.Logger, reason string) {
	r.finishState(ctx, req.ID, domain.StateManualReview, log)
	if err := r.store.MarkReconciliation(ctx, req.ID, domain.ReconciliationManualReview); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.WithError(err).Warn("failed to flag ledger record for review")
	}
	r.clearSchedule(req.ID)
	metrics.RecordReconciliationOutcome("escalated")
	metrics.RecordSettlement(string(req.Kind), string(domain.StateManualReview))
	log.Errorf("orphan escalated to manual review: %s", reason)
}

func (r *Reconciler) deferRepair(id string, count int, log *logger.Logger, cause error) {
	delay := r.backoff(count)
	r.mu.Lock()
	r.next[id] = time.Now().Add(delay)
	r.mu.Unlock()
	metrics.RecordReconciliationOutcome("deferred")
	log.WithError(cause).Warnf("repair deferred; next attempt in %s", delay)
}

func (r *Reconciler) backoff(count int) time.Duration {
	delay := r.cfg.BaseBackoff
	for i := 1; i < count; i++ {
		delay *= 2
		if delay >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return delay
}

func (r *Reconciler) eligible(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.next[id]
	return !ok || time.Now().After(at)
}

func (r *Reconciler) clearSchedule(id string) {
	r.mu.Lock()
	delete(r.next, id)
	r.mu.Unlock()
}

func (r *Reconciler) finishState(ctx context.Context, id string, state domain.State, log *logger.Logger) {
	if _, err := r.store.UpdateRequestState(ctx, id, state, ""); err != nil {
		log.WithError(err).Warnf("failed to record state %s", state)
	}
}

func (r *Reconciler) resolveAttempt(ctx context.Context, id string, att domain.ChainAttempt, log *logger.Logger) {
	if err := r.store.ResolveAttempt(ctx, id, att); err != nil {
		log.WithError(err).Warn("failed to resolve chain attempt")
	}
}

func violationLabel(err error) string {
	if errors.Is(err, storage.ErrDuplicateReference) {
		return "duplicate_reference"
	}
	return "conflict"
}
