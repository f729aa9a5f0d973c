package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	domain "github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/storage/memory"
	"github.com/coverbridge/settlement-layer/internal/chain"
)

func newTestReconciler(store *memory.Store, gw chain.Gateway) *Reconciler {
	return NewReconciler(store, gw, ReconcilerConfig{
		Interval:       time.Hour, // passes are driven manually
		BatchSize:      10,
		MaxAttempts:    3,
		BaseBackoff:    50 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		ReceiptTimeout: time.Second,
	}, nil)
}

// seedOrphan stores a request stuck in ORPHANED with the given last attempt.
func seedOrphan(t *testing.T, store *memory.Store, id string, kind domain.Kind, att *domain.ChainAttempt, degradedReason string) {
	t.Helper()
	ctx := context.Background()

	req := domain.Request{
		ID:            id,
		Kind:          kind,
		SubjectID:     "subject-" + id,
		Initiator:     "adjuster-1",
		Amount:        "5000",
		Currency:      "USD",
		ChainRequired: kind.ChainRequired(),
		State:         domain.StateCreated,
	}
	if _, err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("seed create: %v", err)
	}
	if att != nil {
		if err := store.AppendAttempt(ctx, id, *att); err != nil {
			t.Fatalf("seed attempt: %v", err)
		}
	}
	if _, err := store.UpdateRequestState(ctx, id, domain.StateOrphaned, degradedReason); err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func TestReconcilerRepairsConfirmedTransaction(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		awaitFn: func(tx string) (chain.Receipt, error) {
			return chain.Receipt{TxHash: tx, VMState: "HALT", Confirmations: 3}, nil
		},
	}
	r := newTestReconciler(store, gw)

	seedOrphan(t, store, "orphan-1", domain.KindCoveragePurchase,
		&domain.ChainAttempt{TxHash: "0xpending", Status: domain.AttemptTimedOut}, "")

	r.RunPass(context.Background())

	stored, err := store.GetRequest(context.Background(), "orphan-1")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if stored.State != domain.StateSettled {
		t.Fatalf("expected SETTLED after repair, got %s", stored.State)
	}
	if stored.Ledger == nil || stored.Ledger.ExternalReference != "0xpending" {
		t.Fatalf("expected ledger committed with tx hash, got %+v", stored.Ledger)
	}
	att, _ := stored.LatestAttempt()
	if att.Status != domain.AttemptConfirmed || att.Confirmations != 3 {
		t.Fatalf("expected confirmed attempt, got %+v", att)
	}
}

func TestReconcilerCommitsDegradedSentinel(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		awaitFn: func(string) (chain.Receipt, error) {
			t.Fatal("degraded repair must not consult the chain")
			return chain.Receipt{}, nil
		},
	}
	r := newTestReconciler(store, gw)

	// Degraded commit was decided but the ledger write failed.
	seedOrphan(t, store, "orphan-2", domain.KindClaimApproval, nil, "wallet_unavailable")

	r.RunPass(context.Background())

	stored, _ := store.GetRequest(context.Background(), "orphan-2")
	if stored.State != domain.StateSettled {
		t.Fatalf("expected SETTLED, got %s", stored.State)
	}
	if stored.Ledger.ExternalReference != domain.SentinelReference("wallet_unavailable") {
		t.Fatalf("expected sentinel reference, got %q", stored.Ledger.ExternalReference)
	}
}

func TestReconcilerRejectsRevertedTransaction(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		awaitFn: func(tx string) (chain.Receipt, error) {
			return chain.Receipt{}, fmt.Errorf("tx %s: %w", tx, chain.ErrReverted)
		},
	}
	r := newTestReconciler(store, gw)

	seedOrphan(t, store, "orphan-3", domain.KindCoveragePurchase,
		&domain.ChainAttempt{TxHash: "0xfault", Status: domain.AttemptTimedOut}, "")

	r.RunPass(context.Background())

	stored, _ := store.GetRequest(context.Background(), "orphan-3")
	if stored.State != domain.StateRejected {
		t.Fatalf("expected REJECTED, got %s", stored.State)
	}
	if stored.Ledger != nil {
		t.Fatal("reverted settlement must not commit a ledger record")
	}
}

func TestReconcilerDefersAndBacksOff(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		awaitFn: func(string) (chain.Receipt, error) {
			return chain.Receipt{}, chain.ErrReceiptTimeout
		},
	}
	r := newTestReconciler(store, gw)

	seedOrphan(t, store, "orphan-4", domain.KindCoveragePurchase,
		&domain.ChainAttempt{TxHash: "0xstuck", Status: domain.AttemptTimedOut}, "")

	r.RunPass(context.Background())

	stored, _ := store.GetRequest(context.Background(), "orphan-4")
	if stored.State != domain.StateOrphaned {
		t.Fatalf("expected still ORPHANED, got %s", stored.State)
	}
	if stored.ReconcileCount != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", stored.ReconcileCount)
	}

	// An immediate second pass skips the request: it is backing off.
	r.RunPass(context.Background())
	stored, _ = store.GetRequest(context.Background(), "orphan-4")
	if stored.ReconcileCount != 1 {
		t.Fatalf("expected backoff to skip the request, got %d attempts", stored.ReconcileCount)
	}
}

func TestReconcilerEscalatesAfterBudget(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		awaitFn: func(string) (chain.Receipt, error) {
			return chain.Receipt{}, chain.ErrReceiptTimeout
		},
	}
	r := newTestReconciler(store, gw)

	seedOrphan(t, store, "orphan-5", domain.KindCoveragePurchase,
		&domain.ChainAttempt{TxHash: "0xstuck", Status: domain.AttemptTimedOut}, "")

	// MaxAttempts is 3; the fourth attempt escalates.
	for i := 0; i < 4; i++ {
		r.RunPass(context.Background())
		time.Sleep(60 * time.Millisecond) // let the backoff window pass
	}

	stored, _ := store.GetRequest(context.Background(), "orphan-5")
	if stored.State != domain.StateManualReview {
		t.Fatalf("expected MANUAL_REVIEW after budget exhaustion, got %s", stored.State)
	}
}

func TestReconcilerEscalatesUnresolvable(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{}
	r := newTestReconciler(store, gw)

	// Crashed before submission resolved: no hash, no degraded decision.
	seedOrphan(t, store, "orphan-6", domain.KindClaimApproval,
		&domain.ChainAttempt{Status: domain.AttemptUnsubmitted}, "")

	r.RunPass(context.Background())

	stored, _ := store.GetRequest(context.Background(), "orphan-6")
	if stored.State != domain.StateManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %s", stored.State)
	}
}

func TestReconcilerStartStop(t *testing.T) {
	store := memory.New()
	r := NewReconciler(store, &fakeGateway{}, ReconcilerConfig{Interval: 10 * time.Millisecond}, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
