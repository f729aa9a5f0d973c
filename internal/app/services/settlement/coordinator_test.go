package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/storage"
	"github.com/coverbridge/settlement-layer/internal/app/storage/memory"
	"github.com/coverbridge/settlement-layer/internal/chain"
)

type fakeGateway struct {
	mu       sync.Mutex
	submits  int
	submitFn func(call chain.ContractCall) (string, error)
	awaitFn  func(txHash string) (chain.Receipt, error)
}

func (g *fakeGateway) Submit(_ context.Context, call chain.ContractCall) (string, error) {
	g.mu.Lock()
	g.submits++
	g.mu.Unlock()
	return g.submitFn(call)
}

func (g *fakeGateway) AwaitReceipt(_ context.Context, txHash string, _ time.Duration) (chain.Receipt, error) {
	return g.awaitFn(txHash)
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

func confirmingGateway(txHash string) *fakeGateway {
	return &fakeGateway{
		submitFn: func(chain.ContractCall) (string, error) { return txHash, nil },
		awaitFn: func(tx string) (chain.Receipt, error) {
			return chain.Receipt{TxHash: tx, VMState: "HALT", Confirmations: 1}, nil
		},
	}
}

func newTestCoordinator(store storage.Store, gw chain.Gateway) *Coordinator {
	return NewCoordinator(store, gw, DefaultPolicy(), Config{
		ContractHash:   "0xabc",
		ReceiptTimeout: time.Second,
		LockTimeout:    50 * time.Millisecond,
	}, nil)
}

func claimApproval(subject string) domain.Request {
	return domain.Request{
		Kind:      domain.KindClaimApproval,
		SubjectID: subject,
		Initiator: "adjuster-1",
		Amount:    "150000",
		Currency:  "USD",
	}
}

func TestSettleClaimApprovalConfirmed(t *testing.T) {
	store := memory.New()
	gw := confirmingGateway("0xdeadbeef")
	c := newTestCoordinator(store, gw)

	res, err := c.Settle(context.Background(), claimApproval("claim-1"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.State != domain.StateSettled {
		t.Fatalf("expected SETTLED, got %s", res.State)
	}
	if res.ExternalReference != "0xdeadbeef" {
		t.Fatalf("expected tx hash reference, got %q", res.ExternalReference)
	}

	stored, err := store.GetRequest(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if stored.Ledger == nil {
		t.Fatal("expected ledger record")
	}
	if stored.Ledger.Outcome != domain.OutcomeApproved {
		t.Fatalf("expected approved outcome, got %s", stored.Ledger.Outcome)
	}
	att, ok := stored.LatestAttempt()
	if !ok || att.Status != domain.AttemptConfirmed {
		t.Fatalf("expected confirmed attempt, got %+v", att)
	}
}

func TestSettleClaimRejectionSkipsChain(t *testing.T) {
	store := memory.New()
	gw := confirmingGateway("0xunused")
	c := newTestCoordinator(store, gw)

	req := claimApproval("claim-2")
	req.Kind = domain.KindClaimRejection

	res, err := c.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.State != domain.StateSettled {
		t.Fatalf("expected SETTLED, got %s", res.State)
	}
	if res.ExternalReference != domain.SentinelReference("chain-exempt") {
		t.Fatalf("expected chain-exempt sentinel, got %q", res.ExternalReference)
	}
	if gw.submitCount() != 0 {
		t.Fatalf("rejection must not touch the chain, got %d submissions", gw.submitCount())
	}

	stored, _ := store.GetRequest(context.Background(), res.RequestID)
	if stored.Ledger.Outcome != domain.OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %s", stored.Ledger.Outcome)
	}
}

func TestSettleDegradedOnWalletUnavailable(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		submitFn: func(chain.ContractCall) (string, error) { return "", chain.ErrWalletUnavailable },
	}
	c := newTestCoordinator(store, gw)

	res, err := c.Settle(context.Background(), claimApproval("claim-3"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.State != domain.StateSettled {
		t.Fatalf("expected degraded SETTLED, got %s", res.State)
	}
	if res.ExternalReference != domain.SentinelReference("wallet_unavailable") {
		t.Fatalf("expected wallet_unavailable sentinel, got %q", res.ExternalReference)
	}

	stored, _ := store.GetRequest(context.Background(), res.RequestID)
	if stored.DegradedReason != "wallet_unavailable" {
		t.Fatalf("expected degraded reason recorded, got %q", stored.DegradedReason)
	}
}

func TestSettleCoveragePurchaseNeverDegrades(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		submitFn: func(chain.ContractCall) (string, error) { return "", chain.ErrWalletUnavailable },
	}
	c := newTestCoordinator(store, gw)

	req := claimApproval("policy-1")
	req.Kind = domain.KindCoveragePurchase

	res, err := c.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.State != domain.StateRejected {
		t.Fatalf("expected REJECTED, got %s", res.State)
	}

	stored, _ := store.GetRequest(context.Background(), res.RequestID)
	if stored.Ledger != nil {
		t.Fatal("rejected purchase must not have a ledger record")
	}
}

func TestSettleUserRejectedAlwaysRejects(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		submitFn: func(chain.ContractCall) (string, error) { return "", chain.ErrUserRejected },
	}
	c := newTestCoordinator(store, gw)

	res, err := c.Settle(context.Background(), claimApproval("claim-4"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.State != domain.StateRejected {
		t.Fatalf("signer refusal must reject, got %s", res.State)
	}
}

func TestSettleRevertedRejects(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		submitFn: func(chain.ContractCall) (string, error) { return "0xtx", nil },
		awaitFn: func(string) (chain.Receipt, error) {
			return chain.Receipt{}, fmt.Errorf("tx 0xtx: assert failed: %w", chain.ErrReverted)
		},
	}
	c := newTestCoordinator(store, gw)

	res, err := c.Settle(context.Background(), claimApproval("claim-5"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.State != domain.StateRejected {
		t.Fatalf("expected REJECTED, got %s", res.State)
	}

	stored, _ := store.GetRequest(context.Background(), res.RequestID)
	att, _ := stored.LatestAttempt()
	if att.Status != domain.AttemptReverted {
		t.Fatalf("expected reverted attempt, got %s", att.Status)
	}
}

func TestSettleTimeoutDegradesClaimApproval(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		submitFn: func(chain.ContractCall) (string, error) { return "0xtx", nil },
		awaitFn: func(string) (chain.Receipt, error) {
			return chain.Receipt{}, chain.ErrReceiptTimeout
		},
	}
	c := newTestCoordinator(store, gw)

	res, err := c.Settle(context.Background(), claimApproval("claim-6"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.State != domain.StateSettled {
		t.Fatalf("expected degraded SETTLED, got %s", res.State)
	}
	if res.ExternalReference != domain.SentinelReference("timeout") {
		t.Fatalf("expected timeout sentinel, got %q", res.ExternalReference)
	}
}

func TestSettleTimeoutOrphansCoveragePurchase(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{
		submitFn: func(chain.ContractCall) (string, error) { return "0xpending", nil },
		awaitFn: func(string) (chain.Receipt, error) {
			return chain.Receipt{}, chain.ErrReceiptTimeout
		},
	}
	c := newTestCoordinator(store, gw)

	req := claimApproval("policy-2")
	req.Kind = domain.KindCoveragePurchase

	res, err := c.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.State != domain.StateOrphaned {
		t.Fatalf("indeterminate purchase must orphan, got %s", res.State)
	}

	stored, _ := store.GetRequest(context.Background(), res.RequestID)
	att, _ := stored.LatestAttempt()
	if att.Status != domain.AttemptTimedOut || att.TxHash != "0xpending" {
		t.Fatalf("expected timed_out attempt with hash, got %+v", att)
	}
	if stored.Ledger != nil {
		t.Fatal("orphaned request must not have a ledger record yet")
	}
}

func TestSettleIdempotentResubmit(t *testing.T) {
	store := memory.New()
	gw := confirmingGateway("0xonce")
	c := newTestCoordinator(store, gw)

	first, err := c.Settle(context.Background(), claimApproval("claim-7"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	resubmit := claimApproval("claim-7")
	resubmit.ID = first.RequestID
	second, err := c.Settle(context.Background(), resubmit)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}

	if second != first {
		t.Fatalf("resubmit must return the original outcome: %+v vs %+v", second, first)
	}
	if gw.submitCount() != 1 {
		t.Fatalf("resubmit must not re-submit, got %d submissions", gw.submitCount())
	}
}

func TestSettleDuplicateReferenceEscalates(t *testing.T) {
	store := memory.New()
	// Both requests get the same transaction hash back.
	gw := confirmingGateway("0xshared")
	c := newTestCoordinator(store, gw)

	if _, err := c.Settle(context.Background(), claimApproval("claim-8a")); err != nil {
		t.Fatalf("first Settle failed: %v", err)
	}

	res, err := c.Settle(context.Background(), claimApproval("claim-8b"))
	if !errors.Is(err, storage.ErrDuplicateReference) {
		t.Fatalf("expected duplicate reference error, got %v", err)
	}
	if res.State != domain.StateManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %s", res.State)
	}
}

func TestSettleSubjectSerialization(t *testing.T) {
	store := memory.New()

	block := make(chan struct{})
	gw := &fakeGateway{
		submitFn: func(chain.ContractCall) (string, error) {
			<-block
			return "0xslow", nil
		},
		awaitFn: func(tx string) (chain.Receipt, error) {
			return chain.Receipt{TxHash: tx, VMState: "HALT", Confirmations: 1}, nil
		},
	}
	c := newTestCoordinator(store, gw)

	first, err := c.SettleAsync(context.Background(), claimApproval("claim-9"))
	if err != nil {
		t.Fatalf("SettleAsync failed: %v", err)
	}

	// Second settlement for the same subject must fail fast while the first
	// holds the lock.
	_, err = c.Settle(context.Background(), claimApproval("claim-9"))
	if !errors.Is(err, ErrSubjectLocked) {
		t.Fatalf("expected ErrSubjectLocked, got %v", err)
	}

	close(block)

	deadline := time.After(2 * time.Second)
	for {
		stored, err := c.GetStatus(context.Background(), first.ID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if stored.State == domain.StateSettled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("settlement did not finish, state %s", stored.State)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Lock released; a different subject settles normally.
	if _, err := c.Settle(context.Background(), claimApproval("claim-10")); err != nil {
		t.Fatalf("Settle after release failed: %v", err)
	}
}

// unavailableLedgerStore fails every ledger commit while the rest of the
// store works, the shape of a database partition hit mid-settlement.
type unavailableLedgerStore struct {
	storage.Store
	mu      sync.Mutex
	commits int
}

func (s *unavailableLedgerStore) CommitLedger(context.Context, string, domain.LedgerOutcome, string) (domain.LedgerRecord, error) {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return domain.LedgerRecord{}, fmt.Errorf("ledger unavailable")
}

func (s *unavailableLedgerStore) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func TestSettleOrphansWhenLedgerWriteFails(t *testing.T) {
	store := &unavailableLedgerStore{Store: memory.New()}
	gw := confirmingGateway("0xconfirmed")
	c := newTestCoordinator(store, gw)

	res, err := c.Settle(context.Background(), claimApproval("claim-13"))
	if err != nil {
		t.Fatalf("orphaning is not a caller error, got %v", err)
	}
	if res.State != domain.StateOrphaned {
		t.Fatalf("expected ORPHANED, got %s", res.State)
	}
	// One inline retry on a transient commit failure, then hand the request
	// to the reconciler rather than risk driving the chain call again.
	if got := store.commitCount(); got != 2 {
		t.Fatalf("expected exactly 2 commit attempts, got %d", got)
	}

	stored, err := store.GetRequest(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if stored.State != domain.StateOrphaned {
		t.Fatalf("expected stored ORPHANED, got %s", stored.State)
	}
	att, ok := stored.LatestAttempt()
	if !ok || att.Status != domain.AttemptConfirmed || att.TxHash != "0xconfirmed" {
		t.Fatalf("confirmed attempt must survive for the reconciler, got %+v", att)
	}
}

// staleReadStore reports a request as missing for a set number of lookups,
// reproducing a reader that has not yet observed a concurrent create.
type staleReadStore struct {
	storage.Store
	mu     sync.Mutex
	misses map[string]int
}

func (s *staleReadStore) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	s.mu.Lock()
	if n := s.misses[id]; n > 0 {
		s.misses[id] = n - 1
		s.mu.Unlock()
		return domain.Request{}, storage.ErrNotFound
	}
	s.mu.Unlock()
	return s.Store.GetRequest(ctx, id)
}

func TestSettleResubmitRaceReturnsStoredOutcome(t *testing.T) {
	base := memory.New()
	gw := confirmingGateway("0xfirst")

	first, err := newTestCoordinator(base, gw).Settle(context.Background(), claimApproval("claim-14"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	// The losing side of two concurrent submits with the same id: its first
	// lookup missed, but the winner's record exists once the lock is held.
	store := &staleReadStore{Store: base, misses: map[string]int{first.RequestID: 1}}
	c := newTestCoordinator(store, gw)

	resubmit := claimApproval("claim-14")
	resubmit.ID = first.RequestID
	second, err := c.Settle(context.Background(), resubmit)
	if err != nil {
		t.Fatalf("racing resubmit must not error: %v", err)
	}
	if second != first {
		t.Fatalf("racing resubmit must return the stored outcome: %+v vs %+v", second, first)
	}
	if gw.submitCount() != 1 {
		t.Fatalf("racing resubmit must not re-submit, got %d submissions", gw.submitCount())
	}
}

func TestSettleCreateConflictReturnsStoredOutcome(t *testing.T) {
	base := memory.New()
	gw := confirmingGateway("0xwinner")

	first, err := newTestCoordinator(base, gw).Settle(context.Background(), claimApproval("claim-15"))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	// Every lookup misses until the create collides, so the loser reaches
	// CreateRequest and must fall back to the winner's record.
	store := &staleReadStore{Store: base, misses: map[string]int{first.RequestID: 2}}
	c := newTestCoordinator(store, gw)

	resubmit := claimApproval("claim-15")
	resubmit.ID = first.RequestID
	second, err := c.Settle(context.Background(), resubmit)
	if err != nil {
		t.Fatalf("create conflict must not surface an error: %v", err)
	}
	if second != first {
		t.Fatalf("create conflict must resolve to the stored outcome: %+v vs %+v", second, first)
	}
	if gw.submitCount() != 1 {
		t.Fatalf("loser must not re-submit, got %d submissions", gw.submitCount())
	}
}

func TestSettleValidation(t *testing.T) {
	c := newTestCoordinator(memory.New(), confirmingGateway("0x1"))

	bad := claimApproval("claim-11")
	bad.Kind = "dividend_payout"
	if _, err := c.Settle(context.Background(), bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown kind, got %v", err)
	}

	bad = claimApproval("")
	if _, err := c.Settle(context.Background(), bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing subject, got %v", err)
	}

	bad = claimApproval("claim-12")
	bad.Initiator = ""
	if _, err := c.Settle(context.Background(), bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing initiator, got %v", err)
	}
}
