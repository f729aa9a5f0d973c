package storage

import (
	"context"
	"errors"

	"github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
)

// Typed storage errors. The coordinator pattern-matches these into state
// transitions, so implementations must return them rather than driver errors.
var (
	// ErrNotFound indicates the settlement request does not exist.
	ErrNotFound = errors.New("settlement request not found")

	// ErrLedgerConflict indicates a ledger record already exists for the
	// request with a different external reference. This is an invariant
	// violation: a reconciliation path and a live request raced.
	ErrLedgerConflict = errors.New("ledger record exists with different external reference")

	// ErrDuplicateReference indicates another request already claimed this
	// external reference. A confirmed transaction settles exactly one request.
	ErrDuplicateReference = errors.New("external reference already claimed by another request")
)

// SettlementStore persists settlement requests and their chain attempts.
type SettlementStore interface {
	CreateRequest(ctx context.Context, req settlement.Request) (settlement.Request, error)
	GetRequest(ctx context.Context, id string) (settlement.Request, error)
	ListRequests(ctx context.Context, state settlement.State, limit int) ([]settlement.Request, error)

	// UpdateRequestState transitions the request and bumps its updated_at.
	// The optional degradedReason records why a degraded commit was chosen.
	UpdateRequestState(ctx context.Context, id string, state settlement.State, degradedReason string) (settlement.Request, error)

	// AppendAttempt adds a new chain attempt to the request's history.
	AppendAttempt(ctx context.Context, requestID string, att settlement.ChainAttempt) error

	// ResolveAttempt updates the latest chain attempt in place.
	ResolveAttempt(ctx context.Context, requestID string, att settlement.ChainAttempt) error

	// IncrementReconcileCount bumps and returns the reconciliation attempt
	// counter for the request.
	IncrementReconcileCount(ctx context.Context, id string) (int, error)
}

// LedgerStore persists settlement outcomes and enforces the uniqueness
// invariants that make commits idempotent under retry.
type LedgerStore interface {
	// CommitLedger is an upsert keyed by request id. Committing the same
	// reference twice returns the existing record; a different reference
	// fails with ErrLedgerConflict; a real reference already claimed by
	// another request fails with ErrDuplicateReference.
	CommitLedger(ctx context.Context, requestID string, outcome settlement.LedgerOutcome, externalRef string) (settlement.LedgerRecord, error)

	MarkReconciliation(ctx context.Context, requestID string, state settlement.ReconciliationState) error

	// FindOrphaned returns a bounded batch of requests stuck in ORPHANED
	// state, oldest first.
	FindOrphaned(ctx context.Context, limit int) ([]settlement.Request, error)
}

// Store combines the settlement and ledger stores; both implementations in
// this repository back the two interfaces with one type.
type Store interface {
	SettlementStore
	LedgerStore
}
