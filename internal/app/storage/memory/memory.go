// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is intended for tests and prototyping and mirrors
// the uniqueness semantics the Postgres store enforces with constraints.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/storage"
)

// Store holds all settlement state in process memory.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*settlement.Request
	// byReference indexes real (non-sentinel) external references so the
	// duplicate-reference invariant holds in memory too.
	byReference map[string]string // externalRef -> requestID
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		requests:    make(map[string]*settlement.Request),
		byReference: make(map[string]string),
	}
}

func (s *Store) CreateRequest(_ context.Context, req settlement.Request) (settlement.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		return settlement.Request{}, fmt.Errorf("request id required")
	}
	if _, exists := s.requests[req.ID]; exists {
		return settlement.Request{}, fmt.Errorf("request %s already exists", req.ID)
	}

	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	stored := cloneRequest(req)
	s.requests[req.ID] = &stored
	return cloneRequest(stored), nil
}

func (s *Store) GetRequest(_ context.Context, id string) (settlement.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return settlement.Request{}, storage.ErrNotFound
	}
	return cloneRequest(*req), nil
}

func (s *Store) ListRequests(_ context.Context, state settlement.State, limit int) ([]settlement.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []settlement.Request
	for _, req := range s.requests {
		if state != "" && req.State != state {
			continue
		}
		result = append(result, cloneRequest(*req))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdateRequestState(_ context.Context, id string, state settlement.State, degradedReason string) (settlement.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return settlement.Request{}, storage.ErrNotFound
	}
	req.State = state
	if degradedReason != "" {
		req.DegradedReason = degradedReason
	}
	req.UpdatedAt = time.Now().UTC()
	return cloneRequest(*req), nil
}

func (s *Store) AppendAttempt(_ context.Context, requestID string, att settlement.ChainAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return storage.ErrNotFound
	}
	req.Attempts = append(req.Attempts, att)
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ResolveAttempt(_ context.Context, requestID string, att settlement.ChainAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return storage.ErrNotFound
	}
	if len(req.Attempts) == 0 {
		return fmt.Errorf("request %s has no attempt to resolve", requestID)
	}
	req.Attempts[len(req.Attempts)-1] = att
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) IncrementReconcileCount(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	req.ReconcileCount++
	req.UpdatedAt = time.Now().UTC()
	return req.ReconcileCount, nil
}

func (s *Store) CommitLedger(_ context.Context, requestID string, outcome settlement.LedgerOutcome, externalRef string) (settlement.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return settlement.LedgerRecord{}, storage.ErrNotFound
	}

	if req.Ledger != nil {
		if req.Ledger.ExternalReference == externalRef {
			return *req.Ledger, nil
		}
		return settlement.LedgerRecord{}, storage.ErrLedgerConflict
	}

	if !settlement.IsSentinelReference(externalRef) {
		if owner, claimed := s.byReference[externalRef]; claimed && owner != requestID {
			return settlement.LedgerRecord{}, storage.ErrDuplicateReference
		}
	}

	rec := settlement.LedgerRecord{
		RequestID:           requestID,
		ExternalReference:   externalRef,
		Outcome:             outcome,
		ReconciliationState: settlement.ReconciliationClean,
		CreatedAt:           time.Now().UTC(),
	}
	req.Ledger = &rec
	req.UpdatedAt = rec.CreatedAt
	if !settlement.IsSentinelReference(externalRef) {
		s.byReference[externalRef] = requestID
	}
	return rec, nil
}

func (s *Store) MarkReconciliation(_ context.Context, requestID string, state settlement.ReconciliationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return storage.ErrNotFound
	}
	if req.Ledger == nil {
		return fmt.Errorf("request %s has no ledger record", requestID)
	}
	req.Ledger.ReconciliationState = state
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) FindOrphaned(_ context.Context, limit int) ([]settlement.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []settlement.Request
	for _, req := range s.requests {
		if req.State == settlement.StateOrphaned {
			result = append(result, cloneRequest(*req))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneRequest(req settlement.Request) settlement.Request {
	out := req
	if len(req.Attempts) > 0 {
		out.Attempts = make([]settlement.ChainAttempt, len(req.Attempts))
		copy(out.Attempts, req.Attempts)
	}
	if req.Ledger != nil {
		rec := *req.Ledger
		out.Ledger = &rec
	}
	return out
}
