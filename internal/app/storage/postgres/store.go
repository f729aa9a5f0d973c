package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/storage"
)

const (
	uniqueViolation = "23505"

	ledgerPKeyConstraint      = "ledger_records_pkey"
	ledgerReferenceConstraint = "ledger_records_external_reference_idx"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) CreateRequest(ctx context.Context, req settlement.Request) (settlement.Request, error) {
	if req.ID == "" {
		return settlement.Request{}, fmt.Errorf("request id required")
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_requests
			(id, kind, subject_id, initiator, amount, currency, payment_method, chain_required, state, degraded_reason, reconcile_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, req.ID, req.Kind, req.SubjectID, req.Initiator, req.Amount, req.Currency, req.PaymentMethod,
		req.ChainRequired, req.State, req.DegradedReason, req.ReconcileCount, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return settlement.Request{}, err
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (settlement.Request, error) {
	req, err := s.scanRequest(ctx, s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject_id, initiator, amount, currency, payment_method, chain_required, state, degraded_reason, reconcile_count, created_at, updated_at
		FROM settlement_requests
		WHERE id = $1
	`, id))
	if err != nil {
		return settlement.Request{}, err
	}
	if err := s.loadChildren(ctx, &req); err != nil {
		return settlement.Request{}, err
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context, state settlement.State, limit int) ([]settlement.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject_id, initiator, amount, currency, payment_method, chain_required, state, degraded_reason, reconcile_count, created_at, updated_at
		FROM settlement_requests
		WHERE $1 = '' OR state = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.collectRequests(ctx, rows)
}

func (s *Store) UpdateRequestState(ctx context.Context, id string, state settlement.State, degradedReason string) (settlement.Request, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_requests
		SET state = $2,
		    degraded_reason = CASE WHEN $3 <> '' THEN $3 ELSE degraded_reason END,
		    updated_at = $4
		WHERE id = $1
	`, id, state, degradedReason, time.Now().UTC())
	if err != nil {
		return settlement.Request{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return settlement.Request{}, storage.ErrNotFound
	}
	return s.GetRequest(ctx, id)
}

func (s *Store) AppendAttempt(ctx context.Context, requestID string, att settlement.ChainAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_chain_attempts (request_id, tx_hash, status, confirmations, submitted_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, requestID, toNullString(att.TxHash), att.Status, att.Confirmations,
		toNullTime(att.SubmittedAt), toNullTime(att.ResolvedAt))
	return err
}

func (s *Store) ResolveAttempt(ctx context.Context, requestID string, att settlement.ChainAttempt) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_chain_attempts
		SET tx_hash = $2, status = $3, confirmations = $4, submitted_at = $5, resolved_at = $6
		WHERE id = (
			SELECT id FROM settlement_chain_attempts
			WHERE request_id = $1
			ORDER BY id DESC
			LIMIT 1
		)
	`, requestID, toNullString(att.TxHash), att.Status, att.Confirmations,
		toNullTime(att.SubmittedAt), toNullTime(att.ResolvedAt))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("request %s has no attempt to resolve", requestID)
	}
	return nil
}

func (s *Store) IncrementReconcileCount(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE settlement_requests
		SET reconcile_count = reconcile_count + 1, updated_at = $2
		WHERE id = $1
		RETURNING reconcile_count
	`, id, time.Now().UTC()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	return count, err
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) CommitLedger(ctx context.Context, requestID string, outcome settlement.LedgerOutcome, externalRef string) (settlement.LedgerRecord, error) {
	existing, err := s.getLedgerRecord(ctx, requestID)
	switch {
	case err == nil:
		if existing.ExternalReference == externalRef {
			return existing, nil
		}
		return settlement.LedgerRecord{}, storage.ErrLedgerConflict
	case !errors.Is(err, sql.ErrNoRows):
		return settlement.LedgerRecord{}, err
	}

	rec := settlement.LedgerRecord{
		RequestID:           requestID,
		ExternalReference:   externalRef,
		Outcome:             outcome,
		ReconciliationState: settlement.ReconciliationClean,
		CreatedAt:           time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_records (request_id, external_reference, outcome, reconciliation_state, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.RequestID, rec.ExternalReference, rec.Outcome, rec.ReconciliationState, rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			switch pqErr.Constraint {
			case ledgerPKeyConstraint:
				// Lost a commit race on the same request; idempotent if the
				// winner wrote the same reference.
				existing, readErr := s.getLedgerRecord(ctx, requestID)
				if readErr != nil {
					return settlement.LedgerRecord{}, readErr
				}
				if existing.ExternalReference == externalRef {
					return existing, nil
				}
				return settlement.LedgerRecord{}, storage.ErrLedgerConflict
			case ledgerReferenceConstraint:
				return settlement.LedgerRecord{}, storage.ErrDuplicateReference
			}
		}
		return settlement.LedgerRecord{}, err
	}
	return rec, nil
}

func (s *Store) MarkReconciliation(ctx context.Context, requestID string, state settlement.ReconciliationState) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ledger_records
		SET reconciliation_state = $2
		WHERE request_id = $1
	`, requestID, state)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FindOrphaned(ctx context.Context, limit int) ([]settlement.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject_id, initiator, amount, currency, payment_method, chain_required, state, degraded_reason, reconcile_count, created_at, updated_at
		FROM settlement_requests
		WHERE state = $1
		ORDER BY updated_at
		LIMIT $2
	`, settlement.StateOrphaned, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.collectRequests(ctx, rows)
}

// --- helpers ----------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRequest(_ context.Context, row rowScanner) (settlement.Request, error) {
	var req settlement.Request
	err := row.Scan(&req.ID, &req.Kind, &req.SubjectID, &req.Initiator, &req.Amount, &req.Currency,
		&req.PaymentMethod, &req.ChainRequired, &req.State, &req.DegradedReason, &req.ReconcileCount, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Request{}, storage.ErrNotFound
	}
	if err != nil {
		return settlement.Request{}, err
	}
	return req, nil
}

func (s *Store) collectRequests(ctx context.Context, rows *sql.Rows) ([]settlement.Request, error) {
	var result []settlement.Request
	for rows.Next() {
		req, err := s.scanRequest(ctx, rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range result {
		if err := s.loadChildren(ctx, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) loadChildren(ctx context.Context, req *settlement.Request) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, status, confirmations, submitted_at, resolved_at
		FROM settlement_chain_attempts
		WHERE request_id = $1
		ORDER BY id
	`, req.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			att         settlement.ChainAttempt
			txHash      sql.NullString
			submittedAt sql.NullTime
			resolvedAt  sql.NullTime
		)
		if err := rows.Scan(&txHash, &att.Status, &att.Confirmations, &submittedAt, &resolvedAt); err != nil {
			return err
		}
		att.TxHash = txHash.String
		if submittedAt.Valid {
			att.SubmittedAt = submittedAt.Time.UTC()
		}
		if resolvedAt.Valid {
			att.ResolvedAt = resolvedAt.Time.UTC()
		}
		req.Attempts = append(req.Attempts, att)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rec, err := s.getLedgerRecord(ctx, req.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	req.Ledger = &rec
	return nil
}

func (s *Store) getLedgerRecord(ctx context.Context, requestID string) (settlement.LedgerRecord, error) {
	var rec settlement.LedgerRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, external_reference, outcome, reconciliation_state, created_at
		FROM ledger_records
		WHERE request_id = $1
	`, requestID).Scan(&rec.RequestID, &rec.ExternalReference, &rec.Outcome, &rec.ReconciliationState, &rec.CreatedAt)
	if err != nil {
		return settlement.LedgerRecord{}, err
	}
	return rec, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
