// Package migrations owns the relational schema for the settlement
// subsystem. Statements are idempotent and applied in order on startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS settlement_requests (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		initiator TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		chain_required BOOLEAN NOT NULL,
		state TEXT NOT NULL,
		degraded_reason TEXT NOT NULL DEFAULT '',
		reconcile_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS settlement_requests_state_idx
		ON settlement_requests (state, updated_at)`,
	`CREATE INDEX IF NOT EXISTS settlement_requests_subject_idx
		ON settlement_requests (subject_id)`,
	`CREATE TABLE IF NOT EXISTS settlement_chain_attempts (
		id BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES settlement_requests (id),
		tx_hash TEXT,
		status TEXT NOT NULL,
		confirmations INTEGER NOT NULL DEFAULT 0,
		submitted_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS settlement_chain_attempts_request_idx
		ON settlement_chain_attempts (request_id, id)`,
	`CREATE TABLE IF NOT EXISTS ledger_records (
		request_id TEXT PRIMARY KEY REFERENCES settlement_requests (id),
		external_reference TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reconciliation_state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	// Sentinel references (degraded-mode commits) are deliberately excluded:
	// only real transaction hashes must be unique across the ledger.
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_records_external_reference_idx
		ON ledger_records (external_reference)
		WHERE external_reference NOT LIKE 'degraded:%'`,
}

// Apply executes all schema migrations against the database.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
