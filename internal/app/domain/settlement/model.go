// Package settlement defines the core settlement records: a request to
// reconcile a business decision with its durable ledger record, the chain
// attempts made on its behalf, and the resulting ledger entry.
package settlement

import (
	"strings"
	"time"
)

// Kind identifies the business event being settled.
type Kind string

const (
	KindClaimApproval    Kind = "claim_approval"
	KindClaimRejection   Kind = "claim_rejection"
	KindCoveragePurchase Kind = "coverage_purchase"
)

// Valid reports whether the kind is one of the known settlement kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindClaimApproval, KindClaimRejection, KindCoveragePurchase:
		return true
	}
	return false
}

// ChainRequired reports whether settling this kind requires an on-chain
// transaction. Claim rejections are recorded in the ledger only.
func (k Kind) ChainRequired() bool {
	return k != KindClaimRejection
}

// LedgerOutcome returns the outcome a successful settlement of this kind
// records in the ledger.
func (k Kind) LedgerOutcome() LedgerOutcome {
	switch k {
	case KindClaimApproval:
		return OutcomeApproved
	case KindClaimRejection:
		return OutcomeRejected
	case KindCoveragePurchase:
		return OutcomeActive
	}
	return ""
}

// State is the coordinator-driven lifecycle state of a settlement request.
type State string

const (
	StateCreated         State = "CREATED"
	StateChainSubmitted  State = "CHAIN_SUBMITTED"
	StateChainConfirmed  State = "CHAIN_CONFIRMED"
	StateChainFailed     State = "CHAIN_FAILED"
	StateChainSkipped    State = "CHAIN_SKIPPED"
	StateLedgerCommitted State = "LEDGER_COMMITTED"
	StateOrphaned        State = "ORPHANED"
	StateSettled         State = "SETTLED"
	StateRejected        State = "REJECTED"
	StateManualReview    State = "MANUAL_REVIEW"
)

// Terminal reports whether no further automatic transitions apply.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateRejected, StateManualReview:
		return true
	}
	return false
}

// AttemptStatus describes the fate of one chain attempt.
type AttemptStatus string

const (
	AttemptUnsubmitted  AttemptStatus = "unsubmitted"
	AttemptSubmitted    AttemptStatus = "submitted"
	AttemptConfirmed    AttemptStatus = "confirmed"
	AttemptReverted     AttemptStatus = "reverted"
	AttemptTimedOut     AttemptStatus = "timed_out"
	AttemptUserRejected AttemptStatus = "user_rejected"
)

// ChainAttempt is one attempt to record the settlement on-chain. Attempts are
// append-only history; at most one is active per request.
type ChainAttempt struct {
	TxHash        string        `json:"txHash,omitempty"`
	Status        AttemptStatus `json:"status"`
	Confirmations int           `json:"confirmations"`
	SubmittedAt   time.Time     `json:"submittedAt,omitempty"`
	ResolvedAt    time.Time     `json:"resolvedAt,omitempty"`
}

// LedgerOutcome is the business outcome recorded durably.
type LedgerOutcome string

const (
	OutcomeApproved LedgerOutcome = "approved"
	OutcomeRejected LedgerOutcome = "rejected"
	OutcomeActive   LedgerOutcome = "active"
)

// ReconciliationState flags how a ledger record relates to chain state.
type ReconciliationState string

const (
	ReconciliationClean        ReconciliationState = "clean"
	ReconciliationOrphaned     ReconciliationState = "orphaned"
	ReconciliationManualReview ReconciliationState = "manual_review"
)

// LedgerRecord is the durable settlement outcome. Exactly one exists per
// request; the external reference is either a confirmed transaction hash or a
// sentinel marking an audited degraded-mode commit.
type LedgerRecord struct {
	RequestID           string              `json:"requestId"`
	ExternalReference   string              `json:"externalReference"`
	Outcome             LedgerOutcome       `json:"outcome"`
	ReconciliationState ReconciliationState `json:"reconciliationState"`
	CreatedAt           time.Time           `json:"createdAt"`
}

// Request is one attempt to settle a business event. Requests are never
// deleted; they are the audit trail.
type Request struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	SubjectID      string         `json:"subjectId"`
	Initiator      string         `json:"initiator"`
	Amount         string         `json:"amount"`
	Currency       string         `json:"currency"`
	PaymentMethod  string         `json:"paymentMethod,omitempty"`
	ChainRequired  bool           `json:"chainRequired"`
	State          State          `json:"state"`
	DegradedReason string         `json:"degradedReason,omitempty"`
	ReconcileCount int            `json:"reconcileCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Attempts       []ChainAttempt `json:"attempts,omitempty"`
	Ledger         *LedgerRecord  `json:"ledger,omitempty"`
}

// LatestAttempt returns the most recent chain attempt, if any.
func (r Request) LatestAttempt() (ChainAttempt, bool) {
	if len(r.Attempts) == 0 {
		return ChainAttempt{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

const sentinelPrefix = "degraded:"

// SentinelReference builds the reserved external reference used when a ledger
// record is committed without a confirmed on-chain transaction.
func SentinelReference(reason string) string {
	return sentinelPrefix + reason
}

// IsSentinelReference reports whether ref is a degraded-mode sentinel rather
// than a real transaction hash.
func IsSentinelReference(ref string) bool {
	return strings.HasPrefix(ref, sentinelPrefix)
}
