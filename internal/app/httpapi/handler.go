// Package httpapi exposes the settlement coordinator over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	domain "github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/metrics"
	svc "github.com/coverbridge/settlement-layer/internal/app/services/settlement"
	"github.com/coverbridge/settlement-layer/internal/app/storage"
	"github.com/coverbridge/settlement-layer/pkg/logger"
)

const defaultListLimit = 50

// Handler routes settlement API requests to the coordinator.
type Handler struct {
	coordinator *svc.Coordinator
	log         *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(coordinator *svc.Coordinator, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{coordinator: coordinator, log: log}
}

// Router builds the full route table, metrics instrumentation included.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/claims/{id}/decision", h.handleClaimDecision).Methods(http.MethodPost)
	r.HandleFunc("/coverage/purchase", h.handleCoveragePurchase).Methods(http.MethodPost)
	r.HandleFunc("/settlements", h.handleListSettlements).Methods(http.MethodGet)
	r.HandleFunc("/settlements/{id}", h.handleGetSettlement).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

type claimDecisionRequest struct {
	Action       string `json:"action"`
	Reason       string `json:"reason,omitempty"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	SettlementID string `json:"settlementId,omitempty"`
}

type coveragePurchaseRequest struct {
	PolicyID      string `json:"policyId"`
	PaymentMethod string `json:"paymentMethod"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	SettlementID  string `json:"settlementId,omitempty"`
}

// handleClaimDecision settles a claim approval or rejection. Approvals need a
// chain transaction, so they run in the background and the response carries a
// snapshot to poll; rejections are ledger-only and return their terminal
// outcome directly. Passing wait=true forces synchronous handling either way.
func (h *Handler) handleClaimDecision(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["id"]

	var body claimDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var kind domain.Kind
	switch body.Action {
	case "approve":
		kind = domain.KindClaimApproval
	case "reject":
		kind = domain.KindClaimRejection
	default:
		writeError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}

	if body.Reason != "" {
		h.log.WithField("claim_id", claimID).WithField("action", body.Action).
			Infof("claim decision reason: %s", body.Reason)
	}

	h.settle(w, r, domain.Request{
		ID:        body.SettlementID,
		Kind:      kind,
		SubjectID: claimID,
		Initiator: initiatorOf(r),
		Amount:    body.Amount,
		Currency:  body.Currency,
	})
}

// handleCoveragePurchase settles a coverage purchase for a policy.
func (h *Handler) handleCoveragePurchase(w http.ResponseWriter, r *http.Request) {
	var body coveragePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.PolicyID == "" {
		writeError(w, http.StatusBadRequest, "policyId is required")
		return
	}

	h.settle(w, r, domain.Request{
		ID:            body.SettlementID,
		Kind:          domain.KindCoveragePurchase,
		SubjectID:     body.PolicyID,
		Initiator:     initiatorOf(r),
		Amount:        body.Amount,
		Currency:      body.Currency,
		PaymentMethod: body.PaymentMethod,
	})
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, req domain.Request) {
	// Ledger-only settlements finish in one storage round trip; give the
	// caller the terminal outcome instead of a polling handle.
	if !req.Kind.ChainRequired() || r.URL.Query().Get("wait") == "true" {
		// Detach from the connection: once the chain call is in flight the
		// settlement runs to completion even if the caller disconnects.
		result, err := h.coordinator.Settle(context.WithoutCancel(r.Context()), req)
		if err != nil && result.RequestID == "" {
			h.writeSettleError(w, err)
			return
		}
		// Invariant violations return both a result and an error; the
		// settlement landed in MANUAL_REVIEW and the caller needs to see it.
		writeJSON(w, http.StatusOK, result)
		return
	}

	snapshot, err := h.coordinator.SettleAsync(r.Context(), req)
	if err != nil {
		h.writeSettleError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snapshot)
}

func (h *Handler) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	req, err := h.coordinator.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "settlement not found")
			return
		}
		h.log.WithError(err).Error("failed to load settlement")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	state := domain.State(r.URL.Query().Get("state"))

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	reqs, err := h.coordinator.ListSettlements(r.Context(), state, limit)
	if err != nil {
		h.log.WithError(err).Error("failed to list settlements")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if reqs == nil {
		reqs = []domain.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": reqs})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeSettleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, svc.ErrSubjectLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, svc.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.WithError(err).Error("settlement failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// initiatorOf identifies the caller. Authentication sits in front of this
// service; the gateway injects the verified principal.
func initiatorOf(r *http.Request) string {
	return r.Header.Get("X-Initiator")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
