// Copyright 2025 Certen Protocol
//
// Payment-intent surface, specified at interface level only (§1): create and
// confirm. Routed with a single prefix registration plus manual path-suffix
// parsing for the dynamic :id segment, matching the teacher's
// /api/batches/ convention rather than pulling in a router library.

package server

import (
	"net/http"
	"strings"

	"github.com/certen/coordinator/pkg/economy"
)

type economyHandlers struct {
	deps *Deps
}

type createIntentRequest struct {
	AccountID   string `json:"accountId"`
	SubtaskID   string `json:"subtaskId,omitempty"`
	AmountCents int64  `json:"amountCents"`
}

type confirmIntentRequest struct {
	TxRef string `json:"txRef"`
}

// handleIntents implements POST /economy/payments/intents (create).
func (h *economyHandlers) handleIntents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var req createIntentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	in := h.deps.Economy.Create(req.AccountID, req.SubtaskID, req.AmountCents)
	writeJSON(w, http.StatusOK, in)
}

// handleIntentConfirm implements POST /economy/payments/intents/:id/confirm.
// The id is the path segment between the "/economy/payments/intents/" prefix
// and the "/confirm" suffix.
func (h *economyHandlers) handleIntentConfirm(w http.ResponseWriter, r *http.Request) {
	const prefix = "/economy/payments/intents/"
	const suffix = "/confirm"

	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	var req confirmIntentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.TxRef == "" {
		writeError(w, http.StatusBadRequest, "tx_ref_required")
		return
	}

	in, err := h.deps.Economy.Confirm(id, req.TxRef)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, in)
	case economy.ErrIntentNotFound:
		writeError(w, http.StatusNotFound, "intent_not_found")
	case economy.ErrDuplicateTxRef:
		writeError(w, http.StatusConflict, "duplicate_tx_ref_rejected")
	case economy.ErrIntentNotSettleable:
		writeError(w, http.StatusConflict, "intent_not_settleable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
