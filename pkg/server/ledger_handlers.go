// Copyright 2025 Certen Protocol
//
// Ordering chain inspection endpoints.

package server

import (
	"net/http"

	"github.com/certen/coordinator/pkg/orderingchain"
)

type ledgerHandlers struct {
	deps *Deps
}

// handleSnapshot implements GET /ledger/snapshot.
func (h *ledgerHandlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Chain.Snapshot())
}

// handleVerify implements GET /ledger/verify: walks the local chain and
// reports whether it is fully valid against this coordinator's own
// published public key.
func (h *ledgerHandlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	records := h.deps.Chain.Snapshot()
	err := orderingchain.Verify(records, h.deps.Keys.PublicKey)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "length": len(records)})
}
