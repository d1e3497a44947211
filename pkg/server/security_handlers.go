// Copyright 2025 Certen Protocol
//
// Blacklist chain read/write surface.

package server

import (
	"net/http"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/mesh"
)

type securityHandlers struct {
	deps *Deps
}

type blacklistRequest struct {
	AgentID            string `json:"agentId"`
	ReasonCode         string `json:"reasonCode"`
	EvidenceHashSha256 string `json:"evidenceHashSha256"`
	ReporterID         string `json:"reporterId"`
	ReporterSignature  string `json:"reporterSignature,omitempty"`
	ExpiresAtMs        int64  `json:"expiresAtMs,omitempty"`
}

// handleBlacklist implements GET /security/blacklist (snapshot) and
// POST /security/blacklist (append a new local record and gossip it).
func (h *securityHandlers) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, h.deps.Blacklist.Snapshot())
		return
	}

	var req blacklistRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	rec := h.deps.Blacklist.Append(
		req.AgentID, req.ReasonCode, req.EvidenceHashSha256,
		req.ReporterID, req.ReporterSignature,
		req.ExpiresAtMs, coordtypes.NowMs(),
	)

	h.deps.Mesh.Broadcast(coordtypes.MeshBlacklistUpdate, rec)

	writeJSON(w, http.StatusOK, rec)
}

// handleBlacklistAudit implements GET /security/blacklist/audit: validates
// the local chain's hash linkage and returns the result alongside the
// current head.
func (h *securityHandlers) handleBlacklistAudit(w http.ResponseWriter, r *http.Request) {
	records := h.deps.Blacklist.Snapshot()
	err := mesh.VerifyChainLinkage(records)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"length": len(records),
		"head":   h.deps.Blacklist.Head(),
	})
}
