// Copyright 2025 Certen Protocol
//
// Stats ledger sync surface and anchor lifecycle endpoints.

package server

import (
	"net/http"
	"strconv"

	"github.com/certen/coordinator/pkg/anchorcoord"
	"github.com/certen/coordinator/pkg/coordtypes"
)

type statsHandlers struct {
	deps *Deps
}

// handleHead implements GET /stats/ledger/head?coordinatorId=.
func (h *statsHandlers) handleHead(w http.ResponseWriter, r *http.Request) {
	coordinatorID := r.URL.Query().Get("coordinatorId")
	rec, found, err := h.deps.Stats.Head(r.Context(), coordinatorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRange implements GET /stats/ledger/range?coordinatorId=&sinceIssuedAtMs=&limit=.
func (h *statsHandlers) handleRange(w http.ResponseWriter, r *http.Request) {
	coordinatorID := r.URL.Query().Get("coordinatorId")
	since, _ := strconv.ParseInt(r.URL.Query().Get("sinceIssuedAtMs"), 10, 64)
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	records, err := h.deps.Stats.Range(r.Context(), coordinatorID, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleIngest implements POST /stats/ledger/ingest: a peer coordinator
// pushing a stats record it signed.
func (h *statsHandlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	var rec coordtypes.QueueEvent
	if err := readJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if err := h.deps.Stats.IngestRemote(r.Context(), rec); err != nil {
		writeError(w, http.StatusForbidden, "invalid_signature")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAnchorLatest implements POST /stats/anchors/anchor-latest: the
// elected leader anchors the current stats checkpoint hash.
func (h *statsHandlers) handleAnchorLatest(w http.ResponseWriter, r *http.Request) {
	head, found, err := h.deps.Stats.Head(r.Context(), h.deps.SelfPeerID)
	if err != nil || !found {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	reachable := []string{h.deps.SelfPeerID}
	for _, p := range h.deps.Mesh.Peers() {
		reachable = append(reachable, p.Identity.PeerID)
	}
	if !anchorcoord.IsLeader(h.deps.SelfPeerID, reachable) {
		writeError(w, http.StatusForbidden, "not_leader")
		return
	}

	rec, err := h.deps.Anchor.AnchorCheckpoint(r.Context(), head.ID, head.Hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAnchorVerify implements GET /stats/anchors/verify?checkpointHash=.
func (h *statsHandlers) handleAnchorVerify(w http.ResponseWriter, r *http.Request) {
	checkpointHash := r.URL.Query().Get("checkpointHash")
	rec, ok := h.deps.Anchor.Get(checkpointHash)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
