// Copyright 2025 Certen Protocol
//
// Read-only introspection: queue capacity, coordinator status, enabled
// features, and the aggregate model catalog across live agents.

package server

import (
	"net/http"
)

type statusHandlers struct {
	deps *Deps
}

// handleCapacity implements GET /capacity.
func (h *statusHandlers) handleCapacity(w http.ResponseWriter, r *http.Request) {
	active := h.deps.Registry.ListActive()
	maxConcurrent := 0
	for _, a := range active {
		c := a.MaxConcurrentTasks
		if c == 0 {
			c = 1
		}
		maxConcurrent += c
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"liveAgents":    len(active),
		"queuedSubtasks": h.deps.Queue.QueuedLen(),
		"heldSubtasks":   h.deps.DepTracker.Len(),
		"maxConcurrent":  maxConcurrent,
	})
}

// handleStatus implements GET /status.
func (h *statusHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	head, _ := h.deps.Chain.Head()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peerId":        h.deps.SelfPeerID,
		"peers":         len(h.deps.Mesh.Peers()),
		"registered":    h.deps.Registry.Count(),
		"chainLength":   h.deps.Chain.Len(),
		"chainHead":     head.Hash,
		"blacklistHead": h.deps.Blacklist.Head(),
	})
}

// handleFeatures implements GET /features.
func (h *statusHandlers) handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mesh":        true,
		"anchoring":   h.deps.Anchor != nil,
		"quorum":      h.deps.Quorum != nil,
		"statsLedger": h.deps.Stats != nil,
	})
}

// handleModelsAvailable implements GET /models/available: the union of
// every live agent's model catalog.
func (h *statusHandlers) handleModelsAvailable(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	var models []string
	for _, a := range h.deps.Registry.ListActive() {
		for _, m := range a.ModelCatalog {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}
	}
	if h.deps.capabilities != nil {
		for _, m := range h.deps.capabilities.allModels() {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}
