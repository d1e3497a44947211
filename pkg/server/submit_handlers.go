// Copyright 2025 Certen Protocol
//
// Task submission: decomposes a prompt via the inference service, holds
// subtasks with unmet dependencies, enqueues the rest, and gossips offers.

package server

import (
	"net/http"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/deptracker"
	"github.com/certen/coordinator/pkg/inference"
	"github.com/certen/coordinator/pkg/queue"
)

type submitHandlers struct {
	deps *Deps
}

type submitRequest struct {
	TaskID      string            `json:"taskId"`
	Prompt      string            `json:"prompt"`
	Language    string            `json:"language"`
	SnapshotRef string            `json:"snapshotRef,omitempty"`
	ProjectMeta map[string]string `json:"projectMeta,omitempty"`
}

// handleSubmit implements POST /submit.
func (h *submitHandlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	decomposed, err := h.deps.Inference.Decompose(r.Context(), inference.DecomposeRequest{
		TaskID:      req.TaskID,
		Prompt:      req.Prompt,
		Language:    req.Language,
		SnapshotRef: req.SnapshotRef,
		ProjectMeta: req.ProjectMeta,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "inference_service_unavailable")
		return
	}

	circular := deptracker.DetectCircularDeps(decomposed.Subtasks)
	ids := make([]string, 0, len(decomposed.Subtasks))

	for _, st := range decomposed.Subtasks {
		ids = append(ids, st.ID)

		_, inCycle := circular[st.ID]
		if len(st.DependsOn) == 0 || inCycle {
			if inCycle {
				h.deps.Logger.Printf("circular dependency detected in batch %s, enqueueing %s immediately", req.TaskID, st.ID)
			}
			if err := h.deps.Queue.EnqueueSubtask(st, &queue.EnqueueOptions{Priority: 0}); err != nil {
				h.deps.Logger.Printf("enqueue %s failed: %v", st.ID, err)
			}
			continue
		}

		h.deps.DepTracker.Hold(st, st.DependsOn, &deptracker.EnqueueOptions{Priority: 0})
	}

	enqueueRec, err := h.deps.Chain.Append(taskEnqueueEvent(req.TaskID, "", h.deps.SelfPeerID, h.deps.SelfPeerID))
	if err != nil {
		h.deps.Logger.Printf("append task_enqueue failed: %v", err)
	} else if h.deps.Stats != nil {
		if err := h.deps.Stats.IngestLocal(r.Context(), enqueueRec); err != nil {
			h.deps.Logger.Printf("stats ingest task_enqueue failed: %v", err)
		}
	}

	h.deps.Mesh.Broadcast(coordtypes.MeshTaskOffer, map[string]interface{}{
		"taskId":               req.TaskID,
		"subtasks":             decomposed.Subtasks,
		"originCoordinatorId":  h.deps.SelfPeerID,
		"originCoordinatorUrl": h.deps.SelfURL,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taskId":   req.TaskID,
		"subtasks": ids,
	})
}
