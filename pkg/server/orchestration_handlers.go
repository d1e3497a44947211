// Copyright 2025 Certen Protocol
//
// Orchestration surface: operator-triggered Ollama rollouts across the
// coordinator and its agents, with per-target status/ack tracking.

package server

import (
	"net/http"
	"strings"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/orchestration"
)

type orchestrationHandlers struct {
	deps *Deps
}

type ollamaInstallRequest struct {
	Host        string `json:"host"`
	Model       string `json:"model"`
	AutoInstall bool   `json:"autoInstall"`
}

// handleCoordinatorInstall implements POST /orchestration/coordinator/ollama-install.
func (h *orchestrationHandlers) handleCoordinatorInstall(w http.ResponseWriter, r *http.Request) {
	var req ollamaInstallRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	ro := h.deps.Orchestration.StartCoordinatorInstall(req.Host, req.Model, req.AutoInstall, coordtypes.NowMs())
	writeJSON(w, http.StatusOK, ro)
}

// handleAgentRoute implements the three /orchestration/agents/:agentId/{ollama-install,status,ack}
// routes, distinguished by their trailing segment.
func (h *orchestrationHandlers) handleAgentRoute(w http.ResponseWriter, r *http.Request) {
	const prefix = "/orchestration/agents/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case strings.HasSuffix(rest, "/ollama-install"):
		h.handleAgentInstall(w, r, strings.TrimSuffix(rest, "/ollama-install"))
	case strings.HasSuffix(rest, "/status"):
		h.handleAgentStatus(w, r, strings.TrimSuffix(rest, "/status"))
	case strings.HasSuffix(rest, "/ack"):
		h.handleAgentAck(w, r, strings.TrimSuffix(rest, "/ack"))
	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

func (h *orchestrationHandlers) handleAgentInstall(w http.ResponseWriter, r *http.Request, agentID string) {
	if agentID == "" {
		writeError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	var req ollamaInstallRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	ro := h.deps.Orchestration.StartAgentInstall(agentID, req.Host, req.Model, req.AutoInstall, coordtypes.NowMs())
	writeJSON(w, http.StatusOK, ro)
}

func (h *orchestrationHandlers) handleAgentStatus(w http.ResponseWriter, r *http.Request, agentID string) {
	if agentID == "" {
		writeError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	var req struct {
		Status orchestration.TargetStatus `json:"status"`
		Detail string                     `json:"detail,omitempty"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if err := h.deps.Orchestration.ReportStatus(agentID, req.Status, req.Detail, coordtypes.NowMs()); err != nil {
		writeError(w, http.StatusNotFound, "orchestration_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *orchestrationHandlers) handleAgentAck(w http.ResponseWriter, r *http.Request, agentID string) {
	if agentID == "" {
		writeError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	if err := h.deps.Orchestration.Ack(agentID, coordtypes.NowMs()); err != nil {
		writeError(w, http.StatusNotFound, "orchestration_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleRollouts implements GET /orchestration/rollouts.
func (h *orchestrationHandlers) handleRollouts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rollouts": h.deps.Orchestration.List()})
}
