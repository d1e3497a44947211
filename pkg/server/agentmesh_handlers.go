// Copyright 2025 Certen Protocol
//
// Agent-mesh surface: tunnels (NAT-traversal relay), direct-work offers, and
// cross-agent model requests. Dynamic :agentId/:tunnelId/:offerId segments
// are parsed manually off prefix-registered routes, matching the economy
// handlers' convention rather than a router library.

package server

import (
	"net/http"
	"strings"

	"github.com/certen/coordinator/pkg/agentmesh"
	"github.com/certen/coordinator/pkg/coordtypes"
)

type agentMeshHandlers struct {
	deps *Deps
}

type connectRequest struct {
	FromAgentID string `json:"fromAgentId"`
	ToAgentID   string `json:"toAgentId"`
}

type tunnelIDRequest struct {
	TunnelID string `json:"tunnelId"`
}

// handlePeersOf implements GET /agent-mesh/peers/:agentId.
func (h *agentMeshHandlers) handlePeersOf(w http.ResponseWriter, r *http.Request) {
	const prefix = "/agent-mesh/peers/"
	agentID := strings.TrimPrefix(r.URL.Path, prefix)
	if agentID == "" {
		writeError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels": h.deps.AgentMesh.PeersOf(agentID),
	})
}

// handleConnect implements POST /agent-mesh/connect.
func (h *agentMeshHandlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	t := h.deps.AgentMesh.Connect(req.FromAgentID, req.ToAgentID, coordtypes.NowMs())
	writeJSON(w, http.StatusOK, t)
}

// handleAccept implements POST /agent-mesh/accept.
func (h *agentMeshHandlers) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req tunnelIDRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	t, err := h.deps.AgentMesh.Accept(req.TunnelID, coordtypes.NowMs())
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel_not_found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleRelay implements POST /agent-mesh/relay. Rate limiting is enforced
// per §4.11: RELAY_RATE_LIMIT_PER_10S per agent, TUNNEL_MAX_RELAYS_PER_MIN
// per tunnel.
func (h *agentMeshHandlers) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TunnelID string `json:"tunnelId"`
		AgentID  string `json:"agentId"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if !h.deps.Limiters.AllowRelay(req.AgentID) {
		writeError(w, http.StatusTooManyRequests, "relay_rate_limited")
		return
	}
	if !h.deps.Limiters.AllowTunnelRelay(req.TunnelID) {
		writeError(w, http.StatusTooManyRequests, "tunnel_relay_cap_reached")
		return
	}
	t, err := h.deps.AgentMesh.Relay(req.TunnelID, coordtypes.NowMs())
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel_not_found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleClose implements POST /agent-mesh/close.
func (h *agentMeshHandlers) handleClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TunnelID string `json:"tunnelId"`
		AgentID  string `json:"agentId"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	t, err := h.deps.AgentMesh.Close(req.TunnelID, req.AgentID, coordtypes.NowMs())
	if err != nil {
		writeError(w, http.StatusNotFound, "tunnel_not_found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleCloseAck implements POST /agent-mesh/close-ack.
func (h *agentMeshHandlers) handleCloseAck(w http.ResponseWriter, r *http.Request) {
	var req tunnelIDRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if err := h.deps.AgentMesh.CloseAck(req.TunnelID); err != nil {
		writeError(w, http.StatusNotFound, "tunnel_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type directWorkOfferRequest struct {
	FromAgentID string             `json:"fromAgentId"`
	ToAgentID   string             `json:"toAgentId"`
	Subtask     coordtypes.Subtask `json:"subtask"`
}

// handleDirectWorkOffer implements POST /agent-mesh/direct-work/offer.
func (h *agentMeshHandlers) handleDirectWorkOffer(w http.ResponseWriter, r *http.Request) {
	var req directWorkOfferRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if !h.deps.Limiters.AllowDirectWorkOffer(req.FromAgentID) {
		writeError(w, http.StatusTooManyRequests, "direct_work_offer_rate_limited")
		return
	}
	o := h.deps.AgentMesh.OfferDirectWork(req.FromAgentID, req.ToAgentID, req.Subtask, coordtypes.NowMs())
	writeJSON(w, http.StatusOK, o)
}

// handleDirectWorkAccept implements POST /agent-mesh/direct-work/accept.
func (h *agentMeshHandlers) handleDirectWorkAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OfferID string `json:"offerId"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	o, err := h.deps.AgentMesh.AcceptDirectWork(req.OfferID)
	if err != nil {
		writeError(w, http.StatusConflict, "offer_not_available")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleDirectWorkResult implements POST /agent-mesh/direct-work/result.
func (h *agentMeshHandlers) handleDirectWorkResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OfferID string                    `json:"offerId"`
		Result  coordtypes.SubtaskResult  `json:"result"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	o, err := h.deps.AgentMesh.ResultDirectWork(req.OfferID, req.Result)
	if err != nil {
		switch err {
		case agentmesh.ErrOfferNotAccepted:
			writeError(w, http.StatusConflict, "offer_not_accepted")
		default:
			writeError(w, http.StatusNotFound, "offer_not_available")
		}
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleDirectWorkAudit implements GET /agent-mesh/direct-work/audit.
func (h *agentMeshHandlers) handleDirectWorkAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"offers": h.deps.AgentMesh.Audit()})
}

// handleModelRequest implements POST /agent-mesh/models/request.
func (h *agentMeshHandlers) handleModelRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAgentID string `json:"fromAgentId"`
		ToAgentID   string `json:"toAgentId"`
		Model       string `json:"model"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	mr := h.deps.AgentMesh.RequestModel(req.FromAgentID, req.ToAgentID, req.Model, coordtypes.NowMs())
	writeJSON(w, http.StatusOK, mr)
}

// handleModelRequestStatus implements GET /agent-mesh/models/request/:offerId.
func (h *agentMeshHandlers) handleModelRequestStatus(w http.ResponseWriter, r *http.Request) {
	const prefix = "/agent-mesh/models/request/"
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" {
		writeError(w, http.StatusNotFound, "offer_not_available")
		return
	}
	mr, ok := h.deps.AgentMesh.GetModelRequest(id)
	if !ok {
		writeError(w, http.StatusNotFound, "offer_not_available")
		return
	}
	writeJSON(w, http.StatusOK, mr)
}
