// Copyright 2025 Certen Protocol
//
// Agent-facing handlers: register, heartbeat, pull, result, diagnostics.

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
	"github.com/certen/coordinator/pkg/queue"
	"github.com/certen/coordinator/pkg/registry"
	"github.com/certen/coordinator/pkg/security"
)

type agentHandlers struct {
	deps *Deps
}

type registerRequest struct {
	Agent             coordtypes.Agent `json:"agent"`
	RegistrationToken string           `json:"registrationToken"`
}

// handleRegister implements POST /register.
func (h *agentHandlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	policy, err := h.deps.Registry.Register(r.Context(), req.Agent, req.RegistrationToken, isLoopback(r))
	if err != nil {
		switch err {
		case registry.ErrAgentBlacklisted:
			writeError(w, http.StatusForbidden, "agent_blacklisted")
		default:
			writeError(w, http.StatusForbidden, "node_not_activated")
		}
		return
	}

	rec, err := h.deps.Chain.Append(nodeApprovalEvent(req.Agent.AgentID, h.deps.SelfPeerID))
	if err != nil {
		h.deps.Logger.Printf("append node_approval failed: %v", err)
	} else if h.deps.Stats != nil {
		if err := h.deps.Stats.IngestLocal(r.Context(), rec); err != nil {
			h.deps.Logger.Printf("stats ingest node_approval failed: %v", err)
		}
		if err := h.deps.Stats.ApplyProjections(r.Context(), rec, req.Agent.AgentID, req.Agent.OwnerEmail, true, true, "", 0); err != nil {
			h.deps.Logger.Printf("stats project node_approval failed: %v", err)
		}
	}

	mode := coordtypes.AgentSwarmOnly
	if req.Agent.Mode != "" {
		mode = req.Agent.Mode
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":  true,
		"policy":    policy,
		"mode":      mode,
		"meshToken": h.deps.MeshAuthToken,
	})
}

// verifySignedBody validates the x-agent-id/x-timestamp-ms/x-nonce/
// x-body-sha256/x-signature header set against the agent's registered
// public key and returns the agent record on success.
func (h *agentHandlers) verifySignedBody(r *http.Request, body []byte) (coordtypes.Agent, bool) {
	agentID := r.Header.Get("x-agent-id")
	agent, ok := h.deps.Registry.Get(agentID)
	if !ok {
		return coordtypes.Agent{}, false
	}

	ts, err := strconv.ParseInt(r.Header.Get("x-timestamp-ms"), 10, 64)
	if err != nil {
		return coordtypes.Agent{}, false
	}

	sr := security.SignedRequest{
		AgentID:     agentID,
		TimestampMs: ts,
		Nonce:       r.Header.Get("x-nonce"),
		BodySha256:  r.Header.Get("x-body-sha256"),
		Signature:   r.Header.Get("x-signature"),
	}

	if err := h.deps.Verifier.Verify(sr, r.Method, r.URL.Path, agentID, agent.PublicKey, body, coordtypes.NowMs()); err != nil {
		return coordtypes.Agent{}, false
	}
	return agent, true
}

// handleHeartbeat implements POST /heartbeat (signed).
func (h *agentHandlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	a, valid := h.verifySignedBody(r, body)
	if !valid {
		writeError(w, http.StatusUnauthorized, "signature_invalid")
		return
	}

	if h.deps.Blacklist.IsBlacklisted(a.AgentID) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "blacklisted": true})
		return
	}

	if err := h.deps.Registry.Heartbeat(a.AgentID); err != nil {
		writeError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	h.deps.Queue.NoteAgentSeen(a.AgentID, coordtypes.NowMs())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                 true,
		"policy":             registryPolicyFor(a),
		"tunnelInvites":      h.deps.AgentMesh.DrainInvites(a.AgentID),
		"tunnelCloseNotices": h.deps.AgentMesh.DrainCloseNotices(a.AgentID),
		"directWorkOffers":   h.deps.AgentMesh.DrainWorkOffers(a.AgentID),
		"blacklist": map[string]interface{}{
			"version": h.deps.Blacklist.Head(),
			"agents":  []string{},
		},
	})
}

// handlePull implements POST /pull (signed).
func (h *agentHandlers) handlePull(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	a, valid := h.verifySignedBody(r, body)
	if !valid {
		writeError(w, http.StatusUnauthorized, "signature_invalid")
		return
	}

	var req struct {
		PreferredModel string                    `json:"preferredModel"`
		Telemetry      coordtypes.PowerTelemetry `json:"powerTelemetry"`
	}
	_ = json.Unmarshal(body, &req)

	decision := h.deps.Registry.PowerPolicy(req.Telemetry)
	if !decision.AllowCoordinatorTasks {
		writeJSON(w, http.StatusOK, map[string]interface{}{"blocked": true, "reason": decision.Reason})
		return
	}

	st := h.deps.Queue.Claim(a.AgentID, req.PreferredModel)
	if st == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"subtask": nil})
		return
	}

	requiresSandbox := st.SnapshotRef != ""
	if !h.deps.Registry.SandboxGate(a.AgentID, requiresSandbox) {
		_ = h.deps.Queue.Requeue(st.ID)
		writeJSON(w, http.StatusOK, map[string]interface{}{"subtask": nil, "sandboxRequired": true})
		return
	}

	h.sealForAgent(st, a)

	if decision.AllowSmallTasksOnly {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"subtask":       st,
			"powerDeferred": true,
			"deferMs":       decision.DeferMs,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"subtask": st})
}

// sealForAgent encrypts st.Input into st.InputEnvelope for agents that
// advertised an X25519 key, clearing the plaintext field. Agents that don't
// advertise a key receive the subtask in plaintext, unchanged.
func (h *agentHandlers) sealForAgent(st *coordtypes.Subtask, a coordtypes.Agent) {
	if h.deps.Envelope == nil || a.X25519PublicKey == "" {
		return
	}
	pub, err := identity.ParseX25519PublicKey(a.X25519PublicKey)
	if err != nil {
		h.deps.Logger.Printf("sealForAgent: bad x25519 key for %s: %v", a.AgentID, err)
		return
	}
	env, err := h.deps.Envelope.Seal(st.ID, pub, []byte(st.Input))
	if err != nil {
		h.deps.Logger.Printf("sealForAgent: seal failed for %s: %v", st.ID, err)
		return
	}
	st.Input = ""
	st.InputEnvelope = env
}

// handleResult implements POST /result (signed; may be encrypted).
func (h *agentHandlers) handleResult(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	a, valid := h.verifySignedBody(r, body)
	if !valid {
		writeError(w, http.StatusUnauthorized, "signature_invalid")
		return
	}

	var result coordtypes.SubtaskResult
	if err := json.Unmarshal(body, &result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	if result.ResultEnvelope != nil && h.deps.Envelope != nil {
		plaintext, err := h.deps.Envelope.Open(result.SubtaskID, result.ResultEnvelope)
		if err != nil {
			writeError(w, http.StatusBadRequest, "result_envelope_invalid")
			return
		}
		result.Output = string(plaintext)
	}

	if _, err := h.deps.Queue.Complete(result.SubtaskID); err != nil && err != queue.ErrSubtaskNotFound {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	completeRec, err := h.deps.Chain.Append(taskCompleteEvent(result.TaskID, result.SubtaskID, a.AgentID, h.deps.SelfPeerID))
	if err != nil {
		h.deps.Logger.Printf("append task_complete failed: %v", err)
	} else if h.deps.Stats != nil {
		if err := h.deps.Stats.IngestLocal(r.Context(), completeRec); err != nil {
			h.deps.Logger.Printf("stats ingest task_complete failed: %v", err)
		}
	}
	if result.OK {
		earningsRec, err := h.deps.Chain.Append(earningsAccrualEvent(result.TaskID, result.SubtaskID, a.AgentID, h.deps.SelfPeerID))
		if err != nil {
			h.deps.Logger.Printf("append earnings_accrual failed: %v", err)
		} else if h.deps.Stats != nil {
			if err := h.deps.Stats.IngestLocal(r.Context(), earningsRec); err != nil {
				h.deps.Logger.Printf("stats ingest earnings_accrual failed: %v", err)
			}
			credits := float64(result.DurationMs) / 1000.0
			if err := h.deps.Stats.ApplyProjections(r.Context(), earningsRec, "", a.OwnerEmail, false, false, a.OwnerEmail, credits); err != nil {
				h.deps.Logger.Printf("stats project earnings_accrual failed: %v", err)
			}
		}
	}

	released := h.deps.DepTracker.RecordCompletionAndRelease(result.SubtaskID, enqueueAdapter(h.deps.Queue))
	if len(released) > 0 {
		h.deps.Logger.Printf("released %d subtasks after %s completed", len(released), result.SubtaskID)
	}

	if h.deps.taskOrigins != nil {
		if originID, ok := h.deps.taskOrigins.originOf(result.SubtaskID); ok {
			h.deps.Logger.Printf("completed %s on behalf of gossip origin %s", result.SubtaskID, originID)
		}
	}

	h.deps.Mesh.Broadcast(coordtypes.MeshResultAnnounce, map[string]string{"subtaskId": result.SubtaskID})

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleDiagnostics implements POST /agent/diagnostics.
func (h *agentHandlers) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := readJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	h.deps.Logger.Printf("agent diagnostics: %v", payload)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func registryPolicyFor(a coordtypes.Agent) map[string]interface{} {
	max := a.MaxConcurrentTasks
	if max == 0 {
		max = 1
	}
	return map[string]interface{}{"maxConcurrentTasks": max}
}
