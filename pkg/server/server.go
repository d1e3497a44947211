// Copyright 2025 Certen Protocol
//
// Request router (C11): the HTTP/WS surface tying the queue, registry,
// mesh, ledgers, and anchor coordinator together. No router library is
// used — routes are registered on a plain http.ServeMux with a
// handler-group-per-file layout, matching the teacher's convention.

package server

import (
	"log"
	"net/http"

	"github.com/certen/coordinator/pkg/agentmesh"
	"github.com/certen/coordinator/pkg/anchorcoord"
	"github.com/certen/coordinator/pkg/deptracker"
	"github.com/certen/coordinator/pkg/economy"
	"github.com/certen/coordinator/pkg/identity"
	"github.com/certen/coordinator/pkg/inference"
	"github.com/certen/coordinator/pkg/mesh"
	"github.com/certen/coordinator/pkg/metrics"
	"github.com/certen/coordinator/pkg/orchestration"
	"github.com/certen/coordinator/pkg/orderingchain"
	"github.com/certen/coordinator/pkg/queue"
	"github.com/certen/coordinator/pkg/quorum"
	"github.com/certen/coordinator/pkg/registry"
	"github.com/certen/coordinator/pkg/security"
	"github.com/certen/coordinator/pkg/statsledger"
)

// Deps bundles every component the router dispatches into.
type Deps struct {
	Keys          *identity.KeyPair
	SelfPeerID    string
	SelfURL       string
	MeshAuthToken string

	Queue      *queue.Queue
	DepTracker *deptracker.Tracker
	Registry   *registry.Registry
	Mesh       *mesh.Mesh
	Blacklist  *mesh.BlacklistChain
	Chain      *orderingchain.Chain
	Stats      *statsledger.Ledger
	Quorum     *quorum.Ledger
	Anchor     *anchorcoord.Coordinator
	Verifier   *security.Verifier
	Limiters   *security.Limiters
	Metrics    *metrics.Metrics
	Inference  *inference.Client
	Envelope   *identity.EnvelopeCache
	Economy    *economy.Ledger
	AgentMesh     *agentmesh.Registry
	Orchestration *orchestration.Manager

	Logger *log.Logger

	// taskOrigins and capabilities track gossip-learned state that has no
	// other natural home; initialized by NewRouter, not by callers.
	taskOrigins  *taskOriginTracker
	capabilities *capabilityStore
}

// Router owns the ServeMux and every handler group.
type Router struct {
	mux  *http.ServeMux
	deps *Deps
}

// NewRouter builds the full route table.
func NewRouter(deps *Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[Server] ", log.LstdFlags)
	}
	deps.taskOrigins = newTaskOriginTracker()
	deps.capabilities = newCapabilityStore()
	r := &Router{mux: http.NewServeMux(), deps: deps}

	if deps.Mesh != nil {
		registerGossipHandlers(deps)
	}

	agent := &agentHandlers{deps: deps}
	submit := &submitHandlers{deps: deps}
	meshH := &meshHandlers{deps: deps}
	statsH := &statsHandlers{deps: deps}
	ledgerH := &ledgerHandlers{deps: deps}
	securityH := &securityHandlers{deps: deps}
	statusH := &statusHandlers{deps: deps}
	economyH := &economyHandlers{deps: deps}
	agentMeshH := &agentMeshHandlers{deps: deps}
	orchestrationH := &orchestrationHandlers{deps: deps}

	r.mux.HandleFunc("/register", r.wrap(agent.handleRegister, authNone))
	r.mux.HandleFunc("/heartbeat", r.wrap(agent.handleHeartbeat, authSigned))
	r.mux.HandleFunc("/pull", r.wrap(agent.handlePull, authSigned))
	r.mux.HandleFunc("/result", r.wrap(agent.handleResult, authSigned))
	r.mux.HandleFunc("/agent/diagnostics", r.wrap(agent.handleDiagnostics, authMesh))

	r.mux.HandleFunc("/submit", r.wrap(submit.handleSubmit, authMesh))

	r.mux.HandleFunc("/identity", r.wrap(meshH.handleIdentity, authNone))
	r.mux.HandleFunc("/mesh/peers", r.wrap(meshH.handlePeers, authMesh))
	r.mux.HandleFunc("/mesh/register-peer", r.wrap(meshH.handleRegisterPeer, authMesh))
	r.mux.HandleFunc("/mesh/ingest", r.wrap(meshH.handleIngest, authMesh))
	r.mux.HandleFunc("/mesh/ws", meshH.handleWebSocket)

	r.mux.HandleFunc("/stats/ledger/head", r.wrap(statsH.handleHead, authMesh))
	r.mux.HandleFunc("/stats/ledger/range", r.wrap(statsH.handleRange, authMesh))
	r.mux.HandleFunc("/stats/ledger/ingest", r.wrap(statsH.handleIngest, authMesh))
	r.mux.HandleFunc("/stats/anchors/anchor-latest", r.wrap(statsH.handleAnchorLatest, authMesh))
	r.mux.HandleFunc("/stats/anchors/verify", r.wrap(statsH.handleAnchorVerify, authMesh))

	r.mux.HandleFunc("/ledger/snapshot", r.wrap(ledgerH.handleSnapshot, authMesh))
	r.mux.HandleFunc("/ledger/verify", r.wrap(ledgerH.handleVerify, authMesh))

	r.mux.HandleFunc("/security/blacklist", r.wrap(securityH.handleBlacklist, authMesh))
	r.mux.HandleFunc("/security/blacklist/audit", r.wrap(securityH.handleBlacklistAudit, authMesh))

	r.mux.HandleFunc("/capacity", r.wrap(statusH.handleCapacity, authMesh))
	r.mux.HandleFunc("/status", r.wrap(statusH.handleStatus, authMesh))
	r.mux.HandleFunc("/features", r.wrap(statusH.handleFeatures, authMesh))
	r.mux.HandleFunc("/models/available", r.wrap(statusH.handleModelsAvailable, authMesh))

	r.mux.HandleFunc("/economy/payments/intents", r.wrap(economyH.handleIntents, authMesh))
	r.mux.HandleFunc("/economy/payments/intents/", r.wrap(economyH.handleIntentConfirm, authMesh))

	r.mux.HandleFunc("/agent-mesh/peers/", r.wrap(agentMeshH.handlePeersOf, authMesh))
	r.mux.HandleFunc("/agent-mesh/connect", r.wrap(agentMeshH.handleConnect, authMesh))
	r.mux.HandleFunc("/agent-mesh/accept", r.wrap(agentMeshH.handleAccept, authMesh))
	r.mux.HandleFunc("/agent-mesh/relay", r.wrap(agentMeshH.handleRelay, authMesh))
	r.mux.HandleFunc("/agent-mesh/close", r.wrap(agentMeshH.handleClose, authMesh))
	r.mux.HandleFunc("/agent-mesh/close-ack", r.wrap(agentMeshH.handleCloseAck, authMesh))
	r.mux.HandleFunc("/agent-mesh/direct-work/offer", r.wrap(agentMeshH.handleDirectWorkOffer, authMesh))
	r.mux.HandleFunc("/agent-mesh/direct-work/accept", r.wrap(agentMeshH.handleDirectWorkAccept, authMesh))
	r.mux.HandleFunc("/agent-mesh/direct-work/result", r.wrap(agentMeshH.handleDirectWorkResult, authMesh))
	r.mux.HandleFunc("/agent-mesh/direct-work/audit", r.wrap(agentMeshH.handleDirectWorkAudit, authMesh))
	r.mux.HandleFunc("/agent-mesh/models/request", r.wrap(agentMeshH.handleModelRequest, authMesh))
	r.mux.HandleFunc("/agent-mesh/models/request/", r.wrap(agentMeshH.handleModelRequestStatus, authMesh))

	r.mux.HandleFunc("/orchestration/coordinator/ollama-install", r.wrap(orchestrationH.handleCoordinatorInstall, authMesh))
	r.mux.HandleFunc("/orchestration/agents/", r.wrap(orchestrationH.handleAgentRoute, authMesh))
	r.mux.HandleFunc("/orchestration/rollouts", r.wrap(orchestrationH.handleRollouts, authMesh))

	r.mux.Handle("/metrics", metrics.Handler())

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

type authMode int

const (
	authNone authMode = iota
	authMesh
	authSigned
)

// wrap checks the mesh token for authMesh and authSigned routes before
// delegating to the handler, per §4.11. Signed-request verification for
// authSigned routes is done inside the handlers (verifySignedBody).
func (r *Router) wrap(h http.HandlerFunc, mode authMode) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if mode == authNone {
			h(w, req)
			return
		}

		if mode == authMesh || mode == authSigned {
			token := req.Header.Get("meshToken")
			if !security.ConstantTimeCompare(token, r.deps.MeshAuthToken) {
				writeError(w, http.StatusUnauthorized, "mesh_unauthorized")
				return
			}
		}

		h(w, req)
	}
}
