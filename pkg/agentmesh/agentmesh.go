// Copyright 2025 Certen Protocol
//
// Agent-to-agent connectivity: tunnels (NAT-traversal relay sessions between
// two agents) and direct-work offers (one agent assigning a subtask straight
// to another, bypassing the queue). Both are ephemeral records with their
// own per-agent rate-limit windows, following the registry's RWMutex-guarded
// map convention rather than per-field locking.

package agentmesh

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/certen/coordinator/pkg/coordtypes"
)

var (
	ErrTunnelNotFound       = errors.New("tunnel_not_found")
	ErrOfferNotAvailable    = errors.New("offer_not_available")
	ErrOfferNotAccepted     = errors.New("offer_not_accepted")
	ErrRelayRateLimited     = errors.New("relay_rate_limited")
	ErrTunnelRelayCapped    = errors.New("tunnel_relay_cap_reached")
	ErrDirectWorkRateLimited = errors.New("direct_work_offer_rate_limited")
)

// TunnelStatus tracks a relay session's lifecycle.
type TunnelStatus string

const (
	TunnelConnecting TunnelStatus = "connecting"
	TunnelOpen       TunnelStatus = "open"
	TunnelClosed     TunnelStatus = "closed"
)

// Tunnel is a relay session between two agents, brokered by this coordinator.
type Tunnel struct {
	ID           string       `json:"id"`
	FromAgentID  string       `json:"fromAgentId"`
	ToAgentID    string       `json:"toAgentId"`
	Status       TunnelStatus `json:"status"`
	RelayCount   int          `json:"relayCount"`
	CreatedAtMs  int64        `json:"createdAtMs"`
	LastRelayMs  int64        `json:"lastRelayMs"`
}

// OfferStatus tracks a direct-work offer's lifecycle.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferResulted OfferStatus = "resulted"
	OfferExpired  OfferStatus = "expired"
)

// DirectWorkOffer is a subtask offered by one agent straight to another.
type DirectWorkOffer struct {
	ID          string      `json:"id"`
	FromAgentID string      `json:"fromAgentId"`
	ToAgentID   string      `json:"toAgentId"`
	Subtask     coordtypes.Subtask `json:"subtask"`
	Status      OfferStatus `json:"status"`
	Result      *coordtypes.SubtaskResult `json:"result,omitempty"`
	CreatedAtMs int64       `json:"createdAtMs"`
}

// ModelRequest is a request from one agent for a peer agent to load a model,
// tracked so the requester can poll for the outcome.
type ModelRequest struct {
	ID          string `json:"id"`
	FromAgentID string `json:"fromAgentId"`
	ToAgentID   string `json:"toAgentId"`
	Model       string `json:"model"`
	Status      string `json:"status"` // pending, accepted, declined
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Registry holds tunnels, direct-work offers, and model requests: an
// RWMutex-guarded set of maps, matching pkg/registry's peer-table idiom.
type Registry struct {
	mu      sync.RWMutex
	seq     int
	tunnels map[string]*Tunnel
	offers  map[string]*DirectWorkOffer
	models  map[string]*ModelRequest

	// pending invites/notices/offers queued for delivery on the recipient's
	// next heartbeat, keyed by agentId.
	invites      map[string][]string
	closeNotices map[string][]string
	workOffers   map[string][]string
}

// New creates an empty agent-mesh registry.
func New() *Registry {
	return &Registry{
		tunnels:      make(map[string]*Tunnel),
		offers:       make(map[string]*DirectWorkOffer),
		models:       make(map[string]*ModelRequest),
		invites:      make(map[string][]string),
		closeNotices: make(map[string][]string),
		workOffers:   make(map[string][]string),
	}
}

func (r *Registry) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

// Connect opens a tunnel request from one agent to another and queues an
// invite for delivery to the target on its next heartbeat.
func (r *Registry) Connect(fromAgentID, toAgentID string, nowMs int64) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Tunnel{
		ID:          r.nextID("tun"),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Status:      TunnelConnecting,
		CreatedAtMs: nowMs,
		LastRelayMs: nowMs,
	}
	r.tunnels[t.ID] = t
	r.invites[toAgentID] = append(r.invites[toAgentID], t.ID)
	return t
}

// Accept transitions a tunnel to open once the target agent has accepted.
func (r *Registry) Accept(tunnelID string, nowMs int64) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[tunnelID]
	if !ok {
		return nil, ErrTunnelNotFound
	}
	t.Status = TunnelOpen
	t.LastRelayMs = nowMs
	return t, nil
}

// Relay records a relayed frame on an open tunnel, bumping its idle clock.
// Rate limiting (per-agent, per-tunnel) is the caller's responsibility since
// it depends on the shared security.Limiters instance.
func (r *Registry) Relay(tunnelID string, nowMs int64) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[tunnelID]
	if !ok {
		return nil, ErrTunnelNotFound
	}
	if t.Status != TunnelOpen {
		return nil, ErrTunnelNotFound
	}
	t.RelayCount++
	t.LastRelayMs = nowMs
	return t, nil
}

// Close marks a tunnel closed and queues a close notice for the peer.
func (r *Registry) Close(tunnelID string, initiatorAgentID string, nowMs int64) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[tunnelID]
	if !ok {
		return nil, ErrTunnelNotFound
	}
	t.Status = TunnelClosed
	t.LastRelayMs = nowMs

	peer := t.ToAgentID
	if initiatorAgentID == t.ToAgentID {
		peer = t.FromAgentID
	}
	r.closeNotices[peer] = append(r.closeNotices[peer], tunnelID)
	return t, nil
}

// CloseAck acknowledges delivery of a close notice; a no-op beyond lookup
// since the tunnel record is retained (not deleted) until GC.
func (r *Registry) CloseAck(tunnelID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tunnels[tunnelID]; !ok {
		return ErrTunnelNotFound
	}
	return nil
}

// GC removes tunnels that have been closed, or idle past idleTTLMs, for more
// than idleTTLMs. Intended to run on the 15s tunnel-GC background loop.
func (r *Registry) GC(nowMs, idleTTLMs int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tunnels {
		if nowMs-t.LastRelayMs > idleTTLMs {
			delete(r.tunnels, id)
			removed++
		}
	}
	return removed
}

// PeersOf returns copies of the tunnels an agent currently participates in, for
// GET /agent-mesh/peers/:agentId.
func (r *Registry) PeersOf(agentID string) []Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tunnel
	for _, t := range r.tunnels {
		if t.FromAgentID == agentID || t.ToAgentID == agentID {
			out = append(out, *t)
		}
	}
	return out
}

// DrainInvites returns and clears pending tunnel invites for an agent,
// called when building its heartbeat response.
func (r *Registry) DrainInvites(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.invites[agentID]
	delete(r.invites, agentID)
	return out
}

// DrainCloseNotices returns and clears pending tunnel close notices.
func (r *Registry) DrainCloseNotices(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.closeNotices[agentID]
	delete(r.closeNotices, agentID)
	return out
}

// OfferDirectWork records a subtask offered directly to another agent and
// queues a notice for its heartbeat.
func (r *Registry) OfferDirectWork(fromAgentID, toAgentID string, st coordtypes.Subtask, nowMs int64) *DirectWorkOffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := &DirectWorkOffer{
		ID:          r.nextID("dwo"),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Subtask:     st,
		Status:      OfferPending,
		CreatedAtMs: nowMs,
	}
	r.offers[o.ID] = o
	r.workOffers[toAgentID] = append(r.workOffers[toAgentID], o.ID)
	return o
}

// AcceptDirectWork transitions a pending offer to accepted.
func (r *Registry) AcceptDirectWork(offerID string) (*DirectWorkOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[offerID]
	if !ok {
		return nil, ErrOfferNotAvailable
	}
	if o.Status != OfferPending {
		return nil, ErrOfferNotAvailable
	}
	o.Status = OfferAccepted
	return o, nil
}

// ResultDirectWork records the outcome of an accepted offer.
func (r *Registry) ResultDirectWork(offerID string, result coordtypes.SubtaskResult) (*DirectWorkOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[offerID]
	if !ok {
		return nil, ErrOfferNotAvailable
	}
	if o.Status != OfferAccepted {
		return nil, ErrOfferNotAccepted
	}
	o.Status = OfferResulted
	o.Result = &result
	return o, nil
}

// Audit returns every direct-work offer, newest first, for the operator
// audit endpoint.
func (r *Registry) Audit() []DirectWorkOffer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DirectWorkOffer, 0, len(r.offers))
	for _, o := range r.offers {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs > out[j].CreatedAtMs })
	return out
}

// DrainWorkOffers returns and clears pending direct-work offer IDs for an
// agent's heartbeat response.
func (r *Registry) DrainWorkOffers(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.workOffers[agentID]
	delete(r.workOffers, agentID)
	return out
}

// RequestModel records a cross-agent model-load request.
func (r *Registry) RequestModel(fromAgentID, toAgentID, model string, nowMs int64) *ModelRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	mr := &ModelRequest{
		ID:          r.nextID("mreq"),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Model:       model,
		Status:      "pending",
		CreatedAtMs: nowMs,
	}
	r.models[mr.ID] = mr
	return mr
}

// GetModelRequest looks up a model request by offer ID.
func (r *Registry) GetModelRequest(id string) (ModelRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mr, ok := r.models[id]
	if !ok {
		return ModelRequest{}, false
	}
	return *mr, true
}
