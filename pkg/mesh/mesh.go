// Copyright 2025 Certen Protocol
//
// Mesh protocol & gossip (C7): signed envelope, peer table, broadcast over
// HTTP POST and WebSocket push. Structure follows the teacher's
// HTTPPeerManager (RWMutex-guarded peer map keyed by peer id, HTTP client with
// a fixed timeout, per-component logger).

package mesh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
)

var (
	ErrPeerUnknown      = errors.New("peer_unknown")
	ErrMessageExpired   = errors.New("mesh_message_expired")
	ErrSignatureInvalid = errors.New("signature_invalid")
	ErrPeerRateLimited  = errors.New("peer_rate_limited")
)

const (
	scoreCapMax     = 200
	scoreGoodDelta  = 1
	scoreBadSigDrop = 5
	scoreRateDrop   = 10
)

// Peer is a mesh peer table entry, tracking both identity and local scoring.
type Peer struct {
	Identity  coordtypes.PeerIdentity
	Score     int
	LastSeen  time.Time
	socket    *websocket.Conn
	socketMu  sync.Mutex
}

// Handler processes one validated, type-specific gossip payload.
type Handler func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error

// Mesh owns the peer table, WebSocket connections, and per-peer rate
// limiting, and dispatches validated messages to registered handlers.
type Mesh struct {
	selfPeerID string
	keys       *identity.KeyPair
	rateLimit  int // messages per 10s window, per peer

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[coordtypes.MeshMessageType]Handler

	rlMu     sync.Mutex
	rlWindow map[string][]time.Time

	httpClient *http.Client
	logger     *log.Logger
	nowFn      func() time.Time
}

// New creates a Mesh for selfPeerID, signing outbound envelopes with keys.
func New(selfPeerID string, keys *identity.KeyPair, rateLimitPer10s int) *Mesh {
	return &Mesh{
		selfPeerID: selfPeerID,
		keys:       keys,
		rateLimit:  rateLimitPer10s,
		peers:      make(map[string]*Peer),
		handlers:   make(map[coordtypes.MeshMessageType]Handler),
		rlWindow:   make(map[string][]time.Time),
		httpClient: &http.Client{Timeout: 8 * time.Second},
		logger:     log.New(log.Writer(), "[Mesh] ", log.LstdFlags),
		nowFn:      time.Now,
	}
}

// RegisterHandler wires a gossip-type handler, called after validation
// passes.
func (m *Mesh) RegisterHandler(t coordtypes.MeshMessageType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// AddPeer inserts or updates a peer's identity in the table.
func (m *Mesh) AddPeer(id coordtypes.PeerIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id.PeerID]; ok {
		p.Identity = id
		return
	}
	m.peers[id.PeerID] = &Peer{Identity: id, Score: 100, LastSeen: m.nowFn()}
}

// AttachSocket registers a live WebSocket connection for a peer so
// broadcast can push to it directly.
func (m *Mesh) AttachSocket(peerID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		p = &Peer{Identity: coordtypes.PeerIdentity{PeerID: peerID}, Score: 100, LastSeen: m.nowFn()}
		m.peers[peerID] = p
	}
	p.socketMu.Lock()
	p.socket = conn
	p.socketMu.Unlock()
}

// DetachSocket removes a peer's live WebSocket; the next peer-exchange cycle
// re-advertises it if still reachable by HTTP.
func (m *Mesh) DetachSocket(peerID string) {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.socketMu.Lock()
	p.socket = nil
	p.socketMu.Unlock()
}

// Peers returns a snapshot of the peer table.
func (m *Mesh) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, Peer{Identity: p.Identity, Score: p.Score, LastSeen: p.LastSeen})
	}
	return out
}

// Get returns a peer's identity by id.
func (m *Mesh) Get(peerID string) (coordtypes.PeerIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return coordtypes.PeerIdentity{}, false
	}
	return p.Identity, true
}

// canonicalSignable renders the fields that are covered by the envelope
// signature as deterministic JSON. Envelope fields are emitted in
// MeshMessage's declaration order, which is the same on every node. The
// payload is first round-tripped through a generic JSON value, so its
// object keys are emitted sorted, exactly as a receiver re-marshals the
// map[string]interface{} it decodes from the wire; sender and receiver
// therefore sign and verify the same bytes.
func canonicalSignable(msg coordtypes.MeshMessage) ([]byte, error) {
	unsigned := msg
	unsigned.Signature = ""
	if unsigned.Payload != nil {
		raw, err := json.Marshal(unsigned.Payload)
		if err != nil {
			return nil, err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		unsigned.Payload = generic
	}
	return json.Marshal(unsigned)
}

// Sign produces a fully-populated, signed envelope for payload under type t.
func (m *Mesh) Sign(t coordtypes.MeshMessageType, payload interface{}) (coordtypes.MeshMessage, error) {
	msg := coordtypes.MeshMessage{
		ID:         fmt.Sprintf("msg-%d", m.nowFn().UnixNano()),
		Type:       t,
		FromPeerID: m.selfPeerID,
		IssuedAtMs: coordtypes.NowMs(),
		TTLMs:      coordtypes.DefaultMeshTTLMs,
		Payload:    payload,
	}
	b, err := canonicalSignable(msg)
	if err != nil {
		return coordtypes.MeshMessage{}, err
	}
	msg.Signature = identity.SignPayloadHex(m.keys.PrivateKey, b)
	return msg, nil
}

// allowsUnknownOrigin reports whether a gossip type is an introduction
// mechanism exempt from the known-peer requirement.
func allowsUnknownOrigin(t coordtypes.MeshMessageType) bool {
	return t == coordtypes.MeshPeerExchange || t == coordtypes.MeshCapabilityAnnounce
}

// checkRateLimit applies the per-peer sliding 10s window, evicting expired
// timestamps first.
func (m *Mesh) checkRateLimit(peerID string) bool {
	m.rlMu.Lock()
	defer m.rlMu.Unlock()

	now := m.nowFn()
	cutoff := now.Add(-10 * time.Second)
	window := m.rlWindow[peerID]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= m.rateLimit {
		m.rlWindow[peerID] = kept
		return false
	}
	m.rlWindow[peerID] = append(kept, now)
	return true
}

func (m *Mesh) adjustScore(peerID string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	p.Score += delta
	if p.Score > scoreCapMax {
		p.Score = scoreCapMax
	}
	if p.Score < 0 {
		p.Score = 0
	}
}

// Ingest validates and dispatches a received envelope: TTL check, peer
// lookup, signature verification, rate limit, then the type handler.
func (m *Mesh) Ingest(msg coordtypes.MeshMessage) error {
	now := coordtypes.NowMs()
	if now-msg.IssuedAtMs > msg.TTLMs {
		return ErrMessageExpired
	}

	m.mu.RLock()
	peer, known := m.peers[msg.FromPeerID]
	m.mu.RUnlock()

	if !known && !allowsUnknownOrigin(msg.Type) {
		return ErrPeerUnknown
	}

	if known {
		pub, err := identity.ParsePublicKeyPEM(peer.Identity.PublicKey)
		var b []byte
		if err == nil {
			b, err = canonicalSignable(msg)
		}
		if err != nil || !identity.VerifyPayloadHex(pub, b, msg.Signature) {
			m.adjustScore(msg.FromPeerID, -scoreBadSigDrop)
			return ErrSignatureInvalid
		}
		if !m.checkRateLimit(msg.FromPeerID) {
			m.adjustScore(msg.FromPeerID, -scoreRateDrop)
			return ErrPeerRateLimited
		}
		m.adjustScore(msg.FromPeerID, scoreGoodDelta)
	}

	m.mu.RLock()
	handler, ok := m.handlers[msg.Type]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	var fromIdentity coordtypes.PeerIdentity
	if known {
		fromIdentity = peer.Identity
	} else {
		fromIdentity = coordtypes.PeerIdentity{PeerID: msg.FromPeerID}
	}
	return handler(fromIdentity, msg)
}

// Broadcast signs payload as type t and fan-outs fire-and-forget to every
// peer: WebSocket push if live, otherwise HTTP POST to /mesh/ingest.
func (m *Mesh) Broadcast(t coordtypes.MeshMessageType, payload interface{}) {
	msg, err := m.Sign(t, payload)
	if err != nil {
		m.logger.Printf("broadcast sign failed: %v", err)
		return
	}

	m.mu.RLock()
	targets := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		targets = append(targets, p)
	}
	m.mu.RUnlock()

	for _, p := range targets {
		go m.send(p, msg)
	}
}

func (m *Mesh) send(p *Peer, msg coordtypes.MeshMessage) {
	p.socketMu.Lock()
	sock := p.socket
	p.socketMu.Unlock()

	if sock != nil {
		b, err := json.Marshal(msg)
		if err == nil {
			p.socketMu.Lock()
			err = sock.WriteMessage(websocket.TextMessage, b)
			p.socketMu.Unlock()
			if err == nil {
				return
			}
		}
		m.logger.Printf("websocket push to %s failed, falling back to HTTP: %v", p.Identity.PeerID, err)
	}

	if p.Identity.CoordinatorURL == "" {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Identity.CoordinatorURL+"/mesh/ingest", bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Printf("ingest POST to %s failed: %v", p.Identity.PeerID, err)
		return
	}
	resp.Body.Close()
}

// Sha256Hex is a small helper used by handlers that need to hash payloads
// (e.g. checkpoint hashing) without importing crypto/sha256 directly.
func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
