// Copyright 2025 Certen Protocol
//
// Mesh surface: self identity, peer table, peer registration, gossip
// ingest over HTTP, and the WebSocket push channel.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
	"github.com/certen/coordinator/pkg/mesh"
)

type meshHandlers struct {
	deps *Deps
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleIdentity implements GET /identity: this coordinator's own peer
// identity, used by peers during bootstrap.
func (h *meshHandlers) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, coordtypes.PeerIdentity{
		PeerID:         h.deps.SelfPeerID,
		PublicKey:      identity.PublicKeyPEM(h.deps.Keys.PublicKey),
		CoordinatorURL: h.deps.SelfURL,
		NetworkMode:    coordtypes.NetworkPublic,
		Role:           coordtypes.RoleCoordinator,
	})
}

// handlePeers implements GET /mesh/peers: a snapshot of the peer table.
func (h *meshHandlers) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := h.deps.Mesh.Peers()
	out := make([]map[string]interface{}, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]interface{}{
			"identity": p.Identity,
			"score":    p.Score,
			"lastSeen": p.LastSeen.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": out})
}

// handleRegisterPeer implements POST /mesh/register-peer: mutual
// introduction during bootstrap.
func (h *meshHandlers) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var ident coordtypes.PeerIdentity
	if err := readJSON(r, &ident); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	h.deps.Mesh.AddPeer(ident)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleIngest implements POST /mesh/ingest: a gossip envelope pushed over
// plain HTTP by a peer without a live WebSocket.
func (h *meshHandlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	var msg coordtypes.MeshMessage
	if err := readJSON(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	if err := h.deps.Mesh.Ingest(msg); err != nil {
		switch err {
		case mesh.ErrMessageExpired:
			writeError(w, http.StatusBadRequest, "mesh_message_expired")
		case mesh.ErrPeerUnknown:
			writeError(w, http.StatusForbidden, "peer_unknown")
		case mesh.ErrSignatureInvalid:
			writeError(w, http.StatusForbidden, "signature_invalid")
		case mesh.ErrPeerRateLimited:
			writeError(w, http.StatusTooManyRequests, "peer_rate_limited")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWebSocket implements GET /mesh/ws: upgrades to a persistent
// connection a peer can use instead of repeated /mesh/ingest POSTs.
func (h *meshHandlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Printf("websocket upgrade from %s failed: %v", peerID, err)
		return
	}

	h.deps.Mesh.AttachSocket(peerID, conn)
	defer h.deps.Mesh.DetachSocket(peerID)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg coordtypes.MeshMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if err := h.deps.Mesh.Ingest(msg); err != nil {
			h.deps.Logger.Printf("websocket ingest from %s failed: %v", peerID, err)
		}
	}
}

