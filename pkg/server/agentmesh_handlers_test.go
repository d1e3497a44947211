// Copyright 2025 Certen Protocol
//
// Unit tests for agent-mesh handlers: tunnel connect/accept/relay/close and
// direct-work offer/accept/result over HTTP.

package server

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/certen/coordinator/pkg/agentmesh"
	"github.com/certen/coordinator/pkg/security"
)

func newTestAgentMeshHandlers(t *testing.T) *agentMeshHandlers {
	t.Helper()
	deps := &Deps{
		AgentMesh: agentmesh.New(),
		Limiters:  security.NewLimiters(100, 10000, 100, 100, 100),
		Logger:    log.New(log.Writer(), "[Test] ", log.LstdFlags),
	}
	return &agentMeshHandlers{deps: deps}
}

func postJSON(h http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestAgentMesh_TunnelLifecycleOverHTTP(t *testing.T) {
	h := newTestAgentMeshHandlers(t)

	rr := postJSON(h.handleConnect, "/agent-mesh/connect", connectRequest{FromAgentID: "a", ToAgentID: "b"})
	if rr.Code != http.StatusOK {
		t.Fatalf("connect status = %d", rr.Code)
	}
	var tun agentmesh.Tunnel
	if err := json.NewDecoder(rr.Body).Decode(&tun); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rr = postJSON(h.handleAccept, "/agent-mesh/accept", tunnelIDRequest{TunnelID: tun.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("accept status = %d", rr.Code)
	}

	rr = postJSON(h.handleRelay, "/agent-mesh/relay", map[string]string{"tunnelId": tun.ID, "agentId": "a"})
	if rr.Code != http.StatusOK {
		t.Fatalf("relay status = %d", rr.Code)
	}

	rr = postJSON(h.handleClose, "/agent-mesh/close", map[string]string{"tunnelId": tun.ID, "agentId": "a"})
	if rr.Code != http.StatusOK {
		t.Fatalf("close status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/agent-mesh/peers/b", nil)
	rr = httptest.NewRecorder()
	h.handlePeersOf(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("peersOf status = %d", rr.Code)
	}
}

func TestAgentMesh_DirectWorkOfferRejectsResultBeforeAccept(t *testing.T) {
	h := newTestAgentMeshHandlers(t)

	rr := postJSON(h.handleDirectWorkOffer, "/agent-mesh/direct-work/offer", directWorkOfferRequest{
		FromAgentID: "a", ToAgentID: "b",
	})
	var o agentmesh.DirectWorkOffer
	if err := json.NewDecoder(rr.Body).Decode(&o); err != nil {
		t.Fatalf("decode offer: %v", err)
	}

	rr = postJSON(h.handleDirectWorkResult, "/agent-mesh/direct-work/result", map[string]interface{}{
		"offerId": o.ID,
		"result":  map[string]interface{}{"subtaskId": "st-1", "ok": true},
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("result before accept status = %d, want 409", rr.Code)
	}

	rr = postJSON(h.handleDirectWorkAccept, "/agent-mesh/direct-work/accept", map[string]string{"offerId": o.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("accept status = %d", rr.Code)
	}

	rr = postJSON(h.handleDirectWorkResult, "/agent-mesh/direct-work/result", map[string]interface{}{
		"offerId": o.ID,
		"result":  map[string]interface{}{"subtaskId": "st-1", "ok": true},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("result after accept status = %d", rr.Code)
	}
}
