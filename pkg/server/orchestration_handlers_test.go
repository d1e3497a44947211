// Copyright 2025 Certen Protocol

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/certen/coordinator/pkg/orchestration"
)

func newTestOrchestrationHandlers(t *testing.T) *orchestrationHandlers {
	t.Helper()
	deps := &Deps{
		Orchestration: orchestration.New(),
		Logger:        log.New(log.Writer(), "[Test] ", log.LstdFlags),
	}
	return &orchestrationHandlers{deps: deps}
}

func TestOrchestration_AgentInstallStatusAckOverHTTP(t *testing.T) {
	h := newTestOrchestrationHandlers(t)

	rr := postJSON(h.handleAgentRoute, "/orchestration/agents/agent-a/ollama-install", ollamaInstallRequest{
		Host: "localhost:11434", Model: "codellama", AutoInstall: true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("install status = %d", rr.Code)
	}

	rr = postJSON(h.handleAgentRoute, "/orchestration/agents/agent-a/status", map[string]string{
		"status": string(orchestration.TargetInstalled),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status report status = %d", rr.Code)
	}

	rr = postJSON(h.handleAgentRoute, "/orchestration/agents/agent-a/ack", map[string]string{})
	if rr.Code != http.StatusOK {
		t.Fatalf("ack status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/orchestration/rollouts", nil)
	rrr := httptest.NewRecorder()
	h.handleRollouts(rrr, req)
	var body map[string]interface{}
	if err := json.NewDecoder(rrr.Body).Decode(&body); err != nil {
		t.Fatalf("decode rollouts: %v", err)
	}
	rollouts, ok := body["rollouts"].([]interface{})
	if !ok || len(rollouts) != 1 {
		t.Fatalf("rollouts = %v", body)
	}
}

func TestOrchestration_UnknownAgentStatusReturns404(t *testing.T) {
	h := newTestOrchestrationHandlers(t)
	rr := postJSON(h.handleAgentRoute, "/orchestration/agents/never-installed/status", map[string]string{
		"status": string(orchestration.TargetFailed),
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
