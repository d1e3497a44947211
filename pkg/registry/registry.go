// Copyright 2025 Certen Protocol
//
// Agent registry (C6): capabilities, power/sandbox state, liveness, and the
// blacklist gate. Each agent is a concurrent map entry; the registry itself
// is an RWMutex-guarded map following the teacher's peer-table convention.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/certen/coordinator/pkg/coordtypes"
)

var (
	ErrAgentNotFound      = fmt.Errorf("agent_not_found")
	ErrNodeNotActivated   = fmt.Errorf("node_not_activated")
	ErrAgentBlacklisted   = fmt.Errorf("agent_blacklisted")
)

// PowerDecision is returned by the power policy gate and consumed by /pull.
type PowerDecision struct {
	AllowCoordinatorTasks bool
	AllowSmallTasksOnly   bool
	DeferMs               int64
	Reason                string
}

// Policy is the per-agent execution policy returned on registration.
type Policy struct {
	MaxConcurrentTasks int      `json:"maxConcurrentTasks"`
	AllowedLanguages   []string `json:"allowedLanguages,omitempty"`
}

// BlacklistChecker reports whether an agent is currently blacklisted,
// implemented by pkg/mesh's blacklist chain.
type BlacklistChecker interface {
	IsBlacklisted(agentID string) bool
}

// PortalClient validates node registrations against the external portal
// service.
type PortalClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewPortalClient builds a client with the 5s timeout the spec mandates for
// portal validation calls.
func NewPortalClient(baseURL, token string) *PortalClient {
	return &PortalClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// ValidateNode calls the portal's validateNode endpoint. If PortalClient has
// no BaseURL configured, validation always succeeds (portal disabled).
func (p *PortalClient) ValidateNode(ctx context.Context, agentID, registrationToken string) (bool, error) {
	if p.BaseURL == "" {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/validateNode", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	q := req.URL.Query()
	q.Set("agentId", agentID)
	q.Set("registrationToken", registrationToken)
	req.URL.RawQuery = q.Encode()

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var body struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Accepted, nil
}

// Registry holds every known agent.
type Registry struct {
	mu                sync.RWMutex
	agents            map[string]*coordtypes.Agent
	approvedOnce      map[string]bool // cached-approval fallback for portal outage
	livenessWindowMs  int64
	batteryStopPct    int
	portal            *PortalClient
	blacklist         BlacklistChecker
	logger            *log.Logger
	nowMs             func() int64
}

// New creates an empty registry.
func New(portal *PortalClient, blacklist BlacklistChecker, livenessWindowMs int64, batteryStopPct int) *Registry {
	return &Registry{
		agents:           make(map[string]*coordtypes.Agent),
		approvedOnce:     make(map[string]bool),
		livenessWindowMs: livenessWindowMs,
		batteryStopPct:   batteryStopPct,
		portal:           portal,
		blacklist:        blacklist,
		logger:           log.New(log.Writer(), "[Registry] ", log.LstdFlags),
		nowMs:            coordtypes.NowMs,
	}
}

// Register validates and installs an agent record. loopback bypasses portal
// validation; if the portal is unreachable, a previously-approved agent may
// still re-register using the cached approval.
func (r *Registry) Register(ctx context.Context, agent coordtypes.Agent, registrationToken string, loopback bool) (Policy, error) {
	if r.blacklist != nil && r.blacklist.IsBlacklisted(agent.AgentID) {
		return Policy{}, ErrAgentBlacklisted
	}

	approved := loopback
	if !approved && r.portal != nil {
		ok, err := r.portal.ValidateNode(ctx, agent.AgentID, registrationToken)
		if err != nil {
			r.mu.RLock()
			cached := r.approvedOnce[agent.AgentID]
			r.mu.RUnlock()
			if !cached {
				return Policy{}, ErrNodeNotActivated
			}
			r.logger.Printf("portal unreachable, using cached approval for %s: %v", agent.AgentID, err)
			approved = true
		} else if !ok {
			return Policy{}, ErrNodeNotActivated
		} else {
			approved = true
		}
	} else if !approved {
		approved = true // portal disabled entirely
	}

	if !approved {
		return Policy{}, ErrNodeNotActivated
	}

	agent.LastSeenMs = r.nowMs()

	r.mu.Lock()
	r.agents[agent.AgentID] = &agent
	r.approvedOnce[agent.AgentID] = true
	r.mu.Unlock()

	policy := Policy{MaxConcurrentTasks: agent.MaxConcurrentTasks}
	if policy.MaxConcurrentTasks == 0 {
		policy.MaxConcurrentTasks = 1
	}
	return policy, nil
}

// Heartbeat stamps liveness for an agent.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	a.LastSeenMs = r.nowMs()
	return nil
}

// Get returns a copy of an agent's record.
func (r *Registry) Get(agentID string) (coordtypes.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return coordtypes.Agent{}, false
	}
	return *a, true
}

// IsActive reports whether the agent's last heartbeat is within the
// liveness window.
func (r *Registry) IsActive(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return r.nowMs()-a.LastSeenMs <= r.livenessWindowMs
}

// HasLiveAgents reports whether any registered agent is currently active.
func (r *Registry) HasLiveAgents() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.nowMs()
	for _, a := range r.agents {
		if now-a.LastSeenMs <= r.livenessWindowMs {
			return true
		}
	}
	return false
}

// PowerPolicy evaluates the power policy gate for a /pull call given the
// agent's reported telemetry.
func (r *Registry) PowerPolicy(telemetry coordtypes.PowerTelemetry) PowerDecision {
	if telemetry.OnBattery && telemetry.BatteryPercent <= float64(r.batteryStopPct) {
		return PowerDecision{
			AllowCoordinatorTasks: false,
			Reason:                "battery_below_threshold",
		}
	}
	if telemetry.OnBattery {
		return PowerDecision{
			AllowCoordinatorTasks: true,
			AllowSmallTasksOnly:   true,
			DeferMs:               5000,
			Reason:                "on_battery_throttled",
		}
	}
	return PowerDecision{AllowCoordinatorTasks: true}
}

// SandboxGate reports whether agentID can accept a subtask that requires
// sandboxing.
func (r *Registry) SandboxGate(agentID string, requiresSandbox bool) bool {
	if !requiresSandbox {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return a.SandboxMode != coordtypes.SandboxNone
}

// ListActive returns a snapshot of every agent whose last heartbeat is
// within the liveness window.
func (r *Registry) ListActive() []coordtypes.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.nowMs()
	out := make([]coordtypes.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if now-a.LastSeenMs <= r.livenessWindowMs {
			out = append(out, *a)
		}
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
