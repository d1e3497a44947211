// Copyright 2025 Certen Protocol
//
// Anchor coordinator (C10): leader election by lexicographically smallest
// reachable peerId, anchor intent pending/anchored state machine, and
// reorg-driven demotion.

package anchorcoord

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AnchorStatus mirrors pkg/database.AnchorStatus without importing it, so
// anchorcoord has no dependency on the persistence layer's package.
type AnchorStatus string

const (
	StatusPending  AnchorStatus = "pending"
	StatusAnchored AnchorStatus = "anchored"
)

// AnchorRecord is an anchor intent tracked in memory and mirrored to
// storage by the caller.
type AnchorRecord struct {
	AnchorID       string
	EpochID        string
	CheckpointHash string
	Network        string
	TxRef          string
	Status         AnchorStatus
}

// Broadcaster submits a checkpoint hash to the external settlement chain
// and reports a transaction reference, and can check confirmation/reorg
// status for a previously-submitted anchor. Concrete implementations live
// outside this module; this core only talks to the interface.
type Broadcaster interface {
	Submit(ctx context.Context, checkpointHash string) (txRef string, err error)
	Confirmations(ctx context.Context, txRef string) (confirmations int, stillInChain bool, err error)
}

// Store persists anchor records; pkg/database.AnchorStore implements it on
// top of pkg/database.AnchorRepository.
type Store interface {
	Create(ctx context.Context, anchorID, epochID, checkpointHash, network, txRef string, status AnchorStatus) error
	UpdateStatus(ctx context.Context, anchorID string, status AnchorStatus) error
}

// Coordinator runs leader election and anchor lifecycle management.
type Coordinator struct {
	network             string
	requiredConfirmations int
	broadcaster         Broadcaster
	store               Store
	logger              *log.Logger

	mu      sync.Mutex
	anchors map[string]*AnchorRecord // by checkpointHash
}

// New creates an anchor coordinator.
func New(network string, requiredConfirmations int, broadcaster Broadcaster, store Store) *Coordinator {
	return &Coordinator{
		network:               network,
		requiredConfirmations: requiredConfirmations,
		broadcaster:           broadcaster,
		store:                 store,
		logger:                log.New(log.Writer(), "[AnchorCoordinator] ", log.LstdFlags),
		anchors:               make(map[string]*AnchorRecord),
	}
}

// IsLeader reports whether selfPeerID is the deterministic leader among
// reachablePeerIDs (which must include self if self is reachable).
func IsLeader(selfPeerID string, reachablePeerIDs []string) bool {
	all := append([]string{}, reachablePeerIDs...)
	found := false
	for _, p := range all {
		if p == selfPeerID {
			found = true
			break
		}
	}
	if !found {
		all = append(all, selfPeerID)
	}
	sort.Strings(all)
	return all[0] == selfPeerID
}

// CheckpointHashForEpoch computes the deterministic checkpoint hash for an
// issuance epoch's allocations.
func CheckpointHashForEpoch(epochID string, allocations interface{}) string {
	b, _ := json.Marshal(map[string]interface{}{"epoch": epochID, "allocations": allocations})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AnchorCheckpoint records anchor intent for a finalized epoch or stats
// checkpoint and submits it to the external settlement chain. Only the
// elected leader should call this.
func (c *Coordinator) AnchorCheckpoint(ctx context.Context, epochID, checkpointHash string) (*AnchorRecord, error) {
	c.mu.Lock()
	if existing, ok := c.anchors[checkpointHash]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	txRef, err := c.broadcaster.Submit(ctx, checkpointHash)
	if err != nil {
		return nil, fmt.Errorf("anchor submit: %w", err)
	}

	rec := &AnchorRecord{
		AnchorID:       uuid.NewString(),
		EpochID:        epochID,
		CheckpointHash: checkpointHash,
		Network:        c.network,
		TxRef:          txRef,
		Status:         StatusPending,
	}

	c.mu.Lock()
	c.anchors[checkpointHash] = rec
	c.mu.Unlock()

	if err := c.store.Create(ctx, rec.AnchorID, rec.EpochID, rec.CheckpointHash, rec.Network, rec.TxRef, rec.Status); err != nil {
		c.logger.Printf("persist anchor %s failed: %v", rec.AnchorID, err)
	}
	return rec, nil
}

// PollConfirmations checks every tracked anchor's transaction status,
// promoting to anchored once requiredConfirmations is reached and demoting
// anchored anchors back to pending if the transaction is no longer in the
// longest chain (reorg).
func (c *Coordinator) PollConfirmations(ctx context.Context) {
	c.mu.Lock()
	snapshot := make([]*AnchorRecord, 0, len(c.anchors))
	for _, a := range c.anchors {
		snapshot = append(snapshot, a)
	}
	c.mu.Unlock()

	for _, a := range snapshot {
		confirmations, stillInChain, err := c.broadcaster.Confirmations(ctx, a.TxRef)
		if err != nil {
			c.logger.Printf("confirmations check for %s failed: %v", a.AnchorID, err)
			continue
		}

		c.mu.Lock()
		switch a.Status {
		case StatusPending:
			if stillInChain && confirmations >= c.requiredConfirmations {
				a.Status = StatusAnchored
			}
		case StatusAnchored:
			if !stillInChain {
				a.Status = StatusPending
			}
		}
		newStatus := a.Status
		c.mu.Unlock()

		if err := c.store.UpdateStatus(ctx, a.AnchorID, newStatus); err != nil {
			c.logger.Printf("persist status for %s failed: %v", a.AnchorID, err)
		}
	}
}

// Get returns the in-memory anchor record for a checkpoint hash.
func (c *Coordinator) Get(checkpointHash string) (*AnchorRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.anchors[checkpointHash]
	return a, ok
}

// HTTPBroadcaster is a thin Broadcaster that delegates to the external
// anchor service over HTTP, matching the teacher's HTTP-client-with-timeout
// convention used elsewhere for outbound calls to external collaborators.
type HTTPBroadcaster struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPBroadcaster builds a broadcaster pointed at an anchor service URL.
func NewHTTPBroadcaster(baseURL string) *HTTPBroadcaster {
	return &HTTPBroadcaster{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Submit posts the checkpoint hash to the anchor service and returns the
// transaction reference it assigns.
func (b *HTTPBroadcaster) Submit(ctx context.Context, checkpointHash string) (string, error) {
	url := fmt.Sprintf("%s/anchor?checkpointHash=%s", b.BaseURL, checkpointHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var body struct {
		TxRef string `json:"txRef"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.TxRef, nil
}

// Confirmations queries the anchor service for a transaction's confirmation
// depth and whether it is still part of the canonical chain.
func (b *HTTPBroadcaster) Confirmations(ctx context.Context, txRef string) (int, bool, error) {
	url := fmt.Sprintf("%s/tx/%s/status", b.BaseURL, txRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	var body struct {
		Confirmations int  `json:"confirmations"`
		InChain       bool `json:"inChain"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, false, err
	}
	return body.Confirmations, body.InChain, nil
}
