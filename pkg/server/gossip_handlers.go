// Copyright 2025 Certen Protocol
//
// Gossip dispatch (C7 wiring): the handlers registered against Mesh for
// every gossip type, translating validated envelopes into queue, blacklist,
// peer-table, and quorum-ledger effects. Registered once from NewRouter so
// every entry point that calls Mesh.Ingest (POST /mesh/ingest and the
// WebSocket push loop) exercises the same dispatch.

package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"

	"github.com/certen/coordinator/pkg/anchorcoord"
	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
	"github.com/certen/coordinator/pkg/mesh"
	"github.com/certen/coordinator/pkg/queue"
	"github.com/certen/coordinator/pkg/quorum"
)

// taskOriginTracker remembers which origin coordinator a gossiped subtask
// came from, so a later task_claim/result_announce for the same subtaskId
// can be matched without re-deriving it from the original task_offer.
type taskOriginTracker struct {
	mu     sync.Mutex
	origin map[string]string // subtaskId -> originCoordinatorId
}

func newTaskOriginTracker() *taskOriginTracker {
	return &taskOriginTracker{origin: make(map[string]string)}
}

func (t *taskOriginTracker) record(subtaskID, originCoordinatorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.origin[subtaskID] = originCoordinatorID
}

// originOf returns the coordinator a subtask was gossiped in from, if any.
func (t *taskOriginTracker) originOf(subtaskID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.origin[subtaskID]
	return id, ok
}

// capabilityStore holds the most recent capability_announce/capability_summary
// gossip learned about peers outside this coordinator's own registry, keyed
// by the announcing peer or source coordinator.
type capabilityStore struct {
	mu     sync.Mutex
	models map[string][]string // peerId/coordinatorId -> model catalog
}

func newCapabilityStore() *capabilityStore {
	return &capabilityStore{models: make(map[string][]string)}
}

func (c *capabilityStore) record(key string, models []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[key] = models
}

// allModels returns the deduplicated union of every peer's known catalog.
func (c *capabilityStore) allModels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, models := range c.models {
		for _, m := range models {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// decodePayload round-trips msg.Payload (a map[string]interface{} once it
// has crossed the wire as JSON) into a concrete struct.
func decodePayload(payload interface{}, out interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// registerGossipHandlers wires every gossip type to its dispatch logic. It
// is a no-op for types the coordinator doesn't yet act on beyond validation,
// but every type in coordtypes is registered explicitly so a reader can see
// at a glance which ones only log.
func registerGossipHandlers(deps *Deps) {
	deps.Mesh.RegisterHandler(coordtypes.MeshPeerExchange, gossipPeerExchange(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshCapabilityAnnounce, gossipCapabilityAnnounce(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshCapabilitySummary, gossipCapabilitySummary(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshTaskOffer, gossipTaskOffer(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshTaskClaim, gossipTaskClaim(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshResultAnnounce, gossipResultAnnounce(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshBlacklistUpdate, gossipBlacklistUpdate(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshIssuanceProposal, gossipIssuanceProposal(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshIssuanceVote, gossipIssuanceVote(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshIssuanceCommit, gossipIssuanceCommit(deps))
	deps.Mesh.RegisterHandler(coordtypes.MeshIssuanceCheckpoint, gossipIssuanceCheckpoint(deps))
}

type peerExchangeEntry struct {
	PeerID      string                  `json:"peerId"`
	PublicKey   string                  `json:"publicKey"`
	URL         string                  `json:"url"`
	NetworkMode coordtypes.NetworkMode  `json:"networkMode"`
	Role        coordtypes.PeerRole     `json:"role"`
	LastSeenMs  int64                   `json:"lastSeenMs"`
}

// gossipPeerExchange merges unknown peers into the local peer table.
func gossipPeerExchange(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			Peers []peerExchangeEntry `json:"peers"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		for _, p := range body.Peers {
			if p.PeerID == "" || p.PeerID == deps.SelfPeerID {
				continue
			}
			if _, known := deps.Mesh.Get(p.PeerID); known {
				continue
			}
			deps.Mesh.AddPeer(coordtypes.PeerIdentity{
				PeerID:         p.PeerID,
				PublicKey:      p.PublicKey,
				CoordinatorURL: p.URL,
				NetworkMode:    p.NetworkMode,
				Role:           p.Role,
			})
		}
		return nil
	}
}

// gossipCapabilityAnnounce records an agent/phone peer's capability profile.
func gossipCapabilityAnnounce(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			Models             []string `json:"models"`
			MaxConcurrentTasks int      `json:"maxConcurrentTasks"`
			DeviceType         string   `json:"deviceType"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		deps.capabilities.record(from.PeerID, body.Models)
		return nil
	}
}

// gossipCapabilitySummary records a peer coordinator's aggregated agent
// capability profile, keyed by the source coordinator.
func gossipCapabilitySummary(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			Models []string `json:"models"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		deps.capabilities.record(msg.FromPeerID, body.Models)
		return nil
	}
}

// gossipTaskOffer enqueues a peer's subtasks locally if this coordinator has
// live agents to run them, records where they came from, and broadcasts
// task_claim so the rest of the mesh dedupes against its own queues.
func gossipTaskOffer(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			TaskID              string              `json:"taskId"`
			Subtasks            []coordtypes.Subtask `json:"subtasks"`
			OriginCoordinatorID string              `json:"originCoordinatorId"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		if body.OriginCoordinatorID == deps.SelfPeerID {
			return nil
		}
		if len(deps.Registry.ListActive()) == 0 {
			return nil
		}

		var claimedIDs []string
		for _, st := range body.Subtasks {
			if err := deps.Queue.EnqueueSubtask(st, &queue.EnqueueOptions{Priority: st.Priority}); err != nil {
				deps.Logger.Printf("gossip task_offer enqueue %s failed: %v", st.ID, err)
				continue
			}
			deps.taskOrigins.record(st.ID, body.OriginCoordinatorID)
			claimedIDs = append(claimedIDs, st.ID)
		}
		if len(claimedIDs) == 0 {
			return nil
		}

		deps.Mesh.Broadcast(coordtypes.MeshTaskClaim, map[string]interface{}{
			"taskId":     body.TaskID,
			"subtaskIds": claimedIDs,
			"claimedBy":  deps.SelfPeerID,
		})
		return nil
	}
}

// gossipTaskClaim removes subtasks a peer coordinator claimed first from
// this coordinator's own queue, deduping cross-mesh double-execution.
func gossipTaskClaim(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			SubtaskIDs []string `json:"subtaskIds"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		for _, id := range body.SubtaskIDs {
			deps.Queue.MarkRemoteClaimed(id)
		}
		return nil
	}
}

// gossipResultAnnounce is informational: a peer coordinator finished the
// subtask, so drop it locally if it's still queued or claimed here.
func gossipResultAnnounce(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			SubtaskID string `json:"subtaskId"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		deps.Queue.Drop(body.SubtaskID)
		return nil
	}
}

// gossipBlacklistUpdate validates and merges a remote blacklist_update,
// resolving the originating coordinator's public key from the mesh peer
// table (or this coordinator's own key, if it's an echo of our own event).
func gossipBlacklistUpdate(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var rec coordtypes.BlacklistRecord
		if err := decodePayload(msg.Payload, &rec); err != nil {
			return err
		}

		pubKey, err := resolveCoordinatorPublicKey(deps, rec.SourceCoordinatorID)
		if err != nil {
			deps.Logger.Printf("blacklist_update from unresolvable coordinator %s: %v", rec.SourceCoordinatorID, err)
			return nil
		}
		if err := deps.Blacklist.MergeRemote(rec, pubKey); err != nil {
			deps.Logger.Printf("blacklist_update merge failed: %v", err)
		}
		return nil
	}
}

func resolveCoordinatorPublicKey(deps *Deps, coordinatorID string) (ed25519.PublicKey, error) {
	if coordinatorID == deps.SelfPeerID {
		return deps.Keys.PublicKey, nil
	}
	peer, ok := deps.Mesh.Get(coordinatorID)
	if !ok {
		return nil, mesh.ErrPeerUnknown
	}
	return identity.ParsePublicKeyPEM(peer.PublicKey)
}

// gossipIssuanceProposal registers a peer-originated epoch proposal and
// casts this coordinator's own vote on it.
func gossipIssuanceProposal(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var proposal quorum.EpochProposal
		if err := decodePayload(msg.Payload, &proposal); err != nil {
			return err
		}
		if !deps.Quorum.ReceiveProposal(proposal) {
			return nil
		}
		deps.Mesh.Broadcast(coordtypes.MeshIssuanceVote, map[string]interface{}{
			"epochId":       proposal.EpochID,
			"coordinatorId": deps.SelfPeerID,
			"approve":       true,
		})
		return nil
	}
}

// gossipIssuanceVote tallies a peer's vote and commits once quorum is
// reached, anchoring the checkpoint if this coordinator is the elected
// leader for the reachable peer set.
func gossipIssuanceVote(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			EpochID       string `json:"epochId"`
			CoordinatorID string `json:"coordinatorId"`
			Approve       bool   `json:"approve"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		reached := deps.Quorum.RecordVote(body.EpochID, body.CoordinatorID, body.Approve, knownCoordinatorCount(deps))
		if !reached || deps.Quorum.IsFinalized(body.EpochID) {
			return nil
		}
		rec := deps.Quorum.Commit(body.EpochID)
		deps.Mesh.Broadcast(coordtypes.MeshIssuanceCommit, map[string]string{"epochId": body.EpochID})
		finalizeEpoch(deps, rec.EpochID)
		return nil
	}
}

// gossipIssuanceCommit marks an epoch finalized when a peer committed it
// first (e.g. this coordinator's own vote arrived after quorum already
// formed elsewhere).
func gossipIssuanceCommit(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			EpochID string `json:"epochId"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		if deps.Quorum.IsFinalized(body.EpochID) {
			return nil
		}
		deps.Quorum.Commit(body.EpochID)
		finalizeEpoch(deps, body.EpochID)
		return nil
	}
}

// gossipIssuanceCheckpoint records that the anchor leader already anchored
// this epoch, so a coordinator that momentarily believed itself leader
// doesn't double-anchor.
func gossipIssuanceCheckpoint(deps *Deps) func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
	return func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		var body struct {
			EpochID        string `json:"epochId"`
			CheckpointHash string `json:"checkpointHash"`
		}
		if err := decodePayload(msg.Payload, &body); err != nil {
			return err
		}
		if deps.Quorum.IsCheckpointed(body.EpochID) {
			return nil
		}
		deps.Quorum.AppendCheckpoint(body.EpochID, body.CheckpointHash)
		return nil
	}
}

// knownCoordinatorCount counts the coordinator-role peers this node can
// currently see, plus itself, for quorum-threshold math.
func knownCoordinatorCount(deps *Deps) int {
	count := 1 // self
	for _, p := range deps.Mesh.Peers() {
		if p.Identity.Role == coordtypes.RoleCoordinator {
			count++
		}
	}
	return count
}

// finalizeEpoch anchors a just-finalized epoch's checkpoint if this
// coordinator is the deterministic leader among currently reachable peers.
// Duplicated in main.go's self-initiated issuance tick rather than shared,
// since C7 (mesh) and C9/C10 (quorum/anchor) are deliberately decoupled.
func finalizeEpoch(deps *Deps, epochID string) {
	if deps.Anchor == nil || deps.Quorum == nil {
		return
	}
	proposal, ok := deps.Quorum.Proposal(epochID)
	if !ok || deps.Quorum.IsCheckpointed(epochID) {
		return
	}

	reachable := []string{deps.SelfPeerID}
	for _, p := range deps.Mesh.Peers() {
		if p.Identity.Role == coordtypes.RoleCoordinator {
			reachable = append(reachable, p.Identity.PeerID)
		}
	}
	if !anchorcoord.IsLeader(deps.SelfPeerID, reachable) {
		return
	}

	checkpointHash := anchorcoord.CheckpointHashForEpoch(epochID, proposal.Allocations)
	rec := deps.Quorum.AppendCheckpoint(epochID, checkpointHash)
	deps.Mesh.Broadcast(coordtypes.MeshIssuanceCheckpoint, map[string]string{
		"epochId":        rec.EpochID,
		"checkpointHash": checkpointHash,
	})

	if _, err := deps.Anchor.AnchorCheckpoint(context.Background(), epochID, checkpointHash); err != nil {
		deps.Logger.Printf("anchor checkpoint for epoch %s failed: %v", epochID, err)
	}
}
