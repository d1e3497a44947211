// Copyright 2025 Certen Protocol
//
// Shared domain types for the mesh coordinator core.
// These are the record shapes that flow between the queue, dependency
// tracker, mesh gossip, and the two hash-chained ledgers.

package coordtypes

import (
	"time"

	"github.com/certen/coordinator/pkg/identity"
)

// NetworkMode distinguishes peers reachable on the open internet from those
// reachable only within a private overlay.
type NetworkMode string

const (
	NetworkPublic  NetworkMode = "public"
	NetworkOverlay NetworkMode = "overlay"
)

// PeerRole identifies what kind of node a peer identity describes.
type PeerRole string

const (
	RoleCoordinator PeerRole = "coordinator"
	RoleAgent       PeerRole = "agent"
	RolePhone       PeerRole = "phone"
)

// PeerIdentity is the stable identity record for any node in the mesh.
// Invariant: for any PeerID there is exactly one PublicKey.
type PeerIdentity struct {
	PeerID         string      `json:"peerId"`
	PublicKey      string      `json:"publicKey"` // PEM-encoded Ed25519 public key
	CoordinatorURL string      `json:"coordinatorUrl,omitempty"`
	NetworkMode    NetworkMode `json:"networkMode"`
	Role           PeerRole    `json:"role"`
}

// SandboxMode describes what isolation an agent can offer subtasks.
type SandboxMode string

const (
	SandboxNone   SandboxMode = "none"
	SandboxDocker SandboxMode = "docker"
	SandboxVM     SandboxMode = "vm"
)

// AgentMode distinguishes agents that only execute swarm subtasks from those
// that also drive an IDE-attached session.
type AgentMode string

const (
	AgentSwarmOnly  AgentMode = "swarm-only"
	AgentIDEEnabled AgentMode = "ide-enabled"
)

// PowerTelemetry is the agent-reported battery/thermal state used by the
// power policy gate in the registry.
type PowerTelemetry struct {
	OnBattery      bool    `json:"onBattery"`
	BatteryPercent float64 `json:"batteryPercent"`
	Thermal        string  `json:"thermal,omitempty"`
}

// Agent is the registry's record for a worker node.
type Agent struct {
	AgentID             string          `json:"agentId"`
	OS                  string          `json:"os"`
	Version             string          `json:"version"`
	Mode                AgentMode       `json:"mode"`
	LocalModelProvider  string          `json:"localModelProvider,omitempty"`
	ModelCatalog        []string        `json:"modelCatalog,omitempty"`
	ActiveModel         string          `json:"activeModel,omitempty"`
	SandboxMode         SandboxMode     `json:"sandboxMode"`
	PublicKey           string          `json:"publicKey,omitempty"`
	X25519PublicKey     string          `json:"x25519PublicKey,omitempty"`
	MaxConcurrentTasks  int             `json:"maxConcurrentTasks"`
	PowerTelemetry      PowerTelemetry  `json:"powerTelemetry"`
	OwnerEmail          string          `json:"ownerEmail,omitempty"`
	LastSeenMs          int64           `json:"lastSeenMs"`
	ConnectedPeers      []string        `json:"connectedPeers,omitempty"`
}

// SubtaskKind distinguishes the two decomposition shapes the inference
// service can produce.
type SubtaskKind string

const (
	KindMicroLoop  SubtaskKind = "micro_loop"
	KindSingleStep SubtaskKind = "single_step"
)

// SubtaskStatus is the lifecycle state of a subtask within the queue.
type SubtaskStatus string

const (
	StatusQueued        SubtaskStatus = "queued"
	StatusHeld          SubtaskStatus = "held"
	StatusClaimed       SubtaskStatus = "claimed"
	StatusCompleted     SubtaskStatus = "completed"
	StatusRemoteClaimed SubtaskStatus = "remote-claimed"
)

// Subtask is a single executable unit produced by decomposing a submitted
// task.
type Subtask struct {
	ID             string            `json:"id"`
	TaskID         string            `json:"taskId"`
	Kind           SubtaskKind       `json:"kind"`
	Language       string            `json:"language"`
	Input          string            `json:"input"`
	TimeoutMs      int64             `json:"timeoutMs"`
	SnapshotRef    string            `json:"snapshotRef,omitempty"`
	ProjectMeta    map[string]string `json:"projectMeta,omitempty"`
	DependsOn      []string          `json:"dependsOn,omitempty"`
	RequestedModel string            `json:"requestedModel,omitempty"`
	Status         SubtaskStatus     `json:"status"`
	ClaimedBy      string            `json:"claimedBy,omitempty"`
	ClaimedAt      int64             `json:"claimedAt,omitempty"`
	ClaimDelayMs   int64             `json:"claimDelayMs,omitempty"`

	// EnqueuedAtMs and Priority drive the queue's deterministic ordering;
	// they are not part of the inference service's contract.
	EnqueuedAtMs int64 `json:"enqueuedAtMs"`
	Priority     int   `json:"priority"`

	// InputEnvelope carries Input sealed to the claiming agent's X25519 key
	// instead, set by the coordinator only when the agent advertised one.
	InputEnvelope *identity.Envelope `json:"inputEnvelope,omitempty"`
}

// SubtaskResult is what an agent posts back to /result.
type SubtaskResult struct {
	SubtaskID      string             `json:"subtaskId"`
	TaskID         string             `json:"taskId"`
	OK             bool               `json:"ok"`
	Output         string             `json:"output,omitempty"`
	Error          string             `json:"error,omitempty"`
	DurationMs     int64              `json:"durationMs"`
	ResultEnvelope *identity.Envelope `json:"resultEnvelope,omitempty"`
}

// EventType enumerates the ordering-chain record kinds.
type EventType string

const (
	EventTaskEnqueue            EventType = "task_enqueue"
	EventTaskClaim              EventType = "task_claim"
	EventTaskComplete           EventType = "task_complete"
	EventNodeApproval           EventType = "node_approval"
	EventNodeValidation         EventType = "node_validation"
	EventEarningsAccrual        EventType = "earnings_accrual"
	EventStatsCheckpointSig     EventType = "stats_checkpoint_signature"
	EventStatsCheckpointCommit  EventType = "stats_checkpoint_commit"
)

// QueueEvent is one link in the per-coordinator ordering chain.
type QueueEvent struct {
	ID                string    `json:"id"`
	EventType         EventType `json:"eventType"`
	TaskID            string    `json:"taskId,omitempty"`
	SubtaskID         string    `json:"subtaskId,omitempty"`
	ActorID           string    `json:"actorId,omitempty"`
	Sequence          uint64    `json:"sequence"`
	IssuedAtMs        int64     `json:"issuedAtMs"`
	PrevHash          string    `json:"prevHash"`
	CoordinatorID     string    `json:"coordinatorId,omitempty"`
	CheckpointHeight  uint64    `json:"checkpointHeight,omitempty"`
	CheckpointHash    string    `json:"checkpointHash,omitempty"`
	PayloadJSON       string    `json:"payloadJson,omitempty"`
	Hash              string    `json:"hash"`
	Signature         string    `json:"signature"`
}

// BlacklistRecord is one link in the independent blacklist hash chain.
type BlacklistRecord struct {
	EventID              string `json:"eventId"`
	AgentID              string `json:"agentId"`
	ReasonCode           string `json:"reasonCode"`
	EvidenceHashSha256   string `json:"evidenceHashSha256"`
	ReporterID           string `json:"reporterId"`
	ReporterSignature    string `json:"reporterSignature,omitempty"`
	SourceCoordinatorID  string `json:"sourceCoordinatorId"`
	TimestampMs          int64  `json:"timestampMs"`
	ExpiresAtMs          int64  `json:"expiresAtMs,omitempty"`
	PrevEventHash        string `json:"prevEventHash"`
	EventHash            string `json:"eventHash"`
	CoordinatorSignature string `json:"coordinatorSignature"`
}

// MeshMessageType enumerates the gossip envelope payload kinds.
type MeshMessageType string

const (
	MeshPeerExchange        MeshMessageType = "peer_exchange"
	MeshCapabilityAnnounce   MeshMessageType = "capability_announce"
	MeshCapabilitySummary    MeshMessageType = "capability_summary"
	MeshTaskOffer            MeshMessageType = "task_offer"
	MeshTaskClaim            MeshMessageType = "task_claim"
	MeshResultAnnounce       MeshMessageType = "result_announce"
	MeshBlacklistUpdate      MeshMessageType = "blacklist_update"
	MeshIssuanceProposal     MeshMessageType = "issuance_proposal"
	MeshIssuanceVote         MeshMessageType = "issuance_vote"
	MeshIssuanceCommit       MeshMessageType = "issuance_commit"
	MeshIssuanceCheckpoint   MeshMessageType = "issuance_checkpoint"
)

// MeshMessage is the signed envelope exchanged over HTTP POST or WebSocket.
type MeshMessage struct {
	ID         string          `json:"id"`
	Type       MeshMessageType `json:"type"`
	FromPeerID string          `json:"fromPeerId"`
	IssuedAtMs int64           `json:"issuedAtMs"`
	TTLMs      int64           `json:"ttlMs"`
	Payload    interface{}     `json:"payload"`
	Signature  string          `json:"signature"`
}

// DefaultMeshTTLMs is the default envelope lifetime.
const DefaultMeshTTLMs int64 = 60000

// NowMs returns the current time in Unix milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
