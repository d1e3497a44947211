// Copyright 2025 Certen Protocol
//
// Repositories — persistence for the coordinator's hash-chained ledgers,
// projections, and anchor records. Each repository wraps *Client and issues
// parameterized queries directly (no ORM), matching the teacher's
// repository_*.go convention.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repositories bundles every repository the coordinator needs, constructed
// once at startup and threaded through the queue/mesh/router wiring.
type Repositories struct {
	OrderingChain *OrderingChainRepository
	StatsLedger   *StatsLedgerRepository
	Quorum        *QuorumRepository
	Blacklist     *BlacklistRepository
	Anchors       *AnchorRepository
	NodeStatus    *NodeStatusRepository
	Earnings      *EarningsRepository
}

// NewRepositories constructs every repository against the same client.
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		OrderingChain: &OrderingChainRepository{client: client},
		StatsLedger:   &StatsLedgerRepository{client: client},
		Quorum:        &QuorumRepository{client: client},
		Blacklist:     &BlacklistRepository{client: client},
		Anchors:       &AnchorRepository{client: client},
		NodeStatus:    &NodeStatusRepository{client: client},
		Earnings:      &EarningsRepository{client: client},
	}
}

// ============================================================================
// ORDERING CHAIN
// ============================================================================

// OrderingChainRepository stores and loads local ordering-chain records.
// The in-memory orderingchain.Chain is authoritative at runtime. main.go
// calls neither AppendRecord nor LoadChain, so this table is not written
// while the coordinator runs and the chain starts empty on every start.
type OrderingChainRepository struct {
	client *Client
}

// AppendRecord stores one ordering-chain record.
func (r *OrderingChainRepository) AppendRecord(ctx context.Context, rec OrderingChainRow) error {
	const query = `
		INSERT INTO ordering_chain_records (
			coordinator_id, sequence, event_type, task_id, subtask_id, actor_id,
			issued_at_ms, prev_hash, checkpoint_height, checkpoint_hash,
			payload_json, hash, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (coordinator_id, sequence) DO NOTHING`

	_, err := r.client.ExecContext(ctx, query,
		rec.CoordinatorID, rec.Sequence, rec.EventType, rec.TaskID, rec.SubtaskID, rec.ActorID,
		rec.IssuedAtMs, rec.PrevHash, rec.CheckpointHeight, rec.CheckpointHash,
		rec.PayloadJSON, rec.Hash, rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("append ordering chain record: %w", err)
	}
	return nil
}

// LoadChain returns every record for a coordinator in sequence order.
func (r *OrderingChainRepository) LoadChain(ctx context.Context, coordinatorID string) ([]OrderingChainRow, error) {
	const query = `
		SELECT coordinator_id, sequence, event_type, task_id, subtask_id, actor_id,
		       issued_at_ms, prev_hash, checkpoint_height, checkpoint_hash,
		       payload_json, hash, signature
		FROM ordering_chain_records
		WHERE coordinator_id = $1
		ORDER BY sequence ASC`

	rows, err := r.client.QueryContext(ctx, query, coordinatorID)
	if err != nil {
		return nil, fmt.Errorf("load ordering chain: %w", err)
	}
	defer rows.Close()

	var out []OrderingChainRow
	for rows.Next() {
		var rec OrderingChainRow
		if err := rows.Scan(
			&rec.CoordinatorID, &rec.Sequence, &rec.EventType, &rec.TaskID, &rec.SubtaskID, &rec.ActorID,
			&rec.IssuedAtMs, &rec.PrevHash, &rec.CheckpointHeight, &rec.CheckpointHash,
			&rec.PayloadJSON, &rec.Hash, &rec.Signature,
		); err != nil {
			return nil, fmt.Errorf("scan ordering chain record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OrderingChainRow is the persisted shape of a coordtypes.QueueEvent.
type OrderingChainRow struct {
	CoordinatorID    string
	Sequence         uint64
	EventType        string
	TaskID           string
	SubtaskID        string
	ActorID          string
	IssuedAtMs       int64
	PrevHash         string
	CheckpointHeight uint64
	CheckpointHash   string
	PayloadJSON      string
	Hash             string
	Signature        string
}

// ============================================================================
// STATS LEDGER
// ============================================================================

// StatsLedgerRepository persists the globally-replicated stats records.
type StatsLedgerRepository struct {
	client *Client
}

// Insert stores a stats record, deduplicating on (coordinator_id, hash).
func (r *StatsLedgerRepository) Insert(ctx context.Context, rec OrderingChainRow) error {
	const query = `
		INSERT INTO stats_ledger_records (
			coordinator_id, sequence, event_type, task_id, subtask_id, actor_id,
			issued_at_ms, prev_hash, checkpoint_height, checkpoint_hash,
			payload_json, hash, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (coordinator_id, hash) DO NOTHING`

	_, err := r.client.ExecContext(ctx, query,
		rec.CoordinatorID, rec.Sequence, rec.EventType, rec.TaskID, rec.SubtaskID, rec.ActorID,
		rec.IssuedAtMs, rec.PrevHash, rec.CheckpointHeight, rec.CheckpointHash,
		rec.PayloadJSON, rec.Hash, rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert stats ledger record: %w", err)
	}
	return nil
}

// Head returns the most recent record for a coordinator, if any.
func (r *StatsLedgerRepository) Head(ctx context.Context, coordinatorID string) (*OrderingChainRow, error) {
	const query = `
		SELECT coordinator_id, sequence, event_type, task_id, subtask_id, actor_id,
		       issued_at_ms, prev_hash, checkpoint_height, checkpoint_hash,
		       payload_json, hash, signature
		FROM stats_ledger_records
		WHERE coordinator_id = $1
		ORDER BY sequence DESC
		LIMIT 1`

	var rec OrderingChainRow
	err := r.client.QueryRowContext(ctx, query, coordinatorID).Scan(
		&rec.CoordinatorID, &rec.Sequence, &rec.EventType, &rec.TaskID, &rec.SubtaskID, &rec.ActorID,
		&rec.IssuedAtMs, &rec.PrevHash, &rec.CheckpointHeight, &rec.CheckpointHash,
		&rec.PayloadJSON, &rec.Hash, &rec.Signature,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stats ledger head: %w", err)
	}
	return &rec, nil
}

// Range returns records for coordinatorID issued after sinceIssuedAtMs, up
// to limit rows.
func (r *StatsLedgerRepository) Range(ctx context.Context, coordinatorID string, sinceIssuedAtMs int64, limit int) ([]OrderingChainRow, error) {
	const query = `
		SELECT coordinator_id, sequence, event_type, task_id, subtask_id, actor_id,
		       issued_at_ms, prev_hash, checkpoint_height, checkpoint_hash,
		       payload_json, hash, signature
		FROM stats_ledger_records
		WHERE coordinator_id = $1 AND issued_at_ms > $2
		ORDER BY sequence ASC
		LIMIT $3`

	rows, err := r.client.QueryContext(ctx, query, coordinatorID, sinceIssuedAtMs, limit)
	if err != nil {
		return nil, fmt.Errorf("stats ledger range: %w", err)
	}
	defer rows.Close()

	var out []OrderingChainRow
	for rows.Next() {
		var rec OrderingChainRow
		if err := rows.Scan(
			&rec.CoordinatorID, &rec.Sequence, &rec.EventType, &rec.TaskID, &rec.SubtaskID, &rec.ActorID,
			&rec.IssuedAtMs, &rec.PrevHash, &rec.CheckpointHeight, &rec.CheckpointHash,
			&rec.PayloadJSON, &rec.Hash, &rec.Signature,
		); err != nil {
			return nil, fmt.Errorf("scan stats ledger record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// QUORUM LEDGER
// ============================================================================

// QuorumRepository persists issuance epoch proposal/vote/commit/checkpoint
// records.
type QuorumRepository struct {
	client *Client
}

// Append stores a quorum ledger record.
func (r *QuorumRepository) Append(ctx context.Context, rec QuorumRow) error {
	const query = `
		INSERT INTO quorum_ledger_records (
			record_id, record_type, epoch_id, coordinator_id, prev_hash,
			hash, payload_json, signature, created_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (record_id) DO NOTHING`

	_, err := r.client.ExecContext(ctx, query,
		rec.RecordID, rec.RecordType, rec.EpochID, rec.CoordinatorID, rec.PrevHash,
		rec.Hash, rec.PayloadJSON, rec.Signature, rec.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("append quorum record: %w", err)
	}
	return nil
}

// ByEpoch returns every record for an epoch in insertion order.
func (r *QuorumRepository) ByEpoch(ctx context.Context, epochID string) ([]QuorumRow, error) {
	const query = `
		SELECT record_id, record_type, epoch_id, coordinator_id, prev_hash,
		       hash, payload_json, signature, created_at_ms
		FROM quorum_ledger_records
		WHERE epoch_id = $1
		ORDER BY created_at_ms ASC`

	rows, err := r.client.QueryContext(ctx, query, epochID)
	if err != nil {
		return nil, fmt.Errorf("quorum by epoch: %w", err)
	}
	defer rows.Close()

	var out []QuorumRow
	for rows.Next() {
		var rec QuorumRow
		if err := rows.Scan(
			&rec.RecordID, &rec.RecordType, &rec.EpochID, &rec.CoordinatorID, &rec.PrevHash,
			&rec.Hash, &rec.PayloadJSON, &rec.Signature, &rec.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan quorum record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QuorumRow is the persisted shape of a quorum ledger record.
type QuorumRow struct {
	RecordID      string
	RecordType    string
	EpochID       string
	CoordinatorID string
	PrevHash      string
	Hash          string
	PayloadJSON   string
	Signature     string
	CreatedAtMs   int64
}

// ============================================================================
// BLACKLIST
// ============================================================================

// BlacklistRepository persists the independent blacklist hash chain.
type BlacklistRepository struct {
	client *Client
}

// Append stores a blacklist event.
func (r *BlacklistRepository) Append(ctx context.Context, rec BlacklistRow) error {
	const query = `
		INSERT INTO blacklist_records (
			event_id, agent_id, reason_code, evidence_hash_sha256, reporter_id,
			reporter_signature, source_coordinator_id, timestamp_ms, expires_at_ms,
			prev_event_hash, event_hash, coordinator_signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING`

	_, err := r.client.ExecContext(ctx, query,
		rec.EventID, rec.AgentID, rec.ReasonCode, rec.EvidenceHashSha256, rec.ReporterID,
		rec.ReporterSignature, rec.SourceCoordinatorID, rec.TimestampMs, rec.ExpiresAtMs,
		rec.PrevEventHash, rec.EventHash, rec.CoordinatorSignature,
	)
	if err != nil {
		return fmt.Errorf("append blacklist record: %w", err)
	}
	return nil
}

// Latest returns the most recently appended blacklist record, if any.
func (r *BlacklistRepository) Latest(ctx context.Context) (*BlacklistRow, error) {
	const query = `
		SELECT event_id, agent_id, reason_code, evidence_hash_sha256, reporter_id,
		       reporter_signature, source_coordinator_id, timestamp_ms, expires_at_ms,
		       prev_event_hash, event_hash, coordinator_signature
		FROM blacklist_records
		ORDER BY timestamp_ms DESC
		LIMIT 1`

	var rec BlacklistRow
	err := r.client.QueryRowContext(ctx, query).Scan(
		&rec.EventID, &rec.AgentID, &rec.ReasonCode, &rec.EvidenceHashSha256, &rec.ReporterID,
		&rec.ReporterSignature, &rec.SourceCoordinatorID, &rec.TimestampMs, &rec.ExpiresAtMs,
		&rec.PrevEventHash, &rec.EventHash, &rec.CoordinatorSignature,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest blacklist record: %w", err)
	}
	return &rec, nil
}

// BlacklistRow is the persisted shape of a coordtypes.BlacklistRecord.
type BlacklistRow struct {
	EventID              string
	AgentID              string
	ReasonCode           string
	EvidenceHashSha256   string
	ReporterID           string
	ReporterSignature    string
	SourceCoordinatorID  string
	TimestampMs          int64
	ExpiresAtMs          int64
	PrevEventHash        string
	EventHash            string
	CoordinatorSignature string
}

// ============================================================================
// ANCHORS
// ============================================================================

// AnchorRepository persists anchor intent/confirmation records (C10).
type AnchorRepository struct {
	client *Client
}

// AnchorStatus mirrors the pending/anchored state machine of §4.10.
type AnchorStatus string

const (
	AnchorPending  AnchorStatus = "pending"
	AnchorAnchored AnchorStatus = "anchored"
)

// AnchorRow is the persisted anchor record.
type AnchorRow struct {
	AnchorID       string
	EpochID        string
	CheckpointHash string
	Network        string
	TxRef          string
	Status         AnchorStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Create inserts a new anchor intent with the status carried in row.
func (r *AnchorRepository) Create(ctx context.Context, row AnchorRow) error {
	const query = `
		INSERT INTO anchor_records (
			anchor_id, epoch_id, checkpoint_hash, network, tx_ref, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (anchor_id) DO NOTHING`

	_, err := r.client.ExecContext(ctx, query,
		row.AnchorID, row.EpochID, row.CheckpointHash, row.Network, row.TxRef, row.Status, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("create anchor: %w", err)
	}
	return nil
}

// UpdateStatus transitions an anchor between pending/anchored (and back, on
// reorg).
func (r *AnchorRepository) UpdateStatus(ctx context.Context, anchorID string, status AnchorStatus) error {
	const query = `UPDATE anchor_records SET status = $2, updated_at = $3 WHERE anchor_id = $1`
	res, err := r.client.ExecContext(ctx, query, anchorID, status, time.Now())
	if err != nil {
		return fmt.Errorf("update anchor status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrAnchorNotFound
	}
	return nil
}

// ByCheckpointHash looks up an anchor by its checkpoint hash.
func (r *AnchorRepository) ByCheckpointHash(ctx context.Context, checkpointHash string) (*AnchorRow, error) {
	const query = `
		SELECT anchor_id, epoch_id, checkpoint_hash, network, tx_ref, status, created_at, updated_at
		FROM anchor_records WHERE checkpoint_hash = $1`

	var row AnchorRow
	err := r.client.QueryRowContext(ctx, query, checkpointHash).Scan(
		&row.AnchorID, &row.EpochID, &row.CheckpointHash, &row.Network, &row.TxRef, &row.Status,
		&row.CreatedAt, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("anchor by checkpoint hash: %w", err)
	}
	return &row, nil
}

// ============================================================================
// PROJECTIONS: NODE STATUS
// ============================================================================

// NodeStatusRepository maintains the nodeId -> status read projection built
// from stats ledger ingest.
type NodeStatusRepository struct {
	client *Client
}

// NodeStatusRow is one projection row.
type NodeStatusRow struct {
	NodeID     string
	OwnerEmail string
	Approved   bool
	Active     bool
	LastSeenMs int64
}

// Upsert writes or updates a node's projected status.
func (r *NodeStatusRepository) Upsert(ctx context.Context, row NodeStatusRow) error {
	const query = `
		INSERT INTO node_status_projection (node_id, owner_email, approved, active, last_seen_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (node_id) DO UPDATE SET
			owner_email = EXCLUDED.owner_email,
			approved = EXCLUDED.approved,
			active = EXCLUDED.active,
			last_seen_ms = EXCLUDED.last_seen_ms`

	_, err := r.client.ExecContext(ctx, query, row.NodeID, row.OwnerEmail, row.Approved, row.Active, row.LastSeenMs)
	if err != nil {
		return fmt.Errorf("upsert node status: %w", err)
	}
	return nil
}

// Get returns a node's projected status.
func (r *NodeStatusRepository) Get(ctx context.Context, nodeID string) (*NodeStatusRow, error) {
	const query = `
		SELECT node_id, owner_email, approved, active, last_seen_ms
		FROM node_status_projection WHERE node_id = $1`

	var row NodeStatusRow
	err := r.client.QueryRowContext(ctx, query, nodeID).Scan(
		&row.NodeID, &row.OwnerEmail, &row.Approved, &row.Active, &row.LastSeenMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNodeStatusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node status: %w", err)
	}
	return &row, nil
}

// ============================================================================
// PROJECTIONS: EARNINGS
// ============================================================================

// EarningsRepository maintains the accountId -> earnings read projection.
type EarningsRepository struct {
	client *Client
}

// EarningsRow is one projection row.
type EarningsRow struct {
	AccountID string
	Credits   float64
	TaskCount int64
}

// Accrue adds credits and increments the task count for an account,
// creating the row if absent.
func (r *EarningsRepository) Accrue(ctx context.Context, accountID string, credits float64) error {
	const query = `
		INSERT INTO account_earnings_projection (account_id, credits, task_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (account_id) DO UPDATE SET
			credits = account_earnings_projection.credits + EXCLUDED.credits,
			task_count = account_earnings_projection.task_count + 1`

	_, err := r.client.ExecContext(ctx, query, accountID, credits)
	if err != nil {
		return fmt.Errorf("accrue earnings: %w", err)
	}
	return nil
}

// Get returns an account's projected earnings.
func (r *EarningsRepository) Get(ctx context.Context, accountID string) (*EarningsRow, error) {
	const query = `SELECT account_id, credits, task_count FROM account_earnings_projection WHERE account_id = $1`

	var row EarningsRow
	err := r.client.QueryRowContext(ctx, query, accountID).Scan(&row.AccountID, &row.Credits, &row.TaskCount)
	if err == sql.ErrNoRows {
		return nil, ErrEarningsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get earnings: %w", err)
	}
	return &row, nil
}
