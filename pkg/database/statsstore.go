// Copyright 2025 Certen Protocol
//
// StatsStore adapts the stats-ledger and projection repositories to
// coordtypes.QueueEvent, the shape pkg/statsledger operates on, so that
// package never needs to import the persistence layer's row types.

package database

import (
	"context"

	"github.com/certen/coordinator/pkg/coordtypes"
)

// StatsStore implements statsledger.Store against the stats ledger, node
// status, and earnings repositories.
type StatsStore struct {
	Repos *Repositories
}

// NewStatsStore builds the adapter.
func NewStatsStore(repos *Repositories) *StatsStore {
	return &StatsStore{Repos: repos}
}

func rowFromEvent(rec coordtypes.QueueEvent) OrderingChainRow {
	return OrderingChainRow{
		CoordinatorID:    rec.CoordinatorID,
		Sequence:         rec.Sequence,
		EventType:        string(rec.EventType),
		TaskID:           rec.TaskID,
		SubtaskID:        rec.SubtaskID,
		ActorID:          rec.ActorID,
		IssuedAtMs:       rec.IssuedAtMs,
		PrevHash:         rec.PrevHash,
		CheckpointHeight: rec.CheckpointHeight,
		CheckpointHash:   rec.CheckpointHash,
		PayloadJSON:      rec.PayloadJSON,
		Hash:             rec.Hash,
		Signature:        rec.Signature,
	}
}

func eventFromRow(row OrderingChainRow) coordtypes.QueueEvent {
	return coordtypes.QueueEvent{
		ID:               row.Hash,
		EventType:        coordtypes.EventType(row.EventType),
		TaskID:           row.TaskID,
		SubtaskID:        row.SubtaskID,
		ActorID:          row.ActorID,
		Sequence:         row.Sequence,
		IssuedAtMs:       row.IssuedAtMs,
		PrevHash:         row.PrevHash,
		CoordinatorID:    row.CoordinatorID,
		CheckpointHeight: row.CheckpointHeight,
		CheckpointHash:   row.CheckpointHash,
		PayloadJSON:      row.PayloadJSON,
		Hash:             row.Hash,
		Signature:        row.Signature,
	}
}

// Insert persists a stats ledger record.
func (s *StatsStore) Insert(ctx context.Context, rec coordtypes.QueueEvent) error {
	return s.Repos.StatsLedger.Insert(ctx, rowFromEvent(rec))
}

// Head returns the most recent stats record for coordinatorID.
func (s *StatsStore) Head(ctx context.Context, coordinatorID string) (*coordtypes.QueueEvent, bool, error) {
	row, err := s.Repos.StatsLedger.Head(ctx, coordinatorID)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec := eventFromRow(*row)
	return &rec, true, nil
}

// Range returns stats records for coordinatorID issued after sinceIssuedAtMs.
func (s *StatsStore) Range(ctx context.Context, coordinatorID string, sinceIssuedAtMs int64, limit int) ([]coordtypes.QueueEvent, error) {
	rows, err := s.Repos.StatsLedger.Range(ctx, coordinatorID, sinceIssuedAtMs, limit)
	if err != nil {
		return nil, err
	}
	out := make([]coordtypes.QueueEvent, len(rows))
	for i, row := range rows {
		out[i] = eventFromRow(row)
	}
	return out, nil
}

// UpsertNodeStatus writes the node-status projection.
func (s *StatsStore) UpsertNodeStatus(ctx context.Context, nodeID, ownerEmail string, approved, active bool, lastSeenMs int64) error {
	return s.Repos.NodeStatus.Upsert(ctx, NodeStatusRow{
		NodeID:     nodeID,
		OwnerEmail: ownerEmail,
		Approved:   approved,
		Active:     active,
		LastSeenMs: lastSeenMs,
	})
}

// AccrueEarnings writes the account-earnings projection.
func (s *StatsStore) AccrueEarnings(ctx context.Context, accountID string, credits float64) error {
	return s.Repos.Earnings.Accrue(ctx, accountID, credits)
}
