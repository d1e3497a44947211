// Copyright 2025 Certen Protocol
//
// AnchorStore adapts AnchorRepository to anchorcoord.Store, translating
// between the repository's row-shaped Create and the coordinator's
// flat-argument Create and between the two packages' independently-defined
// AnchorStatus types.

package database

import (
	"context"

	"github.com/certen/coordinator/pkg/anchorcoord"
)

// AnchorStore implements anchorcoord.Store against AnchorRepository.
type AnchorStore struct {
	Repo *AnchorRepository
}

// NewAnchorStore builds the adapter.
func NewAnchorStore(repo *AnchorRepository) *AnchorStore {
	return &AnchorStore{Repo: repo}
}

func toAnchorStatus(s anchorcoord.AnchorStatus) AnchorStatus {
	switch s {
	case anchorcoord.StatusAnchored:
		return AnchorAnchored
	default:
		return AnchorPending
	}
}

// Create persists a new anchor intent.
func (s *AnchorStore) Create(ctx context.Context, anchorID, epochID, checkpointHash, network, txRef string, status anchorcoord.AnchorStatus) error {
	return s.Repo.Create(ctx, AnchorRow{
		AnchorID:       anchorID,
		EpochID:        epochID,
		CheckpointHash: checkpointHash,
		Network:        network,
		TxRef:          txRef,
		Status:         toAnchorStatus(status),
	})
}

// UpdateStatus transitions an anchor's persisted status.
func (s *AnchorStore) UpdateStatus(ctx context.Context, anchorID string, status anchorcoord.AnchorStatus) error {
	return s.Repo.UpdateStatus(ctx, anchorID, toAnchorStatus(status))
}
