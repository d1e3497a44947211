// Copyright 2025 Certen Protocol

package mesh

import (
	"testing"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
)

func TestBlacklistChain_AppendThenVerifyLinkage(t *testing.T) {
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	c := NewBlacklistChain("coord-a", keys)

	c.Append("worker-1", "dos_behavior", "deadbeef", "policy-engine", "", 0, coordtypes.NowMs())
	c.Append("worker-2", "dos_behavior", "deadbeef", "policy-engine", "", 0, coordtypes.NowMs())

	if err := VerifyChainLinkage(c.Snapshot()); err != nil {
		t.Errorf("verify linkage: %v", err)
	}
	if !c.IsBlacklisted("worker-1") {
		t.Error("expected worker-1 to be blacklisted")
	}
}

func TestMergeRemote_BrokenPrevHashLinkageRejectedWithoutMutation(t *testing.T) {
	localKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	local := NewBlacklistChain("coord-a", localKeys)
	local.Append("worker-1", "dos_behavior", "deadbeef", "policy-engine", "", 0, coordtypes.NowMs())

	remoteKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	remote := NewBlacklistChain("coord-b", remoteKeys)
	rec := remote.Append("worker-2", "dos_behavior", "deadbeef", "policy-engine", "", 0, coordtypes.NowMs())
	// rec.PrevEventHash is "GENESIS" (remote's first record), which does not
	// chain onto local's existing head.

	before := local.Snapshot()
	err = local.MergeRemote(rec, remoteKeys.PublicKey)
	if err != ErrBlacklistChainMismatch {
		t.Fatalf("expected ErrBlacklistChainMismatch, got %v", err)
	}

	after := local.Snapshot()
	if len(after) != len(before) {
		t.Errorf("local chain mutated on a rejected merge: before=%d after=%d", len(before), len(after))
	}
}

func TestMergeRemote_ValidChainedRecordAccepted(t *testing.T) {
	localKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	local := NewBlacklistChain("coord-a", localKeys)

	remoteKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	remote := NewBlacklistChain("coord-b", remoteKeys)
	rec := remote.Append("worker-1", "dos_behavior", "deadbeef", "policy-engine", "", 0, coordtypes.NowMs())

	if err := local.MergeRemote(rec, remoteKeys.PublicKey); err != nil {
		t.Fatalf("merge remote: %v", err)
	}
	if !local.IsBlacklisted("worker-1") {
		t.Error("expected worker-1 to be blacklisted locally after a valid merge")
	}
}
