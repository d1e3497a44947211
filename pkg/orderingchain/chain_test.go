// Copyright 2025 Certen Protocol

package orderingchain

import (
	"testing"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
)

func newTestChain(t *testing.T) (*Chain, *identity.KeyPair) {
	t.Helper()
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return New(keys), keys
}

func TestAppend_GenesisAndSequence(t *testing.T) {
	c, _ := newTestChain(t)

	first, err := c.Append(Event{EventType: coordtypes.EventNodeApproval, ActorID: "worker-1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", first.Sequence)
	}
	if first.PrevHash != genesisHash {
		t.Errorf("prevHash = %q, want %q", first.PrevHash, genesisHash)
	}

	second, err := c.Append(Event{EventType: coordtypes.EventTaskEnqueue, TaskID: "T1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", second.Sequence)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("prevHash = %q, want %q", second.PrevHash, first.Hash)
	}
}

func TestVerify_ValidChainPasses(t *testing.T) {
	c, keys := newTestChain(t)
	for i := 0; i < 5; i++ {
		if _, err := c.Append(Event{EventType: coordtypes.EventTaskEnqueue, TaskID: "T1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := Verify(c.Snapshot(), keys.PublicKey); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestVerify_TamperedHashRejected(t *testing.T) {
	c, keys := newTestChain(t)
	if _, err := c.Append(Event{EventType: coordtypes.EventTaskEnqueue, TaskID: "T1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records := c.Snapshot()
	records[0].TaskID = "T2" // mutate payload without recomputing hash/signature

	if err := Verify(records, keys.PublicKey); err == nil {
		t.Error("expected verify to reject a tampered record")
	}
}

func TestVerify_BrokenPrevHashLinkageRejected(t *testing.T) {
	c, keys := newTestChain(t)
	for i := 0; i < 3; i++ {
		if _, err := c.Append(Event{EventType: coordtypes.EventTaskEnqueue, TaskID: "T1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records := c.Snapshot()
	records[2].PrevHash = "not-the-real-prev-hash"

	if err := Verify(records, keys.PublicKey); err == nil {
		t.Error("expected verify to reject broken prevHash linkage")
	}
}

func TestVerify_WrongSignerRejected(t *testing.T) {
	c, _ := newTestChain(t)
	if _, err := c.Append(Event{EventType: coordtypes.EventTaskEnqueue, TaskID: "T1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	other, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	if err := Verify(c.Snapshot(), other.PublicKey); err == nil {
		t.Error("expected verify to reject a chain signed by a different key")
	}
}
