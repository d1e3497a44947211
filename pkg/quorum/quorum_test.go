// Copyright 2025 Certen Protocol

package quorum

import (
	"testing"

	"github.com/certen/coordinator/pkg/identity"
)

func newTestLedger(t *testing.T, coordinatorID string) *Ledger {
	t.Helper()
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return New(coordinatorID, keys)
}

func TestProposeEpoch_AppendsProposalAndSelfVote(t *testing.T) {
	l := newTestLedger(t, "coord-a")

	proposalRec, voteRec := l.ProposeEpoch(EpochProposal{EpochID: "epoch-1", PoolSize: 100})

	if proposalRec.RecordType != RecordIssuanceProposal {
		t.Errorf("proposalRec.RecordType = %v, want issuance_proposal", proposalRec.RecordType)
	}
	if voteRec.RecordType != RecordIssuanceVote {
		t.Errorf("voteRec.RecordType = %v, want issuance_vote", voteRec.RecordType)
	}
	if voteRec.PrevHash != proposalRec.Hash {
		t.Errorf("voteRec.PrevHash = %s, want to chain onto proposalRec.Hash %s", voteRec.PrevHash, proposalRec.Hash)
	}
	if len(l.Snapshot()) != 2 {
		t.Errorf("snapshot len = %d, want 2", len(l.Snapshot()))
	}
}

func TestRecordVote_ReachesThreshold(t *testing.T) {
	l := newTestLedger(t, "coord-a")
	l.ProposeEpoch(EpochProposal{EpochID: "epoch-1"})

	// threshold for 3 known coordinators is floor(3/2)+1 = 2; self already
	// counts as one approval, so the first peer vote should cross it.
	if reached := l.RecordVote("epoch-1", "coord-b", true, 3); !reached {
		t.Fatal("expected threshold reached after second approval")
	}
}

func TestRecordVote_DuplicateVoterIgnored(t *testing.T) {
	l := newTestLedger(t, "coord-a")
	l.ProposeEpoch(EpochProposal{EpochID: "epoch-1"})

	l.RecordVote("epoch-1", "coord-b", true, 5)
	if reached := l.RecordVote("epoch-1", "coord-b", true, 5); reached {
		t.Error("expected duplicate vote from coord-b to be ignored")
	}
}

func TestRecordVote_UnknownEpochIgnored(t *testing.T) {
	l := newTestLedger(t, "coord-a")
	if reached := l.RecordVote("never-proposed", "coord-b", true, 2); reached {
		t.Error("expected vote on unknown epoch to be ignored")
	}
}

func TestCommit_MarksFinalized(t *testing.T) {
	l := newTestLedger(t, "coord-a")
	l.ProposeEpoch(EpochProposal{EpochID: "epoch-1"})

	if l.IsFinalized("epoch-1") {
		t.Fatal("epoch should not be finalized before Commit")
	}
	rec := l.Commit("epoch-1")
	if rec.RecordType != RecordIssuanceCommit {
		t.Errorf("Commit record type = %v, want issuance_commit", rec.RecordType)
	}
	if !l.IsFinalized("epoch-1") {
		t.Error("epoch should be finalized after Commit")
	}
}

func TestReceiveProposal_IgnoresDuplicateDelivery(t *testing.T) {
	l := newTestLedger(t, "coord-b")
	proposal := EpochProposal{EpochID: "epoch-1", PoolSize: 50}

	if !l.ReceiveProposal(proposal) {
		t.Fatal("expected first delivery to register the epoch")
	}
	if l.ReceiveProposal(proposal) {
		t.Error("expected second delivery of the same epoch to be a no-op")
	}

	got, ok := l.Proposal("epoch-1")
	if !ok || got.PoolSize != 50 {
		t.Errorf("Proposal(epoch-1) = %+v, ok=%v", got, ok)
	}
}

func TestReceiveProposal_DoesNotCastOwnVote(t *testing.T) {
	l := newTestLedger(t, "coord-b")
	l.ReceiveProposal(EpochProposal{EpochID: "epoch-1"})

	// coord-b did not vote yet, so a single peer vote should not reach a
	// threshold of 2 out of 2 known coordinators.
	if reached := l.RecordVote("epoch-1", "coord-c", true, 2); reached {
		t.Error("expected threshold not reached without coord-b's own vote")
	}
	if reached := l.RecordVote("epoch-1", "coord-b", true, 2); !reached {
		t.Error("expected threshold reached once coord-b also approves")
	}
}

func TestAppendCheckpoint_MarksEpochCheckpointed(t *testing.T) {
	l := newTestLedger(t, "coord-a")
	l.ProposeEpoch(EpochProposal{EpochID: "epoch-1"})
	l.Commit("epoch-1")

	if l.IsCheckpointed("epoch-1") {
		t.Fatal("epoch should not be checkpointed before AppendCheckpoint")
	}
	rec := l.AppendCheckpoint("epoch-1", "deadbeef")
	if rec.RecordType != RecordIssuanceCheckpoint {
		t.Errorf("record type = %v, want issuance_checkpoint", rec.RecordType)
	}
	if !l.IsCheckpointed("epoch-1") {
		t.Error("epoch should be checkpointed after AppendCheckpoint")
	}
}

func TestSnapshot_PreservesHashChainOrder(t *testing.T) {
	l := newTestLedger(t, "coord-a")
	l.ProposeEpoch(EpochProposal{EpochID: "epoch-1"})
	l.Commit("epoch-1")
	l.AppendCheckpoint("epoch-1", "deadbeef")

	snapshot := l.Snapshot()
	prev := "GENESIS"
	for i, rec := range snapshot {
		if rec.PrevHash != prev {
			t.Fatalf("record %d: PrevHash = %s, want %s", i, rec.PrevHash, prev)
		}
		prev = rec.Hash
	}
}
