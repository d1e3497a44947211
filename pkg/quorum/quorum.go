// Copyright 2025 Certen Protocol
//
// Quorum ledger (C9): issuance epoch proposal/vote/commit/checkpoint
// records; stats checkpoint signatures are counted in pkg/statsledger
// instead. A separate hash chain from the ordering
// chain; ordering is per-coordinator append but the logical chain is
// per-epoch.

package quorum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
)

// RecordType enumerates the quorum ledger record kinds.
type RecordType string

const (
	RecordIssuanceProposal   RecordType = "issuance_proposal"
	RecordIssuanceVote       RecordType = "issuance_vote"
	RecordIssuanceCommit     RecordType = "issuance_commit"
	RecordIssuanceCheckpoint RecordType = "issuance_checkpoint"
)

// Record is one quorum ledger entry.
type Record struct {
	RecordID      string
	RecordType    RecordType
	EpochID       string
	CoordinatorID string
	PrevHash      string
	Hash          string
	PayloadJSON   string
	Signature     string
	CreatedAtMs   int64
}

// Allocation is one account's share of an issuance epoch's pool.
type Allocation struct {
	AccountID string
	Credits   float64
}

// EpochProposal is the computed content of an issuance_proposal record.
type EpochProposal struct {
	EpochID     string
	PoolSize    float64
	LoadIndex   float64
	Allocations []Allocation
}

type epochState struct {
	proposal     EpochProposal
	votes        map[string]bool // coordinatorID -> approve
	finalized    bool
	checkpointed bool
}

// Ledger tracks quorum records and epoch finalization state in memory only;
// no caller writes the appended records to pkg/database's QuorumRepository.
type Ledger struct {
	mu       sync.Mutex
	records  []Record
	epochs   map[string]*epochState
	coordID  string
	keys     *identity.KeyPair
}

// New creates an empty quorum ledger for this coordinator.
func New(coordinatorID string, keys *identity.KeyPair) *Ledger {
	return &Ledger{
		epochs:  make(map[string]*epochState),
		coordID: coordinatorID,
		keys:    keys,
	}
}

func (l *Ledger) append(recordType RecordType, epochID string, payload interface{}) Record {
	prev := "GENESIS"
	if len(l.records) > 0 {
		prev = l.records[len(l.records)-1].Hash
	}
	payloadJSON, _ := json.Marshal(payload)

	rec := Record{
		RecordID:      uuid.NewString(),
		RecordType:    recordType,
		EpochID:       epochID,
		CoordinatorID: l.coordID,
		PrevHash:      prev,
		PayloadJSON:   string(payloadJSON),
		CreatedAtMs:   coordtypes.NowMs(),
	}
	sum := sha256.Sum256([]byte(prev + string(recordType) + epochID + string(payloadJSON)))
	rec.Hash = hex.EncodeToString(sum[:])
	rec.Signature = identity.SignPayloadHex(l.keys.PrivateKey, []byte(rec.Hash))

	l.records = append(l.records, rec)
	return rec
}

// ProposeEpoch appends issuance_proposal and this coordinator's own approve
// vote (issuance_vote), returning both records.
func (l *Ledger) ProposeEpoch(proposal EpochProposal) (Record, Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.epochs[proposal.EpochID] = &epochState{
		proposal: proposal,
		votes:    map[string]bool{l.coordID: true},
	}

	proposalRec := l.append(RecordIssuanceProposal, proposal.EpochID, proposal)
	voteRec := l.append(RecordIssuanceVote, proposal.EpochID, map[string]interface{}{
		"coordinatorId": l.coordID,
		"approve":       true,
	})
	return proposalRec, voteRec
}

// RecordVote registers a peer coordinator's vote for an epoch. A
// coordinator may vote once per epoch; duplicates are ignored. Returns
// true if, after this vote, the approvals meet the quorum threshold
// floor(knownCoordinatorCount/2)+1 and the epoch is not yet finalized, for
// the caller to then Commit.
func (l *Ledger) RecordVote(epochID, coordinatorID string, approve bool, knownCoordinatorCount int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.epochs[epochID]
	if !ok || st.finalized {
		return false
	}
	if _, voted := st.votes[coordinatorID]; voted {
		return false
	}
	st.votes[coordinatorID] = approve

	approvals := 0
	for _, v := range st.votes {
		if v {
			approvals++
		}
	}
	threshold := knownCoordinatorCount/2 + 1
	return approvals >= threshold
}

// Commit appends issuance_commit and marks the epoch finalized.
func (l *Ledger) Commit(epochID string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.epochs[epochID]
	if ok {
		st.finalized = true
	}
	return l.append(RecordIssuanceCommit, epochID, map[string]string{"epochId": epochID})
}

// AppendCheckpoint appends an issuance_checkpoint record carrying a
// checkpoint hash, used by the anchor coordinator.
func (l *Ledger) AppendCheckpoint(epochID, checkpointHash string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.epochs[epochID]; ok {
		st.checkpointed = true
	}
	return l.append(RecordIssuanceCheckpoint, epochID, map[string]string{"checkpointHash": checkpointHash})
}

// IsFinalized reports whether an epoch has committed.
func (l *Ledger) IsFinalized(epochID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.epochs[epochID]
	return ok && st.finalized
}

// IsCheckpointed reports whether an epoch already has an issuance_checkpoint
// record, so the anchor coordinator doesn't re-anchor it.
func (l *Ledger) IsCheckpointed(epochID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.epochs[epochID]
	return ok && st.checkpointed
}

// ReceiveProposal registers an issuance_proposal learned via gossip from a
// peer coordinator that originated the epoch. Unlike ProposeEpoch, it does
// not cast this coordinator's own vote or append any record — the caller
// decides whether and how to vote. Returns false if the epoch was already
// known (gossip may deliver the same proposal more than once).
func (l *Ledger) ReceiveProposal(proposal EpochProposal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.epochs[proposal.EpochID]; ok {
		return false
	}
	l.epochs[proposal.EpochID] = &epochState{
		proposal: proposal,
		votes:    make(map[string]bool),
	}
	return true
}

// Proposal returns the proposal content recorded for an epoch, if known.
func (l *Ledger) Proposal(epochID string) (EpochProposal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.epochs[epochID]
	if !ok {
		return EpochProposal{}, false
	}
	return st.proposal, true
}

// Snapshot returns a copy of every quorum record appended so far.
func (l *Ledger) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}
