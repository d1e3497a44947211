// Copyright 2025 Certen Protocol
//
// Ordering chain (C2): per-coordinator append-only hash-chained signed log
// of queue events.
//
// CONCURRENCY: Chain assumes a single logical writer guarded by mu. Unlike
// the teacher's LedgerStore (which documents single-writer access because it
// is only ever called from a consensus-commit thread), this coordinator has
// many concurrent HTTP handlers appending events, so the mutex is explicit
// rather than assumed.

package orderingchain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
)

const genesisHash = "GENESIS"

var (
	ErrHashMismatch    = errors.New("hash_mismatch")
	ErrInvalidSequence = errors.New("invalid_sequence")
	ErrInvalidPrevHash = errors.New("invalid_prev_hash")
	ErrInvalidSignature = errors.New("invalid_signature")
)

// Event is the caller-supplied content for a new chain link; sequence,
// prevHash, issuedAtMs, hash and signature are all filled in by Append.
type Event struct {
	EventType        coordtypes.EventType
	TaskID           string
	SubtaskID        string
	ActorID          string
	CoordinatorID    string
	CheckpointHeight uint64
	CheckpointHash   string
	PayloadJSON      string
}

// Chain is a single coordinator's ordering chain.
type Chain struct {
	mu      sync.Mutex
	records []coordtypes.QueueEvent
	keys    *identity.KeyPair
	nowMs   func() int64
}

// New creates an empty chain signed with the given coordinator keypair.
func New(keys *identity.KeyPair) *Chain {
	return &Chain{keys: keys, nowMs: coordtypes.NowMs}
}

// Append adds a new signed, hash-linked record to the chain and returns it.
func (c *Chain) Append(ev Event) (coordtypes.QueueEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := uint64(len(c.records) + 1)
	prev := genesisHash
	if len(c.records) > 0 {
		prev = c.records[len(c.records)-1].Hash
	}

	rec := coordtypes.QueueEvent{
		ID:               fmt.Sprintf("evt-%d", seq),
		EventType:        ev.EventType,
		TaskID:           ev.TaskID,
		SubtaskID:        ev.SubtaskID,
		ActorID:          ev.ActorID,
		Sequence:         seq,
		IssuedAtMs:       c.nowMs(),
		PrevHash:         prev,
		CoordinatorID:    ev.CoordinatorID,
		CheckpointHeight: ev.CheckpointHeight,
		CheckpointHash:   ev.CheckpointHash,
		PayloadJSON:      ev.PayloadJSON,
	}

	h := hashRecord(rec)
	rec.Hash = h
	rec.Signature = identity.SignPayloadHex(c.keys.PrivateKey, []byte(h))

	c.records = append(c.records, rec)
	return rec, nil
}

// Snapshot returns a copy of all records in the chain.
func (c *Chain) Snapshot() []coordtypes.QueueEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]coordtypes.QueueEvent, len(c.records))
	copy(out, c.records)
	return out
}

// Len returns the number of records in the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Head returns the last record, if any.
func (c *Chain) Head() (coordtypes.QueueEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		return coordtypes.QueueEvent{}, false
	}
	return c.records[len(c.records)-1], true
}

// hashRecord computes SHA-256 over the canonical serialization of every
// field except Hash and Signature.
func hashRecord(rec coordtypes.QueueEvent) string {
	clone := rec
	clone.Hash = ""
	clone.Signature = ""
	b, _ := json.Marshal(clone)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify walks a snapshot of records and checks (a) sequences strictly
// increasing by 1 starting at 1, (b) prevHash linkage, (c) recomputed hash
// equals the stored hash, (d) the signature verifies against pubKey. It
// returns the first failure reason encountered, or nil if the chain is
// fully valid.
func Verify(records []coordtypes.QueueEvent, pubKey ed25519.PublicKey) error {
	prev := genesisHash
	for i, rec := range records {
		if rec.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: record %d has sequence %d", ErrInvalidSequence, i, rec.Sequence)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: record %d", ErrInvalidPrevHash, i)
		}
		wantHash := hashRecord(rec)
		if wantHash != rec.Hash {
			return fmt.Errorf("%w: record %d", ErrHashMismatch, i)
		}
		if !identity.VerifyPayloadHex(pubKey, []byte(rec.Hash), rec.Signature) {
			return fmt.Errorf("%w: record %d", ErrInvalidSignature, i)
		}
		prev = rec.Hash
	}
	return nil
}
