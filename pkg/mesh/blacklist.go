// Copyright 2025 Certen Protocol
//
// Blacklist (C7 adjacent): independent hash chain of agent blacklist events,
// validated and merged from blacklist_update gossip as well as local
// /security/blacklist submissions.

package mesh

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
)

var ErrBlacklistChainMismatch = errors.New("blacklist_chain_mismatch")

const blacklistGenesisHash = "GENESIS"

// BlacklistChain is the coordinator's local view of the blacklist hash
// chain, a sync.RWMutex-guarded map plus an ordered hash-linked history.
type BlacklistChain struct {
	mu       sync.RWMutex
	records  []coordtypes.BlacklistRecord
	byAgent  map[string]bool
	keys     *identity.KeyPair
	coordID  string
}

// NewBlacklistChain creates an empty chain signed by this coordinator.
func NewBlacklistChain(coordinatorID string, keys *identity.KeyPair) *BlacklistChain {
	return &BlacklistChain{
		records: nil,
		byAgent: make(map[string]bool),
		keys:    keys,
		coordID: coordinatorID,
	}
}

func hashBlacklistRecord(rec coordtypes.BlacklistRecord) string {
	clone := rec
	clone.EventHash = ""
	clone.CoordinatorSignature = ""
	b, _ := json.Marshal(clone)
	return Sha256Hex(b)
}

// Append creates, hashes, signs, and appends a new local blacklist event.
func (c *BlacklistChain) Append(agentID, reasonCode, evidenceHashSha256, reporterID, reporterSignature string, expiresAtMs, timestampMs int64) coordtypes.BlacklistRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := blacklistGenesisHash
	if len(c.records) > 0 {
		prev = c.records[len(c.records)-1].EventHash
	}

	rec := coordtypes.BlacklistRecord{
		EventID:             uuid.NewString(),
		AgentID:             agentID,
		ReasonCode:          reasonCode,
		EvidenceHashSha256:  evidenceHashSha256,
		ReporterID:          reporterID,
		ReporterSignature:   reporterSignature,
		SourceCoordinatorID: c.coordID,
		TimestampMs:         timestampMs,
		ExpiresAtMs:         expiresAtMs,
		PrevEventHash:       prev,
	}
	rec.EventHash = hashBlacklistRecord(rec)
	rec.CoordinatorSignature = identity.SignPayloadHex(c.keys.PrivateKey, []byte(rec.EventHash))

	c.records = append(c.records, rec)
	c.byAgent[agentID] = true
	return rec
}

// MergeRemote validates and appends a blacklist_update received over gossip.
// Rejects without mutating local state if prevEventHash does not chain to
// our last known event, or timestampMs is older than that event's.
func (c *BlacklistChain) MergeRemote(rec coordtypes.BlacklistRecord, sourcePubKey ed25519.PublicKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expectedPrev := blacklistGenesisHash
	if len(c.records) > 0 {
		expectedPrev = c.records[len(c.records)-1].EventHash
	}
	if rec.PrevEventHash != expectedPrev {
		return ErrBlacklistChainMismatch
	}
	if len(c.records) > 0 && rec.TimestampMs < c.records[len(c.records)-1].TimestampMs {
		return ErrBlacklistChainMismatch
	}

	wantHash := hashBlacklistRecord(rec)
	if wantHash != rec.EventHash {
		return ErrBlacklistChainMismatch
	}
	if !identity.VerifyPayloadHex(sourcePubKey, []byte(rec.EventHash), rec.CoordinatorSignature) {
		return ErrBlacklistChainMismatch
	}

	c.records = append(c.records, rec)
	c.byAgent[rec.AgentID] = true
	return nil
}

// IsBlacklisted implements registry.BlacklistChecker.
func (c *BlacklistChain) IsBlacklisted(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byAgent[agentID]
}

// Head returns the last record's hash, or the genesis sentinel if empty.
func (c *BlacklistChain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.records) == 0 {
		return blacklistGenesisHash
	}
	return c.records[len(c.records)-1].EventHash
}

// VerifyChainLinkage checks prevEventHash/eventHash linkage across a
// blacklist snapshot. It does not verify per-record signatures since
// records in the chain are signed by whichever coordinator originated
// them; signature verification happens at MergeRemote time, before a
// record is ever appended locally.
func VerifyChainLinkage(records []coordtypes.BlacklistRecord) error {
	prev := blacklistGenesisHash
	for _, rec := range records {
		if rec.PrevEventHash != prev {
			return ErrBlacklistChainMismatch
		}
		if hashBlacklistRecord(rec) != rec.EventHash {
			return ErrBlacklistChainMismatch
		}
		prev = rec.EventHash
	}
	return nil
}

// Snapshot returns a copy of the full chain.
func (c *BlacklistChain) Snapshot() []coordtypes.BlacklistRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]coordtypes.BlacklistRecord, len(c.records))
	copy(out, c.records)
	return out
}
