// Copyright 2025 Certen Protocol
//
// Stats ledger & projections (C3): the globally-replicated subset of the
// ordering chain, synced from peers and folded into the node-status and
// account-earnings read projections. Checkpoint quorum counting lives here
// too since it operates directly on stats records.

package statsledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
)

// PublicKeyResolver looks up a coordinator's registered Ed25519 public key
// by peer id, used to verify ingested stats records before persisting.
type PublicKeyResolver func(coordinatorID string) (ed25519.PublicKey, bool)

// Store is the durable-projection-plus-ledger surface the ledger depends
// on; pkg/database.StatsStore implements it on top of pkg/database's
// repositories.
type Store interface {
	Insert(ctx context.Context, rec coordtypes.QueueEvent) error
	Head(ctx context.Context, coordinatorID string) (*coordtypes.QueueEvent, bool, error)
	Range(ctx context.Context, coordinatorID string, sinceIssuedAtMs int64, limit int) ([]coordtypes.QueueEvent, error)
	UpsertNodeStatus(ctx context.Context, nodeID, ownerEmail string, approved, active bool, lastSeenMs int64) error
	AccrueEarnings(ctx context.Context, accountID string, credits float64) error
}

// Ledger ingests local and remote stats records and tracks checkpoint
// signature quorum.
type Ledger struct {
	store      Store
	resolvePub PublicKeyResolver
	keys       *identity.KeyPair
	coordID    string

	httpClient *http.Client
	logger     *log.Logger

	mu           sync.Mutex
	signersByCP  map[string]map[string]bool // checkpointHash -> coordinatorID -> signed
	committedCP  map[string]bool
}

// New creates a stats ledger bound to store, verifying remote records
// against resolvePub.
func New(coordinatorID string, keys *identity.KeyPair, store Store, resolvePub PublicKeyResolver) *Ledger {
	return &Ledger{
		store:       store,
		resolvePub:  resolvePub,
		keys:        keys,
		coordID:     coordinatorID,
		httpClient:  &http.Client{Timeout: 8 * time.Second},
		logger:      log.New(log.Writer(), "[StatsLedger] ", log.LstdFlags),
		signersByCP: make(map[string]map[string]bool),
		committedCP: make(map[string]bool),
	}
}

// IngestLocal persists a record this coordinator produced (already signed
// by us, trusted by construction).
func (l *Ledger) IngestLocal(ctx context.Context, rec coordtypes.QueueEvent) error {
	return l.store.Insert(ctx, rec)
}

// IngestRemote verifies a record against the signing coordinator's
// registered public key before persisting.
func (l *Ledger) IngestRemote(ctx context.Context, rec coordtypes.QueueEvent) error {
	pub, ok := l.resolvePub(rec.CoordinatorID)
	if !ok {
		return fmt.Errorf("stats ledger: unknown coordinator %s", rec.CoordinatorID)
	}
	if !identity.VerifyPayloadHex(pub, []byte(rec.Hash), rec.Signature) {
		return fmt.Errorf("stats ledger: %w for record from %s", errInvalidSignature, rec.CoordinatorID)
	}
	return l.store.Insert(ctx, rec)
}

var errInvalidSignature = fmt.Errorf("invalid_signature")

// SyncFromPeer pulls the remote head; if it is ahead of our locally-known
// head for that coordinator, fetches and verifies the delta range.
func (l *Ledger) SyncFromPeer(ctx context.Context, peerURL, peerCoordinatorID string, limit int) (int, error) {
	localHead, found, err := l.store.Head(ctx, peerCoordinatorID)
	if err != nil {
		return 0, err
	}
	sinceIssuedAtMs := int64(0)
	if found {
		sinceIssuedAtMs = localHead.IssuedAtMs
	}

	remoteHead, err := l.fetchHead(ctx, peerURL, peerCoordinatorID)
	if err != nil {
		return 0, err
	}
	if remoteHead == nil || remoteHead.IssuedAtMs <= sinceIssuedAtMs {
		return 0, nil
	}

	records, err := l.fetchRange(ctx, peerURL, peerCoordinatorID, sinceIssuedAtMs, limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range records {
		if err := l.IngestRemote(ctx, rec); err != nil {
			l.logger.Printf("sync from %s: record %s rejected: %v", peerURL, rec.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

func (l *Ledger) fetchHead(ctx context.Context, peerURL, coordinatorID string) (*coordtypes.QueueEvent, error) {
	url := fmt.Sprintf("%s/stats/ledger/head?coordinatorId=%s", peerURL, coordinatorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	var rec coordtypes.QueueEvent
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *Ledger) fetchRange(ctx context.Context, peerURL, coordinatorID string, sinceIssuedAtMs int64, limit int) ([]coordtypes.QueueEvent, error) {
	url := fmt.Sprintf("%s/stats/ledger/range?coordinatorId=%s&sinceIssuedAtMs=%d&limit=%d", peerURL, coordinatorID, sinceIssuedAtMs, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var records []coordtypes.QueueEvent
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// ApplyProjections folds a newly-ingested record into the node-status and
// account-earnings projections where applicable.
func (l *Ledger) ApplyProjections(ctx context.Context, rec coordtypes.QueueEvent, nodeID, ownerEmail string, approved, active bool, accountID string, credits float64) error {
	switch rec.EventType {
	case coordtypes.EventNodeApproval, coordtypes.EventNodeValidation:
		return l.store.UpsertNodeStatus(ctx, nodeID, ownerEmail, approved, active, rec.IssuedAtMs)
	case coordtypes.EventEarningsAccrual:
		return l.store.AccrueEarnings(ctx, accountID, credits)
	}
	return nil
}

// SignCheckpoint emits a stats_checkpoint_signature for checkpointHash if
// this coordinator has not already signed it, and reports whether the
// quorum threshold floor(knownCoordinators/2)+1 is newly reached.
func (l *Ledger) SignCheckpoint(checkpointHash string, knownCoordinators int) (shouldCommit bool, alreadySigned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	signers, ok := l.signersByCP[checkpointHash]
	if !ok {
		signers = make(map[string]bool)
		l.signersByCP[checkpointHash] = signers
	}
	if signers[l.coordID] {
		return false, true
	}
	signers[l.coordID] = true

	if l.committedCP[checkpointHash] {
		return false, false
	}
	threshold := knownCoordinators/2 + 1
	if len(signers) >= threshold {
		l.committedCP[checkpointHash] = true
		return true, false
	}
	return false, false
}

// RecordRemoteSignature registers a peer's stats_checkpoint_signature and
// reports whether quorum is newly reached.
func (l *Ledger) RecordRemoteSignature(checkpointHash, coordinatorID string, knownCoordinators int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.committedCP[checkpointHash] {
		return false
	}
	signers, ok := l.signersByCP[checkpointHash]
	if !ok {
		signers = make(map[string]bool)
		l.signersByCP[checkpointHash] = signers
	}
	signers[coordinatorID] = true

	threshold := knownCoordinators/2 + 1
	if len(signers) >= threshold {
		l.committedCP[checkpointHash] = true
		return true
	}
	return false
}

// Head returns the latest stats record known locally for coordinatorID, for
// /stats/ledger/head.
func (l *Ledger) Head(ctx context.Context, coordinatorID string) (*coordtypes.QueueEvent, bool, error) {
	return l.store.Head(ctx, coordinatorID)
}

// Range returns records for coordinatorID issued after sinceIssuedAtMs, for
// /stats/ledger/range.
func (l *Ledger) Range(ctx context.Context, coordinatorID string, sinceIssuedAtMs int64, limit int) ([]coordtypes.QueueEvent, error) {
	return l.store.Range(ctx, coordinatorID, sinceIssuedAtMs, limit)
}

// buildEnvelope is a helper used by callers that need to wrap a stats
// record for ingest over HTTP.
func buildEnvelope(rec coordtypes.QueueEvent) ([]byte, error) {
	return json.Marshal(rec)
}

// PostIngest pushes a local record to a peer's /stats/ledger/ingest.
func (l *Ledger) PostIngest(ctx context.Context, peerURL string, rec coordtypes.QueueEvent) error {
	b, err := buildEnvelope(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/stats/ledger/ingest", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
