// Copyright 2025 Certen Protocol
//
// Payment intents, specified at interface level only: the credit/economy
// system that prices and settles subtask work shares this process but is
// not part of the coordinator core (queue, mesh, ledgers). This package
// carries just the state machine and double-settlement guard the core
// needs to expose over HTTP; price-epoch negotiation, treasury, and
// issuance payout live outside this repo's scope.

package economy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/certen/coordinator/pkg/coordtypes"
)

// IntentStatus is the lifecycle state of a payment intent.
type IntentStatus string

const (
	IntentCreated  IntentStatus = "created"
	IntentSettled  IntentStatus = "settled"
	IntentExpired  IntentStatus = "expired"
)

var (
	ErrIntentNotFound       = errors.New("intent_not_found")
	ErrIntentNotSettleable  = errors.New("intent_not_settleable")
	ErrDuplicateTxRef       = errors.New("duplicate_tx_ref_rejected")
)

// Intent is a single payment-intent record.
type Intent struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"accountId"`
	SubtaskID      string       `json:"subtaskId,omitempty"`
	AmountCents    int64        `json:"amountCents"`
	CoordinatorFee int64        `json:"coordinatorFeeCents"`
	Status         IntentStatus `json:"status"`
	TxRef          string       `json:"txRef,omitempty"`
	CreatedAtMs    int64        `json:"createdAtMs"`
	SettledAtMs    int64        `json:"settledAtMs,omitempty"`
	ExpiresAtMs    int64        `json:"expiresAtMs"`
}

// Ledger tracks payment intents in memory, guarding against double
// settlement of the same external transaction reference.
//
// CONCURRENCY: single mutex, matching the teacher's ordering chain
// (pkg/orderingchain) rather than per-field locking — settlement volume on
// a single coordinator never approaches a point where this is a bottleneck.
type Ledger struct {
	mu           sync.Mutex
	ttl          time.Duration
	feeBasisPts  int
	intents      map[string]*Intent
	txRefs       map[string]struct{}
	seq          int
}

// New creates an empty payment-intent ledger with the given default TTL.
// feeBasisPts is the coordinator's cut recorded against every intent
// (COORDINATOR_FEE_BASIS_PTS; 250 = 2.5%).
func New(ttl time.Duration, feeBasisPts int) *Ledger {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Ledger{
		ttl:         ttl,
		feeBasisPts: feeBasisPts,
		intents:     make(map[string]*Intent),
		txRefs:      make(map[string]struct{}),
	}
}

// Create opens a new intent in the created state.
func (l *Ledger) Create(accountID, subtaskID string, amountCents int64) *Intent {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	now := coordtypes.NowMs()
	in := &Intent{
		ID:             fmt.Sprintf("pi-%d", l.seq),
		AccountID:      accountID,
		SubtaskID:      subtaskID,
		AmountCents:    amountCents,
		CoordinatorFee: amountCents * int64(l.feeBasisPts) / 10000,
		Status:         IntentCreated,
		CreatedAtMs:    now,
		ExpiresAtMs:    now + l.ttl.Milliseconds(),
	}
	l.intents[in.ID] = in
	return in
}

// Get returns the intent by id.
func (l *Ledger) Get(id string) (Intent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return Intent{}, false
	}
	return *in, true
}

// Confirm settles an intent against an external txRef. A txRef already used
// to settle any intent is refused for every other intent, so one settlement
// never mints credits twice. Confirming an intent that is already settled
// returns it unchanged with no error, whatever txRef is given. Confirming an
// already-expired intent is refused.
func (l *Ledger) Confirm(id, txRef string) (Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	in, ok := l.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}

	now := coordtypes.NowMs()
	if in.Status == IntentCreated && now >= in.ExpiresAtMs {
		in.Status = IntentExpired
	}

	if in.Status == IntentSettled {
		return *in, nil // idempotent: already settled, same effect as a duplicate confirm
	}
	if in.Status != IntentCreated {
		return Intent{}, ErrIntentNotSettleable
	}

	if _, used := l.txRefs[txRef]; used {
		return Intent{}, ErrDuplicateTxRef
	}

	l.txRefs[txRef] = struct{}{}
	in.Status = IntentSettled
	in.TxRef = txRef
	in.SettledAtMs = now
	return *in, nil
}

// ExpireStale transitions every created intent past its TTL to expired.
// Intended to run on the coordinator's periodic "payment reconcile" loop.
func (l *Ledger) ExpireStale(nowMs int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, in := range l.intents {
		if in.Status == IntentCreated && nowMs >= in.ExpiresAtMs {
			in.Status = IntentExpired
			count++
		}
	}
	return count
}
