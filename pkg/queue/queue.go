// Copyright 2025 Certen Protocol
//
// Queue (C4): subtask lifecycle, claim discipline, staleness requeue, and
// remote-claim dedupe. All mutators execute under a single lock so that
// claim is atomic — one agent wins per subtask.

package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/certen/coordinator/pkg/coordtypes"
)

var (
	ErrDuplicateSubtask = errors.New("duplicate_subtask")
	ErrSubtaskNotFound  = errors.New("subtask_not_found")
	ErrNotClaimed       = errors.New("subtask_not_claimed")
)

// EnqueueOptions customizes how a subtask is inserted.
type EnqueueOptions struct {
	// ClaimDelayMs delays local claimability so a peer coordinator has time
	// to claim the subtask first via gossip.
	ClaimDelayMs int64
	Priority     int
}

// AgentPolicy is the execution policy recorded for an agent on registration.
type AgentPolicy struct {
	MaxConcurrentTasks int
	AllowedLanguages   []string
}

// Queue holds every subtask not yet completed, plus a minimal per-agent
// liveness map used by requeueStale.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*coordtypes.Subtask
	// agentLastSeenMs mirrors the registry's liveness so requeueStale can be
	// evaluated without the queue needing to import the registry package.
	agentLastSeenMs map[string]int64
	nowMs           func() int64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		tasks:           make(map[string]*coordtypes.Subtask),
		agentLastSeenMs: make(map[string]int64),
		nowMs:           coordtypes.NowMs,
	}
}

// NoteAgentSeen records the last heartbeat time for an agent; used to decide
// whether a claimed subtask's owner has gone stale.
func (q *Queue) NoteAgentSeen(agentID string, seenAtMs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.agentLastSeenMs[agentID] = seenAtMs
}

// EnqueueSubtask inserts a subtask with deterministic ordering. Duplicate
// IDs are a no-op.
func (q *Queue) EnqueueSubtask(st coordtypes.Subtask, opts *EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[st.ID]; exists {
		return nil
	}

	st.Status = coordtypes.StatusQueued
	st.EnqueuedAtMs = q.nowMs()
	if opts != nil {
		st.ClaimDelayMs = opts.ClaimDelayMs
		st.Priority = opts.Priority
	}

	clone := st
	q.tasks[st.ID] = &clone
	return nil
}

// Claim returns the first eligible queued subtask for agentID, or nil if
// none is available. Eligibility: status queued, requestedModel matches
// preferredModel (or unset), and the claimDelayMs window has elapsed.
func (q *Queue) Claim(agentID string, preferredModel string) *coordtypes.Subtask {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowMs()
	candidates := make([]*coordtypes.Subtask, 0)
	for _, st := range q.tasks {
		if st.Status != coordtypes.StatusQueued {
			continue
		}
		if st.RequestedModel != "" && preferredModel != "" && st.RequestedModel != preferredModel {
			continue
		}
		if now < st.EnqueuedAtMs+st.ClaimDelayMs {
			continue
		}
		candidates = append(candidates, st)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.EnqueuedAtMs != b.EnqueuedAtMs {
			return a.EnqueuedAtMs < b.EnqueuedAtMs
		}
		return a.ID < b.ID
	})

	winner := candidates[0]
	winner.Status = coordtypes.StatusClaimed
	winner.ClaimedBy = agentID
	winner.ClaimedAt = now

	out := *winner
	return &out
}

// Requeue returns a claimed subtask to queued, clearing claim fields. Used
// when the claiming agent fails a sandbox or power constraint.
func (q *Queue) Requeue(subtaskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.tasks[subtaskID]
	if !ok {
		return ErrSubtaskNotFound
	}
	st.Status = coordtypes.StatusQueued
	st.ClaimedBy = ""
	st.ClaimedAt = 0
	return nil
}

// RequeueStale returns to queued any subtask claimed longer than
// maxClaimAgeMs ago whose claiming agent has not been seen recently.
func (q *Queue) RequeueStale(maxClaimAgeMs int64, livenessWindowMs int64) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowMs()
	var requeued []string
	for _, st := range q.tasks {
		if st.Status != coordtypes.StatusClaimed {
			continue
		}
		if now-st.ClaimedAt < maxClaimAgeMs {
			continue
		}
		lastSeen := q.agentLastSeenMs[st.ClaimedBy]
		if now-lastSeen <= livenessWindowMs {
			continue
		}
		st.Status = coordtypes.StatusQueued
		st.ClaimedBy = ""
		st.ClaimedAt = 0
		requeued = append(requeued, st.ID)
	}
	return requeued
}

// MarkRemoteClaimed removes a subtask from the local queue because a peer
// coordinator broadcast task_claim for it. Returns whether it was removed.
func (q *Queue) MarkRemoteClaimed(subtaskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.tasks[subtaskID]
	if !ok || st.Status != coordtypes.StatusQueued {
		return false
	}
	delete(q.tasks, subtaskID)
	return true
}

// Drop removes a subtask from the local queue unconditionally, regardless of
// its current status. Used when a peer coordinator's result_announce shows
// the subtask already finished elsewhere. Returns whether it was present.
func (q *Queue) Drop(subtaskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[subtaskID]; !ok {
		return false
	}
	delete(q.tasks, subtaskID)
	return true
}

// Complete transitions a claimed subtask to completed. Idempotent by
// subtaskId.
func (q *Queue) Complete(subtaskID string) (*coordtypes.Subtask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.tasks[subtaskID]
	if !ok {
		return nil, ErrSubtaskNotFound
	}
	if st.Status == coordtypes.StatusCompleted {
		out := *st
		return &out, nil
	}
	st.Status = coordtypes.StatusCompleted
	out := *st
	return &out, nil
}

// Get returns a copy of a subtask by id.
func (q *Queue) Get(subtaskID string) (coordtypes.Subtask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.tasks[subtaskID]
	if !ok {
		return coordtypes.Subtask{}, false
	}
	return *st, true
}

// Len returns the total number of subtasks the queue is tracking
// (regardless of status).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// QueuedLen returns the number of subtasks currently in status queued.
func (q *Queue) QueuedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, st := range q.tasks {
		if st.Status == coordtypes.StatusQueued {
			n++
		}
	}
	return n
}
