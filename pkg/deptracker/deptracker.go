// Copyright 2025 Certen Protocol
//
// Dependency tracker (C5): holds subtasks with unsatisfied dependsOn sets
// and releases them as predecessors complete. Has no reference to the queue
// type; the router injects enqueueFn so ownership stays acyclic.

package deptracker

import (
	"log"
	"sync"

	"github.com/certen/coordinator/pkg/coordtypes"
)

// EnqueueFunc is the closure the router injects to actually enqueue a
// released subtask, keeping the tracker decoupled from the queue package.
type EnqueueFunc func(st coordtypes.Subtask, opts *EnqueueOptions) error

// EnqueueOptions mirrors queue.EnqueueOptions without importing it.
type EnqueueOptions struct {
	ClaimDelayMs int64
	Priority     int
}

type held struct {
	subtask   coordtypes.Subtask
	pending   map[string]struct{}
	enqueueOpts *EnqueueOptions
}

// Tracker holds subtasks blocked on unmet predecessors.
type Tracker struct {
	mu     sync.Mutex
	held   map[string]*held
	logger *log.Logger
}

// New creates an empty dependency tracker.
func New(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(log.Writer(), "[DepTracker] ", log.LstdFlags)
	}
	return &Tracker{held: make(map[string]*held), logger: logger}
}

// Hold stores a subtask and its unmet predecessor set.
func (t *Tracker) Hold(st coordtypes.Subtask, dependsOn []string, opts *EnqueueOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make(map[string]struct{}, len(dependsOn))
	for _, id := range dependsOn {
		pending[id] = struct{}{}
	}
	st.Status = coordtypes.StatusHeld
	st.DependsOn = dependsOn
	t.held[st.ID] = &held{subtask: st, pending: pending, enqueueOpts: opts}
}

// RecordCompletionAndRelease clears subtaskID from every pending dependency
// set and enqueues (via enqueueFn) any subtask whose set is now empty.
// Returns the IDs released.
func (t *Tracker) RecordCompletionAndRelease(subtaskID string, enqueueFn EnqueueFunc) []string {
	t.mu.Lock()
	var toRelease []*held
	for id, h := range t.held {
		delete(h.pending, subtaskID)
		if len(h.pending) == 0 {
			toRelease = append(toRelease, h)
			delete(t.held, id)
		}
	}
	t.mu.Unlock()

	released := make([]string, 0, len(toRelease))
	for _, h := range toRelease {
		opts := &EnqueueOptions{}
		if h.enqueueOpts != nil {
			opts = h.enqueueOpts
		}
		if err := enqueueFn(h.subtask, opts); err != nil {
			t.logger.Printf("release %s: enqueue failed: %v", h.subtask.ID, err)
			continue
		}
		released = append(released, h.subtask.ID)
	}
	return released
}

// DetectCircularDeps runs depth-first cycle detection over a submitted
// batch's dependsOn edges. Subtasks appearing in any cycle are returned so
// the caller can enqueue them immediately rather than hold them, avoiding
// deadlock.
func DetectCircularDeps(batch []coordtypes.Subtask) map[string]struct{} {
	adj := make(map[string][]string, len(batch))
	for _, st := range batch {
		adj[st.ID] = st.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(batch))
	inCycle := make(map[string]struct{})

	var visit func(id string, stack []string)
	visit = func(id string, stack []string) {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range adj[id] {
			switch color[dep] {
			case gray:
				// found a cycle: everything from dep's position onward in
				// stack, plus id, is part of it.
				start := -1
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				if start >= 0 {
					for _, s := range stack[start:] {
						inCycle[s] = struct{}{}
					}
				}
			case white:
				visit(dep, stack)
			}
		}
		color[id] = black
	}

	for _, st := range batch {
		if color[st.ID] == white {
			visit(st.ID, nil)
		}
	}
	return inCycle
}

// Len returns the number of subtasks currently held.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
