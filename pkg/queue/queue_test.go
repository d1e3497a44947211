// Copyright 2025 Certen Protocol

package queue

import (
	"sync"
	"testing"

	"github.com/certen/coordinator/pkg/coordtypes"
)

func TestClaim_ExactlyOneWinnerAmongConcurrentAgents(t *testing.T) {
	q := New()
	if err := q.EnqueueSubtask(coordtypes.Subtask{ID: "S1", TaskID: "T1"}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const agents = 20
	var wg sync.WaitGroup
	wins := make([]bool, agents)
	for i := 0; i < agents; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if st := q.Claim("agent-", "" /* preferredModel */); st != nil && st.ID == "S1" {
				wins[i] = true
			}
		}()
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Errorf("winners = %d, want exactly 1", count)
	}
}

func TestClaim_ReturnsNilThenRequeueMakesReclaimable(t *testing.T) {
	q := New()
	if err := q.EnqueueSubtask(coordtypes.Subtask{ID: "S1", TaskID: "T1"}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first := q.Claim("agent-a", "")
	if first == nil || first.ID != "S1" {
		t.Fatalf("expected first claim to win S1, got %+v", first)
	}

	second := q.Claim("agent-b", "")
	if second != nil {
		t.Fatalf("expected second claim to return nil, got %+v", second)
	}

	if err := q.Requeue("S1"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	third := q.Claim("agent-b", "")
	if third == nil || third.ID != "S1" {
		t.Fatalf("expected S1 to be claimable again after requeue, got %+v", third)
	}
}

func TestComplete_IdempotentBySubtaskID(t *testing.T) {
	q := New()
	if err := q.EnqueueSubtask(coordtypes.Subtask{ID: "S1", TaskID: "T1"}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Claim("agent-a", "")

	first, err := q.Complete("S1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if first.Status != coordtypes.StatusCompleted {
		t.Errorf("status = %v, want completed", first.Status)
	}

	second, err := q.Complete("S1")
	if err != nil {
		t.Fatalf("complete (repeat): %v", err)
	}
	if second.Status != coordtypes.StatusCompleted {
		t.Errorf("repeat complete status = %v, want completed", second.Status)
	}
}
