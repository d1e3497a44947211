// Copyright 2025 Certen Protocol

package deptracker

import (
	"testing"

	"github.com/certen/coordinator/pkg/coordtypes"
)

func TestHold_NotReleasedUntilAllPredecessorsComplete(t *testing.T) {
	tr := New(nil)
	var enqueued []string
	enqueueFn := func(st coordtypes.Subtask, opts *EnqueueOptions) error {
		enqueued = append(enqueued, st.ID)
		return nil
	}

	tr.Hold(coordtypes.Subtask{ID: "S3", TaskID: "T1"}, []string{"S1", "S2"}, nil)

	released := tr.RecordCompletionAndRelease("S1", enqueueFn)
	if len(released) != 0 {
		t.Fatalf("expected no release after only one of two predecessors completes, got %v", released)
	}
	if tr.Len() != 1 {
		t.Fatalf("held count = %d, want 1", tr.Len())
	}

	released = tr.RecordCompletionAndRelease("S2", enqueueFn)
	if len(released) != 1 || released[0] != "S3" {
		t.Fatalf("expected S3 released after its last predecessor completes, got %v", released)
	}
	if tr.Len() != 0 {
		t.Errorf("held count = %d, want 0 after release", tr.Len())
	}
	if len(enqueued) != 1 || enqueued[0] != "S3" {
		t.Errorf("enqueued = %v, want [S3]", enqueued)
	}
}

func TestDetectCircularDeps_CycleMembersNeverDeadlock(t *testing.T) {
	batch := []coordtypes.Subtask{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"C"}},
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "D", DependsOn: []string{"A"}}, // depends on a cycle member, not itself a cycle member
	}

	inCycle := DetectCircularDeps(batch)

	for _, id := range []string{"A", "B", "C"} {
		if _, ok := inCycle[id]; !ok {
			t.Errorf("expected %s to be flagged as part of a cycle", id)
		}
	}
	if _, ok := inCycle["D"]; ok {
		t.Errorf("D is not itself in a cycle and should not be flagged")
	}
}

func TestDetectCircularDeps_AcyclicBatchReportsNoCycle(t *testing.T) {
	batch := []coordtypes.Subtask{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A", "B"}},
	}

	inCycle := DetectCircularDeps(batch)
	if len(inCycle) != 0 {
		t.Errorf("expected no cycle, got %v", inCycle)
	}
}
