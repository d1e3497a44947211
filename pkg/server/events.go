// Copyright 2025 Certen Protocol
//
// Helpers for constructing ordering-chain events from handler context, and
// for bridging the dependency tracker's enqueue closure to the queue.

package server

import (
	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/deptracker"
	"github.com/certen/coordinator/pkg/orderingchain"
	"github.com/certen/coordinator/pkg/queue"
)

func nodeApprovalEvent(agentID, coordinatorID string) orderingchain.Event {
	return orderingchain.Event{
		EventType:     coordtypes.EventNodeApproval,
		ActorID:       agentID,
		CoordinatorID: coordinatorID,
	}
}

func taskCompleteEvent(taskID, subtaskID, agentID, coordinatorID string) orderingchain.Event {
	return orderingchain.Event{
		EventType:     coordtypes.EventTaskComplete,
		TaskID:        taskID,
		SubtaskID:     subtaskID,
		ActorID:       agentID,
		CoordinatorID: coordinatorID,
	}
}

func earningsAccrualEvent(taskID, subtaskID, agentID, coordinatorID string) orderingchain.Event {
	return orderingchain.Event{
		EventType:     coordtypes.EventEarningsAccrual,
		TaskID:        taskID,
		SubtaskID:     subtaskID,
		ActorID:       agentID,
		CoordinatorID: coordinatorID,
	}
}

func taskEnqueueEvent(taskID, subtaskID, actorID, coordinatorID string) orderingchain.Event {
	return orderingchain.Event{
		EventType:     coordtypes.EventTaskEnqueue,
		TaskID:        taskID,
		SubtaskID:     subtaskID,
		ActorID:       actorID,
		CoordinatorID: coordinatorID,
	}
}

// enqueueAdapter bridges deptracker.EnqueueFunc to queue.Queue.EnqueueSubtask
// so the dependency tracker never needs to import the queue package.
func enqueueAdapter(q *queue.Queue) deptracker.EnqueueFunc {
	return func(st coordtypes.Subtask, opts *deptracker.EnqueueOptions) error {
		var qOpts *queue.EnqueueOptions
		if opts != nil {
			qOpts = &queue.EnqueueOptions{ClaimDelayMs: opts.ClaimDelayMs, Priority: opts.Priority}
		}
		return q.EnqueueSubtask(st, qOpts)
	}
}
