// Copyright 2025 Certen Protocol

package orchestration

import "testing"

func TestAgentInstall_StatusThenAckLifecycle(t *testing.T) {
	m := New()

	ro := m.StartAgentInstall("agent-a", "localhost:11434", "codellama", true, 1000)
	if ro.Targets["agent-a"].Status != TargetPending {
		t.Fatalf("initial status = %v, want pending", ro.Targets["agent-a"].Status)
	}

	if err := m.ReportStatus("agent-a", TargetInstalled, "", 1001); err != nil {
		t.Fatalf("report status: %v", err)
	}

	rollouts := m.List()
	if len(rollouts) != 1 || rollouts[0].Targets["agent-a"].Status != TargetInstalled {
		t.Fatalf("rollouts = %+v", rollouts)
	}

	if err := m.Ack("agent-a", 1002); err != nil {
		t.Fatalf("ack: %v", err)
	}
	rollouts = m.List()
	if rollouts[0].Targets["agent-a"].Status != TargetAcked {
		t.Fatalf("status after ack = %v, want acked", rollouts[0].Targets["agent-a"].Status)
	}
}

func TestReportStatus_UnknownAgentReturnsNotFound(t *testing.T) {
	m := New()
	if err := m.ReportStatus("never-installed", TargetFailed, "boom", 1000); err != ErrRolloutNotFound {
		t.Fatalf("err = %v, want ErrRolloutNotFound", err)
	}
	if err := m.Ack("never-installed", 1000); err != ErrRolloutNotFound {
		t.Fatalf("ack err = %v, want ErrRolloutNotFound", err)
	}
}

func TestCoordinatorInstall_TargetsEmptyAgentID(t *testing.T) {
	m := New()
	ro := m.StartCoordinatorInstall("localhost:11434", "codellama", false, 1000)
	target, ok := ro.Targets[""]
	if !ok || target.Status != TargetPending {
		t.Fatalf("coordinator target = %+v, ok=%v", target, ok)
	}
}

func TestStartAgentInstall_SecondRolloutSupersedesFirstForStatusReporting(t *testing.T) {
	m := New()
	first := m.StartAgentInstall("agent-a", "h", "m1", false, 1000)
	second := m.StartAgentInstall("agent-a", "h", "m2", false, 1001)

	if err := m.ReportStatus("agent-a", TargetInstalled, "", 1002); err != nil {
		t.Fatalf("report status: %v", err)
	}

	rollouts := m.List()
	var firstTarget, secondTarget *Target
	for _, ro := range rollouts {
		if ro.ID == first.ID {
			firstTarget = ro.Targets["agent-a"]
		}
		if ro.ID == second.ID {
			secondTarget = ro.Targets["agent-a"]
		}
	}
	if firstTarget.Status != TargetPending {
		t.Fatalf("first rollout target mutated: %+v", firstTarget)
	}
	if secondTarget.Status != TargetInstalled {
		t.Fatalf("second rollout target = %+v, want installed", secondTarget)
	}
}
