// Copyright 2025 Certen Protocol

package agentmesh

import (
	"testing"

	"github.com/certen/coordinator/pkg/coordtypes"
)

func TestConnectAcceptRelayClose_Lifecycle(t *testing.T) {
	r := New()

	tun := r.Connect("agent-a", "agent-b", 1000)
	if tun.Status != TunnelConnecting {
		t.Fatalf("status = %v, want connecting", tun.Status)
	}

	invites := r.DrainInvites("agent-b")
	if len(invites) != 1 || invites[0] != tun.ID {
		t.Fatalf("invites = %v, want [%s]", invites, tun.ID)
	}
	if got := r.DrainInvites("agent-b"); len(got) != 0 {
		t.Fatalf("invites not drained, got %v", got)
	}

	if _, err := r.Accept(tun.ID, 1001); err != nil {
		t.Fatalf("accept: %v", err)
	}

	relayed, err := r.Relay(tun.ID, 1002)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if relayed.RelayCount != 1 {
		t.Fatalf("relayCount = %d, want 1", relayed.RelayCount)
	}

	if _, err := r.Close(tun.ID, "agent-a", 1003); err != nil {
		t.Fatalf("close: %v", err)
	}
	notices := r.DrainCloseNotices("agent-b")
	if len(notices) != 1 || notices[0] != tun.ID {
		t.Fatalf("close notices = %v, want [%s]", notices, tun.ID)
	}

	if err := r.CloseAck(tun.ID); err != nil {
		t.Fatalf("closeAck: %v", err)
	}
	if err := r.CloseAck("does-not-exist"); err != ErrTunnelNotFound {
		t.Fatalf("closeAck unknown = %v, want ErrTunnelNotFound", err)
	}
}

func TestRelay_RejectedOnUnopenedOrUnknownTunnel(t *testing.T) {
	r := New()
	tun := r.Connect("agent-a", "agent-b", 1000)

	if _, err := r.Relay(tun.ID, 1001); err != ErrTunnelNotFound {
		t.Fatalf("relay before accept = %v, want ErrTunnelNotFound", err)
	}
	if _, err := r.Relay("bogus", 1001); err != ErrTunnelNotFound {
		t.Fatalf("relay unknown tunnel = %v, want ErrTunnelNotFound", err)
	}
}

func TestGC_RemovesOnlyIdlePastTTL(t *testing.T) {
	r := New()
	fresh := r.Connect("agent-a", "agent-b", 10000)
	stale := r.Connect("agent-a", "agent-c", 1000)
	stale.LastRelayMs = 1000

	removed := r.GC(1000+16000, 15000)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := r.tunnels[fresh.ID]; !ok {
		t.Fatalf("fresh tunnel was removed")
	}
	if _, ok := r.tunnels[stale.ID]; ok {
		t.Fatalf("stale tunnel was not removed")
	}
}

func TestDirectWorkOffer_AcceptThenResultLifecycle(t *testing.T) {
	r := New()
	st := coordtypes.Subtask{ID: "st-1", TaskID: "t-1"}

	o := r.OfferDirectWork("agent-a", "agent-b", st, 1000)
	if o.Status != OfferPending {
		t.Fatalf("status = %v, want pending", o.Status)
	}

	if _, err := r.ResultDirectWork(o.ID, coordtypes.SubtaskResult{SubtaskID: "st-1", OK: true}); err != ErrOfferNotAccepted {
		t.Fatalf("result before accept = %v, want ErrOfferNotAccepted", err)
	}

	if _, err := r.AcceptDirectWork(o.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := r.AcceptDirectWork(o.ID); err != ErrOfferNotAvailable {
		t.Fatalf("double accept = %v, want ErrOfferNotAvailable", err)
	}

	resulted, err := r.ResultDirectWork(o.ID, coordtypes.SubtaskResult{SubtaskID: "st-1", OK: true})
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if resulted.Status != OfferResulted || resulted.Result == nil {
		t.Fatalf("resulted offer = %+v", resulted)
	}

	offers := r.Audit()
	if len(offers) != 1 || offers[0].ID != o.ID {
		t.Fatalf("audit = %v", offers)
	}
}

func TestDrainWorkOffers_ClearsAfterRead(t *testing.T) {
	r := New()
	st := coordtypes.Subtask{ID: "st-1"}
	o := r.OfferDirectWork("agent-a", "agent-b", st, 1000)

	got := r.DrainWorkOffers("agent-b")
	if len(got) != 1 || got[0] != o.ID {
		t.Fatalf("drained = %v, want [%s]", got, o.ID)
	}
	if got := r.DrainWorkOffers("agent-b"); len(got) != 0 {
		t.Fatalf("second drain not empty: %v", got)
	}
}

func TestModelRequest_CreateThenLookup(t *testing.T) {
	r := New()
	mr := r.RequestModel("agent-a", "agent-b", "codellama", 1000)

	got, ok := r.GetModelRequest(mr.ID)
	if !ok {
		t.Fatalf("model request not found")
	}
	if got.Model != "codellama" || got.Status != "pending" {
		t.Fatalf("got = %+v", got)
	}

	if _, ok := r.GetModelRequest("bogus"); ok {
		t.Fatalf("unknown model request id returned ok")
	}
}
