// Copyright 2025 Certen Protocol

package mesh

import (
	"testing"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/identity"
)

func newTestMesh(t *testing.T, rateLimit int) (*Mesh, *identity.KeyPair) {
	t.Helper()
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return New("self", keys, rateLimit), keys
}

func TestIngest_UnknownPeerRejectedExceptIntroductionTypes(t *testing.T) {
	m, _ := newTestMesh(t, 100)

	msg := coordtypes.MeshMessage{
		ID: "msg-1", Type: coordtypes.MeshTaskOffer, FromPeerID: "stranger",
		IssuedAtMs: coordtypes.NowMs(), TTLMs: 60000,
	}
	if err := m.Ingest(msg); err != ErrPeerUnknown {
		t.Errorf("expected ErrPeerUnknown for task_offer from unknown peer, got %v", err)
	}

	msg.Type = coordtypes.MeshPeerExchange
	if err := m.Ingest(msg); err != nil {
		t.Errorf("peer_exchange from unknown peer should be accepted as an introduction, got %v", err)
	}
}

func TestIngest_ValidSignatureAccepted(t *testing.T) {
	sender, _ := newTestMesh(t, 100)
	senderKeys := sender.keys

	receiver, _ := newTestMesh(t, 100)
	receiver.AddPeer(coordtypes.PeerIdentity{
		PeerID:    "self", // sender's selfPeerID
		PublicKey: identity.PublicKeyPEM(senderKeys.PublicKey),
	})

	var handled bool
	receiver.RegisterHandler(coordtypes.MeshTaskOffer, func(from coordtypes.PeerIdentity, msg coordtypes.MeshMessage) error {
		handled = true
		return nil
	})

	msg, err := sender.Sign(coordtypes.MeshTaskOffer, map[string]string{"subtaskId": "S1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := receiver.Ingest(msg); err != nil {
		t.Fatalf("ingest valid signed message: %v", err)
	}
	if !handled {
		t.Error("expected registered handler to run for a validly signed, known-peer message")
	}
}

func TestIngest_TamperedSignatureRejected(t *testing.T) {
	sender, _ := newTestMesh(t, 100)
	senderKeys := sender.keys

	receiver, _ := newTestMesh(t, 100)
	receiver.AddPeer(coordtypes.PeerIdentity{
		PeerID:    "self",
		PublicKey: identity.PublicKeyPEM(senderKeys.PublicKey),
	})

	msg, err := sender.Sign(coordtypes.MeshTaskOffer, map[string]string{"subtaskId": "S1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	msg.Signature = "0000" // tamper

	if err := receiver.Ingest(msg); err != ErrSignatureInvalid {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestIngest_RateLimitDropsOverflow(t *testing.T) {
	sender, _ := newTestMesh(t, 100)
	senderKeys := sender.keys

	receiver, _ := newTestMesh(t, 2) // only 2 messages per 10s allowed
	receiver.AddPeer(coordtypes.PeerIdentity{
		PeerID:    "self",
		PublicKey: identity.PublicKeyPEM(senderKeys.PublicKey),
	})
	receiver.RegisterHandler(coordtypes.MeshTaskOffer, func(coordtypes.PeerIdentity, coordtypes.MeshMessage) error {
		return nil
	})

	var lastErr error
	for i := 0; i < 3; i++ {
		msg, err := sender.Sign(coordtypes.MeshTaskOffer, map[string]string{"subtaskId": "S1"})
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		lastErr = receiver.Ingest(msg)
	}
	if lastErr != ErrPeerRateLimited {
		t.Errorf("expected the 3rd message within the window to be rate limited, got %v", lastErr)
	}
}

func TestIngest_ExpiredMessageRejected(t *testing.T) {
	m, _ := newTestMesh(t, 100)

	msg := coordtypes.MeshMessage{
		ID: "msg-1", Type: coordtypes.MeshPeerExchange, FromPeerID: "stranger",
		IssuedAtMs: 1000, TTLMs: 60000,
	}
	if err := m.Ingest(msg); err != ErrMessageExpired {
		t.Errorf("expected ErrMessageExpired for a long-past issuedAtMs, got %v", err)
	}
}
