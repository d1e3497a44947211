// Copyright 2025 Certen Protocol

package security

import "testing"

func TestMemoryNonceStore_ReplayWithinTTLRejected(t *testing.T) {
	s := NewMemoryNonceStore(1000) // 1s TTL

	if s.Seen("peer-a", "nonce-1", 1_000_000) {
		t.Fatal("first use of a nonce must not be reported as seen")
	}
	if !s.Seen("peer-a", "nonce-1", 1_000_500) {
		t.Fatal("replay of the same nonce within TTL must be rejected as seen")
	}
}

func TestMemoryNonceStore_SlotReusableAfterTTL(t *testing.T) {
	s := NewMemoryNonceStore(1000) // 1s TTL

	if s.Seen("peer-a", "nonce-1", 1_000_000) {
		t.Fatal("first use of a nonce must not be reported as seen")
	}
	// issuedAtMs 1001ms later: past the TTL window recorded for the first use.
	if s.Seen("peer-a", "nonce-1", 1_001_001) {
		t.Fatal("nonce slot should be reusable once its TTL window has elapsed")
	}
}

func TestMemoryNonceStore_DistinctPeersIndependent(t *testing.T) {
	s := NewMemoryNonceStore(1000)

	if s.Seen("peer-a", "nonce-1", 1_000_000) {
		t.Fatal("first use for peer-a must not be seen")
	}
	if s.Seen("peer-b", "nonce-1", 1_000_000) {
		t.Fatal("same nonce value for a different peer must be independent")
	}
}

func TestMemoryNonceStore_PruneKeepsUnexpired(t *testing.T) {
	s := NewMemoryNonceStore(1000)
	s.Seen("peer-a", "nonce-1", 1_000_000)

	s.Prune(1_000_500) // not yet expired
	if !s.Seen("peer-a", "nonce-1", 1_000_600) {
		t.Fatal("entry should still be tracked before its TTL elapses")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	if !ConstantTimeCompare("same-token", "same-token") {
		t.Error("expected equal tokens to compare equal")
	}
	if ConstantTimeCompare("token-a", "token-b") {
		t.Error("expected different tokens to compare unequal")
	}
	if ConstantTimeCompare("short", "much-longer-token") {
		t.Error("expected different-length tokens to compare unequal")
	}
}
