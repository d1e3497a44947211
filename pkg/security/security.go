// Copyright 2025 Certen Protocol
//
// Security (§4.11, §6.2): nonce replay defense and signed-request
// verification for /heartbeat, /pull, /result. Rate limiting on top of
// golang.org/x/time/rate token buckets per agent/tunnel/offer.

package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/certen/coordinator/pkg/identity"
)

var (
	ErrReplayAttempt     = errors.New("replay_attempt")
	ErrSignatureInvalid  = errors.New("signature_invalid")
	ErrMeshUnauthorized  = errors.New("mesh_unauthorized")
)

// NonceStore is the interface named in the spec's design notes: seen
// records a (peerId, nonce) pair if unseen within issuedAtMs's TTL window,
// returning true if it was already seen (a replay); prune evicts expired
// entries.
type NonceStore interface {
	Seen(peerID, nonce string, issuedAtMs int64) bool
	Prune(nowMs int64)
}

// shard is one bucket of the sharded nonce set.
type shard struct {
	mu      sync.Mutex
	entries map[string]int64 // key -> expiresAtMs
}

const nonceShardCount = 32

// MemoryNonceStore is a sharded in-memory NonceStore with TTL-based
// expiry, sized for O(1) probes under concurrent load from many agents.
type MemoryNonceStore struct {
	ttlMs  int64
	shards [nonceShardCount]*shard
}

// NewMemoryNonceStore creates a nonce store with the given TTL.
func NewMemoryNonceStore(ttlMs int64) *MemoryNonceStore {
	s := &MemoryNonceStore{ttlMs: ttlMs}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]int64)}
	}
	return s
}

func (s *MemoryNonceStore) shardFor(key string) *shard {
	sum := sha256.Sum256([]byte(key))
	idx := int(sum[0]) % nonceShardCount
	return s.shards[idx]
}

// Seen returns true if peerID+nonce was already recorded within the TTL
// window (a replay), and records it otherwise.
func (s *MemoryNonceStore) Seen(peerID, nonce string, issuedAtMs int64) bool {
	key := peerID + ":" + nonce
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if expiresAt, ok := sh.entries[key]; ok && issuedAtMs < expiresAt {
		return true
	}
	sh.entries[key] = issuedAtMs + s.ttlMs
	return false
}

// Prune evicts every nonce whose TTL has elapsed as of nowMs.
func (s *MemoryNonceStore) Prune(nowMs int64) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, expiresAt := range sh.entries {
			if nowMs >= expiresAt {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
}

// SignedRequest is the parsed content of the x-agent-id / x-timestamp-ms /
// x-nonce / x-body-sha256 / x-signature headers.
type SignedRequest struct {
	AgentID     string
	TimestampMs int64
	Nonce       string
	BodySha256  string
	Signature   string
}

// CanonicalString builds the string the signature covers:
// method + path + timestampMs + nonce + bodySha256 + peerId.
func (r SignedRequest) CanonicalString(method, path, peerID string) string {
	return fmt.Sprintf("%s%s%d%s%s%s", method, path, r.TimestampMs, r.Nonce, r.BodySha256, peerID)
}

// Verifier checks signed-request headers against an agent's public key,
// clock skew, and nonce replay.
type Verifier struct {
	maxSkewMs  int64
	nonceStore NonceStore
}

// NewVerifier creates a signed-request verifier.
func NewVerifier(maxSkewMs int64, nonceStore NonceStore) *Verifier {
	return &Verifier{maxSkewMs: maxSkewMs, nonceStore: nonceStore}
}

// Verify checks a signed request. body is the raw request body used to
// recompute bodySha256 and confirm it matches the signed header.
func (v *Verifier) Verify(req SignedRequest, method, path, peerID string, pubKeyPEM string, body []byte, nowMs int64) error {
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != req.BodySha256 {
		return ErrSignatureInvalid
	}

	skew := nowMs - req.TimestampMs
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkewMs {
		return ErrReplayAttempt
	}

	if v.nonceStore.Seen(peerID, req.Nonce, req.TimestampMs) {
		return ErrReplayAttempt
	}

	pub, err := identity.ParsePublicKeyPEM(pubKeyPEM)
	if err != nil {
		return ErrSignatureInvalid
	}
	canonical := req.CanonicalString(method, path, peerID)
	if !identity.VerifyPayloadHex(pub, []byte(canonical), req.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// ConstantTimeCompare compares a presented mesh token to the configured
// one without leaking timing information.
func ConstantTimeCompare(presented, expected string) bool {
	if len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// Limiters holds the per-entity token buckets named in §4.11/§5. There is
// no loopback exemption: every caller of these limiters is limited alike.
type Limiters struct {
	mu          sync.Mutex
	agentLimits map[string]*rate.Limiter
	relayLimits map[string]*rate.Limiter
	tunnelLimits map[string]*rate.Limiter
	offerLimits map[string]*rate.Limiter

	agentRateMax      int
	agentRateWindowMs int
	relayPer10s       int
	tunnelPerMin      int
	offersPer10s      int
}

// NewLimiters builds the rate limiter set from configured thresholds.
func NewLimiters(agentRateMax, agentRateWindowMs, relayPer10s, tunnelPerMin, offersPer10s int) *Limiters {
	return &Limiters{
		agentLimits:       make(map[string]*rate.Limiter),
		relayLimits:       make(map[string]*rate.Limiter),
		tunnelLimits:      make(map[string]*rate.Limiter),
		offerLimits:       make(map[string]*rate.Limiter),
		agentRateMax:      agentRateMax,
		agentRateWindowMs: agentRateWindowMs,
		relayPer10s:       relayPer10s,
		tunnelPerMin:      tunnelPerMin,
		offersPer10s:      offersPer10s,
	}
}

func getOrCreate(m map[string]*rate.Limiter, mu *sync.Mutex, key string, limiter func() *rate.Limiter) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := m[key]; ok {
		return l
	}
	l := limiter()
	m[key] = l
	return l
}

// AllowAgent applies the per-agent token bucket: agentRateMax requests per
// agentRateWindowMs.
func (l *Limiters) AllowAgent(agentID string) bool {
	window := time.Duration(l.agentRateWindowMs) * time.Millisecond
	limiter := getOrCreate(l.agentLimits, &l.mu, agentID, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(float64(l.agentRateMax)/window.Seconds()), l.agentRateMax)
	})
	return limiter.Allow()
}

// AllowRelay applies the per-agent tunnel relay rate: relayPer10s per 10s.
func (l *Limiters) AllowRelay(agentID string) bool {
	limiter := getOrCreate(l.relayLimits, &l.mu, agentID, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(10*time.Second/time.Duration(l.relayPer10s)), l.relayPer10s)
	})
	return limiter.Allow()
}

// AllowTunnelRelay applies the per-tunnel relay cap: tunnelPerMin per
// minute.
func (l *Limiters) AllowTunnelRelay(tunnelID string) bool {
	limiter := getOrCreate(l.tunnelLimits, &l.mu, tunnelID, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.tunnelPerMin)), l.tunnelPerMin)
	})
	return limiter.Allow()
}

// AllowDirectWorkOffer applies the per-agent direct-work offer rate:
// offersPer10s per 10s.
func (l *Limiters) AllowDirectWorkOffer(agentID string) bool {
	limiter := getOrCreate(l.offerLimits, &l.mu, agentID, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(10*time.Second/time.Duration(l.offersPer10s)), l.offersPer10s)
	})
	return limiter.Allow()
}
