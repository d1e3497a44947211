// Copyright 2025 Certen Protocol
//
// X25519 hybrid envelope encryption for task payloads targeted at a specific
// agent key (C1). The derived shared key is cached per subtaskId so the
// agent's later encrypted /result can be decrypted without re-deriving.

package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrEnvelopeDecryptFailed is returned (wrapped) when a result envelope
// cannot be opened — wrong key, tampered ciphertext, or expired cache entry.
var ErrEnvelopeDecryptFailed = errors.New("envelope_decrypt_failed")

// Envelope is the wire format for an X25519+AEAD-encrypted task payload.
type Envelope struct {
	EphemeralPublicKey string `json:"ephemeralPublicKey"` // base64 X25519 pubkey
	Nonce              string `json:"nonce"`              // base64 AEAD nonce
	Ciphertext         string `json:"ciphertext"`         // base64 ciphertext
}

type cachedKey struct {
	key       []byte
	createdAt time.Time
}

// EnvelopeCache holds derived shared keys keyed by subtaskId, expiring after
// a fixed TTL. Safe for concurrent use.
type EnvelopeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]cachedKey
}

// NewEnvelopeCache creates a cache with the given TTL (spec default: 1 hour).
func NewEnvelopeCache(ttl time.Duration) *EnvelopeCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &EnvelopeCache{ttl: ttl, items: make(map[string]cachedKey)}
}

// Prune removes expired cache entries. Intended to run on a background
// ticker alongside the coordinator's other scheduled loops.
func (c *EnvelopeCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, ck := range c.items {
		if now.Sub(ck.createdAt) > c.ttl {
			delete(c.items, id)
			removed++
		}
	}
	return removed
}

// Seal encrypts payload for the recipient's X25519 public key, caching the
// derived shared key under subtaskID for the later decrypt of the agent's
// result.
func (c *EnvelopeCache) Seal(subtaskID string, recipientPub *ecdh.PublicKey, payload []byte) (*Envelope, error) {
	curve := ecdh.X25519()
	ephPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate ephemeral key: %w", err)
	}
	shared, err := ephPriv.ECDH(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("identity: ecdh: %w", err)
	}
	key := deriveAEADKey(shared)

	c.mu.Lock()
	c.items[subtaskID] = cachedKey{key: key, createdAt: time.Now()}
	c.mu.Unlock()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("identity: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, payload, nil)

	return &Envelope{
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephPriv.PublicKey().Bytes()),
		Nonce:              base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:         base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Open decrypts an agent's returned envelope using the shared key cached for
// subtaskID. Returns ErrEnvelopeDecryptFailed if the entry is missing,
// expired, or decryption fails for any reason.
func (c *EnvelopeCache) Open(subtaskID string, env *Envelope) ([]byte, error) {
	c.mu.Lock()
	ck, ok := c.items[subtaskID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrEnvelopeDecryptFailed
	}
	if time.Since(ck.createdAt) > c.ttl {
		return nil, ErrEnvelopeDecryptFailed
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce", ErrEnvelopeDecryptFailed)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrEnvelopeDecryptFailed)
	}

	aead, err := chacha20poly1305.New(ck.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeDecryptFailed, err)
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeDecryptFailed, err)
	}
	return pt, nil
}

// ParseX25519PublicKey decodes a base64-encoded raw X25519 public key, the
// format agents advertise in their registration record.
func ParseX25519PublicKey(b64 string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("identity: decode x25519 public key: %w", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: parse x25519 public key: %w", err)
	}
	return pub, nil
}

// deriveAEADKey turns a raw X25519 shared secret into a chacha20poly1305 key
// via SHA-256, matching the hybrid-envelope convention used elsewhere in the
// corpus (HKDF is overkill for a single-use per-subtask key; a single hash
// pass is sufficient here since the shared secret is never reused).
func deriveAEADKey(shared []byte) []byte {
	return shaSum(shared)
}
