// Copyright 2025 Certen Protocol
//
// Identity & crypto primitives for the mesh coordinator (C1).
// One Ed25519 keypair per coordinator; peer IDs are derived from the
// coordinator's public URL or supplied explicitly. Signing is deterministic over the caller-supplied
// canonical bytes.

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrInvalidPEM       = errors.New("identity: invalid PEM-encoded key")
	ErrInvalidSignature = errors.New("identity: signature verification failed")
)

// KeyPair holds a coordinator's Ed25519 signing identity.
type KeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// LoadKeyPairFromPEM parses a PEM block containing a raw 64-byte Ed25519
// private key (type "ED25519 PRIVATE KEY").
func LoadKeyPairFromPEM(pemBytes []byte) (*KeyPair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: unexpected key size %d", ErrInvalidPEM, len(block.Bytes))
	}
	priv := ed25519.PrivateKey(block.Bytes)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// PublicKeyPEM returns the PEM-serialized public key.
func PublicKeyPEM(pub ed25519.PublicKey) string {
	block := &pem.Block{Type: "ED25519 PUBLIC KEY", Bytes: pub}
	return string(pem.EncodeToMemory(block))
}

// PrivateKeyPEM returns the PEM-serialized private key. Callers must only
// persist this to a secret store, never to the ordering/stats ledgers.
func PrivateKeyPEM(priv ed25519.PrivateKey) string {
	block := &pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: priv}
	return string(pem.EncodeToMemory(block))
}

// ParsePublicKeyPEM parses a PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected key size %d", ErrInvalidPEM, len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// SignPayload signs the given bytes, deterministic over the input.
func SignPayload(priv ed25519.PrivateKey, payload []byte) []byte {
	return ed25519.Sign(priv, payload)
}

// SignPayloadHex signs and hex-encodes the signature, the wire format used
// throughout the mesh envelope and ledger records.
func SignPayloadHex(priv ed25519.PrivateKey, payload []byte) string {
	return hex.EncodeToString(SignPayload(priv, payload))
}

// VerifyPayload reports whether sig is a valid Ed25519 signature of payload
// under pub.
func VerifyPayload(pub ed25519.PublicKey, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// VerifyPayloadHex verifies a hex-encoded signature.
func VerifyPayloadHex(pub ed25519.PublicKey, payload []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return VerifyPayload(pub, payload, sig)
}

// DerivePeerID derives a stable peer ID from a coordinator's public URL:
// "coord-" followed by the first 16 lowercase hex characters of
// SHA-256(url), matching the "hash-prefix" scheme named in the data model.
func DerivePeerID(coordinatorURL string) string {
	sum := sha256.Sum256([]byte(coordinatorURL))
	return "coord-" + hex.EncodeToString(sum[:])[:16]
}
