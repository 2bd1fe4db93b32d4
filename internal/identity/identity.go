// Package identity provides dual-key agent identity management.
// Each agent holds an Ed25519 keypair for signing and an X25519 keypair
// for key agreement. The agent ID and ethereum-style address are both
// derived from the signing public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of all key material in bytes.
	KeySize = 32

	// IDSize is the number of hash bytes used for the agent ID.
	IDSize = 20
)

var (
	// ErrInvalidKeyLength is returned when key material has the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length: expected 32 bytes")

	// ErrInvalidHexString is returned when hex key material is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for key material")
)

// AgentIdentity is an immutable dual-key agent identity.
type AgentIdentity struct {
	// ID is the lowercase hex of the first 20 bytes of SHA-256(EdPub).
	ID string

	// EdPub and EdPriv are the Ed25519 signing keypair. EdPriv holds the
	// 32-byte seed, not the expanded 64-byte private key.
	EdPub  [KeySize]byte
	EdPriv [KeySize]byte

	// XPub and XPriv are the X25519 key-agreement keypair.
	XPub  [KeySize]byte
	XPriv [KeySize]byte

	// Address is "0x" + ID, compatible with ethereum-style tooling.
	Address string

	// ChainID identifies the chain environment this identity targets.
	ChainID uint64
}

// Generate creates a fresh identity with random key material.
func Generate(chainID uint64) (*AgentIdentity, error) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	var edPriv [KeySize]byte
	copy(edPriv[:], edKey.Seed())

	var xPriv [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, xPriv[:]); err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}

	// Clamp the private key per X25519 spec
	xPriv[0] &= 248
	xPriv[31] &= 127
	xPriv[31] |= 64

	return Restore(edPriv, xPriv, chainID)
}

// Restore reconstructs an identity from its two 32-byte private keys,
// re-deriving both public keys, the ID and the address. Restoring the
// same keys always yields the same identity.
func Restore(edPriv, xPriv [KeySize]byte, chainID uint64) (*AgentIdentity, error) {
	edKey := ed25519.NewKeyFromSeed(edPriv[:])
	edPub := edKey.Public().(ed25519.PublicKey)

	xPub, err := curve25519.X25519(xPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}

	id := DeriveID(edPub)

	ident := &AgentIdentity{
		ID:      id,
		Address: "0x" + id,
		ChainID: chainID,
	}
	copy(ident.EdPub[:], edPub)
	ident.EdPriv = edPriv
	copy(ident.XPub[:], xPub)
	ident.XPriv = xPriv

	return ident, nil
}

// DeriveID computes the agent ID for a signing public key.
func DeriveID(edPub []byte) string {
	sum := sha256.Sum256(edPub)
	return hex.EncodeToString(sum[:IDSize])
}

// SigningKey returns the expanded Ed25519 private key for signing.
func (a *AgentIdentity) SigningKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(a.EdPriv[:])
}

// ExportKeys returns the hex encodings of both private keys.
func (a *AgentIdentity) ExportKeys() (edPrivHex, xPrivHex string) {
	return hex.EncodeToString(a.EdPriv[:]), hex.EncodeToString(a.XPriv[:])
}

// ShortID returns a shortened form of the agent ID for logging.
func (a *AgentIdentity) ShortID() string {
	if len(a.ID) < 8 {
		return a.ID
	}
	return a.ID[:8]
}

// KeyFromHex decodes a 32-byte key from its hex encoding.
func KeyFromHex(s string) ([KeySize]byte, error) {
	var key [KeySize]byte

	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}
	if len(b) != KeySize {
		return key, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(b))
	}

	copy(key[:], b)
	return key, nil
}
