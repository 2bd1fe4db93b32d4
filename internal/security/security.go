// Package security implements frame authentication for Opacus: X25519
// key agreement, HKDF session keys, HMAC integrity, Ed25519 signatures
// and anti-replay nonces.
package security

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/opacus-xyz/opacus-go/internal/identity"
	"github.com/opacus-xyz/opacus-go/internal/protocol"
)

const (
	// KeySize is the size of keys and shared secrets in bytes.
	KeySize = 32

	// SignatureSize is the size of Ed25519 signatures in bytes.
	SignatureSize = 64

	// SessionInfo is the HKDF info label for session key expansion.
	SessionInfo = "opacus-session"

	// MaxNonceAgeMs is the replay window for inbound frames.
	MaxNonceAgeMs uint64 = 60_000
)

// Frame rejection reasons. The strings are part of the protocol surface:
// peers and tests match on them verbatim.
var (
	ErrReplayedNonce    = errors.New("Invalid or replayed nonce")
	ErrMissingHMAC      = errors.New("Missing HMAC")
	ErrMissingSignature = errors.New("Missing signature")
	ErrInvalidSignature = errors.New("Invalid signature")
	ErrHMACMismatch     = errors.New("HMAC mismatch")
)

// Manager holds per-endpoint authentication state: the replay window of
// recently accepted nonces and the outbound sequence counter. A Manager
// has a single owner and is not safe for unsynchronized concurrent use.
type Manager struct {
	nonceWindow map[string]uint64
	lastNonce   uint64
}

// NewManager creates an empty security manager.
func NewManager() *Manager {
	return &Manager{
		nonceWindow: make(map[string]uint64),
	}
}

// DeriveSharedSecret performs X25519 Diffie-Hellman and returns the raw
// 32-byte output, unhashed. An all-zero peer key yields an all-zero
// secret: a sender may not have learned the relay key yet, and the
// resulting frames simply fail HMAC verification downstream.
func DeriveSharedSecret(myPriv, peerPub [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte

	var zero [KeySize]byte
	if peerPub == zero {
		return shared, nil
	}

	out, err := curve25519.X25519(myPriv[:], peerPub[:])
	if err != nil {
		return shared, fmt.Errorf("x25519: %w", err)
	}

	copy(shared[:], out)
	return shared, nil
}

// DeriveSessionKey expands a shared secret into a 32-byte session key
// with HKDF-SHA256, empty salt, and the given info label.
func DeriveSessionKey(shared []byte, info string) [KeySize]byte {
	var key [KeySize]byte

	reader := hkdf.New(sha256.New, shared, nil, []byte(info))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		// Unreachable for a 32-byte read from HKDF-SHA256.
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}

	return key
}

// GenerateNonce produces an anti-replay nonce of the form
// "<decimal-ms-timestamp>-<16-hex-chars>".
func GenerateNonce() string {
	var buf [8]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		panic(fmt.Sprintf("nonce randomness: %v", err))
	}
	r := binary.BigEndian.Uint64(buf[:])
	return fmt.Sprintf("%d-%016x", time.Now().UnixMilli(), r)
}

// ValidateNonce checks a nonce for shape, freshness and replay. On
// acceptance the nonce is recorded and entries older than twice the
// replay window are swept.
func (m *Manager) ValidateNonce(nonce string, maxAgeMs uint64) bool {
	parts := strings.Split(nonce, "-")
	if len(parts) != 2 {
		return false
	}

	ts, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return false
	}

	now := uint64(time.Now().UnixMilli())
	if now > ts && now-ts > maxAgeMs {
		return false
	}

	if _, seen := m.nonceWindow[nonce]; seen {
		return false
	}

	m.nonceWindow[nonce] = now
	m.sweep(now, 2*maxAgeMs)

	return true
}

func (m *Manager) sweep(now, maxAge uint64) {
	for n, ts := range m.nonceWindow {
		if now-ts >= maxAge {
			delete(m.nonceWindow, n)
		}
	}
}

// WindowSize returns the number of nonces currently held for replay checks.
func (m *Manager) WindowSize() int {
	return len(m.nonceWindow)
}

// Sign produces an Ed25519 signature over message with the 32-byte seed.
func Sign(edPriv [KeySize]byte, message []byte) [SignatureSize]byte {
	key := ed25519.NewKeyFromSeed(edPriv[:])

	var sig [SignatureSize]byte
	copy(sig[:], ed25519.Sign(key, message))
	return sig
}

// Verify checks an Ed25519 signature. It returns false on any parse or
// verification failure and never panics.
func Verify(edPub [KeySize]byte, message, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(edPub[:]), message, sig)
}

// GenerateHMAC computes the hex-encoded HMAC-SHA256 of data under key.
func GenerateHMAC(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks an expected hex HMAC in constant time.
func VerifyHMAC(key []byte, data, expected string) bool {
	computed := GenerateHMAC(key, data)
	return hmac.Equal([]byte(computed), []byte(expected))
}

// macInput builds the canonical HMAC input. The frame type appears in
// its capitalized form here, unlike the lowercase wire field.
func macInput(t protocol.FrameType, from, to string, seq, ts uint64, nonce string, payload []byte) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%s|%s",
		t.Canonical(), from, to, seq, ts, nonce, hex.EncodeToString(payload))
}

// signInput builds the canonical signing input, binding the HMAC into
// the signed envelope.
func signInput(f *protocol.Frame, hmacHex string) string {
	return fmt.Sprintf("%d|%s|%s|%s|%d|%d|%s|%s",
		f.Version, f.Type.Canonical(), f.From, f.To, f.Seq, f.Ts, f.Nonce, hmacHex)
}

// CreateAuthFrame assembles a fully authenticated frame: fresh nonce and
// sequence number, HMAC under the session key derived from the peer's
// key-agreement key, and a signature binding the HMAC into the envelope.
func (m *Manager) CreateAuthFrame(ident *identity.AgentIdentity, peerXPub [KeySize]byte,
	frameType protocol.FrameType, to string, payload []byte) (*protocol.Frame, error) {

	nonce := GenerateNonce()
	ts := uint64(time.Now().UnixMilli())
	m.lastNonce++
	seq := m.lastNonce

	shared, err := DeriveSharedSecret(ident.XPriv, peerXPub)
	if err != nil {
		return nil, err
	}
	sessionKey := DeriveSessionKey(shared[:], SessionInfo)

	hmacHex := GenerateHMAC(sessionKey[:], macInput(frameType, ident.ID, to, seq, ts, nonce, payload))

	frame := &protocol.Frame{
		Version: protocol.Version,
		Type:    frameType,
		From:    ident.ID,
		To:      to,
		Seq:     seq,
		Ts:      ts,
		Nonce:   nonce,
		Payload: payload,
		Hmac:    hmacHex,
	}

	sig := Sign(ident.EdPriv, []byte(signInput(frame, hmacHex)))
	frame.Sig = sig[:]

	return frame, nil
}

// VerifyAuthFrame checks an inbound frame end to end: replay window,
// signature over the canonical signing input, then HMAC recomputed with
// the session key derived from DH(myXPriv, senderXPub). Each rejection
// carries a distinct reason.
func (m *Manager) VerifyAuthFrame(f *protocol.Frame, senderEdPub, myXPriv, senderXPub [KeySize]byte) error {
	if !m.ValidateNonce(f.Nonce, MaxNonceAgeMs) {
		return ErrReplayedNonce
	}

	if f.Hmac == "" {
		return ErrMissingHMAC
	}
	if len(f.Sig) == 0 {
		return ErrMissingSignature
	}

	if !Verify(senderEdPub, []byte(signInput(f, f.Hmac)), f.Sig) {
		return ErrInvalidSignature
	}

	shared, err := DeriveSharedSecret(myXPriv, senderXPub)
	if err != nil {
		return ErrHMACMismatch
	}
	sessionKey := DeriveSessionKey(shared[:], SessionInfo)

	if !VerifyHMAC(sessionKey[:], macInput(f.Type, f.From, f.To, f.Seq, f.Ts, f.Nonce, f.Payload), f.Hmac) {
		return ErrHMACMismatch
	}

	return nil
}
