package security

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opacus-xyz/opacus-go/internal/identity"
	"github.com/opacus-xyz/opacus-go/internal/protocol"
)

func newIdentity(t *testing.T) *identity.AgentIdentity {
	t.Helper()
	ident, err := identity.Generate(16602)
	if err != nil {
		t.Fatal(err)
	}
	return ident
}

func TestDeriveSharedSecretSymmetry(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)

	ab, err := DeriveSharedSecret(a.XPriv, b.XPub)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := DeriveSharedSecret(b.XPriv, a.XPub)
	if err != nil {
		t.Fatal(err)
	}

	if ab != ba {
		t.Error("DH outputs differ between the two sides")
	}

	var zero [KeySize]byte
	if ab == zero {
		t.Error("DH output is all zeros for honest keys")
	}
}

func TestDeriveSharedSecretZeroPeer(t *testing.T) {
	a := newIdentity(t)

	var zero [KeySize]byte
	shared, err := DeriveSharedSecret(a.XPriv, zero)
	if err != nil {
		t.Fatalf("zero peer key should not error, got %v", err)
	}
	if shared != zero {
		t.Error("zero peer key should yield a zero secret")
	}
}

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)

	shared, err := DeriveSharedSecret(a.XPriv, b.XPub)
	if err != nil {
		t.Fatal(err)
	}

	k1 := DeriveSessionKey(shared[:], SessionInfo)
	k2 := DeriveSessionKey(shared[:], SessionInfo)
	if k1 != k2 {
		t.Error("session key derivation not deterministic")
	}

	other := DeriveSessionKey(shared[:], "other-label")
	if k1 == other {
		t.Error("different info labels produced the same key")
	}
}

func TestGenerateNonceFormat(t *testing.T) {
	nonce := GenerateNonce()

	parts := strings.Split(nonce, "-")
	if len(parts) != 2 {
		t.Fatalf("nonce %q: expected 2 parts, got %d", nonce, len(parts))
	}
	if len(parts[1]) != 16 {
		t.Errorf("nonce %q: random part has length %d, want 16", nonce, len(parts[1]))
	}

	if GenerateNonce() == nonce {
		t.Error("two nonces collided")
	}
}

func TestValidateNonce(t *testing.T) {
	m := NewManager()

	nonce := GenerateNonce()
	if !m.ValidateNonce(nonce, MaxNonceAgeMs) {
		t.Fatal("fresh nonce rejected")
	}
	if m.ValidateNonce(nonce, MaxNonceAgeMs) {
		t.Error("replayed nonce accepted")
	}
}

func TestValidateNonceStale(t *testing.T) {
	m := NewManager()

	old := time.Now().UnixMilli() - int64(MaxNonceAgeMs) - 1000
	stale := fmt.Sprintf("%d-%016x", old, uint64(0xdeadbeef))
	if m.ValidateNonce(stale, MaxNonceAgeMs) {
		t.Error("stale nonce accepted")
	}
}

func TestValidateNonceMalformed(t *testing.T) {
	m := NewManager()

	tests := []string{
		"",
		"justonepart",
		"a-b-c",
		"notanumber-0123456789abcdef",
		"-0123456789abcdef",
	}

	for _, nonce := range tests {
		if m.ValidateNonce(nonce, MaxNonceAgeMs) {
			t.Errorf("malformed nonce %q accepted", nonce)
		}
	}
}

func TestValidateNonceSweep(t *testing.T) {
	m := NewManager()

	// Entries older than 2x the window are removed on insertion.
	old := uint64(time.Now().UnixMilli()) - 3*MaxNonceAgeMs
	m.nonceWindow["ancient-entry"] = old

	if !m.ValidateNonce(GenerateNonce(), MaxNonceAgeMs) {
		t.Fatal("fresh nonce rejected")
	}
	if _, ok := m.nonceWindow["ancient-entry"]; ok {
		t.Error("swept entry still present")
	}
	if m.WindowSize() != 1 {
		t.Errorf("WindowSize() = %d, want 1", m.WindowSize())
	}
}

func TestSignVerify(t *testing.T) {
	ident := newIdentity(t)
	msg := []byte("authenticated agent traffic")

	sig := Sign(ident.EdPriv, msg)
	if !Verify(ident.EdPub, msg, sig[:]) {
		t.Error("valid signature rejected")
	}
	if Verify(ident.EdPub, []byte("tampered"), sig[:]) {
		t.Error("signature over different message accepted")
	}
	if Verify(ident.EdPub, msg, sig[:SignatureSize-1]) {
		t.Error("truncated signature accepted")
	}
	if Verify(ident.EdPub, msg, nil) {
		t.Error("nil signature accepted")
	}

	other := newIdentity(t)
	if Verify(other.EdPub, msg, sig[:]) {
		t.Error("signature verified under wrong public key")
	}
}

func TestAuthFrameRoundTrip(t *testing.T) {
	sender := newIdentity(t)
	receiver := newIdentity(t)

	sm := NewManager()
	frame, err := sm.CreateAuthFrame(sender, receiver.XPub, protocol.FrameMsg, receiver.ID, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}

	if frame.From != sender.ID || frame.To != receiver.ID {
		t.Errorf("frame endpoints = %s -> %s", frame.From, frame.To)
	}
	if frame.Seq != 1 {
		t.Errorf("first Seq = %d, want 1", frame.Seq)
	}
	if frame.Hmac == "" || len(frame.Sig) != SignatureSize {
		t.Fatal("frame missing hmac or sig")
	}

	rm := NewManager()
	if err := rm.VerifyAuthFrame(frame, sender.EdPub, receiver.XPriv, sender.XPub); err != nil {
		t.Errorf("honest frame rejected: %v", err)
	}
}

func TestAuthFrameSeqMonotonic(t *testing.T) {
	sender := newIdentity(t)
	receiver := newIdentity(t)

	sm := NewManager()
	var last uint64
	for i := 0; i < 5; i++ {
		frame, err := sm.CreateAuthFrame(sender, receiver.XPub, protocol.FrameMsg, receiver.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		if frame.Seq <= last {
			t.Fatalf("Seq %d not greater than previous %d", frame.Seq, last)
		}
		last = frame.Seq
	}
}

func TestVerifyAuthFrameReplay(t *testing.T) {
	sender := newIdentity(t)
	receiver := newIdentity(t)

	sm := NewManager()
	frame, err := sm.CreateAuthFrame(sender, receiver.XPub, protocol.FrameMsg, receiver.ID, []byte("once"))
	if err != nil {
		t.Fatal(err)
	}

	rm := NewManager()
	if err := rm.VerifyAuthFrame(frame, sender.EdPub, receiver.XPriv, sender.XPub); err != nil {
		t.Fatalf("first delivery rejected: %v", err)
	}
	err = rm.VerifyAuthFrame(frame, sender.EdPub, receiver.XPriv, sender.XPub)
	if !errors.Is(err, ErrReplayedNonce) {
		t.Errorf("replay error = %v, want %v", err, ErrReplayedNonce)
	}
}

func TestVerifyAuthFrameTamper(t *testing.T) {
	sender := newIdentity(t)
	receiver := newIdentity(t)

	build := func(t *testing.T) *protocol.Frame {
		t.Helper()
		sm := NewManager()
		frame, err := sm.CreateAuthFrame(sender, receiver.XPub, protocol.FrameMsg, receiver.ID, []byte("payload"))
		if err != nil {
			t.Fatal(err)
		}
		return frame
	}

	tests := []struct {
		name    string
		mutate  func(*protocol.Frame)
		wantErr error
	}{
		{
			name:    "flipped payload byte",
			mutate:  func(f *protocol.Frame) { f.Payload[0] ^= 0x01 },
			wantErr: ErrHMACMismatch,
		},
		{
			name:    "flipped seq",
			mutate:  func(f *protocol.Frame) { f.Seq++ },
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "flipped ts",
			mutate:  func(f *protocol.Frame) { f.Ts++ },
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "flipped sig byte",
			mutate:  func(f *protocol.Frame) { f.Sig[0] ^= 0x01 },
			wantErr: ErrInvalidSignature,
		},
		{
			name: "signature over different nonce",
			mutate: func(f *protocol.Frame) {
				// Re-sign with a nonce that does not match the frame.
				forged := *f
				forged.Nonce = GenerateNonce()
				sig := Sign(sender.EdPriv, []byte(signInput(&forged, f.Hmac)))
				f.Sig = sig[:]
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "missing hmac",
			mutate:  func(f *protocol.Frame) { f.Hmac = "" },
			wantErr: ErrMissingHMAC,
		},
		{
			name:    "missing sig",
			mutate:  func(f *protocol.Frame) { f.Sig = nil },
			wantErr: ErrMissingSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := build(t)
			tt.mutate(frame)

			rm := NewManager()
			err := rm.VerifyAuthFrame(frame, sender.EdPub, receiver.XPriv, sender.XPub)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyAuthFrameWrongDHKeys(t *testing.T) {
	sender := newIdentity(t)
	receiver := newIdentity(t)
	intruder := newIdentity(t)

	sm := NewManager()
	frame, err := sm.CreateAuthFrame(sender, receiver.XPub, protocol.FrameMsg, receiver.ID, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}

	// The signature still verifies, but the session key differs.
	rm := NewManager()
	err = rm.VerifyAuthFrame(frame, sender.EdPub, intruder.XPriv, sender.XPub)
	if !errors.Is(err, ErrHMACMismatch) {
		t.Errorf("error = %v, want %v", err, ErrHMACMismatch)
	}
}

func TestRejectionReasonStrings(t *testing.T) {
	// The reason strings are matched verbatim by peers; pin them.
	tests := []struct {
		err  error
		want string
	}{
		{ErrReplayedNonce, "Invalid or replayed nonce"},
		{ErrMissingHMAC, "Missing HMAC"},
		{ErrMissingSignature, "Missing signature"},
		{ErrInvalidSignature, "Invalid signature"},
		{ErrHMACMismatch, "HMAC mismatch"},
	}

	for _, tt := range tests {
		if tt.err.Error() != tt.want {
			t.Errorf("reason = %q, want %q", tt.err.Error(), tt.want)
		}
	}
}

func TestMACInputUsesCanonicalType(t *testing.T) {
	input := macInput(protocol.FrameMsg, "a", "b", 1, 2, "n", []byte{0xff})
	if !strings.HasPrefix(input, "Msg|") {
		t.Errorf("MAC input %q does not start with capitalized type", input)
	}
	if !strings.HasSuffix(input, "|ff") {
		t.Errorf("MAC input %q does not end with hex payload", input)
	}
}

func TestSignInputShape(t *testing.T) {
	f := &protocol.Frame{
		Version: protocol.Version,
		Type:    protocol.FrameStream,
		From:    "a",
		To:      "b",
		Seq:     7,
		Ts:      9,
		Nonce:   "n",
	}
	got := signInput(f, "deadbeef")
	want := "1|Stream|a|b|7|9|n|deadbeef"
	if got != want {
		t.Errorf("signInput = %q, want %q", got, want)
	}
}
