package identity

import (
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	ident, err := Generate(16602)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if ident.ChainID != 16602 {
		t.Errorf("ChainID = %d, want 16602", ident.ChainID)
	}
	if len(ident.ID) != IDSize*2 {
		t.Errorf("ID length = %d, want %d", len(ident.ID), IDSize*2)
	}
	if ident.ID != strings.ToLower(ident.ID) {
		t.Errorf("ID not lowercase: %s", ident.ID)
	}
	if !strings.HasPrefix(ident.Address, "0x") {
		t.Errorf("Address missing 0x prefix: %s", ident.Address)
	}
}

func TestGenerateUnique(t *testing.T) {
	a, err := Generate(16600)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate(16600)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("two generated identities share an ID")
	}
	if a.XPriv == b.XPriv {
		t.Error("two generated identities share an X25519 key")
	}
}

func TestRestoreDeterministic(t *testing.T) {
	orig, err := Generate(16661)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := Restore(orig.EdPriv, orig.XPriv, 16661)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if restored.ID != orig.ID {
		t.Errorf("ID = %s, want %s", restored.ID, orig.ID)
	}
	if restored.Address != orig.Address {
		t.Errorf("Address = %s, want %s", restored.Address, orig.Address)
	}
	if restored.EdPub != orig.EdPub {
		t.Error("EdPub differs after restore")
	}
	if restored.XPub != orig.XPub {
		t.Error("XPub differs after restore")
	}
}

func TestAddressCouplesToID(t *testing.T) {
	ident, err := Generate(16602)
	if err != nil {
		t.Fatal(err)
	}
	if ident.Address != "0x"+ident.ID {
		t.Errorf("Address = %s, want 0x%s", ident.Address, ident.ID)
	}
}

func TestDeriveIDMatchesIdentity(t *testing.T) {
	ident, err := Generate(16602)
	if err != nil {
		t.Fatal(err)
	}
	if got := DeriveID(ident.EdPub[:]); got != ident.ID {
		t.Errorf("DeriveID = %s, want %s", got, ident.ID)
	}
}

func TestSigningKeyMatchesPublic(t *testing.T) {
	ident, err := Generate(16602)
	if err != nil {
		t.Fatal(err)
	}

	priv := ident.SigningKey()
	msg := []byte("roundtrip")
	sig := ed25519.Sign(priv, msg)
	if !ed25519.Verify(ed25519.PublicKey(ident.EdPub[:]), msg, sig) {
		t.Error("signature from SigningKey() does not verify against EdPub")
	}
}

func TestExportKeys(t *testing.T) {
	ident, err := Generate(16602)
	if err != nil {
		t.Fatal(err)
	}

	edHex, xHex := ident.ExportKeys()
	if len(edHex) != 64 || len(xHex) != 64 {
		t.Fatalf("exported key lengths = %d, %d; want 64", len(edHex), len(xHex))
	}

	edPriv, err := KeyFromHex(edHex)
	if err != nil {
		t.Fatal(err)
	}
	xPriv, err := KeyFromHex(xHex)
	if err != nil {
		t.Fatal(err)
	}
	if edPriv != ident.EdPriv || xPriv != ident.XPriv {
		t.Error("exported keys do not round-trip")
	}
}

func TestKeyFromHex(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", strings.Repeat("ab", 32), false},
		{"not hex", strings.Repeat("zz", 32), true},
		{"too short", "abcd", true},
		{"too long", strings.Repeat("ab", 33), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := KeyFromHex(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("KeyFromHex(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
