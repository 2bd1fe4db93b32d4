package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestStoreLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity")

	orig, err := Generate(16602)
	if err != nil {
		t.Fatal(err)
	}

	if err := orig.Store(path); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loaded, err := Load(path, 16602)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.ID != orig.ID {
		t.Errorf("loaded ID = %s, want %s", loaded.ID, orig.ID)
	}
	if loaded.EdPriv != orig.EdPriv || loaded.XPriv != orig.XPriv {
		t.Error("loaded private keys differ")
	}
}

func TestStorePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on windows")
	}

	path := filepath.Join(t.TempDir(), "identity")

	ident, err := Generate(16602)
	if err != nil {
		t.Fatal(err)
	}
	if err := ident.Store(path); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("identity file mode = %o, want 0600", perm)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"one line", "aabb\n"},
		{"three lines", "aa\nbb\ncc\n"},
		{"bad hex", "zz\nyy\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path, 16602); err == nil {
				t.Error("expected error for malformed identity file")
			}
		})
	}
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	if Exists(path) {
		t.Error("Exists() = true before store")
	}

	ident, err := Generate(16602)
	if err != nil {
		t.Fatal(err)
	}
	if err := ident.Store(path); err != nil {
		t.Fatal(err)
	}

	if !Exists(path) {
		t.Error("Exists() = false after store")
	}
}
