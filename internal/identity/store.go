package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Identity files hold the two hex-encoded private keys, one per line:
// signing seed first, key-agreement key second.

// Store persists the identity's private keys to a file. The write is
// atomic: a temp file is written first, then renamed into place.
func (a *AgentIdentity) Store(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	edHex, xHex := a.ExportKeys()
	content := edHex + "\n" + xHex + "\n"

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist identity: %w", err)
	}

	return nil
}

// Load restores an identity from a file written by Store.
func Load(path string, chainID uint64) (*AgentIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	lines := strings.Fields(strings.TrimSpace(string(data)))
	if len(lines) != 2 {
		return nil, fmt.Errorf("malformed identity file %s: expected 2 keys, got %d", path, len(lines))
	}

	edPriv, err := KeyFromHex(lines[0])
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	xPriv, err := KeyFromHex(lines[1])
	if err != nil {
		return nil, fmt.Errorf("key-agreement key: %w", err)
	}

	return Restore(edPriv, xPriv, chainID)
}

// Exists checks whether an identity file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
