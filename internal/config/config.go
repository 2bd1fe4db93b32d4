// Package config provides configuration parsing and validation for Opacus.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opacus-xyz/opacus-go/internal/logging"
)

var (
	// ErrUnknownNetwork is returned for an unrecognized network name.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrInvalidRelayURL is returned when the relay URL cannot be used.
	ErrInvalidRelayURL = errors.New("invalid relay URL")
)

// Network selects the chain environment a client operates against.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Devnet  Network = "devnet"
)

// ParseNetwork converts a string to a Network.
func ParseNetwork(s string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case Mainnet:
		return Mainnet, nil
	case Testnet:
		return Testnet, nil
	case Devnet:
		return Devnet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
}

// ChainID returns the chain ID for the network.
func (n Network) ChainID() uint64 {
	switch n {
	case Mainnet:
		return 16661
	case Testnet:
		return 16602
	default:
		return 16600
	}
}

// RPC returns the default chain RPC endpoint for the network.
func (n Network) RPC() string {
	switch n {
	case Mainnet:
		return "https://evmrpc.0g.ai"
	case Testnet:
		return "https://evmrpc-testnet.0g.ai"
	default:
		return "http://localhost:8545"
	}
}

// Config represents the complete Opacus configuration.
type Config struct {
	Network  Network        `yaml:"network"`
	RelayURL string         `yaml:"relay_url"`
	ChainRPC string         `yaml:"chain_rpc"`
	Identity IdentityConfig `yaml:"identity"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// IdentityConfig carries optional key material for restoring an identity.
type IdentityConfig struct {
	// EdPrivateKey is the hex-encoded Ed25519 signing seed (64 hex chars).
	EdPrivateKey string `yaml:"ed_private_key"`

	// XPrivateKey is the hex-encoded X25519 private key (64 hex chars).
	XPrivateKey string `yaml:"x_private_key"`

	// File points at a stored identity file created by `opacus identity new`.
	// Key fields above take precedence when set.
	File string `yaml:"file"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	// Port is the UDP port the relay listens on.
	Port uint16 `yaml:"port"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns on the HTTP metrics listener.
	Enabled bool `yaml:"enabled"`

	// Listen is the host:port for the metrics HTTP server.
	Listen string `yaml:"listen"`
}

// Default returns a configuration with sane defaults for the given network.
func Default(network Network) *Config {
	return &Config{
		Network:  network,
		RelayURL: "quic://127.0.0.1:4242",
		ChainRPC: network.RPC(),
		Relay: RelayConfig{
			Port: 4242,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default(Testnet)
	// Leave the RPC endpoint empty so validation fills it from the
	// loaded network rather than the default one.
	cfg.ChainRPC = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := ParseNetwork(string(c.Network)); err != nil {
		return err
	}

	if c.RelayURL == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRelayURL)
	}
	if RelayAddr(c.RelayURL) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRelayURL, c.RelayURL)
	}

	if c.ChainRPC == "" {
		c.ChainRPC = c.Network.RPC()
	}

	if err := validateKeyHex(c.Identity.EdPrivateKey, "identity.ed_private_key"); err != nil {
		return err
	}
	if err := validateKeyHex(c.Identity.XPrivateKey, "identity.x_private_key"); err != nil {
		return err
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen required when metrics.enabled")
	}

	return nil
}

// RelayAddr strips the URL scheme and returns the host:port to dial.
// Accepted schemes: quic://, https://, http://; a bare host:port passes
// through unchanged. Returns "" when nothing remains after stripping.
func RelayAddr(relayURL string) string {
	addr := relayURL
	for _, scheme := range []string{"quic://", "https://", "http://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	return strings.TrimSpace(addr)
}

// HasIdentityKeys reports whether both private keys are configured inline.
func (c *Config) HasIdentityKeys() bool {
	return c.Identity.EdPrivateKey != "" && c.Identity.XPrivateKey != ""
}

// IdentityKeys decodes the configured private keys.
func (c *Config) IdentityKeys() (edPriv, xPriv [32]byte, err error) {
	ed, err := hex.DecodeString(c.Identity.EdPrivateKey)
	if err != nil || len(ed) != 32 {
		return edPriv, xPriv, errors.New("identity.ed_private_key must be 64 hex chars")
	}
	x, err := hex.DecodeString(c.Identity.XPrivateKey)
	if err != nil || len(x) != 32 {
		return edPriv, xPriv, errors.New("identity.x_private_key must be 64 hex chars")
	}
	copy(edPriv[:], ed)
	copy(xPriv[:], x)
	return edPriv, xPriv, nil
}

func validateKeyHex(s, field string) error {
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%s: invalid hex: %v", field, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("%s: expected 32 bytes, got %d", field, len(b))
	}
	return nil
}
