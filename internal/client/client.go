// Package client implements the Opacus client core: it owns the agent
// identity, the transport to the relay, and the security manager, and
// assembles and validates protocol frames.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opacus-xyz/opacus-go/internal/config"
	"github.com/opacus-xyz/opacus-go/internal/identity"
	"github.com/opacus-xyz/opacus-go/internal/logging"
	"github.com/opacus-xyz/opacus-go/internal/protocol"
	"github.com/opacus-xyz/opacus-go/internal/security"
	"github.com/opacus-xyz/opacus-go/internal/transport"
)

var (
	// ErrNotInitialized is returned when an operation requires an
	// identity; call Init or InitFromKeys first.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrNotConnected is returned when an operation requires an open
	// transport; call Connect first.
	ErrNotConnected = errors.New("client not connected")

	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("client already connected")
)

// Client is the agent-side endpoint of the messaging fabric.
type Client struct {
	mu sync.Mutex

	config    *config.Config
	identity  *identity.AgentIdentity
	transport *transport.Transport
	security  *security.Manager

	// relayXPub is learned from the relay's Connect ACK. Until then
	// outbound auth frames derive their session key from a zero key.
	relayXPub    [32]byte
	hasRelayXPub bool

	// tlsConfig overrides the transport's TLS setup when the deployment
	// verifies the relay certificate.
	tlsConfig *tls.Config

	seq uint64

	logger *slog.Logger
}

// New creates a client from a configuration. The client starts without
// an identity; call Init or InitFromKeys before anything else.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		config:   cfg,
		security: security.NewManager(),
		logger:   logger,
	}
}

// SetTLSConfig installs a certificate-verifying TLS config for the
// relay connection. Without one, certificate verification is skipped.
func (c *Client) SetTLSConfig(tlsConfig *tls.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlsConfig = tlsConfig
}

// Init creates a fresh identity for the configured network.
func (c *Client) Init() (*identity.AgentIdentity, error) {
	ident, err := identity.Generate(c.config.Network.ChainID())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.identity = ident
	c.mu.Unlock()

	c.logger.Info("agent initialized",
		logging.KeyAgentID, ident.ID,
		logging.KeyAddress, ident.Address)

	return ident, nil
}

// InitFromKeys restores an identity from its two 32-byte private keys.
func (c *Client) InitFromKeys(edPriv, xPriv [32]byte) (*identity.AgentIdentity, error) {
	ident, err := identity.Restore(edPriv, xPriv, c.config.Network.ChainID())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.identity = ident
	c.mu.Unlock()

	c.logger.Info("agent restored",
		logging.KeyAgentID, ident.ID,
		logging.KeyAddress, ident.Address)

	return ident, nil
}

// Identity returns the agent identity, or nil before Init.
func (c *Client) Identity() *identity.AgentIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// ExportIdentity returns the hex encodings of both private keys.
func (c *Client) ExportIdentity() (edPrivHex, xPrivHex string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return "", "", ErrNotInitialized
	}
	ed, x := c.identity.ExportKeys()
	return ed, x, nil
}

// IsConnected reports whether the transport is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil && c.transport.State() == transport.StateOpen
}

// RelayXPub returns the cached relay key-agreement public key and
// whether it has been learned yet.
func (c *Client) RelayXPub() ([32]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayXPub, c.hasRelayXPub
}

// Connect resolves the relay address, opens the transport and announces
// the agent with a Connect frame carrying both public keys. Connect
// frames are unauthenticated; the session key cannot exist before the
// relay's ACK delivers its public key.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	ident := c.identity
	if ident == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.transport != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	tlsConfig := c.tlsConfig
	c.mu.Unlock()

	addr := config.RelayAddr(c.config.RelayURL)
	if addr == "" {
		return fmt.Errorf("%w: %q", config.ErrInvalidRelayURL, c.config.RelayURL)
	}

	tr := transport.New(c.logger)
	if err := tr.Connect(ctx, addr, transport.Options{TLSConfig: tlsConfig}); err != nil {
		return err
	}

	c.logger.Info("connected to relay", logging.KeyAddress, c.config.RelayURL)

	payload, err := protocol.MarshalJSONPayload(protocol.ConnectPayload{
		EdPub: fmt.Sprintf("%x", ident.EdPub[:]),
		XPub:  fmt.Sprintf("%x", ident.XPub[:]),
	})
	if err != nil {
		tr.Close()
		return fmt.Errorf("connect payload: %w", err)
	}

	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()

	frame := &protocol.Frame{
		Version: protocol.Version,
		Type:    protocol.FrameConnect,
		From:    ident.ID,
		To:      protocol.RelayID,
		Seq:     seq,
		Ts:      uint64(time.Now().UnixMilli()),
		Nonce:   security.GenerateNonce(),
		Payload: payload,
	}

	if err := tr.Send(frame); err != nil {
		tr.Close()
		return err
	}

	c.logger.Debug("sent connect frame", logging.KeySeq, seq)

	c.mu.Lock()
	c.transport = tr
	c.mu.Unlock()

	return nil
}

// SendMessage builds an authenticated Msg frame for the recipient and
// sends it. When the relay key is not yet known the session key falls
// back to a zero-key derivation, exactly as an uninformed sender would.
func (c *Client) SendMessage(to string, payload []byte) error {
	return c.sendAuth(protocol.FrameMsg, to, payload)
}

// SendStream broadcasts channel data as a Stream frame.
func (c *Client) SendStream(channelID string, data []byte) error {
	payload, err := protocol.MarshalJSONPayload(protocol.StreamPayload{
		ChannelID: channelID,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("stream payload: %w", err)
	}
	return c.sendAuth(protocol.FrameStream, protocol.BroadcastID, payload)
}

// Ping sends an authenticated keepalive to another agent.
func (c *Client) Ping(to string) error {
	return c.sendAuth(protocol.FramePing, to, nil)
}

func (c *Client) sendAuth(frameType protocol.FrameType, to string, payload []byte) error {
	c.mu.Lock()
	ident := c.identity
	tr := c.transport
	relayXPub := c.relayXPub
	if ident == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if tr == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}

	frame, err := c.security.CreateAuthFrame(ident, relayXPub, frameType, to, payload)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := tr.Send(frame); err != nil {
		return err
	}

	c.logger.Debug("sent frame",
		logging.KeyFrameType, frameType.String(),
		logging.KeyTo, to)

	return nil
}

// Recv returns the next frame from the transport. An ACK from the relay
// is inspected for the relay's key-agreement public key, which is cached
// for subsequent authenticated sends; the frame itself is returned
// unchanged. Returns transport.ErrClosed after Disconnect.
func (c *Client) Recv(ctx context.Context) (*protocol.Frame, error) {
	c.mu.Lock()
	ident := c.identity
	tr := c.transport
	c.mu.Unlock()

	if tr == nil {
		return nil, ErrNotConnected
	}

	frame, err := tr.Recv(ctx)
	if err != nil {
		return nil, err
	}

	if frame.Type == protocol.FrameAck && ident != nil && frame.From != ident.ID {
		c.cacheRelayKey(frame.Payload)
	}

	return frame, nil
}

func (c *Client) cacheRelayKey(payload []byte) {
	var ack protocol.AckPayload
	if err := protocol.UnmarshalJSONPayload(payload, &ack); err != nil {
		return
	}

	key, err := identity.KeyFromHex(ack.RelayXPub)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.relayXPub = key
	c.hasRelayXPub = true
	c.mu.Unlock()

	c.logger.Debug("cached relay public key")
}

// VerifyFrame checks an inbound frame end to end against the sender's
// public keys, using this client's key-agreement key for the session.
func (c *Client) VerifyFrame(frame *protocol.Frame, senderEdPub, senderXPub [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ErrNotInitialized
	}
	return c.security.VerifyAuthFrame(frame, senderEdPub, c.identity.XPriv, senderXPub)
}

// Disconnect closes the transport. A concurrent or subsequent Recv
// returns transport.ErrClosed once the queue drains.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()

	if tr == nil {
		return nil
	}

	err := tr.Close()
	c.logger.Info("disconnected from relay")
	return err
}
