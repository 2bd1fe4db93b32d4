// Package relay implements the central Opacus relay: it accepts agent
// connections over QUIC, maintains the routing table, and
// stores-and-forwards frames for offline recipients. The relay is an
// opaque router; it never verifies or rewrites forwarded frames.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/time/rate"

	"github.com/opacus-xyz/opacus-go/internal/certutil"
	"github.com/opacus-xyz/opacus-go/internal/logging"
	"github.com/opacus-xyz/opacus-go/internal/metrics"
	"github.com/opacus-xyz/opacus-go/internal/protocol"
	"github.com/opacus-xyz/opacus-go/internal/transport"
)

// Default QUIC configuration values for the listener.
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("relay already started")

// ConnectedAgent is the relay-local record of a live agent connection.
type ConnectedAgent struct {
	ID       string
	Conn     quic.Connection
	EdPub    [32]byte
	XPub     [32]byte
	LastSeen int64
}

// Relay is the connection-accepting router.
type Relay struct {
	port    uint16
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Static key-agreement keypair, generated at construction so every
	// Connect ACK can carry the public key.
	xPub  [32]byte
	xPriv [32]byte

	mu       sync.RWMutex
	agents   map[string]*ConnectedAgent
	pending  map[string][]*protocol.Frame
	listener *quic.Listener
	started  bool

	decodeLogLimit *rate.Limiter

	wg sync.WaitGroup
}

// New creates a relay listening on the given UDP port. Port 0 selects
// an ephemeral port, readable from Addr after Start.
func New(port uint16, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	var xPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, xPriv[:]); err != nil {
		return nil, fmt.Errorf("generate relay keypair: %w", err)
	}
	xPriv[0] &= 248
	xPriv[31] &= 127
	xPriv[31] |= 64

	xPubSlice, err := curve25519.X25519(xPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive relay public key: %w", err)
	}

	r := &Relay{
		port:           port,
		logger:         logger,
		metrics:        metrics.Default(),
		agents:         make(map[string]*ConnectedAgent),
		pending:        make(map[string][]*protocol.Frame),
		decodeLogLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	copy(r.xPub[:], xPubSlice)
	r.xPriv = xPriv

	return r, nil
}

// XPub returns the relay's key-agreement public key.
func (r *Relay) XPub() [32]byte {
	return r.xPub
}

// Start brings up the QUIC listener with a self-signed certificate and
// spawns the accept loop. Cancelling ctx shuts the relay down; handler
// tasks for existing connections run until their connections close.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	cert, err := certutil.GenerateCert(certutil.DefaultRelayOptions())
	if err != nil {
		return fmt.Errorf("relay certificate: %w", err)
	}

	tlsConfig, err := cert.ServerTLSConfig(transport.ALPNProtocol)
	if err != nil {
		return fmt.Errorf("relay TLS config: %w", err)
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		EnableDatagrams: true,
	}

	listener, err := quic.ListenAddr(fmt.Sprintf("0.0.0.0:%d", r.port), tlsConfig, quicConfig)
	if err != nil {
		return fmt.Errorf("QUIC listen failed: %w", err)
	}

	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()

	r.logger.Info("relay listening", logging.KeyAddress, listener.Addr().String())

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer r.wg.Done()
		r.acceptLoop(ctx, listener)
	}()

	return nil
}

// Addr returns the listener address, or nil before Start.
func (r *Relay) Addr() net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Wait blocks until the accept loop and shutdown watcher have exited.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) acceptLoop(ctx context.Context, listener *quic.Listener) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			r.logger.Debug("accept loop exiting", logging.KeyError, err)
			return
		}

		r.logger.Debug("new connection", logging.KeyRemoteAddr, conn.RemoteAddr().String())
		go r.handleConnection(conn)
	}
}

// handleConnection runs the per-connection state machine until the
// connection closes. Shutdown does not interrupt it: a handler lives as
// long as its connection. The offline queue is never cleared here;
// entries persist for a future reconnect.
func (r *Relay) handleConnection(conn quic.Connection) {
	var agentID string

	for {
		data, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			r.logger.Debug("connection closed", logging.KeyError, err)
			break
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			r.metrics.DecodeErrors.Inc()
			if r.decodeLogLimit.Allow() {
				r.logger.Warn("decode error", logging.KeyError, err)
			}
			continue
		}

		if agentID != "" {
			r.touch(agentID)
		}

		if frame.Type == protocol.FrameConnect && agentID == "" {
			agentID = frame.From
			r.registerAgent(frame, conn)
			r.sendAck(conn, agentID)
			r.drainPending(agentID)
			continue
		}

		r.route(frame)
	}

	if agentID != "" {
		r.unregisterAgent(agentID, conn)
	}
}

// registerAgent records the agent in the routing table, copying the
// public keys from the Connect payload. Malformed keys decode to zero.
func (r *Relay) registerAgent(frame *protocol.Frame, conn quic.Connection) {
	var payload protocol.ConnectPayload
	if err := protocol.UnmarshalJSONPayload(frame.Payload, &payload); err != nil {
		r.logger.Warn("malformed connect payload",
			logging.KeyAgentID, frame.From, logging.KeyError, err)
	}

	agent := &ConnectedAgent{
		ID:       frame.From,
		Conn:     conn,
		EdPub:    keyOrZero(payload.EdPub),
		XPub:     keyOrZero(payload.XPub),
		LastSeen: time.Now().Unix(),
	}

	r.mu.Lock()
	r.agents[frame.From] = agent
	count := len(r.agents)
	r.mu.Unlock()

	r.metrics.AgentsTotal.Inc()
	r.metrics.AgentsConnected.Set(float64(count))

	r.logger.Info("agent connected",
		logging.KeyAgentID, frame.From,
		logging.KeyRemoteAddr, conn.RemoteAddr().String())
}

// unregisterAgent removes the routing-table entry, but only while it
// still belongs to this connection. A reconnect replaces the record;
// the stale handler must not evict its successor.
func (r *Relay) unregisterAgent(agentID string, conn quic.Connection) {
	r.mu.Lock()
	if agent, ok := r.agents[agentID]; ok && agent.Conn == conn {
		delete(r.agents, agentID)
	}
	count := len(r.agents)
	r.mu.Unlock()

	r.metrics.AgentsConnected.Set(float64(count))
	r.logger.Info("agent disconnected", logging.KeyAgentID, agentID)
}

func (r *Relay) touch(agentID string) {
	r.mu.Lock()
	if agent, ok := r.agents[agentID]; ok {
		agent.LastSeen = time.Now().Unix()
	}
	r.mu.Unlock()
}

// sendAck replies to a Connect with the relay's key-agreement public
// key so the client can derive the session key.
func (r *Relay) sendAck(conn quic.Connection, agentID string) {
	payload, err := protocol.MarshalJSONPayload(protocol.AckPayload{
		RelayXPub: hex.EncodeToString(r.xPub[:]),
	})
	if err != nil {
		r.logger.Warn("ack payload encode failed", logging.KeyError, err)
		payload = nil
	}

	ack := &protocol.Frame{
		Version: protocol.Version,
		Type:    protocol.FrameAck,
		From:    protocol.RelayID,
		To:      agentID,
		Seq:     0,
		Ts:      uint64(time.Now().UnixMilli()),
		Nonce:   "",
		Payload: payload,
	}

	data, err := protocol.Encode(ack)
	if err != nil {
		r.logger.Warn("ack encode failed", logging.KeyError, err)
		return
	}
	if err := conn.SendDatagram(data); err != nil {
		r.logger.Warn("ack send failed",
			logging.KeyAgentID, agentID, logging.KeyError, err)
	}
}

// route delivers a frame to its recipient's live connection, or appends
// it to the offline queue. The frame bytes are re-encoded verbatim;
// payload, hmac, sig, nonce, from, ts and seq are never modified.
func (r *Relay) route(frame *protocol.Frame) {
	r.mu.RLock()
	agent, online := r.agents[frame.To]
	r.mu.RUnlock()

	if !online {
		r.enqueue(frame)
		return
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Warn("route encode failed", logging.KeyError, err)
		return
	}

	if err := agent.Conn.SendDatagram(data); err != nil {
		r.metrics.RouteErrors.Inc()
		r.logger.Warn("failed to route frame",
			logging.KeyFrameType, frame.Type.String(),
			logging.KeyTo, frame.To,
			logging.KeyError, err)
		return
	}

	r.metrics.FramesRouted.WithLabelValues(frame.Type.String()).Inc()
	r.logger.Debug("routed frame",
		logging.KeyFrameType, frame.Type.String(),
		logging.KeyFrom, frame.From,
		logging.KeyTo, frame.To)
}

// enqueue appends a frame to the offline queue for an absent recipient.
// The queue is unbounded; growth is observable via PendingCount and the
// pending-frames gauge.
func (r *Relay) enqueue(frame *protocol.Frame) {
	r.mu.Lock()
	r.pending[frame.To] = append(r.pending[frame.To], frame)
	total := r.pendingTotalLocked()
	r.mu.Unlock()

	r.metrics.FramesQueued.Inc()
	r.metrics.PendingFrames.Set(float64(total))

	r.logger.Debug("queued frame for offline agent", logging.KeyTo, frame.To)
}

// drainPending removes the recipient's offline queue entry and re-routes
// each frame in insertion order.
func (r *Relay) drainPending(agentID string) {
	r.mu.Lock()
	queued := r.pending[agentID]
	delete(r.pending, agentID)
	total := r.pendingTotalLocked()
	r.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	r.metrics.PendingFrames.Set(float64(total))

	for _, frame := range queued {
		r.route(frame)
	}

	r.logger.Debug("flushed pending frames",
		logging.KeyAgentID, agentID, logging.KeyCount, len(queued))
}

func (r *Relay) pendingTotalLocked() int {
	total := 0
	for _, frames := range r.pending {
		total += len(frames)
	}
	return total
}

// AgentCount returns the number of agents in the routing table.
func (r *Relay) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ConnectedAgents returns the IDs of all connected agents.
func (r *Relay) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// PendingCount returns the total number of frames in the offline queue.
func (r *Relay) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pendingTotalLocked()
}

func keyOrZero(hexKey string) [32]byte {
	var key [32]byte
	b, err := hex.DecodeString(hexKey)
	if err != nil || len(b) != 32 {
		return key
	}
	copy(key[:], b)
	return key
}
