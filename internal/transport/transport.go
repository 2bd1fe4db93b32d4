// Package transport provides the single-peer QUIC datagram channel used
// between an agent and the relay. Each datagram carries exactly one
// encoded frame.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/opacus-xyz/opacus-go/internal/logging"
	"github.com/opacus-xyz/opacus-go/internal/metrics"
	"github.com/opacus-xyz/opacus-go/internal/protocol"
)

// ALPNProtocol is the application protocol identifier for QUIC connections.
const ALPNProtocol = "opacus"

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second

	// QueueCapacity bounds the inbound frame queue. When the queue is
	// full the newest frame is dropped so a slow consumer cannot
	// livelock the reader.
	QueueCapacity = 256
)

var (
	// ErrNotOpen is returned when an operation requires an open transport.
	ErrNotOpen = errors.New("transport not open")

	// ErrClosed is returned by Recv once the channel has drained after close.
	ErrClosed = errors.New("transport closed")

	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("transport already connected")
)

// State describes the transport lifecycle. Closed is terminal.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a transport connection.
type Options struct {
	// TLSConfig is used for the QUIC handshake. When nil, a config that
	// skips certificate verification is used; production deployments
	// supply their own verifier here.
	TLSConfig *tls.Config

	// Timeout bounds the connection handshake.
	Timeout time.Duration
}

// Transport is a single-peer unreliable-datagram channel.
type Transport struct {
	mu    sync.Mutex
	state State
	conn  quic.Connection

	queue chan *protocol.Frame

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a transport in the Idle state.
func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Transport{
		state:   StateIdle,
		queue:   make(chan *protocol.Frame, QueueCapacity),
		logger:  logger,
		metrics: metrics.Default(),
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the QUIC connection and starts the reader task.
// On handshake failure the transport transitions to Closed.
func (t *Transport) Connect(ctx context.Context, addr string, opts Options) error {
	t.mu.Lock()
	switch t.state {
	case StateIdle:
	case StateClosed:
		t.mu.Unlock()
		return ErrClosed
	default:
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = StateConnecting
	t.mu.Unlock()

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPNProtocol},
			MinVersion:         tls.VersionTLS13,
		}
	} else if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		EnableDatagrams: true,
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
		close(t.queue)
		return fmt.Errorf("QUIC dial failed: %w", err)
	}

	t.mu.Lock()
	if t.state == StateClosed {
		// Closed while the handshake was in flight.
		t.mu.Unlock()
		conn.CloseWithError(0, "bye")
		close(t.queue)
		return ErrClosed
	}
	t.conn = conn
	t.state = StateOpen
	t.mu.Unlock()

	t.logger.Debug("connection established",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyLocalAddr, conn.LocalAddr().String())

	go t.readLoop(conn)

	return nil
}

// readLoop pulls raw datagrams, decodes them and feeds the bounded
// queue. Decode failures are logged and skipped; a read failure ends
// the loop and marks the transport closed.
func (t *Transport) readLoop(conn quic.Connection) {
	defer func() {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
		close(t.queue)
	}()

	for {
		data, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			t.logger.Debug("connection closed", logging.KeyError, err)
			return
		}
		t.metrics.DatagramsReceived.Inc()

		frame, err := protocol.Decode(data)
		if err != nil {
			t.logger.Warn("decode error", logging.KeyError, err)
			continue
		}

		select {
		case t.queue <- frame:
		default:
			// Queue full: drop the newest frame.
			t.metrics.QueueDrops.Inc()
			t.logger.Warn("receive queue full, dropping frame",
				logging.KeyFrameType, frame.Type.String(),
				logging.KeyFrom, frame.From)
		}
	}
}

// Send encodes the frame and transmits it as a single datagram. It fails
// when the transport is not open or the frame exceeds the path MTU.
func (t *Transport) Send(frame *protocol.Frame) error {
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return ErrNotOpen
	}
	conn := t.conn
	t.mu.Unlock()

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	if err := conn.SendDatagram(data); err != nil {
		return fmt.Errorf("datagram send failed: %w", err)
	}
	t.metrics.DatagramsSent.Inc()

	return nil
}

// Recv returns the next decoded frame. Once the reader task has exited
// and the queue is drained it returns ErrClosed.
func (t *Transport) Recv(ctx context.Context) (*protocol.Frame, error) {
	select {
	case frame, ok := <-t.queue:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoteAddr returns the peer address, or nil before Connect.
func (t *Transport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// Close terminates the connection with application code 0 and reason
// "bye". It is idempotent; the reader task observes the closed
// connection and exits on its own.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed && t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.conn = nil
	wasIdle := t.state == StateIdle
	t.state = StateClosed
	t.mu.Unlock()

	if conn != nil {
		return conn.CloseWithError(0, "bye")
	}
	if wasIdle {
		// Never connected: release the queue so Recv unblocks.
		close(t.queue)
	}
	return nil
}
