package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opacus-xyz/opacus-go/internal/config"
	"github.com/opacus-xyz/opacus-go/internal/identity"
)

func newTestClient() *Client {
	return New(config.Default(config.Devnet), nil)
}

func TestInit(t *testing.T) {
	c := newTestClient()

	ident, err := c.Init()
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if ident.ChainID != config.Devnet.ChainID() {
		t.Errorf("ChainID = %d, want %d", ident.ChainID, config.Devnet.ChainID())
	}
	if c.Identity() != ident {
		t.Error("Identity() does not return the initialized identity")
	}
}

func TestInitFromKeys(t *testing.T) {
	orig, err := identity.Generate(config.Devnet.ChainID())
	if err != nil {
		t.Fatal(err)
	}

	c := newTestClient()
	restored, err := c.InitFromKeys(orig.EdPriv, orig.XPriv)
	if err != nil {
		t.Fatalf("InitFromKeys() error = %v", err)
	}

	if restored.ID != orig.ID {
		t.Errorf("restored ID = %s, want %s", restored.ID, orig.ID)
	}
	if restored.Address != orig.Address {
		t.Errorf("restored Address = %s, want %s", restored.Address, orig.Address)
	}
}

func TestOperationsBeforeInit(t *testing.T) {
	c := newTestClient()

	if err := c.Connect(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Connect error = %v, want ErrNotInitialized", err)
	}
	if err := c.SendMessage("someone", []byte("hi")); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SendMessage error = %v, want ErrNotInitialized", err)
	}
	if err := c.SendStream("ch", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SendStream error = %v, want ErrNotInitialized", err)
	}
	if _, _, err := c.ExportIdentity(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ExportIdentity error = %v, want ErrNotInitialized", err)
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	c := newTestClient()
	if _, err := c.Init(); err != nil {
		t.Fatal(err)
	}

	if err := c.SendMessage("someone", []byte("hi")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMessage error = %v, want ErrNotConnected", err)
	}
	if err := c.Ping("someone"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Ping error = %v, want ErrNotConnected", err)
	}
	if _, err := c.Recv(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Recv error = %v, want ErrNotConnected", err)
	}
}

func TestConnectBadRelayAddr(t *testing.T) {
	cfg := config.Default(config.Devnet)
	cfg.RelayURL = "quic://127.0.0.1:1" // nothing listening

	c := New(cfg, nil)
	if _, err := c.Init(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		t.Error("Connect to dead address should fail")
		c.Disconnect()
	}
}

func TestExportIdentity(t *testing.T) {
	c := newTestClient()
	ident, err := c.Init()
	if err != nil {
		t.Fatal(err)
	}

	edHex, xHex, err := c.ExportIdentity()
	if err != nil {
		t.Fatalf("ExportIdentity() error = %v", err)
	}

	wantEd, wantX := ident.ExportKeys()
	if edHex != wantEd || xHex != wantX {
		t.Error("exported keys do not match identity")
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	c := newTestClient()
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect() before connect error = %v", err)
	}
}

func TestIsConnectedLifecycle(t *testing.T) {
	c := newTestClient()
	if c.IsConnected() {
		t.Error("IsConnected() = true before init")
	}
	if _, err := c.Init(); err != nil {
		t.Fatal(err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true before connect")
	}
}

func TestRelayXPubUnsetInitially(t *testing.T) {
	c := newTestClient()
	if _, ok := c.RelayXPub(); ok {
		t.Error("RelayXPub() reported a key before any ACK")
	}
}
