package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/conn"
	"github.com/freeqd/freeqd/internal/crdt"
	"github.com/freeqd/freeqd/internal/identity"
	"github.com/freeqd/freeqd/internal/sasl"
)

type noResolver struct{}

func (noResolver) Resolve(ctx context.Context, did string) (*sasl.DIDDocument, error) {
	return nil, &sasl.Error{Code: "resolve_failed", Message: "no resolver in test"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_PlainListenerAcceptsConnections(t *testing.T) {
	cfg := conn.Config{
		ServerName:   "test.freeqd",
		IdleTimeout:  time.Minute,
		PingInterval: time.Minute,
	}
	auth := sasl.New(noResolver{}, time.Minute, 3)
	hub := conn.NewHub(cfg, channelreg.NewRegistry(), crdt.New("test-actor"), identity.New(), auth, nil, discardLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving ephemeral port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv := New(Listeners{Plain: addr}, nil, hub, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var c net.Conn
	for i := 0; i < 50; i++ {
		c, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dialing transport server: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("NICK alice\r\nUSER alice 0 * :Alice\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4096)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("reading welcome burst: %v", err)
	}
	if n == 0 {
		t.Fatal("expected some registration output")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transport server did not shut down after context cancellation")
	}
}
