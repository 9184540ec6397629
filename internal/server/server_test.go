package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/freeqd/freeqd/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving ephemeral port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestNew_StandaloneNoFederationNoMetrics(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Name = "test.freeqd"
	cfg.Server.MOTD = "line one\nline two"
	cfg.Server.IdleTimeout = "60s"
	cfg.Server.PingInterval = "30s"
	cfg.Server.MaxLineBytes = 8192
	cfg.Federation.ReconcileInterval = "1m"
	cfg.Federation.CompactInterval = "30m"
	cfg.Auth.WebTokenTTL = "10m"
	cfg.Auth.MaxSASLFailures = 3
	cfg.Listen.Plain = freePort(t)
	cfg.Metrics.Enabled = false

	srv, err := New(&cfg, "local-test-id", nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if srv.manager != nil {
		t.Fatal("expected no S2S manager when no QUIC listener is configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var c net.Conn
	for i := 0; i < 50; i++ {
		c, err = net.Dial("tcp", cfg.Listen.Plain)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dialing server: %v", err)
	}
	_ = c.Close()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}

func TestParsePeerAddrs(t *testing.T) {
	peers, err := parsePeerAddrs([]string{"peer.example:7777@abcd1234"})
	if err != nil {
		t.Fatalf("parsePeerAddrs: %v", err)
	}
	if len(peers) != 1 || peers[0].Addr != "peer.example:7777" || peers[0].PinnedFingerprint != "abcd1234" {
		t.Fatalf("unexpected parse result: %+v", peers)
	}

	if _, err := parsePeerAddrs([]string{"missing-fingerprint"}); err == nil {
		t.Fatal("expected error for entry missing a fingerprint")
	}
}
