// Package transport runs the client-facing listeners — plain TCP and
// TLS — that accept IRC connections and hand each one to a conn.Hub as a
// new Session. The S2S QUIC transport lives in internal/s2s; this
// package only serves clients.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/freeqd/freeqd/internal/conn"
)

// Listeners describes the addresses a Server binds. An empty address
// disables that listener.
type Listeners struct {
	Plain string
	TLS   string
}

// LoadTLSConfig reads a PEM certificate and key pair from disk and
// returns a *tls.Config presenting it, the same PEM-decoding idiom used
// for federation key material.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading TLS certificate %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading TLS key %s: %w", keyPath, err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// LeafCertificate decodes a PEM-encoded certificate and returns its
// parsed x509.Certificate. internal/s2s derives its peer fingerprint
// from the live TLS connection state rather than this helper, but the
// keygen CLI reuses it to sanity-check a freshly generated cert before
// writing it to disk.
func LeafCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in certificate data")
	}
	return x509.ParseCertificate(block.Bytes)
}

// Server runs the configured plain and TLS client listeners, handing
// every accepted connection to hub as a new conn.Session. Run blocks
// until ctx is canceled or a listener fails irrecoverably.
type Server struct {
	listeners Listeners
	tlsConfig *tls.Config
	hub       *conn.Hub
	logger    *slog.Logger
}

// New builds a transport Server. tlsConfig may be nil if listeners.TLS
// is empty.
func New(listeners Listeners, tlsConfig *tls.Config, hub *conn.Hub, logger *slog.Logger) *Server {
	return &Server{listeners: listeners, tlsConfig: tlsConfig, hub: hub, logger: logger}
}

// Run starts every configured listener and accepts connections until ctx
// is canceled, at which point all listeners are closed and Run returns.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.listeners.Plain != "" {
		ln, err := net.Listen("tcp", s.listeners.Plain)
		if err != nil {
			return fmt.Errorf("binding plain listener %s: %w", s.listeners.Plain, err)
		}
		s.logger.Info("listening for plain IRC connections", "addr", s.listeners.Plain)
		g.Go(func() error { return s.acceptLoop(ctx, ln) })
	}

	if s.listeners.TLS != "" {
		if s.tlsConfig == nil {
			return fmt.Errorf("tls listener %s configured but no TLS certificate loaded", s.listeners.TLS)
		}
		ln, err := tls.Listen("tcp", s.listeners.TLS, s.tlsConfig)
		if err != nil {
			return fmt.Errorf("binding TLS listener %s: %w", s.listeners.TLS, err)
		}
		s.logger.Info("listening for TLS IRC connections", "addr", s.listeners.TLS)
		g.Go(func() error { return s.acceptLoop(ctx, ln) })
	}

	return g.Wait()
}

// acceptLoop accepts connections on ln until ctx is canceled, at which
// point ln is closed to unblock Accept.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection on %s: %w", ln.Addr(), err)
		}
		sess := conn.NewSession(s.hub, c, s.logger)
		go sess.Serve(ctx)
	}
}
