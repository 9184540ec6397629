package s2s

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

// Stream is the minimal bidirectional byte stream a Peer reads and writes
// frames over.
type Stream = io.ReadWriteCloser

// Session is one accepted or dialed QUIC connection, from which the single
// bidirectional stream used for the S2S protocol is opened or accepted.
type Session interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	// PeerFingerprint returns the transport-proven identity of the remote
	// side: a SHA-256 fingerprint of its TLS leaf certificate, hex-encoded.
	// This is the only identity the peer manager trusts; it never derives
	// peer identity from any payload field.
	PeerFingerprint() (string, error)
	Close() error
}

// Transport dials and accepts QUIC sessions for S2S federation.
type Transport interface {
	Dial(ctx context.Context, addr string) (Session, error)
	Listen(ctx context.Context) (<-chan Session, error)
	Close() error
}

// quicTransport is the production Transport, backed by quic-go. Peer
// identity is the fingerprint of the certificate each side presents, so
// federation peers need no separate PKI beyond the pinned fingerprint
// list in configuration.
type quicTransport struct {
	tlsConfig *tls.Config
	addr      string
	listener  *quic.Listener
}

// NewQUICTransport builds a Transport bound to addr (used only when
// Listen is called) using tlsConfig for both dialing and accepting.
// tlsConfig must set InsecureSkipVerify with a VerifyPeerCertificate
// callback (federation trust is fingerprint-pinned, not CA-based) or a
// pinned CertPool per configuration.
func NewQUICTransport(addr string, tlsConfig *tls.Config) Transport {
	return &quicTransport{addr: addr, tlsConfig: tlsConfig}
}

func (t *quicTransport) Dial(ctx context.Context, addr string) (Session, error) {
	conn, err := quic.DialAddr(ctx, addr, t.tlsConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing s2s peer %s: %w", addr, err)
	}
	return &quicSession{conn: conn}, nil
}

func (t *quicTransport) Listen(ctx context.Context) (<-chan Session, error) {
	ln, err := quic.ListenAddr(t.addr, t.tlsConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("listening for s2s peers on %s: %w", t.addr, err)
	}
	t.listener = ln

	sessions := make(chan Session)
	go func() {
		defer close(sessions)
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			select {
			case sessions <- &quicSession{conn: conn}:
			case <-ctx.Done():
				conn.CloseWithError(0, "shutting down")
				return
			}
		}
	}()
	return sessions, nil
}

func (t *quicTransport) Close() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

type quicSession struct {
	conn *quic.Conn
}

func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening s2s stream: %w", err)
	}
	return stream, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accepting s2s stream: %w", err)
	}
	return stream, nil
}

func (s *quicSession) PeerFingerprint() (string, error) {
	state := s.conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("peer presented no TLS certificate")
	}
	leaf := state.PeerCertificates[0]
	sum := sha256.Sum256(leaf.Raw)
	return hex.EncodeToString(sum[:]), nil
}

func (s *quicSession) Close() error {
	return s.conn.CloseWithError(0, "closing")
}

// fingerprintFromCert computes the same fingerprint
// quicSession.PeerFingerprint derives from a live connection. Nothing in
// this package calls it.
func fingerprintFromCert(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
