package s2s

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/crdt"
	"github.com/freeqd/freeqd/internal/dedup"
)

// pipeSession wraps a net.Pipe half as a Session with a fixed fingerprint,
// for exercising Manager without a real QUIC transport.
type pipeSession struct {
	conn        net.Conn
	fingerprint string

	mu     sync.Mutex
	opened bool
}

func (s *pipeSession) OpenStream(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil, errors.New("already opened")
	}
	s.opened = true
	return s.conn, nil
}

func (s *pipeSession) AcceptStream(ctx context.Context) (Stream, error) {
	return s.conn, nil
}

func (s *pipeSession) PeerFingerprint() (string, error) { return s.fingerprint, nil }
func (s *pipeSession) Close() error                     { return s.conn.Close() }

// fakeTransport connects exactly one dial to one accept over a net.Pipe,
// simulating a single peer relationship without any real network I/O.
type fakeTransport struct {
	fingerprint string

	mu       sync.Mutex
	accepted chan Session
}

func newFakeTransport(fingerprint string) *fakeTransport {
	return &fakeTransport{fingerprint: fingerprint, accepted: make(chan Session, 1)}
}

func (t *fakeTransport) Dial(ctx context.Context, addr string) (Session, error) {
	client, server := net.Pipe()
	t.accepted <- &pipeSession{conn: server, fingerprint: t.fingerprint}
	return &pipeSession{conn: client, fingerprint: t.fingerprint}, nil
}

func (t *fakeTransport) Listen(ctx context.Context) (<-chan Session, error) {
	return t.accepted, nil
}

func (t *fakeTransport) Close() error { return nil }

type nopSink struct{}

func (nopSink) Deliver(Delivery) {}

func TestManager_DialAndHandshake(t *testing.T) {
	transport := newFakeTransport("peer-fp")
	channels := channelreg.NewRegistry()
	doc := crdt.New("local")
	dedupWindow := dedup.New(time.Minute, 1024)
	processor := NewProcessor(channels, doc, dedupWindow, nopSink{}, false, discardLogger())

	mgr := NewManager(transport, []PeerAddr{{Addr: "peer:1234", PinnedFingerprint: "peer-fp"}}, "local", "local-server", processor, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if len(mgr.Peers()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for manager to register the dialed peer")
		case <-time.After(10 * time.Millisecond):
		}
	}

	peers := mgr.Peers()
	if len(peers) != 1 || peers[0] != "peer-fp" {
		t.Fatalf("Peers() = %v, want [peer-fp]", peers)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Manager.Run did not return after context cancellation")
	}
}
