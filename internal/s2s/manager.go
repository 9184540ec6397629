package s2s

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PeerAddr names one configured federation peer: where to dial it and the
// fingerprint it must present (pinned, out-of-band trust).
type PeerAddr struct {
	Addr            string
	PinnedFingerprint string
}

// Manager owns the set of live Peer connections: it dials configured
// peers with jittered exponential backoff, accepts inbound sessions, and
// hands every decoded Event to a Processor.
type Manager struct {
	transport  Transport
	peers      []PeerAddr
	serverID   string
	serverName string
	processor  *Processor
	logger     *slog.Logger

	mu    sync.RWMutex
	byID  map[string]*Peer
}

// NewManager creates a Manager. serverID is this server's own transport
// fingerprint (so Hello exchanges and self-origin checks can recognize
// loopback peers); processor applies every inbound Event.
func NewManager(transport Transport, peers []PeerAddr, serverID, serverName string, processor *Processor, logger *slog.Logger) *Manager {
	return &Manager{
		transport:  transport,
		peers:      peers,
		serverID:   serverID,
		serverName: serverName,
		processor:  processor,
		logger:     logger,
		byID:       make(map[string]*Peer),
	}
}

// Run dials every configured peer and accepts inbound sessions until ctx
// is canceled. It never returns an error for an individual peer's
// disconnect — those are retried — only for a fatal listener failure.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	sessions, err := m.transport.Listen(ctx)
	if err != nil {
		return fmt.Errorf("starting s2s listener: %w", err)
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sess, ok := <-sessions:
				if !ok {
					return nil
				}
				go m.handleInbound(ctx, sess)
			}
		}
	})

	for _, peer := range m.peers {
		peer := peer
		g.Go(func() error {
			m.dialSupervisor(ctx, peer)
			return nil
		})
	}

	return g.Wait()
}

// dialSupervisor keeps peer connected, redialing with jittered exponential
// backoff (capped at 60s) whenever the connection drops, until ctx is
// canceled.
func (m *Manager) dialSupervisor(ctx context.Context, peer PeerAddr) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		sess, err := m.transport.Dial(ctx, peer.Addr)
		if err != nil {
			m.logger.Warn("s2s dial failed", "addr", peer.Addr, "err", err, "retry_in", backoff)
			if !sleepWithJitter(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		fp, err := sess.PeerFingerprint()
		if err != nil || (peer.PinnedFingerprint != "" && fp != peer.PinnedFingerprint) {
			m.logger.Error("s2s peer fingerprint mismatch, refusing connection", "addr", peer.Addr, "got", fp, "want", peer.PinnedFingerprint)
			sess.Close()
			if !sleepWithJitter(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		if err := m.runSession(ctx, sess, fp); err != nil {
			m.logger.Warn("s2s session ended", "addr", peer.Addr, "peer", fp, "err", err)
		}
		backoff = time.Second // reset after any successful session
		if !sleepWithJitter(ctx, time.Second) {
			return
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-time.After(base + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) handleInbound(ctx context.Context, sess Session) {
	fp, err := sess.PeerFingerprint()
	if err != nil {
		m.logger.Warn("rejecting inbound s2s session with no verifiable identity", "err", err)
		sess.Close()
		return
	}
	if !m.isPinned(fp) {
		m.logger.Warn("rejecting inbound s2s session from unpinned peer", "peer", fp)
		sess.Close()
		return
	}
	if err := m.runSession(ctx, sess, fp); err != nil {
		m.logger.Warn("inbound s2s session ended", "peer", fp, "err", err)
	}
}

func (m *Manager) isPinned(fp string) bool {
	for _, p := range m.peers {
		if p.PinnedFingerprint == fp {
			return true
		}
	}
	return false
}

// runSession performs the Hello exchange over a fresh bidirectional
// stream and then pumps frames until the stream closes.
func (m *Manager) runSession(ctx context.Context, sess Session, fp string) error {
	stream, err := sess.OpenStream(ctx)
	if err != nil {
		// Fall back to accepting the peer's stream if we lost the race to
		// open first; both sides attempt OpenStream so one must accept.
		stream, err = sess.AcceptStream(ctx)
		if err != nil {
			return fmt.Errorf("establishing s2s stream with %s: %w", fp, err)
		}
	}

	peer := newPeer(fp, m.serverName, stream, m.logger)
	m.register(peer)
	defer m.unregister(peer)

	hello := HelloPayload{PeerID: m.serverID, ServerName: m.serverName}
	helloPayload, _ := marshalPayload(hello)
	peer.Enqueue(Event{Type: EventHello, Payload: helloPayload})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return peer.writeLoop(ctx) })
	g.Go(func() error {
		return peer.readLoop(ctx, func(ev Event) {
			m.processor.Handle(ctx, peer, ev)
		})
	})
	return g.Wait()
}

func (m *Manager) register(p *Peer) {
	m.mu.Lock()
	m.byID[p.ID] = p
	m.mu.Unlock()
}

func (m *Manager) unregister(p *Peer) {
	m.mu.Lock()
	delete(m.byID, p.ID)
	m.mu.Unlock()
	p.Close()
	m.processor.Handle(context.Background(), p, Event{
		Type:    EventPeerDisconnected,
		Payload: mustMarshal(PeerDisconnectedPayload{PeerID: p.ID}),
	})
}

// Broadcast enqueues ev on every currently connected peer.
func (m *Manager) Broadcast(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.byID {
		p.Enqueue(ev)
	}
}

// Peers returns a snapshot of currently connected peer IDs.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	return ids
}
