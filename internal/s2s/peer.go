package s2s

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// outboundQueueSize bounds how many events a slow or stalled peer may have
// buffered. Once it is full, Enqueue drops CrdtSync frames and tears the
// stream down for any other event type.
const outboundQueueSize = 256

// Peer is one federated server connection, identified by its transport
// (QUIC TLS certificate) public key rather than any payload field.
type Peer struct {
	ID         string // transport-proven identity, e.g. hex-encoded pubkey
	ServerName string // untrusted, advertised in Hello for display only

	logger *slog.Logger

	out    chan Event
	stream io.ReadWriteCloser

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func newPeer(id, serverName string, stream io.ReadWriteCloser, logger *slog.Logger) *Peer {
	return &Peer{
		ID:         id,
		ServerName: serverName,
		logger:     logger,
		out:        make(chan Event, outboundQueueSize),
		stream:     stream,
		lastSeen:   time.Now(),
	}
}

// Enqueue schedules ev for delivery to the peer. When the outbound queue
// is saturated, CrdtSync events are dropped rather than blocking, and any
// other event type closes the peer.
func (p *Peer) Enqueue(ev Event) {
	select {
	case p.out <- ev:
	default:
		if ev.Type == EventCrdtSync {
			p.logger.Warn("s2s outbound queue full, dropping sync frame", "peer", p.ID)
			return
		}
		p.logger.Warn("s2s outbound queue full, closing peer", "peer", p.ID)
		p.Close()
	}
}

// writeLoop drains the outbound queue onto the stream as newline-delimited
// JSON frames until the queue is closed or the stream errors.
func (p *Peer) writeLoop(ctx context.Context) error {
	w := bufio.NewWriter(p.stream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.out:
			if !ok {
				return nil
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("marshaling s2s event", "peer", p.ID, "err", err)
				continue
			}
			if _, err := w.Write(raw); err != nil {
				return fmt.Errorf("writing s2s frame to %s: %w", p.ID, err)
			}
			if err := w.WriteByte('\n'); err != nil {
				return fmt.Errorf("writing s2s frame delimiter to %s: %w", p.ID, err)
			}
			if len(p.out) == 0 {
				if err := w.Flush(); err != nil {
					return fmt.Errorf("flushing s2s stream to %s: %w", p.ID, err)
				}
			}
		}
	}
}

// readLoop decodes newline-delimited JSON frames from the stream and
// delivers each to handle. It returns when the stream closes or errors.
func (p *Peer) readLoop(ctx context.Context, handle func(Event)) error {
	r := bufio.NewReaderSize(p.stream, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var ev Event
			if jsonErr := json.Unmarshal(line, &ev); jsonErr != nil {
				p.logger.Warn("discarding malformed s2s frame", "peer", p.ID, "err", jsonErr)
			} else {
				p.touch()
				handle(ev)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading s2s stream from %s: %w", p.ID, err)
		}
	}
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// LastSeen reports the last time a frame was received from this peer.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Close tears down the peer's stream and outbound queue. Safe to call
// more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.out)
	return p.stream.Close()
}
