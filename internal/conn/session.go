package conn

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/freeqd/freeqd/internal/identity"
	"golang.org/x/time/rate"
)

// state is a Session's position in the registration state machine.
type state int

const (
	stateFresh state = iota
	stateCapNegotiating
	stateSASLInProgress
	stateRegistered
)

// outboundQueueSize bounds how many lines may be queued for a slow
// client before the session is disconnected rather than letting the
// queue grow unbounded.
const outboundQueueSize = 512

// Session is one client connection's state: registration progress,
// negotiated capabilities, identity, and the buffered writer goroutine
// that serializes everything sent back to the client.
type Session struct {
	id   string
	hub  *Hub
	conn net.Conn

	logger *slog.Logger

	mu                 sync.Mutex
	st                 state
	nick               string
	user               string
	realname           string
	did                string // bound identity once SASL succeeds, "" until then
	capsRequested      map[string]bool
	capNegotiationDone bool
	awayMessage        string
	lastActivity       time.Time
	signKeyHex         string // MSGSIG-registered ed25519 pubkey, hex-encoded; "" until registered
	isOper             bool

	saslChallenge []byte

	limiter *rate.Limiter

	out      chan string
	closeOnce sync.Once
	done     chan struct{}
}

func newSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewSession wraps an accepted connection and registers it with hub.
// Callers must call Serve to actually drive the session.
func NewSession(hub *Hub, c net.Conn, logger *slog.Logger) *Session {
	s := &Session{
		id:            newSessionID(),
		hub:           hub,
		conn:          c,
		logger:        logger.With("session", newSessionIDShort()),
		st:            stateFresh,
		capsRequested: make(map[string]bool),
		lastActivity:  time.Now(),
		limiter:       hub.newRateLimiter(),
		out:           make(chan string, outboundQueueSize),
		done:          make(chan struct{}),
	}
	hub.register(s)
	return s
}

func newSessionIDShort() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Serve drives the session until the connection closes or ctx is
// canceled: one goroutine writes queued lines, the calling goroutine
// reads and dispatches client lines.
func (s *Session) Serve(ctx context.Context) {
	defer s.teardown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop()
	s.advertiseCapLS()

	reader := bufio.NewReaderSize(s.conn, maxLineBytes)
	idleTimer := time.NewTimer(s.hub.cfg.IdleTimeout)
	defer idleTimer.Stop()
	pingTicker := time.NewTicker(s.hub.cfg.PingInterval)
	defer pingTicker.Stop()

	lines := make(chan string)
	readErrs := make(chan error, 1)
	go func() {
		for {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.IdleTimeout + s.hub.cfg.PingInterval)); err != nil {
				readErrs <- err
				return
			}
			line, err := reader.ReadString('\n')
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case lines <- strings.TrimRight(line, "\r\n"):
			case <-s.done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case err := <-readErrs:
			if err != nil {
				s.logger.Debug("connection closed", "err", err)
			}
			return
		case <-pingTicker.C:
			s.sendRaw((&Message{Command: "PING", Params: []string{s.hub.cfg.ServerName}}).String())
		case line := <-lines:
			idleTimer.Reset(s.hub.cfg.IdleTimeout)
			s.touch()
			if len(line) > maxLineBytes {
				s.sendNumeric(ERR_INPUTTOOLONG, s.currentNick(), "Line too long")
				continue
			}
			if line == "" {
				continue
			}
			if s.isRegistered() && !s.limiter.Allow() {
				continue
			}
			msg := ParseLine(line)
			if msg == nil || msg.Command == "" {
				continue
			}
			s.dispatch(ctx, msg)
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	nick := s.currentNick()
	did := s.DID()
	s.hub.handleDisconnect(s, nick, did)
	s.hub.unregister(s)
	_ = s.conn.Close()
}

// sendRaw enqueues a pre-serialized line for delivery, dropping the
// session if its outbound queue is full (a chronically slow reader).
func (s *Session) sendRaw(line string) {
	select {
	case s.out <- line:
	default:
		s.logger.Warn("outbound queue full, disconnecting session")
		s.closeOnce.Do(func() { close(s.done) })
	}
}

func (s *Session) sendNumeric(code, target string, parts ...string) {
	params := append([]string{target}, parts...)
	msg := &Message{Prefix: s.hub.serverPrefix(), Command: code, Params: params}
	s.sendRaw(msg.String())
}

func (s *Session) writeLoop() {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-s.done:
			return
		case line, ok := <-s.out:
			if !ok {
				return
			}
			if _, err := w.WriteString(line + "\r\n"); err != nil {
				return
			}
			// Drain anything else already queued before flushing, to
			// batch writes under load rather than syscall per line.
			drained := true
			for drained {
				select {
				case next, ok := <-s.out:
					if !ok {
						_ = w.Flush()
						return
					}
					if _, err := w.WriteString(next + "\r\n"); err != nil {
						return
					}
				default:
					drained = false
				}
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Session) advertiseCapLS() {
	s.mu.Lock()
	s.st = stateCapNegotiating
	s.mu.Unlock()
}

func (s *Session) currentNick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nick == "" {
		return "*"
	}
	return s.nick
}

// Nick returns the session's current nickname (empty before registration).
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// DID returns the bound identity DID, if SASL authentication succeeded.
func (s *Session) DID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.did
}

func (s *Session) isRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st == stateRegistered
}

func (s *Session) hasCap(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capsRequested[name]
}

// SignKey returns the session's MSGSIG-registered pubkey (hex-encoded), or
// "" if none has been registered.
func (s *Session) SignKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signKeyHex
}

// identPrefix returns the nick!user@host prefix used on relayed messages.
func (s *Session) identPrefix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	host := s.hub.cfg.ServerName
	if s.did != "" {
		host = identity.CloakedHost(s.did)
	}
	return fmt.Sprintf("%s!%s@%s", s.nick, s.user, host)
}
