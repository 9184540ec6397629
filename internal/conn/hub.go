package conn

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/crdt"
	"github.com/freeqd/freeqd/internal/identity"
	"github.com/freeqd/freeqd/internal/s2s"
	"github.com/freeqd/freeqd/internal/sasl"
	"golang.org/x/time/rate"
)

// Config carries the session-facing subset of server configuration: the
// ambient knobs every Session consults (timeouts, rate limits, server
// identity) rather than the whole on-disk configuration file.
type Config struct {
	ServerName       string
	MOTD             []string
	OperPassword     string
	IdleTimeout      time.Duration
	PingInterval     time.Duration
	MaxLineBytes     int
	HistoryRingLimit int
	RequireDIDForOps bool
	RateLimitPerSec  float64
	RateBurst        int
	BotTokenHashes   []string
}

// Broadcaster is the subset of internal/s2s.Manager's surface a Hub needs
// to announce local events to federation peers, kept as an interface so
// this package never depends on s2s's dial/accept machinery directly.
type Broadcaster interface {
	Broadcast(ev s2s.Event)
}

// Hub is the shared state behind every client Session on this server: the
// channel registry, CRDT store, identity bindings, SASL authenticator,
// and the local nick→session index used to route PRIVMSG, WHOIS, and
// federation deliveries. One Hub is created per running server.
type Hub struct {
	cfg      Config
	channels *channelreg.Registry
	doc      *crdt.Doc
	identity *identity.Binding
	auth     *sasl.Authenticator
	peers    Broadcaster
	logger   *slog.Logger

	mu    sync.RWMutex
	byID  map[string]*Session
	byNick map[string]*Session // folded nick -> session, local clients only

	startedAt time.Time
}

// NewHub constructs a Hub. peers may be nil in a standalone (non-federated)
// deployment; Broadcast calls are then simply skipped.
func NewHub(cfg Config, channels *channelreg.Registry, doc *crdt.Doc, idBinding *identity.Binding, auth *sasl.Authenticator, peers Broadcaster, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		channels:  channels,
		doc:       doc,
		identity:  idBinding,
		auth:      auth,
		peers:     peers,
		logger:    logger,
		byID:      make(map[string]*Session),
		byNick:    make(map[string]*Session),
		startedAt: time.Now(),
	}
}

func foldNick(nick string) string { return strings.ToLower(nick) }

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.byID[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.byID, s.id)
	if h.byNick[foldNick(s.Nick())] == s {
		delete(h.byNick, foldNick(s.Nick()))
	}
	h.mu.Unlock()
}

func (h *Hub) claimNick(s *Session, nick string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old := foldNick(s.Nick()); old != "" {
		if h.byNick[old] == s {
			delete(h.byNick, old)
		}
	}
	h.byNick[foldNick(nick)] = s
}

// FindSession returns the local session currently using nick, if any.
func (h *Hub) FindSession(nick string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byNick[foldNick(nick)]
	return s, ok
}

// SessionCount returns the number of currently connected local sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// sessionByID returns the local session for a given internal ID.
func (h *Hub) sessionByID(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byID[id]
	return s, ok
}

// handleDisconnect removes a departing session from every channel it was
// a member of, announcing a QUIT to remaining local members and, when the
// session has no DID or was its DID's last session, broadcasting a Quit
// event to federation peers.
func (h *Hub) handleDisconnect(s *Session, nick, did string) {
	if nick == "" {
		return
	}
	quitLine := (&Message{Prefix: s.identPrefix(), Command: "QUIT", Params: []string{"Connection closed"}}).String()
	for _, name := range h.channels.Names() {
		ch, ok := h.channels.Get(name)
		if !ok || !ch.IsLocalMember(s.id) {
			continue
		}
		for _, sid := range ch.LocalMembers() {
			if sid == s.id {
				continue
			}
			if sess, ok := h.sessionByID(sid); ok {
				sess.sendRaw(quitLine)
			}
		}
		ch.RemoveLocalMember(s.id)
		h.channels.CollectGarbage(name)
	}

	wasLast := true
	if did != "" {
		if wasLast = h.identity.Unbind(did, s.id); wasLast {
			h.logger.Debug("identity session count reached zero", "did", did)
		}
	}

	if wasLast {
		h.broadcastEvent(s2s.NewEvent(newEventID(), h.serverPrefix(), s2s.EventQuit, s2s.QuitPayload{Nick: nick, Reason: "Connection closed"}))
	}
}

func (h *Hub) broadcastEvent(ev s2s.Event) {
	h.mu.RLock()
	peers := h.peers
	h.mu.RUnlock()
	if peers == nil {
		return
	}
	peers.Broadcast(ev)
}

// SetPeers attaches the federation broadcaster once it exists. Server
// construction builds the Hub before the S2S manager (the manager's
// Processor needs the Hub as its Sink), so the two are wired together
// with this setter rather than a single constructor argument.
func (h *Hub) SetPeers(peers Broadcaster) {
	h.mu.Lock()
	h.peers = peers
	h.mu.Unlock()
}

// Deliver implements s2s.Sink: locally-visible effects produced while the
// event processor applies an inbound federation event are relayed here to
// every affected local session.
func (h *Hub) Deliver(d s2s.Delivery) {
	switch d.Event.Type {
	case s2s.EventJoin, s2s.EventPart, s2s.EventQuit, s2s.EventNickChange,
		s2s.EventTopic, s2s.EventMode, s2s.EventKick:
		h.relayChannelEvent(d)
	case s2s.EventPrivmsg:
		h.relayPrivmsg(d)
	}
}

func (h *Hub) relayChannelEvent(d s2s.Delivery) {
	if d.Channel == "" {
		return
	}
	ch, ok := h.channels.Get(d.Channel)
	if !ok {
		return
	}
	line := h.renderRelayLine(d)
	if line == "" {
		return
	}
	for _, sid := range ch.LocalMembers() {
		h.mu.RLock()
		sess := h.byID[sid]
		h.mu.RUnlock()
		if sess != nil {
			sess.sendRaw(line)
		}
	}
}

func (h *Hub) relayPrivmsg(d s2s.Delivery) {
	line := h.renderRelayLine(d)
	if line == "" {
		return
	}
	if d.Channel != "" {
		ch, ok := h.channels.Get(d.Channel)
		if !ok {
			return
		}
		for _, sid := range ch.LocalMembers() {
			h.mu.RLock()
			sess := h.byID[sid]
			h.mu.RUnlock()
			if sess != nil {
				sess.sendRaw(line)
			}
		}
		return
	}
	if sess, ok := h.FindSession(d.Target); ok {
		sess.sendRaw(line)
	}
}

// renderRelayLine reconstructs the client-visible IRC line for a
// federation-originated event. Kept centralized here (rather than in the
// s2s package, which never touches wire format) since it is the one place
// translating an internal Event back into protocol text.
func (h *Hub) renderRelayLine(d s2s.Delivery) string {
	switch d.Event.Type {
	case s2s.EventPrivmsg:
		var p s2s.PrivmsgPayload
		if !decodeInto(d.Event.Payload, &p) {
			return ""
		}
		cmd := "PRIVMSG"
		if p.Notice {
			cmd = "NOTICE"
		} else if p.TagOnly {
			cmd = "TAGMSG"
		}
		msg := &Message{Prefix: p.From, Command: cmd, Params: []string{p.Target}}
		if !p.TagOnly {
			msg.Params = append(msg.Params, p.Text)
		}
		if p.Tags != nil {
			msg.Tags = p.Tags
		}
		return msg.String()
	case s2s.EventJoin:
		var p s2s.JoinPayload
		if !decodeInto(d.Event.Payload, &p) {
			return ""
		}
		return (&Message{Prefix: p.Nick, Command: "JOIN", Params: []string{p.Channel}}).String()
	case s2s.EventPart:
		var p s2s.PartPayload
		if !decodeInto(d.Event.Payload, &p) {
			return ""
		}
		params := []string{p.Channel}
		if p.Reason != "" {
			params = append(params, p.Reason)
		}
		return (&Message{Prefix: p.Nick, Command: "PART", Params: params}).String()
	case s2s.EventQuit:
		var p s2s.QuitPayload
		if !decodeInto(d.Event.Payload, &p) {
			return ""
		}
		return (&Message{Prefix: p.Nick, Command: "QUIT", Params: []string{p.Reason}}).String()
	case s2s.EventNickChange:
		var p s2s.NickChangePayload
		if !decodeInto(d.Event.Payload, &p) {
			return ""
		}
		return (&Message{Prefix: p.OldNick, Command: "NICK", Params: []string{p.NewNick}}).String()
	case s2s.EventTopic:
		var p s2s.TopicPayload
		if !decodeInto(d.Event.Payload, &p) {
			return ""
		}
		return (&Message{Prefix: p.SetBy, Command: "TOPIC", Params: []string{p.Channel, p.Text}}).String()
	case s2s.EventMode:
		var p s2s.ModePayload
		if !decodeInto(d.Event.Payload, &p) {
			return ""
		}
		return (&Message{Prefix: p.SetBy, Command: "MODE", Params: []string{p.Channel, p.Change, p.Target}}).String()
	case s2s.EventKick:
		var p s2s.KickPayload
		if !decodeInto(d.Event.Payload, &p) {
			return ""
		}
		reason := p.Reason
		if reason == "" {
			reason = p.Target
		}
		return (&Message{Prefix: p.Kicker, Command: "KICK", Params: []string{p.Channel, p.Target, reason}}).String()
	}
	return ""
}

func (h *Hub) newRateLimiter() *rate.Limiter {
	if h.cfg.RateLimitPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(h.cfg.RateLimitPerSec), h.cfg.RateBurst)
}

func (h *Hub) serverPrefix() string { return h.cfg.ServerName }

// decodeInto unmarshals an s2s event payload, returning false on failure
// rather than panicking — a malformed payload here means a
// peer sent a well-formed envelope around garbage, not a local bug.
func decodeInto(raw json.RawMessage, v any) bool {
	return json.Unmarshal(raw, v) == nil
}
