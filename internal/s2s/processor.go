package s2s

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/crdt"
	"github.com/freeqd/freeqd/internal/dedup"
	"github.com/freeqd/freeqd/internal/identity"
)

// Delivery is how the processor hands a locally-visible effect (a message
// to relay to local clients, a membership change to announce) back to
// whatever owns client connections. The processor itself never touches a
// client socket.
type Delivery struct {
	Channel string // empty for a directed (nick-targeted) delivery
	Target  string // nick, when Channel is empty
	Event   Event
}

// Sink receives deliveries produced while processing inbound peer events.
type Sink interface {
	Deliver(d Delivery)
}

// Processor applies inbound S2S events to the channel registry and CRDT
// store under the authority gates described for each event kind: topic
// changes and op grants are validated against existing provenance before
// being written to the CRDT, while op revokes and purely ephemeral facts
// (join/part/nick/privmsg) are applied without any authority check beyond
// transport identity.
type Processor struct {
	channels   *channelreg.Registry
	doc        *crdt.Doc
	dedup      *dedup.Window
	sink       Sink
	logger     *slog.Logger
	requireDID bool // mirrors FederationConfig.RequireDIDForOps
}

// NewProcessor builds a Processor wired to the given registry, CRDT store,
// and dedup window, delivering locally-visible effects to sink.
// requireDID mirrors the federation config flag that rejects anonymous
// topic/op changes outright rather than admitting them provisionally.
func NewProcessor(channels *channelreg.Registry, doc *crdt.Doc, dedupWindow *dedup.Window, sink Sink, requireDID bool, logger *slog.Logger) *Processor {
	return &Processor{channels: channels, doc: doc, dedup: dedupWindow, sink: sink, requireDID: requireDID, logger: logger}
}

// Handle applies one inbound event from peer. The event's Origin field is
// recorded for dedup and provenance purposes but peer.ID (the transport
// identity) is what's trusted for authority decisions.
func (p *Processor) Handle(ctx context.Context, peer *Peer, ev Event) {
	if ev.Type != EventHello && ev.Type != EventPeerDisconnected {
		if ev.EventID != "" && p.dedup.CheckAndMark(peer.ID, ev.EventID) {
			return
		}
	}

	switch ev.Type {
	case EventHello:
		p.handleHello(peer, ev)
	case EventJoin:
		p.handleJoin(peer, ev)
	case EventPart:
		p.handlePart(peer, ev)
	case EventQuit:
		p.handleQuit(peer, ev)
	case EventNickChange:
		p.handleNickChange(peer, ev)
	case EventPrivmsg:
		p.handlePrivmsg(peer, ev)
	case EventTopic:
		p.handleTopic(peer, ev)
	case EventMode:
		p.handleMode(peer, ev)
	case EventChannelCreated:
		p.handleChannelCreated(peer, ev)
	case EventKick:
		p.handleKick(peer, ev)
	case EventCrdtSync:
		p.handleCrdtSync(peer, ev)
	case EventSyncRequest:
		p.handleSyncRequest(peer, ev)
	case EventSyncResponse:
		p.handleSyncResponse(peer, ev)
	case EventPeerDisconnected:
		p.handlePeerDisconnected(peer, ev)
	default:
		p.logger.Warn("unknown s2s event type", "peer", peer.ID, "type", ev.Type)
	}
}

func decode[T any](raw json.RawMessage) (T, bool) {
	var v T
	if len(raw) == 0 {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

func (p *Processor) handleHello(peer *Peer, ev Event) {
	hello, ok := decode[HelloPayload](ev.Payload)
	if !ok {
		return
	}
	peer.ServerName = hello.ServerName
	p.logger.Info("s2s peer hello", "peer", peer.ID, "server_name", hello.ServerName)
}

func (p *Processor) handleJoin(peer *Peer, ev Event) {
	payload, ok := decode[JoinPayload](ev.Payload)
	if !ok {
		return
	}
	ch, _ := p.channels.GetOrCreate(payload.Channel)
	ch.AddRemoteMember(peer.ID, payload.Nick, payload.DID, payload.IsOp)
	p.sink.Deliver(Delivery{Channel: payload.Channel, Event: ev})
}

func (p *Processor) handlePart(peer *Peer, ev Event) {
	payload, ok := decode[PartPayload](ev.Payload)
	if !ok {
		return
	}
	if ch, found := p.channels.Get(payload.Channel); found {
		ch.RemoveRemoteMember(payload.Nick)
	}
	p.sink.Deliver(Delivery{Channel: payload.Channel, Event: ev})
}

func (p *Processor) handleQuit(peer *Peer, ev Event) {
	payload, ok := decode[QuitPayload](ev.Payload)
	if !ok {
		return
	}
	for _, name := range p.channels.Names() {
		if ch, found := p.channels.Get(name); found {
			ch.RemoveRemoteMember(payload.Nick)
		}
	}
	p.sink.Deliver(Delivery{Event: ev})
}

func (p *Processor) handleNickChange(peer *Peer, ev Event) {
	payload, ok := decode[NickChangePayload](ev.Payload)
	if !ok {
		return
	}
	for _, name := range p.channels.Names() {
		if ch, found := p.channels.Get(name); found {
			ch.RenameRemoteMember(peer.ID, payload.OldNick, payload.NewNick)
		}
	}
	p.sink.Deliver(Delivery{Event: ev})
}

func (p *Processor) handlePrivmsg(peer *Peer, ev Event) {
	payload, ok := decode[PrivmsgPayload](ev.Payload)
	if !ok {
		return
	}
	if len(payload.Target) > 0 && payload.Target[0] == '#' {
		p.sink.Deliver(Delivery{Channel: payload.Target, Event: ev})
		return
	}
	p.sink.Deliver(Delivery{Target: payload.Target, Event: ev})
}

// handleTopic applies a peer-announced topic change only if the setter's
// claimed DID currently holds an op grant (or founder) for the channel
// per the CRDT's authority record; otherwise it's a stale or forged
// announcement and is dropped.
func (p *Processor) handleTopic(peer *Peer, ev Event) {
	payload, ok := decode[TopicPayload](ev.Payload)
	if !ok {
		return
	}
	if !p.doc.ValidateTopicAuthority(payload.Channel, payload.SetByDID, p.requireDID) {
		p.logger.Warn("dropping topic change from peer lacking authority", "peer", peer.ID, "channel", payload.Channel, "did", payload.SetByDID)
		return
	}
	if err := p.doc.SetTopic(payload.Channel, payload.Text, payload.SetBy, payload.SetByDID, peer.ID); err != nil {
		p.logger.Error("applying peer topic change", "err", err)
		return
	}
	if ch, found := p.channels.Get(payload.Channel); found {
		ch.SetTopic(payload.Text, payload.SetBy)
	}
	p.sink.Deliver(Delivery{Channel: payload.Channel, Event: ev})
}

func (p *Processor) handleMode(peer *Peer, ev Event) {
	payload, ok := decode[ModePayload](ev.Payload)
	if !ok {
		return
	}
	granting := len(payload.Change) > 0 && payload.Change[0] == '+'
	if payload.TargetDID != "" {
		if granting {
			if !p.doc.ValidateOpGrantAuthority(payload.Channel, payload.SetBy, p.requireDID) {
				p.logger.Warn("dropping op grant from peer lacking authority", "peer", peer.ID, "channel", payload.Channel)
				return
			}
			if err := p.doc.GrantOp(payload.Channel, payload.TargetDID, payload.SetBy, peer.ID); err != nil {
				p.logger.Error("applying peer op grant", "err", err)
			}
		} else {
			if err := p.doc.RevokeOp(payload.Channel, payload.TargetDID); err != nil {
				p.logger.Error("applying peer op revoke", "err", err)
			}
		}
	}
	if ch, found := p.channels.Get(payload.Channel); found {
		ch.ApplyRemoteMode(payload.Change, payload.Target)
	}
	p.sink.Deliver(Delivery{Channel: payload.Channel, Event: ev})
}

// adoptRemoteFounder sets channel's founder from a peer-claimed DID, but
// only when we hold no local founder record yet and the DID is
// syntactically well-formed — a peer cannot overwrite an existing founder
// nor hand us a founder claim that isn't even a valid DID.
func (p *Processor) adoptRemoteFounder(channel, candidateDID string) {
	if candidateDID == "" {
		return
	}
	if _, has := p.doc.Founder(channel); has {
		return
	}
	if !identity.WellFormedDID(candidateDID) {
		p.logger.Warn("dropping malformed remote founder DID", "channel", channel, "did", candidateDID)
		return
	}
	if err := p.doc.SetFounder(channel, candidateDID); err != nil {
		p.logger.Error("adopting peer channel founder", "err", err)
	}
}

// canAdoptRemoteOps reports whether DID-op grants carried alongside a
// founder claim of founderDID may be adopted for channel: either we
// already have founder context locally (a trust anchor to hang the grant
// off of) or federation runs in permissive mode. Strict mode additionally
// requires the grant to arrive via a DID-authorized path — here, a
// well-formed founder DID on the same event — rejecting op grants that
// have no DID backing at all.
func (p *Processor) canAdoptRemoteOps(channel, founderDID string) bool {
	_, hasFounder := p.doc.Founder(channel)
	allowed := hasFounder || !p.requireDID
	if p.requireDID && !identity.WellFormedDID(founderDID) {
		allowed = false
	}
	return allowed
}

func (p *Processor) handleChannelCreated(peer *Peer, ev Event) {
	payload, ok := decode[ChannelCreatedPayload](ev.Payload)
	if !ok {
		return
	}
	p.adoptRemoteFounder(payload.Channel, payload.FounderDID)
	if p.canAdoptRemoteOps(payload.Channel, payload.FounderDID) {
		for _, did := range payload.DIDOps {
			if err := p.doc.GrantOp(payload.Channel, did, payload.FounderDID, peer.ID); err != nil {
				p.logger.Error("adopting peer channel op", "err", err)
			}
		}
	} else {
		p.logger.Warn("dropping op grants lacking authority gate", "peer", peer.ID, "channel", payload.Channel)
	}
	p.channels.GetOrCreate(payload.Channel)
}

func (p *Processor) handleKick(peer *Peer, ev Event) {
	payload, ok := decode[KickPayload](ev.Payload)
	if !ok {
		return
	}
	if ch, found := p.channels.Get(payload.Channel); found {
		ch.RemoveRemoteMember(payload.Target)
	}
	p.sink.Deliver(Delivery{Channel: payload.Channel, Event: ev})
}

// handleCrdtSync applies an automerge sync message to the local document,
// keyed by the transport peer ID, and never rebroadcasts the received
// delta to any other peer. It sends no sync message in reply, and no
// other component of this server sends CrdtSync frames either.
func (p *Processor) handleCrdtSync(peer *Peer, ev Event) {
	payload, ok := decode[CrdtSyncPayload](ev.Payload)
	if !ok {
		return
	}
	if err := p.doc.ReceiveSyncMessage(peer.ID, payload.Delta); err != nil {
		p.logger.Error("applying crdt sync message", "peer", peer.ID, "err", err)
	}
}

func (p *Processor) handleSyncRequest(peer *Peer, ev Event) {
	names := p.channels.Names()
	authorities := make([]ChannelAuthority, 0, len(names))
	for _, name := range names {
		ch, found := p.channels.Get(name)
		if !found {
			continue
		}
		founder, _ := p.doc.Founder(name)
		ops, err := p.doc.ChannelDIDOps(name)
		if err != nil {
			p.logger.Error("listing channel ops for sync response", "channel", name, "err", err)
			ops = nil
		}
		authorities = append(authorities, ChannelAuthority{
			Channel:    name,
			FounderDID: founder,
			DIDOps:     ops,
			Modes:      ch.ModeString(),
			Members:    memberAuthorities(ch),
		})
	}
	payload, err := marshalPayload(SyncResponsePayload{Channels: authorities})
	if err != nil {
		p.logger.Error("marshaling sync response", "err", err)
		return
	}
	peer.Enqueue(Event{Type: EventSyncResponse, Payload: payload})
}

func memberAuthorities(ch *channelreg.Channel) []MemberAuthority {
	members := ch.Members()
	out := make([]MemberAuthority, 0, len(members))
	for _, m := range members {
		out = append(out, MemberAuthority{Nick: m.Nick, DID: m.DID, IsOp: m.IsOp})
	}
	return out
}

func (p *Processor) handleSyncResponse(peer *Peer, ev Event) {
	payload, ok := decode[SyncResponsePayload](ev.Payload)
	if !ok {
		return
	}
	for _, authority := range payload.Channels {
		p.adoptRemoteFounder(authority.Channel, authority.FounderDID)
		if p.canAdoptRemoteOps(authority.Channel, authority.FounderDID) {
			for _, did := range authority.DIDOps {
				if err := p.doc.GrantOp(authority.Channel, did, authority.FounderDID, peer.ID); err != nil {
					p.logger.Error("adopting op grant from sync response", "err", err)
				}
			}
		} else {
			p.logger.Warn("dropping op grants lacking authority gate", "peer", peer.ID, "channel", authority.Channel)
		}
		ch, _ := p.channels.GetOrCreate(authority.Channel)
		for _, m := range authority.Members {
			ch.AddRemoteMember(peer.ID, m.Nick, m.DID, m.IsOp)
		}
	}
}

// handlePeerDisconnected is injected locally by the Manager (never sent
// on the wire) and garbage-collects every remote member this peer
// contributed, so a federated partition never leaves ghost members
// behind.
func (p *Processor) handlePeerDisconnected(peer *Peer, ev Event) {
	payload, ok := decode[PeerDisconnectedPayload](ev.Payload)
	if !ok {
		return
	}
	p.doc.RemovePeerSyncState(payload.PeerID)
	for _, name := range p.channels.Names() {
		if ch, found := p.channels.Get(name); found {
			ch.RemoveRemoteMembersByOrigin(payload.PeerID)
		}
	}
}
