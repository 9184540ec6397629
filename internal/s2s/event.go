// Package s2s implements the server-to-server federation layer: the peer
// manager (C7), which maintains authenticated bidirectional QUIC streams
// to peer servers, and the event processor (C8), which applies inbound
// peer events to the channel registry and CRDT store under authority
// gates.
package s2s

import "encoding/json"

// marshalPayload encodes v as a json.RawMessage for embedding in an Event.
func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// mustMarshal encodes v, panicking on failure. Only used for payload types
// (like PeerDisconnectedPayload) that are constructed from trusted,
// already-validated local data and can never fail to marshal.
func mustMarshal(v any) json.RawMessage {
	raw, err := marshalPayload(v)
	if err != nil {
		panic("s2s: marshaling known-good payload: " + err.Error())
	}
	return raw
}

// NewEvent builds an Event from a concrete payload type, for callers
// outside this package (the connection layer, constructing events from
// locally-originated client actions). eventID is the caller's own
// per-event identifier, used downstream for dedup.
func NewEvent(eventID, origin string, typ EventType, payload any) Event {
	return Event{EventID: eventID, Origin: origin, Type: typ, Payload: mustMarshal(payload)}
}

// EventType tags the variant carried by an Event.
type EventType string

const (
	EventHello            EventType = "hello"
	EventJoin             EventType = "join"
	EventPart             EventType = "part"
	EventQuit             EventType = "quit"
	EventNickChange       EventType = "nick_change"
	EventPrivmsg          EventType = "privmsg"
	EventTopic            EventType = "topic"
	EventMode             EventType = "mode"
	EventChannelCreated   EventType = "channel_created"
	EventKick             EventType = "kick"
	EventCrdtSync         EventType = "crdt_sync"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventSyncRequest      EventType = "sync_request"
	EventSyncResponse     EventType = "sync_response"
)

// Event is one framed JSON record exchanged over an S2S stream. origin is
// always untrusted payload metadata — the only trusted peer identity is
// the transport identity presented at the stream's handshake.
type Event struct {
	EventID string          `json:"event_id,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is the first frame exchanged in each direction, naming the
// sender's transport identity and a human-readable (untrusted) name.
type HelloPayload struct {
	PeerID     string `json:"peer_id"`
	ServerName string `json:"server_name"`
}

// JoinPayload announces a local join to federation peers.
type JoinPayload struct {
	Nick    string `json:"nick"`
	Channel string `json:"channel"`
	DID     string `json:"did,omitempty"`
	IsOp    bool   `json:"is_op"`
}

// PartPayload announces a local part.
type PartPayload struct {
	Nick    string `json:"nick"`
	Channel string `json:"channel"`
	Reason  string `json:"reason,omitempty"`
}

// QuitPayload announces a session (the last for its DID) disconnecting.
type QuitPayload struct {
	Nick   string `json:"nick"`
	Reason string `json:"reason,omitempty"`
}

// NickChangePayload announces a nick change.
type NickChangePayload struct {
	OldNick string `json:"old_nick"`
	NewNick string `json:"new_nick"`
}

// PrivmsgPayload relays a message to a nick or channel.
type PrivmsgPayload struct {
	From    string            `json:"from"`
	Target  string            `json:"target"`
	Text    string            `json:"text"`
	MsgID   string            `json:"msgid,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	Notice  bool              `json:"notice,omitempty"`
	TagOnly bool              `json:"tagmsg,omitempty"`
}

// TopicPayload announces a topic change.
type TopicPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	SetBy   string `json:"set_by"`
	SetByDID string `json:"set_by_did,omitempty"`
}

// ModePayload announces a mode change, including DID-backed op grants.
type ModePayload struct {
	Channel string `json:"channel"`
	Change  string `json:"change"` // e.g. "+o", "-b"
	Target  string `json:"target"` // nick
	TargetDID string `json:"target_did,omitempty"`
	SetBy   string `json:"set_by"`
}

// ChannelCreatedPayload announces a new channel's authority so peers can
// adopt it.
type ChannelCreatedPayload struct {
	Channel    string   `json:"channel"`
	FounderDID string   `json:"founder_did"`
	DIDOps     []string `json:"did_ops"`
	CreatedAt  int64    `json:"created_at"`
}

// KickPayload announces an operator-initiated removal.
type KickPayload struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Kicker  string `json:"kicker"`
	Reason  string `json:"reason,omitempty"`
}

// CrdtSyncPayload wraps an opaque CRDT sync delta.
type CrdtSyncPayload struct {
	Delta []byte `json:"delta"`
}

// PeerDisconnectedPayload is injected locally (never sent on the wire) by
// the peer manager when a peer's stream closes, so the processor can
// garbage-collect ghost remote members.
type PeerDisconnectedPayload struct {
	PeerID string `json:"peer_id"`
}

// SyncRequestPayload asks a peer to describe its full authority state.
type SyncRequestPayload struct{}

// SyncResponsePayload describes every local channel's authority state in
// response to a SyncRequest.
type SyncResponsePayload struct {
	Channels []ChannelAuthority `json:"channels"`
}

// ChannelAuthority is one channel's authority snapshot for SyncResponse.
type ChannelAuthority struct {
	Channel    string           `json:"channel"`
	FounderDID string           `json:"founder_did,omitempty"`
	DIDOps     []string         `json:"did_ops"`
	Modes      string           `json:"modes"`
	Members    []MemberAuthority `json:"members"`
}

// MemberAuthority is one member entry within a ChannelAuthority.
type MemberAuthority struct {
	Nick string `json:"nick"`
	DID  string `json:"did,omitempty"`
	IsOp bool   `json:"is_op"`
}
