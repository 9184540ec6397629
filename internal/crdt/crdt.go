// Package crdt implements the convergent key-value document of durable
// authority facts: channel topics, founders, DID-granted operator status,
// bans, and nick ownership. Ephemeral presence is never stored here — it
// is driven entirely by S2S events (see internal/s2s) so that a server
// crash cannot leave ghost members behind.
//
// The document is a flat map keyed by strings of the form "topic:<ch>",
// "ban:<ch>:<mask>", "nick_owner:<nick>", "founder:<ch>", and
// "did_op:<ch>:<did>", with values stored as small JSON records. Backed by
// automerge-go so that concurrent writes on the same key converge via the
// library's causal history instead of last-writer-wins-by-wallclock.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	automerge "github.com/automerge/automerge-go"
)

// Metrics tracks document activity for observability.
type Metrics struct {
	ChangeCount          uint64
	SyncMessagesSent     uint64
	SyncMessagesReceived uint64
	SyncBytesSent        uint64
	SyncBytesReceived    uint64
	LastSaveSize         uint64
	CompactionCount      uint64
}

// Provenance records who authorized a CRDT write, for soft authority
// validation on receive.
type Provenance struct {
	SetBy      string `json:"set_by,omitempty"`
	SetByDID   string `json:"set_by_did,omitempty"`
	OriginPeer string `json:"origin_peer"`
}

type topicValue struct {
	Text       string `json:"text"`
	SetBy      string `json:"set_by"`
	SetByDID   string `json:"set_by_did,omitempty"`
	OriginPeer string `json:"origin_peer"`
}

type founderValue struct {
	DID     string `json:"did"`
	ActorID string `json:"actor_id"`
}

type opGrantValue struct {
	GrantedByDID string `json:"granted_by_did,omitempty"`
	OriginPeer   string `json:"origin_peer"`
}

type banValue struct {
	SetBy      string `json:"set_by"`
	SetByDID   string `json:"set_by_did,omitempty"`
	OriginPeer string `json:"origin_peer"`
}

// Doc wraps an automerge document for cluster state synchronization. The
// actor identity starts as the configured server name and is re-keyed
// exactly once to the transport endpoint ID before any S2S connection is
// accepted (see Rekey).
type Doc struct {
	mu      sync.Mutex
	doc     *automerge.Doc
	actorID string

	syncMu     sync.Mutex
	syncStates map[string]*automerge.SyncState

	metricsMu sync.Mutex
	metrics   Metrics
}

// New creates a cluster document actored by serverID (ordinarily the
// configured server name until Rekey is called).
func New(serverID string) *Doc {
	return &Doc{
		doc:        automerge.New(automerge.ActorID(serverID)),
		actorID:    serverID,
		syncStates: make(map[string]*automerge.SyncState),
	}
}

// Load reconstructs a document from previously saved bytes.
func Load(data []byte, serverID string) (*Doc, error) {
	doc, err := automerge.Load(data, automerge.ActorID(serverID))
	if err != nil {
		return nil, fmt.Errorf("loading CRDT document: %w", err)
	}
	return &Doc{
		doc:        doc,
		actorID:    serverID,
		syncStates: make(map[string]*automerge.SyncState),
	}, nil
}

// Rekey re-keys the CRDT actor identity to newActorID (the transport
// endpoint ID), observable as a save-and-reload that pins all subsequent
// changes to the new actor. Clears all peer sync state, since peers must
// re-sync against the new identity. Must be called once, at startup,
// before any S2S connection is accepted.
func (d *Doc) Rekey(newActorID string) error {
	d.mu.Lock()
	bytes, err := d.doc.Save()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("saving before rekey: %w", err)
	}
	reloaded, err := automerge.Load(bytes, automerge.ActorID(newActorID))
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("reloading with new actor: %w", err)
	}
	d.doc = reloaded
	d.actorID = newActorID
	d.mu.Unlock()

	d.syncMu.Lock()
	d.syncStates = make(map[string]*automerge.SyncState)
	d.syncMu.Unlock()

	return nil
}

// ActorID returns the document's current actor identity.
func (d *Doc) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.actorID
}

// Save returns the document's serialized bytes.
func (d *Doc) Save() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.doc.Save()
	if err != nil {
		return nil, err
	}
	d.metricsMu.Lock()
	d.metrics.LastSaveSize = uint64(len(b))
	d.metricsMu.Unlock()
	return b, nil
}

// Compact collapses internal history by save-and-reload. All keys are
// preserved; all peer sync state is cleared (peers will re-sync).
func (d *Doc) Compact() error {
	d.mu.Lock()
	bytes, err := d.doc.Save()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("saving before compaction: %w", err)
	}
	reloaded, err := automerge.Load(bytes, automerge.ActorID(d.actorID))
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("reloading after compaction: %w", err)
	}
	d.doc = reloaded
	d.mu.Unlock()

	d.syncMu.Lock()
	d.syncStates = make(map[string]*automerge.SyncState)
	d.syncMu.Unlock()

	d.metricsMu.Lock()
	d.metrics.CompactionCount++
	d.metrics.LastSaveSize = uint64(len(bytes))
	d.metricsMu.Unlock()

	return nil
}

// Metrics returns a snapshot of document activity counters.
func (d *Doc) Metrics() Metrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return d.metrics
}

func (d *Doc) bumpChangeCount() {
	d.metricsMu.Lock()
	d.metrics.ChangeCount++
	d.metricsMu.Unlock()
}

func (d *Doc) getString(key string) (string, bool) {
	v, err := d.doc.RootMap().Get(key)
	if err != nil || v == nil {
		return "", false
	}
	s, ok := v.Str()
	return s, ok
}

// ── Topic ──────────────────────────────────────────────────────────────

// SetTopic records a channel topic with provenance. Not authority-gated
// here; callers validate via ValidateTopicAuthority before calling.
func (d *Doc) SetTopic(channel, text, setBy, setByDID, originPeer string) error {
	raw, err := json.Marshal(topicValue{Text: text, SetBy: setBy, SetByDID: setByDID, OriginPeer: originPeer})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.RootMap().Set("topic:"+channel, string(raw)); err != nil {
		return fmt.Errorf("writing topic: %w", err)
	}
	d.bumpChangeCount()
	return nil
}

// ChannelTopic returns (text, setBy) for a channel, if set.
func (d *Doc) ChannelTopic(channel string) (text, setBy string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, exists := d.getString("topic:" + channel)
	if !exists {
		return "", "", false
	}
	var v topicValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", "", false
	}
	return v.Text, v.SetBy, true
}

// ChannelTopicProvenance returns the full provenance-tagged topic record.
func (d *Doc) ChannelTopicProvenance(channel string) (Provenance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, exists := d.getString("topic:" + channel)
	if !exists {
		return Provenance{}, false
	}
	var v topicValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Provenance{}, false
	}
	return Provenance{SetBy: v.SetBy, SetByDID: v.SetByDID, OriginPeer: v.OriginPeer}, true
}

// ── Bans ───────────────────────────────────────────────────────────────

// AddBan records a ban mask for a channel.
func (d *Doc) AddBan(channel, mask, setBy, setByDID, originPeer string) error {
	raw, err := json.Marshal(banValue{SetBy: setBy, SetByDID: setByDID, OriginPeer: originPeer})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.RootMap().Set("ban:"+channel+":"+mask, string(raw)); err != nil {
		return fmt.Errorf("writing ban: %w", err)
	}
	d.bumpChangeCount()
	return nil
}

// RemoveBan deletes a ban mask (a CRDT tombstone, not a bare removal).
func (d *Doc) RemoveBan(channel, mask string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.RootMap().Delete("ban:" + channel + ":" + mask); err != nil {
		return fmt.Errorf("removing ban: %w", err)
	}
	d.bumpChangeCount()
	return nil
}

// ChannelBans lists (mask, setBy) pairs for a channel.
func (d *Doc) ChannelBans(channel string) ([][2]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := "ban:" + channel + ":"
	keys, err := d.doc.RootMap().Keys()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	var out [][2]string
	for _, k := range keys {
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		mask := k[len(prefix):]
		raw, ok := d.getString(k)
		if !ok {
			continue
		}
		var v banValue
		if json.Unmarshal([]byte(raw), &v) == nil {
			out = append(out, [2]string{mask, v.SetBy})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

// ── Nick ownership ───────────────────────────────────────────────────────

// SetNickOwner records DID as the owner of nick.
func (d *Doc) SetNickOwner(nick, did string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.RootMap().Set("nick_owner:"+nick, did); err != nil {
		return fmt.Errorf("writing nick owner: %w", err)
	}
	d.bumpChangeCount()
	return nil
}

// NickOwner returns the DID owning nick, if any.
func (d *Doc) NickOwner(nick string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getString("nick_owner:" + nick)
}

// ── Founder (deterministic min-actor-wins) ───────────────────────────────

// SetFounder attempts to set channel's founder to did, using this
// document's current actor ID. On concurrent set_founder calls for the
// same channel, the write whose actor ID sorts strictly smaller wins —
// enforced here as a compare-before-write, not left to the CRDT's
// internal merge order, so the resolution is a local decision rather than
// a convergence-timing race.
func (d *Doc) SetFounder(channel, did string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := "founder:" + channel
	if raw, ok := d.getString(key); ok {
		var existing founderValue
		if json.Unmarshal([]byte(raw), &existing) == nil && existing.ActorID != "" {
			if d.actorID >= existing.ActorID {
				return nil // existing actor is smaller or equal; they win
			}
		}
	}

	raw, err := json.Marshal(founderValue{DID: did, ActorID: d.actorID})
	if err != nil {
		return err
	}
	if err := d.doc.RootMap().Set(key, string(raw)); err != nil {
		return fmt.Errorf("writing founder: %w", err)
	}
	d.bumpChangeCount()
	return nil
}

// Founder returns the founder DID for a channel, if set.
func (d *Doc) Founder(channel string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, ok := d.getString("founder:" + channel)
	if !ok {
		return "", false
	}
	var v founderValue
	if json.Unmarshal([]byte(raw), &v) != nil || v.DID == "" {
		return "", false
	}
	return v.DID, true
}

// ── DID-op grants ────────────────────────────────────────────────────────

// GrantOp persistently grants did operator status in channel.
func (d *Doc) GrantOp(channel, did, grantedByDID, originPeer string) error {
	raw, err := json.Marshal(opGrantValue{GrantedByDID: grantedByDID, OriginPeer: originPeer})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.RootMap().Set("did_op:"+channel+":"+did, string(raw)); err != nil {
		return fmt.Errorf("writing op grant: %w", err)
	}
	d.bumpChangeCount()
	return nil
}

// RevokeOp revokes did's persistent operator status in channel.
func (d *Doc) RevokeOp(channel, did string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.RootMap().Delete("did_op:" + channel + ":" + did); err != nil {
		return fmt.Errorf("revoking op grant: %w", err)
	}
	d.bumpChangeCount()
	return nil
}

// ChannelDIDOps lists all DIDs with persistent operator status in channel.
func (d *Doc) ChannelDIDOps(channel string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := "did_op:" + channel + ":"
	keys, err := d.doc.RootMap().Keys()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	var out []string
	for _, k := range keys {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

// DIDOpProvenance returns provenance for a DID's op grant, for authority
// validation.
func (d *Doc) DIDOpProvenance(channel, did string) (Provenance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, ok := d.getString("did_op:" + channel + ":" + did)
	if !ok {
		return Provenance{}, false
	}
	var v opGrantValue
	if json.Unmarshal([]byte(raw), &v) != nil {
		return Provenance{}, false
	}
	return Provenance{SetByDID: v.GrantedByDID, OriginPeer: v.OriginPeer}, true
}

// ── Authority validation (soft enforcement) ─────────────────────────────

// ValidateTopicAuthority reports whether setterDID is authorized to set
// channel's topic: founder, an existing DID-op, or (outside strict mode)
// absent entirely.
func (d *Doc) ValidateTopicAuthority(channel string, setterDID string, requireDID bool) bool {
	if setterDID == "" {
		return !requireDID
	}
	if founder, ok := d.Founder(channel); ok && founder == setterDID {
		return true
	}
	ops, err := d.ChannelDIDOps(channel)
	if err != nil {
		return false
	}
	for _, did := range ops {
		if did == setterDID {
			return true
		}
	}
	return false
}

// ValidateOpGrantAuthority reports whether granterDID may grant operator
// status: founder, an existing DID-op, or (outside strict mode) absent.
func (d *Doc) ValidateOpGrantAuthority(channel string, granterDID string, requireDID bool) bool {
	return d.ValidateTopicAuthority(channel, granterDID, requireDID)
}

// ── Sync ─────────────────────────────────────────────────────────────────

// GenerateSyncMessage returns the next sync delta for peerID (keyed
// exclusively by transport peer ID, never by a payload-declared
// identity), or nil if the peer is already up to date.
func (d *Doc) GenerateSyncMessage(peerID string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.syncMu.Lock()
	state, ok := d.syncStates[peerID]
	if !ok {
		state = automerge.NewSyncState()
		d.syncStates[peerID] = state
	}
	d.syncMu.Unlock()

	msg, hasMore, err := d.doc.GenerateSyncMessage(state)
	if err != nil {
		return nil, fmt.Errorf("generating sync message: %w", err)
	}
	if !hasMore {
		return nil, nil
	}

	d.metricsMu.Lock()
	d.metrics.SyncMessagesSent++
	d.metrics.SyncBytesSent += uint64(len(msg))
	d.metricsMu.Unlock()

	return msg, nil
}

// ReceiveSyncMessage applies a sync delta received from peerID.
func (d *Doc) ReceiveSyncMessage(peerID string, message []byte) error {
	d.metricsMu.Lock()
	d.metrics.SyncMessagesReceived++
	d.metrics.SyncBytesReceived += uint64(len(message))
	d.metricsMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.syncMu.Lock()
	state, ok := d.syncStates[peerID]
	if !ok {
		state = automerge.NewSyncState()
		d.syncStates[peerID] = state
	}
	d.syncMu.Unlock()

	if err := d.doc.ReceiveSyncMessage(state, message); err != nil {
		return fmt.Errorf("receiving sync message: %w", err)
	}
	d.bumpChangeCount()
	return nil
}

// RemovePeerSyncState drops sync state for a disconnected peer.
func (d *Doc) RemovePeerSyncState(peerID string) {
	d.syncMu.Lock()
	delete(d.syncStates, peerID)
	d.syncMu.Unlock()
}

// SyncPeers lists peer IDs for which sync state is tracked.
func (d *Doc) SyncPeers() []string {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	out := make([]string, 0, len(d.syncStates))
	for id := range d.syncStates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// KeyCount returns the number of keys in the document, for observability.
func (d *Doc) KeyCount() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys, err := d.doc.RootMap().Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
