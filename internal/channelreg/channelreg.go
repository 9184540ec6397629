// Package channelreg holds the in-memory map of channel name to channel
// state: local and remote members, ephemeral operator/voice sets, mode
// flags, bans, invites, topic, and a bounded history ring. Durable
// authority facts (founder, DID-op grants) are mirrored in from the CRDT
// store by the reconciliation loop; this package is not itself durable.
package channelreg

import (
	"strings"
	"sync"
	"time"
)

const (
	historyRingLimit = 100
	maxPins          = 50
)

// RemoteMember is a display-cache entry recording that a nick exists on
// some peer. It is never a routing gate — PRIVMSG relay always attempts
// delivery to all S2S peers regardless of what this cache says.
type RemoteMember struct {
	OriginPeer string
	DID        string
	IsOp       bool
}

// LocalMemberInfo is the display info tracked for a local session's
// membership in a channel.
type LocalMemberInfo struct {
	Nick string
	DID  string
}

// MemberInfo is a uniform local-or-remote member snapshot entry, used to
// build a full roster (for SyncResponse and NAMES).
type MemberInfo struct {
	Nick    string
	DID     string
	IsOp    bool
	IsVoice bool
}

// HistoryEntry is one bounded-ring chat history record.
type HistoryEntry struct {
	Sender    string
	Text      string
	Timestamp time.Time
	Tags      map[string]string
	MsgID     string
}

// Topic is the current channel topic and who set it.
type Topic struct {
	Text      string
	SetBy     string
	Timestamp time.Time
}

// Modes are the channel's boolean mode flags plus the optional key.
type Modes struct {
	NoExternal   bool // +n
	TopicLocked  bool // +t
	InviteOnly   bool // +i
	Moderated    bool // +m
	Key          string
	KeySet       bool // +k
}

// Channel is one channel's full in-memory state. All mutable fields are
// guarded by mu; callers must never call back into socket I/O while
// holding it — snapshot under the lock, release, then act.
type Channel struct {
	mu sync.Mutex

	Name string // case-folded

	localMembers  map[string]LocalMemberInfo // session ID -> nick/DID
	remoteMembers map[string]RemoteMember // nick -> remote info
	ops           map[string]bool // session ID -> has +o (ephemeral, not CRDT)
	voices        map[string]bool // session ID -> has +v (ephemeral, not CRDT)

	// invites holds session IDs, DIDs, and "nick:<name>" fallback strings,
	// consumed on the next matching JOIN.
	invites map[string]bool

	bans map[string]bool // hostmask or DID pattern -> present

	FounderDID string          // mirrored from CRDT by reconciliation
	DIDOps     map[string]bool // mirrored from CRDT by reconciliation

	Modes     Modes
	topic     Topic
	CreatedAt time.Time

	history []HistoryEntry
	pins    []string
}

func newChannel(name string) *Channel {
	return &Channel{
		Name:          name,
		localMembers:  make(map[string]LocalMemberInfo),
		remoteMembers: make(map[string]RemoteMember),
		ops:           make(map[string]bool),
		voices:        make(map[string]bool),
		invites:       make(map[string]bool),
		bans:          make(map[string]bool),
		DIDOps:        make(map[string]bool),
		CreatedAt:     time.Now(),
	}
}

// IsEmptyAndTrivial reports whether this channel has no local members, no
// remote members, and no durable state worth keeping — the condition
// under which the registry garbage-collects it.
func (c *Channel) IsEmptyAndTrivial() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.localMembers) > 0 || len(c.remoteMembers) > 0 {
		return false
	}
	if c.FounderDID != "" || len(c.DIDOps) > 0 || len(c.bans) > 0 {
		return false
	}
	if c.topic.Text != "" {
		return false
	}
	return true
}

// AddLocalMember adds a session to the local member set.
func (c *Channel) AddLocalMember(sessionID, nick, did string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localMembers[sessionID] = LocalMemberInfo{Nick: nick, DID: did}
}

// RenameLocalMember updates the display nick recorded for sessionID.
func (c *Channel) RenameLocalMember(sessionID, newNick string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.localMembers[sessionID]
	if !ok {
		return
	}
	info.Nick = newNick
	c.localMembers[sessionID] = info
}

// RemoveLocalMember removes a session from the local member set, and its
// ephemeral op/voice status along with it.
func (c *Channel) RemoveLocalMember(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.localMembers, sessionID)
	delete(c.ops, sessionID)
	delete(c.voices, sessionID)
}

// LocalMembers returns a snapshot of local session IDs.
func (c *Channel) LocalMembers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.localMembers))
	for id := range c.localMembers {
		out = append(out, id)
	}
	return out
}

// LocalMemberDIDs returns a snapshot of session ID -> authenticated DID
// for every local member, used by the reconciliation loop to re-evaluate
// ephemeral op grants against DID authority.
func (c *Channel) LocalMemberDIDs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.localMembers))
	for sid, info := range c.localMembers {
		out[sid] = info.DID
	}
	return out
}

// Members returns a uniform snapshot of every known member, local and
// remote, for roster display (NAMES) and federation sync.
func (c *Channel) Members() []MemberInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MemberInfo, 0, len(c.localMembers)+len(c.remoteMembers))
	for sid, info := range c.localMembers {
		out = append(out, MemberInfo{Nick: info.Nick, DID: info.DID, IsOp: c.ops[sid], IsVoice: c.voices[sid]})
	}
	for nick, m := range c.remoteMembers {
		out = append(out, MemberInfo{Nick: nick, DID: m.DID, IsOp: m.IsOp})
	}
	return out
}

// ModeString renders the channel's boolean mode flags as a +flags string.
func (c *Channel) ModeString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	flags := "+"
	if c.Modes.NoExternal {
		flags += "n"
	}
	if c.Modes.TopicLocked {
		flags += "t"
	}
	if c.Modes.InviteOnly {
		flags += "i"
	}
	if c.Modes.Moderated {
		flags += "m"
	}
	if c.Modes.KeySet {
		flags += "k"
	}
	return flags
}

// SetMode flips one of the channel's boolean mode flags (n/t/i/m),
// returning false if flag is not recognized.
func (c *Channel) SetMode(flag byte, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch flag {
	case 'n':
		c.Modes.NoExternal = on
	case 't':
		c.Modes.TopicLocked = on
	case 'i':
		c.Modes.InviteOnly = on
	case 'm':
		c.Modes.Moderated = on
	default:
		return false
	}
	return true
}

// SetKey sets the channel key (+k <key>).
func (c *Channel) SetKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Modes.Key = key
	c.Modes.KeySet = true
}

// ClearKey clears the channel key (-k).
func (c *Channel) ClearKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Modes.Key = ""
	c.Modes.KeySet = false
}

// Key returns the channel key and whether +k is set.
func (c *Channel) Key() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Modes.Key, c.Modes.KeySet
}

// TopicLocked reports whether +t is set.
func (c *Channel) TopicLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Modes.TopicLocked
}

// IsInviteOnly reports whether +i is set.
func (c *Channel) IsInviteOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Modes.InviteOnly
}

// AddRemoteMember records a remote member joining, attributed to
// originPeer, and flags whether it holds a remote +o.
func (c *Channel) AddRemoteMember(originPeer, nick, did string, isOp bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteMembers[strings.ToLower(nick)] = RemoteMember{OriginPeer: originPeer, DID: did, IsOp: isOp}
}

// RenameRemoteMember moves a remote member's display entry from oldNick
// to newNick, attributed to originPeer.
func (c *Channel) RenameRemoteMember(originPeer, oldNick, newNick string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.remoteMembers[strings.ToLower(oldNick)]
	if !ok || m.OriginPeer != originPeer {
		return
	}
	delete(c.remoteMembers, strings.ToLower(oldNick))
	c.remoteMembers[strings.ToLower(newNick)] = m
}

// ApplyRemoteMode updates a remote member's +o/-o flag announced by a
// peer. change is e.g. "+o" or "-o"; non-op mode changes on a remote
// target are no-ops here, since this registry only tracks op status for
// remote members.
func (c *Channel) ApplyRemoteMode(change, targetNick string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.remoteMembers[strings.ToLower(targetNick)]
	if !ok {
		return
	}
	switch change {
	case "+o":
		m.IsOp = true
	case "-o":
		m.IsOp = false
	default:
		return
	}
	c.remoteMembers[strings.ToLower(targetNick)] = m
}

// LocalMemberCount reports how many local sessions are present.
func (c *Channel) LocalMemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.localMembers)
}

// IsLocalMember reports whether sessionID is a current local member.
func (c *Channel) IsLocalMember(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.localMembers[sessionID]
	return ok
}

// SetRemoteMember records or updates a remote member display entry.
func (c *Channel) SetRemoteMember(nick string, m RemoteMember) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteMembers[strings.ToLower(nick)] = m
}

// RemoveRemoteMember removes a remote member display entry.
func (c *Channel) RemoveRemoteMember(nick string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.remoteMembers, strings.ToLower(nick))
}

// RemoveRemoteMembersByOrigin removes every remote member display entry
// whose origin peer matches originPeer — the ghost-cleanup invariant
// applied after a PeerDisconnected event.
func (c *Channel) RemoveRemoteMembersByOrigin(originPeer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for nick, m := range c.remoteMembers {
		if m.OriginPeer == originPeer {
			delete(c.remoteMembers, nick)
		}
	}
}

// RemoteMembers returns a snapshot of the remote member display cache.
func (c *Channel) RemoteMembers() map[string]RemoteMember {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]RemoteMember, len(c.remoteMembers))
	for k, v := range c.remoteMembers {
		out[k] = v
	}
	return out
}

// HasAnyOp reports whether any authority-backed op exists: a local
// ephemeral op, a DID-op, or a remote member flagged is_op. Used for
// orphan prevention during reconciliation and for the auto-op edge rule.
func (c *Channel) HasAnyOp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ops) > 0 || len(c.DIDOps) > 0 {
		return true
	}
	for _, m := range c.remoteMembers {
		if m.IsOp {
			return true
		}
	}
	return false
}

// IsTrulyEmpty reports the edge rule: members empty, remote_members
// empty, and no durable ops anywhere — the condition under which the
// first joiner to an existing-but-ghost channel still gets ops.
func (c *Channel) IsTrulyEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.localMembers) == 0 && len(c.remoteMembers) == 0 && c.FounderDID == "" && len(c.DIDOps) == 0
}

// GrantOp marks sessionID as an ephemeral operator.
func (c *Channel) GrantOp(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops[sessionID] = true
}

// RevokeOp removes sessionID's ephemeral operator status.
func (c *Channel) RevokeOp(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ops, sessionID)
}

// IsOp reports whether sessionID currently holds +o.
func (c *Channel) IsOp(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[sessionID]
}

// OpCount returns the number of sessions currently holding +o.
func (c *Channel) OpCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// GrantVoice marks sessionID as voiced.
func (c *Channel) GrantVoice(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voices[sessionID] = true
}

// RevokeVoice removes sessionID's voiced status.
func (c *Channel) RevokeVoice(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.voices, sessionID)
}

// IsVoiced reports whether sessionID currently holds +v.
func (c *Channel) IsVoiced(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voices[sessionID]
}

// MergeDIDOp additively merges a DID-op grant mirrored from the CRDT.
// Revocations are CRDT deletions, reconciled separately by ReplaceDIDOps.
func (c *Channel) MergeDIDOp(did string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DIDOps[did] = true
}

// ReplaceDIDOps replaces the mirrored DID-op set wholesale (used when
// reconciliation observes a revocation as well as grants).
func (c *Channel) ReplaceDIDOps(dids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DIDOps = make(map[string]bool, len(dids))
	for _, d := range dids {
		c.DIDOps[d] = true
	}
}

// IsDIDOp reports whether did holds a persistent operator grant.
func (c *Channel) IsDIDOp(did string) bool {
	if did == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DIDOps[did]
}

// SetFounder mirrors the CRDT founder value into the registry.
func (c *Channel) SetFounder(did string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FounderDID = did
}

// Founder returns the mirrored founder DID.
func (c *Channel) Founder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FounderDID
}

// SetTopic sets the local topic.
func (c *Channel) SetTopic(text, setBy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = Topic{Text: text, SetBy: setBy, Timestamp: time.Now()}
}

// GetTopic returns the current local topic.
func (c *Channel) GetTopic() Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

// AddBan adds a ban mask.
func (c *Channel) AddBan(mask string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bans[mask] = true
}

// RemoveBan removes a ban mask.
func (c *Channel) RemoveBan(mask string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bans, mask)
}

// Bans returns a snapshot of the ban list.
func (c *Channel) Bans() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.bans))
	for m := range c.bans {
		out = append(out, m)
	}
	return out
}

// IsBanned reports whether hostmask or did matches a stored ban pattern.
// Matching is exact or simple glob (* wildcard), consistent with typical
// IRC hostmask bans.
func (c *Channel) IsBanned(hostmask, did string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for mask := range c.bans {
		if matchMask(mask, hostmask) || (did != "" && matchMask(mask, did)) {
			return true
		}
	}
	return false
}

func matchMask(mask, candidate string) bool {
	if mask == candidate {
		return true
	}
	if !strings.Contains(mask, "*") {
		return false
	}
	parts := strings.Split(mask, "*")
	idx := 0
	for i, p := range parts {
		if p == "" {
			continue
		}
		pos := strings.Index(candidate[idx:], p)
		if pos < 0 {
			return false
		}
		if i == 0 && pos != 0 {
			return false
		}
		idx += pos + len(p)
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(candidate, last) {
		return false
	}
	return true
}

// AddInvite records an invite token (session ID, DID, or "nick:<name>").
func (c *Channel) AddInvite(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invites[token] = true
}

// ConsumeInvite reports whether token was invited and, if so, removes it
// (invites are single-use, consumed on the matching JOIN).
func (c *Channel) ConsumeInvite(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invites[token] {
		delete(c.invites, token)
		return true
	}
	return false
}

// AppendHistory appends a message to the bounded history ring, evicting
// the oldest entry once the ring is full.
func (c *Channel) AppendHistory(e HistoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, e)
	if len(c.history) > historyRingLimit {
		c.history = c.history[len(c.history)-historyRingLimit:]
	}
}

// History returns a snapshot of the bounded history ring, oldest first.
func (c *Channel) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HistoryEntry, len(c.history))
	copy(out, c.history)
	return out
}

// AddPin records a pinned message ID, bounded to maxPins (oldest dropped
// once full).
func (c *Channel) AddPin(msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pins {
		if p == msgID {
			return
		}
	}
	c.pins = append(c.pins, msgID)
	if len(c.pins) > maxPins {
		c.pins = c.pins[len(c.pins)-maxPins:]
	}
}

// RemovePin removes a pinned message ID.
func (c *Channel) RemovePin(msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pins {
		if p == msgID {
			c.pins = append(c.pins[:i], c.pins[i+1:]...)
			return
		}
	}
}

// Pins returns a snapshot of pinned message IDs.
func (c *Channel) Pins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.pins))
	copy(out, c.pins)
	return out
}

// Registry owns the channel-name → Channel map. Channel names are
// case-folded to lowercase keys before lookup.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

func foldName(name string) string {
	return strings.ToLower(name)
}

// Get returns the channel for name, if it exists.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[foldName(name)]
	return ch, ok
}

// GetOrCreate returns the channel for name, creating it if absent.
// created reports whether this call created the channel.
func (r *Registry) GetOrCreate(name string) (ch *Channel, created bool) {
	folded := foldName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[folded]; ok {
		return ch, false
	}
	ch = newChannel(folded)
	r.channels[folded] = ch
	return ch, true
}

// CollectGarbage removes name from the registry if its channel reports
// IsEmptyAndTrivial. Returns true if the channel was removed.
func (r *Registry) CollectGarbage(name string) bool {
	folded := foldName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[folded]
	if !ok {
		return false
	}
	if !ch.IsEmptyAndTrivial() {
		return false
	}
	delete(r.channels, folded)
	return true
}

// All returns a snapshot of every known channel, keyed by its folded name.
func (r *Registry) All() map[string]*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Channel, len(r.channels))
	for k, v := range r.channels {
		out[k] = v
	}
	return out
}

// Names returns a sorted-by-insertion-undefined snapshot of channel names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	return out
}
