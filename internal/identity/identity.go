// Package identity maps authenticated sessions to their DID, tracks
// nick ownership, and derives the cloaked host segment shown in place of
// an IP in visible hostmasks. A DID owns at most one nick; a nick is
// reachable from any of the DID's concurrently connected sessions
// (multi-device).
package identity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

const guestCloak = "guest/anonymous"

// Binding is the process-wide DID↔nick registry. Safe for concurrent use.
type Binding struct {
	mu sync.RWMutex

	didToNick   map[string]string          // did -> claimed nick
	nickToDID   map[string]string          // nick -> owning did (reverse index)
	didSessions map[string]map[string]bool // did -> set of session IDs currently using it
}

// New creates an empty Binding.
func New() *Binding {
	return &Binding{
		didToNick:   make(map[string]string),
		nickToDID:   make(map[string]string),
		didSessions: make(map[string]map[string]bool),
	}
}

// NickOwner returns the DID owning nick, if any.
func (b *Binding) NickOwner(nick string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	did, ok := b.nickToDID[strings.ToLower(nick)]
	return did, ok
}

// OwnedNick returns the nick a DID has claimed, if any.
func (b *Binding) OwnedNick(did string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	nick, ok := b.didToNick[did]
	return nick, ok
}

// CanClaim reports whether a session authenticated as did (empty string
// for unauthenticated) may claim nick. If the nick is unowned, anyone
// unauthenticated or authenticated may claim it. If owned, only the
// owning DID may.
func (b *Binding) CanClaim(nick, did string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	owner, owned := b.nickToDID[strings.ToLower(nick)]
	if !owned {
		return true
	}
	return did != "" && did == owner
}

// Bind records that sessionID (authenticated as did) is now using nick,
// and that did owns nick going forward. Returns an error if nick is
// already owned by a different DID. Multiple sessions for the same DID
// may bind the same nick concurrently (multi-device); the session is
// added to the DID's reference-counted session set.
func (b *Binding) Bind(did, nick, sessionID string) error {
	if did == "" {
		return fmt.Errorf("identity: cannot bind nick %q without an authenticated DID", nick)
	}
	foldedNick := strings.ToLower(nick)

	b.mu.Lock()
	defer b.mu.Unlock()

	if owner, owned := b.nickToDID[foldedNick]; owned && owner != did {
		return fmt.Errorf("identity: nick %q is owned by a different DID", nick)
	}

	// A DID owns exactly one nick; rebind if claiming a different one.
	if prevNick, had := b.didToNick[did]; had && prevNick != foldedNick {
		delete(b.nickToDID, prevNick)
	}
	b.didToNick[did] = foldedNick
	b.nickToDID[foldedNick] = did

	sessions, ok := b.didSessions[did]
	if !ok {
		sessions = make(map[string]bool)
		b.didSessions[did] = sessions
	}
	sessions[sessionID] = true
	return nil
}

// Unbind removes sessionID from did's session set. Returns true if this
// was the last session for did, meaning it has fully disconnected; the
// hub announces a Quit to federation peers only in that case (the
// multi-device reference-counting rule). Does not remove the nick
// ownership record itself — ownership persists across disconnects.
func (b *Binding) Unbind(did, sessionID string) (wasLast bool) {
	if did == "" {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions, ok := b.didSessions[did]
	if !ok {
		return true
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(b.didSessions, did)
		return true
	}
	return false
}

// SessionCount returns the number of live sessions currently bound to did.
func (b *Binding) SessionCount(did string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.didSessions[did])
}

// Forget removes all ownership records for did — an administrative
// action (identity bindings are otherwise never removed).
func (b *Binding) Forget(did string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if nick, ok := b.didToNick[did]; ok {
		delete(b.nickToDID, nick)
		delete(b.didToNick, did)
	}
	delete(b.didSessions, did)
}

// CloakedHost derives the hostmask segment shown in place of an IP.
// Authenticated sessions get "<method>/<first 8 chars of the method-specific
// ID>" (e.g. "did:plc:4qsyxmnsblo4luuycm3572bq" becomes "plc/4qsyxmns");
// unauthenticated sessions get a fixed guest token.
func CloakedHost(did string) string {
	if did == "" {
		return guestCloak
	}
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[0] != "did" {
		return guestCloak
	}
	method, id := parts[1], parts[2]
	if len(id) > 8 {
		id = id[:8]
	}
	if method == "" || id == "" {
		return guestCloak
	}
	return method + "/" + id
}

// WellFormedDID reports whether did parses as a syntactically valid DID
// (method + method-specific ID), without resolving it. Used to gate
// adoption of a peer-claimed founder/op DID before any network lookup.
func WellFormedDID(did string) bool {
	if did == "" {
		return false
	}
	_, err := syntax.ParseDID(did)
	return err == nil
}
