// Package dedup implements the per-origin sliding window of recently seen
// S2S event IDs used to reject replayed federation events.
package dedup

import (
	"sync"
	"time"

	"github.com/freeqd/freeqd/internal/ttlcache"
)

// Window is a thread-safe, bounded-memory record of recently seen
// (origin, event_id) pairs. Origin here is always the transport-authenticated
// peer ID, never a payload-declared identity — callers must key with that
// value.
type Window struct {
	cache *ttlcache.Cache[struct{}]

	mu       sync.Mutex
	byOrigin map[string]map[string]bool // origin -> set of event IDs, for Forget
}

// New creates a Window retaining entries for ttl and bounded at maxSize
// pairs. When full, the entry closest to expiry is evicted to make room.
func New(ttl time.Duration, maxSize int) *Window {
	return &Window{
		cache:    ttlcache.New[struct{}](ttl, maxSize),
		byOrigin: make(map[string]map[string]bool),
	}
}

func key(origin, eventID string) string {
	return origin + "\x00" + eventID
}

// Seen reports whether (origin, eventID) has already been marked and not
// yet expired.
func (w *Window) Seen(origin, eventID string) bool {
	_, ok := w.cache.Get(key(origin, eventID))
	return ok
}

// MarkSeen records (origin, eventID) as processed.
func (w *Window) MarkSeen(origin, eventID string) {
	w.cache.Set(key(origin, eventID), struct{}{})

	w.mu.Lock()
	ids, ok := w.byOrigin[origin]
	if !ok {
		ids = make(map[string]bool)
		w.byOrigin[origin] = ids
	}
	ids[eventID] = true
	w.mu.Unlock()
}

// CheckAndMark is the common case: reports whether the pair was already
// seen, and if not, marks it seen. Note: unlike a single atomic compare-
// and-set, a narrow race between two callers racing on the very same new
// (origin, event_id) is possible; S2S events are processed one-per-peer
// in arrival order so this never occurs for a single peer's own stream.
func (w *Window) CheckAndMark(origin, eventID string) (alreadySeen bool) {
	if w.Seen(origin, eventID) {
		return true
	}
	w.MarkSeen(origin, eventID)
	return false
}

// Forget drops all recorded pairs for a given origin. The S2S processor
// does not call it when a peer disconnects; that peer's pairs stay until
// they expire or are evicted.
func (w *Window) Forget(origin string) {
	w.mu.Lock()
	ids := w.byOrigin[origin]
	delete(w.byOrigin, origin)
	w.mu.Unlock()

	for id := range ids {
		w.cache.Invalidate(key(origin, id))
	}
}

// Len returns the number of recorded pairs (including possibly expired ones).
func (w *Window) Len() int {
	return w.cache.Len()
}
