package credential

import (
	"sync"
	"time"

	"github.com/AerNos/firefrp-server/internal/store"
)

// RejectSet is the fast-path denial list consulted on every frps Ping. A key
// lands here the moment it enters a terminal state, so stale clients are cut
// off without touching the store. Entries are timestamped so a periodic prune
// can bound memory; keys whose terminal transition is older than the rebuild
// horizon fall out of the set and are caught by the slow path instead.
//
// RejectSet is safe for concurrent use.
type RejectSet struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key → time of the terminal transition
}

// NewRejectSet returns an empty set.
func NewRejectSet() *RejectSet {
	return &RejectSet{entries: make(map[string]time.Time)}
}

// Add inserts key with the current time.
func (r *RejectSet) Add(key string) {
	r.addAt(key, time.Now())
}

func (r *RejectSet) addAt(key string, at time.Time) {
	r.mu.Lock()
	r.entries[key] = at
	r.mu.Unlock()
}

// Contains reports membership.
func (r *RejectSet) Contains(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of entries.
func (r *RejectSet) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RebuildFromStore repopulates the set from the persisted keys: every
// terminal record whose last transition happened within horizon is re-added.
// Called once at startup, before the plugin endpoint can see traffic.
func (r *RejectSet) RebuildFromStore(st *store.Store, horizon time.Duration, now time.Time) int {
	cutoff := now.Add(-horizon)
	n := 0
	for _, k := range st.AllKeys() {
		if k.Status.Terminal() && k.UpdatedAt.After(cutoff) {
			r.addAt(k.Key, k.UpdatedAt)
			n++
		}
	}
	return n
}

// Prune drops entries whose terminal transition is older than horizon and
// returns how many were removed.
func (r *RejectSet) Prune(horizon time.Duration, now time.Time) int {
	cutoff := now.Add(-horizon)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, at := range r.entries {
		if at.Before(cutoff) {
			delete(r.entries, k)
			n++
		}
	}
	return n
}
