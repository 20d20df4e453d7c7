package calls

import (
	"sync"
	"time"
)

// RecentIDs remembers webhook event ids for a while so redeliveries can be
// dropped. The zero value is not usable; call NewRecentIDs.
type RecentIDs struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time

	lastSweep time.Time
}

func NewRecentIDs(ttl time.Duration) *RecentIDs {
	return &RecentIDs{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Seen records id and reports whether it was already recorded within the
// TTL. Empty ids are never considered duplicates.
func (r *RecentIDs) Seen(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) > r.ttl {
		for k, at := range r.seen {
			if now.Sub(at) >= r.ttl {
				delete(r.seen, k)
			}
		}
		r.lastSweep = now
	}

	if at, ok := r.seen[id]; ok && now.Sub(at) < r.ttl {
		return true
	}
	r.seen[id] = now
	return false
}

// Forget drops id so its next delivery is handled again.
func (r *RecentIDs) Forget(id string) {
	r.mu.Lock()
	delete(r.seen, id)
	r.mu.Unlock()
}
