package fileservice

import "sync"

// SessionRefs counts the open sessions per connection so a backend can keep
// shared per-connection state until the last session goes away.
type SessionRefs struct {
	mu sync.Mutex
	n  map[string]int
}

// Acquire records one more session on connectionID.
func (r *SessionRefs) Acquire(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == nil {
		r.n = make(map[string]int)
	}
	r.n[connectionID]++
}

// Release drops one session and reports whether it was the last. Releasing
// a connection that was never acquired also reports true.
func (r *SessionRefs) Release(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n[connectionID] > 1 {
		r.n[connectionID]--
		return false
	}
	delete(r.n, connectionID)
	return true
}

// Count returns the open sessions on connectionID.
func (r *SessionRefs) Count(connectionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n[connectionID]
}
