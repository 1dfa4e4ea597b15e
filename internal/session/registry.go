package session

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Registry maps session ids to their records.
type Registry struct {
	sessions map[uint32]*Session
	closed   bool
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint32]*Session),
	}
}

// Create registers a new session bound to addr.
func (r *Registry) Create(id uint32, addr net.Addr, username string, now time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.sessions[id]; exists {
		return nil, ErrSessionExists
	}

	s := newSession(id, addr, username, now)
	r.sessions[id] = s
	return s, nil
}

// Get retrieves a registered session.
func (r *Registry) Get(id uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	return s, exists
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by id. Sessions may be
// added or removed as soon as it returns.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// Expired returns the sessions that are idle at now.
func (r *Registry) Expired(now time.Time, threshold time.Duration) []*Session {
	expired := make([]*Session, 0)
	for _, s := range r.Snapshot() {
		if s.Idle(now, threshold) {
			expired = append(expired, s)
		}
	}
	return expired
}

// Teardown closes session id exactly once. It holds the registry lock while
// marking the session closing, running fn and removing the record, so
// concurrent callers for the same id see false and do nothing.
func (r *Registry) Teardown(id uint32, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		return false
	}
	if !s.closing.CompareAndSwap(false, true) {
		return false
	}

	if fn != nil {
		fn(s)
	}
	delete(r.sessions, id)
	return true
}

// Drain tears down every session, running fn for each under the lock, and
// closes the registry so later Create calls fail with ErrRegistryClosed.
func (r *Registry) Drain(fn func(*Session)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	ids := make([]uint32, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	drained := 0
	for _, id := range ids {
		s := r.sessions[id]
		delete(r.sessions, id)
		if !s.closing.CompareAndSwap(false, true) {
			continue
		}
		if fn != nil {
			fn(s)
		}
		drained++
	}
	return drained
}
