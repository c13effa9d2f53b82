package server

import (
	"net"
	"sort"
	"sync"
)

// Registry is the authoritative directory of live sessions, keyed by
// username. All access goes through a single mutex that is never held across
// network I/O.
type Registry struct {
	mu       sync.Mutex
	capacity int
	opts     SessionOptions
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry admitting at most maxClients sessions.
func NewRegistry(maxClients int, opts SessionOptions) *Registry {
	return &Registry{
		capacity: maxClients,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// TryAdmit registers username for conn. Capacity is checked before
// uniqueness, so a full registry reports ErrServerFull even for a name that is
// already taken. The returned session is immediately visible to Lookup and
// Usernames.
func (r *Registry) TryAdmit(username string, conn net.Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.closed:
		return nil, &AdmitError{Reason: AdmitClosed, Username: username}
	case len(r.sessions) >= r.capacity:
		return nil, &AdmitError{Reason: AdmitFull, Username: username}
	}
	if _, exists := r.sessions[username]; exists {
		return nil, &AdmitError{Reason: AdmitNameTaken, Username: username}
	}

	sess := newSession(username, conn, r.opts)
	r.sessions[username] = sess
	return sess, nil
}

// Remove deletes sess if it is still the registered session for its
// username. It is idempotent and never evicts a newer session that reused the
// name. Reports whether an entry was removed.
func (r *Registry) Remove(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sess.Username]; ok && cur == sess {
		delete(r.sessions, sess.Username)
		return true
	}
	return false
}

// Lookup returns the live session for username. The session may close right
// after Lookup returns; callers treat a failed send as a delivery error.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[username]
	return sess, ok
}

// Usernames returns a sorted snapshot of connected usernames.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll stops further admissions and closes every live connection. The
// sessions' own loops then observe the closed connection and unregister.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		_, _ = s.close()
	}
}
