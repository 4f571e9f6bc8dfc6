package auth

import "sync"

// SessionRegistry maps each authenticated MUD name to the single live
// connection owning it.
type SessionRegistry struct {
	sync.RWMutex

	policy DuplicatePolicy
	byMud  map[string]string
}

// NewSessionRegistry builds an empty registry with the given duplicate
// policy.
func NewSessionRegistry(policy DuplicatePolicy) *SessionRegistry {
	return &SessionRegistry{
		policy: policy,
		byMud:  make(map[string]string),
	}
}

// Bind claims the MUD name for a connection. When the name is already
// bound, the configured policy decides: displace returns the old owner's
// connection id so the caller can close it; refuse returns
// ErrDuplicateSession and leaves the binding alone.
func (r *SessionRegistry) Bind(mud, connID string) (displaced string, err error) {
	r.Lock()
	defer r.Unlock()

	current, bound := r.byMud[mud]
	if bound && current != connID {
		if r.policy == RefuseNew {
			return "", ErrDuplicateSession
		}
		displaced = current
	}

	r.byMud[mud] = connID
	return displaced, nil
}

// Release drops the binding if the connection still owns it. A stale
// release from a displaced connection is a no-op. Idempotent.
func (r *SessionRegistry) Release(mud, connID string) bool {
	r.Lock()
	defer r.Unlock()

	if r.byMud[mud] != connID {
		return false
	}
	delete(r.byMud, mud)
	return true
}

// Owner returns the connection id bound to the MUD.
func (r *SessionRegistry) Owner(mud string) (string, bool) {
	r.RLock()
	defer r.RUnlock()

	id, ok := r.byMud[mud]
	return id, ok
}

// Muds lists every bound MUD name.
func (r *SessionRegistry) Muds() []string {
	r.RLock()
	defer r.RUnlock()

	muds := make([]string, 0, len(r.byMud))
	for mud := range r.byMud {
		muds = append(muds, mud)
	}
	return muds
}

// Len reports how many MUDs are bound.
func (r *SessionRegistry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.byMud)
}
