package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps operator IDs to MCP session IDs and tracks which
// operators watch which rate locks.
// Populated automatically when operators call a tool that names them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string              // operator → sessionID
	watchers map[string]map[string]struct{} // loan lock ID → operators
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		watchers: make(map[string]map[string]struct{}),
	}
}

// Register associates an operator with a session ID.
// If the operator already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(operator, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[operator] = sessionID
}

// SessionFor returns the session ID for the given operator, if connected.
func (r *SessionRegistry) SessionFor(operator string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[operator]
	return sid, ok
}

// Remove deletes all operator mappings for the given session ID.
// Called when a session disconnects. Watches survive so a reconnecting
// operator keeps receiving pushes.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, op)
		}
	}
}

// Watch subscribes operator to transitions of lockID.
func (r *SessionRegistry) Watch(lockID, operator string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[lockID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[lockID] = set
	}
	set[operator] = struct{}{}
}

// Unwatch removes operator's subscription to lockID.
func (r *SessionRegistry) Unwatch(lockID, operator string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers[lockID], operator)
	if len(r.watchers[lockID]) == 0 {
		delete(r.watchers, lockID)
	}
}

// WatchersOf returns the operators watching lockID, sorted.
func (r *SessionRegistry) WatchersOf(lockID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.watchers[lockID]))
	for op := range r.watchers[lockID] {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
