// Package registry implements the agent registry (spec §3, §5): the
// map from AgentID to the one live control session for that agent.
// Invariant: at most one live session per AgentID; a new authenticated
// handshake supersedes and tears down the old one.
package registry

import (
	"sync"

	"github.com/qiudaomao/node-frp/internal/ids"
)

// Session is the subset of control.Session the registry needs, kept
// small and interface-shaped so this package doesn't import control
// and create a cycle.
type Session interface {
	AgentID() ids.AgentID
	Close()
}

// Registry maps AgentID to its single live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[ids.AgentID]Session
}

func New() *Registry {
	return &Registry{sessions: make(map[ids.AgentID]Session)}
}

// Put installs sess as the live session for its AgentID. If a
// different session is already registered for that agent, it is closed
// — a fresh authenticated handshake supersedes the stale one (spec §3).
// Returns the superseded session, if any, so the caller can log it.
func (r *Registry) Put(sess Session) (superseded Session) {
	r.mu.Lock()
	old, had := r.sessions[sess.AgentID()]
	r.sessions[sess.AgentID()] = sess
	r.mu.Unlock()

	if had && old != sess {
		old.Close()
		return old
	}
	return nil
}

// Remove deletes agentID's entry only if it still points at sess —
// guards against a late teardown of a session that has already been
// superseded removing the new, live one.
func (r *Registry) Remove(agentID ids.AgentID, sess Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[agentID]; ok && cur == sess {
		delete(r.sessions, agentID)
	}
}

// Get returns the live session for agentID, if any.
func (r *Registry) Get(agentID ids.AgentID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s, ok
}

// Len reports the number of connected agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each iterates a snapshot of live sessions, safe to call while other
// goroutines mutate the registry.
func (r *Registry) Each(fn func(ids.AgentID, Session)) {
	r.mu.RLock()
	snapshot := make(map[ids.AgentID]Session, len(r.sessions))
	for k, v := range r.sessions {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		fn(k, v)
	}
}
