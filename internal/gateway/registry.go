package gateway

import (
	"slices"
	"sync"

	"github.com/danmuck/fieldgate/internal/protocol"
)

// Registry maps agent identity to the newest Registered Conn. Every
// mutation happens under one lock so at most one Registered Conn per
// identity is ever observable.
type Registry struct {
	mu    sync.RWMutex
	conns map[protocol.AgentID]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[protocol.AgentID]*Conn)}
}

// Register installs c as the entry for its agent identity and moves it to
// Registered. A previous different entry is terminated with ErrReplaced.
// It reports whether a replacement occurred. A Conn that is no longer
// awaiting registration is not installed.
func (r *Registry) Register(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.conns[c.agentID]
	if ok && prev == c {
		return false
	}
	if !c.markRegistered() {
		return false
	}
	r.conns[c.agentID] = c
	if ok {
		prev.Terminate(ErrReplaced)
		return true
	}
	return false
}

// Unregister removes the entry only while it still points at c. It reports
// whether c had already been displaced.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[c.agentID]
	if ok && cur == c {
		delete(r.conns, c.agentID)
		return false
	}
	return true
}

// Lookup returns the Registered Conn for id. An entry that has begun
// terminating is not returned.
func (r *Registry) Lookup(id protocol.AgentID) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok || c.State() != StateRegistered {
		return nil, false
	}
	return c, true
}

// Len counts Registered entries. Entries terminating but not yet
// unregistered are left out, as in Lookup.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if c.State() == StateRegistered {
			n++
		}
	}
	return n
}

// Snapshot lists Registered entries ordered by agent identity.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		info := c.Info()
		if info.State != StateRegistered {
			continue
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b ConnInfo) int {
		switch {
		case a.AgentID < b.AgentID:
			return -1
		case a.AgentID > b.AgentID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// TerminateAll terminates every entry with cause.
func (r *Registry) TerminateAll(cause error) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Terminate(cause)
	}
}
