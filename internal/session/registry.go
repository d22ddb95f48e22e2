package session

import (
	"sort"
	"sync"

	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/sim/graph"
)

// Registry tracks live sessions by ID.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Session{}}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.byID[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// List returns the live sessions ordered by ID.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Broadcast sends to every connected session with conn attached, except the
// session named by except. It returns the number of sessions reached.
func (r *Registry) Broadcast(conn protocol.ConnType, kind protocol.Kind, payload any, except string) int {
	n := 0
	for _, s := range r.List() {
		if s.ID() == except || !s.Attached(conn) {
			continue
		}
		if s.Send(conn, kind, payload) == nil {
			n++
		}
	}
	return n
}

// Interested sends to every session that currently has cell loaded, except
// the session named by except.
func (r *Registry) Interested(cell graph.CellID, conn protocol.ConnType, kind protocol.Kind, payload any, except string) int {
	n := 0
	for _, s := range r.List() {
		if s.ID() == except || !s.Cache().Has(cell) {
			continue
		}
		if s.Send(conn, kind, payload) == nil {
			n++
		}
	}
	return n
}
