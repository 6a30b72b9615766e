package session

import (
	"sort"
	"sync"
)

// Registry tracks live sessions for the status endpoint.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Track adds s and removes it once it is done.
func (r *Registry) Track(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	go func() {
		<-s.Done()
		r.mu.Lock()
		delete(r.sessions, s.ID())
		r.mu.Unlock()
	}()
}

// Snapshot returns the snapshot of a tracked session.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Snapshots lists every tracked session ordered by id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
