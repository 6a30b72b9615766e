package session

import (
	"github.com/wolfman30/govbook/internal/queue"
	"github.com/wolfman30/govbook/internal/reservation"
)

// Snapshot is a point-in-time view of a session for status endpoints and
// CLI output.
type Snapshot struct {
	ID         string               `json:"id"`
	State      State                `json:"state"`
	Service    ServiceRef           `json:"service"`
	Date       string               `json:"date,omitempty"`
	Slot       string               `json:"slot,omitempty"`
	Generation uint64               `json:"generation"`
	Source     queue.Source         `json:"source,omitempty"`
	Slots      []queue.Slot         `json:"slots,omitempty"`
	Connected  bool                 `json:"connected"`
	Outcome    *reservation.Outcome `json:"outcome,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:         s.id,
		State:      s.state,
		Service:    s.service,
		Date:       s.date,
		Slot:       s.slot,
		Generation: s.generation,
		Connected:  s.channel.Connected(),
	}
	if table := s.subscription.Table(); table != nil && table.Generation == s.generation {
		snap.Source = table.Source
		snap.Slots = table.Slots()
	}
	if s.outcome != nil {
		o := *s.outcome
		snap.Outcome = &o
	}
	return snap
}
