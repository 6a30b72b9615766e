// Package queue tracks live slot availability for one (service, date) pair
// at a time.
package queue

import (
	"fmt"
	"strings"
	"time"
)

// Slot is a bookable time window as last reported by the server.
type Slot struct {
	Time             string `json:"time"`
	CurrentQueueSize int    `json:"currentQueueSize"`
	MaxCapacity      int    `json:"maxCapacity"`
	IsAvailable      bool   `json:"isAvailable"`
}

func (s Slot) validate() error {
	if strings.TrimSpace(s.Time) == "" {
		return fmt.Errorf("slot has empty time label")
	}
	if s.CurrentQueueSize < 0 {
		return fmt.Errorf("slot %q has negative queue size %d", s.Time, s.CurrentQueueSize)
	}
	if s.MaxCapacity <= 0 {
		return fmt.Errorf("slot %q has non-positive capacity %d", s.Time, s.MaxCapacity)
	}
	return nil
}

// Remaining is the number of places left according to the last push.
func (s Slot) Remaining() int {
	if s.MaxCapacity <= s.CurrentQueueSize {
		return 0
	}
	return s.MaxCapacity - s.CurrentQueueSize
}

// Source says where a table's content came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceSnapshot Source = "snapshot"
)

// SlotTable is an immutable snapshot of the slots for one subscription
// generation. Updates replace the whole table.
type SlotTable struct {
	ServiceID  string
	Date       string
	Generation uint64
	Source     Source
	ReceivedAt time.Time

	slots []Slot
	index map[string]int
}

// NewSlotTable builds a table, rejecting malformed slots and duplicate labels.
func NewSlotTable(serviceID, date string, generation uint64, source Source, slots []Slot) (*SlotTable, error) {
	t := &SlotTable{
		ServiceID:  serviceID,
		Date:       date,
		Generation: generation,
		Source:     source,
		ReceivedAt: time.Now().UTC(),
		slots:      make([]Slot, 0, len(slots)),
		index:      make(map[string]int, len(slots)),
	}
	for _, s := range slots {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.index[s.Time]; dup {
			return nil, fmt.Errorf("duplicate slot %q", s.Time)
		}
		t.index[s.Time] = len(t.slots)
		t.slots = append(t.slots, s)
	}
	return t, nil
}

// Get looks a slot up by its time label.
func (t *SlotTable) Get(label string) (Slot, bool) {
	if t == nil {
		return Slot{}, false
	}
	i, ok := t.index[label]
	if !ok {
		return Slot{}, false
	}
	return t.slots[i], true
}

// Slots returns the slots in server order.
func (t *SlotTable) Slots() []Slot {
	if t == nil {
		return nil
	}
	out := make([]Slot, len(t.slots))
	copy(out, t.slots)
	return out
}

// Available returns the slots the server marked available, in server order.
func (t *SlotTable) Available() []Slot {
	if t == nil {
		return nil
	}
	var out []Slot
	for _, s := range t.slots {
		if s.IsAvailable {
			out = append(out, s)
		}
	}
	return out
}

func (t *SlotTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.slots)
}
