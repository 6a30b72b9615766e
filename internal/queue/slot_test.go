package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlotTable(t *testing.T) {
	table, err := NewSlotTable("svc-1", "2025-01-10", 3, SourceLive, []Slot{
		{Time: "10:00 AM", CurrentQueueSize: 3, MaxCapacity: 5, IsAvailable: true},
		{Time: "10:30 AM", CurrentQueueSize: 5, MaxCapacity: 5, IsAvailable: false},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, uint64(3), table.Generation)

	s, ok := table.Get("10:00 AM")
	require.True(t, ok)
	assert.Equal(t, 2, s.Remaining())

	avail := table.Available()
	require.Len(t, avail, 1)
	assert.Equal(t, "10:00 AM", avail[0].Time)

	// Slots returns a copy.
	slots := table.Slots()
	slots[0].IsAvailable = false
	again, _ := table.Get("10:00 AM")
	assert.True(t, again.IsAvailable)
}

func TestNewSlotTable_Rejects(t *testing.T) {
	cases := map[string][]Slot{
		"empty label":     {{Time: " ", MaxCapacity: 1}},
		"negative queue":  {{Time: "8:00 AM", CurrentQueueSize: -1, MaxCapacity: 1}},
		"zero capacity":   {{Time: "8:00 AM", MaxCapacity: 0}},
		"duplicate label": {{Time: "8:00 AM", MaxCapacity: 1}, {Time: "8:00 AM", MaxCapacity: 2}},
	}
	for name, slots := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewSlotTable("svc", "", 1, SourceLive, slots)
			assert.Error(t, err)
		})
	}
}

func TestAvailabilityIsServerAuthoritative(t *testing.T) {
	// Server says unavailable even though capacity remains; keep its word.
	table, err := NewSlotTable("svc", "", 1, SourceLive, []Slot{{Time: "8:00 AM", CurrentQueueSize: 1, MaxCapacity: 5, IsAvailable: false}})
	require.NoError(t, err)
	assert.Empty(t, table.Available())
}

func TestNilTable(t *testing.T) {
	var table *SlotTable
	_, ok := table.Get("8:00 AM")
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
	assert.Nil(t, table.Slots())
	assert.Nil(t, table.Available())
}
