package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/govbook/internal/queue"
	"github.com/wolfman30/govbook/internal/realtime"
	"github.com/wolfman30/govbook/internal/realtime/realtimetest"
	"github.com/wolfman30/govbook/pkg/logging"
)

type fixture struct {
	srv *realtimetest.Server
	ch  *realtime.Channel
	sub *queue.Subscription
}

func newFixture(t *testing.T, open bool) *fixture {
	t.Helper()
	srv := realtimetest.NewServer()
	ch := realtime.NewChannel(realtime.Options{Dialer: srv.Dialer(), Logger: logging.Discard()})
	t.Cleanup(ch.Close)
	if open {
		require.NoError(t, ch.Open(context.Background(), "tok"))
	}
	sub := queue.NewSubscription(ch, logging.Discard(), nil)
	return &fixture{srv: srv, ch: ch, sub: sub}
}

func slot(label string, size, capacity int, available bool) queue.Slot {
	return queue.Slot{Time: label, CurrentQueueSize: size, MaxCapacity: capacity, IsAvailable: available}
}

func decodeString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func TestSubscribe_RequiresOpenChannel(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.sub.Subscribe(context.Background(), "svc-1", "2025-01-10")
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.Empty(t, f.srv.Sent())
}

func TestSubscribe_EmitsJoin(t *testing.T) {
	f := newFixture(t, true)
	gen, err := f.sub.Subscribe(context.Background(), "svc-1", "2025-01-10")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	joins := f.srv.SentEvents(realtime.EventJoinServiceQueue)
	require.Len(t, joins, 1)
	assert.Equal(t, "svc-1", decodeString(t, joins[0].Data))

	service, date := f.sub.Current()
	assert.Equal(t, "svc-1", service)
	assert.Equal(t, "2025-01-10", date)
	assert.Nil(t, f.sub.Table())
}

func TestQueueUpdate_RoundTripReplacesTable(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.sub.Subscribe(context.Background(), "svc-1", "2025-01-10")
	require.NoError(t, err)

	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{
		ServiceID: "svc-1",
		Slots:     []queue.Slot{slot("9:00 AM", 1, 5, true), slot("9:30 AM", 5, 5, false)},
	}))
	require.Equal(t, 2, f.sub.Table().Len())

	want := []queue.Slot{slot("10:00 AM", 3, 5, true)}
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: want}))

	table := f.sub.Table()
	require.NotNil(t, table)
	assert.Equal(t, want, table.Slots())
	assert.Equal(t, queue.SourceLive, table.Source)
	_, stillThere := table.Get("9:00 AM")
	assert.False(t, stillThere, "previous content must be replaced, not merged")
}

func TestQueueUpdate_LastSubscribeWins(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	f.sub.OnSlotUpdate(func(table *queue.SlotTable) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, table.ServiceID)
	})

	_, err := f.sub.Subscribe(ctx, "A", "2025-01-10")
	require.NoError(t, err)
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "A", Slots: []queue.Slot{slot("8:00 AM", 0, 3, true)}}))

	genB, err := f.sub.Subscribe(ctx, "B", "2025-01-10")
	require.NoError(t, err)
	assert.Nil(t, f.sub.Table(), "switching service must invalidate the previous table")

	// Late event for A after subscribe(B).
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "A", Slots: []queue.Slot{slot("8:30 AM", 0, 3, true)}}))
	assert.Nil(t, f.sub.Table())

	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "B", Slots: []queue.Slot{slot("1:00 PM", 2, 4, true)}}))
	table := f.sub.Table()
	require.NotNil(t, table)
	assert.Equal(t, "B", table.ServiceID)
	assert.Equal(t, genB, table.Generation)

	leaves := f.srv.SentEvents(realtime.EventLeaveServiceQueue)
	require.Len(t, leaves, 1)
	assert.Equal(t, "A", decodeString(t, leaves[0].Data))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, seen)
}

func TestQueueUpdate_DateMismatchDropped(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.sub.Subscribe(context.Background(), "svc-1", "2025-01-10")
	require.NoError(t, err)

	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Date: "2025-01-11", Slots: []queue.Slot{slot("9:00 AM", 0, 2, true)}}))
	assert.Nil(t, f.sub.Table())

	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Date: "2025-01-10", Slots: []queue.Slot{slot("9:00 AM", 0, 2, true)}}))
	assert.Equal(t, 1, f.sub.Table().Len())
}

func TestQueueUpdate_MalformedKeepsPreviousTable(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.sub.Subscribe(context.Background(), "svc-1", "")
	require.NoError(t, err)
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:00 AM", 0, 2, true)}}))

	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:00 AM", -1, 2, true)}}))
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:00 AM", 0, 0, true)}}))
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:00 AM", 0, 2, true), slot("9:00 AM", 1, 2, true)}}))
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, "garbage"))

	table := f.sub.Table()
	require.NotNil(t, table)
	got, ok := table.Get("9:00 AM")
	require.True(t, ok)
	assert.Equal(t, 0, got.CurrentQueueSize)
}

func TestUnsubscribe_StopsListeningImmediately(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.sub.Unsubscribe(ctx), "unsubscribe while idle is a no-op")

	_, err := f.sub.Subscribe(ctx, "svc-1", "")
	require.NoError(t, err)
	require.NoError(t, f.sub.Unsubscribe(ctx))

	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:00 AM", 0, 2, true)}}))
	assert.Nil(t, f.sub.Table())
	assert.Len(t, f.srv.SentEvents(realtime.EventLeaveServiceQueue), 1)
}

func TestSeed_LivePushSupersedesSnapshot(t *testing.T) {
	f := newFixture(t, true)
	gen, err := f.sub.Subscribe(context.Background(), "svc-1", "2025-01-10")
	require.NoError(t, err)

	assert.False(t, f.sub.Seed(gen+1, []queue.Slot{slot("9:00 AM", 0, 2, true)}), "seed for a stale generation must be ignored")
	require.True(t, f.sub.Seed(gen, []queue.Slot{slot("9:00 AM", 0, 2, true)}))
	assert.Equal(t, queue.SourceSnapshot, f.sub.Table().Source)

	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:00 AM", 2, 2, false)}}))
	assert.Equal(t, queue.SourceLive, f.sub.Table().Source)

	// A REST response that lands after the first push must not win.
	assert.False(t, f.sub.Seed(gen, []queue.Slot{slot("9:00 AM", 0, 2, true)}))
	got, _ := f.sub.Table().Get("9:00 AM")
	assert.False(t, got.IsAvailable)
}

func TestOnSlotUpdate_HandleDispose(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.sub.Subscribe(context.Background(), "svc-1", "")
	require.NoError(t, err)

	calls := 0
	h := f.sub.OnSlotUpdate(func(*queue.SlotTable) { calls++ })
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:00 AM", 0, 2, true)}}))
	h.Dispose()
	h.Dispose()
	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:30 AM", 0, 2, true)}}))
	assert.Equal(t, 1, calls)
}

func TestClose_DetachesFromTransport(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.sub.Subscribe(ctx, "svc-1", "")
	require.NoError(t, err)
	f.sub.Close(ctx)

	require.NoError(t, f.srv.Push(realtime.EventQueueUpdate, queue.Update{ServiceID: "svc-1", Slots: []queue.Slot{slot("9:00 AM", 0, 2, true)}}))
	assert.Nil(t, f.sub.Table())
	_, err = f.sub.Subscribe(ctx, "svc-2", "")
	assert.Error(t, err)
}
