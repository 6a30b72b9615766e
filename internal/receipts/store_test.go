package receipts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/govbook/internal/reservation"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

var req = reservation.Request{
	DepartmentID:    "dep-1",
	ServiceID:       "svc-1",
	AppointmentDate: "2025-01-10",
	AppointmentTime: "10:00 AM",
}

func TestFromOutcome(t *testing.T) {
	confirmed := FromOutcome("sess-1", "Passport Renewals", req, reservation.Outcome{
		Kind:             reservation.OutcomeConfirmed,
		AppointmentDate:  "2025-01-10",
		AppointmentTime:  "10:15 AM",
		ContactReference: "0763951245",
	})
	assert.Equal(t, "10:00 AM", confirmed.RequestedTime)
	assert.Equal(t, "10:15 AM", confirmed.AppointmentTime)
	assert.False(t, confirmed.NeedsReconciliation())

	lost := FromOutcome("sess-1", "", req, reservation.Outcome{
		Kind: reservation.OutcomeTransportFailure,
		Err:  reservation.ErrDisconnected,
	})
	assert.True(t, lost.NeedsReconciliation())
	assert.Equal(t, reservation.ErrDisconnected.Error(), lost.Reason)
}

func TestRedisStore_AppendList(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, "")

	list, err := store.List(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	for i := 0; i < 3; i++ {
		r := FromOutcome("sess", "", req, reservation.Outcome{Kind: reservation.OutcomeConfirmed, AppointmentID: fmt.Sprintf("appt-%d", i)})
		require.NoError(t, store.Append(ctx, "user-1", r))
	}
	assert.True(t, mr.Exists("govbook:receipts:user-1"))
	assert.Greater(t, mr.TTL("govbook:receipts:user-1"), time.Duration(0))

	list, err = store.List(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "appt-2", list[0].AppointmentID, "newest first")
	assert.Equal(t, "appt-1", list[1].AppointmentID)
	assert.NotEmpty(t, list[0].ID)
	assert.False(t, list[0].RecordedAt.IsZero())

	other, err := store.List(ctx, "user-2", 0)
	require.NoError(t, err)
	assert.Empty(t, other)

	assert.Error(t, store.Append(ctx, " ", Receipt{}))
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client, "k")
	mr.Close()

	err = store.Append(context.Background(), "user-1", Receipt{})
	require.Error(t, err)
	_, err = store.List(context.Background(), "user-1", 0)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, redis.Nil))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < maxReceipts+5; i++ {
		require.NoError(t, store.Append(ctx, "user-1", Receipt{AppointmentID: fmt.Sprintf("appt-%d", i)}))
	}
	all, err := store.List(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, maxReceipts)
	assert.Equal(t, fmt.Sprintf("appt-%d", maxReceipts+4), all[0].AppointmentID)

	two, err := store.List(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	_, err = store.List(ctx, "", 0)
	assert.Error(t, err)
}
