package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wolfman30/govbook/internal/observability/metrics"
	"github.com/wolfman30/govbook/internal/realtime"
	"github.com/wolfman30/govbook/pkg/logging"
)

// Transport is the slice of realtime.Channel a subscription uses.
type Transport interface {
	Connected() bool
	Emit(ctx context.Context, event string, payload any) error
	On(event string, fn realtime.Handler) *realtime.Listener
}

// Update is the queue_update payload. Each update carries the full slot set.
type Update struct {
	ServiceID string `json:"serviceId"`
	Date      string `json:"date,omitempty"`
	Slots     []Slot `json:"slots"`
}

// Listener receives every table that becomes live.
type Listener func(table *SlotTable)

// Handle unregisters a Listener. Dispose is idempotent.
type Handle struct {
	once    sync.Once
	dispose func()
}

func (h *Handle) Dispose() {
	if h == nil {
		return
	}
	h.once.Do(h.dispose)
}

// Subscription follows one service queue. A newer Subscribe always wins:
// pushes for any other service, or for a generation that has been
// superseded, never reach the table.
type Subscription struct {
	transport Transport
	logger    *logging.Logger
	metrics   *metrics.BookingMetrics
	push      *realtime.Listener

	mu         sync.Mutex
	generation uint64
	serviceID  string
	date       string
	table      *SlotTable
	live       bool
	nextID     uint64
	listeners  map[uint64]Listener
	closed     bool
}

// NewSubscription wires a subscription to the transport's queue_update
// stream. Call Close to detach it.
func NewSubscription(t Transport, logger *logging.Logger, m *metrics.BookingMetrics) *Subscription {
	if t == nil {
		panic("queue: transport required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Subscription{
		transport: t,
		logger:    logger,
		metrics:   m,
		listeners: make(map[uint64]Listener),
	}
	s.push = t.On(realtime.EventQueueUpdate, s.handleUpdate)
	return s
}

// Subscribe joins serviceID's queue for date, discarding whatever table was
// live before. It returns the generation stamped on tables for this
// subscription.
func (s *Subscription) Subscribe(ctx context.Context, serviceID, date string) (uint64, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return 0, errors.New("queue: service id required")
	}
	if !s.transport.Connected() {
		return 0, realtime.ErrNotConnected
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.New("queue: subscription closed")
	}
	previous := s.serviceID
	s.generation++
	gen := s.generation
	s.serviceID = serviceID
	s.date = date
	s.table = nil
	s.live = false
	s.mu.Unlock()

	if previous != "" && previous != serviceID {
		if err := s.transport.Emit(ctx, realtime.EventLeaveServiceQueue, previous); err != nil {
			s.logger.Warn("queue: leave previous queue failed", "service_id", previous, "error", err)
		}
	}
	if err := s.transport.Emit(ctx, realtime.EventJoinServiceQueue, serviceID); err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.serviceID = ""
			s.date = ""
		}
		s.mu.Unlock()
		return 0, fmt.Errorf("queue: join %s: %w", serviceID, err)
	}
	s.logger.Info("queue: subscribed", "service_id", serviceID, "date", date, "generation", gen)
	return gen, nil
}

// Unsubscribe leaves the current queue. Listening stops before the leave
// frame is written. Safe when not subscribed.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	previous := s.serviceID
	if previous == "" {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	s.serviceID = ""
	s.date = ""
	s.table = nil
	s.live = false
	s.mu.Unlock()

	if !s.transport.Connected() {
		return nil
	}
	if err := s.transport.Emit(ctx, realtime.EventLeaveServiceQueue, previous); err != nil {
		return fmt.Errorf("queue: leave %s: %w", previous, err)
	}
	s.logger.Info("queue: unsubscribed", "service_id", previous)
	return nil
}

// Close unsubscribes best-effort and detaches from the transport.
func (s *Subscription) Close(ctx context.Context) {
	if err := s.Unsubscribe(ctx); err != nil {
		s.logger.Warn("queue: unsubscribe on close failed", "error", err)
	}
	s.push.Dispose()
	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[uint64]Listener)
	s.mu.Unlock()
}

// OnSlotUpdate registers fn for tables that become live.
func (s *Subscription) OnSlotUpdate(fn Listener) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return &Handle{dispose: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}}
}

// Seed installs a REST snapshot for generation gen. It is ignored once a
// live push has arrived or when gen is no longer current.
func (s *Subscription) Seed(gen uint64, slots []Slot) bool {
	s.mu.Lock()
	if gen != s.generation || s.serviceID == "" || s.live {
		s.mu.Unlock()
		s.metrics.ObserveQueueUpdate("seed_ignored")
		return false
	}
	table, err := NewSlotTable(s.serviceID, s.date, gen, SourceSnapshot, slots)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("queue: rejecting malformed snapshot", "error", err)
		s.metrics.ObserveQueueUpdate("malformed")
		return false
	}
	s.table = table
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.metrics.ObserveQueueUpdate("seeded")
	s.notify(table, listeners)
	return true
}

// Table returns the live table, or nil before the first update.
func (s *Subscription) Table() *SlotTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Generation returns the current subscription stamp.
func (s *Subscription) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Current returns the subscribed service and date, empty when idle.
func (s *Subscription) Current() (serviceID, date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceID, s.date
}

func (s *Subscription) handleUpdate(data json.RawMessage) {
	var upd Update
	if err := json.Unmarshal(data, &upd); err != nil {
		s.logger.Warn("queue: undecodable queue_update", "error", err)
		s.metrics.ObserveQueueUpdate("malformed")
		return
	}

	s.mu.Lock()
	if s.serviceID == "" || upd.ServiceID != s.serviceID || (upd.Date != "" && s.date != "" && upd.Date != s.date) {
		current := s.serviceID
		s.mu.Unlock()
		s.logger.Debug("queue: dropping stale update", "update_service_id", upd.ServiceID, "current_service_id", current)
		s.metrics.ObserveQueueUpdate("stale")
		return
	}
	table, err := NewSlotTable(s.serviceID, s.date, s.generation, SourceLive, upd.Slots)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("queue: rejecting malformed update", "service_id", upd.ServiceID, "error", err)
		s.metrics.ObserveQueueUpdate("malformed")
		return
	}
	s.table = table
	s.live = true
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.metrics.ObserveQueueUpdate("applied")
	s.notify(table, listeners)
}

func (s *Subscription) listenersLocked() []Listener {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Subscription) notify(table *SlotTable, listeners []Listener) {
	for _, fn := range listeners {
		if s.Generation() != table.Generation {
			return
		}
		fn(table)
	}
}
