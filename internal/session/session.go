package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/govbook/internal/auth"
	"github.com/wolfman30/govbook/internal/observability/metrics"
	"github.com/wolfman30/govbook/internal/queue"
	"github.com/wolfman30/govbook/internal/realtime"
	"github.com/wolfman30/govbook/internal/reservation"
	"github.com/wolfman30/govbook/pkg/logging"
)

const teardownTimeout = 2 * time.Second

// ServiceRef identifies the service being booked.
type ServiceRef struct {
	DepartmentID string `json:"departmentId"`
	ServiceID    string `json:"serviceId"`
	ServiceName  string `json:"serviceName,omitempty"`
}

// SlotFetcher loads a slot snapshot over REST for cold start.
type SlotFetcher interface {
	GetSlots(ctx context.Context, serviceID, date string) ([]queue.Slot, error)
}

// Options configures a Session.
type Options struct {
	SocketURL         string
	Dialer            realtime.Dialer
	Tokens            auth.TokenSource
	Slots             SlotFetcher
	SubmitTimeout     time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	Logger            *logging.Logger
	Metrics           *metrics.BookingMetrics
}

// Session owns one channel, one queue subscription and one submitter.
type Session struct {
	id           string
	opts         Options
	logger       *logging.Logger
	metrics      *metrics.BookingMetrics
	channel      *realtime.Channel
	subscription *queue.Subscription
	submitter    *reservation.Submitter
	lifecycle    *realtime.Listener
	slotHandle   *queue.Handle
	done         chan struct{}
	doneOnce     sync.Once
	teardownOnce sync.Once

	mu             sync.Mutex
	state          State
	service        ServiceRef
	date           string
	generation     uint64
	slot           string
	pending        *reservation.Pending
	outcome        *reservation.Outcome
	closed         bool
	started        bool
	opening        bool
	reconnecting   bool
	nextID         uint64
	stateObservers map[uint64]func(Change)
	slotObservers  map[uint64]func(*queue.SlotTable)
}

// New creates an idle session with its own channel.
func New(opts Options) *Session {
	if opts.Tokens == nil {
		panic("session: token source required")
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	id := uuid.NewString()
	logger = logger.With("session_id", id)

	channel := realtime.NewChannel(realtime.Options{
		URL:          opts.SocketURL,
		Dialer:       opts.Dialer,
		DialTimeout:  opts.DialTimeout,
		WriteTimeout: opts.WriteTimeout,
		Logger:       logger,
		Metrics:      opts.Metrics,
	})
	s := &Session{
		id:             id,
		opts:           opts,
		logger:         logger,
		metrics:        opts.Metrics,
		channel:        channel,
		subscription:   queue.NewSubscription(channel, logger, opts.Metrics),
		submitter:      reservation.NewSubmitter(channel, opts.SubmitTimeout, logger, opts.Metrics),
		done:           make(chan struct{}),
		state:          StateIdle,
		stateObservers: make(map[uint64]func(Change)),
		slotObservers:  make(map[uint64]func(*queue.SlotTable)),
	}
	s.lifecycle = channel.OnLifecycle(s.handleLifecycle)
	s.slotHandle = s.subscription.OnSlotUpdate(s.handleSlots)
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Begin authenticates and opens the channel. An authentication failure
// closes the session; the user has to log in again. The dial runs without
// the session lock so Abandon is never blocked behind it.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle || s.opening {
		s.mu.Unlock()
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, s.state)
	}
	s.opening = true
	s.mu.Unlock()

	token, err := s.token(ctx)
	if err == nil {
		err = s.channel.Open(ctx, token)
	}

	s.mu.Lock()
	s.opening = false
	if s.closed {
		s.mu.Unlock()
		// Abandoned mid-dial; drop whatever connection the dial produced.
		s.channel.Close()
		return ErrClosed
	}
	if err != nil {
		if errors.Is(err, auth.ErrAuth) {
			s.closed = true
			s.mu.Unlock()
			s.logger.Warn("session: authentication failed", "error", err)
			s.teardown()
			s.markDone()
			return err
		}
		s.mu.Unlock()
		return fmt.Errorf("session: begin: %w", err)
	}
	s.started = true
	notify := s.setStateLocked(StateSelectingService)
	s.mu.Unlock()

	s.metrics.SessionStarted()
	notify()
	return nil
}

// SelectService subscribes to ref's queue for date (YYYY-MM-DD). Selecting
// again switches service; the previous table is discarded.
func (s *Session) SelectService(ctx context.Context, ref ServiceRef, date string) error {
	ref.DepartmentID = strings.TrimSpace(ref.DepartmentID)
	ref.ServiceID = strings.TrimSpace(ref.ServiceID)
	if ref.DepartmentID == "" || ref.ServiceID == "" {
		return errors.New("session: department and service ids required")
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return fmt.Errorf("session: date %q must be YYYY-MM-DD", date)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.state.in(StateSelectingService, StateSubscribed, StateSlotChosen) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: select service from %s", ErrInvalidTransition, state)
	}
	gen, err := s.subscription.Subscribe(ctx, ref.ServiceID, date)
	if err != nil {
		s.service = ServiceRef{}
		s.date = ""
		s.slot = ""
		notify := s.setStateLocked(StateSelectingService)
		s.mu.Unlock()
		notify()
		return err
	}
	s.service = ref
	s.date = date
	s.generation = gen
	s.slot = ""
	notify := s.setStateLocked(StateSubscribed)
	s.mu.Unlock()

	notify()
	s.seed(ctx, ref.ServiceID, date, gen)
	return nil
}

// ChooseSlot selects an available slot from the live table.
func (s *Session) ChooseSlot(label string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.state.in(StateSubscribed, StateSlotChosen) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: choose slot from %s", ErrInvalidTransition, state)
	}
	table := s.subscription.Table()
	slot, ok := table.Get(label)
	if !ok || table.Generation != s.generation {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is not offered", reservation.ErrInvalidSlot, label)
	}
	if !slot.IsAvailable {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is full", reservation.ErrInvalidSlot, label)
	}
	s.slot = label
	notify := s.setStateLocked(StateSlotChosen)
	s.mu.Unlock()
	notify()
	return nil
}

// Confirm submits the chosen slot. The returned Pending resolves to the
// session's outcome; Done closes once the session reaches it.
func (s *Session) Confirm(ctx context.Context, notes string) (*reservation.Pending, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.state == StateSubmitting {
		s.mu.Unlock()
		return nil, reservation.ErrAlreadyInFlight
	}
	if s.state != StateSlotChosen {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, state)
	}
	req := reservation.Request{
		DepartmentID:    s.service.DepartmentID,
		ServiceID:       s.service.ServiceID,
		AppointmentDate: s.date,
		AppointmentTime: s.slot,
		Notes:           strings.TrimSpace(notes),
	}
	p, err := s.submitter.Submit(ctx, req, s.subscription.Table())
	if err != nil {
		if errors.Is(err, reservation.ErrInvalidSlot) {
			s.slot = ""
			notify := s.setStateLocked(StateSubscribed)
			s.mu.Unlock()
			notify()
			return nil, err
		}
		s.mu.Unlock()
		return nil, err
	}
	s.pending = p
	notify := s.setStateLocked(StateSubmitting)
	s.mu.Unlock()

	notify()
	go s.awaitOutcome(p)
	return p, nil
}

// Abandon returns the session to Idle from any state and releases the
// channel. Observers are detached before Abandon returns. The session cannot
// be reused.
func (s *Session) Abandon() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	notify := s.setStateLocked(StateIdle)
	s.mu.Unlock()

	notify()
	s.teardown()
	s.mu.Lock()
	s.stateObservers = make(map[uint64]func(Change))
	s.slotObservers = make(map[uint64]func(*queue.SlotTable))
	s.mu.Unlock()
	s.markDone()
	s.logger.Info("session: abandoned")
}

// OnStateChange registers fn for every transition.
func (s *Session) OnStateChange(fn func(Change)) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.stateObservers[id] = fn
	return &Handle{dispose: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateObservers, id)
	}}
}

// OnSlotUpdate registers fn for slot tables of the current subscription.
func (s *Session) OnSlotUpdate(fn func(*queue.SlotTable)) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.slotObservers[id] = fn
	return &Handle{dispose: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.slotObservers, id)
	}}
}

// Done is closed when the session reaches a terminal state or is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the reservation outcome once the session is terminal.
func (s *Session) Outcome() (reservation.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return reservation.Outcome{}, false
	}
	return *s.outcome, true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Table returns the live table for the current subscription, or nil.
func (s *Session) Table() *queue.SlotTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.subscription.Table()
	if table == nil || table.Generation != s.generation {
		return nil
	}
	return table
}

func (s *Session) token(ctx context.Context) (string, error) {
	return auth.Resolve(ctx, s.opts.Tokens)
}

func (s *Session) seed(ctx context.Context, serviceID, date string, gen uint64) {
	if s.opts.Slots == nil {
		return
	}
	slots, err := s.opts.Slots.GetSlots(ctx, serviceID, date)
	if err != nil {
		s.logger.Warn("session: cold start snapshot failed", "service_id", serviceID, "date", date, "error", err)
		return
	}
	s.subscription.Seed(gen, slots)
}

// setStateLocked records the transition and returns a func that notifies
// observers; call it after releasing s.mu.
func (s *Session) setStateLocked(to State) func() {
	from := s.state
	if from == to {
		return func() {}
	}
	s.state = to
	s.metrics.ObserveTransition(string(to))
	s.logger.Debug("session: transition", "from", from, "to", to)

	ids := make([]uint64, 0, len(s.stateObservers))
	for id := range s.stateObservers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, s.stateObservers[id])
	}
	change := Change{From: from, To: to}
	return func() {
		for _, fn := range observers {
			fn(change)
		}
	}
}

func (s *Session) handleSlots(table *queue.SlotTable) {
	s.mu.Lock()
	if s.closed || table.Generation != s.generation || !s.state.in(StateSubscribed, StateSlotChosen, StateSubmitting) {
		s.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(s.slotObservers))
	for id := range s.slotObservers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(*queue.SlotTable), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, s.slotObservers[id])
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(table)
	}
}

func (s *Session) awaitOutcome(p *reservation.Pending) {
	<-p.Done()
	o, _ := p.Outcome()
	s.finish(p, o)
}

// finish moves the session to the terminal state matching o. p is the
// submission being resolved, or nil when the connection is given up.
func (s *Session) finish(p *reservation.Pending, o reservation.Outcome) {
	s.mu.Lock()
	if s.closed || s.outcome != nil || (p != nil && s.pending != p) {
		s.mu.Unlock()
		return
	}
	if p == nil && !s.state.in(StateSelectingService, StateSubscribed, StateSlotChosen) {
		s.mu.Unlock()
		return
	}
	s.outcome = &o
	s.pending = nil
	s.reconnecting = false
	var to State
	switch o.Kind {
	case reservation.OutcomeConfirmed:
		to = StateConfirmed
	case reservation.OutcomeRejected:
		to = StateRejected
	default:
		to = StateTransportFailure
	}
	notify := s.setStateLocked(to)
	s.mu.Unlock()

	s.logger.Info("session: finished", "outcome", o.Kind)
	notify()
	s.teardown()
	s.markDone()
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		s.slotHandle.Dispose()
		s.lifecycle.Dispose()
		s.subscription.Close(ctx)
		s.submitter.Close()
		s.channel.Close()
	})
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			s.metrics.SessionEnded()
		}
	})
}
