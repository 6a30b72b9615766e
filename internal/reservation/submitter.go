package reservation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/govbook/internal/observability/metrics"
	"github.com/wolfman30/govbook/internal/queue"
	"github.com/wolfman30/govbook/internal/realtime"
	"github.com/wolfman30/govbook/pkg/logging"
)

var reservationTracer = otel.Tracer("govbook.internal.reservation")

const defaultSubmitTimeout = 30 * time.Second

// Transport is the slice of realtime.Channel a submitter uses.
type Transport interface {
	Connected() bool
	Emit(ctx context.Context, event string, payload any) error
	On(event string, fn realtime.Handler) *realtime.Listener
	OnLifecycle(fn func(realtime.LifecycleEvent)) *realtime.Listener
}

// Pending is an unresolved submission. It resolves exactly once.
type Pending struct {
	req     Request
	started time.Time
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	timer   *time.Timer
	span    trace.Span
}

// Request returns the payload that was submitted.
func (p *Pending) Request() Request { return p.req }

// Done is closed once the submission has an outcome.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Outcome returns the outcome and whether it has resolved.
func (p *Pending) Outcome() (Outcome, bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the submission resolves or ctx ends. Cancelling ctx does
// not cancel the submission.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (p *Pending) finish(o Outcome) bool {
	finished := false
	p.once.Do(func() {
		finished = true
		if p.timer != nil {
			p.timer.Stop()
		}
		p.outcome = o
		p.span.SetAttributes(attribute.String("govbook.outcome", string(o.Kind)))
		if o.Kind == OutcomeTransportFailure {
			p.span.SetStatus(codes.Error, o.String())
			if o.Err != nil {
				p.span.RecordError(o.Err)
			}
		}
		p.span.End()
		close(p.done)
	})
	return finished
}

// Submitter sends book_appointment and correlates the server's reply. At
// most one submission is in flight at a time.
type Submitter struct {
	transport Transport
	timeout   time.Duration
	logger    *logging.Logger
	metrics   *metrics.BookingMetrics
	listeners []*realtime.Listener

	mu      sync.Mutex
	pending *Pending
	closed  bool
}

// NewSubmitter registers the submitter's handlers on t. A non-positive
// timeout uses the 30s default.
func NewSubmitter(t Transport, timeout time.Duration, logger *logging.Logger, m *metrics.BookingMetrics) *Submitter {
	if t == nil {
		panic("reservation: transport required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	s := &Submitter{transport: t, timeout: timeout, logger: logger, metrics: m}
	s.listeners = []*realtime.Listener{
		t.On(realtime.EventAppointmentBooked, s.handleBooked),
		t.On(realtime.EventError, s.handleError),
		t.OnLifecycle(s.handleLifecycle),
	}
	return s
}

// Submit validates req against table and emits it. Every rejection happens
// before anything is written to the channel.
func (s *Submitter) Submit(ctx context.Context, req Request, table *queue.SlotTable) (*Pending, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyInFlight
	}
	if err := req.validate(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := checkSlot(req, table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !s.transport.Connected() {
		s.mu.Unlock()
		return nil, realtime.ErrNotConnected
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	_, span := reservationTracer.Start(ctx, "reservation.submit")
	span.SetAttributes(
		attribute.String("govbook.service_id", req.ServiceID),
		attribute.String("govbook.appointment_date", req.AppointmentDate),
		attribute.String("govbook.appointment_time", req.AppointmentTime),
		attribute.String("govbook.request_id", req.RequestID),
	)
	p := &Pending{req: req, started: time.Now(), done: make(chan struct{}), span: span}
	p.timer = time.AfterFunc(s.timeout, func() {
		s.resolve(p, Outcome{Kind: OutcomeTransportFailure, Err: ErrTimeout})
	})
	s.pending = p
	s.mu.Unlock()

	s.logger.Info("reservation: submitting",
		"request_id", req.RequestID,
		"service_id", req.ServiceID,
		"date", req.AppointmentDate,
		"time", req.AppointmentTime,
	)
	if err := s.transport.Emit(ctx, realtime.EventBookAppointment, req); err != nil {
		s.resolve(p, Outcome{Kind: OutcomeTransportFailure, Err: fmt.Errorf("reservation: emit: %w", err)})
	}
	return p, nil
}

// InFlight reports whether a submission is unresolved.
func (s *Submitter) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Close detaches from the transport and resolves any pending submission as
// abandoned.
func (s *Submitter) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	p := s.pending
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Dispose()
	}
	if p != nil {
		s.resolve(p, Outcome{Kind: OutcomeTransportFailure, Err: ErrAbandoned})
	}
}

func checkSlot(req Request, table *queue.SlotTable) error {
	if table == nil {
		return fmt.Errorf("%w: no live slot table", ErrInvalidSlot)
	}
	if table.ServiceID != req.ServiceID {
		return fmt.Errorf("%w: table is for service %s, not %s", ErrInvalidSlot, table.ServiceID, req.ServiceID)
	}
	if table.Date != "" && table.Date != req.AppointmentDate {
		return fmt.Errorf("%w: table is for %s, not %s", ErrInvalidSlot, table.Date, req.AppointmentDate)
	}
	slot, ok := table.Get(req.AppointmentTime)
	if !ok {
		return fmt.Errorf("%w: %s is not offered", ErrInvalidSlot, req.AppointmentTime)
	}
	if !slot.IsAvailable {
		return fmt.Errorf("%w: %s is full", ErrInvalidSlot, req.AppointmentTime)
	}
	return nil
}

func (s *Submitter) current() *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Submitter) resolve(p *Pending, o Outcome) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()

	if !p.finish(o) {
		return
	}
	elapsed := time.Since(p.started)
	s.metrics.ObserveSubmission(string(o.Kind), elapsed.Seconds())
	attrs := []any{"request_id", p.req.RequestID, "outcome", o.Kind, "elapsed", elapsed}
	switch o.Kind {
	case OutcomeConfirmed:
		s.logger.Info("reservation: confirmed", append(attrs, "appointment_id", o.AppointmentID)...)
	case OutcomeRejected:
		s.logger.Warn("reservation: rejected", append(attrs, "code", o.Code, "reason", o.Reason)...)
	default:
		s.logger.Error("reservation: transport failure", append(attrs, "error", o.Err)...)
	}
}

func (s *Submitter) handleBooked(data json.RawMessage) {
	p := s.current()
	if p == nil {
		s.logger.Debug("reservation: appointment_booked with nothing pending")
		return
	}
	var payload bookedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn("reservation: undecodable appointment_booked", "error", err)
		return
	}
	if payload.RequestID != "" && payload.RequestID != p.req.RequestID {
		s.logger.Debug("reservation: appointment_booked for another request", "request_id", payload.RequestID)
		return
	}
	s.resolve(p, payload.outcome())
}

func (s *Submitter) handleError(data json.RawMessage) {
	p := s.current()
	if p == nil {
		s.logger.Warn("reservation: server error with nothing pending", "data", string(data))
		return
	}
	o, requestID := rejection(data)
	if requestID != "" && requestID != p.req.RequestID {
		return
	}
	s.resolve(p, o)
}

func (s *Submitter) handleLifecycle(ev realtime.LifecycleEvent) {
	if ev.Kind != realtime.LifecycleDisconnected {
		return
	}
	if p := s.current(); p != nil {
		s.resolve(p, Outcome{Kind: OutcomeTransportFailure, Err: ErrDisconnected})
	}
}
