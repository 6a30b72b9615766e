// Package realtime implements the per-session connection to the booking
// server. Frames are JSON envelopes {"event": name, "data": payload} carried
// over a websocket; one reader goroutine dispatches inbound events in order,
// each to completion before the next frame is read.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/govbook/internal/auth"
	"github.com/wolfman30/govbook/internal/observability/metrics"
	"github.com/wolfman30/govbook/pkg/logging"
)

// Event names used on the wire.
const (
	EventJoinServiceQueue  = "join_service_queue"
	EventLeaveServiceQueue = "leave_service_queue"
	EventBookAppointment   = "book_appointment"
	EventQueueUpdate       = "queue_update"
	EventAppointmentBooked = "appointment_booked"
	EventError             = "error"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// ErrNotConnected is returned when traffic is attempted on a channel that is
// not open.
var ErrNotConnected = errors.New("realtime: channel not connected")

// Lifecycle is a connection state notification.
type Lifecycle string

const (
	LifecycleConnected      Lifecycle = "connected"
	LifecycleDisconnected   Lifecycle = "disconnected"
	LifecycleTransportError Lifecycle = "transport_error"
)

// LifecycleEvent is delivered to OnLifecycle listeners.
type LifecycleEvent struct {
	Kind Lifecycle
	Err  error
}

// Envelope is a single frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the raw data of an inbound event.
type Handler func(data json.RawMessage)

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer. A 401/403 handshake response maps to auth.ErrAuth.
func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with %d", auth.ErrAuth, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// Options configure a Channel.
type Options struct {
	URL          string
	Dialer       Dialer
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *logging.Logger
	Metrics      *metrics.BookingMetrics
}

// Channel is one persistent connection owned by exactly one session.
type Channel struct {
	url          string
	dialer       Dialer
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       *logging.Logger
	metrics      *metrics.BookingMetrics

	openMu  sync.Mutex
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	connGen   uint64
	nextID    uint64
	handlers  map[string]map[uint64]*Listener
	lifecycle map[uint64]*Listener
}

// Listener is a registration handle returned by On and OnLifecycle.
type Listener struct {
	ch     *Channel
	event  string
	id     uint64
	active atomic.Bool
	once   sync.Once
	fn     Handler
	lfn    func(LifecycleEvent)
}

// Dispose stops delivery to this listener. Safe to call more than once.
func (l *Listener) Dispose() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.active.Store(false)
		l.ch.mu.Lock()
		defer l.ch.mu.Unlock()
		if l.lfn != nil {
			delete(l.ch.lifecycle, l.id)
			return
		}
		if set, ok := l.ch.handlers[l.event]; ok {
			delete(set, l.id)
			if len(set) == 0 {
				delete(l.ch.handlers, l.event)
			}
		}
	})
}

// NewChannel creates a closed channel.
func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Channel{
		url:          opts.URL,
		dialer:       opts.Dialer,
		dialTimeout:  opts.DialTimeout,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		handlers:     make(map[string]map[uint64]*Listener),
		lifecycle:    make(map[uint64]*Listener),
	}
}

// Open connects with the bearer token. It never dials without a token and is
// a no-op while already connected.
func (c *Channel) Open(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("realtime: open: %w", auth.ErrAuth)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()
	if c.Connected() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, err := c.dialer.Dial(dialCtx, c.url, header)
	if err != nil {
		c.logger.Warn("realtime: dial failed", "url", c.url, "error", err)
		c.notifyLifecycle(LifecycleEvent{Kind: LifecycleTransportError, Err: err})
		return fmt.Errorf("realtime: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	c.logger.Info("realtime: connected", "url", c.url)
	c.notifyLifecycle(LifecycleEvent{Kind: LifecycleConnected})
	return nil
}

// Connected reports whether the channel currently holds an open connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close detaches every listener and tears the connection down. Safe on a
// channel that was never opened.
func (c *Channel) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connGen++
	var detached []*Listener
	for _, set := range c.handlers {
		for _, l := range set {
			detached = append(detached, l)
		}
	}
	for _, l := range c.lifecycle {
		detached = append(detached, l)
	}
	c.handlers = make(map[string]map[uint64]*Listener)
	c.lifecycle = make(map[uint64]*Listener)
	c.mu.Unlock()

	for _, l := range detached {
		l.active.Store(false)
	}
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = conn.Close()
	c.logger.Info("realtime: closed", "url", c.url)
}

// Emit sends one event. Writes are serialized.
func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("realtime: emit %s: %w", event, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("realtime: marshal envelope: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("realtime: emit %s: %w", event, err)
	}
	c.logger.Debug("realtime: emitted", "event", event)
	return nil
}

// On registers a handler for an inbound event.
func (c *Channel) On(event string, fn Handler) *Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	l := &Listener{ch: c, event: event, id: c.nextID, fn: fn}
	l.active.Store(true)
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]*Listener)
	}
	c.handlers[event][l.id] = l
	return l
}

// OnLifecycle registers a connection state listener.
func (c *Channel) OnLifecycle(fn func(LifecycleEvent)) *Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	l := &Listener{ch: c, id: c.nextID, lfn: fn}
	l.active.Store(true)
	c.lifecycle[l.id] = l
	return l
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, gen, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn("realtime: dropping undecodable frame", "bytes", len(data))
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Channel) handleReadError(conn Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.connGen != gen {
		// Closed locally or replaced by a newer connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("realtime: connection lost", "error", err)
		c.notifyLifecycle(LifecycleEvent{Kind: LifecycleTransportError, Err: err})
	}
	c.notifyLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Err: err})
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	set := c.handlers[event]
	targets := make([]*Listener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.logger.Debug("realtime: no listener for event", "event", event)
		return
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, l := range targets {
		if l.active.Load() {
			l.fn(data)
		}
	}
}

func (c *Channel) notifyLifecycle(ev LifecycleEvent) {
	c.metrics.ObserveChannelEvent(string(ev.Kind))

	c.mu.Lock()
	targets := make([]*Listener, 0, len(c.lifecycle))
	for _, l := range c.lifecycle {
		targets = append(targets, l)
	}
	c.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, l := range targets {
		if l.active.Load() {
			l.lfn(ev)
		}
	}
}
