// Package realtimetest provides an in-memory booking server for exercising
// realtime.Channel and the components built on it without a network.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/govbook/internal/realtime"
)

var errConnClosed = &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "connection dropped"}

// Conn is the client half of an in-memory connection.
type Conn struct {
	in        chan []byte
	ack       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	awaitingAck bool
	server      *Server
}

func newConn(s *Server) *Conn {
	return &Conn{
		in:     make(chan []byte),
		ack:    make(chan struct{}, 1),
		closed: make(chan struct{}),
		server: s,
	}
}

// ReadMessage blocks until the server pushes a frame or the connection closes.
// Entering a read acknowledges that the previous frame was fully handled.
func (c *Conn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.awaitingAck {
		c.awaitingAck = false
		c.mu.Unlock()
		select {
		case c.ack <- struct{}{}:
		default:
		}
	} else {
		c.mu.Unlock()
	}

	if c.Closed() {
		return 0, nil, errConnClosed
	}
	select {
	case msg := <-c.in:
		c.mu.Lock()
		c.awaitingAck = true
		c.mu.Unlock()
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

// WriteMessage records text frames as decoded envelopes.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("realtimetest: write on closed connection")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.server.recordSent(env)
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

// Close closes the connection; safe to call repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether either side closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) push(frame []byte) error {
	if c.Closed() {
		return errors.New("realtimetest: push on closed connection")
	}
	select {
	case c.in <- frame:
	case <-c.closed:
		return errors.New("realtimetest: push on closed connection")
	}
	select {
	case <-c.ack:
	case <-c.closed:
	}
	return nil
}

// Server is a scripted booking server.
type Server struct {
	mu       sync.Mutex
	conns    []*Conn
	headers  []http.Header
	dialErrs []error
	sent     []realtime.Envelope
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{}
}

// Dialer returns a realtime.Dialer connected to this server.
func (s *Server) Dialer() realtime.Dialer {
	return dialer{s: s}
}

type dialer struct{ s *Server }

func (d dialer) Dial(ctx context.Context, _ string, header http.Header) (realtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = append(s.headers, header.Clone())
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		return nil, err
	}
	conn := newConn(s)
	s.conns = append(s.conns, conn)
	return conn, nil
}

// FailDials makes the next len(errs) dials fail with the given errors.
func (s *Server) FailDials(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErrs = append(s.dialErrs, errs...)
}

// Dials returns the number of dial attempts, failed ones included.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.headers)
}

// LastHeader returns the handshake header of the most recent dial.
func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

// Conn returns the most recent connection or nil.
func (s *Server) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Push sends an event on the latest connection and returns once the client
// has finished handling it.
func (s *Server) Push(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(realtime.Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	return s.PushRaw(frame)
}

// PushRaw sends a raw frame on the latest connection.
func (s *Server) PushRaw(frame []byte) error {
	conn := s.Conn()
	if conn == nil {
		return errors.New("realtimetest: no connection")
	}
	return conn.push(frame)
}

// Drop severs the latest connection from the server side.
func (s *Server) Drop() {
	if conn := s.Conn(); conn != nil {
		conn.Close()
	}
}

// Sent returns every frame written by clients, in order.
func (s *Server) Sent() []realtime.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentEvents returns frames written for one event name.
func (s *Server) SentEvents(event string) []realtime.Envelope {
	var out []realtime.Envelope
	for _, env := range s.Sent() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (s *Server) recordSent(env realtime.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
}
