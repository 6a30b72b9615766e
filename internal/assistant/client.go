// Package assistant is a client for the booking assistant chat socket.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/govbook/pkg/logging"
)

// ErrClosed is returned after the chat connection has ended.
var ErrClosed = errors.New("assistant: chat closed")

// Action types the assistant may attach to an answer.
const (
	ActionCall  = "call"
	ActionEmail = "email"
	ActionBook  = "book"
)

// ActionDetails is a follow-up the user can take from an answer.
type ActionDetails struct {
	Type  string          `json:"type"`
	Label string          `json:"label"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EmailAction is the data of an email action.
type EmailAction struct {
	Email   string `json:"email"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Phone returns the number of a call action.
func (a ActionDetails) Phone() (string, bool) {
	if a.Type != ActionCall {
		return "", false
	}
	var phone string
	if err := json.Unmarshal(a.Data, &phone); err != nil || phone == "" {
		return "", false
	}
	return phone, true
}

func (a ActionDetails) EmailData() (EmailAction, bool) {
	if a.Type != ActionEmail {
		return EmailAction{}, false
	}
	var e EmailAction
	if err := json.Unmarshal(a.Data, &e); err != nil || e.Email == "" {
		return EmailAction{}, false
	}
	return e, true
}

// MailtoURL renders an email action as a mailto link.
func (e EmailAction) MailtoURL() string {
	q := url.Values{}
	if e.Subject != "" {
		q.Set("subject", e.Subject)
	}
	if e.Body != "" {
		q.Set("body", e.Body)
	}
	link := "mailto:" + e.Email
	if len(q) > 0 {
		link += "?" + strings.ReplaceAll(q.Encode(), "+", "%20")
	}
	return link
}

// Reply is a complete assistant answer.
type Reply struct {
	Answer string         `json:"answer"`
	Action *ActionDetails `json:"action_details,omitempty"`
}

type EventKind string

const (
	EventTyping EventKind = "typing"
	EventReply  EventKind = "reply"
)

// Event is delivered on Chat.Events. Reply is set for EventReply.
type Event struct {
	Kind  EventKind
	Reply *Reply
}

type inboundFrame struct {
	Event         string          `json:"event"`
	Partial       json.RawMessage `json:"partial"`
	Answer        string          `json:"answer"`
	ActionDetails *ActionDetails  `json:"action_details"`
}

// Chat is one assistant conversation.
type Chat struct {
	conn      *websocket.Conn
	sessionID string
	logger    *logging.Logger
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	sendMu sync.Mutex
}

// Dial opens a chat at <baseURL>/<sessionID>. An empty sessionID gets a
// fresh one.
func Dial(ctx context.Context, baseURL, sessionID string, logger *logging.Logger) (*Chat, error) {
	if logger == nil {
		logger = logging.Default()
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("assistant: url required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	target := baseURL + "/" + url.PathEscape(sessionID)

	cfg, err := websocket.NewConfig(target, originFor(target))
	if err != nil {
		return nil, fmt.Errorf("assistant: config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("assistant: dial: %w", err)
	}

	c := &Chat{
		conn:      conn,
		sessionID: sessionID,
		logger:    logger.With("assistant_session", sessionID),
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	c.logger.Info("assistant: connected", "url", target)
	return c, nil
}

func originFor(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "http://localhost/"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host + "/"
}

func (c *Chat) SessionID() string { return c.sessionID }

// Events is closed when the connection ends.
func (c *Chat) Events() <-chan Event { return c.events }

// Send writes the question as a raw text frame.
func (c *Chat) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("assistant: empty message")
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := websocket.Message.Send(c.conn, text); err != nil {
		return fmt.Errorf("assistant: send: %w", err)
	}
	return nil
}

// Ask sends text and waits for the next complete reply. onTyping, if set,
// is called for each typing indicator received meanwhile.
func (c *Chat) Ask(ctx context.Context, text string, onTyping func()) (*Reply, error) {
	if err := c.Send(text); err != nil {
		return nil, err
	}
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return nil, ErrClosed
			}
			if ev.Kind == EventReply {
				return ev.Reply, nil
			}
			if onTyping != nil {
				onTyping()
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close ends the conversation. Safe to call more than once.
func (c *Chat) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Chat) readLoop() {
	defer close(c.events)
	for {
		var raw string
		if err := websocket.Message.Receive(c.conn, &raw); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("assistant: connection closed", "error", err)
			}
			_ = c.Close()
			return
		}
		ev, ok := decodeFrame(raw)
		if !ok {
			c.logger.Warn("assistant: dropping unrecognised frame", "bytes", len(raw))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func decodeFrame(raw string) (Event, bool) {
	var frame inboundFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		return Event{}, false
	}
	if frame.Answer != "" {
		return Event{Kind: EventReply, Reply: &Reply{Answer: frame.Answer, Action: frame.ActionDetails}}, true
	}
	if frame.Event == "start" || (len(frame.Partial) > 0 && string(frame.Partial) != "null") {
		return Event{Kind: EventTyping}, true
	}
	return Event{}, false
}
