package assistant

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/govbook/pkg/logging"
)

// newAssistantServer answers every question with a typing indicator, a
// partial frame and then the scripted answer frame.
func newAssistantServer(t *testing.T, answer string) (string, <-chan string) {
	t.Helper()
	received := make(chan string, 8)
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		received <- "path:" + conn.Request().URL.Path
		for {
			var question string
			if err := websocket.Message.Receive(conn, &question); err != nil {
				return
			}
			received <- question
			_ = websocket.Message.Send(conn, `{"event":"start"}`)
			_ = websocket.Message.Send(conn, `{"partial":"Yo"}`)
			_ = websocket.Message.Send(conn, `not json`)
			_ = websocket.Message.Send(conn, answer)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/", received
}

func TestChat_AskReturnsAnswerWithAction(t *testing.T) {
	base, received := newAssistantServer(t, `{"answer":"Call the passport office.","action_details":{"type":"call","label":"Call now","data":"0112345678"}}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chat, err := Dial(ctx, base, "sess-1", logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer chat.Close()
	if chat.SessionID() != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", chat.SessionID())
	}
	if got := <-received; got != "path:/ws/sess-1" {
		t.Fatalf("connected to %q, want path:/ws/sess-1", got)
	}

	typing := 0
	reply, err := chat.Ask(ctx, "  How do I renew my passport? ", func() { typing++ })
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got := <-received; got != "How do I renew my passport?" {
		t.Fatalf("question frame = %q, want trimmed raw text", got)
	}
	if reply.Answer != "Call the passport office." {
		t.Fatalf("answer = %q", reply.Answer)
	}
	if typing != 2 {
		t.Fatalf("typing callbacks = %d, want 2", typing)
	}

	if reply.Action == nil {
		t.Fatal("expected an action")
	}
	phone, ok := reply.Action.Phone()
	if !ok || phone != "0112345678" {
		t.Fatalf("phone = %q %v, want 0112345678", phone, ok)
	}
	if _, isEmail := reply.Action.EmailData(); isEmail {
		t.Fatal("call action decoded as email")
	}
}

func TestChat_EmailAction(t *testing.T) {
	base, _ := newAssistantServer(t, `{"answer":"Email us.","action_details":{"type":"email","label":"Email","data":{"email":"help@gov.lk","subject":"Passport query","body":"Hi there"}}}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chat, err := Dial(ctx, base, "", logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer chat.Close()
	if chat.SessionID() == "" {
		t.Fatal("expected a generated session id")
	}

	reply, err := chat.Ask(ctx, "contact?", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	email, ok := reply.Action.EmailData()
	if !ok {
		t.Fatalf("action = %+v, want email", reply.Action)
	}
	want := "mailto:help@gov.lk?body=Hi%20there&subject=Passport%20query"
	if got := email.MailtoURL(); got != want {
		t.Fatalf("mailto = %q, want %q", got, want)
	}
}

func TestChat_SendAfterClose(t *testing.T) {
	base, _ := newAssistantServer(t, `{"answer":"ok"}`)
	chat, err := Dial(context.Background(), base, "sess", logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := chat.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := chat.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := chat.Send("hello"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
	if err := chat.Send("   "); err == nil {
		t.Fatal("expected error for blank message")
	}

	select {
	case _, open := <-chat.Events():
		if open {
			t.Fatal("expected events channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestDial_RequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), " ", "", logging.Discard()); err == nil {
		t.Fatal("expected error for blank url")
	}
}

func TestDecodeFrame(t *testing.T) {
	ev, ok := decodeFrame(`{"event":"start"}`)
	if !ok || ev.Kind != EventTyping {
		t.Fatalf("start frame = %+v %v, want typing", ev, ok)
	}

	if _, ok := decodeFrame(`{"partial":null}`); ok {
		t.Fatal("null partial frame should be ignored")
	}

	ev, ok = decodeFrame(`{"answer":"hi","action_details":null}`)
	if !ok || ev.Reply == nil {
		t.Fatal("expected answer frame to decode")
	}
	if ev.Reply.Answer != "hi" || ev.Reply.Action != nil {
		t.Fatalf("reply = %+v, want answer hi without action", ev.Reply)
	}
}
