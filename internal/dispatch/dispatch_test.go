package dispatch

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/session"
)

// wsPair registers the server side of a websocket for userID and returns the
// client side.
func wsPair(t *testing.T, reg *WSRegistry, userID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add(userID, c)
		close(registered)
	}))
	t.Cleanup(srv.Close)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	<-registered
	return c
}

func TestPushDeliversToEveryDevice(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	phone := wsPair(t, reg, "u1")
	tablet := wsPair(t, reg, "u1")
	if got := reg.Connected("u1"); got != 2 {
		t.Fatalf("expected 2 sockets, got %d", got)
	}

	p := NewPushDispatcher(reg, "", "", logging.Discard())
	p.Notify(session.Notice{Kind: session.NoticeRequestTaken, UserID: "u1", RequestID: "r1", Message: "taken"})

	for _, c := range []*websocket.Conn{phone, tablet} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var n session.Notice
		if err := c.ReadJSON(&n); err != nil {
			t.Fatal(err)
		}
		if n.Kind != session.NoticeRequestTaken || n.RequestID != "r1" {
			t.Fatalf("unexpected notice %+v", n)
		}
	}
}

func TestPushWithoutSession(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	if err := reg.Push("nobody", session.Notice{}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestPushFallsBackToHTTP(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer key")
		}
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)
		got <- body
	}))
	defer srv.Close()

	p := NewPushDispatcher(NewWSRegistry(logging.Discard()), srv.URL, "k", logging.Discard())
	p.Notify(session.Notice{Kind: session.NoticeTripCompleted, UserID: "u2", RequestID: "r9"})

	select {
	case body := <-got:
		msg, _ := body["message"].(map[string]any)
		if msg["topic"] != "user-u2" {
			t.Fatalf("unexpected body %v", body)
		}
		data, _ := msg["data"].(map[string]any)
		if data["kind"] != "trip_completed" || data["request_id"] != "r9" {
			t.Fatalf("unexpected data %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fallback push not sent")
	}
}

// A device that stops reading must not stall the caller; once its queue is
// full it is dropped.
func TestPushDoesNotWaitOnSlowDevice(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	wsPair(t, reg, "u1") // never read from

	big := session.Notice{Kind: session.NoticeStoreError, UserID: "u1", Message: strings.Repeat("x", 256<<10)}
	start := time.Now()
	for i := 0; i < 200; i++ {
		_ = reg.Push("u1", big)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("pushing to a stalled device took %s", elapsed)
	}
	deadline := time.Now().Add(2 * time.Second)
	for reg.Connected("u1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stalled device was never dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := reg.Push("u1", big); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession after drop, got %v", err)
	}
}
