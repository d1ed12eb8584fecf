package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/storage"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

const wsWriteWait = 5 * time.Second

// deletedEvent is streamed when a followed request no longer exists.
type deletedEvent struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// openFunc registers a store subscription whose changes are written to the
// socket through emit. A failed subscription closes the socket; clients
// reconnect and receive a fresh snapshot.
type openFunc func(ctx context.Context, emit func(any), fail func(error)) (storage.Subscription, error)

func (s *Server) stream(w http.ResponseWriter, r *http.Request, open openFunc) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("ws upgrade failed", "route", routeTemplate(r), "err", err)
		return
	}
	// The server's ReadTimeout would otherwise outlive the handshake.
	_ = conn.SetReadDeadline(time.Time{})
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan any, 16)
	failed := make(chan error, 1)
	emit := func(v any) {
		select {
		case out <- v:
		case <-ctx.Done():
		}
	}
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}
	sub, err := open(ctx, emit, fail)
	if err != nil {
		cancel()
		s.closeWS(conn, websocket.CloseTryAgainLater, err.Error())
		return
	}
	defer func() {
		cancel()
		sub.Unsubscribe()
	}()

	// Clients only read; the read loop notices when they go away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-failed:
			s.log(r).Info("ws stream subscription lost", "route", routeTemplate(r), "err", err)
			s.closeWS(conn, websocket.CloseTryAgainLater, "subscription lost")
			return
		case v := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (s *Server) handleWSRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.stream(w, r, func(ctx context.Context, emit func(any), fail func(error)) (storage.Subscription, error) {
		return s.store.SubscribeRequest(ctx, id, func(req *models.RideRequest) {
			if req == nil {
				emit(deletedEvent{ID: id, Deleted: true})
				return
			}
			emit(req)
		}, fail)
	})
}

func (s *Server) handleWSPending(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, func(ctx context.Context, emit func(any), fail func(error)) (storage.Subscription, error) {
		return s.store.SubscribePending(ctx, func(rs []models.RideRequest) { emit(rs) }, fail)
	})
}

func (s *Server) handleWSDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.stream(w, r, func(ctx context.Context, emit func(any), fail func(error)) (storage.Subscription, error) {
		return s.store.SubscribePresence(ctx, id, func(p *models.DriverPresence) {
			if p != nil {
				emit(p)
			}
		}, fail)
	})
}

// handleWSNotices registers the socket for session notices addressed to
// user_id. Several devices may be open for one user.
func (s *Server) handleWSNotices(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("ws upgrade failed", "route", routeTemplate(r), "err", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	remove := s.ws.Add(userID, conn)
	defer remove()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
