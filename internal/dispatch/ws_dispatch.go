package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many notices a device may fall behind before it is
	// dropped.
	sendBuffer = 32
)

// WSSession is one connected device. Writes happen on its own pump
// goroutine; enqueue never waits on the network.
type WSSession struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSSession(conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	go s.writePump()
	return s
}

// enqueue reports false when the device is gone or too far behind.
func (s *WSSession) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *WSSession) writePump() {
	defer s.close()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// WSRegistry holds the live sockets of every user. A user may be connected
// from several devices at once.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{}), logger: logger}
}

// Add registers conn for userID and returns a func that removes it and stops
// its writer.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) func() {
	s := newWSSession(conn)
	r.mu.Lock()
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[*WSSession]struct{})
	}
	r.sessions[userID][s] = struct{}{}
	r.mu.Unlock()
	return func() {
		r.remove(userID, s)
		s.close()
	}
}

func (r *WSRegistry) remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions[userID], s)
	if len(r.sessions[userID]) == 0 {
		delete(r.sessions, userID)
	}
}

// Connected reports how many sockets userID has open.
func (r *WSRegistry) Connected(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}

// Push queues v for every socket of userID without blocking. A socket whose
// queue is full or whose writer has stopped is dropped. It returns
// ErrNoSession when no socket took the message.
func (r *WSRegistry) Push(userID string, v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[userID]))
	for s := range r.sessions[userID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	queued := 0
	for _, s := range targets {
		if !s.enqueue(msg) {
			r.logger.Warn("ws device dropped", "user_id", userID)
			r.remove(userID, s)
			s.close()
			continue
		}
		queued++
	}
	if queued == 0 {
		return ErrNoSession
	}
	return nil
}
