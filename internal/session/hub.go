package session

import (
	"context"
	"sync"
)

// Hub keeps one session per user for transports that serve thin clients.
type Hub struct {
	deps Deps

	mu        sync.Mutex
	customers map[string]*CustomerSession
	drivers   map[string]*DriverSession
}

func NewHub(deps Deps) *Hub {
	return &Hub{
		deps:      deps.withDefaults(),
		customers: make(map[string]*CustomerSession),
		drivers:   make(map[string]*DriverSession),
	}
}

func (h *Hub) Customer(userID string) *CustomerSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.customers[userID]
	if !ok {
		s = NewCustomerSession(userID, h.deps)
		h.customers[userID] = s
	}
	return s
}

// Driver returns the driver's session, starting it on first use.
func (h *Hub) Driver(ctx context.Context, driverID string) (*DriverSession, error) {
	h.mu.Lock()
	s, ok := h.drivers[driverID]
	if !ok {
		s = NewDriverSession(driverID, h.deps)
		h.drivers[driverID] = s
	}
	h.mu.Unlock()
	// Start is idempotent; a failed start is retried on the next call.
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.customers {
		s.Close()
		delete(h.customers, id)
	}
	for id, s := range h.drivers {
		s.Close()
		delete(h.drivers, id)
	}
}
