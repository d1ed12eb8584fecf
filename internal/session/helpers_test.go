package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/matching"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/storage"
)

var (
	pickup      = models.Coord{Lat: 10.0, Lng: 106.0}
	destination = models.Coord{Lat: 10.1, Lng: 106.1}
)

// countingStore wraps MemoryStore to observe creates and live pending
// subscriptions.
type countingStore struct {
	*storage.MemoryStore
	creates     atomic.Int32
	livePending atomic.Int32
}

func (c *countingStore) Create(ctx context.Context, in storage.NewRequest) (string, error) {
	c.creates.Add(1)
	return c.MemoryStore.Create(ctx, in)
}

func (c *countingStore) SubscribePending(ctx context.Context, onChange func([]models.RideRequest), onError func(error)) (storage.Subscription, error) {
	sub, err := c.MemoryStore.SubscribePending(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	c.livePending.Add(1)
	return &countedSub{Subscription: sub, n: &c.livePending}, nil
}

type countedSub struct {
	storage.Subscription
	n    *atomic.Int32
	once sync.Once
}

func (s *countedSub) Unsubscribe() {
	s.once.Do(func() { s.n.Add(-1) })
	s.Subscription.Unsubscribe()
}

type fakeHolder struct {
	mu       sync.Mutex
	holds    []int64
	captured []string
	released []string
}

func (f *fakeHolder) Hold(_ context.Context, _ string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds = append(f.holds, amount)
	return "hold-1", nil
}

func (f *fakeHolder) Capture(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeHolder) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeHolder) settled() (captured, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.captured), len(f.released)
}

type harness struct {
	store    *countingStore
	coord    *matching.Coordinator
	notices  *ChanNotifier
	payments *fakeHolder
}

func newHarness(t *testing.T, mode matching.CleanupMode) *harness {
	t.Helper()
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	return &harness{
		store:    store,
		coord:    matching.New(store, nil, mode, logging.Discard()),
		notices:  NewChanNotifier(256),
		payments: &fakeHolder{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Coordinator: h.coord,
		Requests:    h.store,
		Presence:    h.store,
		Payments:    h.payments,
		Notifier:    h.notices,
		Logger:      logging.Discard(),
		Backoff:     Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
	}
}

func (h *harness) customer(t *testing.T, id string) *CustomerSession {
	t.Helper()
	s := NewCustomerSession(id, h.deps())
	t.Cleanup(s.Close)
	return s
}

// onlineDriver starts a driver session and connects it.
func (h *harness) onlineDriver(t *testing.T, id string) *DriverSession {
	t.Helper()
	s := NewDriverSession(id, h.deps())
	t.Cleanup(s.Close)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	if err := s.SetConnected(ctx, true); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	return s
}

func (h *harness) createRequest(t *testing.T, customer string) string {
	t.Helper()
	id, err := h.coord.Create(context.Background(), storage.NewRequest{CustomerID: customer, Pickup: pickup, Destination: destination})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// waitNotice returns the next notice for user of the given kind, skipping
// unrelated ones.
func (h *harness) waitNotice(t *testing.T, user string, kind NoticeKind) Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-h.notices.C:
			if n.UserID == user && n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notice for %s", kind, user)
			return Notice{}
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func never(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
