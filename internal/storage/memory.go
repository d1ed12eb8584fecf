package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-lifecycle/internal/models"
)

// MemoryStore is an in-process Backend. Every write and the notification
// fan-out it causes happen under one lock, so subscribers observe commits in
// order. It can be switched offline to exercise transport failures.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*models.RideRequest
	drivers  map[string]*models.DriverPresence

	requestSubs  map[string]map[*memSub]struct{}
	pendingSubs  map[*memSub]struct{}
	presenceSubs map[string]map[*memSub]struct{}

	offline error
	now     func() time.Time
	newID   func() string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:     make(map[string]*models.RideRequest),
		drivers:      make(map[string]*models.DriverPresence),
		requestSubs:  make(map[string]map[*memSub]struct{}),
		pendingSubs:  make(map[*memSub]struct{}),
		presenceSubs: make(map[string]map[*memSub]struct{}),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

type memSub struct {
	store      *MemoryStore
	box        *mailbox
	onRequest  func(*models.RideRequest)
	onPending  func([]models.RideRequest)
	onPresence func(*models.DriverPresence)
	onError    func(error)
	remove     func()
	once       sync.Once
}

func (s *memSub) Unsubscribe() {
	s.once.Do(func() {
		s.store.mu.Lock()
		s.remove()
		s.store.mu.Unlock()
		s.box.close()
	})
}

// fail delivers err and kills the subscription. Caller holds store.mu.
func (s *memSub) fail(err error) {
	s.remove()
	s.box.post(func() { s.onError(err) })
	s.box.post(func() { s.box.close() })
}

// Disconnect simulates a transport failure: every live subscription receives
// err and dies, and subsequent operations fail until Reconnect.
func (m *MemoryStore) Disconnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = err
	var all []*memSub
	for _, subs := range m.requestSubs {
		for s := range subs {
			all = append(all, s)
		}
	}
	for s := range m.pendingSubs {
		all = append(all, s)
	}
	for _, subs := range m.presenceSubs {
		for s := range subs {
			all = append(all, s)
		}
	}
	for _, s := range all {
		s.fail(unavailable("subscription", err))
	}
}

func (m *MemoryStore) Reconnect() {
	m.mu.Lock()
	m.offline = nil
	m.mu.Unlock()
}

func (m *MemoryStore) checkOnline(op string) error {
	if m.offline != nil {
		return unavailable(op, m.offline)
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkOnline("ping")
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Create(ctx context.Context, in NewRequest) (string, error) {
	if err := validateNew(in); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("create"); err != nil {
		return "", err
	}
	doc := newDocument(m.newID(), in, m.now())
	m.requests[doc.ID] = &doc
	m.publishRequest(doc.ID)
	m.publishPending()
	return doc.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("get"); err != nil {
		return nil, err
	}
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (m *MemoryStore) TryAccept(ctx context.Context, id, driverID string) (models.AcceptResult, error) {
	if driverID == "" {
		return models.NotFound, errors.New("driver id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("try_accept"); err != nil {
		return models.NotFound, err
	}
	r, ok := m.requests[id]
	if !ok {
		return models.NotFound, nil
	}
	res := accept(r, driverID, m.now())
	if res == models.Accepted {
		m.publishRequest(id)
		m.publishPending()
	}
	return res, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id, actorID string, to models.Status) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("update_status"); err != nil {
		return nil, err
	}
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := *r
	wasPending := r.Status == models.StatusPending
	if err := applyStatus(&next, actorID, to, m.now()); err != nil {
		return nil, err
	}
	*r = next
	m.publishRequest(id)
	if wasPending {
		m.publishPending()
	}
	out := next
	return &out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("delete"); err != nil {
		return err
	}
	r, ok := m.requests[id]
	if !ok {
		return nil
	}
	if err := deletable(r); err != nil {
		return err
	}
	delete(m.requests, id)
	m.publishRequest(id)
	return nil
}

func (m *MemoryStore) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("archive"); err != nil {
		return err
	}
	r, ok := m.requests[id]
	if !ok {
		return nil
	}
	if err := archive(r, m.now()); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	m.publishRequest(id)
	return nil
}

func (m *MemoryStore) ListByDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("list_by_driver"); err != nil {
		return nil, err
	}
	var out []models.RideRequest
	for _, r := range m.requests {
		if r.DriverID == driverID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SubscribeRequest(ctx context.Context, id string, onChange func(*models.RideRequest), onError func(error)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("subscribe_request"); err != nil {
		return nil, err
	}
	sub := &memSub{store: m, box: newMailbox(), onRequest: onChange, onError: onError}
	sub.remove = func() {
		delete(m.requestSubs[id], sub)
		if len(m.requestSubs[id]) == 0 {
			delete(m.requestSubs, id)
		}
	}
	if m.requestSubs[id] == nil {
		m.requestSubs[id] = make(map[*memSub]struct{})
	}
	m.requestSubs[id][sub] = struct{}{}
	m.deliverRequest(sub, id)
	return sub, nil
}

func (m *MemoryStore) SubscribePending(ctx context.Context, onChange func([]models.RideRequest), onError func(error)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("subscribe_pending"); err != nil {
		return nil, err
	}
	sub := &memSub{store: m, box: newMailbox(), onPending: onChange, onError: onError}
	sub.remove = func() { delete(m.pendingSubs, sub) }
	m.pendingSubs[sub] = struct{}{}
	snap := m.pendingSnapshot()
	sub.box.post(func() { onChange(snap) })
	return sub, nil
}

func (m *MemoryStore) EnsureExists(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("ensure_presence"); err != nil {
		return err
	}
	if _, ok := m.drivers[driverID]; ok {
		return nil
	}
	m.presence(driverID)
	m.publishPresence(driverID)
	return nil
}

func (m *MemoryStore) SetConnected(ctx context.Context, driverID string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("set_connected"); err != nil {
		return err
	}
	p := m.presence(driverID)
	p.IsConnected = connected
	p.UpdatedAt = m.now()
	p.Version++
	m.publishPresence(driverID)
	return nil
}

func (m *MemoryStore) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("update_location"); err != nil {
		return err
	}
	p := m.presence(driverID)
	p.Location = &loc
	p.UpdatedAt = m.now()
	p.Version++
	m.publishPresence(driverID)
	return nil
}

func (m *MemoryStore) GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("get_presence"); err != nil {
		return nil, err
	}
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPresence(p), nil
}

func (m *MemoryStore) SubscribePresence(ctx context.Context, driverID string, onChange func(*models.DriverPresence), onError func(error)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOnline("subscribe_presence"); err != nil {
		return nil, err
	}
	sub := &memSub{store: m, box: newMailbox(), onPresence: onChange, onError: onError}
	sub.remove = func() {
		delete(m.presenceSubs[driverID], sub)
		if len(m.presenceSubs[driverID]) == 0 {
			delete(m.presenceSubs, driverID)
		}
	}
	if m.presenceSubs[driverID] == nil {
		m.presenceSubs[driverID] = make(map[*memSub]struct{})
	}
	m.presenceSubs[driverID][sub] = struct{}{}
	m.deliverPresence(sub, driverID)
	return sub, nil
}

// presence returns the driver's document, creating it lazily. Caller holds mu.
func (m *MemoryStore) presence(driverID string) *models.DriverPresence {
	p, ok := m.drivers[driverID]
	if !ok {
		now := m.now()
		p = &models.DriverPresence{DriverID: driverID, Version: 1, CreatedAt: now, UpdatedAt: now}
		m.drivers[driverID] = p
	}
	return p
}

func copyPresence(p *models.DriverPresence) *models.DriverPresence {
	out := *p
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	return &out
}

func (m *MemoryStore) pendingSnapshot() []models.RideRequest {
	out := make([]models.RideRequest, 0)
	for _, r := range m.requests {
		if r.Status == models.StatusPending {
			out = append(out, *r)
		}
	}
	sortFirstSeen(out)
	return out
}

func sortFirstSeen(rs []models.RideRequest) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

// The publish and deliver helpers run with mu held, which is what ties
// notification order to commit order.

func (m *MemoryStore) deliverRequest(sub *memSub, id string) {
	var snap *models.RideRequest
	if r, ok := m.requests[id]; ok {
		cp := *r
		snap = &cp
	}
	sub.box.post(func() { sub.onRequest(snap) })
}

func (m *MemoryStore) publishRequest(id string) {
	for sub := range m.requestSubs[id] {
		m.deliverRequest(sub, id)
	}
}

func (m *MemoryStore) publishPending() {
	if len(m.pendingSubs) == 0 {
		return
	}
	for sub := range m.pendingSubs {
		sub := sub
		snap := m.pendingSnapshot()
		sub.box.post(func() { sub.onPending(snap) })
	}
}

func (m *MemoryStore) deliverPresence(sub *memSub, driverID string) {
	var snap *models.DriverPresence
	if p, ok := m.drivers[driverID]; ok {
		snap = copyPresence(p)
	}
	sub.box.post(func() { sub.onPresence(snap) })
}

func (m *MemoryStore) publishPresence(driverID string) {
	for sub := range m.presenceSubs[driverID] {
		m.deliverPresence(sub, driverID)
	}
}
