package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

const (
	pendingKey     = "ride:pending"
	pendingChannel = "ride:events:pending"
	maxTxAttempts  = 16
)

func requestKey(id string) string { return "ride:request:" + id }

func requestChannel(id string) string { return "ride:events:request:" + id }

func driverRequestsKey(driverID string) string { return "ride:driver:" + driverID + ":requests" }

func presenceKey(driverID string) string { return "ride:presence:" + driverID }

func presenceChannel(driverID string) string { return "ride:events:presence:" + driverID }

// RedisStore implements Backend on Redis. Documents are JSON strings,
// conditional writes use WATCH/MULTI/EXEC, and every committed write publishes
// on a per-document channel inside the same transaction.
type RedisStore struct {
	client *redis.Client
	geoKey string
	now    func() time.Time
}

func NewRedisStore(addr, password, geoKey string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreFromClient(c, geoKey)
}

func NewRedisStoreFromClient(c *redis.Client, geoKey string) *RedisStore {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	return &RedisStore{client: c, geoKey: geoKey, now: time.Now}
}

// GeoKey is the GEO set UpdateLocation keeps current.
func (s *RedisStore) GeoKey() string { return s.geoKey }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Create(ctx context.Context, in NewRequest) (string, error) {
	if err := validateNew(in); err != nil {
		return "", err
	}
	doc := newDocument(uuid.NewString(), in, s.now())
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, requestKey(doc.ID), b, 0)
		p.ZAdd(ctx, pendingKey, redis.Z{Score: float64(doc.CreatedAt.UnixNano()), Member: doc.ID})
		p.Publish(ctx, requestChannel(doc.ID), doc.Version)
		p.Publish(ctx, pendingChannel, doc.ID)
		return nil
	})
	if err != nil {
		return "", unavailable("create", err)
	}
	return doc.ID, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := s.load(ctx, s.client, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, unavailable("get", err)
	}
	return r, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, g getter, id string) (*models.RideRequest, error) {
	b, err := g.Get(ctx, requestKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r models.RideRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return &r, nil
}

// mutate runs fn against the current document inside WATCH and commits the
// result with MULTI/EXEC. A concurrent writer aborts EXEC and fn is re-run on
// the fresh document, so the precondition is always evaluated against the
// state the write commits over.
func (s *RedisStore) mutate(ctx context.Context, op, id string, fn func(r *models.RideRequest) error) (*models.RideRequest, error) {
	key := requestKey(id)
	var out *models.RideRequest
	txf := func(tx *redis.Tx) error {
		r, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		before := *r
		if err := fn(r); err != nil {
			return err
		}
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			if before.Status == models.StatusPending && r.Status != models.StatusPending {
				p.ZRem(ctx, pendingKey, id)
				p.Publish(ctx, pendingChannel, id)
			}
			if r.DriverID != "" && before.DriverID == "" {
				p.SAdd(ctx, driverRequestsKey(r.DriverID), id)
			}
			p.Publish(ctx, requestChannel(id), r.Version)
			return nil
		})
		if err != nil {
			return err
		}
		out = r
		return nil
	}
	for _i := 0; _i < maxTxAttempts; _i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrIllegalTransition),
			errors.Is(err, ErrNotAssigned), errors.Is(err, errUnchanged), errors.Is(err, errTaken):
			return nil, err
		default:
			return nil, unavailable(op, err)
		}
	}
	return nil, fmt.Errorf("%s %s: %w", op, id, ErrConflict)
}

var errTaken = errors.New("taken")

func (s *RedisStore) TryAccept(ctx context.Context, id, driverID string) (models.AcceptResult, error) {
	if driverID == "" {
		return models.NotFound, errors.New("driver id is required")
	}
	_, err := s.mutate(ctx, "try_accept", id, func(r *models.RideRequest) error {
		if accept(r, driverID, s.now()) != models.Accepted {
			return errTaken
		}
		return nil
	})
	switch {
	case err == nil:
		return models.Accepted, nil
	case errors.Is(err, errTaken):
		return models.AlreadyTaken, nil
	case errors.Is(err, ErrNotFound):
		return models.NotFound, nil
	}
	return models.NotFound, err
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id, actorID string, to models.Status) (*models.RideRequest, error) {
	return s.mutate(ctx, "update_status", id, func(r *models.RideRequest) error {
		return applyStatus(r, actorID, to, s.now())
	})
}

func (s *RedisStore) Archive(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, "archive", id, func(r *models.RideRequest) error {
		return archive(r, s.now())
	})
	if errors.Is(err, errUnchanged) || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Delete removes a terminal request. The status check and the DEL commit
// under the same WATCH, so a request cannot be reopened in between.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	key := requestKey(id)
	txf := func(tx *redis.Tx) error {
		r, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := deletable(r); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.Publish(ctx, requestChannel(id), 0)
			return nil
		})
		return err
	}
	for _i := 0; _i < maxTxAttempts; _i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil, errors.Is(err, ErrNotFound):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrIllegalTransition):
			return err
		default:
			return unavailable("delete", err)
		}
	}
	return fmt.Errorf("delete %s: %w", id, ErrConflict)
}

func (s *RedisStore) ListByDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	ids, err := s.client.SMembers(ctx, driverRequestsKey(driverID)).Result()
	if err != nil {
		return nil, unavailable("list_by_driver", err)
	}
	rs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, unavailable("list_by_driver", err)
	}
	sortFirstSeen(rs)
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
	return rs, nil
}

// loadMany fetches documents by id, skipping ones deleted in the meantime.
func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]models.RideRequest, error) {
	out := make([]models.RideRequest, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = requestKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r models.RideRequest
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) SubscribeRequest(ctx context.Context, id string, onChange func(*models.RideRequest), onError func(error)) (Subscription, error) {
	var last int64
	return s.watch(ctx, requestChannel(id), onError, func(ctx context.Context, deliver func(func())) error {
		r, err := s.load(ctx, s.client, id)
		if errors.Is(err, ErrNotFound) {
			deliver(func() { onChange(nil) })
			return nil
		}
		if err != nil {
			return err
		}
		if r.Version < last {
			return nil
		}
		last = r.Version
		deliver(func() { onChange(r) })
		return nil
	})
}

func (s *RedisStore) SubscribePending(ctx context.Context, onChange func([]models.RideRequest), onError func(error)) (Subscription, error) {
	return s.watch(ctx, pendingChannel, onError, func(ctx context.Context, deliver func(func())) error {
		ids, err := s.client.ZRange(ctx, pendingKey, 0, -1).Result()
		if err != nil {
			return err
		}
		rs, err := s.loadMany(ctx, ids)
		if err != nil {
			return err
		}
		pending := rs[:0]
		for _, r := range rs {
			if r.Status == models.StatusPending {
				pending = append(pending, r)
			}
		}
		sortFirstSeen(pending)
		deliver(func() { onChange(pending) })
		return nil
	})
}

// redisSub holds mu while a callback runs, so Unsubscribe returns only once
// any callback in flight has finished. Callbacks must not call Unsubscribe.
type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (r *redisSub) Unsubscribe() {
	r.once.Do(func() {
		r.cancel()
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		_ = r.ps.Close()
	})
}

func (r *redisSub) deliver(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	fn()
}

// watch subscribes to channel and calls refresh once up front and again after
// every message. Messages only signal that something changed; refresh reads
// the committed state, so a burst of publishes collapses into fewer reads
// without ever going backwards.
func (s *RedisStore) watch(ctx context.Context, channel string, onError func(error), refresh func(context.Context, func(func())) error) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", err)
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSub{ps: ps, cancel: cancel}
	go func() {
		fail := func(err error) {
			if subCtx.Err() != nil {
				return
			}
			sub.deliver(func() { onError(unavailable("subscription", err)) })
			sub.Unsubscribe()
		}
		if err := refresh(subCtx, sub.deliver); err != nil {
			fail(err)
			return
		}
		for {
			if _, err := ps.ReceiveMessage(subCtx); err != nil {
				fail(err)
				return
			}
			if subCtx.Err() != nil {
				return
			}
			if err := refresh(subCtx, sub.deliver); err != nil {
				fail(err)
				return
			}
		}
	}()
	return sub, nil
}

func (s *RedisStore) loadPresence(ctx context.Context, g getter, driverID string) (*models.DriverPresence, error) {
	b, err := g.Get(ctx, presenceKey(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p models.DriverPresence
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode presence %s: %w", driverID, err)
	}
	return &p, nil
}

func (s *RedisStore) EnsureExists(ctx context.Context, driverID string) error {
	now := s.now()
	b, err := json.Marshal(models.DriverPresence{DriverID: driverID, Version: 1, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return err
	}
	created, err := s.client.SetNX(ctx, presenceKey(driverID), b, 0).Result()
	if err != nil {
		return unavailable("ensure_presence", err)
	}
	if created {
		if err := s.client.Publish(ctx, presenceChannel(driverID), 1).Err(); err != nil {
			return unavailable("ensure_presence", err)
		}
	}
	return nil
}

// upsertPresence is the presence counterpart of mutate; a missing document is
// created on the fly.
func (s *RedisStore) upsertPresence(ctx context.Context, op, driverID string, fn func(p *models.DriverPresence, pipe redis.Pipeliner)) error {
	key := presenceKey(driverID)
	txf := func(tx *redis.Tx) error {
		now := s.now()
		p, err := s.loadPresence(ctx, tx, driverID)
		if errors.Is(err, ErrNotFound) {
			p = &models.DriverPresence{DriverID: driverID, CreatedAt: now}
		} else if err != nil {
			return err
		}
		p.Version++
		p.UpdatedAt = now
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(p, pipe)
			b, err := json.Marshal(p)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, b, 0)
			pipe.Publish(ctx, presenceChannel(driverID), p.Version)
			return nil
		})
		return err
	}
	for _i := 0; _i < maxTxAttempts; _i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return unavailable(op, err)
		}
		return nil
	}
	return fmt.Errorf("%s %s: %w", op, driverID, ErrConflict)
}

func (s *RedisStore) SetConnected(ctx context.Context, driverID string, connected bool) error {
	return s.upsertPresence(ctx, "set_connected", driverID, func(p *models.DriverPresence, _ redis.Pipeliner) {
		p.IsConnected = connected
	})
}

// UpdateLocation also feeds the GEO index so nearby lookups stay current.
func (s *RedisStore) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	return s.upsertPresence(ctx, "update_location", driverID, func(p *models.DriverPresence, pipe redis.Pipeliner) {
		p.Location = &loc
		pipe.GeoAdd(ctx, s.geoKey, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: driverID})
	})
}

func (s *RedisStore) GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	p, err := s.loadPresence(ctx, s.client, driverID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, unavailable("get_presence", err)
	}
	return p, err
}

func (s *RedisStore) SubscribePresence(ctx context.Context, driverID string, onChange func(*models.DriverPresence), onError func(error)) (Subscription, error) {
	var last int64
	return s.watch(ctx, presenceChannel(driverID), onError, func(ctx context.Context, deliver func(func())) error {
		p, err := s.loadPresence(ctx, s.client, driverID)
		if errors.Is(err, ErrNotFound) {
			deliver(func() { onChange(nil) })
			return nil
		}
		if err != nil {
			return err
		}
		if p.Version < last {
			return nil
		}
		last = p.Version
		deliver(func() { onChange(p) })
		return nil
	})
}
