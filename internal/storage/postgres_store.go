package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-lifecycle/internal/models"
)

const (
	requestsNotifyChannel = "ride_requests"
	presenceNotifyChannel = "driver_presence"
)

// Schema is applied by Migrate. Notifications carry the document id as
// payload; subscribers re-read the row.
const Schema = `
CREATE TABLE IF NOT EXISTS ride_requests (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	driver_id   TEXT,
	pickup_lat  DOUBLE PRECISION NOT NULL,
	pickup_lng  DOUBLE PRECISION NOT NULL,
	dest_lat    DOUBLE PRECISION NOT NULL,
	dest_lng    DOUBLE PRECISION NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'completed', 'canceled')),
	vehicle     TEXT NOT NULL DEFAULT '',
	fare        BIGINT NOT NULL DEFAULT 0,
	archived    BOOLEAN NOT NULL DEFAULT FALSE,
	version     BIGINT NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	CHECK ((status = 'pending') = (driver_id IS NULL) OR (status = 'canceled' AND driver_id IS NULL))
);
CREATE INDEX IF NOT EXISTS ride_requests_pending_idx ON ride_requests (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS ride_requests_driver_idx ON ride_requests (driver_id);
CREATE TABLE IF NOT EXISTS driver_presence (
	driver_id    TEXT PRIMARY KEY,
	lat          DOUBLE PRECISION,
	lng          DOUBLE PRECISION,
	is_connected BOOLEAN NOT NULL DEFAULT FALSE,
	version      BIGINT NOT NULL DEFAULT 1,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
`

const requestColumns = `id, customer_id, driver_id, pickup_lat, pickup_lng, dest_lat, dest_lng,
	status, vehicle, fare, archived, version, created_at, updated_at`

// PostgresStore implements Backend on PostgreSQL. The accept precondition is
// part of the UPDATE's WHERE clause, other transitions lock the row with
// SELECT ... FOR UPDATE, and LISTEN/NOTIFY drives subscriptions.
type PostgresStore struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	subs map[*pgSub]struct{}
	done chan struct{}
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, unavailable("ping", err)
	}
	s := &PostgresStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[*pgSub]struct{}),
		done:   make(chan struct{}),
	}
	s.listener = pq.NewListener(dsn, 500*time.Millisecond, 10*time.Second, s.listenerEvent)
	for _, ch := range []string{requestsNotifyChannel, presenceNotifyChannel} {
		if err := s.listener.Listen(ch); err != nil {
			_ = s.listener.Close()
			_ = db.Close()
			return nil, unavailable("listen", err)
		}
	}
	go s.dispatch()
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	close(s.done)
	s.failAll(errors.New("store closed"))
	lerr := s.listener.Close()
	return errors.Join(lerr, s.db.Close())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var (
		r        models.RideRequest
		driverID sql.NullString
		status   string
		vehicle  string
	)
	err := row.Scan(&r.ID, &r.CustomerID, &driverID, &r.Pickup.Lat, &r.Pickup.Lng,
		&r.Destination.Lat, &r.Destination.Lng, &status, &vehicle, &r.Fare, &r.Archived,
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.Status = models.Status(status)
	r.Vehicle = models.Vehicle(vehicle)
	return &r, nil
}

func notify(ctx context.Context, tx *sql.Tx, channel, payload string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// withTx commits fn's writes together with their notifications.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Create(ctx context.Context, in NewRequest) (string, error) {
	if err := validateNew(in); err != nil {
		return "", err
	}
	doc := newDocument(uuid.NewString(), in, s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO ride_requests
			(id, customer_id, pickup_lat, pickup_lng, dest_lat, dest_lng, status, vehicle, fare, version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			doc.ID, doc.CustomerID, doc.Pickup.Lat, doc.Pickup.Lng, doc.Destination.Lat, doc.Destination.Lng,
			string(doc.Status), string(doc.Vehicle), doc.Fare, doc.Version, doc.CreatedAt, doc.UpdatedAt)
		if err != nil {
			return err
		}
		return notify(ctx, tx, requestsNotifyChannel, doc.ID)
	})
	if err != nil {
		return "", unavailable("create", err)
	}
	return doc.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, unavailable("get", err)
	}
	return r, err
}

// TryAccept is a single conditional UPDATE; the database evaluates the
// precondition and the write under the same row lock.
func (s *PostgresStore) TryAccept(ctx context.Context, id, driverID string) (models.AcceptResult, error) {
	if driverID == "" {
		return models.NotFound, errors.New("driver id is required")
	}
	result := models.NotFound
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE ride_requests
			SET status = 'accepted', driver_id = $2, version = version + 1, updated_at = $3
			WHERE id = $1 AND status = 'pending' AND driver_id IS NULL`, id, driverID, s.now())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			result = models.Accepted
			return notify(ctx, tx, requestsNotifyChannel, id)
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ride_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			result = models.AlreadyTaken
		}
		return nil
	})
	if err != nil {
		return models.NotFound, unavailable("try_accept", err)
	}
	return result, nil
}

// lockRequest reads the row under FOR UPDATE so a concurrent transition
// waits for this one to commit.
func lockRequest(ctx context.Context, tx *sql.Tx, id string) (*models.RideRequest, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1 FOR UPDATE`, id))
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id, actorID string, to models.Status) (*models.RideRequest, error) {
	var out *models.RideRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := applyStatus(r, actorID, to, s.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status = $2, version = $3, updated_at = $4 WHERE id = $1`,
			id, string(r.Status), r.Version, r.UpdatedAt); err != nil {
			return err
		}
		out = r
		return notify(ctx, tx, requestsNotifyChannel, id)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrNotAssigned) {
			return nil, err
		}
		return nil, unavailable("update_status", err)
	}
	return out, nil
}

func (s *PostgresStore) Archive(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := archive(r, s.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ride_requests SET archived = TRUE, version = $2, updated_at = $3 WHERE id = $1`,
			id, r.Version, r.UpdatedAt); err != nil {
			return err
		}
		return notify(ctx, tx, requestsNotifyChannel, id)
	})
	switch {
	case err == nil, errors.Is(err, errUnchanged), errors.Is(err, ErrNotFound):
		return nil
	case errors.Is(err, ErrIllegalTransition):
		return err
	}
	return unavailable("archive", err)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM ride_requests WHERE id = $1 AND status IN ('completed', 'canceled')`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return notify(ctx, tx, requestsNotifyChannel, id)
		}
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM ride_requests WHERE id = $1`, id).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return err
		}
		return deletable(&models.RideRequest{ID: id, Status: models.Status(status)})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrIllegalTransition):
		return err
	}
	return unavailable("delete", err)
}

func (s *PostgresStore) queryRequests(ctx context.Context, query string, args ...any) ([]models.RideRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	rs, err := s.queryRequests(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE driver_id = $1 ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, unavailable("list_by_driver", err)
	}
	return rs, nil
}

func (s *PostgresStore) pending(ctx context.Context) ([]models.RideRequest, error) {
	return s.queryRequests(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE status = 'pending' ORDER BY created_at, id`)
}

func scanPresence(row rowScanner) (*models.DriverPresence, error) {
	var (
		p        models.DriverPresence
		lat, lng sql.NullFloat64
	)
	err := row.Scan(&p.DriverID, &lat, &lng, &p.IsConnected, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		p.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &p, nil
}

func (s *PostgresStore) EnsureExists(ctx context.Context, driverID string) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO driver_presence (driver_id, is_connected, created_at, updated_at)
			VALUES ($1, FALSE, $2, $2) ON CONFLICT (driver_id) DO NOTHING`, driverID, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return notify(ctx, tx, presenceNotifyChannel, driverID)
	})
	if err != nil {
		return unavailable("ensure_presence", err)
	}
	return nil
}

func (s *PostgresStore) upsertPresence(ctx context.Context, op, driverID, set string, args ...any) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := `INSERT INTO driver_presence (driver_id, created_at, updated_at) VALUES ($1, $2, $2)
			ON CONFLICT (driver_id) DO UPDATE SET version = driver_presence.version + 1, updated_at = $2`
		if _, err := tx.ExecContext(ctx, q, driverID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE driver_presence SET `+set+` WHERE driver_id = $1`, append([]any{driverID}, args...)...); err != nil {
			return err
		}
		return notify(ctx, tx, presenceNotifyChannel, driverID)
	})
	if err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *PostgresStore) SetConnected(ctx context.Context, driverID string, connected bool) error {
	return s.upsertPresence(ctx, "set_connected", driverID, `is_connected = $2`, connected)
}

func (s *PostgresStore) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	return s.upsertPresence(ctx, "update_location", driverID, `lat = $2, lng = $3`, loc.Lat, loc.Lng)
}

func (s *PostgresStore) GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	p, err := scanPresence(s.db.QueryRowContext(ctx, `SELECT driver_id, lat, lng, is_connected, version, created_at, updated_at
		FROM driver_presence WHERE driver_id = $1`, driverID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, unavailable("get_presence", err)
	}
	return p, err
}

// pgSub is one subscription. Notifications only kick it; the goroutine then
// re-reads, so kicks arriving during a read collapse into one more read.
type pgSub struct {
	channel string
	key     string // document id, empty for the pending query
	pending bool
	kick    chan struct{}
	refresh func(context.Context, func(func())) error
	onError func(error)
	cancel  context.CancelFunc
	ctx     context.Context
	once    sync.Once
	store   *PostgresStore

	// mu is held while a callback runs; see redisSub.
	mu     sync.Mutex
	closed bool
}

func (p *pgSub) Unsubscribe() {
	p.once.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.store.mu.Lock()
		delete(p.store.subs, p)
		p.store.mu.Unlock()
	})
}

func (p *pgSub) deliver(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	fn()
}

func (p *pgSub) poke() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *pgSub) run() {
	for {
		if err := p.refresh(p.ctx, p.deliver); err != nil {
			if p.ctx.Err() == nil {
				p.deliver(func() { p.onError(unavailable("subscription", err)) })
				p.Unsubscribe()
			}
			return
		}
		select {
		case <-p.ctx.Done():
			return
		case <-p.kick:
		}
	}
}

func (s *PostgresStore) register(ctx context.Context, sub *pgSub) (Subscription, error) {
	select {
	case <-s.done:
		return nil, unavailable("subscribe", errors.New("store closed"))
	default:
	}
	sub.ctx, sub.cancel = context.WithCancel(context.WithoutCancel(ctx))
	sub.kick = make(chan struct{}, 1)
	sub.store = s
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	go sub.run()
	return sub, nil
}

// dispatch fans listener notifications out to matching subscriptions. A nil
// notification means the listener reconnected and may have missed events, so
// everyone re-reads.
func (s *PostgresStore) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			s.mu.Lock()
			for sub := range s.subs {
				switch {
				case n == nil:
					sub.poke()
				case n.Channel != sub.channel:
				case sub.pending || sub.key == n.Extra:
					sub.poke()
				}
			}
			s.mu.Unlock()
		}
	}
}

// listenerEvent kills every live subscription when the notification
// connection drops; callers re-subscribe on their own schedule.
func (s *PostgresStore) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		if err == nil {
			err = errors.New("notification connection lost")
		}
		s.logger.Warn("postgres listener disconnected", "error", err)
		s.failAll(err)
	case pq.ListenerEventReconnected:
		s.logger.Info("postgres listener reconnected")
	}
}

func (s *PostgresStore) failAll(err error) {
	s.mu.Lock()
	subs := make([]*pgSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		sub.cancel()
		sub := sub
		go func() {
			sub.deliver(func() { sub.onError(unavailable("subscription", err)) })
			sub.Unsubscribe()
		}()
	}
}

func (s *PostgresStore) SubscribeRequest(ctx context.Context, id string, onChange func(*models.RideRequest), onError func(error)) (Subscription, error) {
	var last int64
	return s.register(ctx, &pgSub{
		channel: requestsNotifyChannel,
		key:     id,
		onError: onError,
		refresh: func(ctx context.Context, deliver func(func())) error {
			r, err := s.Get(ctx, id)
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
		},
	})
}

func (s *PostgresStore) SubscribePending(ctx context.Context, onChange func([]models.RideRequest), onError func(error)) (Subscription, error) {
	return s.register(ctx, &pgSub{
		channel: requestsNotifyChannel,
		pending: true,
		onError: onError,
		refresh: func(ctx context.Context, deliver func(func())) error {
			rs, err := s.pending(ctx)
			if err != nil {
				return err
			}
			deliver(func() { onChange(rs) })
			return nil
		},
	})
}

func (s *PostgresStore) SubscribePresence(ctx context.Context, driverID string, onChange func(*models.DriverPresence), onError func(error)) (Subscription, error) {
	var last int64
	return s.register(ctx, &pgSub{
		channel: presenceNotifyChannel,
		key:     driverID,
		onError: onError,
		refresh: func(ctx context.Context, deliver func(func())) error {
			p, err := s.GetPresence(ctx, driverID)
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
		},
	})
}

var _ Backend = (*PostgresStore)(nil)
