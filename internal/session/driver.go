package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-lifecycle/internal/matching"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/storage"
)

var (
	ErrNoIncomingRequest = errors.New("no incoming request")
	ErrAcceptInFlight    = errors.New("an accept is already in flight")
	ErrNotStarted        = errors.New("driver session not started")
)

// DriverView is what the driver screen renders.
type DriverView struct {
	Connected bool                `json:"connected"`
	Incoming  *models.RideRequest `json:"incoming,omitempty"`
	Active    *models.RideRequest `json:"active,omitempty"`
	Location  *models.Coord       `json:"location,omitempty"`
}

// DriverSession offers a connected driver one pending request at a time and
// follows the ride the driver accepts until it ends. While a ride is active
// the pending subscription is torn down, so nothing new is offered.
type DriverSession struct {
	driverID string
	deps     Deps
	logger   *slog.Logger
	l        *loop
	ctx      context.Context
	cancel   context.CancelFunc

	started     bool
	connected   bool
	presVersion int64
	location    *models.Coord
	pending     []models.RideRequest
	incoming    *models.RideRequest
	skipped     map[string]struct{}
	accepting   bool
	active      *models.RideRequest

	presFeed *feed[*models.DriverPresence]
	pendFeed *feed[[]models.RideRequest]
	reqFeed  *feed[*models.RideRequest]
}

func NewDriverSession(driverID string, deps Deps) *DriverSession {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &DriverSession{
		driverID: driverID,
		deps:     deps,
		logger:   deps.Logger.With("driver_id", driverID),
		l:        newLoop(),
		ctx:      ctx,
		cancel:   cancel,
		skipped:  make(map[string]struct{}),
	}
	s.presFeed = newFeed("driver_presence", s.l, ctx, deps.Backoff, s.onPresence, s.feedDown("presence"))
	s.pendFeed = newFeed("driver_pending", s.l, ctx, deps.Backoff, s.onPending, s.feedDown("incoming request"))
	s.reqFeed = newFeed("driver_request", s.l, ctx, deps.Backoff, s.onRequest, s.feedDown("ride status"))
	return s
}

func (s *DriverSession) DriverID() string { return s.driverID }

// Start creates the presence document if needed and follows it, so a
// connectivity toggle made from another device is honored here too.
func (s *DriverSession) Start(ctx context.Context) error {
	var started bool
	if err := s.l.call(func() { started = s.started }); err != nil {
		return err
	}
	if started {
		return nil
	}
	if err := s.deps.Presence.EnsureExists(ctx, s.driverID); err != nil {
		s.l.post(func() { s.storeNotice("", "could not go online", err) })
		return err
	}
	p, err := s.deps.Presence.GetPresence(ctx, s.driverID)
	if err != nil {
		s.l.post(func() { s.storeNotice("", "could not go online", err) })
		return err
	}
	return s.l.call(func() {
		if s.started {
			return
		}
		s.started = true
		s.presFeed.start(func(ctx context.Context, onChange func(*models.DriverPresence), onError func(error)) (storage.Subscription, error) {
			return s.deps.Presence.SubscribePresence(ctx, s.driverID, onChange, onError)
		})
		s.onPresence(p)
	})
}

func (s *DriverSession) onPresence(p *models.DriverPresence) {
	if p == nil || p.DriverID != s.driverID || p.Version < s.presVersion {
		return
	}
	s.presVersion = p.Version
	s.location = p.Location
	if p.IsConnected != s.connected {
		s.applyConnected(p.IsConnected)
	}
}

func (s *DriverSession) applyConnected(connected bool) {
	s.connected = connected
	if connected {
		observability.DriversConnected.Inc()
	} else {
		observability.DriversConnected.Dec()
	}
	s.logger.Info("connectivity changed", "connected", connected)
	s.replacePendingSubscription()
}

// SetConnected writes the availability flag and starts or stops listening
// for pending requests accordingly.
func (s *DriverSession) SetConnected(ctx context.Context, connected bool) error {
	var started bool
	if err := s.l.call(func() { started = s.started }); err != nil {
		return err
	}
	if !started {
		return ErrNotStarted
	}
	if err := s.deps.Presence.SetConnected(ctx, s.driverID, connected); err != nil {
		s.l.post(func() { s.storeNotice("", "could not change availability", err) })
		return err
	}
	// Apply the committed document rather than the requested flag so a
	// slower notification for an older version cannot flip it back.
	p, err := s.deps.Presence.GetPresence(ctx, s.driverID)
	return s.l.call(func() {
		if err == nil {
			s.onPresence(p)
			return
		}
		if s.connected != connected {
			s.applyConnected(connected)
		}
	})
}

// replacePendingSubscription is the one place the pending listener is
// started or stopped. Starting replaces any previous listener.
func (s *DriverSession) replacePendingSubscription() {
	if s.connected && s.active == nil {
		s.pendFeed.start(func(ctx context.Context, onChange func([]models.RideRequest), onError func(error)) (storage.Subscription, error) {
			return s.deps.Requests.SubscribePending(ctx, onChange, onError)
		})
		return
	}
	s.pendFeed.stop()
	s.pending = nil
	s.incoming = nil
}

func (s *DriverSession) onPending(rs []models.RideRequest) {
	if s.active != nil || !s.connected {
		return
	}
	s.pending = rs
	live := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		live[r.ID] = struct{}{}
	}
	for id := range s.skipped {
		if _, ok := live[id]; !ok {
			delete(s.skipped, id)
		}
	}
	s.pick()
}

// pick keeps the current candidate while it is still pending and otherwise
// offers the first-seen pending request not skipped by this driver.
func (s *DriverSession) pick() {
	if s.incoming != nil {
		for _, r := range s.pending {
			if r.ID == s.incoming.ID {
				cp := r
				s.incoming = &cp
				return
			}
		}
		s.incoming = nil
	}
	for _, r := range s.pending {
		if _, skip := s.skipped[r.ID]; skip {
			continue
		}
		cp := r
		s.incoming = &cp
		s.logger.Info("incoming request", "request_id", r.ID, "customer_id", r.CustomerID)
		return
	}
}

// Accept tries to take the incoming request. AlreadyTaken and NotFound are
// normal outcomes: the candidate is dropped, a notice is shown and the next
// pending request, if any, is offered.
func (s *DriverSession) Accept(ctx context.Context) (models.AcceptResult, error) {
	var cand *models.RideRequest
	var busy error
	if err := s.l.call(func() {
		switch {
		case s.active != nil:
			busy = ErrRideInProgress
		case s.accepting:
			busy = ErrAcceptInFlight
		case s.incoming == nil:
			busy = ErrNoIncomingRequest
		default:
			cp := *s.incoming
			cand = &cp
			s.accepting = true
		}
	}); err != nil {
		return models.NotFound, err
	}
	if busy != nil {
		return models.NotFound, busy
	}

	res, err := s.deps.Coordinator.Accept(ctx, cand.ID, s.driverID)
	if cerr := s.l.call(func() {
		s.accepting = false
		if err != nil {
			s.storeNotice(cand.ID, "could not accept the request", err)
			return
		}
		if res == models.Accepted {
			s.startRide(cand)
			return
		}
		s.skipped[cand.ID] = struct{}{}
		if s.incoming != nil && s.incoming.ID == cand.ID {
			s.incoming = nil
		}
		s.notify(Notice{Kind: NoticeRequestTaken, RequestID: cand.ID, Message: "this request was already taken"})
		s.pick()
	}); cerr != nil {
		return res, cerr
	}
	return res, err
}

func (s *DriverSession) startRide(r *models.RideRequest) {
	r.Status = models.StatusAccepted
	r.DriverID = s.driverID
	r.Version++
	s.active = r
	s.replacePendingSubscription()
	id := r.ID
	s.reqFeed.start(func(ctx context.Context, onChange func(*models.RideRequest), onError func(error)) (storage.Subscription, error) {
		return s.deps.Requests.SubscribeRequest(ctx, id, onChange, onError)
	})
	s.logger.Info("ride accepted", "request_id", id)
}

// Decline skips the incoming request locally. It is not a state transition.
func (s *DriverSession) Decline() error {
	var err error
	if cerr := s.l.call(func() {
		if s.incoming == nil {
			err = ErrNoIncomingRequest
			return
		}
		s.skipped[s.incoming.ID] = struct{}{}
		s.incoming = nil
		s.pick()
	}); cerr != nil {
		return cerr
	}
	return err
}

func (s *DriverSession) onRequest(r *models.RideRequest) {
	if s.active == nil {
		return
	}
	if r == nil {
		s.endRide("")
		return
	}
	if r.ID != s.active.ID || r.Version < s.active.Version {
		return
	}
	s.active = r
	if r.Status.Terminal() {
		s.endRide(r.Status)
	}
}

func (s *DriverSession) endRide(status models.Status) {
	id := s.active.ID
	s.reqFeed.stop()
	s.active = nil
	var n Notice
	switch status {
	case models.StatusCompleted:
		n = Notice{Kind: NoticeTripCompleted, RequestID: id, Message: "ride completed"}
	case models.StatusCanceled:
		n = Notice{Kind: NoticeTripCanceled, RequestID: id, Message: "the ride was canceled"}
	default:
		n = Notice{Kind: NoticeTripEnded, RequestID: id, Message: "the ride has ended"}
	}
	s.notify(n)
	s.logger.Info("ride finished", "request_id", id, "status", status)
	if status.Terminal() {
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), settleTimeout)
			defer cancel()
			_ = s.deps.Coordinator.Archive(ctx, id)
		}()
	}
	s.replacePendingSubscription()
}

// Complete marks the active ride as completed.
func (s *DriverSession) Complete(ctx context.Context) (matching.Resolution, error) {
	return s.finishActive(ctx, models.StatusCompleted)
}

// Cancel cancels the active ride.
func (s *DriverSession) Cancel(ctx context.Context) (matching.Resolution, error) {
	return s.finishActive(ctx, models.StatusCanceled)
}

func (s *DriverSession) finishActive(ctx context.Context, to models.Status) (matching.Resolution, error) {
	var id string
	if err := s.l.call(func() {
		if s.active != nil {
			id = s.active.ID
		}
	}); err != nil {
		return matching.AlreadyResolved, err
	}
	if id == "" {
		return matching.AlreadyResolved, ErrNoActiveRide
	}
	var (
		res matching.Resolution
		err error
	)
	if to == models.StatusCompleted {
		res, err = s.deps.Coordinator.Complete(ctx, id, s.driverID)
	} else {
		res, err = s.deps.Coordinator.Cancel(ctx, id, s.driverID)
	}
	if err != nil {
		s.l.post(func() { s.storeNotice(id, fmt.Sprintf("could not mark the ride %s", to), err) })
		return res, err
	}
	status := to
	if res == matching.AlreadyResolved {
		status = resolvedStatus(ctx, s.deps.Requests, id)
	}
	return res, s.l.call(func() {
		if s.active != nil && s.active.ID == id {
			s.endRide(status)
		}
	})
}

// ReportLocation records a GPS fix. Fixes are written whether or not the
// driver is connected.
func (s *DriverSession) ReportLocation(ctx context.Context, loc models.Coord) error {
	if err := s.deps.Presence.UpdateLocation(ctx, s.driverID, loc); err != nil {
		s.l.post(func() { s.storeNotice("", "could not report location", err) })
		return err
	}
	observability.LocationUpdates.Inc()
	return s.l.call(func() { s.location = &loc })
}

func (s *DriverSession) View() DriverView {
	var v DriverView
	_ = s.l.call(func() {
		v.Connected = s.connected
		if s.incoming != nil {
			r := *s.incoming
			v.Incoming = &r
		}
		if s.active != nil {
			r := *s.active
			v.Active = &r
		}
		if s.location != nil {
			loc := *s.location
			v.Location = &loc
		}
	})
	return v
}

// Close stops every subscription. Presence is left untouched so another
// device can keep the driver online.
func (s *DriverSession) Close() {
	_ = s.l.call(func() {
		s.presFeed.stop()
		s.pendFeed.stop()
		s.reqFeed.stop()
		if s.connected {
			observability.DriversConnected.Dec()
			s.connected = false
		}
	})
	s.cancel()
	s.l.close()
}

func (s *DriverSession) notify(n Notice) {
	n.UserID = s.driverID
	s.deps.Notifier.Notify(n)
}

func (s *DriverSession) storeNotice(requestID, what string, err error) {
	s.logger.Warn(what, "request_id", requestID, "err", err)
	s.notify(Notice{
		Kind:      NoticeStoreError,
		RequestID: requestID,
		Message:   what,
		Retryable: errors.Is(err, storage.ErrStoreUnavailable),
	})
}

func (s *DriverSession) feedDown(what string) func(error, time.Duration) {
	return func(err error, retryIn time.Duration) {
		id := ""
		if s.active != nil {
			id = s.active.ID
		}
		s.logger.Warn("subscription lost", "feed", what, "request_id", id, "retry_in", retryIn, "err", err)
		s.notify(Notice{
			Kind:      NoticeStoreError,
			RequestID: id,
			Message:   fmt.Sprintf("lost live %s updates, reconnecting in %s", what, retryIn),
			Retryable: true,
		})
	}
}
