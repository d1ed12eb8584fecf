package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/matching"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/route"
	"github.com/example/ride-lifecycle/internal/storage"
)

var (
	ErrMissingPickup      = errors.New("pickup location is required")
	ErrMissingDestination = errors.New("destination is required")
	ErrSameLocation       = errors.New("pickup and destination must differ")
	ErrRideInProgress     = errors.New("a ride is already in progress")
	ErrNoActiveRide       = errors.New("no active ride")
)

// Deps are the collaborators shared by customer and driver sessions.
type Deps struct {
	Coordinator *matching.Coordinator
	Requests    storage.RequestStore
	Presence    storage.DriverPresenceStore
	Routes      route.Client
	Payments    payments.Holder
	Notifier    Notifier
	Logger      *slog.Logger
	Backoff     Backoff
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Routes == nil {
		d.Routes = route.StraightLine{}
	}
	if d.Payments == nil {
		d.Payments = payments.Noop{}
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Logger: d.Logger}
	}
	return d
}

// settleTimeout bounds the post-terminal work a session does in the
// background after it has already reset its own state.
const settleTimeout = 10 * time.Second

type RideInput struct {
	Pickup      models.Coord   `json:"pickup"`
	Destination models.Coord   `json:"destination"`
	Vehicle     models.Vehicle `json:"vehicle"`
}

func (in RideInput) validate() error {
	switch {
	case in.Pickup.IsZero():
		return ErrMissingPickup
	case in.Destination.IsZero():
		return ErrMissingDestination
	case in.Pickup == in.Destination:
		return ErrSameLocation
	}
	return nil
}

// CustomerView is what the customer screen renders.
type CustomerView struct {
	Request *models.RideRequest    `json:"request,omitempty"`
	Route   *route.Route           `json:"route,omitempty"`
	Fare    int64                  `json:"fare,omitempty"`
	Driver  *models.DriverPresence `json:"driver,omitempty"`
}

// CustomerSession follows one customer's ride from request to a terminal
// state.
type CustomerSession struct {
	userID string
	deps   Deps
	logger *slog.Logger
	l      *loop
	ctx    context.Context
	cancel context.CancelFunc

	placing       bool
	request       *models.RideRequest
	rt            *route.Route
	fare          int64
	holdID        string
	driver        *models.DriverPresence
	watchedDriver string
	reqFeed       *feed[*models.RideRequest]
	drvFeed       *feed[*models.DriverPresence]
}

func NewCustomerSession(userID string, deps Deps) *CustomerSession {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &CustomerSession{
		userID: userID,
		deps:   deps,
		logger: deps.Logger.With("customer_id", userID),
		l:      newLoop(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.reqFeed = newFeed("customer_request", s.l, ctx, deps.Backoff, s.onRequest, s.feedDown("ride status"))
	s.drvFeed = newFeed("customer_driver", s.l, ctx, deps.Backoff, s.onDriver, s.feedDown("driver location"))
	return s
}

func (s *CustomerSession) UserID() string { return s.userID }

// RequestRide validates the input locally, prices the route, holds the fare
// and creates the request. Validation failures never reach the store.
func (s *CustomerSession) RequestRide(ctx context.Context, in RideInput) (string, error) {
	if err := in.validate(); err != nil {
		s.l.post(func() { s.notify(Notice{Kind: NoticeValidation, Message: err.Error()}) })
		return "", err
	}
	var busy error
	if err := s.l.call(func() {
		if s.placing || s.request != nil {
			busy = ErrRideInProgress
			return
		}
		s.placing = true
	}); err != nil {
		return "", err
	}
	if busy != nil {
		return "", busy
	}

	placed, err := s.place(ctx, in)
	if cerr := s.l.call(func() {
		s.placing = false
		if err == nil {
			s.install(placed)
		}
	}); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", err
	}
	return placed.req.ID, nil
}

type placement struct {
	req    models.RideRequest
	rt     route.Route
	holdID string
}

func (s *CustomerSession) place(ctx context.Context, in RideInput) (placement, error) {
	rt, err := s.deps.Routes.ComputeRoute(ctx, in.Pickup, in.Destination)
	if err != nil {
		return placement{}, fmt.Errorf("compute route: %w", err)
	}
	amount := fare.Estimate(rt.DistanceMeters, in.Vehicle)
	holdID, err := s.deps.Payments.Hold(ctx, s.userID, amount)
	if err != nil {
		return placement{}, fmt.Errorf("payment hold: %w", err)
	}
	nr := storage.NewRequest{CustomerID: s.userID, Pickup: in.Pickup, Destination: in.Destination, Vehicle: in.Vehicle, Fare: amount}
	id, err := s.deps.Coordinator.Create(ctx, nr)
	if err != nil {
		if holdID != "" {
			if rerr := s.deps.Payments.Release(ctx, holdID); rerr != nil {
				s.logger.Warn("release hold failed", "hold_id", holdID, "err", rerr)
			}
		}
		s.l.post(func() { s.storeNotice("", "could not request a ride", err) })
		return placement{}, err
	}
	return placement{
		req: models.RideRequest{
			ID: id, CustomerID: s.userID, Pickup: in.Pickup, Destination: in.Destination,
			Status: models.StatusPending, Vehicle: in.Vehicle, Fare: amount,
		},
		rt:     rt,
		holdID: holdID,
	}, nil
}

func (s *CustomerSession) install(p placement) {
	req := p.req
	s.request = &req
	s.rt = &p.rt
	s.fare = req.Fare
	s.holdID = p.holdID
	id := req.ID
	s.reqFeed.start(func(ctx context.Context, onChange func(*models.RideRequest), onError func(error)) (storage.Subscription, error) {
		return s.deps.Requests.SubscribeRequest(ctx, id, onChange, onError)
	})
	s.logger.Info("ride requested", "request_id", id, "fare", req.Fare)
}

func (s *CustomerSession) onRequest(r *models.RideRequest) {
	if s.request == nil {
		return
	}
	if r == nil {
		// Deleted before a terminal status reached us. The outcome is unknown.
		s.finish("")
		return
	}
	if r.ID != s.request.ID || r.Version < s.request.Version {
		return
	}
	s.request = r
	if r.Status == models.StatusAccepted && r.DriverID != s.watchedDriver {
		s.watchDriver(r.DriverID)
	}
	if r.Status.Terminal() {
		s.finish(r.Status)
	}
}

func (s *CustomerSession) watchDriver(driverID string) {
	s.watchedDriver = driverID
	s.driver = nil
	s.drvFeed.start(func(ctx context.Context, onChange func(*models.DriverPresence), onError func(error)) (storage.Subscription, error) {
		return s.deps.Presence.SubscribePresence(ctx, driverID, onChange, onError)
	})
	s.logger.Info("driver assigned", "request_id", s.request.ID, "driver_id", driverID)
}

func (s *CustomerSession) onDriver(p *models.DriverPresence) {
	if p == nil || p.DriverID != s.watchedDriver {
		return
	}
	s.driver = p
}

// finish stops both subscriptions, resets local state and settles the ride in
// the background. Later observations of the same ride find no request and
// are ignored. An empty status means the final status was never observed.
func (s *CustomerSession) finish(status models.Status) {
	req, holdID := s.request, s.holdID
	s.reqFeed.stop()
	s.drvFeed.stop()
	s.request, s.rt, s.fare, s.holdID = nil, nil, 0, ""
	s.driver, s.watchedDriver = nil, ""

	var n Notice
	switch status {
	case models.StatusCompleted:
		n = Notice{Kind: NoticeTripCompleted, RequestID: req.ID, Message: "you have arrived"}
	case models.StatusCanceled:
		n = Notice{Kind: NoticeTripCanceled, RequestID: req.ID, Message: "your ride was canceled"}
	default:
		n = Notice{Kind: NoticeTripEnded, RequestID: req.ID, Message: "your ride has ended"}
	}
	s.notify(n)
	s.logger.Info("ride finished", "request_id", req.ID, "status", status)
	go s.settle(req.ID, status, holdID)
}

func (s *CustomerSession) settle(requestID string, status models.Status, holdID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), settleTimeout)
	defer cancel()
	var err error
	switch {
	case holdID == "":
	case status == models.StatusCompleted:
		err = s.deps.Payments.Capture(ctx, holdID)
	case status == models.StatusCanceled:
		err = s.deps.Payments.Release(ctx, holdID)
	default:
		s.logger.Error("ride outcome unknown, hold left open", "request_id", requestID, "hold_id", holdID)
	}
	if err != nil {
		s.logger.Error("settle payment failed", "request_id", requestID, "hold_id", holdID, "status", status, "err", err)
	}
	_ = s.deps.Coordinator.Cleanup(ctx, requestID)
}

// Cancel cancels the customer's current ride.
func (s *CustomerSession) Cancel(ctx context.Context) error {
	var id string
	if err := s.l.call(func() {
		if s.request != nil {
			id = s.request.ID
		}
	}); err != nil {
		return err
	}
	if id == "" {
		return ErrNoActiveRide
	}
	res, err := s.deps.Coordinator.Cancel(ctx, id, s.userID)
	if err != nil {
		s.l.post(func() { s.storeNotice(id, "could not cancel the ride", err) })
		return err
	}
	status := models.StatusCanceled
	if res == matching.AlreadyResolved {
		status = resolvedStatus(ctx, s.deps.Requests, id)
	}
	return s.l.call(func() {
		if s.request != nil && s.request.ID == id {
			s.finish(status)
		}
	})
}

// View returns a snapshot safe to hand to renderers.
func (s *CustomerSession) View() CustomerView {
	var v CustomerView
	_ = s.l.call(func() {
		if s.request != nil {
			r := *s.request
			v.Request = &r
		}
		if s.rt != nil {
			rt := *s.rt
			v.Route = &rt
		}
		v.Fare = s.fare
		if s.driver != nil {
			d := *s.driver
			v.Driver = &d
		}
	})
	return v
}

// Close tears down every subscription. The ride itself is left as is.
func (s *CustomerSession) Close() {
	_ = s.l.call(func() {
		s.reqFeed.stop()
		s.drvFeed.stop()
	})
	s.cancel()
	s.l.close()
}

func (s *CustomerSession) notify(n Notice) {
	n.UserID = s.userID
	s.deps.Notifier.Notify(n)
}

func (s *CustomerSession) storeNotice(requestID, what string, err error) {
	s.logger.Warn(what, "request_id", requestID, "err", err)
	s.notify(Notice{
		Kind:      NoticeStoreError,
		RequestID: requestID,
		Message:   what,
		Retryable: errors.Is(err, storage.ErrStoreUnavailable),
	})
}

func (s *CustomerSession) feedDown(what string) func(error, time.Duration) {
	return func(err error, retryIn time.Duration) {
		id := ""
		if s.request != nil {
			id = s.request.ID
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

// resolvedStatus reads back how a request someone else settled ended. It
// returns an empty status when the request is already gone.
func resolvedStatus(ctx context.Context, store storage.RequestStore, id string) models.Status {
	r, err := store.Get(ctx, id)
	if err == nil && r.Status.Terminal() {
		return r.Status
	}
	return ""
}
