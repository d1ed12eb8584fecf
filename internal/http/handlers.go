package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/matching"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/session"
	"github.com/example/ride-lifecycle/internal/storage"
)

// LocationPublisher fans driver fixes out to downstream consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, driverID string, loc models.Coord) error
}

type Options struct {
	Store       storage.Backend
	Coordinator *matching.Coordinator
	Hub         *session.Hub
	Geo         geo.Locator
	Locations   LocationPublisher // optional
	WS          *dispatch.WSRegistry
	Logger      *slog.Logger
}

type Server struct {
	store     storage.Backend
	coord     *matching.Coordinator
	hub       *session.Hub
	geo       geo.Locator
	geoFed    bool // the store already writes every fix into geo
	locations LocationPublisher
	ws        *dispatch.WSRegistry
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Geo == nil {
		o.Geo = geo.NewIndex()
	}
	if o.WS == nil {
		o.WS = dispatch.NewWSRegistry(o.Logger)
	}
	s := &Server{
		store:     o.Store,
		coord:     o.Coordinator,
		hub:       o.Hub,
		geo:       o.Geo,
		geoFed:    geo.FedBy(o.Geo, o.Store),
		locations: o.Locations,
		ws:        o.WS,
		logger:    o.Logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleDeleteRequest).Methods(http.MethodDelete)
	api.HandleFunc("/requests/{id}/accept", s.handleAcceptRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/complete", s.handleCompleteRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)

	api.HandleFunc("/customers/{id}", s.handleCustomerView).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id}/cancel", s.handleCustomerCancel).Methods(http.MethodPost)

	// nearby must be registered before the {id} routes.
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleDriverView).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/presence", s.handleDriverPresence).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/accept", s.handleDriverAccept).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/decline", s.handleDriverDecline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/complete", s.handleDriverComplete).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/cancel", s.handleDriverCancel).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/trips", s.handleDriverTrips).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/requests/{id}", s.handleWSRequest)
	s.mux.HandleFunc("/ws/pending", s.handleWSPending)
	s.mux.HandleFunc("/ws/drivers/{id}", s.handleWSDriver)
	s.mux.HandleFunc("/ws/notices/{user_id}", s.handleWSNotices)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	CustomerID string `json:"customer_id"`
	session.RideInput
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.CustomerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("customer_id is required"))
		return
	}
	cs := s.hub.Customer(body.CustomerID)
	id, err := cs.RequestRide(r.Context(), body.RideInput)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := cs.View()
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "fare": view.Fare, "route": view.Route})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Cleanup(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actorBody struct {
	DriverID string `json:"driver_id"`
	ActorID  string `json:"actor_id"`
}

// actor prefers actor_id and falls back to driver_id.
func (b actorBody) actor() string {
	if b.ActorID != "" {
		return b.ActorID
	}
	return b.DriverID
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeJSON(r, &body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, errors.New("driver_id is required"))
		return
	}
	res, err := s.coord.Accept(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Losing the race is an expected outcome, not an HTTP error.
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	s.finishRequest(w, r, s.coord.Complete)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	s.finishRequest(w, r, s.coord.Cancel)
}

func (s *Server) finishRequest(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (matching.Resolution, error)) {
	var body actorBody
	if err := decodeJSON(r, &body); err != nil || body.actor() == "" {
		writeError(w, http.StatusBadRequest, errors.New("actor_id is required"))
		return
	}
	res, err := op(r.Context(), mux.Vars(r)["id"], body.actor())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolution": res.String()})
}

func (s *Server) handleCustomerView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Customer(mux.Vars(r)["id"]).View())
}

func (s *Server) handleCustomerCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Customer(mux.Vars(r)["id"]).Cancel(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) driverSession(w http.ResponseWriter, r *http.Request) (*session.DriverSession, bool) {
	ds, err := s.hub.Driver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return ds, true
}

func (s *Server) handleDriverView(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.driverSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ds.View())
}

func (s *Server) handleDriverPresence(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsConnected *bool `json:"is_connected"`
	}
	if err := decodeJSON(r, &body); err != nil || body.IsConnected == nil {
		writeError(w, http.StatusBadRequest, errors.New("is_connected is required"))
		return
	}
	ds, ok := s.driverSession(w, r)
	if !ok {
		return
	}
	if err := ds.SetConnected(r.Context(), *body.IsConnected); err != nil {
		s.fail(w, r, err)
		return
	}
	if !*body.IsConnected {
		if err := s.geo.Remove(r.Context(), ds.DriverID()); err != nil {
			s.log(r).Warn("geo remove failed", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, ds.View())
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := decodeJSON(r, &loc); err != nil || loc.IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("lat and lng are required"))
		return
	}
	ds, ok := s.driverSession(w, r)
	if !ok {
		return
	}
	if err := ds.ReportLocation(r.Context(), loc); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.geoFed {
		if err := s.geo.Upsert(r.Context(), ds.DriverID(), loc); err != nil {
			s.log(r).Warn("geo upsert failed", "err", err)
		}
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), ds.DriverID(), loc); err != nil {
			s.log(r).Warn("location publish failed", "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverAccept(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.driverSession(w, r)
	if !ok {
		return
	}
	res, err := ds.Accept(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "view": ds.View()})
}

func (s *Server) handleDriverDecline(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.driverSession(w, r)
	if !ok {
		return
	}
	if err := ds.Decline(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds.View())
}

func (s *Server) handleDriverComplete(w http.ResponseWriter, r *http.Request) {
	s.finishDriverRide(w, r, (*session.DriverSession).Complete)
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	s.finishDriverRide(w, r, (*session.DriverSession).Cancel)
}

func (s *Server) finishDriverRide(w http.ResponseWriter, r *http.Request, op func(*session.DriverSession, context.Context) (matching.Resolution, error)) {
	ds, ok := s.driverSession(w, r)
	if !ok {
		return
	}
	res, err := op(ds, r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolution": res.String()})
}

var tabs = map[string]models.Status{
	"upcoming":  models.StatusAccepted,
	"completed": models.StatusCompleted,
	"canceled":  models.StatusCanceled,
}

func (s *Server) handleDriverTrips(w http.ResponseWriter, r *http.Request) {
	tab := r.URL.Query().Get("tab")
	want, ok := tabs[tab]
	if tab != "" && !ok {
		writeError(w, http.StatusBadRequest, errors.New("tab must be upcoming, completed or canceled"))
		return
	}
	trips, err := s.store.ListByDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]models.RideRequest, 0, len(trips))
	for _, t := range trips {
		if tab == "" || t.Status == want {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, http.StatusBadRequest, errors.New("lat and lng are required"))
		return
	}
	radius, _ := strconv.ParseFloat(q.Get("radius"), 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	found, err := s.geo.Nearby(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// The index can lag a disconnect; presence is authoritative.
	out := make([]geo.Nearby, 0, len(found))
	for _, n := range found {
		p, err := s.store.GetPresence(r.Context(), n.DriverID)
		if err != nil || !p.IsConnected {
			continue
		}
		out = append(out, n)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log(r).Error("request failed", "route", routeTemplate(r), "err", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrMissingPickup),
		errors.Is(err, session.ErrMissingDestination),
		errors.Is(err, session.ErrSameLocation):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotAssigned):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrIllegalTransition),
		errors.Is(err, session.ErrRideInProgress),
		errors.Is(err, session.ErrNoActiveRide),
		errors.Is(err, session.ErrNoIncomingRequest),
		errors.Is(err, session.ErrAcceptInFlight):
		return http.StatusConflict
	case errors.Is(err, storage.ErrStoreUnavailable), errors.Is(err, storage.ErrConflict):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
