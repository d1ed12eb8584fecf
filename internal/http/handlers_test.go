package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/matching"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/session"
	"github.com/example/ride-lifecycle/internal/storage"
)

type fakePublisher struct {
	mu    sync.Mutex
	fixes []models.Coord
}

func (f *fakePublisher) PublishLocation(_ context.Context, _ string, loc models.Coord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixes = append(f.fixes, loc)
	return nil
}

type testServer struct {
	*httptest.Server
	store *storage.MemoryStore
	geo   *geo.Index
	pub   *fakePublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithMode(t, matching.CleanupArchive)
}

func newTestServerWithMode(t *testing.T, mode matching.CleanupMode) *testServer {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	coord := matching.New(store, nil, mode, logger)
	ws := dispatch.NewWSRegistry(logger)
	hub := session.NewHub(session.Deps{
		Coordinator: coord,
		Requests:    store,
		Presence:    store,
		Notifier:    dispatch.NewPushDispatcher(ws, "", "", logger),
		Logger:      logger,
		Backoff:     session.Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
	})
	t.Cleanup(hub.Close)
	idx := geo.NewIndex()
	pub := &fakePublisher{}
	srv := NewServer(Options{
		Store:       store,
		Coordinator: coord,
		Hub:         hub,
		Geo:         idx,
		Locations:   pub,
		WS:          ws,
		Logger:      logger,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, geo: idx, pub: pub}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

var ride = map[string]any{
	"customer_id": "c1",
	"pickup":      models.Coord{Lat: 10.0, Lng: 106.0},
	"destination": models.Coord{Lat: 10.1, Lng: 106.1},
	"vehicle":     "bike",
}

func (ts *testServer) createRide(t *testing.T) string {
	t.Helper()
	var created struct {
		ID   string `json:"id"`
		Fare int64  `json:"fare"`
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/requests", ride, &created); code != http.StatusCreated {
		t.Fatalf("create: status %d", code)
	}
	if created.ID == "" || created.Fare <= 0 {
		t.Fatalf("unexpected create response %+v", created)
	}
	return created.ID
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

func TestCreateAndGetRequest(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createRide(t)

	var got models.RideRequest
	if code := ts.do(t, http.MethodGet, "/api/v1/requests/"+id, nil, &got); code != http.StatusOK {
		t.Fatalf("get: status %d", code)
	}
	if got.Status != models.StatusPending || got.CustomerID != "c1" || got.DriverID != "" {
		t.Fatalf("unexpected request %+v", got)
	}
	if code := ts.do(t, http.MethodGet, "/api/v1/requests/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing: status %d", code)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"customer_id": "c1", "destination": models.Coord{Lat: 10.1, Lng: 106.1}}
	if code := ts.do(t, http.MethodPost, "/api/v1/requests", body, nil); code != http.StatusBadRequest {
		t.Fatalf("missing pickup: status %d", code)
	}
	body = map[string]any{"pickup": models.Coord{Lat: 10, Lng: 106}, "destination": models.Coord{Lat: 10.1, Lng: 106.1}}
	if code := ts.do(t, http.MethodPost, "/api/v1/requests", body, nil); code != http.StatusBadRequest {
		t.Fatalf("missing customer: status %d", code)
	}
}

func TestSecondRequestWhileRideInProgress(t *testing.T) {
	ts := newTestServer(t)
	ts.createRide(t)
	if code := ts.do(t, http.MethodPost, "/api/v1/requests", ride, nil); code != http.StatusConflict {
		t.Fatalf("second ride: status %d", code)
	}
}

func TestAcceptContentionIsNotAnError(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createRide(t)

	type result struct {
		Result string `json:"result"`
	}
	var first, second, missing result
	if code := ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/accept", map[string]string{"driver_id": "d1"}, &first); code != http.StatusOK {
		t.Fatalf("first accept: status %d", code)
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/accept", map[string]string{"driver_id": "d2"}, &second); code != http.StatusOK {
		t.Fatalf("second accept: status %d", code)
	}
	ts.do(t, http.MethodPost, "/api/v1/requests/nope/accept", map[string]string{"driver_id": "d2"}, &missing)
	if first.Result != "accepted" || second.Result != "already_taken" || missing.Result != "not_found" {
		t.Fatalf("results: %q %q %q", first.Result, second.Result, missing.Result)
	}
}

func TestCompleteRequiresAssignedDriver(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createRide(t)
	ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/accept", map[string]string{"driver_id": "d1"}, nil)

	if code := ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/complete", map[string]string{"driver_id": "d2"}, nil); code != http.StatusForbidden {
		t.Fatalf("wrong driver: status %d", code)
	}
	var res struct {
		Resolution string `json:"resolution"`
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/complete", map[string]string{"driver_id": "d1"}, &res); code != http.StatusOK || res.Resolution != "resolved" {
		t.Fatalf("complete: %d %+v", code, res)
	}
	ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/cancel", map[string]string{"actor_id": "c1"}, &res)
	if res.Resolution != "already_resolved" {
		t.Fatalf("late cancel: %+v", res)
	}

	var trips []models.RideRequest
	ts.do(t, http.MethodGet, "/api/v1/drivers/d1/trips?tab=completed", nil, &trips)
	if len(trips) != 1 || trips[0].ID != id {
		t.Fatalf("completed trips: %+v", trips)
	}
	ts.do(t, http.MethodGet, "/api/v1/drivers/d1/trips?tab=upcoming", nil, &trips)
	if len(trips) != 0 {
		t.Fatalf("upcoming trips: %+v", trips)
	}
	if code := ts.do(t, http.MethodGet, "/api/v1/drivers/d1/trips?tab=bogus", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad tab: status %d", code)
	}
}

func TestDeleteRequestIsIdempotent(t *testing.T) {
	for _, mode := range []matching.CleanupMode{matching.CleanupArchive, matching.CleanupDelete} {
		t.Run(string(mode), func(t *testing.T) {
			ts := newTestServerWithMode(t, mode)
			id := ts.createRide(t)
			if code := ts.do(t, http.MethodDelete, "/api/v1/requests/"+id, nil, nil); code != http.StatusConflict {
				t.Fatalf("cleanup of a pending request: status %d", code)
			}
			if code := ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/accept", map[string]string{"driver_id": "d1"}, nil); code != http.StatusOK {
				t.Fatalf("accept: status %d", code)
			}
			if code := ts.do(t, http.MethodDelete, "/api/v1/requests/"+id, nil, nil); code != http.StatusConflict {
				t.Fatalf("cleanup of an accepted request: status %d", code)
			}
			var got models.RideRequest
			if code := ts.do(t, http.MethodGet, "/api/v1/requests/"+id, nil, &got); code != http.StatusOK || got.Status != models.StatusAccepted {
				t.Fatalf("refused cleanup changed the request: status %d, %+v", code, got)
			}
			ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/cancel", map[string]string{"actor_id": "c1"}, nil)
			for i := 0; i < 2; i++ {
				if code := ts.do(t, http.MethodDelete, "/api/v1/requests/"+id, nil, nil); code != http.StatusNoContent {
					t.Fatalf("delete %d: status %d", i, code)
				}
			}
			if mode == matching.CleanupDelete {
				if code := ts.do(t, http.MethodGet, "/api/v1/requests/"+id, nil, nil); code != http.StatusNotFound {
					t.Fatalf("get after delete: status %d", code)
				}
			}
		})
	}
}

func TestDriverSessionFlow(t *testing.T) {
	ts := newTestServer(t)
	if code := ts.do(t, http.MethodPut, "/api/v1/drivers/d1/presence", map[string]bool{"is_connected": true}, nil); code != http.StatusOK {
		t.Fatalf("presence: status %d", code)
	}
	id := ts.createRide(t)

	eventually(t, "incoming offer", func() bool {
		var v session.DriverView
		ts.do(t, http.MethodGet, "/api/v1/drivers/d1", nil, &v)
		return v.Incoming != nil && v.Incoming.ID == id
	})

	var accepted struct {
		Result string             `json:"result"`
		View   session.DriverView `json:"view"`
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/drivers/d1/accept", nil, &accepted); code != http.StatusOK {
		t.Fatalf("accept: status %d", code)
	}
	if accepted.Result != "accepted" || accepted.View.Active == nil {
		t.Fatalf("accept: %+v", accepted)
	}

	if code := ts.do(t, http.MethodPost, "/api/v1/drivers/d1/complete", nil, nil); code != http.StatusOK {
		t.Fatalf("complete: status %d", code)
	}
	eventually(t, "customer reset", func() bool {
		var v session.CustomerView
		ts.do(t, http.MethodGet, "/api/v1/customers/c1", nil, &v)
		return v.Request == nil
	})
}

func TestDriverAcceptWithoutOffer(t *testing.T) {
	ts := newTestServer(t)
	if code := ts.do(t, http.MethodPost, "/api/v1/drivers/d1/accept", nil, nil); code != http.StatusConflict {
		t.Fatalf("accept without offer: status %d", code)
	}
}

func TestDriverLocationFansOut(t *testing.T) {
	ts := newTestServer(t)
	loc := models.Coord{Lat: 10.01, Lng: 106.01}
	if code := ts.do(t, http.MethodPost, "/api/v1/drivers/d1/location", loc, nil); code != http.StatusNoContent {
		t.Fatalf("location: status %d", code)
	}
	p, err := ts.store.GetPresence(context.Background(), "d1")
	if err != nil || p.Location == nil || *p.Location != loc {
		t.Fatalf("presence not updated: %+v %v", p, err)
	}
	if len(ts.pub.fixes) != 1 {
		t.Fatalf("expected one published fix, got %d", len(ts.pub.fixes))
	}

	// Not connected yet, so nearby filters it out.
	var near []geo.Nearby
	ts.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=10&lng=106&radius=5000", nil, &near)
	if len(near) != 0 {
		t.Fatalf("offline driver listed: %+v", near)
	}
	ts.do(t, http.MethodPut, "/api/v1/drivers/d1/presence", map[string]bool{"is_connected": true}, nil)
	ts.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=10&lng=106&radius=5000", nil, &near)
	if len(near) != 1 || near[0].DriverID != "d1" {
		t.Fatalf("nearby: %+v", near)
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/drivers/d1/location", map[string]float64{}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty fix: status %d", code)
	}
}

func TestReadyReflectsStore(t *testing.T) {
	ts := newTestServer(t)
	if code := ts.do(t, http.MethodGet, "/ready", nil, nil); code != http.StatusOK {
		t.Fatalf("ready: status %d", code)
	}
	ts.store.Disconnect(storage.ErrStoreUnavailable)
	if code := ts.do(t, http.MethodGet, "/ready", nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("ready while down: status %d", code)
	}
}

func dial(t *testing.T, ts *testServer, path string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWSRequestStream(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createRide(t)
	c := dial(t, ts, "/ws/requests/"+id)

	read := func() map[string]any {
		t.Helper()
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var v map[string]any
		if err := c.ReadJSON(&v); err != nil {
			t.Fatal(err)
		}
		return v
	}
	if v := read(); v["status"] != "pending" {
		t.Fatalf("snapshot: %v", v)
	}
	ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/accept", map[string]string{"driver_id": "d1"}, nil)
	if v := read(); v["status"] != "accepted" || v["driver_id"] != "d1" {
		t.Fatalf("after accept: %v", v)
	}
}

func TestWSNoticesReceiveRequestTaken(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts, "/ws/notices/d2")

	ts.do(t, http.MethodPut, "/api/v1/drivers/d2/presence", map[string]bool{"is_connected": true}, nil)
	id := ts.createRide(t)
	eventually(t, "incoming offer", func() bool {
		var v session.DriverView
		ts.do(t, http.MethodGet, "/api/v1/drivers/d2", nil, &v)
		return v.Incoming != nil
	})
	// Another driver takes it through the direct API first.
	ts.do(t, http.MethodPost, "/api/v1/requests/"+id+"/accept", map[string]string{"driver_id": "d1"}, nil)

	var res struct {
		Result string `json:"result"`
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/drivers/d2/accept", nil, &res); code != http.StatusOK && code != http.StatusConflict {
		t.Fatalf("late accept: status %d", code)
	}
	if res.Result != "" && res.Result != "already_taken" {
		t.Fatalf("late accept result %q", res.Result)
	}
	if res.Result == "already_taken" {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var n session.Notice
		if err := c.ReadJSON(&n); err != nil {
			t.Fatal(err)
		}
		if n.Kind != session.NoticeRequestTaken || n.RequestID != id {
			t.Fatalf("unexpected notice %+v", n)
		}
	}
}

// countingLocator counts upserts on top of a Redis GEO locator.
type countingLocator struct {
	*geo.RedisGeo
	mu      sync.Mutex
	upserts int
}

func (c *countingLocator) Upsert(ctx context.Context, driverID string, at models.Coord) error {
	c.mu.Lock()
	c.upserts++
	c.mu.Unlock()
	return c.RedisGeo.Upsert(ctx, driverID, at)
}

func TestDriverLocationOnRedisIsIndexedOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logging.Discard()
	store := storage.NewRedisStoreFromClient(client, "drivers_geo")
	t.Cleanup(func() { _ = store.Close() })
	coord := matching.New(store, nil, matching.CleanupArchive, logger)
	hub := session.NewHub(session.Deps{Coordinator: coord, Requests: store, Presence: store, Logger: logger})
	t.Cleanup(hub.Close)
	loc := &countingLocator{RedisGeo: geo.NewRedisGeoFromClient(client, "drivers_geo")}
	srv := httptest.NewServer(NewServer(Options{Store: store, Coordinator: coord, Hub: hub, Geo: loc, Logger: logger}))
	t.Cleanup(srv.Close)
	ts := &testServer{Server: srv}

	fix := models.Coord{Lat: 10.01, Lng: 106.01}
	if code := ts.do(t, http.MethodPost, "/api/v1/drivers/d1/location", fix, nil); code != http.StatusNoContent {
		t.Fatalf("location: status %d", code)
	}
	pos, err := client.GeoPos(context.Background(), "drivers_geo", "d1").Result()
	if err != nil || len(pos) != 1 || pos[0] == nil {
		t.Fatalf("driver not in the GEO set: %v %v", pos, err)
	}
	loc.mu.Lock()
	n := loc.upserts
	loc.mu.Unlock()
	if n != 0 {
		t.Fatalf("GEO set written again by the handler %d times", n)
	}

	ts.do(t, http.MethodPut, "/api/v1/drivers/d1/presence", map[string]bool{"is_connected": true}, nil)
	var near []geo.Nearby
	ts.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=10&lng=106&radius=5000", nil, &near)
	if len(near) != 1 || near[0].DriverID != "d1" {
		t.Fatalf("nearby: %+v", near)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestAccessLogNamesRideEntities(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	store := storage.NewMemoryStore()
	coord := matching.New(store, nil, matching.CleanupArchive, logger)
	hub := session.NewHub(session.Deps{Coordinator: coord, Requests: store, Presence: store, Logger: logging.Discard()})
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(NewServer(Options{Store: store, Coordinator: coord, Hub: hub, Logger: logger}))
	t.Cleanup(srv.Close)
	ts := &testServer{Server: srv}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/drivers/d7/location", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-ID", "trace-1")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || resp.Header.Get("X-Request-ID") != "trace-1" {
		t.Fatalf("status %d, trace header %q", resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}
	if code := ts.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz: status %d", code)
	}

	var access []map[string]any
	for _, l := range logs.lines(t) {
		if l["msg"] == "http_request" {
			access = append(access, l)
		}
	}
	if len(access) != 1 {
		t.Fatalf("expected one access line (health checks are debug), got %v", access)
	}
	l := access[0]
	if l["driver_id"] != "d7" || l["trace_id"] != "trace-1" || l["route"] != "/api/v1/drivers/{id}/location" || l["level"] != "WARN" {
		t.Fatalf("unexpected access line %v", l)
	}
	if _, ok := l["request_id"]; ok {
		t.Fatalf("trace id logged as a ride request id: %v", l)
	}
}
