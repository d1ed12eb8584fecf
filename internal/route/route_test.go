package route

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

var (
	from = models.Coord{Lat: 10.0, Lng: 106.0}
	to   = models.Coord{Lat: 10.1, Lng: 106.1}
)

func TestOSRMClientParsesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/106.000000,10.000000;106.100000,10.100000") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"geometry":"abc","distance":15500.5,"duration":1200}]}`))
	}))
	defer srv.Close()

	r, err := NewOSRMClient(srv.URL).ComputeRoute(context.Background(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if r.Polyline != "abc" || r.DistanceMeters != 15500.5 || r.DurationSeconds != 1200 {
		t.Fatalf("unexpected %+v", r)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).ComputeRoute(context.Background(), from, to); err == nil {
		t.Fatal("expected error")
	}
}

type countingClient struct {
	calls int
	err   error
}

func (c *countingClient) ComputeRoute(context.Context, models.Coord, models.Coord) (Route, error) {
	c.calls++
	if c.err != nil {
		return Route{}, c.err
	}
	return Route{DistanceMeters: 42}, nil
}

func TestCachedExpires(t *testing.T) {
	next := &countingClient{}
	c := NewCached(next, time.Minute)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	for _i := 0; _i < 3; _i++ {
		if _, err := c.ComputeRoute(context.Background(), from, to); err != nil {
			t.Fatal(err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", next.calls)
	}
	now = now.Add(2 * time.Minute)
	_, _ = c.ComputeRoute(context.Background(), from, to)
	if next.calls != 2 {
		t.Fatalf("expected refresh after ttl, got %d calls", next.calls)
	}
}

func TestFallbackUsesStraightLine(t *testing.T) {
	c := WithFallback(&countingClient{err: errors.New("down")}, StraightLine{})
	r, err := c.ComputeRoute(context.Background(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if r.DistanceMeters < 15000 || r.DistanceMeters > 16000 {
		t.Fatalf("unexpected straight-line distance %f", r.DistanceMeters)
	}
	if r.DurationSeconds <= 0 {
		t.Fatalf("expected a duration, got %f", r.DurationSeconds)
	}
}
