package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
)

// Route is what the customer screen draws and what the fare is priced on.
type Route struct {
	Polyline        string  `json:"polyline,omitempty"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Client computes a route between two points.
type Client interface {
	ComputeRoute(ctx context.Context, from, to models.Coord) (Route, error)
}

// StraightLine is a great-circle estimate used when no directions service is
// configured or reachable.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) ComputeRoute(_ context.Context, from, to models.Coord) (Route, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city speed
	}
	d := geo.Distance(from, to)
	return Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// WithFallback tries primary first and falls back to secondary on error.
func WithFallback(primary, secondary Client) Client {
	return fallback{primary: primary, secondary: secondary}
}

type fallback struct {
	primary, secondary Client
}

func (f fallback) ComputeRoute(ctx context.Context, from, to models.Coord) (Route, error) {
	r, err := f.primary.ComputeRoute(ctx, from, to)
	if err == nil {
		return r, nil
	}
	r, ferr := f.secondary.ComputeRoute(ctx, from, to)
	if ferr != nil {
		return Route{}, errors.Join(err, ferr)
	}
	return r, nil
}

// Cached memoizes routes keyed by endpoints for ttl.
type Cached struct {
	next Client
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

func NewCached(next Client, ttl time.Duration) *Cached {
	return &Cached{next: next, ttl: ttl, now: time.Now, store: make(map[string]cacheEntry)}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func (c *Cached) ComputeRoute(ctx context.Context, from, to models.Coord) (Route, error) {
	k := keyFor(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		return e.r, nil
	}
	r, err := c.next.ComputeRoute(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: c.now()}
	c.mu.Unlock()
	return r, nil
}
