package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-lifecycle/internal/models"
)

// Locator tracks driver positions and answers proximity queries for the
// customer map.
type Locator interface {
	Upsert(ctx context.Context, driverID string, at models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]Nearby, error)
}

// keyed is implemented by anything backed by a named Redis GEO set.
type keyed interface {
	GeoKey() string
}

// FedBy reports whether loc reads the GEO set that w already writes on every
// location update. Upserting into loc again would repeat the write.
func FedBy(loc Locator, w any) bool {
	l, ok := loc.(keyed)
	if !ok {
		return false
	}
	k, ok := w.(keyed)
	return ok && l.GeoKey() == k.GeoKey()
}

type Nearby struct {
	DriverID       string       `json:"driver_id"`
	Location       models.Coord `json:"location"`
	DistanceMeters float64      `json:"distance_meters"`
}

// Index is an in-process Locator.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, driverID string, at models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = at
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; fine for the fleet sizes the in-memory backend serves
func (g *Index) Nearby(_ context.Context, at models.Coord, radiusMeters float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	out := make([]Nearby, 0, len(g.drivers))
	for id, loc := range g.drivers {
		d := Haversine(at.Lat, at.Lng, loc.Lat, loc.Lng)
		if radiusMeters > 0 && d > radiusMeters {
			continue
		}
		out = append(out, Nearby{DriverID: id, Location: loc, DistanceMeters: d})
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) }
