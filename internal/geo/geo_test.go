package geo

import (
	"context"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111.19 km on the mean-radius sphere
	d := Haversine(10, 106, 11, 106)
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestIndexNearbyOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, "far", models.Coord{Lat: 10.05, Lng: 106.0})
	_ = g.Upsert(ctx, "near", models.Coord{Lat: 10.001, Lng: 106.0})
	_ = g.Upsert(ctx, "away", models.Coord{Lat: 11, Lng: 107})

	got, err := g.Nearby(ctx, models.Coord{Lat: 10, Lng: 106}, 10000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "far" {
		t.Fatalf("unexpected %+v", got)
	}
	_ = g.Remove(ctx, "near")
	got, _ = g.Nearby(ctx, models.Coord{Lat: 10, Lng: 106}, 10000, 1)
	if len(got) != 1 || got[0].DriverID != "far" {
		t.Fatalf("unexpected after remove %+v", got)
	}
}

func TestRedisGeoNearby(t *testing.T) {
	mr := miniredis.RunT(t)
	g := NewRedisGeoFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer g.Close()
	ctx := context.Background()
	if err := g.Upsert(ctx, "d1", models.Coord{Lat: 10.001, Lng: 106.0}); err != nil {
		t.Fatal(err)
	}
	if err := g.Upsert(ctx, "d2", models.Coord{Lat: 10.5, Lng: 106.5}); err != nil {
		t.Fatal(err)
	}
	got, err := g.Nearby(ctx, models.Coord{Lat: 10, Lng: 106}, 5000, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("unexpected %+v", got)
	}
}
