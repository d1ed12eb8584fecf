package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

// RedisGeo implements Locator on a Redis GEO set. The Redis request store
// writes to the same key on every location update.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	return NewRedisGeoFromClient(redis.NewClient(&redis.Options{Addr: addr, Password: password}), key)
}

func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisGeo{client: c, key: key}
}

// GeoKey is the GEO set this locator reads and writes.
func (r *RedisGeo) GeoKey() string { return r.key }

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, at models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: at.Lng, Latitude: at.Lat, Name: driverID}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	return r.client.ZRem(ctx, r.key, driverID).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]Nearby, error) {
	if radiusMeters <= 0 {
		radiusMeters = 5000
	}
	res, err := r.client.GeoRadius(ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		out = append(out, Nearby{
			DriverID:       g.Name,
			Location:       models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	return out, nil
}

func (r *RedisGeo) Close() error { return r.client.Close() }
