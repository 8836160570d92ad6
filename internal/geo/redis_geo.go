package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-availability/internal/models"
)

// Redis measures distances on a slightly larger sphere than EarthRadiusKm, so
// queries ask for a little more and the result is re-filtered locally.
const redisRadiusSlack = 1.001

// RedisGeo implements Geo using Redis GEO commands plus one info hash per
// driver holding the availability flag.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, c models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: driverID}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, infoKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) SetAvailable(ctx context.Context, driverID string, available bool) error {
	v := 0
	if available {
		v = 1
	}
	if err := r.client.HSet(ctx, infoKey(driverID), "is_available", v).Err(); err != nil {
		return fmt.Errorf("hset availability %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Available(ctx context.Context, driverID string) (bool, error) {
	v, err := r.client.HGet(ctx, infoKey(driverID), "is_available").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hget availability %s: %w", driverID, err)
	}
	return v == "1", nil
}

func (r *RedisGeo) QueryRadius(ctx context.Context, c models.Coord, radiusKm float64) ([]models.NearbyDriver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm * redisRadiusSlack,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.NearbyDriver, 0, len(res))
	for _, g := range res {
		dist := Haversine(c.Lat, c.Lon, g.Latitude, g.Longitude)
		if dist < radiusKm {
			out = append(out, models.NearbyDriver{DriverID: g.Name, DistanceKm: dist})
		}
	}
	SortByDistance(out)
	return out, nil
}

func infoKey(id string) string { return "driver:" + id + ":info" }
