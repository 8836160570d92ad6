package geo

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-availability/internal/models"
)

var nyc = models.Coord{Lat: 40.7128, Lon: -74.0060}

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude on a 6371 km sphere
	d := Haversine(0, 0, 1, 0)
	assert.InDelta(t, 111.195, d, 0.01)
}

func TestWithinManhattan(t *testing.T) {
	assert.True(t, WithinManhattan(0, 0, 0.04, 0.04, 5))
	assert.False(t, WithinManhattan(0, 0, 0.05, 0, 5))
	assert.InDelta(t, 0.3, Manhattan(1, 1, 1.1, 1.2), 1e-9)
}

func seed(t *testing.T, g Geo) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, g.Upsert(ctx, "here", nyc))
	require.NoError(t, g.Upsert(ctx, "b", models.Coord{Lat: 40.7328, Lon: -74.0060}))
	require.NoError(t, g.Upsert(ctx, "a", models.Coord{Lat: 40.7028, Lon: -74.0060}))
	require.NoError(t, g.Upsert(ctx, "far", models.Coord{Lat: 40.6413, Lon: -73.7781}))
}

func assertRadiusResult(t *testing.T, g Geo) {
	t.Helper()
	ctx := context.Background()
	res, err := g.QueryRadius(ctx, nyc, 10)
	require.NoError(t, err)
	require.Len(t, res, 3)

	assert.Equal(t, "here", res[0].DriverID)
	assert.InDelta(t, 0.0, res[0].DistanceKm, 0.01)
	assert.Equal(t, "a", res[1].DriverID)
	assert.Equal(t, "b", res[2].DriverID)
	for _, r := range res {
		assert.Less(t, r.DistanceKm, 10.0)
	}

	all, err := g.QueryRadius(ctx, nyc, 50)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "far", all[3].DriverID)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].DistanceKm, all[i].DistanceKm)
	}
}

func TestIndexQueryRadius(t *testing.T) {
	g := NewIndex()
	seed(t, g)
	assertRadiusResult(t, g)
}

func TestIndexTieBrokenByID(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	p := models.Coord{Lat: 40.72, Lon: -74.0}
	require.NoError(t, g.Upsert(ctx, "x2", p))
	require.NoError(t, g.Upsert(ctx, "x1", p))
	require.NoError(t, g.Upsert(ctx, "x3", p))

	for i := 0; i < 5; i++ {
		res, err := g.QueryRadius(ctx, nyc, 5)
		require.NoError(t, err)
		require.Len(t, res, 3)
		assert.Equal(t, []string{"x1", "x2", "x3"}, []string{res[0].DriverID, res[1].DriverID, res[2].DriverID})
	}
}

func TestIndexRadiusIsStrict(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	p := models.Coord{Lat: 0, Lon: 1}
	require.NoError(t, g.Upsert(ctx, "edge", p))
	d := Haversine(0, 0, p.Lat, p.Lon)

	res, err := g.QueryRadius(ctx, models.Coord{}, d)
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = g.QueryRadius(ctx, models.Coord{}, d+0.001)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestIndexRemoveDropsAvailability(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	require.NoError(t, g.Upsert(ctx, "d1", nyc))
	require.NoError(t, g.SetAvailable(ctx, "d1", true))
	ok, _ := g.Available(ctx, "d1")
	assert.True(t, ok)

	require.NoError(t, g.Remove(ctx, "d1"))
	assert.Equal(t, 0, g.Len())
	ok, _ = g.Available(ctx, "d1")
	assert.False(t, ok)
}

func setupRedisGeo(t *testing.T) (*miniredis.Miniredis, *RedisGeo) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisGeo(client, "drivers:locations")
}

func TestRedisGeoQueryRadius(t *testing.T) {
	_, g := setupRedisGeo(t)
	seed(t, g)
	assertRadiusResult(t, g)
}

func TestRedisGeoAvailability(t *testing.T) {
	mr, g := setupRedisGeo(t)
	ctx := context.Background()

	ok, err := g.Available(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.SetAvailable(ctx, "d1", true))
	assert.Equal(t, "1", mr.HGet("driver:d1:info", "is_available"))
	ok, err = g.Available(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, g.Upsert(ctx, "d1", nyc))
	require.NoError(t, g.Remove(ctx, "d1"))
	assert.False(t, mr.Exists("driver:d1:info"))
	res, err := g.QueryRadius(ctx, nyc, 1)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestRedisGeoUnavailable(t *testing.T) {
	mr, g := setupRedisGeo(t)
	mr.Close()
	_, err := g.QueryRadius(context.Background(), nyc, 1)
	assert.Error(t, err)
}

func bruteForce(points map[string]models.Coord, c models.Coord, radiusKm float64) []models.NearbyDriver {
	out := make([]models.NearbyDriver, 0)
	for id, p := range points {
		if d := Haversine(c.Lat, c.Lon, p.Lat, p.Lon); d < radiusKm {
			out = append(out, models.NearbyDriver{DriverID: id, DistanceKm: d})
		}
	}
	SortByDistance(out)
	return out
}

func TestIndexCellsMatchFullScan(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	points := make(map[string]models.Coord)
	// a 41x41 grid of drivers, about 2 km apart, centred on NYC
	for i := -20; i <= 20; i++ {
		for j := -20; j <= 20; j++ {
			id := fmt.Sprintf("g%d_%d", i, j)
			p := models.Coord{Lat: nyc.Lat + float64(i)*0.018, Lon: nyc.Lon + float64(j)*0.024}
			points[id] = p
			require.NoError(t, g.Upsert(ctx, id, p))
		}
	}
	centres := []models.Coord{nyc, {Lat: 40.70, Lon: -73.99}, {Lat: 40.88, Lon: -74.2}}
	for _, c := range centres {
		for _, r := range []float64{0.5, 3, 5, 12, 17, 30} {
			got, err := g.QueryRadius(ctx, c, r)
			require.NoError(t, err)
			assert.Equal(t, bruteForce(points, c, r), got, "centre %v radius %v", c, r)
		}
	}
}

func TestIndexMovesBetweenCells(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	require.NoError(t, g.Upsert(ctx, "d1", nyc))
	london := models.Coord{Lat: 51.5074, Lon: -0.1278}
	require.NoError(t, g.Upsert(ctx, "d1", london))

	res, err := g.QueryRadius(ctx, nyc, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
	res, err = g.QueryRadius(ctx, london, 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, 1, g.Len())
	assert.Len(t, g.cells, 1)

	require.NoError(t, g.Remove(ctx, "d1"))
	assert.Empty(t, g.cells)
}

func TestNeighbourhoodFallsBackForLargeRadius(t *testing.T) {
	_, ok := neighbourhood(nyc, 5)
	assert.True(t, ok)
	_, ok = neighbourhood(nyc, 50)
	assert.False(t, ok)
	_, ok = neighbourhood(models.Coord{Lat: 85, Lon: 0}, 1)
	assert.False(t, ok)
	_, ok = neighbourhood(models.Coord{Lat: 0, Lon: 179.9}, 1)
	assert.False(t, ok)
}
