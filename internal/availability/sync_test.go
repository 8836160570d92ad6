package availability

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/geo"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/storage"
)

var airport = models.Coord{Lat: 40.6413, Lon: -73.7781}

// flakyStore fails ListLocated for the first failures calls.
type flakyStore struct {
	*storage.MemoryStore
	failures int32
	calls    atomic.Int32
}

func (f *flakyStore) ListLocated(ctx context.Context) ([]models.DriverLocation, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.ListLocated(ctx)
}

func TestSyncPrunesStaleAndMirrorsAvailability(t *testing.T) {
	idx := geo.NewIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "old", models.Coord{Lat: 40.7129, Lon: -74.0060}))
	require.NoError(t, idx.SetAvailable(ctx, "old", true))

	svc := NewService(newStore(), idx, cache.NewMemory(), discard()).WithClock(func() time.Time { return clock })
	res, err := NewSync(svc, discard()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 1, res.Pruned)
	assert.Equal(t, 3, idx.Len())

	busy, err := idx.Available(ctx, "busy")
	require.NoError(t, err)
	assert.False(t, busy)
	old, err := idx.Available(ctx, "old")
	require.NoError(t, err)
	assert.False(t, old)
}

func TestSyncPrewarmsOnlyNonEmptyHotSpots(t *testing.T) {
	c := cache.NewMemory()
	svc := NewService(newStore(), geo.NewIndex(), c, discard()).WithClock(func() time.Time { return clock })
	s := NewSync(svc, discard())
	s.HotSpots = []models.Coord{nyc, airport}
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	// nobody is within 5 km of the airport
	assert.Equal(t, 1, res.Prewarmed)
	b, ok, err := c.Get(context.Background(), NearbyKey(nyc.Lat, nyc.Lon, 5))
	require.NoError(t, err)
	require.True(t, ok)
	var cached []models.NearbyDriver
	require.NoError(t, json.Unmarshal(b, &cached))
	assert.Equal(t, []string{"d1", "d2"}, ids(cached))

	_, ok, err = c.Get(context.Background(), NearbyKey(airport.Lat, airport.Lon, 5))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncWithoutIndexOnlyPrewarms(t *testing.T) {
	svc := newFallbackService(newStore(), cache.NewMemory())
	s := NewSync(svc, discard())
	s.HotSpots = []models.Coord{nyc, airport}
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Indexed)
	assert.Zero(t, res.Pruned)
	assert.Equal(t, 1, res.Prewarmed)
}

func TestSyncRetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{MemoryStore: newStore(), failures: 2}
	svc := NewService(store, geo.NewIndex(), cache.NewMemory(), discard()).WithClock(func() time.Time { return clock })
	s := NewSync(svc, discard())
	s.Backoff = time.Millisecond

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, 3, res.Indexed)
}

func TestSyncGivesUpAfterAttempts(t *testing.T) {
	store := &flakyStore{MemoryStore: newStore(), failures: 10}
	svc := NewService(store, geo.NewIndex(), cache.NewMemory(), discard()).WithClock(func() time.Time { return clock })
	s := NewSync(svc, discard())
	s.Backoff = time.Millisecond

	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, int32(DefaultSyncAttempts), store.calls.Load())
}

func TestSyncStopsOnCancelledContext(t *testing.T) {
	store := &flakyStore{MemoryStore: newStore(), failures: 10}
	svc := NewService(store, nil, cache.NewMemory(), discard())
	s := NewSync(svc, discard())
	s.Backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not stop after cancel")
	}
}

func TestRunEveryStopsWithContext(t *testing.T) {
	store := &flakyStore{MemoryStore: newStore()}
	svc := NewService(store, geo.NewIndex(), cache.NewMemory(), discard()).WithClock(func() time.Time { return clock })
	s := NewSync(svc, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunEvery(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return store.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
