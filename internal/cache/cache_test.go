package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	c := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	now = now.Add(time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDeleteByPrefix(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("drivers:available:near:%d", i), []byte("x"), time.Minute))
	}
	require.NoError(t, c.Set(ctx, "user:1:trip_history", []byte("x"), time.Minute))

	n, err := c.DeleteByPrefix(ctx, "drivers:available:near:")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok, _ := c.Get(ctx, "user:1:trip_history")
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "user:1:trip_history", "missing"))
	_, ok, _ = c.Get(ctx, "user:1:trip_history")
	assert.False(t, ok)
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client)
}

func TestRedisGetSet(t *testing.T) {
	mr, c := setupRedis(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte(`[1,2]`), 60*time.Second))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[1,2]`, string(v))
	assert.Equal(t, 60*time.Second, mr.TTL("k"))

	mr.FastForward(61 * time.Second)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDeleteByPrefix(t *testing.T) {
	mr, c := setupRedis(t)
	ctx := context.Background()
	for i := 0; i < 1200; i++ {
		require.NoError(t, mr.Set(fmt.Sprintf("drivers:available:near:%d", i), "x"))
	}
	require.NoError(t, mr.Set("driver:7:active_trips", "x"))

	n, err := c.DeleteByPrefix(ctx, "drivers:available:near:")
	require.NoError(t, err)
	assert.Equal(t, 1200, n)
	assert.Equal(t, []string{"driver:7:active_trips"}, mr.Keys())
}

func TestRedisErrorsSurface(t *testing.T) {
	mr, c := setupRedis(t)
	mr.Close()
	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	_, err = c.DeleteByPrefix(context.Background(), "p")
	assert.Error(t, err)
}
