package geo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-rides/internal/models"
)

func TestHaversineZero(t *testing.T) {
	c := models.Coord{Lat: 10, Lon: 20}
	assert.Equal(t, 0.0, Haversine(c, c))
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	assert.InDelta(t, 111195, d, 10)
}

func TestIndexPositionAndExpiry(t *testing.T) {
	ctx := context.Background()
	g := NewIndex(0)
	_, ok := g.Position(ctx, "d1")
	assert.False(t, ok)

	require.NoError(t, g.Update(ctx, "d1", models.Coord{Lat: 1, Lon: 2}))
	c, ok := g.Position(ctx, "d1")
	assert.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, c)

	stale := NewIndex(time.Millisecond)
	require.NoError(t, stale.Update(ctx, "d1", models.Coord{Lat: 1, Lon: 2}))
	time.Sleep(5 * time.Millisecond)
	_, ok = stale.Position(ctx, "d1")
	assert.False(t, ok)
}

func TestRedisGeo(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	defer c.Close()
	ctx := context.Background()
	if err := c.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	g := NewRedisGeo(c, "test_drivers_geo")
	defer c.Del(ctx, "test_drivers_geo", metaKey("d1"))

	require.NoError(t, g.Update(ctx, "d1", models.Coord{Lat: 40.0, Lon: -74.0}))
	got, ok := g.Position(ctx, "d1")
	require.True(t, ok)
	assert.InDelta(t, 40.0, got.Lat, 0.001)
	assert.InDelta(t, -74.0, got.Lon, 0.001)
	_, ok = g.Position(ctx, "nobody")
	assert.False(t, ok)
}
