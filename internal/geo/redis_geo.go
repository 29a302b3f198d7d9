package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-rides/internal/models"
)

// RedisGeo implements Positions using Redis GEO commands so every server and
// the location consumer share one view of driver positions.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Update(ctx context.Context, driverID string, at models.Coord) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: at.Lon, Latitude: at.Lat, Name: driverID})
	pipe.HSet(ctx, metaKey(driverID), "position_updated", time.Now().UTC().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Position(ctx context.Context, driverID string) (models.Coord, bool) {
	res, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil || len(res) == 0 || res[0] == nil {
		return models.Coord{}, false
	}
	return models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}, true
}

func metaKey(id string) string { return "driver:meta:" + id }
