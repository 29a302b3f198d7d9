package rating

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/campus-rides/internal/cache"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

// Service sits in front of the rating store and keeps each driver's summary
// cached. It satisfies storage.RatingStore so forms can write through it.
type Service struct {
	Store  storage.RatingStore
	Cache  cache.Cache
	TTL    time.Duration
	Logger *slog.Logger
}

func summaryKey(driverID string) string { return "driver:rating:" + driverID }

func (s *Service) InsertRating(ctx context.Context, r models.RideRating) error {
	if err := s.Store.InsertRating(ctx, r); err != nil {
		return err
	}
	if s.Cache == nil {
		return nil
	}
	sum, err := Aggregate(ctx, s.Store, r.DriverID)
	if err != nil {
		// stale until the entry expires
		s.Cache.Del(ctx, summaryKey(r.DriverID))
		s.logger().Warn("rating_summary_refresh_failed", "driver_id", r.DriverID, "error", err)
		return nil
	}
	s.Cache.Set(ctx, summaryKey(r.DriverID), sum, s.TTL)
	return nil
}

func (s *Service) RatingStats(ctx context.Context, driverID string) (int, int, error) {
	return s.Store.RatingStats(ctx, driverID)
}

// Summary returns the driver's rating summary, from the cache when present.
func (s *Service) Summary(ctx context.Context, driverID string) (Summary, error) {
	var sum Summary
	if s.Cache != nil && s.Cache.Get(ctx, summaryKey(driverID), &sum) {
		return sum, nil
	}
	sum, err := Aggregate(ctx, s.Store, driverID)
	if err != nil {
		return Summary{}, err
	}
	if s.Cache != nil {
		s.Cache.Set(ctx, summaryKey(driverID), sum, s.TTL)
	}
	return sum, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
