// Package matcher ranks the open pool of pending ride requests for a driver
// by estimated time to each pickup.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/campus-rides/internal/eta"
	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

type Service struct {
	Rides     storage.RideStore
	Positions geo.Positions
	ETA       *eta.Estimator
	// TopN caps the returned pool; zero means 10.
	TopN int
}

// Pool returns the unclaimed pending requests nearest to the driver first.
// Requests without a pickup coordinate, or every request when the driver's
// position is unknown, follow in creation order.
func (s *Service) Pool(ctx context.Context, driverID string) ([]models.PoolEntry, error) {
	if s.TopN <= 0 {
		s.TopN = 10
	}
	pending, err := s.Rides.ListPendingRides(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list pending rides: %w", err)
	}

	var (
		from  models.Coord
		known bool
	)
	if s.Positions != nil {
		from, known = s.Positions.Position(ctx, driverID)
	}

	entries := make([]models.PoolEntry, 0, len(pending))
	for _, r := range pending {
		e := models.PoolEntry{Ride: r}
		if pickup, ok := r.PickupCoord(); ok && known {
			dist := geo.Haversine(from, pickup)
			var secs float64
			if s.ETA != nil {
				secs = s.ETA.Estimate(ctx, from, pickup)
			} else {
				secs = eta.EstimateSeconds(from, pickup, 0)
			}
			e.DistanceMeters, e.ETASeconds = &dist, &secs
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].ETASeconds, entries[j].ETASeconds
		switch {
		case a != nil && b != nil:
			return *a < *b
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return entries[i].Ride.CreatedAt.Before(entries[j].Ride.CreatedAt)
	})
	if len(entries) > s.TopN {
		entries = entries[:s.TopN]
	}
	return entries, nil
}
