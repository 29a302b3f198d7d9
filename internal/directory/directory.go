// Package directory resolves public driver profiles for event enrichment.
package directory

import (
	"context"
	"time"

	"github.com/example/campus-rides/internal/cache"
	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

// Directory reads profiles from the store through a cache and overlays the
// driver's last reported position. Positions and Cache are optional.
type Directory struct {
	Store     storage.DriverDirectory
	Positions geo.Positions
	Cache     cache.Cache
	TTL       time.Duration
}

func profileKey(id string) string { return "driver:profile:" + id }

func (d *Directory) DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	var p models.DriverProfile
	if d.Cache == nil || !d.Cache.Get(ctx, profileKey(driverID), &p) {
		var err error
		p, err = d.Store.DriverProfile(ctx, driverID)
		if err != nil {
			return models.DriverProfile{}, err
		}
		if d.Cache != nil {
			d.Cache.Set(ctx, profileKey(driverID), p, d.TTL)
		}
	}
	if d.Positions != nil {
		if at, ok := d.Positions.Position(ctx, driverID); ok {
			p.CurrentLocation = &at
		}
	}
	return p, nil
}

// Invalidate drops the cached profile so the next lookup hits the store.
func (d *Directory) Invalidate(ctx context.Context, driverID string) {
	if d.Cache != nil {
		d.Cache.Del(ctx, profileKey(driverID))
	}
}
