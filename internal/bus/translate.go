package bus

import (
	"context"
	"time"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/ridestate"
	"github.com/example/campus-rides/internal/storage"
)

func (b *Bus) onRideChange(key string, ev storage.ChangeEvent) {
	listeners, _ := b.snapshot(key)
	if len(listeners) == 0 {
		return
	}
	ctx := context.Background()
	u, ok := b.translateRide(ctx, ev)
	if !ok {
		return
	}
	b.dispatch(ctx, key, listeners, u)
}

// translateRide maps a ride_requests change to a RideUpdate. Inserts always
// produce ride_created; updates only produce an event when the status change
// is in the transition table.
func (b *Bus) translateRide(ctx context.Context, ev storage.ChangeEvent) (models.RideUpdate, bool) {
	var ride models.RideRequest
	if err := ev.New.Decode(&ride); err != nil {
		b.logger.Warn("ride_change_decode_failed", "type", ev.Type, "error", err)
		return models.RideUpdate{}, false
	}
	u := models.RideUpdate{RideID: ride.ID, Timestamp: b.now().UTC()}

	switch ev.Type {
	case storage.EventInsert:
		u.Type = models.EventRideCreated
		u.Data = ride
		return u, true
	case storage.EventUpdate:
		if ev.Old == nil {
			observability.RideUpdatesDropped.Inc()
			return models.RideUpdate{}, false
		}
		from := models.RideStatus(ev.Old.String("status"))
		if !ridestate.Valid(from) || !ridestate.Valid(ride.Status) {
			observability.RideUpdatesDropped.Inc()
			b.logger.Warn("ride_change_unknown_status", "ride_id", ride.ID, "from", from, "to", ride.Status)
			return models.RideUpdate{}, false
		}
		kind, ok := ridestate.EventFor(from, ride.Status)
		if !ok {
			observability.RideUpdatesDropped.Inc()
			return models.RideUpdate{}, false
		}
		u.Type = kind
		if kind == models.EventRideAccepted {
			u.Data = models.AcceptedData{Ride: ride, DriverInfo: b.enrich(ctx, ride)}
		} else {
			u.Data = ride
		}
		return u, true
	}
	return models.RideUpdate{}, false
}

// enrich returns the driver profile for an accepted ride, looking it up once
// per committed change. A change reaches every matching subscription in turn,
// so a single remembered entry covers the fan-out.
func (b *Bus) enrich(ctx context.Context, ride models.RideRequest) *models.DriverProfile {
	key := ride.ID + "|" + ride.Driver() + "|" + ride.UpdatedAt.UTC().Format(time.RFC3339Nano)
	b.enrichMu.Lock()
	defer b.enrichMu.Unlock()
	if b.enriched.key == key {
		return b.enriched.info
	}
	info := b.lookupDriver(ctx, ride)
	b.enriched.key, b.enriched.info = key, info
	return info
}

// lookupDriver never fails the event: a missing or erroring lookup yields nil.
func (b *Bus) lookupDriver(ctx context.Context, ride models.RideRequest) *models.DriverProfile {
	driverID := ride.Driver()
	if driverID == "" || b.drivers == nil {
		observability.EnrichmentFailures.Inc()
		b.logger.Warn("driver_enrichment_skipped", "ride_id", ride.ID, "driver_id", driverID)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.lookupTimeout)
	defer cancel()
	p, err := b.drivers.DriverProfile(ctx, driverID)
	if err != nil {
		observability.EnrichmentFailures.Inc()
		b.logger.Warn("driver_enrichment_failed", "ride_id", ride.ID, "driver_id", driverID, "error", err)
		return nil
	}
	return &p
}

func (b *Bus) onLocationChange(key string, ev storage.ChangeEvent) {
	listeners, pickup := b.snapshot(key)
	if len(listeners) == 0 {
		return
	}
	var loc models.DriverLocation
	if err := ev.New.Decode(&loc); err != nil {
		b.logger.Warn("location_change_decode_failed", "key", key, "error", err)
		return
	}
	ctx := context.Background()
	data := models.LocationData{Location: loc}
	if pickup != nil {
		dist := geo.Haversine(loc.Coord(), *pickup)
		data.DistanceMeters = &dist
		if b.estimator != nil {
			secs := b.estimator.Estimate(ctx, loc.Coord(), *pickup)
			data.ETASeconds = &secs
		}
	}
	b.dispatch(ctx, key, listeners, models.RideUpdate{
		Type:      models.EventDriverLocationUpdate,
		RideID:    loc.RideID,
		Data:      data,
		Timestamp: b.now().UTC(),
	})
}
