package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/campus-rides/internal/models"
)

const (
	TableRideRequests   = "ride_requests"
	TableDriverLocation = "driver_locations"
	TableRideRatings    = "ride_ratings"
	TableUsers          = "users"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned by conditional writes whose precondition no
	// longer holds, e.g. a status update racing another writer.
	ErrConflict = errors.New("storage: conflicting update")
)

type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
)

// ChangeEvent is one committed row change delivered to a subscription.
// Old is nil for inserts.
type ChangeEvent struct {
	Table string    `json:"table"`
	Type  EventKind `json:"type"`
	New   Record    `json:"new"`
	Old   Record    `json:"old"`
}

// Spec scopes a change subscription. An empty Events slice means every event
// kind; a nil Filter matches every row.
type Spec struct {
	Table  string
	Events []EventKind
	Filter Filter
}

func (s Spec) matches(ev ChangeEvent) bool {
	if ev.Table != s.Table {
		return false
	}
	if len(s.Events) > 0 {
		found := false
		for _, k := range s.Events {
			if k == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Filter == nil {
		return true
	}
	return s.Filter.Match(ev.New)
}

// Channel is a live change subscription. Close releases it and may be called
// more than once.
type Channel interface {
	Close() error
}

type RideStore interface {
	InsertRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (models.RideRequest, error)
	// UpdateRideStatus moves a ride from one status to another. It fails with
	// ErrConflict when the stored status is not from. driverID is only written
	// when the row has no driver yet.
	UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus, driverID *string) (models.RideRequest, error)
	ListPendingRides(ctx context.Context, limit int) ([]models.RideRequest, error)
}

type LocationStore interface {
	UpsertLocation(ctx context.Context, l models.DriverLocation) error
	LatestLocation(ctx context.Context, driverID, rideID string) (models.DriverLocation, error)
}

type RatingStore interface {
	InsertRating(ctx context.Context, r models.RideRating) error
	// RatingStats returns the sum and number of ratings stored for a driver.
	RatingStats(ctx context.Context, driverID string) (sum, count int, err error)
}

type DriverDirectory interface {
	DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error)
}

type ChangeFeed interface {
	Subscribe(ctx context.Context, spec Spec, fn func(ChangeEvent)) (Channel, error)
}

// Store is the full persistence surface used by the ride core.
type Store interface {
	RideStore
	LocationStore
	RatingStore
	DriverDirectory
	ChangeFeed
	Close() error
}

// Record is a row as delivered by change notifications, keyed by column.
type Record map[string]any

// IsNull reports whether the column is missing or null.
func (r Record) IsNull(col string) bool {
	v, ok := r[col]
	return !ok || v == nil
}

func (r Record) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Decode fills v, a pointer to a model struct, from the record.
func (r Record) Decode(v any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ToRecord converts a model struct to a Record using its json tags.
func ToRecord(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}
