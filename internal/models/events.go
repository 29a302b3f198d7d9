package models

import "time"

type EventType string

const (
	EventRideCreated          EventType = "ride_created"
	EventRideAccepted         EventType = "ride_accepted"
	EventRideRejected         EventType = "ride_rejected"
	EventRideCompleted        EventType = "ride_completed"
	EventDriverLocationUpdate EventType = "driver_location_update"
)

// RideUpdate is derived from a store change notification and only lives for
// the duration of a dispatch.
type RideUpdate struct {
	Type      EventType `json:"type"`
	RideID    string    `json:"rideId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// AcceptedData is the payload of ride_accepted. DriverInfo is nil when the
// driver lookup failed.
type AcceptedData struct {
	Ride       RideRequest    `json:"ride"`
	DriverInfo *DriverProfile `json:"driverInfo"`
}

// LocationData is the payload of driver_location_update. Distance and ETA are
// only set when the ride has a pickup coordinate.
type LocationData struct {
	Location       DriverLocation `json:"location"`
	DistanceMeters *float64       `json:"distance_to_pickup_meters,omitempty"`
	ETASeconds     *float64       `json:"eta_seconds,omitempty"`
}
