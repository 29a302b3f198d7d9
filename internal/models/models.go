package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Role string

const (
	RoleStudent Role = "student"
	RoleDriver  Role = "driver"
	RoleAdmin   Role = "admin"
)

type RideStatus string

const (
	StatusPending   RideStatus = "pending"
	StatusAccepted  RideStatus = "accepted"
	StatusRejected  RideStatus = "rejected"
	StatusCompleted RideStatus = "completed"
)

// RideRequest is a row of ride_requests. DriverID is nil exactly while the
// request is pending and never changes once set.
type RideRequest struct {
	ID             string     `json:"id"`
	StudentID      string     `json:"student_id"`
	DriverID       *string    `json:"driver_id"`
	PickupLocation string     `json:"pickup_location"`
	Destination    string     `json:"destination"`
	PickupLat      *float64   `json:"pickup_lat"`
	PickupLng      *float64   `json:"pickup_lng"`
	Status         RideStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PickupCoord reports the pickup position when the request carries one.
func (r RideRequest) PickupCoord() (Coord, bool) {
	if r.PickupLat == nil || r.PickupLng == nil {
		return Coord{}, false
	}
	return Coord{Lat: *r.PickupLat, Lon: *r.PickupLng}, true
}

func (r RideRequest) Driver() string {
	if r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

// DriverLocation is the current position of a driver for one ride. There is
// one logical row per (DriverID, RideID), last writer wins.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	RideID    string    `json:"ride_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l DriverLocation) Coord() Coord { return Coord{Lat: l.Latitude, Lon: l.Longitude} }

type RideRating struct {
	DriverID  string    `json:"driver_id"`
	RideID    string    `json:"ride_id"`
	Rating    int       `json:"rating"` // 1..5
	CreatedAt time.Time `json:"created_at"`
}

// DriverProfile is the public part of a driver's user row.
type DriverProfile struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	VehicleType     string `json:"vehicle_type"`
	CurrentLocation *Coord `json:"current_location"`
}

// PoolEntry is an open ride request ranked for a driver. Distance and ETA
// are nil when either end of the trip has no known position.
type PoolEntry struct {
	Ride           RideRequest `json:"ride"`
	DistanceMeters *float64    `json:"distance_meters,omitempty"`
	ETASeconds     *float64    `json:"eta_seconds,omitempty"`
}
