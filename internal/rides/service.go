// Package rides applies ride lifecycle commands to the store. Every status
// write is conditional on the status it was validated against, so two
// drivers racing for the same request cannot both win.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/ridestate"
	"github.com/example/campus-rides/internal/storage"
)

var (
	ErrInvalidRequest    = errors.New("rides: invalid request")
	ErrInvalidTransition = errors.New("rides: transition not allowed")
	ErrConflict          = errors.New("rides: ride changed concurrently")
	ErrNotFound          = errors.New("rides: ride not found")
)

type Service struct {
	Store  storage.RideStore
	Logger *slog.Logger
	NewID  func() string
}

func NewService(store storage.RideStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Logger: logger, NewID: uuid.NewString}
}

// Create opens a pending request for a student. pickupCoord is optional.
func (s *Service) Create(ctx context.Context, studentID, pickup, destination string, pickupCoord *models.Coord) (models.RideRequest, error) {
	pickup, destination = strings.TrimSpace(pickup), strings.TrimSpace(destination)
	if studentID == "" || pickup == "" || destination == "" {
		return models.RideRequest{}, fmt.Errorf("%w: student, pickup and destination are required", ErrInvalidRequest)
	}
	r := models.RideRequest{
		ID:             s.NewID(),
		StudentID:      studentID,
		PickupLocation: pickup,
		Destination:    destination,
		Status:         ridestate.Initial,
	}
	if pickupCoord != nil {
		lat, lng := pickupCoord.Lat, pickupCoord.Lon
		r.PickupLat, r.PickupLng = &lat, &lng
	}
	if err := s.Store.InsertRide(ctx, &r); err != nil {
		return models.RideRequest{}, fmt.Errorf("create ride: %w", err)
	}
	s.Logger.Info("ride_created", "ride_id", r.ID, "student_id", studentID)
	return r, nil
}

func (s *Service) Get(ctx context.Context, rideID string) (models.RideRequest, error) {
	r, err := s.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RideRequest{}, fmt.Errorf("%w: %s", ErrNotFound, rideID)
	}
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("get ride %s: %w", rideID, err)
	}
	return r, nil
}

// Accept assigns driverID to a pending request.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (models.RideRequest, error) {
	if driverID == "" {
		return models.RideRequest{}, fmt.Errorf("%w: driver is required", ErrInvalidRequest)
	}
	return s.transition(ctx, rideID, models.StatusAccepted, &driverID)
}

// Reject closes a pending request on behalf of driverID, who is recorded on
// the row like an accepting driver would be.
func (s *Service) Reject(ctx context.Context, rideID, driverID string) (models.RideRequest, error) {
	if driverID == "" {
		return models.RideRequest{}, fmt.Errorf("%w: driver is required", ErrInvalidRequest)
	}
	return s.transition(ctx, rideID, models.StatusRejected, &driverID)
}

func (s *Service) Complete(ctx context.Context, rideID string) (models.RideRequest, error) {
	return s.transition(ctx, rideID, models.StatusCompleted, nil)
}

func (s *Service) transition(ctx context.Context, rideID string, to models.RideStatus, driverID *string) (models.RideRequest, error) {
	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if !ridestate.CanTransition(cur.Status, to) {
		return models.RideRequest{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	updated, err := s.Store.UpdateRideStatus(ctx, rideID, cur.Status, to, driverID)
	switch {
	case errors.Is(err, storage.ErrConflict):
		s.Logger.Info("ride_transition_lost_race", "ride_id", rideID, "from", cur.Status, "to", to)
		return models.RideRequest{}, fmt.Errorf("%w: %s", ErrConflict, rideID)
	case errors.Is(err, storage.ErrNotFound):
		return models.RideRequest{}, fmt.Errorf("%w: %s", ErrNotFound, rideID)
	case err != nil:
		return models.RideRequest{}, fmt.Errorf("update ride %s: %w", rideID, err)
	}
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	s.Logger.Info("ride_transitioned", "ride_id", rideID, "from", cur.Status, "to", to, "driver_id", updated.Driver())
	return updated, nil
}
