package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

// LocationFeed is the part of the store a Subscriber reads from.
type LocationFeed interface {
	LatestLocation(ctx context.Context, driverID, rideID string) (models.DriverLocation, error)
	storage.ChangeFeed
}

// Subscriber holds the latest known location of one driver for one ride. It
// seeds from a point read and then follows change notifications; an update
// landing between the two is picked up by the next one.
type Subscriber struct {
	feed   LocationFeed
	logger *slog.Logger

	mu      sync.Mutex
	current models.DriverLocation
	has     bool
	channel storage.Channel
	closed  bool

	updates chan models.DriverLocation
}

func NewSubscriber(feed LocationFeed, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		feed:    feed,
		logger:  logger,
		updates: make(chan models.DriverLocation, 1),
	}
}

// Start seeds the location and opens the live channel. It does nothing when
// either id is missing or the subscriber is already started.
func (s *Subscriber) Start(ctx context.Context, driverID, rideID string) error {
	if driverID == "" || rideID == "" {
		return nil
	}
	s.mu.Lock()
	if s.channel != nil || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	loc, err := s.feed.LatestLocation(ctx, driverID, rideID)
	switch {
	case err == nil:
		s.set(loc)
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.logger.Warn("location_seed_failed", "driver_id", driverID, "ride_id", rideID, "error", err)
	}

	ch, err := s.feed.Subscribe(ctx, storage.Spec{
		Table:  storage.TableDriverLocation,
		Events: []storage.EventKind{storage.EventInsert, storage.EventUpdate},
		Filter: storage.And(storage.Eq("driver_id", driverID), storage.Eq("ride_id", rideID)),
	}, s.onChange)
	if err != nil {
		return fmt.Errorf("subscribe location %s/%s: %w", driverID, rideID, err)
	}

	s.mu.Lock()
	if s.closed || s.channel != nil {
		s.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	s.channel = ch
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) onChange(ev storage.ChangeEvent) {
	var loc models.DriverLocation
	if err := ev.New.Decode(&loc); err != nil {
		s.logger.Warn("location_change_decode_failed", "error", err)
		return
	}
	s.set(loc)
}

// set keeps the newest row; an older row arriving late is ignored.
func (s *Subscriber) set(loc models.DriverLocation) {
	s.mu.Lock()
	if s.closed || (s.has && loc.UpdatedAt.Before(s.current.UpdatedAt)) {
		s.mu.Unlock()
		return
	}
	s.current, s.has = loc, true
	s.mu.Unlock()

	// latest wins: replace whatever the reader has not taken yet
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- loc:
	default:
	}
}

func (s *Subscriber) Current() (models.DriverLocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.has
}

// Updates delivers location changes. Slow readers only see the newest one.
// The channel is never closed.
func (s *Subscriber) Updates() <-chan models.DriverLocation { return s.updates }

// Close releases the live channel. It may be called repeatedly and before
// Start.
func (s *Subscriber) Close() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.closed = true
	s.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		s.logger.Warn("location_channel_close_failed", "error", err)
	}
}
