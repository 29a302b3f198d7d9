// Package bus turns ride_requests and driver_locations change notifications
// into RideUpdate events and fans them out to per-user listeners.
//
// One Bus is built per process and handed to every consumer.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/eta"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/storage"
)

// Listener receives ride updates. A returned error or a panic is logged and
// does not affect other listeners.
type Listener func(ctx context.Context, u models.RideUpdate) error

// ListenerID identifies a registered listener for Unsubscribe.
type ListenerID uint64

var ErrInvalidSubscription = errors.New("bus: user id and listener are required")

type Option func(*Bus)

// WithRides lets location subscriptions look up the ride's pickup point to
// annotate driver_location_update events with distance and ETA.
func WithRides(rides storage.RideStore, est *eta.Estimator) Option {
	return func(b *Bus) {
		b.rides = rides
		b.estimator = est
	}
}

// WithLookupTimeout bounds the driver lookup done for ride_accepted events.
func WithLookupTimeout(d time.Duration) Option {
	return func(b *Bus) { b.lookupTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

type listenerEntry struct {
	id ListenerID
	fn Listener
}

type subscription struct {
	channel   storage.Channel
	listeners []listenerEntry
	pickup    *models.Coord
}

type Bus struct {
	feed      storage.ChangeFeed
	drivers   storage.DriverDirectory
	rides     storage.RideStore
	estimator *eta.Estimator
	logger    *slog.Logger

	lookupTimeout time.Duration
	now           func() time.Time

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID ListenerID

	// enriched holds the driver lookup for the last accepted change so the
	// subscriptions that receive the same change share one lookup.
	enrichMu sync.Mutex
	enriched struct {
		key  string
		info *models.DriverProfile
	}
}

func New(feed storage.ChangeFeed, drivers storage.DriverDirectory, logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		feed:          feed,
		drivers:       drivers,
		logger:        logger,
		lookupTimeout: 3 * time.Second,
		now:           time.Now,
		subs:          make(map[string]*subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RideFilter returns the row filter that scopes a user's ride subscription.
// Students see their own requests. Drivers see rides assigned to them plus
// the open pool of unclaimed pending requests. Other roles get no filter.
func RideFilter(userID string, role models.Role) storage.Filter {
	switch role {
	case models.RoleStudent:
		return storage.Eq("student_id", userID)
	case models.RoleDriver:
		return storage.Or(
			storage.Eq("driver_id", userID),
			storage.And(storage.Eq("status", string(models.StatusPending)), storage.IsNull("driver_id")),
		)
	}
	return nil
}

// Subscribe registers l for the ride updates visible to userID. The first
// listener for a user opens the store channel; later ones share it.
func (b *Bus) Subscribe(ctx context.Context, userID string, role models.Role, l Listener) (ListenerID, error) {
	if userID == "" || l == nil {
		return 0, ErrInvalidSubscription
	}
	key := userID
	spec := storage.Spec{
		Table:  storage.TableRideRequests,
		Events: []storage.EventKind{storage.EventInsert, storage.EventUpdate},
		Filter: RideFilter(userID, role),
	}
	id, err := b.add(ctx, key, spec, l, nil, func(ev storage.ChangeEvent) { b.onRideChange(key, ev) })
	if err != nil {
		return 0, err
	}
	b.logger.Debug("ride_updates_subscribed", "user_id", userID, "role", role, "listener", id)
	return id, nil
}

// Unsubscribe removes the given listeners for userID, or all of them when no
// ids are passed. The channel is closed once no listener remains. Calling it
// for an unknown user is a no-op.
func (b *Bus) Unsubscribe(userID string, ids ...ListenerID) {
	b.remove(userID, ids)
}

func locationKey(driverID, rideID string) string {
	return "location:" + driverID + ":" + rideID
}

// SubscribeToDriverLocation delivers driver_location_update events for one
// (driver, ride) pair.
func (b *Bus) SubscribeToDriverLocation(ctx context.Context, driverID, rideID string, l Listener) (ListenerID, error) {
	if driverID == "" || rideID == "" || l == nil {
		return 0, ErrInvalidSubscription
	}
	key := locationKey(driverID, rideID)
	spec := storage.Spec{
		Table:  storage.TableDriverLocation,
		Events: []storage.EventKind{storage.EventInsert, storage.EventUpdate},
		Filter: storage.And(storage.Eq("driver_id", driverID), storage.Eq("ride_id", rideID)),
	}
	var pickup *models.Coord
	if b.rides != nil {
		if r, err := b.rides.GetRide(ctx, rideID); err == nil {
			if c, ok := r.PickupCoord(); ok {
				pickup = &c
			}
		}
	}
	return b.add(ctx, key, spec, l, pickup, func(ev storage.ChangeEvent) { b.onLocationChange(key, ev) })
}

func (b *Bus) UnsubscribeFromDriverLocation(driverID, rideID string, ids ...ListenerID) {
	b.remove(locationKey(driverID, rideID), ids)
}

func (b *Bus) add(ctx context.Context, key string, spec storage.Spec, l Listener, pickup *models.Coord, onEvent func(storage.ChangeEvent)) (ListenerID, error) {
	b.mu.Lock()
	b.nextID++
	entry := listenerEntry{id: b.nextID, fn: l}
	if s, ok := b.subs[key]; ok {
		s.listeners = append(s.listeners, entry)
		b.mu.Unlock()
		return entry.id, nil
	}
	b.mu.Unlock()

	// Open the channel without holding the lock; a backend may dial out.
	ch, err := b.feed.Subscribe(ctx, spec, onEvent)
	if err != nil {
		return 0, fmt.Errorf("open channel %s: %w", key, err)
	}

	b.mu.Lock()
	if s, ok := b.subs[key]; ok {
		// Lost a race with a concurrent first subscriber; share theirs.
		s.listeners = append(s.listeners, entry)
		b.mu.Unlock()
		_ = ch.Close()
		return entry.id, nil
	}
	b.subs[key] = &subscription{channel: ch, listeners: []listenerEntry{entry}, pickup: pickup}
	observability.OpenChannels.Set(float64(len(b.subs)))
	b.mu.Unlock()
	return entry.id, nil
}

func (b *Bus) remove(key string, ids []ListenerID) {
	b.mu.Lock()
	s, ok := b.subs[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	if len(ids) > 0 {
		drop := make(map[ListenerID]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
		}
		kept := s.listeners[:0:0]
		for _, e := range s.listeners {
			if !drop[e.id] {
				kept = append(kept, e)
			}
		}
		s.listeners = kept
		if len(kept) > 0 {
			b.mu.Unlock()
			return
		}
	}
	delete(b.subs, key)
	observability.OpenChannels.Set(float64(len(b.subs)))
	b.mu.Unlock()

	if err := s.channel.Close(); err != nil {
		b.logger.Warn("channel_close_failed", "key", key, "error", err)
	}
}

// Cleanup closes every channel and forgets every listener. It is safe to call
// repeatedly and leaves the bus ready for new subscriptions.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	observability.OpenChannels.Set(0)
	b.mu.Unlock()

	b.enrichMu.Lock()
	b.enriched.key, b.enriched.info = "", nil
	b.enrichMu.Unlock()

	for key, s := range subs {
		if err := s.channel.Close(); err != nil {
			b.logger.Warn("channel_close_failed", "key", key, "error", err)
		}
	}
	if len(subs) > 0 {
		b.logger.Info("ride_update_bus_cleaned", "channels", len(subs))
	}
}

type Stats struct {
	Channels  int
	Listeners int
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Channels: len(b.subs)}
	for _, s := range b.subs {
		st.Listeners += len(s.listeners)
	}
	return st
}

// snapshot copies the listeners for key so dispatch runs without the lock.
func (b *Bus) snapshot(key string) ([]listenerEntry, *models.Coord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[key]
	if !ok {
		return nil, nil
	}
	out := make([]listenerEntry, len(s.listeners))
	copy(out, s.listeners)
	return out, s.pickup
}

func (b *Bus) dispatch(ctx context.Context, key string, listeners []listenerEntry, u models.RideUpdate) {
	for _, e := range listeners {
		b.invoke(ctx, key, e, u)
	}
	observability.RideUpdatesDispatched.WithLabelValues(string(u.Type)).Add(float64(len(listeners)))
}

func (b *Bus) invoke(ctx context.Context, key string, e listenerEntry, u models.RideUpdate) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.ListenerFailures.Inc()
			b.logger.Error("ride_update_listener_panic", "key", key, "listener", e.id, "type", u.Type, "ride_id", u.RideID, "error", rec)
		}
	}()
	if err := e.fn(ctx, u); err != nil {
		observability.ListenerFailures.Inc()
		b.logger.Warn("ride_update_listener_failed", "key", key, "listener", e.id, "type", u.Type, "ride_id", u.RideID, "error", err)
	}
}
