package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/models"
)

type locationKey struct{ driverID, rideID string }

// MemoryStore keeps every table in process and delivers change events
// synchronously, in commit order, on the writing goroutine. Subscription
// callbacks may read from the store but must not write to it.
type MemoryStore struct {
	mu        sync.RWMutex
	rides     map[string]models.RideRequest
	locations map[locationKey]models.DriverLocation
	ratings   []models.RideRating
	drivers   map[string]models.DriverProfile
	subs      map[uint64]*memChannel
	nextSub   uint64

	// feedMu orders delivery so listeners observe changes in commit order.
	feedMu sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:     make(map[string]models.RideRequest),
		locations: make(map[locationKey]models.DriverLocation),
		drivers:   make(map[string]models.DriverProfile),
		subs:      make(map[uint64]*memChannel),
		now:       time.Now,
	}
}

// SaveDriverProfile inserts or replaces a driver's public profile.
func (m *MemoryStore) SaveDriverProfile(p models.DriverProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[p.ID] = p
}

func (m *MemoryStore) InsertRide(ctx context.Context, r *models.RideRequest) error {
	if r.ID == "" {
		return fmt.Errorf("insert ride: empty id")
	}
	m.mu.Lock()
	if _, ok := m.rides[r.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("insert ride %s: %w", r.ID, ErrConflict)
	}
	now := m.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.rides[r.ID] = cloneRide(*r)
	m.commit(ChangeEvent{Table: TableRideRequests, Type: EventInsert}, *r, nil)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus, driverID *string) (models.RideRequest, error) {
	m.mu.Lock()
	old, ok := m.rides[id]
	if !ok {
		m.mu.Unlock()
		return models.RideRequest{}, ErrNotFound
	}
	if old.Status != from {
		m.mu.Unlock()
		return models.RideRequest{}, ErrConflict
	}
	r := cloneRide(old)
	r.Status = to
	if r.DriverID == nil && driverID != nil {
		d := *driverID
		r.DriverID = &d
	}
	r.UpdatedAt = m.now().UTC()
	m.rides[id] = r
	m.commit(ChangeEvent{Table: TableRideRequests, Type: EventUpdate}, r, old)
	return cloneRide(r), nil
}

func (m *MemoryStore) ListPendingRides(ctx context.Context, limit int) ([]models.RideRequest, error) {
	m.mu.RLock()
	out := make([]models.RideRequest, 0)
	for _, r := range m.rides {
		if r.Status == models.StatusPending && r.DriverID == nil {
			out = append(out, cloneRide(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertLocation(ctx context.Context, l models.DriverLocation) error {
	if l.DriverID == "" || l.RideID == "" {
		return fmt.Errorf("upsert location: driver_id and ride_id are required")
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = m.now().UTC()
	}
	k := locationKey{l.DriverID, l.RideID}
	m.mu.Lock()
	old, existed := m.locations[k]
	m.locations[k] = l
	if existed {
		m.commit(ChangeEvent{Table: TableDriverLocation, Type: EventUpdate}, l, old)
	} else {
		m.commit(ChangeEvent{Table: TableDriverLocation, Type: EventInsert}, l, nil)
	}
	return nil
}

func (m *MemoryStore) LatestLocation(ctx context.Context, driverID, rideID string) (models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[locationKey{driverID, rideID}]
	if !ok {
		return models.DriverLocation{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) InsertRating(ctx context.Context, r models.RideRating) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	m.mu.Lock()
	m.ratings = append(m.ratings, r)
	m.commit(ChangeEvent{Table: TableRideRatings, Type: EventInsert}, r, nil)
	return nil
}

func (m *MemoryStore) RatingStats(ctx context.Context, driverID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, count := 0, 0
	for _, r := range m.ratings {
		if r.DriverID == driverID {
			sum += r.Rating
			count++
		}
	}
	return sum, count, nil
}

func (m *MemoryStore) DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return models.DriverProfile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, spec Spec, fn func(ChangeEvent)) (Channel, error) {
	if spec.Table == "" {
		return nil, fmt.Errorf("subscribe: table is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil callback")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	c := &memChannel{id: m.nextSub, spec: spec, fn: fn, store: m}
	m.subs[c.id] = c
	return c, nil
}

// OpenChannels returns the number of live subscriptions.
func (m *MemoryStore) OpenChannels() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[uint64]*memChannel)
	return nil
}

// commit is called with m.mu held for writing. It releases m.mu and delivers
// the event to matching subscriptions while holding feedMu, which keeps
// delivery in commit order.
func (m *MemoryStore) commit(ev ChangeEvent, newRow, oldRow any) {
	var targets []*memChannel
	newRec, err := ToRecord(newRow)
	if err == nil {
		ev.New = newRec
		if oldRow != nil {
			ev.Old, _ = ToRecord(oldRow)
		}
		for _, c := range m.subs {
			if c.spec.matches(ev) {
				targets = append(targets, c)
			}
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	}
	m.feedMu.Lock()
	m.mu.Unlock()
	defer m.feedMu.Unlock()
	for _, c := range targets {
		if c.open() {
			c.fn(ev)
		}
	}
}

type memChannel struct {
	id    uint64
	spec  Spec
	fn    func(ChangeEvent)
	store *MemoryStore

	mu     sync.Mutex
	closed bool
}

func (c *memChannel) open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.store.mu.Lock()
	delete(c.store.subs, c.id)
	c.store.mu.Unlock()
	return nil
}

func cloneRide(r models.RideRequest) models.RideRequest {
	if r.DriverID != nil {
		d := *r.DriverID
		r.DriverID = &d
	}
	return r
}
