package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

type countingSink struct {
	mu    sync.Mutex
	locs  []models.DriverLocation
	fails int
}

func (c *countingSink) UpsertLocation(ctx context.Context, l models.DriverLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return errors.New("store unavailable")
	}
	c.locs = append(c.locs, l)
	return nil
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locs)
}

func fixed(lat, lon float64) Positioner {
	return PositionerFunc(func(ctx context.Context) (models.Coord, error) {
		return models.Coord{Lat: lat, Lon: lon}, nil
	})
}

func TestReporter_NoWorkWithoutIDs(t *testing.T) {
	sink := &countingSink{}
	r := NewReporter(sink, fixed(1, 2), logging.Discard(), WithInterval(time.Millisecond))

	assert.False(t, r.Start(context.Background(), "", "r1"))
	assert.False(t, r.Start(context.Background(), "d1", ""))
	assert.False(t, r.Running())

	noPos := NewReporter(sink, nil, logging.Discard())
	assert.False(t, noPos.Start(context.Background(), "d1", "r1"))
	assert.False(t, noPos.Running())

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, sink.count())
	r.Stop()
}

func TestReporter_SamplesImmediatelyThenOnInterval(t *testing.T) {
	sink := &countingSink{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewReporter(sink, fixed(51.5, -0.12), logging.Discard(),
		WithInterval(10*time.Millisecond), WithReporterClock(func() time.Time { return now }))

	require.True(t, r.Start(context.Background(), "d1", "r1"))
	assert.True(t, r.Running())
	require.Eventually(t, func() bool { return sink.count() >= 3 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Wait()
	assert.False(t, r.Running())
	n := sink.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sink.count())

	sink.mu.Lock()
	first := sink.locs[0]
	sink.mu.Unlock()
	assert.Equal(t, models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 51.5, Longitude: -0.12, UpdatedAt: now}, first)
}

func TestReporter_FailedUpsertRetriedOnNextTick(t *testing.T) {
	sink := &countingSink{fails: 2}
	r := NewReporter(sink, fixed(1, 1), logging.Discard(), WithInterval(5*time.Millisecond))
	require.True(t, r.Start(context.Background(), "d1", "r1"))
	defer r.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestReporter_HungPositionerDoesNotBlock(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	hung := PositionerFunc(func(ctx context.Context) (models.Coord, error) {
		once.Do(calls.Done)
		<-ctx.Done()
		return models.Coord{}, ctx.Err()
	})
	sink := &countingSink{}
	r := NewReporter(sink, hung, logging.Discard(), WithInterval(2*time.Millisecond), WithSampleTimeout(time.Hour))
	require.True(t, r.Start(context.Background(), "d1", "r1"))
	calls.Wait()
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		r.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop blocked on a hung sample")
	}
	assert.Zero(t, sink.count())
}

func TestReporter_DeviceIgnoringContextTimesOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var mu sync.Mutex
	calls := 0
	stuckFirst := PositionerFunc(func(ctx context.Context) (models.Coord, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-release
		}
		return models.Coord{Lat: 1, Lon: 2}, nil
	})
	sink := &countingSink{}
	r := NewReporter(sink, stuckFirst, logging.Discard(), WithInterval(5*time.Millisecond), WithSampleTimeout(10*time.Millisecond))
	require.True(t, r.Start(context.Background(), "d1", "r1"))

	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		r.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop blocked on a device call that ignores its context")
	}

	// the reporter is reusable for another ride
	before := sink.count()
	require.True(t, r.Start(context.Background(), "d1", "r2"))
	require.Eventually(t, func() bool { return sink.count() > before }, time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestReporter_StopsWithContext(t *testing.T) {
	sink := &countingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReporter(sink, fixed(1, 1), logging.Discard(), WithInterval(5*time.Millisecond))
	require.True(t, r.Start(ctx, "d1", "r1"))
	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, time.Millisecond)
	cancel()
	r.Stop()
	r.Wait()
	n := sink.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, sink.count())
}

func TestMultiSink_WritesAllAndJoinsErrors(t *testing.T) {
	ok := &countingSink{}
	bad := &countingSink{fails: 1}
	err := MultiSink{bad, nil, ok}.UpsertLocation(context.Background(), models.DriverLocation{DriverID: "d", RideID: "r"})
	assert.Error(t, err)
	assert.Equal(t, 1, ok.count())
}

func TestRoute(t *testing.T) {
	pts, err := ParseRoute("1.5,2.5; 1.6,2.6;")
	require.NoError(t, err)
	r := NewRoute(pts...)
	ctx := context.Background()
	for _, want := range []models.Coord{{Lat: 1.5, Lon: 2.5}, {Lat: 1.6, Lon: 2.6}, {Lat: 1.6, Lon: 2.6}} {
		got, err := r.Position(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = ParseRoute("")
	assert.ErrorIs(t, err, ErrEmptyRoute)
	_, err = ParseRoute("95,1")
	assert.Error(t, err)
	_, err = ParseRoute("abc")
	assert.Error(t, err)
}

func TestSubscriber_SeedsThenFollowsPair(t *testing.T) {
	st := storage.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertLocation(ctx, models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 1, Longitude: 1, UpdatedAt: t0}))

	s := NewSubscriber(st, logging.Discard())
	require.NoError(t, s.Start(ctx, "d1", "r1"))
	defer s.Close()

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, 1.0, cur.Latitude)
	<-s.Updates() // seed

	require.NoError(t, st.UpsertLocation(ctx, models.DriverLocation{DriverID: "d1", RideID: "r2", Latitude: 9, Longitude: 9, UpdatedAt: t0.Add(time.Second)}))
	require.NoError(t, st.UpsertLocation(ctx, models.DriverLocation{DriverID: "d2", RideID: "r1", Latitude: 8, Longitude: 8, UpdatedAt: t0.Add(time.Second)}))
	cur, _ = s.Current()
	assert.Equal(t, 1.0, cur.Latitude)

	require.NoError(t, st.UpsertLocation(ctx, models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 2, Longitude: 2, UpdatedAt: t0.Add(2 * time.Second)}))
	require.NoError(t, st.UpsertLocation(ctx, models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 3, Longitude: 3, UpdatedAt: t0.Add(3 * time.Second)}))
	cur, _ = s.Current()
	assert.Equal(t, 3.0, cur.Latitude)

	select {
	case got := <-s.Updates():
		assert.Equal(t, 3.0, got.Latitude)
	default:
		t.Fatal("expected a pending update")
	}
}

func TestSubscriber_FirstReportArrivesAsInsert(t *testing.T) {
	st := storage.NewMemoryStore()
	ctx := context.Background()
	s := NewSubscriber(st, logging.Discard())
	require.NoError(t, s.Start(ctx, "d1", "r1"))
	defer s.Close()

	_, ok := s.Current()
	assert.False(t, ok)
	require.NoError(t, st.UpsertLocation(ctx, models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 4, Longitude: 4}))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, 4.0, cur.Longitude)
}

func TestSubscriber_NoopAndIdempotentClose(t *testing.T) {
	st := storage.NewMemoryStore()
	s := NewSubscriber(st, logging.Discard())
	assert.NotPanics(t, s.Close)

	s = NewSubscriber(st, logging.Discard())
	require.NoError(t, s.Start(context.Background(), "", "r1"))
	assert.Zero(t, st.OpenChannels())

	require.NoError(t, s.Start(context.Background(), "d1", "r1"))
	require.NoError(t, s.Start(context.Background(), "d1", "r1"))
	assert.Equal(t, 1, st.OpenChannels())
	s.Close()
	s.Close()
	assert.Zero(t, st.OpenChannels())
}

func TestPositionsSink(t *testing.T) {
	idx := geo.NewIndex(0)
	require.NoError(t, PositionsSink{Positions: idx}.UpsertLocation(context.Background(),
		models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 3, Longitude: 4}))
	at, ok := idx.Position(context.Background(), "d1")
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 3, Lon: 4}, at)
}

func TestAPISink(t *testing.T) {
	var gotPath, gotUser, gotRole string
	var body map[string]float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotRole = r.Header.Get("X-User-ID"), r.Header.Get("X-User-Role")
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["latitude"] > 80 {
			http.Error(w, "ride is not active", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewAPISink(srv.URL + "/")
	require.NoError(t, sink.UpsertLocation(context.Background(), models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 1, Longitude: 2}))
	assert.Equal(t, "/api/v1/rides/r1/location", gotPath)
	assert.Equal(t, "d1", gotUser)
	assert.Equal(t, "driver", gotRole)
	assert.Equal(t, map[string]float64{"latitude": 1, "longitude": 2}, body)

	err := sink.UpsertLocation(context.Background(), models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 85})
	assert.ErrorContains(t, err, "409")
}
