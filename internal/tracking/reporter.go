package tracking

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
)

const DefaultInterval = 5 * time.Second

type ReporterOption func(*Reporter)

func WithInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithSampleTimeout bounds a single position sample plus its upsert.
func WithSampleTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.sampleTimeout = d
		}
	}
}

func WithReporterClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) { r.now = now }
}

// Reporter samples the driver's position and upserts it for one ride on a
// fixed interval. A sample that hangs never delays the next tick; while one
// is in flight further ticks are skipped.
type Reporter struct {
	sink          LocationSink
	pos           Positioner
	logger        *slog.Logger
	interval      time.Duration
	sampleTimeout time.Duration
	now           func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inFlight atomic.Bool
	samples  sync.WaitGroup
}

func NewReporter(sink LocationSink, pos Positioner, logger *slog.Logger, opts ...ReporterOption) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		sink:     sink,
		pos:      pos,
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.sampleTimeout == 0 {
		r.sampleTimeout = r.interval
	}
	return r
}

// Start begins reporting for (driverID, rideID) and reports whether it did.
// Missing ids or a missing positioner leave the reporter idle. Starting again
// replaces the previous ride.
func (r *Reporter) Start(ctx context.Context, driverID, rideID string) bool {
	if driverID == "" || rideID == "" || r.pos == nil || r.sink == nil {
		r.logger.Debug("location_reporter_idle", "driver_id", driverID, "ride_id", rideID)
		return false
	}
	r.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.loop(ctx, done, driverID, rideID)
	r.logger.Info("location_reporter_started", "driver_id", driverID, "ride_id", rideID, "interval", r.interval)
	return true
}

// Running reports whether a reporting loop is active.
func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Stop cancels the interval and waits for the loop to exit. Samples already
// in flight are cancelled through their context. Safe to call at any time.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until every sample started so far has finished.
func (r *Reporter) Wait() { r.samples.Wait() }

func (r *Reporter) loop(ctx context.Context, done chan struct{}, driverID, rideID string) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx, driverID, rideID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, driverID, rideID)
		}
	}
}

func (r *Reporter) tick(ctx context.Context, driverID, rideID string) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Debug("location_sample_skipped", "driver_id", driverID, "ride_id", rideID)
		return
	}
	r.samples.Add(1)
	go func() {
		defer r.samples.Done()
		defer r.inFlight.Store(false)
		r.sample(ctx, driverID, rideID)
	}()
}

func (r *Reporter) sample(ctx context.Context, driverID, rideID string) {
	ctx, cancel := context.WithTimeout(ctx, r.sampleTimeout)
	defer cancel()

	at, err := r.position(ctx)
	if err != nil {
		observability.LocationSampleErrors.Inc()
		r.logger.Warn("location_sample_failed", "driver_id", driverID, "ride_id", rideID, "error", err)
		return
	}
	loc := models.DriverLocation{
		DriverID:  driverID,
		RideID:    rideID,
		Latitude:  at.Lat,
		Longitude: at.Lon,
		UpdatedAt: r.now().UTC(),
	}
	if err := r.sink.UpsertLocation(ctx, loc); err != nil {
		observability.LocationUpsertErrors.Inc()
		r.logger.Error("location_upsert_failed", "driver_id", driverID, "ride_id", rideID, "error", err)
		return
	}
	observability.LocationUpserts.Inc()
}

type fix struct {
	at  models.Coord
	err error
}

// position returns when the device answers or ctx ends, whichever is first.
// A device call that ignores ctx is left behind and its answer discarded.
func (r *Reporter) position(ctx context.Context) (models.Coord, error) {
	out := make(chan fix, 1)
	go func() {
		at, err := r.pos.Position(ctx)
		out <- fix{at, err}
	}()
	select {
	case f := <-out:
		return f.at, f.err
	case <-ctx.Done():
		return models.Coord{}, ctx.Err()
	}
}
