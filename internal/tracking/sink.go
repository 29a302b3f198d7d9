// Package tracking moves driver positions between the driver's device and the
// people watching the ride: Reporter publishes samples, Subscriber follows them.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/example/campus-rides/internal/models"
)

// LocationSink receives location reports keyed by (driver, ride).
type LocationSink interface {
	UpsertLocation(ctx context.Context, l models.DriverLocation) error
}

// Positioner is the device's geolocation capability. Position may block until
// ctx is done.
type Positioner interface {
	Position(ctx context.Context) (models.Coord, error)
}

type PositionerFunc func(ctx context.Context) (models.Coord, error)

func (f PositionerFunc) Position(ctx context.Context) (models.Coord, error) { return f(ctx) }

// MultiSink writes to every sink and joins the failures. A failing sink does
// not stop the others.
type MultiSink []LocationSink

func (m MultiSink) UpsertLocation(ctx context.Context, l models.DriverLocation) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.UpsertLocation(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Route replays a fixed path, one point per call, and stays on the last point.
// It stands in for a GPS receiver on simulated drivers.
type Route struct {
	mu     sync.Mutex
	points []models.Coord
	next   int
}

var ErrEmptyRoute = errors.New("tracking: route has no points")

func NewRoute(points ...models.Coord) *Route {
	return &Route{points: points}
}

func (r *Route) Position(ctx context.Context) (models.Coord, error) {
	if err := ctx.Err(); err != nil {
		return models.Coord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.points) == 0 {
		return models.Coord{}, ErrEmptyRoute
	}
	c := r.points[r.next]
	if r.next < len(r.points)-1 {
		r.next++
	}
	return c, nil
}

// ParseRoute reads "lat,lon;lat,lon;..." as used by the reporter binary.
func ParseRoute(s string) ([]models.Coord, error) {
	var out []models.Coord
	for i, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var c models.Coord
		if _, err := fmt.Sscanf(part, "%g,%g", &c.Lat, &c.Lon); err != nil {
			return nil, fmt.Errorf("route point %d %q: %w", i, part, err)
		}
		if math.Abs(c.Lat) > 90 || math.Abs(c.Lon) > 180 {
			return nil, fmt.Errorf("route point %d %q: out of range", i, part)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrEmptyRoute
	}
	return out, nil
}
