package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/models"
)

// Positions tracks the last reported coordinate of each driver, independent
// of the ride the report was made for.
type Positions interface {
	Update(ctx context.Context, driverID string, at models.Coord) error
	Position(ctx context.Context, driverID string) (models.Coord, bool)
}

type entry struct {
	at      models.Coord
	updated time.Time
}

// Index is the in-process Positions implementation. Entries older than maxAge
// are treated as unknown; zero maxAge keeps them forever.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
	maxAge  time.Duration
}

func NewIndex(maxAge time.Duration) *Index {
	return &Index{drivers: make(map[string]entry), maxAge: maxAge}
}

func (g *Index) Update(ctx context.Context, driverID string, at models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = entry{at: at, updated: time.Now()}
	return nil
}

func (g *Index) Position(ctx context.Context, driverID string) (models.Coord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return models.Coord{}, false
	}
	if g.maxAge > 0 && time.Since(e.updated) > g.maxAge {
		return models.Coord{}, false
	}
	return e.at, true
}

// Haversine distance in meters
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
