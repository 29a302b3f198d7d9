// Package rating captures one-shot driver ratings for completed rides and
// computes the average shown alongside driver details.
package rating

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/storage"
)

var (
	ErrNoRating         = errors.New("rating: no stars selected")
	ErrInvalidRating    = errors.New("rating: stars must be between 1 and 5")
	ErrAlreadySubmitted = errors.New("rating: already submitted")
	ErrMissingIDs       = errors.New("rating: driver and ride are required")
)

const (
	MinStars = 1
	MaxStars = 5
)

// Form is a single rating prompt for one (driver, ride). Once a submission
// succeeds the form stays submitted; a failed insert leaves it open.
type Form struct {
	store    storage.RatingStore
	driverID string
	rideID   string

	mu        sync.Mutex
	submitted bool
}

func NewForm(store storage.RatingStore, driverID, rideID string) *Form {
	return &Form{store: store, driverID: driverID, rideID: rideID}
}

func (f *Form) Submit(ctx context.Context, stars int) error {
	if stars == 0 {
		return ErrNoRating
	}
	if stars < MinStars || stars > MaxStars {
		return ErrInvalidRating
	}
	if f.driverID == "" || f.rideID == "" {
		return ErrMissingIDs
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitted {
		return ErrAlreadySubmitted
	}
	err := f.store.InsertRating(ctx, models.RideRating{DriverID: f.driverID, RideID: f.rideID, Rating: stars})
	if err != nil {
		return fmt.Errorf("submit rating for ride %s: %w", f.rideID, err)
	}
	f.submitted = true
	observability.RatingsSubmitted.Inc()
	return nil
}

func (f *Form) Submitted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

// Summary is the mean over every rating stored for a driver.
type Summary struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// Display renders the summary the way driver cards show it.
func (s Summary) Display() string {
	if s.Count == 0 {
		return "no rating"
	}
	return fmt.Sprintf("%.1f", s.Average)
}

func Aggregate(ctx context.Context, store storage.RatingStore, driverID string) (Summary, error) {
	sum, count, err := store.RatingStats(ctx, driverID)
	if err != nil {
		return Summary{}, fmt.Errorf("rating stats for %s: %w", driverID, err)
	}
	if count == 0 {
		return Summary{}, nil
	}
	return Summary{Average: float64(sum) / float64(count), Count: count}, nil
}
