package rides

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

func newService() (*Service, *storage.MemoryStore) {
	st := storage.NewMemoryStore()
	s := NewService(st, logging.Discard())
	n := 0
	s.NewID = func() string { n++; return fmt.Sprintf("ride-%d", n) }
	return s, st
}

func TestCreate(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()

	r, err := s.Create(ctx, "s1", " Library ", "Dorm B", &models.Coord{Lat: 1, Lon: 2})
	require.NoError(t, err)
	assert.Equal(t, "ride-1", r.ID)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, "Library", r.PickupLocation)
	assert.Nil(t, r.DriverID)
	c, ok := r.PickupCoord()
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, c)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = s.Create(ctx, "s1", "", "Dorm B", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycle(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()
	r, err := s.Create(ctx, "s1", "Library", "Gym", nil)
	require.NoError(t, err)

	_, err = s.Complete(ctx, r.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	acc, err := s.Accept(ctx, r.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, acc.Status)
	assert.Equal(t, "d1", acc.Driver())

	_, err = s.Accept(ctx, r.ID, "d2")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done, err := s.Complete(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, "d1", done.Driver())

	_, err = s.Reject(ctx, r.ID, "d1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReject(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()
	r, err := s.Create(ctx, "s1", "Library", "Gym", nil)
	require.NoError(t, err)

	_, err = s.Reject(ctx, r.ID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	rej, err := s.Reject(ctx, r.ID, "d3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rej.Status)
	assert.Equal(t, "d3", rej.Driver())
}

func TestAcceptRaceHasOneWinner(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()
	r, err := s.Create(ctx, "s1", "Library", "Gym", nil)
	require.NoError(t, err)

	const drivers = 8
	var wg sync.WaitGroup
	errs := make([]error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Accept(ctx, r.ID, fmt.Sprintf("d%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, isLoss(err), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)
}

func isLoss(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition)
}
