package rating

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-rides/internal/cache"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

type spyStore struct {
	inner    *storage.MemoryStore
	inserts  int
	failNext bool
}

func (s *spyStore) InsertRating(ctx context.Context, r models.RideRating) error {
	s.inserts++
	if s.failNext {
		s.failNext = false
		return errors.New("connection reset")
	}
	return s.inner.InsertRating(ctx, r)
}

func (s *spyStore) RatingStats(ctx context.Context, driverID string) (int, int, error) {
	return s.inner.RatingStats(ctx, driverID)
}

func newSpy() *spyStore { return &spyStore{inner: storage.NewMemoryStore()} }

func TestForm_ZeroStarsDoesNotWrite(t *testing.T) {
	st := newSpy()
	f := NewForm(st, "d1", "r1")
	assert.ErrorIs(t, f.Submit(context.Background(), 0), ErrNoRating)
	assert.False(t, f.Submitted())
	assert.Zero(t, st.inserts)
}

func TestForm_SubmitAndAggregate(t *testing.T) {
	ctx := context.Background()
	st := newSpy()
	for _, stars := range []int{5, 3} {
		require.NoError(t, st.inner.InsertRating(ctx, models.RideRating{DriverID: "d1", RideID: "older", Rating: stars}))
	}

	f := NewForm(st, "d1", "r1")
	require.NoError(t, f.Submit(ctx, 4))
	assert.True(t, f.Submitted())
	assert.Equal(t, 1, st.inserts)

	sum, err := Aggregate(ctx, st, "d1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Average: 4.0, Count: 3}, sum)
	assert.Equal(t, "4.0", sum.Display())

	assert.ErrorIs(t, f.Submit(ctx, 5), ErrAlreadySubmitted)
	assert.Equal(t, 1, st.inserts)
}

func TestForm_FailedInsertAllowsResubmit(t *testing.T) {
	ctx := context.Background()
	st := newSpy()
	st.failNext = true
	f := NewForm(st, "d1", "r1")

	err := f.Submit(ctx, 2)
	require.Error(t, err)
	assert.False(t, f.Submitted())

	require.NoError(t, f.Submit(ctx, 2))
	assert.True(t, f.Submitted())
	_, count, _ := st.RatingStats(ctx, "d1")
	assert.Equal(t, 1, count)
}

func TestForm_Validation(t *testing.T) {
	st := newSpy()
	assert.ErrorIs(t, NewForm(st, "d1", "r1").Submit(context.Background(), 6), ErrInvalidRating)
	assert.ErrorIs(t, NewForm(st, "d1", "r1").Submit(context.Background(), -1), ErrInvalidRating)
	assert.ErrorIs(t, NewForm(st, "", "r1").Submit(context.Background(), 3), ErrMissingIDs)
	assert.Zero(t, st.inserts)
}

func TestSummary_Display(t *testing.T) {
	assert.Equal(t, "no rating", Summary{}.Display())
	assert.Equal(t, "4.7", Summary{Average: 14.0 / 3, Count: 3}.Display())
}

func TestService_WritesSummaryThrough(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	c := cache.NewMemory()
	svc := &Service{Store: st, Cache: c, Logger: logging.Discard()}

	sum, err := svc.Summary(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "no rating", sum.Display())

	require.NoError(t, NewForm(svc, "d1", "r1").Submit(ctx, 5))
	require.NoError(t, NewForm(svc, "d1", "r2").Submit(ctx, 2))

	var cached Summary
	require.True(t, c.Get(ctx, "driver:rating:d1", &cached))
	assert.Equal(t, Summary{Average: 3.5, Count: 2}, cached)

	sum, err = svc.Summary(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "3.5", sum.Display())
}
