package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-rides/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

var (
	a = models.Coord{Lat: 0, Lon: 0}
	b = models.Coord{Lat: 0.01, Lon: 0}
)

func TestEstimatorCachesRoutedAnswers(t *testing.T) {
	c := &fakeClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	assert.Equal(t, 42.0, e.Estimate(context.Background(), a, b))
	assert.Equal(t, 42.0, e.Estimate(context.Background(), a, b))
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, SpeedMps: 10}
	got := e.Estimate(context.Background(), a, b)
	assert.InDelta(t, 111.2, got, 0.5)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(a, b, 1)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(a, b)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":93.5}]}`))
	}))
	defer srv.Close()
	v, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, 93.5, v)
}
