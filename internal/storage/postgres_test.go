package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-rides/internal/models"
)

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set, skipping integration test")
	}
	p, err := NewPostgresStore(dsn, nil)
	if err != nil {
		t.Skipf("postgres unavailable: %v, skipping integration test", err)
	}
	require.NoError(t, Migrate(p.DB()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPostgresStore_StatusUpdateNotifies(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	student, driver := "s-"+uuid.NewString(), "d-"+uuid.NewString()
	_, err := p.DB().ExecContext(ctx, `INSERT INTO users(id, name, role) VALUES($1,'Student','student'),($2,'Driver','driver')`, student, driver)
	require.NoError(t, err)

	events := make(chan ChangeEvent, 4)
	ch, err := p.Subscribe(ctx, Spec{Table: TableRideRequests, Filter: Eq("student_id", student)}, func(ev ChangeEvent) { events <- ev })
	require.NoError(t, err)
	defer ch.Close()

	r := &models.RideRequest{ID: uuid.NewString(), StudentID: student, PickupLocation: "Gym", Destination: "Lab", Status: models.StatusPending}
	require.NoError(t, p.InsertRide(ctx, r))
	_, err = p.UpdateRideStatus(ctx, r.ID, models.StatusPending, models.StatusAccepted, &driver)
	require.NoError(t, err)
	_, err = p.UpdateRideStatus(ctx, r.ID, models.StatusPending, models.StatusRejected, &driver)
	assert.ErrorIs(t, err, ErrConflict)

	for _, want := range []EventKind{EventInsert, EventUpdate} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.Type)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	require.NoError(t, p.UpsertLocation(ctx, models.DriverLocation{DriverID: driver, RideID: r.ID, Latitude: 1, Longitude: 2}))
	require.NoError(t, p.UpsertLocation(ctx, models.DriverLocation{DriverID: driver, RideID: r.ID, Latitude: 3, Longitude: 4}))
	l, err := p.LatestLocation(ctx, driver, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, l.Latitude)

	prof, err := p.DriverProfile(ctx, driver)
	require.NoError(t, err)
	assert.Equal(t, "Driver", prof.Name)
	_, err = p.DriverProfile(ctx, student)
	assert.ErrorIs(t, err, ErrNotFound)
}
