package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/campus-rides/internal/models"
)

// PostgresStore implements Store on PostgreSQL. Change notifications come
// from the notify_table_change trigger installed by the migrations.
type PostgresStore struct {
	db   *sql.DB
	feed *pgFeed
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, feed: newPGFeed(dsn, logger)}, nil
}

// DB exposes the connection pool for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, student_id, driver_id, pickup_location, destination, pickup_lat, pickup_lng, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (models.RideRequest, error) {
	var (
		r        models.RideRequest
		driverID sql.NullString
		lat, lng sql.NullFloat64
		status   string
	)
	if err := s.Scan(&r.ID, &r.StudentID, &driverID, &r.PickupLocation, &r.Destination, &lat, &lng, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.RideRequest{}, err
	}
	if driverID.Valid {
		d := driverID.String
		r.DriverID = &d
	}
	if lat.Valid && lng.Valid {
		r.PickupLat, r.PickupLng = &lat.Float64, &lng.Float64
	}
	r.Status = models.RideStatus(status)
	return r, nil
}

func (p *PostgresStore) InsertRide(ctx context.Context, r *models.RideRequest) error {
	row := p.db.QueryRowContext(ctx, `INSERT INTO ride_requests(id, student_id, driver_id, pickup_location, destination, pickup_lat, pickup_lng, status)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at, updated_at`,
		r.ID, r.StudentID, r.DriverID, r.PickupLocation, r.Destination, r.PickupLat, r.PickupLng, string(r.Status))
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus, driverID *string) (models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE ride_requests
		SET status = $1, driver_id = COALESCE(driver_id, $2), updated_at = now()
		WHERE id = $3 AND status = $4
		RETURNING `+rideColumns, string(to), driverID, id, string(from)))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, fmt.Errorf("update ride %s: %w", id, err)
	}
	if _, gerr := p.GetRide(ctx, id); gerr != nil {
		return models.RideRequest{}, gerr
	}
	return models.RideRequest{}, ErrConflict
}

func (p *PostgresStore) ListPendingRides(ctx context.Context, limit int) ([]models.RideRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM ride_requests
		WHERE status = 'pending' AND driver_id IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertLocation(ctx context.Context, l models.DriverLocation) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_locations(driver_id, ride_id, latitude, longitude, updated_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (driver_id, ride_id) DO UPDATE
		SET latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude, updated_at = EXCLUDED.updated_at`,
		l.DriverID, l.RideID, l.Latitude, l.Longitude, l.UpdatedAt)
	return err
}

func (p *PostgresStore) LatestLocation(ctx context.Context, driverID, rideID string) (models.DriverLocation, error) {
	var l models.DriverLocation
	err := p.db.QueryRowContext(ctx, `SELECT driver_id, ride_id, latitude, longitude, updated_at
		FROM driver_locations WHERE driver_id = $1 AND ride_id = $2
		ORDER BY updated_at DESC LIMIT 1`, driverID, rideID).
		Scan(&l.DriverID, &l.RideID, &l.Latitude, &l.Longitude, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverLocation{}, ErrNotFound
	}
	return l, err
}

func (p *PostgresStore) InsertRating(ctx context.Context, r models.RideRating) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_ratings(driver_id, ride_id, rating) VALUES($1,$2,$3)`,
		r.DriverID, r.RideID, r.Rating)
	return err
}

func (p *PostgresStore) RatingStats(ctx context.Context, driverID string) (int, int, error) {
	var sum, count int
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(rating), 0), COUNT(*) FROM ride_ratings WHERE driver_id = $1`, driverID).
		Scan(&sum, &count)
	return sum, count, err
}

func (p *PostgresStore) DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	var (
		d        models.DriverProfile
		lat, lng sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone, email, vehicle_type, current_lat, current_lng
		FROM users WHERE id = $1 AND role = 'driver'`, driverID).
		Scan(&d.ID, &d.Name, &d.Phone, &d.Email, &d.VehicleType, &lat, &lng)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverProfile{}, ErrNotFound
	}
	if err != nil {
		return models.DriverProfile{}, err
	}
	if lat.Valid && lng.Valid {
		d.CurrentLocation = &models.Coord{Lat: lat.Float64, Lon: lng.Float64}
	}
	return d, nil
}

func (p *PostgresStore) Subscribe(ctx context.Context, spec Spec, fn func(ChangeEvent)) (Channel, error) {
	if spec.Table == "" {
		return nil, fmt.Errorf("subscribe: table is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil callback")
	}
	return p.feed.subscribe(spec, fn)
}

func (p *PostgresStore) Close() error {
	ferr := p.feed.close()
	return errors.Join(ferr, p.db.Close())
}
