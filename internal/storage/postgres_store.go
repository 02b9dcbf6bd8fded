package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const bookingColumns = `id, passenger_id, COALESCE(driver_id, ''), status, pickup_lat, pickup_lng,
	dropoff_lat, dropoff_lng, scheduled_at, requested_at, accepted_at, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (models.Booking, error) {
	var (
		b          models.Booking
		dropLat    sql.NullFloat64
		dropLng    sql.NullFloat64
		scheduled  sql.NullTime
		accepted   sql.NullTime
		metadataJS []byte
	)
	if err := row.Scan(&b.ID, &b.PassengerID, &b.DriverID, &b.Status, &b.Pickup.Lat, &b.Pickup.Lon,
		&dropLat, &dropLng, &scheduled, &b.RequestedAt, &accepted, &metadataJS, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return models.Booking{}, err
	}
	if dropLat.Valid && dropLng.Valid {
		b.Dropoff = &models.Coord{Lat: dropLat.Float64, Lon: dropLng.Float64}
	}
	if scheduled.Valid {
		t := scheduled.Time
		b.ScheduledAt = &t
	}
	if accepted.Valid {
		t := accepted.Time
		b.AcceptedAt = &t
	}
	if len(metadataJS) > 0 {
		if err := json.Unmarshal(metadataJS, &b.Metadata); err != nil {
			return models.Booking{}, err
		}
	}
	return b, nil
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b models.Booking) (models.Booking, error) {
	b, err := prepareNew(b, p.now())
	if err != nil {
		return models.Booking{}, err
	}
	meta, err := json.Marshal(nonNilMetadata(b.Metadata))
	if err != nil {
		return models.Booking{}, err
	}
	var dropLat, dropLng sql.NullFloat64
	if b.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: b.Dropoff.Lat, Valid: true}
		dropLng = sql.NullFloat64{Float64: b.Dropoff.Lon, Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO bookings(id, passenger_id, status, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		scheduled_at, requested_at, metadata, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+bookingColumns,
		b.ID, b.PassengerID, b.Status, b.Pickup.Lat, b.Pickup.Lon, dropLat, dropLng,
		nullTime(b.ScheduledAt), b.RequestedAt, meta, b.CreatedAt, b.UpdatedAt)
	return scanBooking(row)
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (models.Booking, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, false, nil
	}
	if err != nil {
		return models.Booking{}, false, err
	}
	return b, true, nil
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, id string, upd models.BookingUpdate) (models.Booking, bool, error) {
	var status, driverID sql.NullString
	if upd.Status != nil {
		status = sql.NullString{String: string(*upd.Status), Valid: true}
	}
	if upd.DriverID != nil {
		driverID = sql.NullString{String: *upd.DriverID, Valid: true}
	}
	meta, err := json.Marshal(nonNilMetadata(upd.Metadata))
	if err != nil {
		return models.Booking{}, false, err
	}
	row := p.db.QueryRowContext(ctx, `UPDATE bookings SET
		status = COALESCE($2, status),
		driver_id = COALESCE($3, driver_id),
		accepted_at = COALESCE($4, accepted_at),
		metadata = metadata || $5::jsonb,
		updated_at = $6
		WHERE id = $1
		RETURNING `+bookingColumns,
		id, status, driverID, nullTime(upd.AcceptedAt), meta, p.now())
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, false, nil
	}
	if err != nil {
		return models.Booking{}, false, err
	}
	return b, true, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
