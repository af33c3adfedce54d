package report

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/climateaction/airstream/internal/airquality"
)

//go:embed schema.sql
var schema string

// pgForeignKeyViolation is the SQLSTATE for a foreign key violation.
const pgForeignKeyViolation = "23503"

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL report repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate creates the report tables when they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply report schema: %w", err)
	}
	return nil
}

// FindOrCreateLocation returns the stored location matching in, creating it
// when none exists.
func (r *PostgresRepository) FindOrCreateLocation(ctx context.Context, in LocationInput) (*LocationRecord, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO locations (id, city, state, country, latitude, longitude, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (city, state, country, latitude, longitude)
		DO UPDATE SET city = EXCLUDED.city
		RETURNING id, city, state, country, latitude, longitude, created_at
	`

	var loc LocationRecord
	err := r.pool.QueryRow(ctx, query,
		uuid.New().String(),
		in.City,
		in.State,
		in.Country,
		in.Latitude,
		in.Longitude,
		time.Now().UTC(),
	).Scan(
		&loc.ID,
		&loc.City,
		&loc.State,
		&loc.Country,
		&loc.Latitude,
		&loc.Longitude,
		&loc.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find or create location: %w", err)
	}

	return &loc, nil
}

// SaveReading records reading as a new report.
func (r *PostgresRepository) SaveReading(ctx context.Context, userID string, loc *LocationRecord, reading *airquality.Reading) (*Report, error) {
	if reading == nil {
		return nil, ErrReadingMissing
	}
	if loc == nil {
		return nil, ErrLocationNotFound
	}

	report := newReport(uuid.New().String(), userID, loc, reading, time.Now().UTC())

	query := `
		INSERT INTO air_quality_reports
			(id, user_id, location_id, aqi, pm25, pm10, o3, no2, so2, co, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		report.ID,
		report.UserID,
		report.LocationID,
		report.AQI,
		report.PM25,
		report.PM10,
		report.O3,
		report.NO2,
		report.SO2,
		report.CO,
		report.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, ErrLocationNotFound
		}
		return nil, fmt.Errorf("insert report: %w", err)
	}

	return report, nil
}

// ListReports returns a user's reports, newest first.
func (r *PostgresRepository) ListReports(ctx context.Context, userID string, offset, limit int) ([]*Report, error) {
	query := `
		SELECT r.id, r.user_id, r.location_id, r.aqi, r.pm25, r.pm10, r.o3, r.no2, r.so2, r.co,
		       l.city, l.state, l.country, r.timestamp
		FROM air_quality_reports r
		JOIN locations l ON l.id = r.location_id
		WHERE r.user_id = $1
		ORDER BY r.timestamp DESC
		OFFSET $2
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, userID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}

	reports, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Report, error) {
		var report Report
		err := row.Scan(
			&report.ID,
			&report.UserID,
			&report.LocationID,
			&report.AQI,
			&report.PM25,
			&report.PM10,
			&report.O3,
			&report.NO2,
			&report.SO2,
			&report.CO,
			&report.City,
			&report.State,
			&report.Country,
			&report.Timestamp,
		)
		return &report, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan reports: %w", err)
	}

	return reports, nil
}

// Ensure PostgresRepository implements Repository.
var _ Repository = (*PostgresRepository)(nil)
