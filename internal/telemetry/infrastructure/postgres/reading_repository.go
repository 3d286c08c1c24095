package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "gridpoller/internal/telemetry/domain"
)

const defaultReadingsTable = "register_readings"

// ReadingRepository is a Postgres implementation for register readings.
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// NewReadingRepository constructs a repository with the default table name.
func NewReadingRepository(db *sql.DB, opts ...ReadingOption) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ReadingOption configures the repository.
type ReadingOption func(*ReadingRepository)

// WithReadingsTable overrides the default table name.
func WithReadingsTable(table string) ReadingOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// BatchInsert upserts readings in one transaction, idempotent on
// (timestamp, device_id, point_id). It returns the number of rows written.
func (r *ReadingRepository) BatchInsert(ctx context.Context, readings []telemetry.Reading) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("reading repo: nil db")
	}
	if len(readings) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	ts,
	site_id,
	device_id,
	point_id,
	point_name,
	unit,
	raw_value,
	derived_value
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (ts, device_id, point_id)
DO UPDATE SET
	raw_value = EXCLUDED.raw_value,
	derived_value = EXCLUDED.derived_value`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	for _, reading := range readings {
		if reading.DeviceID == "" || reading.PointID == "" || reading.Timestamp.IsZero() {
			_ = tx.Rollback()
			return 0, errors.New("reading repo: invalid reading")
		}
		derived := sql.NullFloat64{}
		if reading.Derived != nil {
			derived = sql.NullFloat64{Float64: *reading.Derived, Valid: true}
		}
		if _, err := stmt.ExecContext(
			ctx,
			reading.Timestamp,
			reading.SiteID,
			reading.DeviceID,
			reading.PointID,
			reading.PointName,
			reading.Unit,
			reading.RawValue,
			derived,
		); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(readings), nil
}

// QueryRange loads readings for one device in [from, to), oldest first.
func (r *ReadingRepository) QueryRange(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("reading repo: empty device id")
	}

	query := fmt.Sprintf(`
SELECT ts, site_id, device_id, point_id, point_name, unit, raw_value, derived_value
FROM %s
WHERE device_id = $1 AND ts >= $2 AND ts < $3
ORDER BY ts ASC, point_name ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Reading
	for rows.Next() {
		var reading telemetry.Reading
		var derived sql.NullFloat64
		if err := rows.Scan(
			&reading.Timestamp,
			&reading.SiteID,
			&reading.DeviceID,
			&reading.PointID,
			&reading.PointName,
			&reading.Unit,
			&reading.RawValue,
			&derived,
		); err != nil {
			return nil, err
		}
		if derived.Valid {
			value := derived.Float64
			reading.Derived = &value
		}
		reading.Timestamp = reading.Timestamp.UTC()
		result = append(result, reading)
	}
	return result, rows.Err()
}
