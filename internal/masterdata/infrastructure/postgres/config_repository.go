package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "gridpoller/internal/masterdata/domain"
	"gridpoller/internal/modbus"
)

const defaultConfigsTable = "device_configs"

// ConfigRepository is a Postgres implementation for poll configs.
type ConfigRepository struct {
	db    DBTX
	table string
}

// NewConfigRepository constructs a repository.
func NewConfigRepository(db DBTX, opts ...ConfigOption) *ConfigRepository {
	repo := &ConfigRepository{db: db, table: defaultConfigsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ConfigOption configures the repository.
type ConfigOption func(*ConfigRepository)

// WithConfigTable overrides the default table name.
func WithConfigTable(table string) ConfigOption {
	return func(repo *ConfigRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const configColumns = "id, site_id, device_id, poll_kind, poll_start_index, poll_count, is_active, created_at, updated_at"

func scanConfig(row interface{ Scan(...any) error }) (masterdata.Config, error) {
	var cfg masterdata.Config
	var kind string
	err := row.Scan(
		&cfg.ID,
		&cfg.SiteID,
		&cfg.DeviceID,
		&kind,
		&cfg.PollStartIndex,
		&cfg.PollCount,
		&cfg.IsActive,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return cfg, err
	}
	cfg.PollKind = modbus.Kind(kind)
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, nil
}

// Get loads a config by id. Missing configs return (nil, nil).
func (r *ConfigRepository) Get(ctx context.Context, id string) (*masterdata.Config, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("config repo: nil db")
	}
	if id == "" {
		return nil, errors.New("config repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, configColumns, r.table)

	cfg, err := scanConfig(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// ListByDevice loads configs for a device in creation order.
func (r *ConfigRepository) ListByDevice(ctx context.Context, deviceID string) ([]masterdata.Config, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("config repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("config repo: empty device id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1
ORDER BY created_at ASC, id ASC`, configColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

// Save upserts a config. Points are persisted separately.
func (r *ConfigRepository) Save(ctx context.Context, cfg *masterdata.Config) error {
	if r == nil || r.db == nil {
		return errors.New("config repo: nil db")
	}
	if cfg == nil {
		return errors.New("config repo: nil config")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	site_id,
	device_id,
	poll_kind,
	poll_start_index,
	poll_count,
	is_active
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (id)
DO UPDATE SET
	poll_kind = EXCLUDED.poll_kind,
	poll_start_index = EXCLUDED.poll_start_index,
	poll_count = EXCLUDED.poll_count,
	is_active = EXCLUDED.is_active,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		cfg.ID,
		cfg.SiteID,
		cfg.DeviceID,
		string(cfg.PollKind),
		cfg.PollStartIndex,
		cfg.PollCount,
		cfg.IsActive,
	)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	return nil
}

// Delete removes a config and, via ON DELETE CASCADE, its points.
func (r *ConfigRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("config repo: nil db")
	}
	if id == "" {
		return errors.New("config repo: empty id")
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", r.table)
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}
