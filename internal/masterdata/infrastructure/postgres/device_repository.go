package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "gridpoller/internal/masterdata/domain"
)

const defaultDevicesTable = "devices"

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db      DBTX
	table   string
	configs *ConfigRepository
	points  *PointRepository
}

// NewDeviceRepository constructs a repository. The config and point
// repositories are used by ListEnabledBySite to assemble pollable devices.
func NewDeviceRepository(db DBTX, configs *ConfigRepository, points *PointRepository, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable, configs: configs, points: points}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const deviceColumns = "id, site_id, name, host, port, unit_id, poll_enabled, read_from_aggregator, created_at, updated_at"

func scanDevice(row interface{ Scan(...any) error }) (masterdata.Device, error) {
	var device masterdata.Device
	var host sql.NullString
	var port sql.NullInt64
	var unitID int16
	err := row.Scan(
		&device.ID,
		&device.SiteID,
		&device.Name,
		&host,
		&port,
		&unitID,
		&device.PollEnabled,
		&device.ReadFromAggregator,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if err != nil {
		return device, err
	}
	device.Host = host.String
	device.Port = int(port.Int64)
	device.UnitID = uint8(unitID)
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return device, nil
}

// Get loads a device by id. Missing devices return (nil, nil).
func (r *DeviceRepository) Get(ctx context.Context, id string) (*masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, deviceColumns, r.table)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// ListBySite loads devices for a site without configs or points.
func (r *DeviceRepository) ListBySite(ctx context.Context, siteID string) ([]masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if siteID == "" {
		return nil, errors.New("device repo: empty site id")
	}
	return r.listBySite(ctx, siteID, false)
}

// ListEnabledBySite loads poll-enabled devices for a site with their active
// configs and the configs' points attached, in declaration order.
func (r *DeviceRepository) ListEnabledBySite(ctx context.Context, siteID string) ([]masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if siteID == "" {
		return nil, errors.New("device repo: empty site id")
	}
	if r.configs == nil || r.points == nil {
		return nil, errors.New("device repo: config/point repositories not wired")
	}

	devices, err := r.listBySite(ctx, siteID, true)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		configs, err := r.configs.ListByDevice(ctx, devices[i].ID)
		if err != nil {
			return nil, err
		}
		for _, cfg := range configs {
			if !cfg.IsActive {
				continue
			}
			points, err := r.points.ListByConfig(ctx, cfg.ID)
			if err != nil {
				return nil, err
			}
			cfg.Points = points
			devices[i].Configs = append(devices[i].Configs, cfg)
		}
	}
	return devices, nil
}

func (r *DeviceRepository) listBySite(ctx context.Context, siteID string, enabledOnly bool) ([]masterdata.Device, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE site_id = $1`, deviceColumns, r.table)
	if enabledOnly {
		query += " AND poll_enabled"
	}
	query += "\nORDER BY id ASC"

	rows, err := r.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, device)
	}
	return result, rows.Err()
}

// Save upserts a device.
func (r *DeviceRepository) Save(ctx context.Context, device *masterdata.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	site_id,
	name,
	host,
	port,
	unit_id,
	poll_enabled,
	read_from_aggregator
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (id)
DO UPDATE SET
	site_id = EXCLUDED.site_id,
	name = EXCLUDED.name,
	host = EXCLUDED.host,
	port = EXCLUDED.port,
	unit_id = EXCLUDED.unit_id,
	poll_enabled = EXCLUDED.poll_enabled,
	read_from_aggregator = EXCLUDED.read_from_aggregator,
	updated_at = NOW()`, r.table)

	var host sql.NullString
	if device.Host != "" {
		host = sql.NullString{String: device.Host, Valid: true}
	}
	var port sql.NullInt64
	if device.Port != 0 {
		port = sql.NullInt64{Int64: int64(device.Port), Valid: true}
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		device.ID,
		device.SiteID,
		device.Name,
		host,
		port,
		int16(device.UnitID),
		device.PollEnabled,
		device.ReadFromAggregator,
	)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	return nil
}
