package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	masterdata "gridpoller/internal/masterdata/domain"
	"gridpoller/internal/modbus"
)

const defaultPointsTable = "device_points"

// PointRepository is a Postgres implementation for points. The bitfield and
// enum detail maps are stored as JSONB.
type PointRepository struct {
	db    DBTX
	table string
}

// NewPointRepository constructs a repository.
func NewPointRepository(db DBTX, opts ...PointOption) *PointRepository {
	repo := &PointRepository{db: db, table: defaultPointsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// PointOption configures the repository.
type PointOption func(*PointRepository)

// WithPointTable overrides the default table name.
func WithPointTable(table string) PointOption {
	return func(repo *PointRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const pointColumns = `id, config_id, site_id, device_id, name, address, size, data_type,
scale_factor, unit, byte_order, bitfield_detail, enum_detail,
is_derived, base_point_id, bit_index, enum_value, created_at, updated_at`

func scanPoint(row interface{ Scan(...any) error }) (masterdata.Point, error) {
	var p masterdata.Point
	var dataType, byteOrder string
	var bitfieldDetail, enumDetail []byte
	var basePointID sql.NullString
	err := row.Scan(
		&p.ID,
		&p.ConfigID,
		&p.SiteID,
		&p.DeviceID,
		&p.Name,
		&p.Address,
		&p.Size,
		&dataType,
		&p.ScaleFactor,
		&p.Unit,
		&byteOrder,
		&bitfieldDetail,
		&enumDetail,
		&p.IsDerived,
		&basePointID,
		&p.BitIndex,
		&p.EnumValue,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.DataType = modbus.DataType(dataType)
	p.ByteOrder = modbus.ByteOrder(byteOrder)
	p.BasePointID = basePointID.String
	if len(bitfieldDetail) > 0 {
		if err := json.Unmarshal(bitfieldDetail, &p.BitfieldDetail); err != nil {
			return p, fmt.Errorf("point repo: bitfield detail for %s: %w", p.ID, err)
		}
	}
	if len(enumDetail) > 0 {
		if err := json.Unmarshal(enumDetail, &p.EnumDetail); err != nil {
			return p, fmt.Errorf("point repo: enum detail for %s: %w", p.ID, err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// ListByConfig loads a config's points, base points before derived ones,
// both in address order.
func (r *PointRepository) ListByConfig(ctx context.Context, configID string) ([]masterdata.Point, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("point repo: nil db")
	}
	if configID == "" {
		return nil, errors.New("point repo: empty config id")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE config_id = $1
ORDER BY is_derived ASC, address ASC, name ASC`, pointColumns, r.table)
	return r.list(ctx, query, configID)
}

// ListByDevice loads every point across a device's configs.
func (r *PointRepository) ListByDevice(ctx context.Context, deviceID string) ([]masterdata.Point, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("point repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("point repo: empty device id")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1
ORDER BY is_derived ASC, address ASC, name ASC`, pointColumns, r.table)
	return r.list(ctx, query, deviceID)
}

func (r *PointRepository) list(ctx context.Context, query string, arg any) ([]masterdata.Point, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// SaveBatch upserts points. The unique constraints on (device_id, name) and
// the exclusion constraint on base-point register ranges are the final word
// on cross-config conflicts; a violation surfaces as the driver error.
func (r *PointRepository) SaveBatch(ctx context.Context, points []masterdata.Point) error {
	if r == nil || r.db == nil {
		return errors.New("point repo: nil db")
	}
	if len(points) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	config_id,
	site_id,
	device_id,
	name,
	address,
	size,
	data_type,
	scale_factor,
	unit,
	byte_order,
	bitfield_detail,
	enum_detail,
	is_derived,
	base_point_id,
	bit_index,
	enum_value
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	address = EXCLUDED.address,
	size = EXCLUDED.size,
	data_type = EXCLUDED.data_type,
	scale_factor = EXCLUDED.scale_factor,
	unit = EXCLUDED.unit,
	byte_order = EXCLUDED.byte_order,
	bitfield_detail = EXCLUDED.bitfield_detail,
	enum_detail = EXCLUDED.enum_detail,
	is_derived = EXCLUDED.is_derived,
	base_point_id = EXCLUDED.base_point_id,
	bit_index = EXCLUDED.bit_index,
	enum_value = EXCLUDED.enum_value,
	updated_at = NOW()`, r.table)

	for _, p := range points {
		bitfieldDetail, err := marshalDetail(p.BitfieldDetail)
		if err != nil {
			return fmt.Errorf("point repo: bitfield detail for %s: %w", p.Name, err)
		}
		enumDetail, err := marshalDetail(p.EnumDetail)
		if err != nil {
			return fmt.Errorf("point repo: enum detail for %s: %w", p.Name, err)
		}
		var basePointID sql.NullString
		if p.BasePointID != "" {
			basePointID = sql.NullString{String: p.BasePointID, Valid: true}
		}
		if _, err := r.db.ExecContext(
			ctx,
			query,
			p.ID,
			p.ConfigID,
			p.SiteID,
			p.DeviceID,
			p.Name,
			p.Address,
			p.Size,
			string(p.DataType),
			p.ScaleFactor,
			p.Unit,
			string(p.ByteOrder),
			bitfieldDetail,
			enumDetail,
			p.IsDerived,
			basePointID,
			p.BitIndex,
			p.EnumValue,
		); err != nil {
			return err
		}
	}
	return nil
}

func marshalDetail(detail map[string]string) ([]byte, error) {
	if len(detail) == 0 {
		return nil, nil
	}
	return json.Marshal(detail)
}
