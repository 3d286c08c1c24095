package masterdata

import (
	"context"
	"time"

	"gridpoller/internal/modbus"
)

// addressUnset marks a submitted point that carried no address. Validation
// reports it as a missing required field; it never reaches persistence.
const addressUnset = -1

// Config is one contiguous register range read in a single Modbus
// transaction. A device may own several configs covering disjoint blocks.
type Config struct {
	ID             string
	SiteID         string
	DeviceID       string
	PollKind       modbus.Kind
	PollStartIndex int
	PollCount      int
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Points are kept in declaration order; mapping processes them in
	// that order.
	Points []Point
}

// Point is one named measurement within a config. A base point owns the
// register range [Address, Address+Size-1]; a derived point reinterprets a
// sibling base point's raw value (one bit, or one enum state).
type Point struct {
	ID       string
	ConfigID string
	SiteID   string
	DeviceID string

	Name        string
	Address     int
	Size        int
	DataType    modbus.DataType
	ScaleFactor float64
	Unit        string
	ByteOrder   modbus.ByteOrder

	// Detail maps label bit indices ("00".."63") or enum values for
	// bitfield/enum base points.
	BitfieldDetail map[string]string
	EnumDetail     map[string]string

	IsDerived   bool
	BasePointID string
	// BitIndex is the bit position a single_bit point extracts from its
	// base point's raw value.
	BitIndex int
	// EnumValue is the raw value a single_enum point matches against.
	EnumValue int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// End returns the last register index the point occupies.
func (p Point) End() int {
	return p.Address + p.Size - 1
}

// HasAddress reports whether the point carried an address at submission.
func (p Point) HasAddress() bool {
	return p.Address != addressUnset
}

// NewUnaddressedPoint builds a point whose submitted address was absent.
func NewUnaddressedPoint(p Point) Point {
	p.Address = addressUnset
	return p
}

// ConfigRepository manages config persistence.
type ConfigRepository interface {
	Get(ctx context.Context, id string) (*Config, error)
	ListByDevice(ctx context.Context, deviceID string) ([]Config, error)
	Save(ctx context.Context, cfg *Config) error
	Delete(ctx context.Context, id string) error
}

// PointRepository manages point persistence.
type PointRepository interface {
	ListByConfig(ctx context.Context, configID string) ([]Point, error)
	ListByDevice(ctx context.Context, deviceID string) ([]Point, error)
	SaveBatch(ctx context.Context, points []Point) error
}
