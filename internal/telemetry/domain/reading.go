package telemetry

import (
	"context"
	"time"
)

// Reading is one decoded time-series fact for a point. Raw is the value as
// returned by the protocol, pre-scale; Derived is the post-interpretation
// value (scaled, bit-extracted or enum-matched). Derived is nil when
// derivation was not possible, e.g. a single_bit index outside the base
// point's width.
type Reading struct {
	Timestamp time.Time
	SiteID    string
	DeviceID  string
	PointID   string
	PointName string
	Unit      string
	RawValue  float64
	Derived   *float64
}

// ReadingRepository persists readings. Inserts are idempotent on
// (timestamp, device_id, point_id); the storage layer upserts, the core
// never updates a reading in place.
type ReadingRepository interface {
	BatchInsert(ctx context.Context, readings []Reading) (int, error)
	QueryRange(ctx context.Context, deviceID string, from, to time.Time) ([]Reading, error)
}

// SnapshotEntry is one point's latest value inside a device snapshot.
type SnapshotEntry struct {
	PointID   string   `json:"point_id"`
	Name      string   `json:"name"`
	Address   int      `json:"address"`
	Unit      string   `json:"unit,omitempty"`
	RawValue  float64  `json:"raw_value"`
	Derived   *float64 `json:"derived_value,omitempty"`
	DataType  string   `json:"data_type,omitempty"`
	IsDerived bool     `json:"is_derived,omitempty"`
}

// DeviceSnapshot is the latest combined poll result for one device, cached
// for quick reads by the admin API.
type DeviceSnapshot struct {
	OK        bool            `json:"ok"`
	Timestamp time.Time       `json:"timestamp"`
	SiteID    string          `json:"site_id"`
	DeviceID  string          `json:"device_id"`
	Kind      string          `json:"kind"`
	Address   int             `json:"address"`
	Count     int             `json:"count"`
	Entries   []SnapshotEntry `json:"data"`
}

// SnapshotCache stores the latest device snapshot plus a timestamped copy,
// both with a TTL.
type SnapshotCache interface {
	StoreDeviceSnapshot(ctx context.Context, snap DeviceSnapshot) error
	LatestDeviceSnapshot(ctx context.Context, siteID, deviceID string) (*DeviceSnapshot, error)
}
