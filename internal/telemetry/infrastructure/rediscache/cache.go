// Package rediscache stores the latest poll snapshot per device in Redis for
// quick reads by the admin API.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	telemetry "gridpoller/internal/telemetry/domain"
)

const defaultTTL = 15 * time.Minute

// Cache implements telemetry.SnapshotCache on a Redis client. Each snapshot
// is written twice: a stable latest key and a timestamped copy, both expiring
// after the TTL.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// Option configures the cache.
type Option func(*Cache)

// WithTTL overrides the snapshot expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New constructs a snapshot cache.
func New(client redis.UniversalClient, opts ...Option) (*Cache, error) {
	if client == nil {
		return nil, errors.New("snapshot cache: nil client")
	}
	c := &Cache{client: client, ttl: defaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func latestKey(siteID, deviceID string) string {
	return fmt.Sprintf("poll:%s:%s:latest", siteID, deviceID)
}

func timestampedKey(siteID, deviceID string, ts time.Time) string {
	return fmt.Sprintf("poll:%s:%s:%d", siteID, deviceID, ts.Unix())
}

// StoreDeviceSnapshot writes the snapshot under both keys.
func (c *Cache) StoreDeviceSnapshot(ctx context.Context, snap telemetry.DeviceSnapshot) error {
	if snap.SiteID == "" || snap.DeviceID == "" {
		return errors.New("snapshot cache: missing site or device id")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot cache: marshal: %w", err)
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, latestKey(snap.SiteID, snap.DeviceID), payload, c.ttl)
	pipe.Set(ctx, timestampedKey(snap.SiteID, snap.DeviceID, snap.Timestamp), payload, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// LatestDeviceSnapshot reads the latest snapshot, or (nil, nil) when none is
// cached.
func (c *Cache) LatestDeviceSnapshot(ctx context.Context, siteID, deviceID string) (*telemetry.DeviceSnapshot, error) {
	payload, err := c.client.Get(ctx, latestKey(siteID, deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap telemetry.DeviceSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("snapshot cache: unmarshal: %w", err)
	}
	return &snap, nil
}
