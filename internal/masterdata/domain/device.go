package masterdata

import (
	"context"
	"errors"
	"time"
)

// Device is one pollable Modbus endpoint belonging to a site.
type Device struct {
	ID                 string
	SiteID             string
	Name               string
	Host               string
	Port               int
	UnitID             uint8
	PollEnabled        bool
	ReadFromAggregator bool
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// Configs are loaded in declaration order when polling.
	Configs []Config
}

// Validate checks device invariants. Host/port may be empty when the device
// is read through the shared aggregator gateway.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	if d.SiteID == "" {
		return errors.New("device: empty site id")
	}
	if d.Name == "" {
		return errors.New("device: empty name")
	}
	if !d.ReadFromAggregator {
		if d.Host == "" {
			return errors.New("device: empty host")
		}
		if d.Port <= 0 || d.Port > 65535 {
			return errors.New("device: invalid port")
		}
	}
	return nil
}

// DeviceRepository manages device persistence.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*Device, error)
	ListBySite(ctx context.Context, siteID string) ([]Device, error)
	// ListEnabledBySite returns poll-enabled devices with their active
	// configs and points loaded, in declaration order.
	ListEnabledBySite(ctx context.Context, siteID string) ([]Device, error)
	Save(ctx context.Context, device *Device) error
}
