package application

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	masterdata "gridpoller/internal/masterdata/domain"
)

// ConfigService admits new poll configs: it applies point defaults, runs
// validation, checks for cross-config conflicts on the same device, expands
// derived points and persists the result.
type ConfigService struct {
	devices masterdata.DeviceRepository
	configs masterdata.ConfigRepository
	points  masterdata.PointRepository
	logger  *log.Logger
}

// NewConfigService constructs an admission service.
func NewConfigService(
	devices masterdata.DeviceRepository,
	configs masterdata.ConfigRepository,
	points masterdata.PointRepository,
	logger *log.Logger,
) (*ConfigService, error) {
	if devices == nil || configs == nil || points == nil {
		return nil, errors.New("config service: nil repository")
	}
	if logger == nil {
		return nil, errors.New("config service: nil logger")
	}
	return &ConfigService{devices: devices, configs: configs, points: points, logger: logger}, nil
}

// AdmitConfig validates and persists a config with its points. On success the
// stored config, including expanded derived points, is returned. Range
// mismatches against the supplied poll bounds are logged, not rejected.
//
// The persistence step is not atomic across the two tables: if points fail to
// persist after the config row was written, the config row is deleted again
// and ErrInternal is returned.
func (s *ConfigService) AdmitConfig(ctx context.Context, cfg *masterdata.Config) (*masterdata.Config, error) {
	if cfg == nil {
		return nil, errors.New("config service: nil config")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("config service: empty device id")
	}

	device, err := s.devices.Get(ctx, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fmt.Errorf("config service: device %s: %w", cfg.DeviceID, masterdata.ErrNotFound)
	}
	if cfg.SiteID == "" {
		cfg.SiteID = device.SiteID
	}

	masterdata.ApplyPointDefaults(cfg.Points)
	warning, err := masterdata.ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}
	if warning != nil {
		s.logger.Printf("config admission: device=%s %s", cfg.DeviceID, warning)
	}

	if err := s.checkDeviceConflicts(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	s.assignPointIdentity(cfg)

	expanded := make([]masterdata.Point, 0, len(cfg.Points))
	expanded = append(expanded, cfg.Points...)
	for _, p := range cfg.Points {
		expanded = append(expanded, masterdata.ExpandDerivedPoints(p)...)
	}
	for i := range expanded {
		if expanded[i].ID == "" {
			expanded[i].ID = uuid.NewString()
		}
	}
	cfg.Points = expanded

	if err := s.configs.Save(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.points.SaveBatch(ctx, cfg.Points); err != nil {
		s.logger.Printf("config admission: point persist failed for config=%s, rolling back: %v", cfg.ID, err)
		if delErr := s.configs.Delete(ctx, cfg.ID); delErr != nil {
			s.logger.Printf("config admission: rollback delete failed for config=%s: %v", cfg.ID, delErr)
		}
		return nil, fmt.Errorf("%w: persisting points: %v", masterdata.ErrInternal, err)
	}
	return cfg, nil
}

// DeleteConfig removes a config and its points.
func (s *ConfigService) DeleteConfig(ctx context.Context, configID string) error {
	if configID == "" {
		return errors.New("config service: empty config id")
	}
	cfg, err := s.configs.Get(ctx, configID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("config service: config %s: %w", configID, masterdata.ErrNotFound)
	}
	return s.configs.Delete(ctx, configID)
}

// checkDeviceConflicts is a best-effort pre-check against the device's
// already-persisted points: duplicate point names and overlapping base-point
// register ranges in the same poll kind are rejected. Database unique
// constraints remain the final arbiter under concurrent admissions.
func (s *ConfigService) checkDeviceConflicts(ctx context.Context, cfg *masterdata.Config) error {
	existingPoints, err := s.points.ListByDevice(ctx, cfg.DeviceID)
	if err != nil {
		return err
	}
	existingConfigs, err := s.configs.ListByDevice(ctx, cfg.DeviceID)
	if err != nil {
		return err
	}
	kindByConfig := make(map[string]string, len(existingConfigs))
	for _, existing := range existingConfigs {
		kindByConfig[existing.ID] = string(existing.PollKind)
	}

	names := make(map[string]string, len(existingPoints))
	for _, p := range existingPoints {
		names[p.Name] = p.ID
	}
	for _, p := range cfg.Points {
		if existingID, ok := names[p.Name]; ok {
			return &masterdata.ConflictError{
				Reason:   fmt.Sprintf("point name %q already exists on device %s", p.Name, cfg.DeviceID),
				Existing: existingID,
				Incoming: p.Name,
			}
		}
		for _, child := range masterdata.ExpandDerivedPoints(p) {
			if existingID, ok := names[child.Name]; ok {
				return &masterdata.ConflictError{
					Reason:   fmt.Sprintf("derived point name %q already exists on device %s", child.Name, cfg.DeviceID),
					Existing: existingID,
					Incoming: child.Name,
				}
			}
		}
	}

	for _, existing := range existingPoints {
		if existing.IsDerived {
			continue
		}
		if kindByConfig[existing.ConfigID] != string(cfg.PollKind) {
			continue
		}
		for _, p := range cfg.Points {
			if p.IsDerived {
				continue
			}
			if p.Address <= existing.End() && existing.Address <= p.End() {
				return &masterdata.ConflictError{
					Reason: fmt.Sprintf(
						"point %q (address %d-%d) overlaps existing point %q (address %d-%d)",
						p.Name, p.Address, p.End(), existing.Name, existing.Address, existing.End(),
					),
					Existing: existing.ID,
					Incoming: p.Name,
				}
			}
		}
	}
	return nil
}

func (s *ConfigService) assignPointIdentity(cfg *masterdata.Config) {
	for i := range cfg.Points {
		if cfg.Points[i].ID == "" {
			cfg.Points[i].ID = uuid.NewString()
		}
		cfg.Points[i].ConfigID = cfg.ID
		cfg.Points[i].SiteID = cfg.SiteID
		cfg.Points[i].DeviceID = cfg.DeviceID
	}
}
