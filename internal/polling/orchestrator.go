package polling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	masterdata "gridpoller/internal/masterdata/domain"
	"gridpoller/internal/modbus"
	"gridpoller/internal/observability/metrics"
	telemetry "gridpoller/internal/telemetry/domain"
)

// DeviceSource supplies pollable devices with their active configs and
// points attached.
type DeviceSource interface {
	ListEnabledBySite(ctx context.Context, siteID string) ([]masterdata.Device, error)
}

// PollResult is the outcome of one device's poll within a tick.
type PollResult struct {
	DeviceID      string
	DeviceName    string
	Success       bool
	Configs       int
	FailedConfigs int
	Readings      int
	Err           string
}

// TickSummary aggregates one tick's results across a site.
type TickSummary struct {
	SiteID    string
	Tick      time.Time
	Succeeded int
	Failed    int
	Readings  int
	Results   []PollResult
}

// Orchestrator fans one tick's poll work out across a site's enabled
// devices. Failures are isolated per device; one device's error never blocks
// another's readings from being stored.
type Orchestrator struct {
	devices DeviceSource
	reader  modbus.Reader
	mapper  *Mapper
	store   telemetry.ReadingRepository
	cache   telemetry.SnapshotCache
	logger  *log.Logger

	aggregatorHost string
	aggregatorPort int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSnapshotCache enables latest-snapshot caching per device.
func WithSnapshotCache(cache telemetry.SnapshotCache) OrchestratorOption {
	return func(o *Orchestrator) { o.cache = cache }
}

// WithAggregatorEndpoint sets the shared gateway endpoint used by devices
// flagged read_from_aggregator.
func WithAggregatorEndpoint(host string, port int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.aggregatorHost = host
		o.aggregatorPort = port
	}
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(
	devices DeviceSource,
	reader modbus.Reader,
	mapper *Mapper,
	store telemetry.ReadingRepository,
	logger *log.Logger,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if devices == nil || reader == nil || mapper == nil || store == nil {
		return nil, errors.New("orchestrator: nil collaborator")
	}
	if logger == nil {
		return nil, errors.New("orchestrator: nil logger")
	}
	o := &Orchestrator{
		devices: devices,
		reader:  reader,
		mapper:  mapper,
		store:   store,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// PollSite polls every enabled device of a site concurrently and returns the
// tick summary. The returned error covers only the device enumeration; all
// per-device failures live in the summary.
func (o *Orchestrator) PollSite(ctx context.Context, siteID string) (TickSummary, error) {
	tick := time.Now().UTC().Truncate(time.Second)
	summary := TickSummary{SiteID: siteID, Tick: tick}

	devices, err := o.devices.ListEnabledBySite(ctx, siteID)
	if err != nil {
		return summary, fmt.Errorf("orchestrator: list devices for site %s: %w", siteID, err)
	}
	if len(devices) == 0 {
		return summary, nil
	}

	results := make([]PollResult, len(devices))
	var wg sync.WaitGroup
	for i, device := range devices {
		wg.Add(1)
		go func(i int, device masterdata.Device) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Printf("poll panic device=%s: %v", device.ID, r)
					results[i] = PollResult{
						DeviceID:   device.ID,
						DeviceName: device.Name,
						Err:        fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			results[i] = o.pollDevice(ctx, device, tick)
		}(i, device)
	}
	wg.Wait()

	for _, result := range results {
		summary.Results = append(summary.Results, result)
		summary.Readings += result.Readings
		if result.Success {
			summary.Succeeded++
			metrics.IncDevicePoll(metrics.ResultSuccess)
		} else {
			summary.Failed++
			metrics.IncDevicePoll(metrics.ResultError)
		}
	}
	o.logger.Printf("poll tick site=%s devices=%d ok=%d failed=%d readings=%d",
		siteID, len(devices), summary.Succeeded, summary.Failed, summary.Readings)
	return summary, nil
}

// pollDevice reads every active config of one device in declaration order.
// A config-level failure is logged and skipped; the device succeeds if any
// config produced readings.
func (o *Orchestrator) pollDevice(ctx context.Context, device masterdata.Device, tick time.Time) PollResult {
	result := PollResult{DeviceID: device.ID, DeviceName: device.Name, Configs: len(device.Configs)}

	host, port := device.Host, device.Port
	if device.ReadFromAggregator {
		host, port = o.aggregatorHost, o.aggregatorPort
	}

	var batch []telemetry.Reading
	var entries []telemetry.SnapshotEntry
	var lastCfg *masterdata.Config
	var lastErr error
	for i := range device.Configs {
		cfg := &device.Configs[i]
		words, err := o.reader.Read(ctx, modbus.ReadRequest{
			Kind:    cfg.PollKind,
			Address: uint16(cfg.PollStartIndex),
			Count:   uint16(cfg.PollCount),
			UnitID:  device.UnitID,
			Host:    host,
			Port:    port,
		})
		if err != nil {
			lastErr = err
			result.FailedConfigs++
			o.logger.Printf("poll read failed device=%s config=%s: %s",
				device.ID, cfg.ID, modbus.DescribeError(err, host, port))
			continue
		}
		readings := o.mapper.MapReadings(cfg, words, cfg.PollStartIndex, tick)
		batch = append(batch, readings...)
		entries = append(entries, snapshotEntries(cfg, readings)...)
		lastCfg = cfg
	}

	if len(batch) > 0 {
		inserted, err := o.store.BatchInsert(ctx, batch)
		if err != nil {
			result.Err = err.Error()
			o.logger.Printf("poll store failed device=%s: %v", device.ID, err)
			return result
		}
		metrics.AddReadingsStored(inserted)
		result.Readings = len(batch)
		result.Success = true
		if lastCfg != nil {
			o.storeSnapshot(ctx, &telemetry.DeviceSnapshot{
				OK:        true,
				Timestamp: tick,
				SiteID:    device.SiteID,
				DeviceID:  device.ID,
				Kind:      string(lastCfg.PollKind),
				Address:   lastCfg.PollStartIndex,
				Count:     lastCfg.PollCount,
				Entries:   entries,
			})
		}
		return result
	}

	if lastErr != nil {
		result.Err = lastErr.Error()
	} else {
		result.Err = "no readings produced"
	}
	return result
}

func (o *Orchestrator) storeSnapshot(ctx context.Context, snapshot *telemetry.DeviceSnapshot) {
	if o.cache == nil || snapshot == nil {
		return
	}
	if err := o.cache.StoreDeviceSnapshot(ctx, *snapshot); err != nil {
		o.logger.Printf("poll snapshot cache failed device=%s: %v", snapshot.DeviceID, err)
	}
}

func snapshotEntries(cfg *masterdata.Config, readings []telemetry.Reading) []telemetry.SnapshotEntry {
	pointsByID := make(map[string]masterdata.Point, len(cfg.Points))
	for _, p := range cfg.Points {
		pointsByID[p.ID] = p
	}
	entries := make([]telemetry.SnapshotEntry, 0, len(readings))
	for _, r := range readings {
		entry := telemetry.SnapshotEntry{
			PointID:  r.PointID,
			Name:     r.PointName,
			Unit:     r.Unit,
			RawValue: r.RawValue,
			Derived:  r.Derived,
		}
		if p, ok := pointsByID[r.PointID]; ok {
			entry.Address = p.Address
			entry.DataType = string(p.DataType)
			entry.IsDerived = p.IsDerived
		}
		entries = append(entries, entry)
	}
	return entries
}
