package apihttp

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gridpoller/internal/audit"
	"gridpoller/internal/masterdata/application"
	masterdata "gridpoller/internal/masterdata/domain"
	telemetry "gridpoller/internal/telemetry/domain"
)

type memDeviceRepo struct {
	devices map[string]*masterdata.Device
}

func (m *memDeviceRepo) Get(_ context.Context, id string) (*masterdata.Device, error) {
	return m.devices[id], nil
}

func (m *memDeviceRepo) ListBySite(_ context.Context, siteID string) ([]masterdata.Device, error) {
	var result []masterdata.Device
	for _, d := range m.devices {
		if d.SiteID == siteID {
			result = append(result, *d)
		}
	}
	return result, nil
}

func (m *memDeviceRepo) ListEnabledBySite(context.Context, string) ([]masterdata.Device, error) {
	return nil, nil
}

func (m *memDeviceRepo) Save(_ context.Context, device *masterdata.Device) error {
	m.devices[device.ID] = device
	return nil
}

type memConfigRepo struct {
	configs map[string]*masterdata.Config
}

func (m *memConfigRepo) Get(_ context.Context, id string) (*masterdata.Config, error) {
	return m.configs[id], nil
}

func (m *memConfigRepo) ListByDevice(_ context.Context, deviceID string) ([]masterdata.Config, error) {
	var result []masterdata.Config
	for _, cfg := range m.configs {
		if cfg.DeviceID == deviceID {
			result = append(result, *cfg)
		}
	}
	return result, nil
}

func (m *memConfigRepo) Save(_ context.Context, cfg *masterdata.Config) error {
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *memConfigRepo) Delete(_ context.Context, id string) error {
	delete(m.configs, id)
	return nil
}

type memPointRepo struct {
	points []masterdata.Point
}

func (m *memPointRepo) ListByConfig(_ context.Context, configID string) ([]masterdata.Point, error) {
	var result []masterdata.Point
	for _, p := range m.points {
		if p.ConfigID == configID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *memPointRepo) ListByDevice(_ context.Context, deviceID string) ([]masterdata.Point, error) {
	var result []masterdata.Point
	for _, p := range m.points {
		if p.DeviceID == deviceID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *memPointRepo) SaveBatch(_ context.Context, points []masterdata.Point) error {
	m.points = append(m.points, points...)
	return nil
}

type memSnapshotCache struct {
	snaps map[string]*telemetry.DeviceSnapshot
}

func (m *memSnapshotCache) StoreDeviceSnapshot(_ context.Context, snap telemetry.DeviceSnapshot) error {
	m.snaps[snap.SiteID+"/"+snap.DeviceID] = &snap
	return nil
}

func (m *memSnapshotCache) LatestDeviceSnapshot(_ context.Context, siteID, deviceID string) (*telemetry.DeviceSnapshot, error) {
	return m.snaps[siteID+"/"+deviceID], nil
}

func newAdmissionService(t *testing.T, devices *memDeviceRepo, configs *memConfigRepo, points *memPointRepo) *application.ConfigService {
	t.Helper()
	svc, err := application.NewConfigService(devices, configs, points, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewConfigService: %v", err)
	}
	return svc
}

func TestConfigsHandlerAdmitsAndExpands(t *testing.T) {
	devices := &memDeviceRepo{devices: map[string]*masterdata.Device{
		"dev-1": {ID: "dev-1", SiteID: "site-1", Name: "meter", Host: "10.0.0.5", Port: 502},
	}}
	configs := &memConfigRepo{configs: map[string]*masterdata.Config{}}
	points := &memPointRepo{}
	auditLog := &memAuditLog{}
	handler := NewConfigsHandler(newAdmissionService(t, devices, configs, points), auditLog)

	body := `{
		"device_id": "dev-1",
		"poll_kind": "holding",
		"poll_start_index": 40,
		"poll_count": 1,
		"is_active": true,
		"points": [
			{"name": "breaker_status", "address": 40, "size": 1, "data_type": "bitfield",
			 "bitfield_detail": {"00": "closed", "01": "trip"}}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/configs", strings.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var payload configPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ID == "" || len(payload.Points) != 3 {
		t.Fatalf("expected admitted config with base + 2 derived points: %+v", payload)
	}
	if len(auditLog.entries) != 1 || auditLog.entries[0].Action != "config.admit" {
		t.Fatalf("expected one config.admit audit entry, got %+v", auditLog.entries)
	}
}

func TestConfigsHandlerValidationDetail(t *testing.T) {
	devices := &memDeviceRepo{devices: map[string]*masterdata.Device{
		"dev-1": {ID: "dev-1", SiteID: "site-1", Name: "meter", Host: "10.0.0.5", Port: 502},
	}}
	handler := NewConfigsHandler(newAdmissionService(t, devices, &memConfigRepo{configs: map[string]*masterdata.Config{}}, &memPointRepo{}), nil)

	// Two overlapping base points.
	body := `{
		"device_id": "dev-1",
		"poll_kind": "holding",
		"poll_start_index": 100,
		"poll_count": 2,
		"is_active": true,
		"points": [
			{"name": "a", "address": 100, "size": 2, "data_type": "uint32"},
			{"name": "b", "address": 101, "size": 1, "data_type": "uint16"}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/configs", strings.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var payload struct {
		Error  string                  `json:"error"`
		Issues []masterdata.PointIssue `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Issues) == 0 {
		t.Fatal("expected structured issues")
	}
}

func TestConfigsHandlerConflict(t *testing.T) {
	devices := &memDeviceRepo{devices: map[string]*masterdata.Device{
		"dev-1": {ID: "dev-1", SiteID: "site-1", Name: "meter", Host: "10.0.0.5", Port: 502},
	}}
	points := &memPointRepo{points: []masterdata.Point{
		{ID: "pt-old", ConfigID: "cfg-old", DeviceID: "dev-1", Name: "voltage", Address: 5, Size: 1},
	}}
	handler := NewConfigsHandler(newAdmissionService(t, devices, &memConfigRepo{configs: map[string]*masterdata.Config{}}, points), nil)

	body := `{
		"device_id": "dev-1",
		"poll_kind": "holding",
		"poll_start_index": 100,
		"poll_count": 1,
		"is_active": true,
		"points": [{"name": "voltage", "address": 100, "size": 1, "data_type": "uint16"}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/configs", strings.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestConfigHandlerDelete(t *testing.T) {
	devices := &memDeviceRepo{devices: map[string]*masterdata.Device{}}
	configs := &memConfigRepo{configs: map[string]*masterdata.Config{
		"cfg-1": {ID: "cfg-1", DeviceID: "dev-1"},
	}}
	points := &memPointRepo{}
	svc := newAdmissionService(t, devices, configs, points)
	handler := NewConfigHandler(svc, configs, points, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/configs/cfg-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if _, ok := configs.configs["cfg-1"]; ok {
		t.Fatal("config must be deleted")
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/configs/cfg-1", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing config, got %d", resp.Code)
	}
}

func TestDeviceDataHandlerLatest(t *testing.T) {
	derived := 59.9
	cache := &memSnapshotCache{snaps: map[string]*telemetry.DeviceSnapshot{}}
	_ = cache.StoreDeviceSnapshot(context.Background(), telemetry.DeviceSnapshot{
		OK:        true,
		Timestamp: time.Now().UTC(),
		SiteID:    "site-1",
		DeviceID:  "dev-1",
		Kind:      "holding",
		Entries: []telemetry.SnapshotEntry{
			{PointID: "pt-1", Name: "voltage", RawValue: 599, Derived: &derived},
		},
	})
	handler := NewDeviceDataHandler(cache, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-1/latest?site_id=site-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var snap telemetry.DeviceSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Name != "voltage" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-2/latest?site_id=site-1", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for uncached device, got %d", resp.Code)
	}
}

func TestSitesHandlerRoundTrip(t *testing.T) {
	sites := &memSiteRepo{sites: map[string]*masterdata.Site{}}
	handler := NewSitesHandler(sites, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sites",
		strings.NewReader(`{"id": "site-1", "name": "plant-a"}`))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sites", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var listed []sitePayload
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode sites: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "site-1" {
		t.Fatalf("unexpected sites: %+v", listed)
	}
}

type memAuditLog struct {
	entries []audit.Entry
}

func (m *memAuditLog) Log(_ context.Context, entry audit.Entry) error {
	m.entries = append(m.entries, entry)
	return nil
}

type memSiteRepo struct {
	sites map[string]*masterdata.Site
}

func (m *memSiteRepo) Get(_ context.Context, id string) (*masterdata.Site, error) {
	return m.sites[id], nil
}

func (m *memSiteRepo) List(context.Context) ([]masterdata.Site, error) {
	var result []masterdata.Site
	for _, s := range m.sites {
		result = append(result, *s)
	}
	return result, nil
}

func (m *memSiteRepo) Save(_ context.Context, site *masterdata.Site) error {
	m.sites[site.ID] = site
	return nil
}
