package application

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	masterdata "gridpoller/internal/masterdata/domain"
	"gridpoller/internal/modbus"
)

type stubDeviceRepo struct {
	devices map[string]*masterdata.Device
}

func (s *stubDeviceRepo) Get(_ context.Context, id string) (*masterdata.Device, error) {
	return s.devices[id], nil
}

func (s *stubDeviceRepo) ListBySite(context.Context, string) ([]masterdata.Device, error) {
	return nil, nil
}

func (s *stubDeviceRepo) ListEnabledBySite(context.Context, string) ([]masterdata.Device, error) {
	return nil, nil
}

func (s *stubDeviceRepo) Save(context.Context, *masterdata.Device) error { return nil }

type stubConfigRepo struct {
	saved   []*masterdata.Config
	deleted []string
}

func (s *stubConfigRepo) Get(_ context.Context, id string) (*masterdata.Config, error) {
	for _, cfg := range s.saved {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return nil, nil
}

func (s *stubConfigRepo) ListByDevice(context.Context, string) ([]masterdata.Config, error) {
	var result []masterdata.Config
	for _, cfg := range s.saved {
		result = append(result, *cfg)
	}
	return result, nil
}

func (s *stubConfigRepo) Save(_ context.Context, cfg *masterdata.Config) error {
	s.saved = append(s.saved, cfg)
	return nil
}

func (s *stubConfigRepo) Delete(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type stubPointRepo struct {
	existing  []masterdata.Point
	saved     []masterdata.Point
	saveError error
}

func (s *stubPointRepo) ListByConfig(context.Context, string) ([]masterdata.Point, error) {
	return nil, nil
}

func (s *stubPointRepo) ListByDevice(context.Context, string) ([]masterdata.Point, error) {
	return s.existing, nil
}

func (s *stubPointRepo) SaveBatch(_ context.Context, points []masterdata.Point) error {
	if s.saveError != nil {
		return s.saveError
	}
	s.saved = append(s.saved, points...)
	return nil
}

func newTestService(t *testing.T, devices *stubDeviceRepo, configs *stubConfigRepo, points *stubPointRepo) *ConfigService {
	t.Helper()
	svc, err := NewConfigService(devices, configs, points, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewConfigService: %v", err)
	}
	return svc
}

func testDevice() *stubDeviceRepo {
	return &stubDeviceRepo{devices: map[string]*masterdata.Device{
		"dev-1": {ID: "dev-1", SiteID: "site-1", Name: "meter", Host: "10.0.0.5", Port: 502},
	}}
}

func submittedConfig(points ...masterdata.Point) *masterdata.Config {
	minAddr, maxEnd := points[0].Address, points[0].End()
	for _, p := range points[1:] {
		if p.Address < minAddr {
			minAddr = p.Address
		}
		if p.End() > maxEnd {
			maxEnd = p.End()
		}
	}
	return &masterdata.Config{
		DeviceID:       "dev-1",
		PollKind:       modbus.KindHolding,
		PollStartIndex: minAddr,
		PollCount:      maxEnd - minAddr + 1,
		IsActive:       true,
		Points:         points,
	}
}

func TestAdmitConfigPersistsWithDefaults(t *testing.T) {
	configs := &stubConfigRepo{}
	points := &stubPointRepo{}
	svc := newTestService(t, testDevice(), configs, points)

	cfg, err := svc.AdmitConfig(context.Background(), submittedConfig(masterdata.Point{
		Name: "voltage", Address: 100, Size: 1, DataType: modbus.TypeUint16,
	}))
	if err != nil {
		t.Fatalf("AdmitConfig: %v", err)
	}
	if cfg.ID == "" || cfg.SiteID != "site-1" {
		t.Fatalf("config identity not assigned: %+v", cfg)
	}
	if len(points.saved) != 1 {
		t.Fatalf("expected 1 persisted point, got %d", len(points.saved))
	}
	p := points.saved[0]
	if p.ID == "" || p.ConfigID != cfg.ID || p.DeviceID != "dev-1" {
		t.Fatalf("point identity not assigned: %+v", p)
	}
	if p.ScaleFactor != 1.0 || p.Unit != "unit" || p.ByteOrder != modbus.BigEndian {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestAdmitConfigExpandsBitfield(t *testing.T) {
	configs := &stubConfigRepo{}
	points := &stubPointRepo{}
	svc := newTestService(t, testDevice(), configs, points)

	cfg, err := svc.AdmitConfig(context.Background(), submittedConfig(masterdata.Point{
		Name: "breaker_status", Address: 40, Size: 1, DataType: modbus.TypeBitfield,
		BitfieldDetail: map[string]string{"00": "closed", "01": "trip"},
	}))
	if err != nil {
		t.Fatalf("AdmitConfig: %v", err)
	}
	if len(points.saved) != 3 {
		t.Fatalf("expected base + 2 derived points, got %d", len(points.saved))
	}
	var derived int
	for _, p := range points.saved {
		if !p.IsDerived {
			continue
		}
		derived++
		if p.DataType != modbus.TypeSingleBit || p.BasePointID == "" || p.ConfigID != cfg.ID {
			t.Fatalf("bad derived point: %+v", p)
		}
	}
	if derived != 2 {
		t.Fatalf("expected 2 derived points, got %d", derived)
	}
}

func TestAdmitConfigRejectsInvalid(t *testing.T) {
	svc := newTestService(t, testDevice(), &stubConfigRepo{}, &stubPointRepo{})

	_, err := svc.AdmitConfig(context.Background(), submittedConfig(
		masterdata.Point{Name: "", Address: 1, Size: 1, DataType: modbus.TypeUint16},
	))
	var vErr *masterdata.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAdmitConfigRejectsNameConflict(t *testing.T) {
	points := &stubPointRepo{existing: []masterdata.Point{
		{ID: "pt-old", DeviceID: "dev-1", Name: "voltage", Address: 5, Size: 1},
	}}
	svc := newTestService(t, testDevice(), &stubConfigRepo{}, points)

	_, err := svc.AdmitConfig(context.Background(), submittedConfig(masterdata.Point{
		Name: "voltage", Address: 100, Size: 1, DataType: modbus.TypeUint16,
	}))
	var cErr *masterdata.ConflictError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if cErr.Existing != "pt-old" {
		t.Fatalf("conflict should name existing point: %+v", cErr)
	}
}

func TestAdmitConfigRejectsAddressOverlapSameKind(t *testing.T) {
	configs := &stubConfigRepo{saved: []*masterdata.Config{
		{ID: "cfg-old", DeviceID: "dev-1", PollKind: modbus.KindHolding},
	}}
	points := &stubPointRepo{existing: []masterdata.Point{
		{ID: "pt-old", ConfigID: "cfg-old", DeviceID: "dev-1", Name: "power", Address: 100, Size: 2},
	}}
	svc := newTestService(t, testDevice(), configs, points)

	_, err := svc.AdmitConfig(context.Background(), submittedConfig(masterdata.Point{
		Name: "current", Address: 101, Size: 1, DataType: modbus.TypeUint16,
	}))
	var cErr *masterdata.ConflictError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestAdmitConfigAllowsOverlapAcrossKinds(t *testing.T) {
	configs := &stubConfigRepo{saved: []*masterdata.Config{
		{ID: "cfg-old", DeviceID: "dev-1", PollKind: modbus.KindInput},
	}}
	points := &stubPointRepo{existing: []masterdata.Point{
		{ID: "pt-old", ConfigID: "cfg-old", DeviceID: "dev-1", Name: "power", Address: 100, Size: 2},
	}}
	svc := newTestService(t, testDevice(), configs, points)

	if _, err := svc.AdmitConfig(context.Background(), submittedConfig(masterdata.Point{
		Name: "current", Address: 101, Size: 1, DataType: modbus.TypeUint16,
	})); err != nil {
		t.Fatalf("input/holding address spaces are independent: %v", err)
	}
}

func TestAdmitConfigRollsBackOnPointFailure(t *testing.T) {
	configs := &stubConfigRepo{}
	points := &stubPointRepo{saveError: errors.New("disk full")}
	svc := newTestService(t, testDevice(), configs, points)

	_, err := svc.AdmitConfig(context.Background(), submittedConfig(masterdata.Point{
		Name: "voltage", Address: 100, Size: 1, DataType: modbus.TypeUint16,
	}))
	if !errors.Is(err, masterdata.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if len(configs.saved) != 1 || len(configs.deleted) != 1 {
		t.Fatalf("expected compensating delete, saved=%d deleted=%d", len(configs.saved), len(configs.deleted))
	}
	if configs.deleted[0] != configs.saved[0].ID {
		t.Fatalf("deleted wrong config: %s", configs.deleted[0])
	}
}

func TestAdmitConfigUnknownDevice(t *testing.T) {
	svc := newTestService(t, &stubDeviceRepo{devices: map[string]*masterdata.Device{}}, &stubConfigRepo{}, &stubPointRepo{})

	_, err := svc.AdmitConfig(context.Background(), &masterdata.Config{
		DeviceID: "nope",
		PollKind: modbus.KindHolding,
		Points:   []masterdata.Point{{Name: "x", Address: 0, Size: 1, DataType: modbus.TypeUint16}},
	})
	if !errors.Is(err, masterdata.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
