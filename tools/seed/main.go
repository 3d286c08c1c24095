package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	masterdataapp "gridpoller/internal/masterdata/application"
	masterdata "gridpoller/internal/masterdata/domain"
	masterdatapg "gridpoller/internal/masterdata/infrastructure/postgres"
	"gridpoller/internal/modbus"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gopkg.in/yaml.v3"
)

type config struct {
	dsn     string
	fixture string
	dryRun  bool
}

type fixture struct {
	Sites   []siteFixture   `yaml:"sites"`
	Devices []deviceFixture `yaml:"devices"`
	Configs []configFixture `yaml:"configs"`
}

type siteFixture struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type deviceFixture struct {
	ID                 string `yaml:"id"`
	SiteID             string `yaml:"site_id"`
	Name               string `yaml:"name"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	UnitID             uint8  `yaml:"unit_id"`
	PollEnabled        bool   `yaml:"poll_enabled"`
	ReadFromAggregator bool   `yaml:"read_from_aggregator"`
}

type configFixture struct {
	DeviceID       string         `yaml:"device_id"`
	PollKind       string         `yaml:"poll_kind"`
	PollStartIndex int            `yaml:"poll_start_index"`
	PollCount      int            `yaml:"poll_count"`
	IsActive       bool           `yaml:"is_active"`
	Points         []pointFixture `yaml:"points"`
}

type pointFixture struct {
	Name           string            `yaml:"name"`
	Address        *int              `yaml:"address"`
	Size           int               `yaml:"size"`
	DataType       string            `yaml:"data_type"`
	ScaleFactor    float64           `yaml:"scale_factor"`
	Unit           string            `yaml:"unit"`
	ByteOrder      string            `yaml:"byte_order"`
	BitfieldDetail map[string]string `yaml:"bitfield_detail"`
	EnumDetail     map[string]string `yaml:"enum_detail"`
}

func main() {
	cfg := parseConfig()
	if cfg.dsn == "" {
		log.Fatal("PG_DSN or DATABASE_URL is required")
	}
	if cfg.fixture == "" {
		log.Fatal("fixture file is required")
	}

	fx, err := loadFixture(cfg.fixture)
	if err != nil {
		log.Fatalf("load fixture: %v", err)
	}
	if cfg.dryRun {
		log.Printf("fixture parses: sites=%d devices=%d configs=%d", len(fx.Sites), len(fx.Devices), len(fx.Configs))
		return
	}

	db, err := sql.Open("pgx", cfg.dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	configRepo := masterdatapg.NewConfigRepository(db)
	pointRepo := masterdatapg.NewPointRepository(db)
	deviceRepo := masterdatapg.NewDeviceRepository(db, configRepo, pointRepo)
	siteRepo := masterdatapg.NewSiteRepository(db)
	service, err := masterdataapp.NewConfigService(deviceRepo, configRepo, pointRepo, logger)
	if err != nil {
		log.Fatalf("config service: %v", err)
	}

	ctx := context.Background()
	if err := seed(ctx, fx, siteRepo, deviceRepo, service); err != nil {
		log.Fatalf("seed: %v", err)
	}
	log.Printf("seed completed: sites=%d devices=%d configs=%d", len(fx.Sites), len(fx.Devices), len(fx.Configs))
}

// seed applies fixtures in dependency order. Configs go through admission so
// the seeded data obeys the same validation and expansion as API submissions.
func seed(
	ctx context.Context,
	fx *fixture,
	sites masterdata.SiteRepository,
	devices masterdata.DeviceRepository,
	service *masterdataapp.ConfigService,
) error {
	for _, s := range fx.Sites {
		site := masterdata.Site{ID: s.ID, Name: s.Name, Description: s.Description}
		if err := sites.Save(ctx, &site); err != nil {
			return fmt.Errorf("site %s: %w", s.ID, err)
		}
		log.Printf("site %s saved", s.ID)
	}
	for _, d := range fx.Devices {
		device := masterdata.Device{
			ID:                 d.ID,
			SiteID:             d.SiteID,
			Name:               d.Name,
			Host:               d.Host,
			Port:               d.Port,
			UnitID:             d.UnitID,
			PollEnabled:        d.PollEnabled,
			ReadFromAggregator: d.ReadFromAggregator,
		}
		if err := devices.Save(ctx, &device); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		log.Printf("device %s saved", d.ID)
	}
	for i, c := range fx.Configs {
		cfg := c.toDomain()
		admitted, err := service.AdmitConfig(ctx, &cfg)
		if err != nil {
			return fmt.Errorf("config %d (device %s): %w", i, c.DeviceID, err)
		}
		log.Printf("config %s admitted: device=%s points=%d", admitted.ID, admitted.DeviceID, len(admitted.Points))
	}
	return nil
}

func (c configFixture) toDomain() masterdata.Config {
	cfg := masterdata.Config{
		DeviceID:       c.DeviceID,
		PollKind:       modbus.Kind(c.PollKind),
		PollStartIndex: c.PollStartIndex,
		PollCount:      c.PollCount,
		IsActive:       c.IsActive,
	}
	for _, p := range c.Points {
		point := masterdata.Point{
			Name:           p.Name,
			Size:           p.Size,
			DataType:       modbus.DataType(p.DataType),
			ScaleFactor:    p.ScaleFactor,
			Unit:           p.Unit,
			ByteOrder:      modbus.ByteOrder(p.ByteOrder),
			BitfieldDetail: p.BitfieldDetail,
			EnumDetail:     p.EnumDetail,
		}
		if p.Address != nil {
			point.Address = *p.Address
		} else {
			point = masterdata.NewUnaddressedPoint(point)
		}
		cfg.Points = append(cfg.Points, point)
	}
	return cfg
}

func loadFixture(path string) (*fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &fx, nil
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "pg-dsn", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.StringVar(&cfg.fixture, "fixture", envOrDefault("SEED_FIXTURE", ""), "path to YAML fixture file")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "parse the fixture without writing")
	flag.Parse()
	return cfg
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
