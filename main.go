package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	apihttp "gridpoller/internal/api/http"
	"gridpoller/internal/audit"
	"gridpoller/internal/auth"
	"gridpoller/internal/locks"
	masterdataapp "gridpoller/internal/masterdata/application"
	masterdatapg "gridpoller/internal/masterdata/infrastructure/postgres"
	"gridpoller/internal/modbus"
	"gridpoller/internal/observability/metrics"
	"gridpoller/internal/polling"
	"gridpoller/internal/scheduler"
	telemetrypg "gridpoller/internal/telemetry/infrastructure/postgres"
	"gridpoller/internal/telemetry/infrastructure/rediscache"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	configRepo := masterdatapg.NewConfigRepository(db)
	pointRepo := masterdatapg.NewPointRepository(db)
	deviceRepo := masterdatapg.NewDeviceRepository(db, configRepo, pointRepo)
	siteRepo := masterdatapg.NewSiteRepository(db)
	readingRepo := telemetrypg.NewReadingRepository(db)

	snapshotCache, err := rediscache.New(redisClient, rediscache.WithTTL(cfg.SnapshotTTL))
	if err != nil {
		logger.Fatalf("snapshot cache error: %v", err)
	}

	configService, err := masterdataapp.NewConfigService(deviceRepo, configRepo, pointRepo, logger)
	if err != nil {
		logger.Fatalf("config service error: %v", err)
	}

	reader := modbus.NewClient(cfg.ModbusTimeout, cfg.ModbusRetries, logger)
	mapper, err := polling.NewMapper(logger)
	if err != nil {
		logger.Fatalf("mapper error: %v", err)
	}
	orchestratorOpts := []polling.OrchestratorOption{polling.WithSnapshotCache(snapshotCache)}
	if cfg.AggregatorHost != "" {
		orchestratorOpts = append(orchestratorOpts, polling.WithAggregatorEndpoint(cfg.AggregatorHost, cfg.AggregatorPort))
	}
	orchestrator, err := polling.NewOrchestrator(deviceRepo, reader, mapper, readingRepo, logger, orchestratorOpts...)
	if err != nil {
		logger.Fatalf("orchestrator error: %v", err)
	}

	lockStore, err := locks.NewRedisStore(redisClient)
	if err != nil {
		logger.Fatalf("lock store error: %v", err)
	}
	manager, err := locks.NewManager(lockStore, cfg.ReplicaID, logger)
	if err != nil {
		logger.Fatalf("lock manager error: %v", err)
	}

	sched, err := scheduler.New(manager, logger)
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}
	if err := sched.Register(scheduler.Job{
		ID:       "site-poll",
		Interval: cfg.PollInterval,
		Run: func(ctx context.Context, _ time.Time) error {
			return pollAllSites(ctx, siteRepo, orchestrator, logger)
		},
	}); err != nil {
		logger.Fatalf("register poll job error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go manager.RunHeartbeat(ctx)
	sched.Start(ctx)

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/sites", apihttp.NewSitesHandler(siteRepo, auditRepo))
	mux.Handle("/api/v1/devices", apihttp.NewDevicesHandler(deviceRepo, auditRepo))
	mux.Handle("/api/v1/configs", apihttp.NewConfigsHandler(configService, auditRepo))
	mux.Handle("/api/v1/configs/", apihttp.NewConfigHandler(configService, configRepo, pointRepo, auditRepo))
	mux.Handle("/api/v1/devices/", apihttp.NewDeviceDataHandler(snapshotCache, readingRepo))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		logger.Printf("http listening on %s replica=%s", cfg.HTTPAddr, cfg.ReplicaID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	sched.Stop()
	manager.Stop(shutdownCtx)
	logger.Printf("stopped")
}

// pollAllSites runs one poll pass over every registered site. Per-site
// failures are logged and counted; they never abort the remaining sites.
func pollAllSites(ctx context.Context, sites *masterdatapg.SiteRepository, orchestrator *polling.Orchestrator, logger *log.Logger) error {
	list, err := sites.List(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	var failed int
	for _, site := range list {
		started := time.Now()
		summary, err := orchestrator.PollSite(ctx, site.ID)
		if err != nil {
			failed++
			metrics.ObservePollTick(metrics.ResultError, time.Since(started))
			logger.Printf("poll site=%s error: %v", site.ID, err)
			continue
		}
		result := metrics.ResultSuccess
		if summary.Failed > 0 && summary.Succeeded == 0 {
			result = metrics.ResultError
		}
		metrics.ObservePollTick(result, time.Since(started))
	}
	if failed == len(list) && failed > 0 {
		return fmt.Errorf("all %d sites failed", failed)
	}
	return nil
}

type config struct {
	DatabaseURL    string
	HTTPAddr       string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	JWTSecret      string
	ReplicaID      string
	PollInterval   time.Duration
	SnapshotTTL    time.Duration
	ModbusTimeout  time.Duration
	ModbusRetries  int
	AggregatorHost string
	AggregatorPort int
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:    getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:       getenvDefault("HTTP_ADDR", ":8080"),
		RedisAddr:      getenvDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:        getenvIntDefault("REDIS_DB", 0),
		JWTSecret:      getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		ReplicaID:      getenvDefault("REPLICA_ID", defaultReplicaID()),
		PollInterval:   getenvDuration("POLL_INTERVAL", time.Minute),
		SnapshotTTL:    getenvDuration("SNAPSHOT_TTL", 15*time.Minute),
		ModbusTimeout:  getenvDuration("MODBUS_TIMEOUT", 5*time.Second),
		ModbusRetries:  getenvIntDefault("MODBUS_RETRIES", 2),
		AggregatorHost: getenvDefault("AGGREGATOR_HOST", ""),
		AggregatorPort: getenvIntDefault("AGGREGATOR_PORT", 502),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

// defaultReplicaID keeps replica identities distinct even when several
// replicas share a hostname, as pods on one node can.
func defaultReplicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "replica"
	}
	return host + "-" + strings.Split(uuid.NewString(), "-")[0]
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
