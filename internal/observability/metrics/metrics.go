package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "gridpoller_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	pollTicks       *prometheus.CounterVec
	pollTickLatency *prometheus.HistogramVec

	devicePolls     *prometheus.CounterVec
	readingsStored  prometheus.Counter
	decodeFallbacks prometheus.Counter

	leaderGauge   prometheus.Gauge
	lockAcquires  *prometheus.CounterVec
	skippedTicks  *prometheus.CounterVec
	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers poller metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		pollTicks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_ticks_total",
				Help: "Total executed poll ticks by result",
			},
			[]string{"result"},
		)
		pollTickLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_tick_latency_seconds",
				Help:    "Poll tick latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		devicePolls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_polls_total",
				Help: "Total per-device poll attempts by result",
			},
			[]string{"result"},
		)
		readingsStored = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_stored_total",
				Help: "Total readings written to time-series storage",
			},
		)
		decodeFallbacks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_fallbacks_total",
				Help: "Total point decodes that degraded to the first register word",
			},
		)

		leaderGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "leader",
				Help: "1 when this replica currently holds the leader lock",
			},
		)
		lockAcquires = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "lock_acquires_total",
				Help: "Total lock acquisition attempts by kind and result",
			},
			[]string{"kind", "result"},
		)
		skippedTicks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "skipped_ticks_total",
				Help: "Total scheduler ticks skipped by reason",
			},
			[]string{"reason"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_export_total",
				Help: "Total readings export operations by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "readings_export_latency_seconds",
				Help:    "Readings export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			pollTicks,
			pollTickLatency,
			devicePolls,
			readingsStored,
			decodeFallbacks,
			leaderGauge,
			lockAcquires,
			skippedTicks,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObservePollTick records one completed tick.
func ObservePollTick(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pollTicks != nil {
		pollTicks.WithLabelValues(result).Inc()
	}
	if pollTickLatency != nil {
		pollTickLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDevicePoll counts one per-device poll attempt.
func IncDevicePoll(result string) {
	if result == "" {
		result = resultSuccess
	}
	if devicePolls != nil {
		devicePolls.WithLabelValues(result).Inc()
	}
}

// AddReadingsStored counts readings written to storage.
func AddReadingsStored(count int) {
	if count <= 0 {
		return
	}
	if readingsStored != nil {
		readingsStored.Add(float64(count))
	}
}

// IncDecodeFallback counts one degraded decode.
func IncDecodeFallback() {
	if decodeFallbacks != nil {
		decodeFallbacks.Inc()
	}
}

// SetLeader reflects this replica's leadership in the gauge.
func SetLeader(isLeader bool) {
	if leaderGauge == nil {
		return
	}
	if isLeader {
		leaderGauge.Set(1)
	} else {
		leaderGauge.Set(0)
	}
}

// IncLockAcquire counts one lock acquisition attempt.
func IncLockAcquire(kind string, acquired bool) {
	if lockAcquires == nil {
		return
	}
	result := resultError
	if acquired {
		result = resultSuccess
	}
	lockAcquires.WithLabelValues(kind, result).Inc()
}

// IncSkippedTick counts one scheduler tick skipped before execution.
func IncSkippedTick(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if skippedTicks != nil {
		skippedTicks.WithLabelValues(reason).Inc()
	}
}

// ObserveReadingsExport records export latency and result.
func ObserveReadingsExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
