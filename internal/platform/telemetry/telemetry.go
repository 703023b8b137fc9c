// Package telemetry exposes Prometheus metrics for the logic server: HTTP
// request metrics, counters for logic operations fed from the audit trail,
// and gauges for the result cache and the database pool.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/clinlogic/internal/platform/db"
	"github.com/ehr/clinlogic/internal/platform/middleware"
)

// Config holds the telemetry settings.
type Config struct {
	Namespace      string
	MetricsEnabled *bool // nil = enabled
	// GoCollectors adds the Go runtime and process collectors.
	GoCollectors bool
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "logic"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

var (
	durationBuckets = prometheus.ExponentialBuckets(0.005, 2, 12) // 5ms to ~10s
	sizeBuckets     = prometheus.ExponentialBuckets(100, 10, 6)   // 100B to 10MB
	cohortBuckets   = prometheus.ExponentialBuckets(1, 4, 9)      // 1 to 65536 patients
)

// Provider owns a private registry so tests and multiple servers in one
// process never collide on the default one.
type Provider struct {
	cfg Config
	reg *prometheus.Registry

	activeRequests  prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	cohortSize      prometheus.Histogram
}

func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	ns := cfg.Namespace

	tp := &Provider{
		cfg: cfg,
		reg: prometheus.NewRegistry(),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "http_active_requests",
			Help:      "Number of HTTP requests being served.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   durationBuckets,
		}, []string{"method", "route", "status"}),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP response bodies in bytes.",
			Buckets:   sizeBuckets,
		}, []string{"route"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Logic API operations by action and outcome.",
		}, []string{"action", "outcome"}),
		cohortSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "eval_cohort_size",
			Help:      "Number of patients per cohort evaluation request.",
			Buckets:   cohortBuckets,
		}),
	}

	tp.reg.MustRegister(tp.activeRequests, tp.requestDuration, tp.responseSize, tp.operations, tp.cohortSize)
	if cfg.GoCollectors {
		tp.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return tp
}

// Registry returns the provider's registry.
func (tp *Provider) Registry() *prometheus.Registry { return tp.reg }

// ---------------------------------------------------------------------------
// Gauges over live state
// ---------------------------------------------------------------------------

// Sizer is anything that reports a current size, like the result cache.
type Sizer interface {
	Len() int
}

// WatchCache exposes the number of entries held by c.
func (tp *Provider) WatchCache(c Sizer) {
	tp.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: tp.cfg.Namespace,
		Name:      "result_cache_entries",
		Help:      "Entries currently held by the result cache.",
	}, func() float64 { return float64(c.Len()) }))
}

// WatchTokens exposes the number of registered tokens.
func (tp *Provider) WatchTokens(registry Sizer) {
	tp.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: tp.cfg.Namespace,
		Name:      "registered_tokens",
		Help:      "Tokens currently bound in the registry.",
	}, func() float64 { return float64(registry.Len()) }))
}

// WatchPool exposes connection counts of the database pool. Nothing is
// reported while stats returns nil.
func (tp *Provider) WatchPool(stats func() *db.PoolStats) {
	gauge := func(name, help string, pick func(*db.PoolStats) int32) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: tp.cfg.Namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 {
			if s := stats(); s != nil {
				return float64(pick(s))
			}
			return 0
		})
	}
	tp.reg.MustRegister(
		gauge("acquired_connections", "Connections checked out of the pool.", func(s *db.PoolStats) int32 { return s.AcquiredConns }),
		gauge("idle_connections", "Idle connections in the pool.", func(s *db.PoolStats) int32 { return s.IdleConns }),
		gauge("max_connections", "Configured maximum pool size.", func(s *db.PoolStats) int32 { return s.MaxConns }),
	)
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request duration and response size per route.
func (tp *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.activeRequests.Inc()
			defer tp.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			// Route pattern, not the actual path, to bound label cardinality.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(middleware.ResponseStatus(c, err))

			tp.requestDuration.WithLabelValues(c.Request().Method, route, status).
				Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				tp.responseSize.WithLabelValues(route).Observe(float64(size))
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Audit feed
// ---------------------------------------------------------------------------

// RecordAccess implements middleware.AuditRecorder, counting every audited
// logic operation.
func (tp *Provider) RecordAccess(entry middleware.AuditEntry) error {
	if !tp.cfg.metricsOn() {
		return nil
	}
	outcome := "ok"
	switch {
	case entry.StatusCode >= 500:
		outcome = "error"
	case entry.StatusCode >= 400:
		outcome = "rejected"
	}
	tp.operations.WithLabelValues(entry.Action, outcome).Inc()
	if entry.CohortSize > 0 {
		tp.cohortSize.Observe(float64(entry.CohortSize))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler serves the registry in the Prometheus exposition format.
func (tp *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.reg, promhttp.HandlerOpts{
		Registry: tp.reg,
	}))
}
