package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for PipeWarden.
type Metrics struct {
	config MetricsConfig

	// Step metrics
	stepsCompleted *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec

	// Queue metrics
	itemsEnqueued  *prometheus.CounterVec
	itemsClaimed   *prometheus.CounterVec
	itemsCompleted *prometheus.CounterVec
	leasesReleased *prometheus.CounterVec
	claimDuration  *prometheus.HistogramVec

	// Preflight metrics
	preflightChecks *prometheus.CounterVec

	// Run metrics
	runsStarted *prometheus.CounterVec
	activeRuns  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		stepsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_completed_total",
				Help:      "Total number of pipeline steps completed",
			},
			[]string{"scraper"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"scraper", "step_name"},
		),

		itemsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_enqueued_total",
				Help:      "Total number of work items enqueued",
			},
			[]string{"scraper"},
		),
		itemsClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_claimed_total",
				Help:      "Total number of work items claimed by workers",
			},
			[]string{"scraper"},
		),
		itemsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_completed_total",
				Help:      "Total number of work item completions by outcome",
			},
			[]string{"scraper", "outcome"},
		),
		leasesReleased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_released_total",
				Help:      "Total number of expired leases swept back to pending",
			},
			[]string{"scraper"},
		),
		claimDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claim_duration_seconds",
				Help:      "Duration of claim transactions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),

		preflightChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "preflight_checks_total",
				Help:      "Total number of preflight check results",
			},
			[]string{"check", "outcome"},
		),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of pipeline runs started",
			},
			[]string{"scraper", "mode"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active pipeline runs",
			},
		),
	}

	registry.MustRegister(
		m.stepsCompleted,
		m.stepDuration,
		m.itemsEnqueued,
		m.itemsClaimed,
		m.itemsCompleted,
		m.leasesReleased,
		m.claimDuration,
		m.preflightChecks,
		m.runsStarted,
		m.activeRuns,
	)

	return m, nil
}

// RecordStepCompleted records a completed pipeline step with its duration.
func (m *Metrics) RecordStepCompleted(scraper, stepName string, duration time.Duration) {
	if m.stepsCompleted == nil {
		return
	}
	m.stepsCompleted.WithLabelValues(scraper).Inc()
	m.stepDuration.WithLabelValues(scraper, stepName).Observe(duration.Seconds())
}

// RecordItemsEnqueued records newly inserted work items.
func (m *Metrics) RecordItemsEnqueued(scraper string, count int) {
	if m.itemsEnqueued == nil {
		return
	}
	m.itemsEnqueued.WithLabelValues(scraper).Add(float64(count))
}

// RecordItemsClaimed records work items handed to a worker.
func (m *Metrics) RecordItemsClaimed(scraper string, count int) {
	if m.itemsClaimed == nil {
		return
	}
	m.itemsClaimed.WithLabelValues(scraper).Add(float64(count))
}

// RecordItemCompleted records a work item completion by outcome
// (success, retried, failed).
func (m *Metrics) RecordItemCompleted(scraper, outcome string) {
	if m.itemsCompleted == nil {
		return
	}
	m.itemsCompleted.WithLabelValues(scraper, outcome).Inc()
}

// RecordLeasesReleased records expired leases returned to pending.
func (m *Metrics) RecordLeasesReleased(scraper string, count int) {
	if m.leasesReleased == nil {
		return
	}
	m.leasesReleased.WithLabelValues(scraper).Add(float64(count))
}

// RecordClaimDuration records how long a claim transaction took.
func (m *Metrics) RecordClaimDuration(backend string, duration time.Duration) {
	if m.claimDuration == nil {
		return
	}
	m.claimDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordPreflightCheck records a preflight check result (passed, failed, degraded).
func (m *Metrics) RecordPreflightCheck(check, outcome string) {
	if m.preflightChecks == nil {
		return
	}
	m.preflightChecks.WithLabelValues(check, outcome).Inc()
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(scraper, mode string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(scraper, mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunFinished decrements the active-run gauge.
func (m *Metrics) RecordRunFinished() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Dec()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}
