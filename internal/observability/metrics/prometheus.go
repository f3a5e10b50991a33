package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RuntimeMetrics holds Prometheus series scraped from /metrics: case lock
// contention and billing job runs.
type RuntimeMetrics struct {
	lockWait    *prometheus.HistogramVec
	lockTimeout *prometheus.CounterVec
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobErrors   *prometheus.CounterVec
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetrics     *RuntimeMetrics
)

// Runtime returns the singleton registered on the default registerer.
func Runtime(cfg Config) *RuntimeMetrics {
	runtimeMetricsOnce.Do(func() {
		runtimeMetrics = NewRuntimeMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return runtimeMetrics
}

// NewRuntimeMetrics registers the series on registerer. Tests pass a fresh registry.
func NewRuntimeMetrics(registerer prometheus.Registerer, cfg Config) *RuntimeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "leadclaim"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &RuntimeMetrics{
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "leadclaim_case_lock_wait_seconds",
			Help:        "Time spent waiting for the case-scoped claim lock.",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			ConstLabels: constLabels,
		}, []string{"operation"}),
		lockTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "leadclaim_case_lock_timeouts_total",
			Help:        "Claim operations that failed fast because the case lock was busy.",
			ConstLabels: constLabels,
		}, []string{"operation"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "leadclaim_billing_job_runs_total",
			Help:        "Billing job runs by mode.",
			ConstLabels: constLabels,
		}, []string{"mode"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "leadclaim_billing_job_duration_seconds",
			Help:        "Billing job latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}, []string{"mode"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "leadclaim_billing_job_user_errors_total",
			Help:        "Per-user errors reported by billing job runs.",
			ConstLabels: constLabels,
		}, []string{"mode"}),
	}

	registerer.MustRegister(m.lockWait, m.lockTimeout, m.jobRuns, m.jobDuration, m.jobErrors)
	return m
}

func (m *RuntimeMetrics) ObserveLockWait(operation string, wait time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(operation).Observe(wait.Seconds())
	if timedOut {
		m.lockTimeout.WithLabelValues(operation).Inc()
	}
}

func (m *RuntimeMetrics) ObserveJobRun(mode string, duration time.Duration, userErrors int) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(mode).Inc()
	m.jobDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if userErrors > 0 {
		m.jobErrors.WithLabelValues(mode).Add(float64(userErrors))
	}
}
