package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration core.
// A nil or disabled Metrics records nothing.
type Metrics struct {
	config MetricsConfig

	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	retries        *prometheus.CounterVec

	notifications *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		tasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Total number of tasks accepted by the dispatcher",
			},
			[]string{"kind", "operation"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of tasks that reached a terminal state",
			},
			[]string{"kind", "state"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration from pickup to terminal state",
				Buckets:   buckets,
			},
			[]string{"kind", "state"},
		),
		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of driver invocations",
			},
			[]string{"kind", "operation", "error_class"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of driver invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of driver retries after transient failures",
			},
			[]string{"kind"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of outbound observer notifications",
			},
			[]string{"outcome"},
		),
	}

	collectors := []prometheus.Collector{
		m.tasksSubmitted, m.tasksFinished, m.taskDuration,
		m.driverCalls, m.driverDuration, m.retries, m.notifications,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordTaskSubmitted increments the submitted-task counter.
func (m *Metrics) RecordTaskSubmitted(kind, operation string) {
	if m == nil || !m.config.Enabled {
		return
	}
	m.tasksSubmitted.WithLabelValues(kind, operation).Inc()
}

// RecordTaskFinished records a task reaching a terminal state.
func (m *Metrics) RecordTaskFinished(kind, state string, d time.Duration) {
	if m == nil || !m.config.Enabled {
		return
	}
	m.tasksFinished.WithLabelValues(kind, state).Inc()
	m.taskDuration.WithLabelValues(kind, state).Observe(d.Seconds())
}

// RecordDriverCall records one driver invocation.
func (m *Metrics) RecordDriverCall(kind, operation, errorClass string, d time.Duration) {
	if m == nil || !m.config.Enabled {
		return
	}
	m.driverCalls.WithLabelValues(kind, operation, errorClass).Inc()
	m.driverDuration.WithLabelValues(kind, operation).Observe(d.Seconds())
}

// RecordRetry records a retry after a transient driver failure.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil || !m.config.Enabled {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// RecordNotification records an outbound notification outcome.
func (m *Metrics) RecordNotification(ok bool) {
	if m == nil || !m.config.Enabled {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus scrape handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || !m.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
