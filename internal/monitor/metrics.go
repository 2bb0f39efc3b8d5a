package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal  *prometheus.CounterVec
	DriveDuration    *prometheus.HistogramVec
	ActiveDrives     prometheus.Gauge
	PortsLeased      prometheus.Gauge
	ReaperRetired    *prometheus.CounterVec
	LogLinesTotal    prometheus.Counter
	RequestsInFlight prometheus.Gauge
	RequestDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execsvc",
				Name:      "executions_total",
				Help:      "Executions reaching a terminal state, by language and status.",
			},
			[]string{"language", "status"},
		),

		DriveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "execsvc",
				Name:      "drive_duration_seconds",
				Help:      "Drive duration from acceptance to drive completion.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"language", "status"},
		),

		ActiveDrives: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execsvc",
				Name:      "active_drives",
				Help:      "Number of drives currently in flight.",
			},
		),

		PortsLeased: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execsvc",
				Name:      "ports_leased",
				Help:      "Host ports currently leased to server executions.",
			},
		),

		ReaperRetired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execsvc",
				Name:      "reaper_retired_total",
				Help:      "Executions retired by the reaper, by sweep.",
			},
			[]string{"sweep"},
		),

		LogLinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "execsvc",
				Name:      "log_lines_total",
				Help:      "Log lines published across all executions.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execsvc",
				Name:      "http_requests_in_flight",
				Help:      "HTTP requests currently being served.",
			},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "execsvc",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by method and status code.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "code"},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.DriveDuration,
		m.ActiveDrives,
		m.PortsLeased,
		m.ReaperRetired,
		m.LogLinesTotal,
		m.RequestsInFlight,
		m.RequestDuration,
	)

	return m
}

// RecordExecution records one terminal outcome.
func (m *Metrics) RecordExecution(language, status string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	if seconds > 0 {
		m.DriveDuration.WithLabelValues(language, status).Observe(seconds)
	}
}
