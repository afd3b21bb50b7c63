package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "crosscheck"

// Metrics holds the console's Prometheus instruments. They register on
// a per-server registry so tests can build servers independently.
type Metrics struct {
	HTTPRequestsTotal *prometheus.CounterVec
	RunsTotal         *prometheus.CounterVec
	RunsRejected      prometheus.Counter
	RunDuration       prometheus.Histogram
	WSClientsActive   prometheus.Gauge
}

// NewMetrics creates and registers the instruments on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served",
			},
			[]string{"method", "path", "status"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Validation runs by outcome",
			},
			[]string{"outcome"},
		),
		RunsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_rejected_total",
				Help:      "Run submissions rejected because one was in flight",
			},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of validation runs",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
		),
		WSClientsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "ws_clients_active",
				Help:      "Connected output stream clients",
			},
		),
	}
}
