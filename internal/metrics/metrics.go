package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sidecar.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter

	AdmissionDenied *prometheus.CounterVec

	Connected    prometheus.Gauge
	OfflineMode  prometheus.Gauge
	HealthProbes *prometheus.CounterVec
}

// New creates and registers the metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidecar_requests_total",
				Help: "Total generation requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sidecar_request_duration_seconds",
				Help:    "Duration of generation requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sidecar_retries_total",
				Help: "Total retry attempts across all requests",
			},
		),
		AdmissionDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidecar_admission_denied_total",
				Help: "Requests denied before reaching the network, by reason",
			},
			[]string{"reason"},
		),
		Connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sidecar_connected",
				Help: "1 while the generation server is reachable",
			},
		),
		OfflineMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sidecar_offline_mode",
				Help: "1 while offline mode suppresses server calls",
			},
		),
		HealthProbes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidecar_health_probes_total",
				Help: "Health probes by result",
			},
			[]string{"result"},
		),
	}
}
