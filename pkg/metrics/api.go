package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics contains Prometheus metrics for the HTTP and gRPC query APIs.
type APIMetrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EventStreams        prometheus.Gauge
	RenderedPoints      prometheus.Histogram
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewAPIMetrics creates and registers HTTP API metrics. A nil registerer
// selects the package Registry.
func NewAPIMetrics(reg prometheus.Registerer) *APIMetrics {
	m := &APIMetrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		EventStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "event_streams",
				Help:      "Number of connected change event streams",
			},
		),
		GRPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Total number of gRPC calls",
			},
			[]string{"method", "code"},
		),
		GRPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of gRPC calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RenderedPoints: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "query",
				Name:      "rendered_points",
				Help:      "Number of points in rendered views",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventStreams,
		m.RenderedPoints,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
	)

	return m
}
