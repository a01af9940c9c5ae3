package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Frame outcome label values.
const (
	OutcomeAccepted    = "accepted"
	OutcomeMalformed   = "malformed"
	OutcomeRejected    = "rejected"
	OutcomeDuplicate   = "duplicate"
	OutcomeStoreFailed = "store_failed"
)

// StationMetrics contains Prometheus metrics for the ingestion pipeline and the beacon store.
type StationMetrics struct {
	FramesTotal        *prometheus.CounterVec
	RejectionsTotal    *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	PersistDuration    *prometheus.HistogramVec
	PersistFailures    *prometheus.CounterVec
	LiveBeacons        prometheus.Gauge
	HistoryRecords     prometheus.Gauge
	Paused             prometheus.Gauge
	NotificationsTotal prometheus.Counter
	TransportFailures  prometheus.Counter
}

// NewStationMetrics creates and registers station metrics. A nil registerer
// selects the package Registry.
func NewStationMetrics(reg prometheus.Registerer) *StationMetrics {
	m := &StationMetrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "frames_total",
				Help:      "Total number of frames read from the transport, by outcome",
			},
			[]string{"outcome"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "rejections_total",
				Help:      "Total number of decoded records dropped by validation",
			},
			[]string{"reason"}, // reason: sender_id, latitude, longitude
		),
		ProcessingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of frame processing including the durable write",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PersistDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "store",
				Name:      "persist_duration_seconds",
				Help:      "Duration of collection saves",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"collection"},
		),
		PersistFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "store",
				Name:      "persist_failures_total",
				Help:      "Total number of failed collection saves",
			},
			[]string{"collection"},
		),
		LiveBeacons: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "store",
				Name:      "live_beacons",
				Help:      "Number of senders in the live table",
			},
		),
		HistoryRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "store",
				Name:      "history_records",
				Help:      "Number of records in the history log",
			},
		),
		Paused: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "station",
				Name:      "paused",
				Help:      "Whether change notifications are paused (1=paused, 0=live)",
			},
		),
		NotificationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "station",
				Name:      "notifications_total",
				Help:      "Total number of change notifications emitted",
			},
		),
		TransportFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "transport_failures_total",
				Help:      "Total number of transport failures that ended an ingestion task",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.FramesTotal,
		m.RejectionsTotal,
		m.ProcessingDuration,
		m.PersistDuration,
		m.PersistFailures,
		m.LiveBeacons,
		m.HistoryRecords,
		m.Paused,
		m.NotificationsTotal,
		m.TransportFailures,
	)

	return m
}
