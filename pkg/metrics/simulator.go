package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the beacon simulator.
type SimulatorMetrics struct {
	FramesEmitted    *prometheus.CounterVec
	EmitFailures     *prometheus.CounterVec
	EmitDuration     prometheus.Histogram
	SimulatedBeacons prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics. A nil registerer
// selects the package Registry.
func NewSimulatorMetrics(reg prometheus.Registerer) *SimulatorMetrics {
	m := &SimulatorMetrics{
		FramesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "simulator",
				Name:      "frames_emitted_total",
				Help:      "Total number of frames emitted, by wire format",
			},
			[]string{"format"},
		),
		EmitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "simulator",
				Name:      "emit_failures_total",
				Help:      "Total number of frames that could not be emitted",
			},
			[]string{"reason"}, // reason: encode_error, write_error
		),
		EmitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "simulator",
				Name:      "emit_duration_seconds",
				Help:      "Duration of one fleet emission round",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SimulatedBeacons: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "simulator",
				Name:      "beacons",
				Help:      "Number of simulated beacons",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.FramesEmitted,
		m.EmitFailures,
		m.EmitDuration,
		m.SimulatedBeacons,
	)

	return m
}
