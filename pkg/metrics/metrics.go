// Package metrics provides Prometheus metrics collection for the station and its tools.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by beacon-station.
const Namespace = "beacon_station"

// Registry is the process-wide Prometheus registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with Registry.
// Panics if registration fails.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}

// registererOrDefault lets tests hand in a private registry so metric sets can be
// built more than once per process.
func registererOrDefault(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return Registry
	}
	return reg
}
