// Package metrics provides the Prometheus collectors exported by water-monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name exported by the service.
const Namespace = "water_monitor"

// Registry is the process-wide registry served on /metrics.
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

// MustRegister registers collectors with the global registry.
// Panics if registration fails.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}

// registerer resolves the registerer used by the New* constructors.
// Tests pass a fresh prometheus.NewRegistry() so repeated construction does
// not collide with the global registry.
func registerer(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return Registry
	}
	return reg
}
