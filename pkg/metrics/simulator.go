package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains metrics for the synthetic device simulator.
type SimulatorMetrics struct {
	EventsPublished *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	Duplicates      prometheus.Counter
	Devices         prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(reg prometheus.Registerer, namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "events_published_total",
				Help:      "Total number of simulated events published",
			},
			[]string{"shape"}, // shape: nested, flat
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"reason"},
		),
		Duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "duplicates_total",
				Help:      "Total number of deliberately re-sent events",
			},
		),
		Devices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "devices",
				Help:      "Number of simulated devices",
			},
		),
	}

	registerer(reg).MustRegister(
		m.EventsPublished,
		m.PublishFailures,
		m.Duplicates,
		m.Devices,
	)

	return m
}
