package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains metrics for the RabbitMQ client.
type MQMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	MessagesConsumed  *prometheus.CounterVec
	ConsumeFailures   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionStatus  prometheus.Gauge
}

// NewMQMetrics creates and registers MQ client metrics.
func NewMQMetrics(reg prometheus.Registerer, namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_published_total",
				Help:      "Total number of confirmed publishes to RabbitMQ",
			},
			[]string{"queue"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"queue", "reason"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_duration_seconds",
				Help:      "Duration of confirmed publishes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_consumed_total",
				Help:      "Total number of deliveries consumed from RabbitMQ",
			},
			[]string{"queue"},
		),
		ConsumeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "consume_failures_total",
				Help:      "Total number of deliveries that could not be decoded",
			},
			[]string{"queue", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of connection attempts",
			},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
	}

	registerer(reg).MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.PublishDuration,
		m.MessagesConsumed,
		m.ConsumeFailures,
		m.ReconnectAttempts,
		m.ConnectionStatus,
	)

	return m
}
