package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event outcomes recorded on MonitorMetrics.EventsTotal.
const (
	EventAccepted = "accepted"
	EventDropped  = "dropped"
	EventIgnored  = "ignored"
)

// Persistence outcomes recorded on MonitorMetrics.PersistTotal.
const (
	PersistSuccess   = "success"
	PersistError     = "error"
	PersistInvalid   = "invalid"
	PersistDuplicate = "duplicate"
)

// MonitorMetrics contains the ingestion pipeline metrics.
type MonitorMetrics struct {
	EventsTotal      *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	PersistTotal     *prometheus.CounterVec
	PersistDuration  prometheus.Histogram
	PersistQueued    prometheus.Gauge
	ActiveDevices    prometheus.Gauge
	TrackedDevices   prometheus.Gauge
	ActivityChanges  *prometheus.CounterVec
	HistoryEvictions prometheus.Counter
}

// NewMonitorMetrics creates the pipeline metrics and registers them with reg
// (the global Registry when reg is nil).
func NewMonitorMetrics(reg prometheus.Registerer, namespace string) *MonitorMetrics {
	m := &MonitorMetrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Total number of device-update events by transport and outcome",
			},
			[]string{"transport", "status"}, // status: accepted, dropped, ignored
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_dropped_total",
				Help:      "Total number of dropped events by reason",
			},
			[]string{"reason"},
		),
		PersistTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persist",
				Name:      "attempts_total",
				Help:      "Total number of persistence decisions by outcome",
			},
			[]string{"status"},
		),
		PersistDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "persist",
				Name:      "duration_seconds",
				Help:      "Duration of storage calls",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PersistQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "persist",
				Name:      "queued",
				Help:      "Readings waiting in per-device persistence queues",
			},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "active",
				Help:      "Number of devices currently considered active",
			},
		),
		TrackedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "tracked",
				Help:      "Number of devices with in-memory state",
			},
		),
		ActivityChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "activity_changes_total",
				Help:      "Total number of active/inactive transitions",
			},
			[]string{"state"},
		),
		HistoryEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "history",
				Name:      "evictions_total",
				Help:      "Total number of readings evicted from bounded histories",
			},
		),
	}

	registerer(reg).MustRegister(
		m.EventsTotal,
		m.EventsDropped,
		m.PersistTotal,
		m.PersistDuration,
		m.PersistQueued,
		m.ActiveDevices,
		m.TrackedDevices,
		m.ActivityChanges,
		m.HistoryEvictions,
	)

	return m
}
