// Package httpapi serves the query, registration and ingest HTTP surface of
// water-monitor, including the websocket ingest and live update streams.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"procodus.dev/water-monitor/internal/ingest"
	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/internal/storage"
	"procodus.dev/water-monitor/pkg/metrics"
)

// DeviceQuery is the in-memory view served by the device endpoints.
// *monitor.Query implements it.
type DeviceQuery interface {
	ChartData(deviceCode, metric string, limit int) monitor.ChartData
	Snapshot(deviceCode string) (monitor.DeviceSnapshot, bool)
	Snapshots() []monitor.DeviceSnapshot
}

// DeviceRegistry is the persisted device and reading store.
// *storage.Repository implements it.
type DeviceRegistry interface {
	RegisterDevice(ctx context.Context, device *storage.Device) error
	ListDevices(ctx context.Context) ([]storage.Device, error)
	RecentReadings(ctx context.Context, code string, limit int) ([]storage.WaterReading, error)
}

var (
	_ DeviceQuery    = (*monitor.Query)(nil)
	_ DeviceRegistry = (*storage.Repository)(nil)
)

// Config holds the configuration for the API.
type Config struct {
	Logger *slog.Logger
	Query  DeviceQuery
	Sink   ingest.EventSink
	// Registry backs device registration and persisted readings. Those
	// endpoints answer 503 when it is nil.
	Registry DeviceRegistry
	// Hub serves /ws/live. The route is not mounted when nil.
	Hub     *Hub
	Metrics *metrics.HTTPMetrics // Optional
	// MetricsHandler serves /metrics. The route is not mounted when nil.
	MetricsHandler http.Handler
	// HealthCheck is run by /health. Optional.
	HealthCheck func(ctx context.Context) error
	// MaxBodyBytes bounds POST bodies (1 MiB when 0).
	MaxBodyBytes int64
	// AllowedOrigins lists the cross-origin pages allowed to open
	// /ws/ingest. See OriginChecker.
	AllowedOrigins []string
}

// API is the HTTP surface of the service.
type API struct {
	logger       *slog.Logger
	query        DeviceQuery
	sink         ingest.EventSink
	registry     DeviceRegistry
	hub          *Hub
	metrics      *metrics.HTTPMetrics
	metricsH     http.Handler
	healthCheck  func(ctx context.Context) error
	upgrader     websocket.Upgrader
	maxBodyBytes int64
}

// New creates a new API instance.
func New(cfg *Config) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Query == nil {
		return nil, errors.New("query cannot be nil")
	}

	if cfg.Sink == nil {
		return nil, errors.New("event sink cannot be nil")
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return &API{
		logger:       cfg.Logger.With("component", "http"),
		query:        cfg.Query,
		sink:         cfg.Sink,
		registry:     cfg.Registry,
		hub:          cfg.Hub,
		metrics:      cfg.Metrics,
		metricsH:     cfg.MetricsHandler,
		healthCheck:  cfg.HealthCheck,
		maxBodyBytes: maxBody,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     OriginChecker(cfg.AllowedOrigins),
		},
	}, nil
}

// Routes returns the chi router serving every endpoint.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument(a.logger, a.metrics))

	r.Get("/health", a.handleHealth)
	if a.metricsH != nil {
		r.Handle("/metrics", a.metricsH)
	}

	r.Post("/api/events", a.handlePostEvent)
	r.Get("/api/devices", a.handleListDevices)
	r.Post("/api/devices", a.handleRegisterDevice)
	r.Get("/api/devices/registered", a.handleRegisteredDevices)
	r.Get("/api/devices/{code}", a.handleGetDevice)
	r.Get("/api/devices/{code}/chart", a.handleChart)
	r.Get("/api/devices/{code}/readings", a.handleReadings)

	r.Get("/ws/ingest", a.handleIngestSocket)
	if a.hub != nil {
		r.Handle("/ws/live", a.hub)
	}

	return r
}
