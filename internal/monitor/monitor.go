package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"procodus.dev/water-monitor/internal/reading"
	"procodus.dev/water-monitor/pkg/metrics"
)

// EventDeviceUpdate is the only event name the pipeline handles.
const EventDeviceUpdate = "device-update"

var (
	// ErrUnsupportedEvent is returned by HandleEvent for events other than
	// device-update.
	ErrUnsupportedEvent = errors.New("unsupported event")
	// ErrClosed is returned by HandleEvent after Shutdown.
	ErrClosed = errors.New("monitor is shut down")
)

// UpdateKind says what changed in an Update.
type UpdateKind string

const (
	UpdateReading  UpdateKind = "reading"
	UpdateActivity UpdateKind = "activity"
	UpdateSave     UpdateKind = "save"
)

// Update is delivered to subscribers after the pipeline state changes.
type Update struct {
	Reading    *reading.Reading `json:"reading,omitempty"`
	Save       *SaveStatus      `json:"saveStatus,omitempty"`
	Kind       UpdateKind       `json:"kind"`
	DeviceCode string           `json:"deviceCode"`
	Active     bool             `json:"active"`
}

// Listener receives updates. It runs on the goroutine that caused the change
// and must not block.
type Listener func(Update)

// Config holds the configuration for the Monitor.
type Config struct {
	Logger        *slog.Logger
	Saver         ReadingSaver
	Metrics       *metrics.MonitorMetrics // Optional
	LabelLocation *time.Location
	LabelLayout   string
	InvalidValues reading.InvalidValuePolicy
	// HistoryLimit bounds the per-device history (DefaultHistoryLimit when 0).
	HistoryLimit int
	// InactivityTimeout is the watchdog timeout (DefaultInactivityTimeout when 0).
	InactivityTimeout time.Duration
	// SaveTimeout bounds each storage call (DefaultSaveTimeout when 0).
	SaveTimeout time.Duration
}

// Monitor wires the normalizer, store, watchdog, gateway and query surface
// into one disposable service. Create it with New and release it with
// Shutdown.
type Monitor struct {
	logger    *slog.Logger
	store     *Store
	watchdog  *Watchdog
	gateway   *Gateway
	query     *Query
	metrics   *metrics.MonitorMetrics
	policy    reading.InvalidValuePolicy
	listeners map[uint64]Listener
	nextID    uint64
	mu        sync.RWMutex
	closed    atomic.Bool
}

// New creates a new Monitor instance.
func New(cfg *Config) (*Monitor, error) {
	if cfg == nil {
		return nil, errors.New("monitor config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Saver == nil {
		return nil, errors.New("saver cannot be nil")
	}

	policy := cfg.InvalidValues
	if policy == "" {
		policy = reading.PolicyZero
	}
	if _, err := reading.ParsePolicy(string(policy)); err != nil {
		return nil, err
	}

	m := &Monitor{
		logger:    cfg.Logger,
		store:     NewStore(cfg.HistoryLimit),
		metrics:   cfg.Metrics,
		policy:    policy,
		listeners: make(map[uint64]Listener),
	}

	if m.metrics != nil {
		m.store.onEvict = m.metrics.HistoryEvictions.Inc
	}

	var err error
	m.watchdog, err = NewWatchdog(&WatchdogConfig{
		Logger:  cfg.Logger,
		Store:   m.store,
		Metrics: cfg.Metrics,
		Timeout: cfg.InactivityTimeout,
		OnChange: func(code string, active bool) {
			m.notify(Update{Kind: UpdateActivity, DeviceCode: code, Active: active})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create watchdog: %w", err)
	}

	m.gateway, err = NewGateway(&GatewayConfig{
		Logger:      cfg.Logger,
		Store:       m.store,
		Saver:       cfg.Saver,
		Metrics:     cfg.Metrics,
		SaveTimeout: cfg.SaveTimeout,
		OnStatus: func(code string, st SaveStatus) {
			m.notify(Update{Kind: UpdateSave, DeviceCode: code, Active: m.watchdog.IsActive(code), Save: &st})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	m.query, err = NewQuery(&QueryConfig{
		Logger:      cfg.Logger,
		Store:       m.store,
		Watchdog:    m.watchdog,
		LabelLayout: cfg.LabelLayout,
		Location:    cfg.LabelLocation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}

	return m, nil
}

// Store returns the per-device store.
func (m *Monitor) Store() *Store { return m.store }

// Watchdog returns the activity watchdog.
func (m *Monitor) Watchdog() *Watchdog { return m.watchdog }

// Gateway returns the persistence gateway.
func (m *Monitor) Gateway() *Gateway { return m.gateway }

// Query returns the read-only query surface.
func (m *Monitor) Query() *Query { return m.query }

// HandleEvent runs one inbound event through the pipeline: normalize, record,
// touch, then enqueue persistence. transport labels metrics and logs; an empty
// event name is treated as device-update.
//
// The in-memory state is updated before HandleEvent returns. A dropped event
// leaves all state untouched and returns the reason. HandleEvent never panics.
func (m *Monitor) HandleEvent(transport, event string, raw any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("panic while handling event",
				"transport", transport,
				"panic", rec,
			)
			m.countDropped(transport, "panic")
			err = fmt.Errorf("panic while handling event: %v", rec)
		}
	}()

	if m.closed.Load() {
		return ErrClosed
	}

	if event != "" && event != EventDeviceUpdate {
		m.logger.Debug("ignoring event", "transport", transport, "event", event)
		if m.metrics != nil {
			m.metrics.EventsTotal.WithLabelValues(transport, metrics.EventIgnored).Inc()
		}
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, event)
	}

	r, err := reading.Normalize(raw, reading.Options{
		ReceivedAt: time.Now(),
		Policy:     m.policy,
	})
	if err != nil {
		m.logger.Warn("dropping event",
			"transport", transport,
			"error", err,
		)
		m.countDropped(transport, dropReason(err))
		return err
	}

	if r.HasInvalid() {
		m.logger.Warn("reading has non-numeric sensor values",
			"device_code", r.DeviceCode,
			"metrics", r.Invalid,
			"policy", m.policy,
		)
	}

	known := m.store.HistoryLen(r.DeviceCode) > 0
	m.store.RecordReading(r.DeviceCode, r)
	m.watchdog.Touch(r.DeviceCode)
	if err := m.gateway.Persist(r.DeviceCode, r); err != nil {
		m.logger.Warn("reading not queued for persistence",
			"device_code", r.DeviceCode,
			"error", err,
		)
	}

	if m.metrics != nil {
		m.metrics.EventsTotal.WithLabelValues(transport, metrics.EventAccepted).Inc()
		if !known {
			m.metrics.TrackedDevices.Set(float64(m.store.Len()))
		}
	}

	m.logger.Debug("reading recorded",
		"transport", transport,
		"device_code", r.DeviceCode,
		"shape", r.Shape,
	)

	m.notify(Update{Kind: UpdateReading, DeviceCode: r.DeviceCode, Reading: &r, Active: true})
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, reading.ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, reading.ErrMissingDeviceIdentifier):
		return "missing_device"
	case errors.Is(err, reading.ErrInvalidNumericValue):
		return "invalid_value"
	default:
		return "other"
	}
}

func (m *Monitor) countDropped(transport, reason string) {
	if m.metrics == nil {
		return
	}
	m.metrics.EventsTotal.WithLabelValues(transport, metrics.EventDropped).Inc()
	m.metrics.EventsDropped.WithLabelValues(reason).Inc()
}

// Subscribe registers l for every later Update and returns a function that
// removes it.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) notify(u Update) {
	m.mu.RLock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("panic in update listener",
						"device_code", u.DeviceCode,
						"panic", rec,
					)
				}
			}()
			l(u)
		}()
	}
}

// Shutdown cancels every watchdog timer, stops accepting events and waits for
// queued persistence to finish or ctx to end. It is safe to call more than once.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.logger.Info("shutting down monitor")

	n := m.watchdog.Stop()
	if err := m.gateway.Close(ctx); err != nil {
		return fmt.Errorf("failed to drain persistence queues: %w", err)
	}

	m.logger.Info("monitor stopped", "timers_cancelled", n)
	return nil
}
