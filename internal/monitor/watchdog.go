package monitor

import (
	"errors"
	"log/slog"
	"time"

	"procodus.dev/water-monitor/pkg/metrics"
)

// DefaultInactivityTimeout is how long a device stays active after its last event.
const DefaultInactivityTimeout = 30 * time.Second

// activityStore is the slice of Store the Watchdog is allowed to mutate.
type activityStore interface {
	arm(id string, start func(gen uint64) *time.Timer) bool
	expire(id string, gen uint64) bool
	isActive(id string) bool
	activeIDs() []string
	pendingTimers() int
	disarmAll() int
}

// WatchdogConfig holds the configuration for the Watchdog.
type WatchdogConfig struct {
	Logger  *slog.Logger
	Store   *Store
	Metrics *metrics.MonitorMetrics // Optional
	// OnChange is called outside any lock whenever a device flips between
	// active and inactive. Optional.
	OnChange func(deviceCode string, active bool)
	Timeout  time.Duration
}

// Watchdog tracks per-device activity. A device is active from its first
// Touch until Timeout has elapsed without another Touch.
type Watchdog struct {
	logger   *slog.Logger
	store    activityStore
	metrics  *metrics.MonitorMetrics
	onChange func(string, bool)
	timeout  time.Duration
}

// NewWatchdog creates a new Watchdog instance.
func NewWatchdog(cfg *WatchdogConfig) (*Watchdog, error) {
	if cfg == nil {
		return nil, errors.New("watchdog config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}

	return &Watchdog{
		logger:   cfg.Logger,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		onChange: cfg.OnChange,
		timeout:  timeout,
	}, nil
}

// Timeout returns the configured inactivity timeout.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Touch marks the device active and restarts its inactivity timer.
// Touch after Stop is ignored.
func (w *Watchdog) Touch(deviceCode string) {
	becameActive := w.store.arm(deviceCode, func(gen uint64) *time.Timer {
		return time.AfterFunc(w.timeout, func() {
			w.fire(deviceCode, gen)
		})
	})

	if becameActive {
		w.logger.Debug("device active", "device_code", deviceCode)
		w.changed(deviceCode, true)
	}
}

func (w *Watchdog) fire(deviceCode string, gen uint64) {
	if !w.store.expire(deviceCode, gen) {
		return
	}

	w.logger.Info("device inactive",
		"device_code", deviceCode,
		"timeout", w.timeout,
	)
	w.changed(deviceCode, false)
}

func (w *Watchdog) changed(deviceCode string, active bool) {
	if w.metrics != nil {
		if active {
			w.metrics.ActiveDevices.Inc()
			w.metrics.ActivityChanges.WithLabelValues("active").Inc()
		} else {
			w.metrics.ActiveDevices.Dec()
			w.metrics.ActivityChanges.WithLabelValues("inactive").Inc()
		}
	}

	if w.onChange != nil {
		w.onChange(deviceCode, active)
	}
}

// IsActive reports whether the device has been touched within the timeout.
// Unseen devices are inactive.
func (w *Watchdog) IsActive(deviceCode string) bool {
	return w.store.isActive(deviceCode)
}

// ActiveDevices returns the sorted codes of all active devices.
func (w *Watchdog) ActiveDevices() []string {
	return w.store.activeIDs()
}

// PendingTimers returns the number of armed inactivity timers.
func (w *Watchdog) PendingTimers() int {
	return w.store.pendingTimers()
}

// Stop cancels every live timer and makes later Touch calls no-ops.
// Activity flags keep their last value. It returns the number of timers
// cancelled.
func (w *Watchdog) Stop() int {
	n := w.store.disarmAll()
	w.logger.Debug("watchdog stopped", "timers_cancelled", n)
	return n
}
