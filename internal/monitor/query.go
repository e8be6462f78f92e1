package monitor

import (
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"procodus.dev/water-monitor/internal/reading"
)

// DefaultLabelLayout formats chart labels.
const DefaultLabelLayout = "15:04:05"

// ChartData is a labeled series ready for rendering. Labels and Values always
// have the same length and are never nil.
type ChartData struct {
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

// DeviceSnapshot is the in-memory view of one device.
type DeviceSnapshot struct {
	Last       *reading.Reading `json:"last,omitempty"`
	DeviceCode string           `json:"deviceCode"`
	Save       SaveStatus       `json:"saveStatus"`
	History    int              `json:"historyLength"`
	Active     bool             `json:"active"`
}

// QueryConfig holds the configuration for the Query surface.
type QueryConfig struct {
	Logger   *slog.Logger
	Store    *Store
	Watchdog *Watchdog
	// LabelLayout is a time layout for chart labels (DefaultLabelLayout when empty).
	LabelLayout string
	// Location is the time zone of chart labels (UTC when nil).
	Location *time.Location
}

// Query is the read-only view over the Store used by charts and APIs.
type Query struct {
	logger   *slog.Logger
	store    *Store
	watchdog *Watchdog
	location *time.Location
	layout   string
}

// NewQuery creates a new Query instance.
func NewQuery(cfg *QueryConfig) (*Query, error) {
	if cfg == nil {
		return nil, errors.New("query config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Watchdog == nil {
		return nil, errors.New("watchdog cannot be nil")
	}

	layout := cfg.LabelLayout
	if layout == "" {
		layout = DefaultLabelLayout
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Query{
		logger:   cfg.Logger,
		store:    cfg.Store,
		watchdog: cfg.Watchdog,
		location: loc,
		layout:   layout,
	}, nil
}

// ChartData returns the limit most recent values of metric for the device,
// oldest first. limit <= 0 or a limit beyond the history returns the whole
// history. Unknown devices yield empty series.
func (q *Query) ChartData(deviceCode, metric string, limit int) ChartData {
	history := q.store.Recent(deviceCode, limit)

	out := ChartData{
		Labels: make([]string, 0, len(history)),
		Values: make([]float64, 0, len(history)),
	}

	var unknown, nan bool
	for _, r := range history {
		v, ok := MetricValue(r, metric)
		if !ok {
			unknown = true
			v = 0
		} else if math.IsNaN(v) {
			nan = true
			v = 0
		}
		out.Labels = append(out.Labels, r.Timestamp.In(q.location).Format(q.layout))
		out.Values = append(out.Values, v)
	}

	if unknown {
		q.logger.Warn("unknown chart metric, charting zero",
			"device_code", deviceCode,
			"metric", metric,
		)
	}
	if nan {
		q.logger.Warn("non-numeric values charted as zero",
			"device_code", deviceCode,
			"metric", metric,
		)
	}

	return out
}

// MetricValue reads metric from r. Flat names (temperature, temperatureWater,
// ph, phWater, turbidity, turbidityWater) are tried first, then nested names
// prefixed with "dataSensor." or "sensors.". Matching is case-insensitive.
func MetricValue(r reading.Reading, metric string) (float64, bool) {
	key := strings.ToLower(strings.TrimSpace(metric))

	switch key {
	case "temperature", "temperaturewater":
		return r.Temperature, true
	case "ph", "phwater":
		return r.PH, true
	case "turbidity", "turbiditywater":
		return r.Turbidity, true
	}

	for _, prefix := range []string{"datasensor.", "sensors."} {
		name, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		switch name {
		case "temperature", "temperaturewater":
			return r.Sensors.Temperature, true
		case "ph", "phwater":
			return r.Sensors.PH, true
		case "turbidity", "turbiditywater":
			return r.Sensors.Turbidity, true
		}
	}

	return 0, false
}

// IsDeviceActive reports whether the device is currently active.
func (q *Query) IsDeviceActive(deviceCode string) bool {
	return q.watchdog.IsActive(deviceCode)
}

// ActiveDevices returns the sorted codes of active devices.
func (q *Query) ActiveDevices() []string {
	return q.watchdog.ActiveDevices()
}

// LastReadings returns the last reading of every known device.
func (q *Query) LastReadings() map[string]reading.Reading {
	return q.store.LastReadings()
}

// SaveStatus returns the persistence status of the device.
func (q *Query) SaveStatus(deviceCode string) SaveStatus {
	return q.store.SaveStatus(deviceCode)
}

// Snapshot returns the in-memory view of one device.
func (q *Query) Snapshot(deviceCode string) (DeviceSnapshot, bool) {
	last, ok := q.store.Last(deviceCode)
	if !ok {
		return DeviceSnapshot{}, false
	}

	return DeviceSnapshot{
		DeviceCode: deviceCode,
		Active:     q.watchdog.IsActive(deviceCode),
		Last:       &last,
		Save:       q.store.SaveStatus(deviceCode),
		History:    q.store.HistoryLen(deviceCode),
	}, true
}

// Snapshots returns the view of every device that has produced a reading,
// ordered by device code.
func (q *Query) Snapshots() []DeviceSnapshot {
	ids := q.store.DeviceIDs()
	out := make([]DeviceSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := q.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}
