package reading

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedEvent is returned when the raw event is not a JSON object.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrMissingDeviceIdentifier is returned when no device code can be resolved.
	ErrMissingDeviceIdentifier = errors.New("missing device identifier")
	// ErrInvalidNumericValue is returned under PolicyReject when a sensor value
	// cannot be converted to a number.
	ErrInvalidNumericValue = errors.New("invalid numeric value")
)

// InvalidValuePolicy decides what happens to a sensor value that is present
// but cannot be converted to a number.
type InvalidValuePolicy string

const (
	// PolicyZero records the value as 0 and lists the metric in Reading.Invalid.
	PolicyZero InvalidValuePolicy = "zero"
	// PolicyNaN records the value as NaN and lists the metric in Reading.Invalid.
	// Readings carrying NaN are kept in memory but never persisted.
	PolicyNaN InvalidValuePolicy = "nan"
	// PolicyReject drops the whole event with ErrInvalidNumericValue.
	PolicyReject InvalidValuePolicy = "reject"
)

// ParsePolicy converts a configuration string to an InvalidValuePolicy.
// The empty string selects PolicyZero.
func ParsePolicy(s string) (InvalidValuePolicy, error) {
	switch InvalidValuePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyZero:
		return PolicyZero, nil
	case PolicyNaN:
		return PolicyNaN, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown invalid value policy %q", s)
	}
}

// Options controls Normalize.
type Options struct {
	// ReceivedAt is the receipt time, used when the event carries no usable
	// timestamp. Zero means time.Now().
	ReceivedAt time.Time
	// Policy handles values that fail numeric coercion. Empty means PolicyZero.
	Policy InvalidValuePolicy
}

var (
	deviceCodeKeys = []string{"deviceCode", "deviceId"}
	timestampKeys  = []string{"timestamp", "date", "createdAt"}

	timeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05Z07:00",
	}
)

type sensorField struct {
	metric    string
	nestedKey string
	flatKeys  []string
}

var sensorFields = []sensorField{
	{metric: MetricTemperature, nestedKey: "temperatureWater", flatKeys: []string{"temperatureWater", "TemperatureWater"}},
	{metric: MetricPH, nestedKey: "phWater", flatKeys: []string{"phWater", "PhWater"}},
	{metric: MetricTurbidity, nestedKey: "turbidityWater", flatKeys: []string{"turbidityWater", "TurbidityWater"}},
}

// Normalize converts a decoded device-update event into a Reading.
//
// raw must be a JSON object (map[string]any). Normalize has no side effects.
func Normalize(raw any, opts Options) (Reading, error) {
	event, ok := raw.(map[string]any)
	if !ok || event == nil {
		return Reading{}, ErrMalformedEvent
	}

	code, ok := deviceCode(event)
	if !ok {
		return Reading{}, ErrMissingDeviceIdentifier
	}

	receivedAt := opts.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	receivedAt = receivedAt.UTC()

	payload, wrapped := event, false
	if data, ok := event["data"].(map[string]any); ok {
		payload, wrapped = data, true
	}

	values, shape := readSensors(payload)

	policy := opts.Policy
	if policy == "" {
		policy = PolicyZero
	}

	var invalid []string
	resolved := make(map[string]float64, len(sensorFields))
	for _, f := range sensorFields {
		v, state := coerce(values[f.metric])
		if state == valueInvalid {
			if policy == PolicyReject {
				return Reading{}, fmt.Errorf("%w: %s", ErrInvalidNumericValue, f.metric)
			}
			invalid = append(invalid, f.metric)
			if policy == PolicyNaN {
				v = math.NaN()
			} else {
				v = 0
			}
		}
		resolved[f.metric] = v
	}

	sources := []map[string]any{payload}
	if wrapped {
		sources = append(sources, event)
	}
	ts, ok := timestamp(sources)
	if !ok {
		ts = receivedAt
	}

	r := New(code, ts, resolved[MetricTemperature], resolved[MetricPH], resolved[MetricTurbidity])
	r.ReceivedAt = receivedAt
	r.Shape = shape
	r.Invalid = invalid
	return r, nil
}

func deviceCode(event map[string]any) (string, bool) {
	for _, key := range deviceCodeKeys {
		if s, ok := stringValue(event[key]); ok {
			return s, true
		}
	}
	if data, ok := event["data"].(map[string]any); ok {
		if s, ok := stringValue(data["deviceCode"]); ok {
			return s, true
		}
	}
	return "", false
}

func stringValue(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// readSensors picks the raw metric values out of payload using the nested
// shape when a dataSensor object is present and the flat shape otherwise.
func readSensors(payload map[string]any) (map[string]any, Shape) {
	out := make(map[string]any, len(sensorFields))

	if sensors, ok := payload["dataSensor"].(map[string]any); ok {
		for _, f := range sensorFields {
			out[f.metric] = sensors[f.nestedKey]
		}
		return out, ShapeNested
	}

	for _, f := range sensorFields {
		for _, key := range f.flatKeys {
			if v, ok := payload[key]; ok {
				out[f.metric] = v
				break
			}
		}
	}
	return out, ShapeFlat
}

type valueState int

const (
	valueOK valueState = iota
	valueMissing
	valueInvalid
)

// coerce converts v to a finite float64. Absent values are 0 and not invalid.
func coerce(v any) (float64, valueState) {
	switch n := v.(type) {
	case nil:
		return 0, valueMissing
	case float64:
		return finite(n)
	case float32:
		return finite(float64(n))
	case int:
		return float64(n), valueOK
	case int32:
		return float64(n), valueOK
	case int64:
		return float64(n), valueOK
	case json.Number:
		return parseNumber(n.String())
	case string:
		return parseNumber(n)
	case bool:
		if n {
			return 1, valueOK
		}
		return 0, valueOK
	default:
		return 0, valueInvalid
	}
}

func parseNumber(s string) (float64, valueState) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, valueOK
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, valueInvalid
	}
	return finite(f)
}

func finite(f float64) (float64, valueState) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, valueInvalid
	}
	return f, valueOK
}

// timestamp returns the first parseable timestamp field found in sources.
func timestamp(sources []map[string]any) (time.Time, bool) {
	for _, src := range sources {
		for _, key := range timestampKeys {
			v, ok := src[key]
			if !ok {
				continue
			}
			if ts, ok := parseTime(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), representable(ts)
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f)
		}
	case float64:
		return epoch(t)
	case int64:
		return epoch(float64(t))
	case int:
		return epoch(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return epoch(f)
		}
	}
	return time.Time{}, false
}

// Largest epoch values that still land in year 9999.
const (
	maxEpochSeconds = 253402300799
	maxEpochMillis  = maxEpochSeconds*1000 + 999
)

// epoch interprets f as Unix milliseconds when it is at least 1e12 and as
// Unix seconds otherwise. Values past year 9999 are not timestamps.
func epoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f >= 1e12 {
		if f > maxEpochMillis {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(f)).UTC(), true
	}
	if f > maxEpochSeconds {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// representable reports whether ts can be encoded as an RFC 3339 timestamp.
func representable(ts time.Time) bool {
	y := ts.UTC().Year()
	return y >= 1 && y <= 9999
}
