// Package reading turns raw device-update payloads into canonical water-quality readings.
//
// Two wire shapes are supported. The nested shape carries the sensor values in a
// dataSensor object:
//
//	{"deviceCode":"d1","dataSensor":{"temperatureWater":25.5,"phWater":7.1,"turbidityWater":3.2}}
//
// The flat shape carries them at the top level of the payload, in either
// camelCase or PascalCase:
//
//	{"deviceCode":"d1","TemperatureWater":"25.5","phWater":7.1,"TurbidityWater":3.2}
//
// Either shape may be wrapped in a "data" object.
package reading

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Shape identifies which wire format produced a Reading.
type Shape string

const (
	// ShapeNested is the dataSensor object format.
	ShapeNested Shape = "nested"
	// ShapeFlat is the top-level field format.
	ShapeFlat Shape = "flat"
)

// Metric names used in Reading.Invalid and by chart lookups.
const (
	MetricTemperature = "temperature"
	MetricPH          = "ph"
	MetricTurbidity   = "turbidity"
)

// Sensors is the nested view of a reading's values.
type Sensors struct {
	Temperature float64 `json:"temperatureWater"`
	PH          float64 `json:"phWater"`
	Turbidity   float64 `json:"turbidityWater"`
}

// Reading is one normalized, timestamped sample from a device.
//
// The flat fields and Sensors always hold the same numbers; both are assigned
// by New and a Reading is handled by value afterwards.
type Reading struct {
	Timestamp   time.Time
	ReceivedAt  time.Time
	DeviceCode  string
	Shape       Shape
	Invalid     []string
	Sensors     Sensors
	Temperature float64
	PH          float64
	Turbidity   float64
}

// New builds a Reading with its flat and nested views in sync.
func New(deviceCode string, ts time.Time, temperature, ph, turbidity float64) Reading {
	return Reading{
		DeviceCode:  deviceCode,
		Timestamp:   ts,
		ReceivedAt:  ts,
		Temperature: temperature,
		PH:          ph,
		Turbidity:   turbidity,
		Sensors: Sensors{
			Temperature: temperature,
			PH:          ph,
			Turbidity:   turbidity,
		},
	}
}

// HasInvalid reports whether any sensor value failed numeric coercion.
func (r Reading) HasInvalid() bool {
	return len(r.Invalid) > 0
}

// number encodes non-finite values as null, which JSON cannot represent.
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

type sensorsJSON struct {
	Temperature number `json:"temperatureWater"`
	PH          number `json:"phWater"`
	Turbidity   number `json:"turbidityWater"`
}

type readingJSON struct {
	DeviceCode  string      `json:"deviceCode"`
	Timestamp   time.Time   `json:"timestamp"`
	ReceivedAt  time.Time   `json:"receivedAt"`
	Shape       Shape       `json:"shape,omitempty"`
	Temperature number      `json:"temperatureWater"`
	PH          number      `json:"phWater"`
	Turbidity   number      `json:"turbidityWater"`
	Sensors     sensorsJSON `json:"dataSensor"`
	Invalid     []string    `json:"invalid,omitempty"`
}

// MarshalJSON emits both the flat and the nested view so consumers written
// against either wire shape can read the result. NaN values are written as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingJSON{
		DeviceCode:  r.DeviceCode,
		Timestamp:   r.Timestamp,
		ReceivedAt:  r.ReceivedAt,
		Shape:       r.Shape,
		Temperature: number(r.Temperature),
		PH:          number(r.PH),
		Turbidity:   number(r.Turbidity),
		Sensors: sensorsJSON{
			Temperature: number(r.Sensors.Temperature),
			PH:          number(r.Sensors.PH),
			Turbidity:   number(r.Sensors.Turbidity),
		},
		Invalid: r.Invalid,
	})
}

// UnmarshalJSON restores a Reading from its MarshalJSON form. The flat values
// win and the nested view is rebuilt from them. Null values decode as 0.
func (r *Reading) UnmarshalJSON(b []byte) error {
	var aux struct {
		DeviceCode  string    `json:"deviceCode"`
		Timestamp   time.Time `json:"timestamp"`
		ReceivedAt  time.Time `json:"receivedAt"`
		Shape       Shape     `json:"shape"`
		Temperature float64   `json:"temperatureWater"`
		PH          float64   `json:"phWater"`
		Turbidity   float64   `json:"turbidityWater"`
		Invalid     []string  `json:"invalid"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = New(aux.DeviceCode, aux.Timestamp, aux.Temperature, aux.PH, aux.Turbidity)
	r.ReceivedAt = aux.ReceivedAt
	r.Shape = aux.Shape
	r.Invalid = aux.Invalid
	return nil
}
