// Package generator produces synthetic water-quality devices and readings.
package generator

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// WaterDevice describes a simulated monitoring station.
type WaterDevice struct {
	RegisteredAt time.Time
	DeviceCode   string
	Name         string  `fake:"{city} intake"`
	Location     string  `fake:"{city}, {state}"`
	Firmware     string  `fake:"{appversion}"`
	Latitude     float64 `fake:"{latitude}"`
	Longitude    float64 `fake:"{longitude}"`
}

// WaterReading is one generated sample.
type WaterReading struct {
	Timestamp   time.Time
	DeviceCode  string
	Temperature float64 // °C
	PH          float64
	Turbidity   float64 // NTU
}

// WaterGenerator produces readings for one device. It is not safe for
// concurrent use.
type WaterGenerator struct {
	rng               *rand.Rand
	deviceCode        string
	baselineTemp      float64
	baselinePH        float64
	baselineTurbidity float64
	noise             float64
	phDrift           float64
	lastPH            float64
	spikeLeft         int
	spikeLevel        float64
}

// NewWaterDevice returns a device with fake metadata and a code like wq-ab1234.
func NewWaterDevice() *WaterDevice {
	var device WaterDevice
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}
	device.DeviceCode = "wq-" + strings.ToLower(gofakeit.LetterN(2)) + gofakeit.Numerify("####")
	device.RegisteredAt = time.Now().UTC()
	return &device
}

// NewWaterGenerator creates a generator with a random baseline.
func NewWaterGenerator(deviceCode string) *WaterGenerator {
	return NewSeededWaterGenerator(deviceCode, time.Now().UnixNano())
}

// NewSeededWaterGenerator creates a generator whose output is fully determined
// by seed.
func NewSeededWaterGenerator(deviceCode string, seed int64) *WaterGenerator {
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 - simulation data
	g := &WaterGenerator{
		rng:               rng,
		deviceCode:        deviceCode,
		baselineTemp:      12 + rng.Float64()*10,    // 12-22°C
		baselinePH:        6.8 + rng.Float64(),      // 6.8-7.8
		baselineTurbidity: 0.5 + rng.Float64()*2.5,  // 0.5-3 NTU
		noise:             0.2 + rng.Float64()*0.6,  // sensor jitter
		phDrift:           (rng.Float64() - 0.5) * 0.02,
	}
	g.lastPH = g.baselinePH
	return g
}

// DeviceCode returns the device the generator produces readings for.
func (g *WaterGenerator) DeviceCode() string { return g.deviceCode }

// GenerateTemperature follows a daily cycle peaking mid-afternoon. Water
// temperature moves slower than air, so the swing is small.
func (g *WaterGenerator) GenerateTemperature(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	dailyCycle := 2.5 * math.Sin((hour-9)*math.Pi/12)
	noise := (g.rng.Float64() - 0.5) * g.noise

	return clamp(g.baselineTemp+dailyCycle+noise, -5, 40)
}

// GeneratePH random-walks around the baseline with a slow drift that
// occasionally reverses.
func (g *WaterGenerator) GeneratePH(_ time.Time) float64 {
	if g.rng.Float64() < 0.05 {
		g.phDrift = -g.phDrift + (g.rng.Float64()-0.5)*0.01
	}

	step := (g.rng.Float64() - 0.5) * 0.05
	reversion := (g.baselinePH - g.lastPH) * 0.1
	g.lastPH = clamp(g.lastPH+step+g.phDrift+reversion, 0, 14)
	return g.lastPH
}

// GenerateTurbidity stays near the baseline with rare multi-sample spikes,
// as after rain or sediment disturbance.
func (g *WaterGenerator) GenerateTurbidity(_ time.Time) float64 {
	if g.spikeLeft == 0 && g.rng.Float64() < 0.04 {
		g.spikeLeft = 3 + g.rng.Intn(6)
		g.spikeLevel = 5 + g.rng.Float64()*15
	}

	v := g.baselineTurbidity + (g.rng.Float64()-0.5)*g.noise
	if g.spikeLeft > 0 {
		v += g.spikeLevel
		g.spikeLevel *= 0.7
		g.spikeLeft--
	}
	return math.Max(0, v)
}

// Generate returns a reading taken at t, rounded to two decimals.
func (g *WaterGenerator) Generate(t time.Time) WaterReading {
	return WaterReading{
		DeviceCode:  g.deviceCode,
		Timestamp:   t.UTC(),
		Temperature: round2(g.GenerateTemperature(t)),
		PH:          round2(g.GeneratePH(t)),
		Turbidity:   round2(g.GenerateTurbidity(t)),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }
