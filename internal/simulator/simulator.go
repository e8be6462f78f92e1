// Package simulator publishes synthetic water-quality device-update events to
// RabbitMQ, alternating payload shapes and re-sending some events to exercise
// deduplication downstream.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/internal/reading"
	"procodus.dev/water-monitor/pkg/generator"
	"procodus.dev/water-monitor/pkg/metrics"
	"procodus.dev/water-monitor/pkg/mq"
)

// Encoding selects the wire format of published events.
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"
)

// ParseEncoding parses a configured encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingProtobuf:
		return EncodingProtobuf, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", s)
	}
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errInvalidDuplicates  = errors.New("duplicate rate must be within [0, 1]")
)

// Config holds the configuration for the Simulator.
type Config struct {
	Logger    *slog.Logger
	Publisher mq.Publisher
	Metrics   *metrics.SimulatorMetrics // Optional
	// Devices are simulated instead of generated ones when set.
	Devices       []generator.WaterDevice
	Encoding      Encoding
	DeviceCount   int
	Interval      time.Duration
	DuplicateRate float64
	// Seed makes the generated readings reproducible. Random when 0.
	Seed int64
}

type simDevice struct {
	gen  *generator.WaterGenerator
	info generator.WaterDevice
	sent int
}

// Simulator publishes one reading per device every interval.
type Simulator struct {
	logger    *slog.Logger
	publisher mq.Publisher
	metrics   *metrics.SimulatorMetrics
	rng       *rand.Rand
	devices   []*simDevice
	encoding  Encoding
	interval  time.Duration
	dupRate   float64
	mu        sync.Mutex
}

// New creates a new Simulator instance.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if len(cfg.Devices) == 0 && cfg.DeviceCount <= 0 {
		return nil, errInvalidDeviceCount
	}

	if cfg.DuplicateRate < 0 || cfg.DuplicateRate > 1 {
		return nil, errInvalidDuplicates
	}

	encoding, err := ParseEncoding(string(cfg.Encoding))
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Simulator{
		logger:    cfg.Logger.With("component", "simulator"),
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		rng:       rand.New(rand.NewSource(seed)), // #nosec G404 - simulation data
		encoding:  encoding,
		interval:  cfg.Interval,
		dupRate:   cfg.DuplicateRate,
	}

	infos := cfg.Devices
	if len(infos) == 0 {
		infos = make([]generator.WaterDevice, 0, cfg.DeviceCount)
		for range cfg.DeviceCount {
			d := generator.NewWaterDevice()
			if d == nil {
				return nil, errors.New("failed to generate device")
			}
			infos = append(infos, *d)
		}
	}

	for i, info := range infos {
		s.devices = append(s.devices, &simDevice{
			info: info,
			gen:  generator.NewSeededWaterGenerator(info.DeviceCode, seed+int64(i)),
		})
	}

	if s.metrics != nil {
		s.metrics.Devices.Set(float64(len(s.devices)))
	}

	return s, nil
}

// Devices returns the simulated devices.
func (s *Simulator) Devices() []generator.WaterDevice {
	out := make([]generator.WaterDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.info)
	}
	return out
}

// Tick publishes one reading taken at now for every device. Publishing stops
// at the first error.
func (s *Simulator) Tick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if err := s.publishDevice(ctx, d, now); err != nil {
			return fmt.Errorf("failed to publish reading for %s: %w", d.info.DeviceCode, err)
		}
	}
	return nil
}

func (s *Simulator) publishDevice(ctx context.Context, d *simDevice, now time.Time) error {
	shape := reading.ShapeNested
	if d.sent%2 == 1 {
		shape = reading.ShapeFlat
	}
	d.sent++

	msg, err := Encode(s.encoding, Payload(shape, d.gen.Generate(now)))
	if err != nil {
		s.fail("marshal_error")
		return err
	}

	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.fail("publish_error")
		return err
	}
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(string(shape)).Inc()
	}

	if s.dupRate > 0 && s.rng.Float64() < s.dupRate {
		msg.MessageID = uuid.NewString()
		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.fail("publish_error")
			return err
		}
		if s.metrics != nil {
			s.metrics.Duplicates.Inc()
		}
		s.logger.Debug("re-sent reading", "device_code", d.info.DeviceCode)
	}

	return nil
}

func (s *Simulator) fail(reason string) {
	if s.metrics != nil {
		s.metrics.PublishFailures.WithLabelValues(reason).Inc()
	}
}

// Run publishes readings every interval until ctx is cancelled. Publish
// errors are logged and do not stop the loop.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("simulator started",
		"devices", len(s.devices),
		"interval", s.interval,
		"encoding", s.encoding,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopped")
			return nil
		case now := <-ticker.C:
			if err := s.Tick(ctx, now); err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.logger.Error("failed to publish readings", "error", err)
			}
		}
	}
}

// Payload renders r as a device-update event. The nested shape carries a
// dataSensor object and an RFC 3339 timestamp inside data; the flat shape
// carries the sensor keys and an epoch-millisecond date at the top level.
func Payload(shape reading.Shape, r generator.WaterReading) map[string]any {
	if shape == reading.ShapeFlat {
		return map[string]any{
			"deviceCode":       r.DeviceCode,
			"date":             float64(r.Timestamp.UnixMilli()),
			"temperatureWater": r.Temperature,
			"phWater":          r.PH,
			"turbidityWater":   r.Turbidity,
		}
	}

	return map[string]any{
		"deviceCode": r.DeviceCode,
		"data": map[string]any{
			"deviceCode": r.DeviceCode,
			"timestamp":  r.Timestamp.Format(time.RFC3339Nano),
			"dataSensor": map[string]any{
				"temperatureWater": r.Temperature,
				"phWater":          r.PH,
				"turbidityWater":   r.Turbidity,
			},
		},
	}
}

// Encode marshals payload into a device-update message.
func Encode(encoding Encoding, payload map[string]any) (mq.Message, error) {
	msg := mq.Message{
		Type:      monitor.EventDeviceUpdate,
		MessageID: uuid.NewString(),
	}

	switch encoding {
	case EncodingProtobuf:
		st, err := structpb.NewStruct(payload)
		if err != nil {
			return mq.Message{}, fmt.Errorf("failed to build protobuf struct: %w", err)
		}
		body, err := proto.Marshal(st)
		if err != nil {
			return mq.Message{}, fmt.Errorf("failed to marshal protobuf struct: %w", err)
		}
		msg.Body, msg.ContentType = body, mq.ContentTypeProtobuf
	default:
		body, err := json.Marshal(payload)
		if err != nil {
			return mq.Message{}, fmt.Errorf("failed to marshal json: %w", err)
		}
		msg.Body, msg.ContentType = body, mq.ContentTypeJSON
	}

	return msg, nil
}
