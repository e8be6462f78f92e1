// Package cache mirrors the latest reading of every device into redis so other
// services can read device state without querying the monitor.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/internal/reading"
)

const (
	// KeyPrefix prefixes every cache key: water:last:<device code>.
	KeyPrefix = "water:last:"
	// DefaultTTL expires readings of devices that stopped reporting.
	DefaultTTL = 24 * time.Hour
	// DefaultBuffer is the number of updates queued for the writer.
	DefaultBuffer = 256

	writeTimeout = 2 * time.Second
)

// Key returns the redis key of a device.
func Key(deviceCode string) string { return KeyPrefix + deviceCode }

// Config holds the configuration for the LastReadingCache.
type Config struct {
	Logger *slog.Logger
	Client redis.UniversalClient
	TTL    time.Duration
	Buffer int
}

// LastReadingCache stores the last reading of each device as JSON. Updates
// from the monitor are written by a single background writer started with
// Start; when the writer falls behind updates are dropped, never blocking
// the pipeline.
type LastReadingCache struct {
	logger  *slog.Logger
	rdb     redis.UniversalClient
	updates chan reading.Reading
	stop    chan struct{}
	done    chan struct{}
	ttl     time.Duration
	dropped atomic.Uint64
	started atomic.Bool
	once    sync.Once
}

// New creates a new LastReadingCache instance.
func New(cfg *Config) (*LastReadingCache, error) {
	if cfg == nil {
		return nil, errors.New("cache config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	return &LastReadingCache{
		logger:  cfg.Logger.With("component", "cache"),
		rdb:     cfg.Client,
		updates: make(chan reading.Reading, buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ttl:     ttl,
	}, nil
}

// Ping checks the redis connection.
func (c *LastReadingCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Set writes r as the last reading of its device.
func (c *LastReadingCache) Set(ctx context.Context, r reading.Reading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := c.rdb.Set(ctx, Key(r.DeviceCode), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache reading: %w", err)
	}
	return nil
}

// Get returns the cached reading of a device. The bool is false when the
// device has no cached reading.
func (c *LastReadingCache) Get(ctx context.Context, deviceCode string) (reading.Reading, bool, error) {
	body, err := c.rdb.Get(ctx, Key(deviceCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return reading.Reading{}, false, nil
	}
	if err != nil {
		return reading.Reading{}, false, fmt.Errorf("failed to read cached reading: %w", err)
	}

	var r reading.Reading
	if err := json.Unmarshal(body, &r); err != nil {
		return reading.Reading{}, false, fmt.Errorf("failed to unmarshal cached reading: %w", err)
	}
	return r, true, nil
}

// All returns every cached reading keyed by device code.
func (c *LastReadingCache) All(ctx context.Context) (map[string]reading.Reading, error) {
	out := make(map[string]reading.Reading)

	iter := c.rdb.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		code := strings.TrimPrefix(iter.Val(), KeyPrefix)
		r, ok, err := c.Get(ctx, code)
		if err != nil {
			return out, err
		}
		if ok {
			out[code] = r
		}
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("failed to scan cache: %w", err)
	}
	return out, nil
}

// Delete removes the cached reading of a device.
func (c *LastReadingCache) Delete(ctx context.Context, deviceCode string) error {
	return c.rdb.Del(ctx, Key(deviceCode)).Err()
}

// Listener returns a monitor.Listener that queues reading updates for the
// writer.
func (c *LastReadingCache) Listener() monitor.Listener {
	return func(u monitor.Update) {
		if u.Kind != monitor.UpdateReading || u.Reading == nil {
			return
		}

		select {
		case <-c.stop:
			return
		default:
		}

		select {
		case c.updates <- *u.Reading:
		default:
			if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
				c.logger.Warn("cache writer behind, dropping updates", "dropped", n)
			}
		}
	}
}

// Dropped returns the number of updates dropped because the writer was behind.
func (c *LastReadingCache) Dropped() uint64 { return c.dropped.Load() }

// Start runs the writer in the background until Close.
func (c *LastReadingCache) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

func (c *LastReadingCache) run() {
	defer close(c.done)

	for {
		select {
		case r := <-c.updates:
			c.write(r)
		case <-c.stop:
			for {
				select {
				case r := <-c.updates:
					c.write(r)
				default:
					return
				}
			}
		}
	}
}

func (c *LastReadingCache) write(r reading.Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.Set(ctx, r); err != nil {
		c.logger.Error("failed to write cache", "device_code", r.DeviceCode, "error", err)
	}
}

// Close stops the writer after it has written the queued updates, or when
// ctx ends.
func (c *LastReadingCache) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.stop) })

	if !c.started.Load() {
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
