package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"procodus.dev/water-monitor/internal/reading"
	"procodus.dev/water-monitor/internal/storage"
	"procodus.dev/water-monitor/pkg/metrics"
)

// DefaultSaveTimeout bounds a single storage call.
const DefaultSaveTimeout = 10 * time.Second

// ErrGatewayClosed is returned by Persist after Close.
var ErrGatewayClosed = errors.New("persistence gateway closed")

// ReadingSaver is the storage collaborator used by the Gateway.
type ReadingSaver interface {
	SaveReading(ctx context.Context, payload storage.SavePayload, deviceCode string) (storage.SaveResult, error)
}

// saveStatusStore is the slice of Store the Gateway is allowed to mutate.
type saveStatusStore interface {
	persistedSignature(id string) string
	markSaving(id string, at time.Time) SaveStatus
	markSaved(id, signature string, at time.Time) SaveStatus
	markFailed(id, msg string, at time.Time) SaveStatus
}

// Signature fingerprints the persisted content of a reading. Identical
// (device, timestamp, ph, turbidity, temperature) tuples yield identical
// signatures.
func Signature(deviceCode string, r reading.Reading) string {
	var b strings.Builder
	b.WriteString(deviceCode)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(r.Timestamp.UnixNano(), 10))
	for _, v := range []float64{r.PH, r.Turbidity, r.Temperature} {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

// GatewayConfig holds the configuration for the Gateway.
type GatewayConfig struct {
	Logger  *slog.Logger
	Store   *Store
	Saver   ReadingSaver
	Metrics *metrics.MonitorMetrics // Optional
	// OnStatus is called after every save status change. Optional.
	OnStatus    func(deviceCode string, status SaveStatus)
	SaveTimeout time.Duration
}

type deviceQueue struct {
	pending []reading.Reading
	running bool
}

// Gateway persists readings at most once per distinct signature. Each device
// has its own serial queue so one save per device is in flight at a time,
// while different devices persist concurrently.
type Gateway struct {
	logger      *slog.Logger
	store       saveStatusStore
	saver       ReadingSaver
	metrics     *metrics.MonitorMetrics
	onStatus    func(string, SaveStatus)
	ctx         context.Context
	cancel      context.CancelFunc
	queues      map[string]*deviceQueue
	saveTimeout time.Duration
	wg          sync.WaitGroup
	mu          sync.Mutex
	closed      bool
}

// NewGateway creates a new Gateway instance.
func NewGateway(cfg *GatewayConfig) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Saver == nil {
		return nil, errors.New("saver cannot be nil")
	}

	timeout := cfg.SaveTimeout
	if timeout <= 0 {
		timeout = DefaultSaveTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		logger:      cfg.Logger,
		store:       cfg.Store,
		saver:       cfg.Saver,
		metrics:     cfg.Metrics,
		onStatus:    cfg.OnStatus,
		ctx:         ctx,
		cancel:      cancel,
		queues:      make(map[string]*deviceQueue),
		saveTimeout: timeout,
	}, nil
}

// Persist enqueues r for the device's persistence queue and returns
// immediately. The outcome is only visible through the device's SaveStatus.
func (g *Gateway) Persist(deviceCode string, r reading.Reading) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}

	q, ok := g.queues[deviceCode]
	if !ok {
		q = &deviceQueue{}
		g.queues[deviceCode] = q
	}
	q.pending = append(q.pending, r)
	if !q.running {
		q.running = true
		g.wg.Add(1)
		go g.drain(deviceCode, q)
	}
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.PersistQueued.Inc()
	}
	return nil
}

// drain runs the queue of one device until it is empty.
func (g *Gateway) drain(deviceCode string, q *deviceQueue) {
	defer g.wg.Done()

	for {
		g.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			g.mu.Unlock()
			return
		}
		r := q.pending[0]
		q.pending[0] = reading.Reading{}
		q.pending = q.pending[1:]
		g.mu.Unlock()

		if g.metrics != nil {
			g.metrics.PersistQueued.Dec()
		}
		g.save(deviceCode, r)
	}
}

// save runs one persistence decision. The duplicate check happens here, at
// execution time, so a reading queued twice is written once.
func (g *Gateway) save(deviceCode string, r reading.Reading) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic while saving reading",
				"device_code", deviceCode,
				"panic", rec,
			)
			g.status(deviceCode, g.store.markFailed(deviceCode, fmt.Sprintf("panic: %v", rec), time.Now().UTC()))
			g.count(metrics.PersistError)
		}
	}()

	sig := Signature(deviceCode, r)
	if g.store.persistedSignature(deviceCode) == sig {
		g.logger.Debug("duplicate reading skipped", "device_code", deviceCode)
		g.count(metrics.PersistDuplicate)
		return
	}

	if bad := nanMetrics(r); len(bad) > 0 {
		msg := "invalid numeric value: " + strings.Join(bad, ", ")
		g.logger.Warn("reading not persisted",
			"device_code", deviceCode,
			"error", msg,
		)
		g.status(deviceCode, g.store.markFailed(deviceCode, msg, time.Now().UTC()))
		g.count(metrics.PersistInvalid)
		return
	}

	g.status(deviceCode, g.store.markSaving(deviceCode, time.Now().UTC()))

	ctx, cancel := context.WithTimeout(g.ctx, g.saveTimeout)
	start := time.Now()
	res, err := g.saver.SaveReading(ctx, storage.SavePayload{
		PH:          r.PH,
		Turbidity:   r.Turbidity,
		Temperature: r.Temperature,
	}, deviceCode)
	cancel()

	if g.metrics != nil {
		g.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	}

	now := time.Now().UTC()
	switch {
	case err != nil:
		g.logger.Error("failed to save reading",
			"device_code", deviceCode,
			"error", err,
		)
		g.status(deviceCode, g.store.markFailed(deviceCode, err.Error(), now))
		g.count(metrics.PersistError)
	case !res.Success:
		g.logger.Warn("storage rejected reading",
			"device_code", deviceCode,
			"code", res.Code,
			"messages", res.Messages,
		)
		g.status(deviceCode, g.store.markFailed(deviceCode, res.Message(), now))
		g.count(metrics.PersistError)
	default:
		g.logger.Debug("reading saved", "device_code", deviceCode)
		g.status(deviceCode, g.store.markSaved(deviceCode, sig, now))
		g.count(metrics.PersistSuccess)
	}
}

func nanMetrics(r reading.Reading) []string {
	var bad []string
	if math.IsNaN(r.PH) {
		bad = append(bad, reading.MetricPH)
	}
	if math.IsNaN(r.Turbidity) {
		bad = append(bad, reading.MetricTurbidity)
	}
	if math.IsNaN(r.Temperature) {
		bad = append(bad, reading.MetricTemperature)
	}
	return bad
}

func (g *Gateway) status(deviceCode string, st SaveStatus) {
	if g.onStatus != nil {
		g.onStatus(deviceCode, st)
	}
}

func (g *Gateway) count(status string) {
	if g.metrics != nil {
		g.metrics.PersistTotal.WithLabelValues(status).Inc()
	}
}

// Pending returns the number of readings queued but not yet started.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, q := range g.queues {
		n += len(q.pending)
	}
	return n
}

// Close stops accepting readings and waits for queued ones to be processed.
// If ctx ends first, the context of in-flight and remaining storage calls is
// cancelled and ctx.Err() is returned without waiting further.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		return ctx.Err()
	}
}
