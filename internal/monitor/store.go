// Package monitor implements the real-time device-reading pipeline: the bounded
// per-device time-series store, the activity watchdog, the deduplicating
// persistence gateway and the chart query surface.
package monitor

import (
	"sort"
	"sync"
	"time"

	"procodus.dev/water-monitor/internal/reading"
)

// DefaultHistoryLimit is the number of readings kept per device.
const DefaultHistoryLimit = 50

// SaveState is the persistence status of a device's latest reading.
type SaveState string

const (
	SaveIdle    SaveState = "idle"
	SaveSaving  SaveState = "saving"
	SaveSuccess SaveState = "success"
	SaveError   SaveState = "error"
)

// SaveStatus describes the outcome of the most recent persistence attempt.
type SaveStatus struct {
	LastSavedAt time.Time `json:"lastSavedAt,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
	State       SaveState `json:"state"`
	Error       string    `json:"error,omitempty"`
}

// deviceState is everything the pipeline knows about one device. Only Store
// touches it, always under Store.mu.
type deviceState struct {
	timer     *time.Timer
	last      reading.Reading
	signature string
	save      SaveStatus
	ring      []reading.Reading
	start     int
	count     int
	timerGen  uint64
	hasLast   bool
	active    bool
}

func (d *deviceState) push(r reading.Reading) (evicted bool) {
	limit := cap(d.ring)
	if d.count < limit {
		d.ring = d.ring[:limit]
		d.ring[(d.start+d.count)%limit] = r
		d.count++
		return false
	}
	d.ring[d.start] = r
	d.start = (d.start + 1) % limit
	return true
}

// history copies the most recent n readings, oldest first. n <= 0 or n larger
// than the stored count returns everything.
func (d *deviceState) history(n int) []reading.Reading {
	if n <= 0 || n > d.count {
		n = d.count
	}
	out := make([]reading.Reading, n)
	limit := cap(d.ring)
	skip := d.count - n
	for i := 0; i < n; i++ {
		out[i] = d.ring[(d.start+skip+i)%limit]
	}
	return out
}

// Store owns the per-device state of the pipeline: a bounded FIFO history,
// the last reading, activity flags with their timers, and persistence status.
// It is safe for concurrent use.
type Store struct {
	devices  map[string]*deviceState
	onEvict  func()
	limit    int
	disarmed bool
	mu       sync.RWMutex
}

// NewStore creates a Store keeping at most limit readings per device.
// A non-positive limit uses DefaultHistoryLimit.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Store{
		devices: make(map[string]*deviceState),
		limit:   limit,
	}
}

// Limit returns the per-device history bound.
func (s *Store) Limit() int {
	return s.limit
}

// state returns the state for id, creating it on first use. Callers hold s.mu.
func (s *Store) state(id string) *deviceState {
	st, ok := s.devices[id]
	if !ok {
		st = &deviceState{
			ring: make([]reading.Reading, 0, s.limit),
			save: SaveStatus{State: SaveIdle},
		}
		s.devices[id] = st
	}
	return st
}

// RecordReading appends r to the history of id, evicting the oldest reading
// once the bound is exceeded, and makes r the device's last reading.
func (s *Store) RecordReading(id string, r reading.Reading) {
	s.mu.Lock()
	st := s.state(id)
	evicted := st.push(r)
	st.last = r
	st.hasLast = true
	onEvict := s.onEvict
	s.mu.Unlock()

	if evicted && onEvict != nil {
		onEvict()
	}
}

// History returns a copy of the readings held for id, oldest first.
// Unknown devices yield an empty slice.
func (s *Store) History(id string) []reading.Reading {
	return s.Recent(id, 0)
}

// Recent returns up to n of the newest readings for id, oldest first.
// n <= 0 returns the whole history.
func (s *Store) Recent(id string, n int) []reading.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.devices[id]
	if !ok {
		return []reading.Reading{}
	}
	return st.history(n)
}

// HistoryLen returns the number of readings held for id.
func (s *Store) HistoryLen(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.devices[id]; ok {
		return st.count
	}
	return 0
}

// Last returns the most recently recorded reading for id.
func (s *Store) Last(id string) (reading.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.devices[id]
	if !ok || !st.hasLast {
		return reading.Reading{}, false
	}
	return st.last, true
}

// LastReadings returns the last reading of every device that has one.
func (s *Store) LastReadings() map[string]reading.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]reading.Reading, len(s.devices))
	for id, st := range s.devices {
		if st.hasLast {
			out[id] = st.last
		}
	}
	return out
}

// DeviceIDs returns every known device identifier in sorted order.
func (s *Store) DeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of known devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// SaveStatus returns the persistence status of id. Unknown devices are idle.
func (s *Store) SaveStatus(id string) SaveStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.devices[id]
	if !ok {
		return SaveStatus{State: SaveIdle}
	}
	return st.save
}

// arm replaces the inactivity timer of id with a new one created by start and
// marks the device active. The previous timer, if any, is stopped first and
// its generation invalidated, so at most one timer per device can ever flip it
// inactive. It reports whether the device was inactive before. After
// disarmAll no new timers are armed.
func (s *Store) arm(id string, start func(gen uint64) *time.Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disarmed {
		return false
	}

	st := s.state(id)
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timerGen++
	st.timer = start(st.timerGen)
	wasActive := st.active
	st.active = true
	return !wasActive
}

// expire marks id inactive if gen is still its current timer generation.
func (s *Store) expire(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.devices[id]
	if !ok || st.timerGen != gen || st.timer == nil {
		return false
	}
	st.timer = nil
	st.active = false
	return true
}

func (s *Store) isActive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.devices[id]
	return ok && st.active
}

func (s *Store) activeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, st := range s.devices {
		if st.active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) pendingTimers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, st := range s.devices {
		if st.timer != nil {
			n++
		}
	}
	return n
}

// disarmAll stops every live timer, refuses later arm calls and returns how
// many timers were stopped.
func (s *Store) disarmAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmed = true
	n := 0
	for _, st := range s.devices {
		if st.timer == nil {
			continue
		}
		st.timer.Stop()
		st.timer = nil
		st.timerGen++
		n++
	}
	return n
}

func (s *Store) persistedSignature(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.devices[id]; ok {
		return st.signature
	}
	return ""
}

func (s *Store) markSaving(id string, at time.Time) SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	st.save.State = SaveSaving
	st.save.Error = ""
	st.save.UpdatedAt = at
	return st.save
}

// markSaved records a successful save and remembers its signature for
// deduplication.
func (s *Store) markSaved(id, signature string, at time.Time) SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	st.signature = signature
	st.save = SaveStatus{State: SaveSuccess, LastSavedAt: at, UpdatedAt: at}
	return st.save
}

// markFailed records a failed attempt. The persisted signature is left alone
// so the same reading is attempted again if it arrives again.
func (s *Store) markFailed(id, msg string, at time.Time) SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	st.save.State = SaveError
	st.save.Error = msg
	st.save.UpdatedAt = at
	return st.save
}
