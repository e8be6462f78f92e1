package ingest_test

import (
	"sync"
)

type sinkCall struct {
	Transport string
	Event     string
	Raw       any
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *recordingSink) HandleEvent(transport, event string, raw any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{Transport: transport, Event: event, Raw: raw})
	return s.err
}

func (s *recordingSink) Calls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func (s *recordingSink) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// acknowledger records the outcome of deliveries.
type acknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	requeue []bool
}

func (a *acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *acknowledger) Acks() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...)
}

func (a *acknowledger) Nacks() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.nacks...)
}
