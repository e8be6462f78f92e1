// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/water-monitor/pkg/mq"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It records calls and returns configurable results.
type MockClient struct {
	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, msg mq.Message) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error

	// PublishUnconfirmedError is returned by PublishUnconfirmed.
	PublishUnconfirmedError error

	// ConsumeFunc is called when Consume is invoked. If nil, returns ConsumeChannel and ConsumeError.
	ConsumeFunc func() (<-chan amqp.Delivery, error)
	// ConsumeChannel is returned by Consume if ConsumeFunc is nil.
	ConsumeChannel <-chan amqp.Delivery
	// ConsumeError is returned by Consume if ConsumeFunc is nil.
	ConsumeError error

	// WaitReadyError is returned by WaitReady.
	WaitReadyError error

	// CloseError is returned by Close.
	CloseError error

	// Queue is returned by QueueName.
	Queue string

	published   []mq.Message
	unconfirmed []mq.Message
	consumes    int
	closes      int
	mu          sync.Mutex
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		ConsumeChannel: make(chan amqp.Delivery),
		Queue:          "mock-queue",
	}
}

// Publish implements mq.ClientInterface.
func (m *MockClient) Publish(ctx context.Context, msg mq.Message) error {
	m.mu.Lock()
	fn, err := m.PublishFunc, m.PublishError
	m.mu.Unlock()

	if fn != nil {
		err = fn(ctx, msg)
	}
	if err == nil {
		m.mu.Lock()
		m.published = append(m.published, msg)
		m.mu.Unlock()
	}
	return err
}

// PublishUnconfirmed implements mq.ClientInterface.
func (m *MockClient) PublishUnconfirmed(_ context.Context, msg mq.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishUnconfirmedError != nil {
		return m.PublishUnconfirmedError
	}
	m.unconfirmed = append(m.unconfirmed, msg)
	return nil
}

// Consume implements mq.ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumes++
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc()
	}
	return m.ConsumeChannel, m.ConsumeError
}

// WaitReady implements mq.ClientInterface.
func (m *MockClient) WaitReady(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WaitReadyError
}

// QueueName implements mq.ClientInterface.
func (m *MockClient) QueueName() string {
	return m.Queue
}

// Close implements mq.ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closes++
	return m.CloseError
}

// Published returns the successfully published messages.
func (m *MockClient) Published() []mq.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mq.Message(nil), m.published...)
}

// Unconfirmed returns the messages sent with PublishUnconfirmed.
func (m *MockClient) Unconfirmed() []mq.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mq.Message(nil), m.unconfirmed...)
}

// ConsumeCalls returns how many times Consume was called.
func (m *MockClient) ConsumeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumes
}

// CloseCalls returns how many times Close was called.
func (m *MockClient) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Reset clears all recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.published = nil
	m.unconfirmed = nil
	m.consumes = 0
	m.closes = 0
}

// Ensure MockClient implements mq.ClientInterface.
var _ mq.ClientInterface = (*MockClient)(nil)
