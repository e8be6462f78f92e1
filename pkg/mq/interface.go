package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends messages to a queue.
type Publisher interface {
	// Publish sends msg and waits for the broker confirmation.
	Publish(ctx context.Context, msg Message) error
	// Close shuts the publisher down.
	Close() error
}

// ClientInterface defines the message queue operations used by the service.
type ClientInterface interface {
	Publisher

	// PublishUnconfirmed sends msg without waiting for a confirmation.
	PublishUnconfirmed(ctx context.Context, msg Message) error

	// Consume will continuously put queue items on the channel.
	// It is required to call delivery.Ack when it has been successfully processed,
	// or delivery.Nack when it fails.
	Consume() (<-chan amqp.Delivery, error)

	// WaitReady blocks until the client is connected.
	WaitReady(ctx context.Context) error

	// QueueName returns the queue name.
	QueueName() string
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
