// Package mq provides a RabbitMQ client with automatic reconnection, confirmed
// publishing and queue consumption.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/water-monitor/pkg/metrics"
)

// Content types understood by the ingest consumer.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/protobuf"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Publish retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Publish retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	// Polling interval of WaitReady.
	readyPollInterval = 50 * time.Millisecond
)

var (
	// ErrNotConnected is returned when the client has no usable channel.
	ErrNotConnected = errors.New("not connected to a server")
	// ErrShutdown is returned by operations interrupted by Close.
	ErrShutdown = errors.New("client is shutting down")
	// ErrMaxRetriesExceeded is returned by Publish after maxRetryAttempts.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Message is one message published to the queue.
type Message struct {
	Body        []byte
	ContentType string // ContentTypeJSON when empty
	Type        string // event name carried in the AMQP type property
	MessageID   string // random when empty
}

// Config holds the configuration for the Client.
type Config struct {
	Logger    *slog.Logger
	Metrics   *metrics.MQMetrics // Optional
	URL       string
	QueueName string
	// Durable declares the queue durable and publishes persistent messages.
	Durable bool
}

// Client is a RabbitMQ client that handles connection management and
// automatic reconnection. Publishes are confirmed by the broker.
type Client struct {
	logger          *slog.Logger
	metrics         *metrics.MQMetrics
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	m               sync.Mutex
	publishMu       sync.Mutex
	closeOnce       sync.Once
	durable         bool
	isReady         bool
}

// New creates a client and starts connecting to the broker in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	client := &Client{
		logger:    cfg.Logger.With("queue", cfg.QueueName),
		metrics:   cfg.Metrics,
		queueName: cfg.QueueName,
		durable:   cfg.Durable,
		done:      make(chan struct{}),
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// QueueName returns the queue this client publishes to and consumes from.
func (client *Client) QueueName() string {
	return client.queueName
}

// Ready reports whether the client currently has a usable channel.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// WaitReady blocks until the client is connected, ctx ends or the client is
// closed.
func (client *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if client.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return ErrShutdown
		case <-ticker.C:
		}
	}
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)

		client.logger.Info("attempting to connect")
		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.logger.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		err := client.init(conn)
		if err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init will initialize channel & declare queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		client.queueName,
		client.durable, // Durable
		false,          // Delete when unused
		false,          // Exclusive
		false,          // No-wait
		nil,            // Arguments
	)
	if err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("client init done")

	return nil
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.m.Lock()
	defer client.m.Unlock()

	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.m.Lock()
	defer client.m.Unlock()

	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// current returns the live channel and its confirm listener.
func (client *Client) current() (*amqp.Channel, chan amqp.Confirmation, error) {
	client.m.Lock()
	defer client.m.Unlock()

	if !client.isReady {
		return nil, nil, ErrNotConnected
	}
	return client.channel, client.notifyConfirm, nil
}

// Publish sends msg and waits for the broker confirmation. While the client
// is disconnected or the broker nacks, it retries with exponential backoff up
// to maxRetryAttempts times.
func (client *Client) Publish(ctx context.Context, msg Message) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PublishDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	// One publish at a time so each confirmation matches its message.
	client.publishMu.Lock()
	defer client.publishMu.Unlock()

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded",
				"retry_count", attempt,
				"max_attempts", maxRetryAttempts,
			)
			client.publishFailed("max_retries_exceeded")
			return ErrMaxRetriesExceeded
		}

		if attempt > 0 {
			select {
			case <-ctx.Done():
				client.publishFailed("context_canceled")
				return ctx.Err()
			case <-client.done:
				return ErrShutdown
			case <-time.After(backoff):
			}
			backoff = min(backoff*backoffMultiplier, maxBackoff)
		}

		ch, confirms, err := client.current()
		if err != nil {
			client.logger.Info("not connected, waiting for reconnection",
				"backoff", backoff,
				"retry_count", attempt,
			)
			continue
		}

		if err := client.publish(ctx, ch, msg); err != nil {
			client.logger.Error("publish failed, retrying with backoff",
				"error", err,
				"backoff", backoff,
				"retry_count", attempt,
			)
			continue
		}

		select {
		case <-ctx.Done():
			client.publishFailed("context_canceled")
			return ctx.Err()
		case <-client.done:
			return ErrShutdown
		case confirm, ok := <-confirms:
			if !ok {
				client.logger.Warn("channel closed before confirmation, retrying")
				continue
			}
			if !confirm.Ack {
				client.logger.Warn("publish not acknowledged, retrying",
					"delivery_tag", confirm.DeliveryTag,
					"backoff", backoff,
				)
				continue
			}
			if client.metrics != nil {
				client.metrics.MessagesPublished.WithLabelValues(client.queueName).Inc()
			}
			client.logger.Debug("publish confirmed",
				"delivery_tag", confirm.DeliveryTag,
				"retry_count", attempt,
			)
			return nil
		}
	}
}

func (client *Client) publishFailed(reason string) {
	if client.metrics != nil {
		client.metrics.PublishFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// PublishUnconfirmed sends msg without waiting for a confirmation.
// It returns ErrNotConnected when there is no usable channel.
func (client *Client) PublishUnconfirmed(ctx context.Context, msg Message) error {
	ch, _, err := client.current()
	if err != nil {
		return err
	}
	return client.publish(ctx, ch, msg)
}

func (client *Client) publish(ctx context.Context, ch *amqp.Channel, msg Message) error {
	contentType := msg.ContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	mode := amqp.Transient
	if client.durable {
		mode = amqp.Persistent
	}

	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType:  contentType,
			Type:         msg.Type,
			MessageId:    messageID,
			DeliveryMode: mode,
			Timestamp:    time.Now().UTC(),
			Body:         msg.Body,
		},
	)
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Nack when it fails.
// Ignoring this will cause data to build up on the server.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	ch, _, err := client.current()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	return ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close stops reconnecting and shuts down the channel and connection.
// Calling Close more than once is a no-op.
func (client *Client) Close() error {
	var err error
	client.closeOnce.Do(func() {
		close(client.done)

		client.m.Lock()
		defer client.m.Unlock()

		if client.channel != nil {
			if cerr := client.channel.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = fmt.Errorf("failed to close channel: %w", cerr)
			}
		}
		if client.connection != nil {
			if cerr := client.connection.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
				err = fmt.Errorf("failed to close connection: %w", cerr)
			}
		}

		client.isReady = false
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
	})
	return err
}
