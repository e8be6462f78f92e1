package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/pkg/metrics"
	"procodus.dev/water-monitor/pkg/mq"
)

const (
	// DefaultReadyTimeout bounds how long Start waits for the broker.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultResubscribeDelay is the first pause before consuming again after
	// the deliveries channel closed. It doubles up to maxResubscribeDelay.
	DefaultResubscribeDelay = time.Second
	maxResubscribeDelay     = 30 * time.Second
)

// AMQPConsumer consumes device-update messages from a RabbitMQ queue and hands
// them to an EventSink.
type AMQPConsumer struct {
	logger       *slog.Logger
	client       mq.ClientInterface
	sink         EventSink
	metrics      *metrics.MQMetrics
	done         chan struct{}
	cancel       context.CancelFunc
	readyTimeout time.Duration
	retryDelay   time.Duration
	stopOnce     sync.Once
	started      atomic.Bool
}

// AMQPConsumerConfig holds the configuration for the AMQPConsumer.
type AMQPConsumerConfig struct {
	Logger       *slog.Logger
	Client       mq.ClientInterface
	Sink         EventSink
	Metrics      *metrics.MQMetrics // Optional
	ReadyTimeout time.Duration
	// ResubscribeDelay is DefaultResubscribeDelay when 0.
	ResubscribeDelay time.Duration
}

// NewAMQPConsumer creates a new AMQPConsumer instance.
func NewAMQPConsumer(cfg *AMQPConsumerConfig) (*AMQPConsumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.Sink == nil {
		return nil, errors.New("event sink cannot be nil")
	}

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	retry := cfg.ResubscribeDelay
	if retry <= 0 {
		retry = DefaultResubscribeDelay
	}

	return &AMQPConsumer{
		logger:       cfg.Logger.With("queue", cfg.Client.QueueName()),
		client:       cfg.Client,
		sink:         cfg.Sink,
		metrics:      cfg.Metrics,
		done:         make(chan struct{}),
		readyTimeout: timeout,
		retryDelay:   retry,
	}, nil
}

// Start waits for the broker connection and begins consuming in the background.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting amqp consumer")

	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	if err := c.client.WaitReady(readyCtx); err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	deliveries, err := c.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started.Store(true)
	c.logger.Info("amqp consumer started, waiting for messages")

	go c.processMessages(runCtx, deliveries)

	return nil
}

// processMessages processes incoming messages from the deliveries channel.
// The channel closes when the broker connection or channel drops; the client
// reconnects underneath, so consuming is resumed on the new channel.
func (c *AMQPConsumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	delay := c.retryDelay
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed, resubscribing", "backoff", delay)
				if deliveries, ok = c.resubscribe(ctx, delay); !ok {
					return
				}
				delay = min(delay*2, maxResubscribeDelay)
				continue
			}

			delay = c.retryDelay
			c.handleDelivery(delivery)
		}
	}
}

// resubscribe waits for the client to reconnect and consumes again. It
// returns false once ctx ends.
func (c *AMQPConsumer) resubscribe(ctx context.Context, delay time.Duration) (<-chan amqp.Delivery, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		if err := c.client.WaitReady(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, mq.ErrShutdown) {
				return nil, false
			}
			c.logger.Warn("rabbitmq not ready", "error", err)
			continue
		}

		deliveries, err := c.client.Consume()
		if err != nil {
			c.logger.Warn("failed to resume consuming", "error", err, "backoff", delay)
			if c.metrics != nil {
				c.metrics.ConsumeFailures.WithLabelValues(c.client.QueueName(), "resubscribe").Inc()
			}
			delay = min(delay*2, maxResubscribeDelay)
			continue
		}

		c.logger.Info("amqp consumer resubscribed")
		return deliveries, true
	}
}

// handleDelivery processes a single message delivery. Messages that cannot be
// decoded or that the pipeline drops are acknowledged so they are not
// redelivered; only a pipeline that is shutting down causes a requeue.
func (c *AMQPConsumer) handleDelivery(delivery amqp.Delivery) {
	queue := c.client.QueueName()
	if c.metrics != nil {
		c.metrics.MessagesConsumed.WithLabelValues(queue).Inc()
	}

	event, raw, err := DecodeDelivery(delivery)
	if err != nil {
		c.logger.Error("failed to decode message",
			"message_id", delivery.MessageId,
			"content_type", delivery.ContentType,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.ConsumeFailures.WithLabelValues(queue, "decode").Inc()
		}
		c.ack(delivery)
		return
	}

	err = c.sink.HandleEvent(TransportAMQP, event, raw)
	if errors.Is(err, monitor.ErrClosed) {
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}
	if err != nil {
		c.logger.Debug("event not accepted",
			"message_id", delivery.MessageId,
			"event", event,
			"error", err,
		)
	}

	c.ack(delivery)
}

func (c *AMQPConsumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

// Stop closes the MQ client and waits for message processing to finish.
func (c *AMQPConsumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info("stopping amqp consumer")

		if c.started.Load() {
			c.cancel()
		}
		if cerr := c.client.Close(); cerr != nil {
			err = fmt.Errorf("failed to close mq client: %w", cerr)
		}

		if c.started.Load() {
			<-c.done
		}

		c.logger.Info("amqp consumer stopped")
	})
	return err
}

// DecodeDelivery extracts the event name and payload of a delivery.
//
// Bodies with content type application/protobuf are google.protobuf.Struct
// messages; everything else is JSON, optionally wrapped in an Envelope. The
// AMQP type property, when set, names the event.
func DecodeDelivery(delivery amqp.Delivery) (string, any, error) {
	var (
		event string
		raw   any
		err   error
	)

	if delivery.ContentType == mq.ContentTypeProtobuf {
		msg := &structpb.Struct{}
		if err := proto.Unmarshal(delivery.Body, msg); err != nil {
			return "", nil, fmt.Errorf("failed to unmarshal protobuf struct: %w", err)
		}
		event, raw = monitor.EventDeviceUpdate, msg.AsMap()
	} else {
		event, raw, err = DecodeEnvelope(delivery.Body)
		if err != nil {
			return "", nil, err
		}
	}

	if delivery.Type != "" {
		event = delivery.Type
	}
	return event, raw, nil
}
