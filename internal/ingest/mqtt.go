package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DefaultMQTTTopic matches device-update events of every device.
const DefaultMQTTTopic = "water/+/device-update"

// MQTTConfig holds the configuration for the MQTTSubscriber.
type MQTTConfig struct {
	Logger *slog.Logger
	Sink   EventSink
	// Client overrides the paho client built from Broker. Optional.
	Client         mqtt.Client
	Broker         string
	Topic          string
	ClientID       string
	ConnectTimeout time.Duration
	QoS            byte
}

// MQTTSubscriber subscribes to device-update topics on an MQTT broker. The
// last topic segment names the event, so water/<device>/device-update is a
// device-update.
type MQTTSubscriber struct {
	logger         *slog.Logger
	sink           EventSink
	client         mqtt.Client
	topic          string
	connectTimeout time.Duration
	qos            byte
	// ownClient is set when the subscription is renewed by OnConnect.
	ownClient bool
}

// NewMQTTSubscriber creates a new MQTTSubscriber instance. It does not connect
// until Start.
func NewMQTTSubscriber(cfg *MQTTConfig) (*MQTTSubscriber, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Sink == nil {
		return nil, errors.New("event sink cannot be nil")
	}

	if cfg.Client == nil && strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultMQTTTopic
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	s := &MQTTSubscriber{
		logger:         cfg.Logger.With("topic", topic),
		sink:           cfg.Sink,
		client:         cfg.Client,
		topic:          topic,
		connectTimeout: timeout,
		qos:            cfg.QoS,
	}

	if s.client == nil {
		s.client = mqtt.NewClient(s.clientOptions(cfg.Broker, cfg.ClientID))
		s.ownClient = true
	}

	return s, nil
}

func (s *MQTTSubscriber) clientOptions(broker, clientID string) *mqtt.ClientOptions {
	if strings.TrimSpace(clientID) == "" {
		clientID = "water-monitor-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	}
	// Subscriptions do not survive a clean-session reconnect.
	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("mqtt connected")
		if err := s.subscribe(c); err != nil {
			s.logger.Error("failed to subscribe", "error", err)
		}
	}
	return opts
}

// BrokerURL rewrites mqtt:// URLs to the tcp:// scheme paho expects and
// defaults a missing scheme to tcp.
func BrokerURL(broker string) string {
	url := strings.TrimSpace(broker)
	switch {
	case strings.HasPrefix(url, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(url, "mqtt://")
	case strings.HasPrefix(url, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(url, "mqtts://")
	case !strings.Contains(url, "://"):
		return "tcp://" + url
	default:
		return url
	}
}

// Start connects to the broker. The subscription is made on every (re)connect.
func (s *MQTTSubscriber) Start(ctx context.Context) error {
	s.logger.Info("starting mqtt subscriber")

	tok := s.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.connectTimeout):
		return errors.New("timed out connecting to mqtt broker")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	if !s.ownClient {
		if err := s.subscribe(s.client); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}
	return nil
}

func (s *MQTTSubscriber) subscribe(c mqtt.Client) error {
	tok := c.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.HandleMessage(msg.Topic(), msg.Payload())
	})
	if !tok.WaitTimeout(s.connectTimeout) {
		return errors.New("timed out subscribing")
	}
	return tok.Error()
}

// HandleMessage decodes one MQTT message and delivers it to the sink. The
// topic names the event unless the payload is an Envelope.
func (s *MQTTSubscriber) HandleMessage(topic string, payload []byte) {
	event, raw, wrapped, err := decodeBody(payload)
	if err != nil {
		s.logger.Warn("failed to decode mqtt message",
			"message_topic", topic,
			"error", err,
		)
		return
	}

	if name := EventFromTopic(topic); name != "" && !wrapped {
		event = name
	}

	if err := s.sink.HandleEvent(TransportMQTT, event, raw); err != nil {
		s.logger.Debug("event not accepted",
			"message_topic", topic,
			"error", err,
		)
	}
}

// EventFromTopic returns the last segment of topic.
func EventFromTopic(topic string) string {
	topic = strings.Trim(topic, "/")
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// Stop disconnects from the broker.
func (s *MQTTSubscriber) Stop() {
	s.logger.Info("stopping mqtt subscriber")
	if s.client.IsConnected() {
		if tok := s.client.Unsubscribe(s.topic); tok.WaitTimeout(time.Second) && tok.Error() != nil {
			s.logger.Warn("failed to unsubscribe", "error", tok.Error())
		}
	}
	s.client.Disconnect(1000)
}
