// Package ingest delivers device-update events from the message transports
// (RabbitMQ, MQTT, websocket and HTTP bodies) to the monitoring pipeline.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"procodus.dev/water-monitor/internal/monitor"
)

// Transport names used in logs and metrics.
const (
	TransportAMQP      = "amqp"
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
)

// ErrEmptyBody is returned by DecodeEnvelope for an empty message.
var ErrEmptyBody = errors.New("empty message body")

// EventSink receives decoded events. *monitor.Monitor implements it.
type EventSink interface {
	HandleEvent(transport, event string, raw any) error
}

var _ EventSink = (*monitor.Monitor)(nil)

// Envelope is the named-event wrapper accepted by every transport:
//
//	{"event":"device-update","data":{...}}
type Envelope struct {
	Data  any    `json:"data"`
	Event string `json:"event"`
}

// DecodeEnvelope parses a JSON body into an event name and its payload.
// Objects with a string "event" field are treated as envelopes and yield
// their "data" value; any other body is a bare device-update payload.
func DecodeEnvelope(body []byte) (string, any, error) {
	event, raw, _, err := decodeBody(body)
	return event, raw, err
}

// decodeBody is DecodeEnvelope that also reports whether body was an envelope.
func decodeBody(body []byte) (string, any, bool, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", nil, false, ErrEmptyBody
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", nil, false, fmt.Errorf("failed to decode json: %w", err)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return monitor.EventDeviceUpdate, raw, false, nil
	}

	if name, ok := obj["event"].(string); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name), obj["data"], true, nil
	}

	return monitor.EventDeviceUpdate, obj, false, nil
}
