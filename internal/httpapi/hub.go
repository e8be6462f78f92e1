package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/pkg/metrics"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	clientBuffer   = 32
	liveReadLimit  = 1024
	ingestMaxBytes = 64 << 10
)

// HubConfig holds the configuration for the Hub.
type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.HTTPMetrics // Optional
	// AllowedOrigins lists the cross-origin pages allowed to open /ws/live.
	// See OriginChecker.
	AllowedOrigins []string
}

// Hub fans monitor updates out to live websocket clients. A client whose send
// buffer is full is disconnected instead of slowing the pipeline down.
type Hub struct {
	logger   *slog.Logger
	metrics  *metrics.HTTPMetrics
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	mu       sync.Mutex
	closed   bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new Hub instance.
func NewHub(cfg *HubConfig) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("hub config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Hub{
		logger:  cfg.Logger.With("component", "live-hub"),
		metrics: cfg.Metrics,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     OriginChecker(cfg.AllowedOrigins),
		},
	}, nil
}

// ServeHTTP upgrades the request and streams updates until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.addClient(c) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// Broadcast sends u to every connected client.
func (h *Hub) Broadcast(u monitor.Update) {
	b, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("failed to marshal update", "device_code", u.DeviceCode, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.Warn("dropping slow live client", "remote_addr", c.conn.RemoteAddr().String())
			h.dropLocked(c)
			if h.metrics != nil {
				h.metrics.LiveDropped.Inc()
			}
		}
	}
}

// Listener returns a monitor.Listener that broadcasts every update.
func (h *Hub) Listener() monitor.Listener {
	return h.Broadcast
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *Hub) addClient(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.LiveClients.Inc()
	}
	return true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked removes c; the writer sends the close frame once send is closed.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.LiveClients.Dec()
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.removeClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(liveReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
