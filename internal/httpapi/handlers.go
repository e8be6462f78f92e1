package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"procodus.dev/water-monitor/internal/ingest"
	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/internal/storage"
)

// EventResponse is the reply to an ingested event.
type EventResponse struct {
	Error    string `json:"error,omitempty"`
	Accepted bool   `json:"accepted"`
}

// writeJSON encodes data before writing the header so an encoding failure is
// answered with 500 instead of a truncated body.
func (a *API) writeJSON(w http.ResponseWriter, status int, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("failed to encode response", "status", status, "error", err)
		b, status = []byte(`{"error":"failed to encode response"}`), http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.healthCheck(ctx); err != nil {
			a.logger.Warn("health check failed", "error", err)
			a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.query.Snapshots())
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	snap, ok := a.query.Snapshot(code)
	if !ok {
		a.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	a.writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleChart(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	metric := strings.TrimSpace(r.URL.Query().Get("metric"))
	if metric == "" {
		a.writeError(w, http.StatusBadRequest, "query parameter 'metric' is required")
		return
	}

	limit, err := parseLimit(r, 0)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.writeJSON(w, http.StatusOK, a.query.ChartData(code, metric, limit))
}

func (a *API) handleReadings(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		a.writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}

	limit, err := parseLimit(r, 100)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	code := chi.URLParam(r, "code")
	rows, err := a.registry.RecentReadings(r.Context(), code, limit)
	if err != nil {
		a.logger.Error("failed to fetch readings", "device_code", code, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to fetch readings")
		return
	}
	a.writeJSON(w, http.StatusOK, rows)
}

func (a *API) handleRegisteredDevices(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		a.writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}

	devices, err := a.registry.ListDevices(r.Context())
	if err != nil {
		a.logger.Error("failed to list devices", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	a.writeJSON(w, http.StatusOK, devices)
}

type registerRequest struct {
	DeviceCode string `json:"deviceCode"`
	Name       string `json:"name"`
	Location   string `json:"location"`
}

func (a *API) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		a.writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBodyBytes)).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.DeviceCode = strings.TrimSpace(req.DeviceCode)
	if req.DeviceCode == "" {
		a.writeError(w, http.StatusBadRequest, "deviceCode is required")
		return
	}

	device := &storage.Device{DeviceCode: req.DeviceCode, Name: req.Name, Location: req.Location}
	err := a.registry.RegisterDevice(r.Context(), device)
	switch {
	case errors.Is(err, storage.ErrDeviceExists):
		a.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.logger.Error("failed to register device", "device_code", req.DeviceCode, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to register device")
	default:
		a.writeJSON(w, http.StatusCreated, device)
	}
}

func (a *API) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
	if err != nil {
		a.writeJSON(w, http.StatusRequestEntityTooLarge, EventResponse{Error: "request body too large"})
		return
	}

	resp, err := a.ingest(ingest.TransportHTTP, body)
	a.writeJSON(w, eventStatus(err), resp)
}

// ingest decodes body and hands it to the sink.
func (a *API) ingest(transport string, body []byte) (EventResponse, error) {
	event, raw, err := ingest.DecodeEnvelope(body)
	if err == nil {
		err = a.sink.HandleEvent(transport, event, raw)
	}
	if err != nil {
		return EventResponse{Error: err.Error()}, err
	}
	return EventResponse{Accepted: true}, nil
}

func eventStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, monitor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, monitor.ErrUnsupportedEvent):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// handleIngestSocket accepts device-update events over a websocket. Each text
// message is one event; rejected events are answered with an EventResponse.
func (a *API) handleIngestSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(ingestMaxBytes)
	a.logger.Info("ingest socket connected", "remote_addr", r.RemoteAddr)

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Warn("ingest socket closed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		resp, err := a.ingest(ingest.TransportWebSocket, msg)
		if err == nil {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func parseLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid limit parameter")
	}
	return n, nil
}

