package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"procodus.dev/water-monitor/pkg/metrics"
)

// instrument records request metrics labelled by the matched chi route
// pattern, and logs every request at debug level.
func instrument(logger *slog.Logger, m *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			if m != nil {
				m.RequestsInFlight.Inc()
				defer m.RequestsInFlight.Dec()
			}

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			if m != nil {
				m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
				m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}

			logger.Debug("http request",
				"method", r.Method,
				"route", route,
				"status", status,
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
