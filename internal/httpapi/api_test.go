package httpapi_test

import (
	"context"
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/water-monitor/internal/httpapi"
	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/internal/storage"
	"procodus.dev/water-monitor/pkg/logger"
)

var _ = Describe("API", func() {
	Describe("New", func() {
		It("should validate its config", func() {
			_, err := httpapi.New(nil)
			Expect(err).To(HaveOccurred())

			_, err = httpapi.New(&httpapi.Config{})
			Expect(err).To(MatchError(ContainSubstring("logger")))

			_, err = httpapi.New(&httpapi.Config{Logger: logger.Discard()})
			Expect(err).To(MatchError(ContainSubstring("query")))
		})
	})

	Describe("health", func() {
		It("should report ok", func() {
			e := newEnv(envOptions{})
			code, body := e.get("/health")
			Expect(code).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(`"status":"ok"`))
		})

		It("should report a failing dependency", func() {
			e := newEnv(envOptions{healthCheck: func(context.Context) error { return errors.New("db down") }})
			code, body := e.get("/health")
			Expect(code).To(Equal(http.StatusServiceUnavailable))
			Expect(body).To(ContainSubstring("db down"))
		})
	})

	Describe("events", func() {
		var e *env

		BeforeEach(func() {
			e = newEnv(envOptions{})
		})

		It("should accept device-update events", func() {
			code, body := e.post("/api/events", flatEvent)
			Expect(code).To(Equal(http.StatusAccepted))
			Expect(decode[httpapi.EventResponse](body).Accepted).To(BeTrue())

			snap, ok := e.monitor.Query().Snapshot("d1")
			Expect(ok).To(BeTrue())
			Expect(snap.Last.PH).To(Equal(7.2))
		})

		It("should accept enveloped events", func() {
			code, _ := e.post("/api/events", `{"event":"device-update","data":`+flatEvent+`}`)
			Expect(code).To(Equal(http.StatusAccepted))
		})

		It("should reject events without a device", func() {
			code, body := e.post("/api/events", `{"phWater":7}`)
			Expect(code).To(Equal(http.StatusBadRequest))
			Expect(body).To(ContainSubstring("missing device identifier"))
		})

		It("should reject invalid JSON", func() {
			code, _ := e.post("/api/events", `{`)
			Expect(code).To(Equal(http.StatusBadRequest))
		})

		It("should reject unsupported events", func() {
			code, _ := e.post("/api/events", `{"event":"device-deleted","data":{"deviceCode":"d1"}}`)
			Expect(code).To(Equal(http.StatusUnprocessableEntity))
		})

		It("should answer 503 after the monitor shuts down", func() {
			Expect(e.monitor.Shutdown(context.Background())).To(Succeed())
			code, _ := e.post("/api/events", flatEvent)
			Expect(code).To(Equal(http.StatusServiceUnavailable))
		})

		It("should persist accepted readings", func() {
			e.post("/api/events", flatEvent)

			Eventually(func() int {
				_, body := e.get("/api/devices/d1/readings")
				return len(decode[[]storage.WaterReading](body))
			}).Should(Equal(1))

			Eventually(func() monitor.SaveState {
				return e.monitor.Query().SaveStatus("d1").State
			}).Should(Equal(monitor.SaveSuccess))
		})
	})

	Describe("devices", func() {
		var e *env

		BeforeEach(func() {
			e = newEnv(envOptions{})
			code, _ := e.post("/api/events", flatEvent)
			Expect(code).To(Equal(http.StatusAccepted))
		})

		It("should list in-memory devices", func() {
			code, body := e.get("/api/devices")
			Expect(code).To(Equal(http.StatusOK))

			snaps := decode[[]monitor.DeviceSnapshot](body)
			Expect(snaps).To(HaveLen(1))
			Expect(snaps[0].DeviceCode).To(Equal("d1"))
			Expect(snaps[0].Active).To(BeTrue())
			Expect(snaps[0].History).To(Equal(1))
		})

		It("should keep listing devices after an out-of-range timestamp", func() {
			code, _ := e.post("/api/events", `{"deviceCode":"d2","timestamp":1738404000000000,"phWater":7}`)
			Expect(code).To(Equal(http.StatusAccepted))

			code, body := e.get("/api/devices")
			Expect(code).To(Equal(http.StatusOK))

			snaps := decode[[]monitor.DeviceSnapshot](body)
			Expect(snaps).To(HaveLen(2))
			Expect(snaps[1].DeviceCode).To(Equal("d2"))
			Expect(snaps[1].Last.Timestamp.Year()).To(BeNumerically("<=", 9999))
		})

		It("should return one device", func() {
			code, body := e.get("/api/devices/d1")
			Expect(code).To(Equal(http.StatusOK))
			Expect(decode[monitor.DeviceSnapshot](body).DeviceCode).To(Equal("d1"))
		})

		It("should return 404 for unknown devices", func() {
			code, _ := e.get("/api/devices/nope")
			Expect(code).To(Equal(http.StatusNotFound))
		})

		It("should serve chart data", func() {
			code, body := e.get("/api/devices/d1/chart?metric=ph&limit=10")
			Expect(code).To(Equal(http.StatusOK))

			chart := decode[monitor.ChartData](body)
			Expect(chart.Labels).To(Equal([]string{"12:00:00"}))
			Expect(chart.Values).To(Equal([]float64{7.2}))
		})

		It("should serve empty series for unknown devices", func() {
			code, body := e.get("/api/devices/nope/chart?metric=ph")
			Expect(code).To(Equal(http.StatusOK))
			Expect(body).To(MatchJSON(`{"labels":[],"values":[]}`))
		})

		It("should validate chart parameters", func() {
			code, _ := e.get("/api/devices/d1/chart")
			Expect(code).To(Equal(http.StatusBadRequest))

			code, _ = e.get("/api/devices/d1/chart?metric=ph&limit=abc")
			Expect(code).To(Equal(http.StatusBadRequest))
		})

		It("should count requests by route", func() {
			e.get("/api/devices/d1")
			e.get("/api/devices/d2")

			Expect(testutil.ToFloat64(
				e.metrics.RequestsTotal.WithLabelValues(http.MethodGet, "/api/devices/{code}", "200"),
			)).To(Equal(1.0))
			Expect(testutil.ToFloat64(
				e.metrics.RequestsTotal.WithLabelValues(http.MethodGet, "/api/devices/{code}", "404"),
			)).To(Equal(1.0))
		})

		It("should serve metrics", func() {
			e.get("/api/devices")
			code, body := e.get("/metrics")
			Expect(code).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring("test_http_requests_total"))
		})
	})

	Describe("registration", func() {
		It("should register devices once", func() {
			e := newEnv(envOptions{})

			code, body := e.post("/api/devices", `{"deviceCode":"d9","name":"Reservoir","location":"North"}`)
			Expect(code).To(Equal(http.StatusCreated))
			Expect(decode[storage.Device](body).DeviceCode).To(Equal("d9"))

			code, _ = e.post("/api/devices", `{"deviceCode":"d9"}`)
			Expect(code).To(Equal(http.StatusConflict))

			code, body = e.get("/api/devices/registered")
			Expect(code).To(Equal(http.StatusOK))
			Expect(decode[[]storage.Device](body)).To(HaveLen(1))
		})

		It("should require a device code", func() {
			e := newEnv(envOptions{})
			code, _ := e.post("/api/devices", `{"name":"x"}`)
			Expect(code).To(Equal(http.StatusBadRequest))
		})

		It("should answer 503 without storage", func() {
			e := newEnv(envOptions{noRegistry: true})

			code, _ := e.post("/api/devices", `{"deviceCode":"d9"}`)
			Expect(code).To(Equal(http.StatusServiceUnavailable))

			code, _ = e.get("/api/devices/d1/readings")
			Expect(code).To(Equal(http.StatusServiceUnavailable))
		})
	})
})
