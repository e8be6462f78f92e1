package httpapi_test

import (
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/water-monitor/internal/httpapi"
	"procodus.dev/water-monitor/internal/monitor"
)

func dial(url string) *websocket.Conn {
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	Expect(err).NotTo(HaveOccurred())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	DeferCleanup(conn.Close)
	return conn
}

// nextUpdate reads updates until one of kind arrives. Save status updates
// race the reading update on the same connection.
func nextUpdate(conn *websocket.Conn, kind monitor.UpdateKind) monitor.Update {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var u monitor.Update
		Expect(conn.ReadJSON(&u)).To(Succeed())
		if u.Kind == kind {
			return u
		}
	}
}

var _ = Describe("websockets", func() {
	var e *env

	BeforeEach(func() {
		e = newEnv(envOptions{})
	})

	Describe("/ws/live", func() {
		It("should stream reading updates", func() {
			conn := dial(e.wsURL("/ws/live"))
			Eventually(e.hub.Clients).Should(Equal(1))
			Expect(testutil.ToFloat64(e.metrics.LiveClients)).To(Equal(1.0))

			e.post("/api/events", flatEvent)

			u := nextUpdate(conn, monitor.UpdateReading)
			Expect(u.DeviceCode).To(Equal("d1"))
			Expect(u.Active).To(BeTrue())
			Expect(u.Reading).NotTo(BeNil())
			Expect(u.Reading.Turbidity).To(Equal(3.0))
		})

		It("should forget clients that leave", func() {
			conn := dial(e.wsURL("/ws/live"))
			Eventually(e.hub.Clients).Should(Equal(1))

			Expect(conn.Close()).To(Succeed())
			Eventually(e.hub.Clients).Should(BeZero())
		})

		It("should disconnect clients when closed", func() {
			conn := dial(e.wsURL("/ws/live"))
			Eventually(e.hub.Clients).Should(Equal(1))

			e.hub.Close()

			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, _, err := conn.ReadMessage()
			Expect(websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure)).To(BeTrue())
			Expect(e.hub.Clients()).To(BeZero())
		})
	})

	Describe("/ws/ingest", func() {
		It("should ingest each message as an event", func() {
			conn := dial(e.wsURL("/ws/ingest"))
			Expect(conn.WriteMessage(websocket.TextMessage, []byte(flatEvent))).To(Succeed())

			Eventually(func() bool {
				_, ok := e.monitor.Query().Snapshot("d1")
				return ok
			}).Should(BeTrue())
		})

		It("should answer rejected events", func() {
			conn := dial(e.wsURL("/ws/ingest"))
			Expect(conn.WriteMessage(websocket.TextMessage, []byte(`{"phWater":1}`))).To(Succeed())

			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var resp httpapi.EventResponse
			Expect(conn.ReadJSON(&resp)).To(Succeed())
			Expect(resp.Accepted).To(BeFalse())
			Expect(resp.Error).To(ContainSubstring("missing device identifier"))
		})
	})
})

var _ = Describe("Hub", func() {
	It("should require a logger", func() {
		_, err := httpapi.NewHub(&httpapi.HubConfig{})
		Expect(err).To(MatchError(ContainSubstring("logger")))
	})
})
