package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/internal/reading"
	"procodus.dev/water-monitor/internal/storage"
	"procodus.dev/water-monitor/pkg/logger"
	"procodus.dev/water-monitor/pkg/metrics"
)

var _ = Describe("Signature", func() {
	base := reading.New("d1", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), 25.5, 7.1, 3.2)

	It("should be deterministic", func() {
		Expect(monitor.Signature("d1", base)).To(Equal(monitor.Signature("d1", base)))
	})

	It("should ignore fields outside the persisted tuple", func() {
		other := base
		other.ReceivedAt = time.Now()
		other.Shape = reading.ShapeFlat
		Expect(monitor.Signature("d1", other)).To(Equal(monitor.Signature("d1", base)))
	})

	DescribeTable("should change when any tuple field changes",
		func(code string, r reading.Reading) {
			Expect(monitor.Signature(code, r)).NotTo(Equal(monitor.Signature("d1", base)))
		},
		Entry("device", "d2", base),
		Entry("timestamp", "d1", reading.New("d1", base.Timestamp.Add(time.Nanosecond), 25.5, 7.1, 3.2)),
		Entry("temperature", "d1", reading.New("d1", base.Timestamp, 25.6, 7.1, 3.2)),
		Entry("ph", "d1", reading.New("d1", base.Timestamp, 25.5, 7.2, 3.2)),
		Entry("turbidity", "d1", reading.New("d1", base.Timestamp, 25.5, 7.1, 3.3)),
	)
})

var _ = Describe("Gateway", func() {
	var (
		store   *monitor.Store
		saver   *fakeSaver
		gateway *monitor.Gateway
		m       *metrics.MonitorMetrics
	)

	newGateway := func(timeout time.Duration) *monitor.Gateway {
		g, err := monitor.NewGateway(&monitor.GatewayConfig{
			Logger:      logger.Discard(),
			Store:       store,
			Saver:       saver,
			Metrics:     m,
			SaveTimeout: timeout,
		})
		Expect(err).NotTo(HaveOccurred())
		return g
	}

	state := func(code string) func() monitor.SaveState {
		return func() monitor.SaveState { return store.SaveStatus(code).State }
	}

	BeforeEach(func() {
		store = monitor.NewStore(10)
		saver = newFakeSaver()
		m = metrics.NewMonitorMetrics(prometheus.NewRegistry(), "test")
		gateway = newGateway(time.Second)
		DeferCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = gateway.Close(ctx)
		})
	})

	Describe("NewGateway", func() {
		It("should validate its config", func() {
			_, err := monitor.NewGateway(nil)
			Expect(err).To(HaveOccurred())

			_, err = monitor.NewGateway(&monitor.GatewayConfig{Store: store, Saver: saver})
			Expect(err).To(MatchError(ContainSubstring("logger")))

			_, err = monitor.NewGateway(&monitor.GatewayConfig{Logger: logger.Discard(), Saver: saver})
			Expect(err).To(MatchError(ContainSubstring("store")))

			_, err = monitor.NewGateway(&monitor.GatewayConfig{Logger: logger.Discard(), Store: store})
			Expect(err).To(MatchError(ContainSubstring("saver")))
		})
	})

	It("should save a reading and record success", func() {
		r := sample("d1", 1)
		Expect(gateway.Persist("d1", r)).To(Succeed())

		Eventually(state("d1")).Should(Equal(monitor.SaveSuccess))
		Expect(saver.Calls()).To(Equal([]saveCall{{
			DeviceCode: "d1",
			Payload:    storage.SavePayload{PH: r.PH, Turbidity: r.Turbidity, Temperature: r.Temperature},
		}}))
		Expect(store.SaveStatus("d1").LastSavedAt).NotTo(BeZero())
		Expect(testutil.ToFloat64(m.PersistTotal.WithLabelValues(metrics.PersistSuccess))).To(Equal(1.0))
	})

	It("should persist the same reading only once", func() {
		r := sample("d1", 1)
		Expect(gateway.Persist("d1", r)).To(Succeed())
		Expect(gateway.Persist("d1", r)).To(Succeed())

		Eventually(func() float64 {
			return testutil.ToFloat64(m.PersistTotal.WithLabelValues(metrics.PersistDuplicate))
		}).Should(Equal(1.0))
		Expect(saver.CallCount()).To(Equal(1))
	})

	It("should persist a changed reading after a duplicate", func() {
		Expect(gateway.Persist("d1", sample("d1", 1))).To(Succeed())
		Expect(gateway.Persist("d1", sample("d1", 1))).To(Succeed())
		Expect(gateway.Persist("d1", sample("d1", 2))).To(Succeed())

		Eventually(saver.CallCount).Should(Equal(2))
		Consistently(saver.CallCount).WithTimeout(100 * time.Millisecond).Should(Equal(2))
	})

	It("should refuse NaN values without calling storage", func() {
		r := reading.New("d1", time.Now(), 20, math.NaN(), 1)
		Expect(gateway.Persist("d1", r)).To(Succeed())

		Eventually(state("d1")).Should(Equal(monitor.SaveError))
		Expect(store.SaveStatus("d1").Error).To(ContainSubstring("invalid numeric value: ph"))
		Expect(saver.CallCount()).To(BeZero())
	})

	It("should record storage errors and retry the same reading later", func() {
		saver.SetResult(storage.SaveResult{}, errors.New("connection refused"))
		r := sample("d1", 1)
		Expect(gateway.Persist("d1", r)).To(Succeed())

		Eventually(state("d1")).Should(Equal(monitor.SaveError))
		Expect(store.SaveStatus("d1").Error).To(ContainSubstring("connection refused"))

		saver.SetResult(storage.SaveResult{Success: true, Code: http.StatusCreated}, nil)
		Expect(gateway.Persist("d1", r)).To(Succeed())

		Eventually(state("d1")).Should(Equal(monitor.SaveSuccess))
		Expect(saver.CallCount()).To(Equal(2))
	})

	It("should treat an unsuccessful result as a failure", func() {
		saver.SetResult(storage.SaveResult{Success: false, Code: http.StatusNotFound, Messages: []string{"device not registered"}}, nil)
		Expect(gateway.Persist("d1", sample("d1", 1))).To(Succeed())

		Eventually(state("d1")).Should(Equal(monitor.SaveError))
		Expect(store.SaveStatus("d1").Error).To(ContainSubstring("404"))
		Expect(store.SaveStatus("d1").Error).To(ContainSubstring("device not registered"))
	})

	It("should report saving while the call is in flight", func() {
		block := make(chan struct{})
		saver.SetBlock(block)
		Expect(gateway.Persist("d1", sample("d1", 1))).To(Succeed())

		Eventually(state("d1")).Should(Equal(monitor.SaveSaving))
		close(block)
		Eventually(state("d1")).Should(Equal(monitor.SaveSuccess))
	})

	It("should time out slow storage calls", func() {
		gateway = newGateway(50 * time.Millisecond)
		saver.SetBlock(make(chan struct{}))
		Expect(gateway.Persist("d1", sample("d1", 1))).To(Succeed())

		Eventually(state("d1")).Should(Equal(monitor.SaveError))
		Expect(store.SaveStatus("d1").Error).To(ContainSubstring("deadline exceeded"))
	})

	It("should isolate a panicking saver", func() {
		saver.SetPanic("boom")
		Expect(gateway.Persist("d1", sample("d1", 1))).To(Succeed())

		Eventually(state("d1")).Should(Equal(monitor.SaveError))
		Expect(store.SaveStatus("d1").Error).To(ContainSubstring("boom"))
	})

	It("should keep one save in flight per device while devices run concurrently", func() {
		block := make(chan struct{})
		saver.SetBlock(block)

		for i := range 5 {
			for _, code := range []string{"a", "b", "c"} {
				Expect(gateway.Persist(code, sample(code, i))).To(Succeed())
			}
		}

		Eventually(saver.TotalInFlight).Should(Equal(3))
		Consistently(saver.TotalInFlight).WithTimeout(100 * time.Millisecond).Should(Equal(3))
		Expect(gateway.Pending()).To(Equal(12))

		close(block)
		Eventually(saver.CallCount).Should(Equal(15))
		for _, code := range []string{"a", "b", "c"} {
			Expect(saver.MaxInFlight(code)).To(Equal(1))
		}
	})

	It("should save a device's readings in arrival order", func() {
		for i := range 20 {
			Expect(gateway.Persist("d1", sample("d1", i))).To(Succeed())
		}
		Eventually(saver.CallCount).Should(Equal(20))

		for i, call := range saver.Calls() {
			Expect(call.Payload.Turbidity).To(Equal(float64(i)), fmt.Sprintf("call %d", i))
		}
	})

	Describe("Close", func() {
		It("should drain queued readings", func() {
			for i := range 10 {
				Expect(gateway.Persist("d1", sample("d1", i))).To(Succeed())
			}
			Expect(gateway.Close(context.Background())).To(Succeed())
			Expect(saver.CallCount()).To(Equal(10))
		})

		It("should refuse readings afterwards", func() {
			Expect(gateway.Close(context.Background())).To(Succeed())
			Expect(gateway.Persist("d1", sample("d1", 1))).To(MatchError(monitor.ErrGatewayClosed))
		})

		It("should give up when the context ends", func() {
			saver.SetBlock(make(chan struct{}))
			Expect(gateway.Persist("d1", sample("d1", 1))).To(Succeed())
			Eventually(saver.CallCount).Should(Equal(1))

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			Expect(gateway.Close(ctx)).To(MatchError(context.DeadlineExceeded))

			Eventually(state("d1")).Should(Equal(monitor.SaveError))
		})
	})
})
