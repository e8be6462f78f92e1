package monitor_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/pkg/logger"
	"procodus.dev/water-monitor/pkg/metrics"
)

type activityLog struct {
	mu      sync.Mutex
	changes []bool
}

func (a *activityLog) record(_ string, active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changes = append(a.changes, active)
}

func (a *activityLog) get() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.changes...)
}

var _ = Describe("Watchdog", func() {
	const timeout = 300 * time.Millisecond

	var (
		store    *monitor.Store
		watchdog *monitor.Watchdog
		changes  *activityLog
		m        *metrics.MonitorMetrics
	)

	BeforeEach(func() {
		store = monitor.NewStore(10)
		changes = &activityLog{}
		m = metrics.NewMonitorMetrics(prometheus.NewRegistry(), "test")

		var err error
		watchdog, err = monitor.NewWatchdog(&monitor.WatchdogConfig{
			Logger:   logger.Discard(),
			Store:    store,
			Metrics:  m,
			Timeout:  timeout,
			OnChange: changes.record,
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { watchdog.Stop() })
	})

	Describe("NewWatchdog", func() {
		It("should validate its config", func() {
			_, err := monitor.NewWatchdog(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))

			_, err = monitor.NewWatchdog(&monitor.WatchdogConfig{Store: store})
			Expect(err).To(MatchError(ContainSubstring("logger")))

			_, err = monitor.NewWatchdog(&monitor.WatchdogConfig{Logger: logger.Discard()})
			Expect(err).To(MatchError(ContainSubstring("store")))
		})

		It("should default the timeout", func() {
			w, err := monitor.NewWatchdog(&monitor.WatchdogConfig{Logger: logger.Discard(), Store: monitor.NewStore(1)})
			Expect(err).NotTo(HaveOccurred())
			Expect(w.Timeout()).To(Equal(monitor.DefaultInactivityTimeout))
		})
	})

	It("should treat unseen devices as inactive", func() {
		Expect(watchdog.IsActive("d1")).To(BeFalse())
		Expect(watchdog.PendingTimers()).To(BeZero())
	})

	It("should go active on touch and inactive after the timeout", func() {
		watchdog.Touch("d1")
		Expect(watchdog.IsActive("d1")).To(BeTrue())
		Expect(watchdog.ActiveDevices()).To(Equal([]string{"d1"}))

		Eventually(func() bool { return watchdog.IsActive("d1") }).
			WithTimeout(2 * time.Second).Should(BeFalse())
		Expect(watchdog.PendingTimers()).To(BeZero())
		Eventually(changes.get).Should(Equal([]bool{true, false}))
		Expect(testutil.ToFloat64(m.ActiveDevices)).To(BeZero())
		Expect(testutil.ToFloat64(m.ActivityChanges.WithLabelValues("inactive"))).To(Equal(1.0))
	})

	It("should keep a single pending timer across rapid touches", func() {
		for range 50 {
			watchdog.Touch("d1")
			Expect(watchdog.PendingTimers()).To(Equal(1))
		}
		Expect(watchdog.IsActive("d1")).To(BeTrue())
		Expect(changes.get()).To(Equal([]bool{true}))
		Expect(testutil.ToFloat64(m.ActiveDevices)).To(Equal(1.0))
	})

	It("should fire only after the timeout following the last touch", func() {
		watchdog.Touch("d1")
		time.Sleep(timeout / 2)
		last := time.Now()
		watchdog.Touch("d1")

		Eventually(func() bool { return watchdog.IsActive("d1") }).
			WithTimeout(2 * time.Second).WithPolling(5 * time.Millisecond).Should(BeFalse())
		Expect(time.Since(last)).To(BeNumerically(">=", timeout))
	})

	It("should stay active when touched again just before the timeout", func() {
		watchdog.Touch("d1")
		Consistently(func() bool { return watchdog.IsActive("d1") }).
			WithTimeout(timeout - 100*time.Millisecond).Should(BeTrue())

		watchdog.Touch("d1")
		Consistently(func() bool { return watchdog.IsActive("d1") }).
			WithTimeout(timeout - 100*time.Millisecond).Should(BeTrue())

		Expect(changes.get()).To(Equal([]bool{true}))
	})

	It("should reactivate an inactive device", func() {
		watchdog.Touch("d1")
		Eventually(func() bool { return watchdog.IsActive("d1") }).
			WithTimeout(2 * time.Second).Should(BeFalse())

		watchdog.Touch("d1")
		Expect(watchdog.IsActive("d1")).To(BeTrue())
		Expect(changes.get()).To(Equal([]bool{true, false, true}))
	})

	It("should track devices independently", func() {
		watchdog.Touch("d1")
		time.Sleep(timeout / 2)
		watchdog.Touch("d2")

		Eventually(func() bool { return watchdog.IsActive("d1") }).
			WithTimeout(2 * time.Second).WithPolling(5 * time.Millisecond).Should(BeFalse())
		Expect(watchdog.IsActive("d2")).To(BeTrue())
	})

	Describe("Stop", func() {
		It("should cancel every live timer", func() {
			watchdog.Touch("d1")
			watchdog.Touch("d2")
			Expect(watchdog.PendingTimers()).To(Equal(2))

			Expect(watchdog.Stop()).To(Equal(2))
			Expect(watchdog.PendingTimers()).To(BeZero())

			Consistently(changes.get).WithTimeout(2 * timeout).Should(Equal([]bool{true, true}))
		})

		It("should ignore later touches", func() {
			watchdog.Stop()
			watchdog.Touch("d1")
			Expect(watchdog.PendingTimers()).To(BeZero())
			Expect(watchdog.IsActive("d1")).To(BeFalse())
		})
	})
})
