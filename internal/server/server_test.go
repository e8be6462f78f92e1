package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/water-monitor/internal/server"
	"procodus.dev/water-monitor/internal/storage"
	"procodus.dev/water-monitor/pkg/logger"
)

func sqliteConfig() *storage.Config {
	return &storage.Config{
		Driver: storage.DriverSQLite,
		Path:   "file:server_" + uuid.NewString() + "?mode=memory&cache=shared",
	}
}

var _ = Describe("Server", func() {
	Describe("New", func() {
		It("should return error when config is nil", func() {
			_, err := server.New(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should validate required fields", func() {
			_, err := server.New(&server.Config{Storage: sqliteConfig(), HTTPAddr: ":0"})
			Expect(err).To(MatchError(ContainSubstring("logger")))

			_, err = server.New(&server.Config{Logger: logger.Discard(), HTTPAddr: ":0"})
			Expect(err).To(MatchError(ContainSubstring("storage config")))

			_, err = server.New(&server.Config{Logger: logger.Discard(), Storage: sqliteConfig()})
			Expect(err).To(MatchError(ContainSubstring("HTTP address")))

			_, err = server.New(&server.Config{
				Logger: logger.Discard(), Storage: sqliteConfig(), HTTPAddr: ":0", RabbitMQURL: "amqp://x",
			})
			Expect(err).To(MatchError(ContainSubstring("queue name")))

			_, err = server.New(&server.Config{
				Logger: logger.Discard(), Storage: sqliteConfig(), HTTPAddr: ":0", InvalidValues: "drop",
			})
			Expect(err).To(MatchError(ContainSubstring("invalid value policy")))
		})
	})

	Describe("Run", func() {
		var (
			srv    *server.Server
			cancel context.CancelFunc
			done   chan error
		)

		BeforeEach(func() {
			var err error
			srv, err = server.New(&server.Config{
				Logger:       logger.Discard(),
				Storage:      sqliteConfig(),
				Registry:     prometheus.NewRegistry(),
				AutoRegister: true,
				HTTPAddr:     "127.0.0.1:0",
				GRPCAddr:     "127.0.0.1:0",
			})
			Expect(err).NotTo(HaveOccurred())

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan error, 1)
			go func() { done <- srv.Run(ctx) }()

			Eventually(srv.Ready(), 5*time.Second).Should(BeClosed())
			DeferCleanup(func() {
				cancel()
				Eventually(done, 10*time.Second).Should(Receive(BeNil()))
			})
		})

		url := func(path string) string {
			return "http://" + srv.HTTPAddr().String() + path
		}

		It("should serve health and metrics", func() {
			resp, err := http.Get(url("/health"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			mresp, err := http.Get(url("/metrics"))
			Expect(err).NotTo(HaveOccurred())
			defer mresp.Body.Close()
			body, err := io.ReadAll(mresp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("water_monitor_http_requests_total"))
		})

		It("should ingest, expose and persist readings", func() {
			event := `{"deviceCode":"d1","timestamp":"2024-01-01T12:00:00Z","phWater":7.2,"turbidityWater":3,"temperatureWater":21.5}`
			resp, err := http.Post(url("/api/events"), "application/json", strings.NewReader(event))
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			Expect(srv.Monitor().Query().IsDeviceActive("d1")).To(BeTrue())

			Eventually(func() int {
				r, err := http.Get(url("/api/devices/d1/readings"))
				if err != nil {
					return -1
				}
				defer r.Body.Close()
				var rows []storage.WaterReading
				if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
					return -1
				}
				return len(rows)
			}).Should(Equal(1))
		})

		It("should report SERVING over gRPC health", func() {
			conn, err := grpc.NewClient(srv.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			ctx, cancelCheck := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelCheck()
			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GetStatus()).To(Equal(healthpb.HealthCheckResponse_SERVING))
		})
	})

	It("should publish the monitor to concurrent readers once started", func() {
		srv, err := server.New(&server.Config{
			Logger:         logger.Discard(),
			Storage:        sqliteConfig(),
			Registry:       prometheus.NewRegistry(),
			HTTPAddr:       "127.0.0.1:0",
			AllowedOrigins: []string{"https://dashboard.example.com"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(srv.Monitor()).To(BeNil())

		stop := make(chan struct{})
		var seen atomic.Bool
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if srv.Monitor() != nil {
					seen.Store(true)
				}
				time.Sleep(time.Millisecond)
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		Eventually(srv.Ready(), 5*time.Second).Should(BeClosed())
		Expect(srv.Monitor()).NotTo(BeNil())
		Eventually(seen.Load).Should(BeTrue())

		close(stop)
		Eventually(readerDone).Should(BeClosed())
		cancel()
		Eventually(done, 10*time.Second).Should(Receive(BeNil()))
	})

	It("should fail to start with a bad storage driver", func() {
		srv, err := server.New(&server.Config{
			Logger:   logger.Discard(),
			Storage:  &storage.Config{Driver: "oracle"},
			Registry: prometheus.NewRegistry(),
			HTTPAddr: "127.0.0.1:0",
		})
		Expect(err).NotTo(HaveOccurred())

		err = srv.Run(context.Background())
		Expect(err).To(MatchError(ContainSubstring("failed to initialize database")))
		Expect(srv.Ready()).NotTo(BeClosed())
	})
})
