// Package server assembles the water-monitor service: storage, the monitoring
// pipeline, the RabbitMQ and MQTT transports, the HTTP API, the gRPC health
// service and the optional redis cache.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"gorm.io/gorm"

	"procodus.dev/water-monitor/internal/cache"
	"procodus.dev/water-monitor/internal/httpapi"
	"procodus.dev/water-monitor/internal/ingest"
	"procodus.dev/water-monitor/internal/monitor"
	"procodus.dev/water-monitor/internal/reading"
	"procodus.dev/water-monitor/internal/storage"
	"procodus.dev/water-monitor/pkg/metrics"
	"procodus.dev/water-monitor/pkg/mq"
)

// ServiceName is the gRPC health service name of the server.
const ServiceName = "water-monitor"

// Config holds the configuration for the Server.
type Config struct {
	Logger  *slog.Logger
	Storage *storage.Config
	// Registry receives the service metrics and is served on /metrics.
	// metrics.Registry is used when nil.
	Registry *prometheus.Registry

	// Pipeline configuration
	LabelLocation     *time.Location
	LabelLayout       string
	InvalidValues     reading.InvalidValuePolicy
	HistoryLimit      int
	InactivityTimeout time.Duration
	SaveTimeout       time.Duration
	AutoRegister      bool

	// RabbitMQ configuration. The consumer is disabled when RabbitMQURL is empty.
	RabbitMQURL string
	QueueName   string

	// MQTT configuration. The subscriber is disabled when MQTTBroker is empty.
	MQTTBroker string
	MQTTTopic  string

	// Redis configuration. The cache is disabled when RedisAddr is empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// HTTPAddr is the listen address of the HTTP API, e.g. ":8080".
	HTTPAddr string
	// AllowedOrigins lists cross-origin pages allowed to open the websocket
	// endpoints. Same-origin and Origin-less clients are always accepted.
	AllowedOrigins []string
	// GRPCAddr is the listen address of the gRPC health service. Disabled
	// when empty.
	GRPCAddr string

	ShutdownTimeout time.Duration
}

// Server runs the service until it is signalled or its context ends.
type Server struct {
	logger     *slog.Logger
	config     *Config
	db         *gorm.DB
	monitor    *monitor.Monitor
	consumer   *ingest.AMQPConsumer
	subscriber *ingest.MQTTSubscriber
	rdb        *redis.Client
	cache      *cache.LastReadingCache
	hub        *httpapi.Hub
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	ready      chan struct{}
	httpAddr   net.Addr
	grpcAddr   net.Addr
	// mu guards monitor and the bound addresses.
	mu         sync.RWMutex
	shutdown   sync.Once
	shutErr    error
}

// New creates a new Server instance.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Storage == nil {
		return nil, errors.New("storage config cannot be nil")
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("HTTP address cannot be empty")
	}

	if cfg.RabbitMQURL != "" && cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if _, err := reading.ParsePolicy(string(cfg.InvalidValues)); err != nil {
		return nil, err
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once every component has started.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// HTTPAddr returns the bound HTTP address, or nil before Ready.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil when gRPC is disabled or
// before Ready.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grpcAddr
}

// Monitor returns the pipeline, or nil until Run has created it.
func (s *Server) Monitor() *monitor.Monitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitor
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting water-monitor server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	serveErr := make(chan error, 2)
	if err := s.start(ctx, serveErr); err != nil {
		if shutErr := s.Shutdown(); shutErr != nil {
			return fmt.Errorf("%w; shutdown error: %w", err, shutErr)
		}
		return err
	}

	close(s.ready)
	s.logger.Info("water-monitor server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("server error", "error", err)
		cancel()
		if shutErr := s.Shutdown(); shutErr != nil {
			return fmt.Errorf("%w; shutdown error: %w", err, shutErr)
		}
		return err
	}

	return s.Shutdown()
}

func (s *Server) start(ctx context.Context, serveErr chan<- error) error {
	reg := s.config.Registry
	var metricsHandler http.Handler
	if reg == nil {
		reg = metrics.Registry
		metricsHandler = metrics.Handler()
	} else {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	}

	storageCfg := *s.config.Storage
	storageCfg.Logger = s.logger
	db, err := storage.Open(&storageCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db
	s.logger.Info("database initialized successfully")

	repo, err := storage.NewRepository(&storage.RepositoryConfig{
		Logger:       s.logger,
		DB:           db,
		AutoRegister: s.config.AutoRegister,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	mon, err := monitor.New(&monitor.Config{
		Logger:            s.logger.With("component", "monitor"),
		Saver:             repo,
		Metrics:           metrics.NewMonitorMetrics(reg, metrics.Namespace),
		LabelLocation:     s.config.LabelLocation,
		LabelLayout:       s.config.LabelLayout,
		InvalidValues:     s.config.InvalidValues,
		HistoryLimit:      s.config.HistoryLimit,
		InactivityTimeout: s.config.InactivityTimeout,
		SaveTimeout:       s.config.SaveTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}
	s.mu.Lock()
	s.monitor = mon
	s.mu.Unlock()

	if err := s.startCache(ctx); err != nil {
		return err
	}

	httpMetrics := metrics.NewHTTPMetrics(reg, metrics.Namespace)
	s.hub, err = httpapi.NewHub(&httpapi.HubConfig{
		Logger:         s.logger,
		Metrics:        httpMetrics,
		AllowedOrigins: s.config.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize live hub: %w", err)
	}
	s.monitor.Subscribe(s.hub.Listener())

	api, err := httpapi.New(&httpapi.Config{
		Logger:         s.logger,
		Query:          s.monitor.Query(),
		Sink:           s.monitor,
		Registry:       repo,
		Hub:            s.hub,
		Metrics:        httpMetrics,
		MetricsHandler: metricsHandler,
		HealthCheck:    s.checkHealth,
		AllowedOrigins: s.config.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP API: %w", err)
	}

	if err := s.startHTTP(api.Routes(), serveErr); err != nil {
		return err
	}

	if err := s.startGRPC(serveErr); err != nil {
		return err
	}

	mqMetrics := metrics.NewMQMetrics(reg, metrics.Namespace)
	if err := s.startAMQP(ctx, mqMetrics); err != nil {
		return err
	}

	if err := s.startMQTT(ctx); err != nil {
		return err
	}

	if s.health != nil {
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	return nil
}

func (s *Server) startCache(ctx context.Context) error {
	if s.config.RedisAddr == "" {
		return nil
	}

	s.rdb = redis.NewClient(&redis.Options{
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
	})

	c, err := cache.New(&cache.Config{Logger: s.logger, Client: s.rdb, TTL: s.config.CacheTTL})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		return err
	}

	s.cache = c
	s.cache.Start()
	s.monitor.Subscribe(s.cache.Listener())
	s.logger.Info("redis cache enabled", "address", s.config.RedisAddr)
	return nil
}

func (s *Server) startHTTP(handler http.Handler, serveErr chan<- error) error {
	lis, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.mu.Lock()
	s.httpAddr = lis.Addr()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "address", lis.Addr().String())
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	return nil
}

func (s *Server) startGRPC(serveErr chan<- error) error {
	if s.config.GRPCAddr == "" {
		return nil
	}

	lis, err := net.Listen("tcp", s.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddr, err)
	}

	s.grpcServer = grpc.NewServer()
	s.health = health.NewServer()
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.mu.Lock()
	s.grpcAddr = lis.Addr()
	s.mu.Unlock()

	s.logger.Info("starting gRPC server", "address", lis.Addr().String())
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	return nil
}

func (s *Server) startAMQP(ctx context.Context, m *metrics.MQMetrics) error {
	if s.config.RabbitMQURL == "" {
		return nil
	}

	client, err := mq.New(&mq.Config{
		Logger:    s.logger.With("component", "mq-client"),
		Metrics:   m,
		URL:       s.config.RabbitMQURL,
		QueueName: s.config.QueueName,
	})
	if err != nil {
		return fmt.Errorf("failed to create mq client: %w", err)
	}

	s.consumer, err = ingest.NewAMQPConsumer(&ingest.AMQPConsumerConfig{
		Logger:  s.logger,
		Client:  client,
		Sink:    s.monitor,
		Metrics: m,
	})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	return nil
}

func (s *Server) startMQTT(ctx context.Context) error {
	if s.config.MQTTBroker == "" {
		return nil
	}

	sub, err := ingest.NewMQTTSubscriber(&ingest.MQTTConfig{
		Logger: s.logger,
		Sink:   s.monitor,
		Broker: s.config.MQTTBroker,
		Topic:  s.config.MQTTTopic,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mqtt subscriber: %w", err)
	}
	s.subscriber = sub

	if err := sub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mqtt subscriber: %w", err)
	}
	return nil
}

func (s *Server) checkHealth(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Shutdown stops the transports first so no new events arrive, then drains
// the pipeline and closes the outer surfaces and storage. It is safe to call
// more than once.
func (s *Server) Shutdown() error {
	s.shutdown.Do(func() { s.shutErr = s.doShutdown() })
	return s.shutErr
}

func (s *Server) doShutdown() error {
	s.logger.Info("shutting down water-monitor server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	record := func(what string, err error) {
		s.logger.Error("shutdown step failed", "component", what, "error", err)
		if shutdownErr != nil {
			shutdownErr = fmt.Errorf("%w; %s: %w", shutdownErr, what, err)
		} else {
			shutdownErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	if s.health != nil {
		s.health.Shutdown()
	}

	if s.subscriber != nil {
		s.subscriber.Stop()
	}

	if s.consumer != nil {
		s.logger.Info("stopping consumer")
		if err := s.consumer.Stop(); err != nil {
			record("consumer", err)
		}
	}

	if s.hub != nil {
		s.hub.Close()
	}

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			record("http server", err)
		}
	}

	if m := s.Monitor(); m != nil {
		if err := m.Shutdown(ctx); err != nil {
			record("monitor", err)
		}
	}

	if s.cache != nil {
		if err := s.cache.Close(ctx); err != nil {
			record("cache", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			record("redis", err)
		}
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := storage.Close(s.db, s.logger); err != nil {
			record("database", err)
		}
	}

	if shutdownErr != nil {
		s.logger.Error("server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("server shutdown completed successfully")
	return nil
}
