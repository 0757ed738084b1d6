package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sreeram77/energy-core/internal/devicetree"
	"github.com/sreeram77/energy-core/internal/pipeline"
	"github.com/sreeram77/energy-core/internal/storage"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

// Service is the pipeline surface served over HTTP
type Service interface {
	RegisterDevice(parentID string, device devicetree.Device) (*devicetree.Node, error)
	RemoveDevice(deviceID string) error
	Teardown(deviceID string) error
	ProcessReading(ctx context.Context, deviceID string, reading telemetry.Reading) (telemetry.DerivedState, error)
	GetDerivedState(deviceID string) (telemetry.DerivedState, bool)
	Status(deviceID string) (pipeline.Status, bool)
	Readings(deviceID string) ([]telemetry.Reading, error)
	Devices() []pipeline.DeviceInfo
	Ready() bool
	Subscribe(ctx context.Context) <-chan pipeline.Update
}

// Config holds HTTP server configuration
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Server represents the API server
type Server struct {
	router     *gin.Engine
	logger     zerolog.Logger
	config     Config
	httpServer *http.Server
	service    Service
	snapshots  storage.SnapshotStore
	hub        *Hub
}

// NewServer creates a new API server instance. snapshots may be nil; gatherer
// and registerer default to the prometheus globals.
func NewServer(logger zerolog.Logger, cfg Config, service Service, snapshots storage.SnapshotStore,
	gatherer prometheus.Gatherer, registerer prometheus.Registerer) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	logger = logger.With().Str("component", "api").Logger()
	srv := &Server{
		logger:    logger,
		config:    cfg,
		service:   service,
		snapshots: snapshots,
		hub:       NewHub(logger),
	}

	// Configure Gin
	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv.router = gin.New()
	srv.router.Use(
		gin.Recovery(),
		requestLogger(logger),
		newHTTPMetrics(registerer).middleware(),
	)

	srv.registerRoutes(gatherer)

	srv.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP and streams updates to websocket clients until ctx is done,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting API server")

	go s.hub.Run(ctx)
	go s.streamUpdates(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during server shutdown")
		return err
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// streamUpdates relays pipeline updates to the websocket hub
func (s *Server) streamUpdates(ctx context.Context) {
	for u := range s.service.Subscribe(ctx) {
		s.hub.Broadcast(u.DeviceID, newUpdateMessage(u))
	}
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.router.GET("/ws", s.serveWebsocket)

	v1 := s.router.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.POST("", s.registerDevice)
			devices.GET("/:id", s.getDevice)
			devices.DELETE("/:id", s.removeDevice)
			devices.POST("/:id/readings", s.postReading)
			devices.GET("/:id/readings", s.getReadings)
			devices.GET("/:id/state", s.getState)
			devices.POST("/:id/teardown", s.teardownDevice)
		}

		v1.GET("/snapshots", s.listSnapshots)
		v1.GET("/snapshots/:id", s.getSnapshot)
	}
}

// healthCheck reports 503 until the model runtime is ready
func (s *Server) healthCheck(c *gin.Context) {
	if !s.service.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "starting",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// requestLogger is a middleware that logs HTTP requests
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		event := logger.Debug()
		if statusCode >= 500 {
			event = logger.Error().Str("error", c.Errors.ByType(gin.ErrorTypePrivate).String())
		} else if statusCode >= 400 {
			event = logger.Warn()
		}

		event = event.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Str("ip", c.ClientIP()).
			Dur("latency", latency)

		if query != "" {
			event = event.Str("query", query)
		}

		event.Msg("Request processed")
	}
}

// httpMetrics holds the prometheus collectors for HTTP traffic
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

func newHTTPMetrics(registerer prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_active",
				Help: "Number of in-flight HTTP requests",
			},
		),
	}

	m.requests = registerOrExisting(registerer, m.requests)
	m.duration = registerOrExisting(registerer, m.duration)
	m.active = registerOrExisting(registerer, m.active)
	return m
}

// registerOrExisting registers c, reusing an identical collector that is
// already registered.
func registerOrExisting[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *httpMetrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.active.Inc()

		c.Next()

		m.active.Dec()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(c.Request.Method, route, http.StatusText(c.Writer.Status())).Inc()
	}
}
