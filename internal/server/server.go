package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/skypro1111/callstream-service/internal/batch"
	"github.com/skypro1111/callstream-service/internal/breaker"
	"github.com/skypro1111/callstream-service/internal/cluster"
	"github.com/skypro1111/callstream-service/internal/config"
	"github.com/skypro1111/callstream-service/internal/metrics"
	"github.com/skypro1111/callstream-service/internal/stream"
	"github.com/skypro1111/callstream-service/internal/transcription"
)

const (
	serviceName    = "callstream-service"
	serviceVersion = "1.0.0"
)

// PoolInfo is the part of the worker pool the health endpoint reports on
type PoolInfo interface {
	Size() int
	Pending() int
}

// StatsSource reports transcription client statistics
type StatsSource interface {
	GetStats() transcription.ClientStats
}

// Dependencies aggregates the components the HTTP server exposes
type Dependencies struct {
	Config        *config.Config
	Sessions      *stream.Manager
	Jobs          *batch.Service
	Breakers      []*breaker.Breaker
	Pool          PoolInfo
	Transcription StatsSource
	Cluster       *cluster.Broadcaster
	Metrics       *metrics.Metrics
	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
}

// Server serves the audio stream endpoint, job endpoints and the admin API
type Server struct {
	server   *http.Server
	engine   *gin.Engine
	logger   *slog.Logger
	config   *config.Config
	deps     Dependencies
	upgrader websocket.Upgrader

	admissions *rate.Limiter
	uploads    *rate.Limiter

	startTime time.Time
}

// New builds the gin engine and the underlying http.Server
func New(deps Dependencies, logger *slog.Logger) *Server {
	cfg := deps.Config

	s := &Server{
		logger: logger,
		config: cfg,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
	}

	if cfg.Stream.AdmissionRate > 0 {
		s.admissions = rate.NewLimiter(rate.Limit(cfg.Stream.AdmissionRate), max(cfg.Stream.AdmissionBurst, 1))
	}
	if cfg.Jobs.RatePerSecond > 0 {
		s.uploads = rate.NewLimiter(rate.Limit(cfg.Jobs.RatePerSecond), max(cfg.Jobs.Burst, 1))
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	s.engine = engine
	s.setupRoutes(engine)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:     engine,
		ReadTimeout: cfg.HTTP.GetReadTimeoutDuration(),
		// WriteTimeout would cut long-lived stream connections; stream
		// writes carry their own deadline
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.withMetrics("/health"), s.handleHealth)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	router.GET("/stream", s.withMetrics("/stream"), s.handleStream)

	jobs := router.Group("/jobs")
	{
		jobs.POST("", s.withMetrics("/jobs"), s.handleSubmitJob)
		jobs.GET("/:id", s.withMetrics("/jobs/:id"), s.handleJobStatus)
	}

	admin := router.Group("/admin")
	admin.Use(requireToken(s.config.Admin.Token))
	{
		admin.GET("/sessions", s.withMetrics("/admin/sessions"), s.handleListSessions)
		admin.GET("/sessions/:id", s.withMetrics("/admin/sessions/:id"), s.handleSessionDetail)
		admin.GET("/circuit-breaker", s.withMetrics("/admin/circuit-breaker"), s.handleBreakerStatus)
		admin.POST("/circuit-breaker/reset", s.withMetrics("/admin/circuit-breaker/reset"), s.handleBreakerReset)
		admin.GET("/cluster", s.withMetrics("/admin/cluster"), s.handleClusterEvents)
	}
}

// withMetrics records request counts, latency and error classes per route
func (s *Server) withMetrics(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		if s.deps.Metrics == nil {
			return
		}

		status := c.Writer.Status()
		duration := time.Since(startTime).Seconds()
		s.deps.Metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), duration)

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			s.deps.Metrics.RecordHTTPError(c.Request.Method, endpoint, errorType)
		}
	}
}

// Start starts serving in the background
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server. Hijacked stream connections are
// not tracked by http.Server and are closed through the stream manager.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	components := gin.H{
		"stream_manager": gin.H{
			"status":          "running",
			"active_sessions": s.deps.Sessions.Count(),
		},
	}

	status := "healthy"

	if s.deps.Pool != nil {
		workers := s.deps.Pool.Size()
		workerStatus := "running"
		if workers == 0 {
			workerStatus = "unavailable"
			status = "unhealthy"
		}
		components["workers"] = gin.H{
			"status":       workerStatus,
			"count":        workers,
			"pending_jobs": s.deps.Pool.Pending(),
		}
	}

	breakers := make(gin.H, len(s.deps.Breakers))
	for _, b := range s.deps.Breakers {
		st := b.Status()
		if st.State != breaker.StateClosed && status == "healthy" {
			status = "degraded"
		}
		breakers[st.Name] = st
	}
	components["circuit_breakers"] = breakers

	if s.deps.Transcription != nil {
		stats := s.deps.Transcription.GetStats()
		components["transcription"] = gin.H{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": gin.H{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}
