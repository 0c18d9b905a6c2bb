package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skypro1111/callstream-service/internal/batch"
	"github.com/skypro1111/callstream-service/internal/breaker"
	"github.com/skypro1111/callstream-service/internal/cluster"
	"github.com/skypro1111/callstream-service/internal/config"
	"github.com/skypro1111/callstream-service/internal/job"
	"github.com/skypro1111/callstream-service/internal/metrics"
	"github.com/skypro1111/callstream-service/internal/server"
	"github.com/skypro1111/callstream-service/internal/stream"
	"github.com/skypro1111/callstream-service/internal/transcription"
	"github.com/skypro1111/callstream-service/internal/worker"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "callstream-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Int("workers", cfg.Workers.Count),
		slog.Duration("idle_timeout", cfg.Stream.GetIdleTimeoutDuration()),
		slog.Int("max_pending_chunks", cfg.Stream.MaxPendingChunks),
		slog.Int("breaker_threshold", cfg.Breaker.Threshold),
		slog.Duration("breaker_reset_timeout", cfg.Breaker.GetResetTimeoutDuration()),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.Bool("redis_enabled", cfg.Redis.Enabled),
		slog.String("job_store", cfg.Jobs.Store),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	appMetrics := metrics.NewMetrics(nil)

	transcriber, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
		OutputFormat:  cfg.Transcription.OutputFormat,
		Model:         cfg.Transcription.Model,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workers := make([]worker.Worker, 0, cfg.Workers.Count)
	for i := 0; i < cfg.Workers.Count; i++ {
		w, err := worker.NewLocal(worker.LocalConfig{
			ID:                fmt.Sprintf("worker-%d", i+1),
			InboxSize:         cfg.Workers.InboxSize,
			DefaultSampleRate: cfg.Stream.DefaultSampleRate,
			DefaultLanguage:   cfg.Stream.DefaultLanguage,
			SegmentMin:        cfg.Workers.GetSegmentMinDuration(),
			SegmentMax:        cfg.Workers.GetSegmentMaxDuration(),
			MinSilence:        cfg.Workers.GetMinSilenceDuration(),
			VADThreshold:      cfg.Workers.VADThreshold,
			VADWindowSize:     cfg.Workers.VADWindowSize,
			SegmentTimeout:    cfg.Transcription.GetTimeoutDuration(),
		}, transcriber, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to create worker", slog.Int("index", i), slog.String("error", err.Error()))
			os.Exit(1)
		}
		workers = append(workers, w)
	}

	jobTimeouts := make(map[job.Operation]time.Duration)
	for name, d := range cfg.Workers.GetJobTimeouts() {
		op, err := job.ParseOperation(name)
		if err != nil {
			logger.Warn("Ignoring timeout for unknown operation", slog.String("operation", name))
			continue
		}
		jobTimeouts[op] = d
	}

	pool := worker.NewPool(workers, worker.PoolConfig{
		JobTimeouts:    jobTimeouts,
		DefaultTimeout: cfg.Workers.GetDefaultJobTimeoutDuration(),
		InitTimeout:    cfg.Workers.GetInitTimeoutDuration(),
	}, logger, appMetrics)

	// Redis is optional: it carries breaker broadcasts and, when selected,
	// job status records
	var (
		redisClient *redis.Client
		broadcaster *cluster.Broadcaster
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Error("Failed to connect to Redis",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()))
			os.Exit(1)
		}

		broadcaster = cluster.NewBroadcaster(redisClient, cfg.Redis.Channel, uuid.NewString(), logger)
		go func() {
			if err := broadcaster.Run(ctx); err != nil {
				logger.Error("Breaker broadcast subscription ended", slog.String("error", err.Error()))
			}
		}()
		logger.Info("Redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	newBreaker := func(name string) *breaker.Breaker {
		opts := []breaker.Option{
			breaker.WithListener(func(s breaker.Status) {
				appMetrics.SetBreakerState(s.Name, int(s.State))
			}),
		}
		if broadcaster != nil {
			publish := broadcaster.Listener()
			// Publishing waits on Redis and must not hold up the caller
			opts = append(opts, breaker.WithListener(func(s breaker.Status) { go publish(s) }))
		}
		b := breaker.New(breaker.Config{
			Name:         name,
			Threshold:    cfg.Breaker.Threshold,
			ResetTimeout: cfg.Breaker.GetResetTimeoutDuration(),
		}, logger, opts...)
		appMetrics.SetBreakerState(name, int(breaker.StateClosed))
		return b
	}
	streamBreaker := newBreaker("stream")
	jobsBreaker := newBreaker("jobs")

	var store job.Store
	switch cfg.Jobs.Store {
	case "redis":
		store = job.NewRedisStore(redisClient, cfg.Jobs.GetStatusTTLDuration())
	default:
		store = job.NewMemoryStore(cfg.Jobs.GetStatusTTLDuration())
	}

	jobs := batch.NewService(logger, jobsBreaker, pool, store, appMetrics)

	streamMgr := stream.NewManager(logger, stream.ManagerConfig{
		IdleTimeout:         cfg.Stream.GetIdleTimeoutDuration(),
		SweepInterval:       cfg.Stream.GetSweepIntervalDuration(),
		MaxPendingChunks:    cfg.Stream.MaxPendingChunks,
		ResumePendingChunks: cfg.Stream.ResumePendingChunks,
		OutboundQueue:       cfg.Stream.OutboundQueue,
		DefaultSampleRate:   cfg.Stream.DefaultSampleRate,
		DefaultLanguage:     cfg.Stream.DefaultLanguage,
	}, streamBreaker, pool, appMetrics)
	logger.Info("Stream manager initialized",
		slog.Duration("idle_timeout", cfg.Stream.GetIdleTimeoutDuration()),
		slog.Duration("sweep_interval", cfg.Stream.GetSweepIntervalDuration()),
	)

	httpServer := server.New(server.Dependencies{
		Config:        cfg,
		Sessions:      streamMgr,
		Jobs:          jobs,
		Breakers:      []*breaker.Breaker{streamBreaker, jobsBreaker},
		Pool:          pool,
		Transcription: transcriber,
		Cluster:       broadcaster,
		Metrics:       appMetrics,
	}, logger)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop accepting requests first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Close live streams, then drain jobs before the workers go away
	streamMgr.Stop()
	jobs.Stop()
	pool.Stop()

	cancel()
	if err := store.Close(); err != nil {
		logger.Error("Error closing job store", slog.String("error", err.Error()))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Error closing Redis client", slog.String("error", err.Error()))
		}
	}
	if err := transcriber.Close(); err != nil {
		logger.Error("Error closing transcription client", slog.String("error", err.Error()))
	}

	stats := transcriber.GetStats()
	logger.Info("Final transcription statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
