package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/audit"
	gwmw "github.com/Adithya-Monish-Kumar-K/pipelines/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/gateway/router"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/opensearch"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/resilience"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
			return serve(cfg)
		},
	}
}

// serve connects the backing services, wires the gateway and runs the HTTP
// server until SIGINT/SIGTERM.
func serve(cfg *config.Config) error {
	slog.Info("starting pipelines gateway",
		"version", version,
		"port", cfg.Server.Port,
		"store", cfg.Store.URL(),
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.NewRegistry())
		shutdownMetrics := m.StartServer(cfg.Metrics.Port)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(ctx)
		}()
	}

	store := opensearch.New(cfg.Store)
	checker := health.NewChecker()
	checker.Register("store", health.PingCheck(store.Ping, true))

	var rdb *redis.Client
	if cfg.RateLimit.Enabled && cfg.RateLimit.Backend == "redis" {
		c, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer c.Close()
		rdb = c
		checker.Register("redis", health.PingCheck(rdb.Ping, true))
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		l, err := ratelimit.New(cfg.RateLimit, rdb)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		if mem, ok := l.(*ratelimit.Memory); ok {
			defer mem.Close()
		}
		limiter = l
		slog.Info("rate limiting enabled",
			"backend", cfg.RateLimit.Backend,
			"limit", cfg.RateLimit.Limit,
			"window", cfg.RateLimit.Window,
			"scope", cfg.RateLimit.Scope,
		)
	}

	pubOpts := publisher.Options{
		Concurrency: cfg.Fanout.Concurrency,
		Timeout:     cfg.Store.Timeout,
		Metrics:     m,
	}
	if cfg.Store.CircuitBreaker.Enabled {
		pubOpts.Breaker = resilience.NewCircuitBreaker("opensearch", resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Store.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Store.CircuitBreaker.ResetTimeout,
			IsFailure:        func(err error) bool { return !opensearch.IsClientError(err) },
			OnStateChange: func(name string, to resilience.State) {
				if m != nil {
					m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				}
			},
		})
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		pubOpts.Notifier = producer
		slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.DocumentChanges)
	}

	hOpts := handler.Options{
		Upload:  cfg.Upload,
		Tracing: cfg.Tracing.Enabled,
	}
	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer db.Close()
		rec := audit.NewRecorder(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = rec.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return err
		}
		hOpts.Auditor = rec
		checker.Register("postgres", health.PingCheck(db.Ping, false))
		slog.Info("connected to postgres", "database", cfg.Postgres.Database)
	}

	h := handler.New(publisher.New(store, pubOpts), hOpts)
	routes := router.New(h, checker, router.Options{
		Limiter:        limiter,
		LimitKey:       gwmw.KeyFor(cfg.RateLimit),
		Metrics:        m,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      routes,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("pipelines gateway listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	<-drained
	slog.Info("pipelines gateway stopped")
	return nil
}
