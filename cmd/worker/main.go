// Command worker consumes run-processing tasks from the asynq queue and
// executes them against the upstream providers.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/routellm/gateway/internal/adapter/observability"
	"github.com/routellm/gateway/internal/adapter/provider"
	asynqadp "github.com/routellm/gateway/internal/adapter/queue/asynq"
	"github.com/routellm/gateway/internal/adapter/redisstore"
	"github.com/routellm/gateway/internal/adapter/repo/postgres"
	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/keypool"
	"github.com/routellm/gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Worker process exposes its own /metrics endpoint for scraping.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()

	keyRepo := postgres.NewKeyRepo(pool)
	runRepo := postgres.NewRunRepo(pool)
	fileRepo := postgres.NewFileRepo(pool)
	cursor := redisstore.NewCursorStore(rdb)
	series := redisstore.NewTokenTimeSeries(rdb)

	// Producer used for re-enqueueing retry attempts from within the worker.
	queue, err := asynqadp.New(cfg.RedisURL, cfg.ProviderTimeout())
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	pl := keypool.NewPool(keyRepo, cursor, cfg)
	registry := provider.NewRegistry(cfg)
	fileSvc := usecase.NewFileService(fileRepo, cfg)
	processor := usecase.NewRunProcessor(cfg, runRepo, queue, pl, registry, fileSvc, series)

	worker, err := asynqadp.NewWorker(cfg.RedisURL, cfg.WorkerConcurrency, processor)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := worker.Start(ctx); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("worker started, waiting for shutdown signal",
		slog.Int("concurrency", cfg.WorkerConcurrency))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	worker.Stop()
	slog.Info("worker stopped")
}
