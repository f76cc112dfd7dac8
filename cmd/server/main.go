// Command server starts the LLM gateway HTTP server.
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

	"github.com/redis/go-redis/v9"

	httpserver "github.com/routellm/gateway/internal/adapter/httpserver"
	"github.com/routellm/gateway/internal/adapter/observability"
	"github.com/routellm/gateway/internal/adapter/provider"
	asynqadp "github.com/routellm/gateway/internal/adapter/queue/asynq"
	"github.com/routellm/gateway/internal/adapter/redisstore"
	"github.com/routellm/gateway/internal/adapter/repo/postgres"
	"github.com/routellm/gateway/internal/app"
	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/keypool"
	"github.com/routellm/gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool and Redis.
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
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

	// Repositories and Redis-backed stores.
	keyRepo := postgres.NewKeyRepo(pool)
	runRepo := postgres.NewRunRepo(pool)
	fileRepo := postgres.NewFileRepo(pool)
	cursor := redisstore.NewCursorStore(rdb)
	series := redisstore.NewTokenTimeSeries(rdb)

	// Queue producer (asynq).
	queue, err := asynqadp.New(cfg.RedisURL, cfg.ProviderTimeout())
	if err != nil {
		slog.Error("queue client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue client", slog.Any("error", err))
		}
	}()

	// Core services.
	pl := keypool.NewPool(keyRepo, cursor, cfg)
	registry := provider.NewRegistry(cfg)
	fileSvc := usecase.NewFileService(fileRepo, cfg)
	chatSvc := usecase.NewChatService(cfg, pl, registry, fileSvc, series)
	runSvc := usecase.NewRunService(runRepo, queue)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)

	srv := httpserver.NewServer(cfg, chatSvc, runSvc, fileSvc, series, keyRepo, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
