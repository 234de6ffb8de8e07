// Package main is the entrypoint for the Maestro dispatcher, the worker
// process that moves queued jobs to generation engines. It shares no state
// with the API server beyond Postgres and Redis, so any number of dispatcher
// instances can run side by side.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/internal/cache"
	"github.com/harmonia/maestro/internal/config"
	"github.com/harmonia/maestro/internal/dispatch"
	"github.com/harmonia/maestro/internal/downstream"
	"github.com/harmonia/maestro/internal/job"
	"github.com/harmonia/maestro/internal/notify"
	"github.com/harmonia/maestro/internal/queue"
	"github.com/harmonia/maestro/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("dispatcher failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	instance := instanceName()
	slog.Info("config loaded", "instance", instance, "stream", cfg.Queue.Stream, "group", cfg.Queue.Group)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// migrations belong to the server process; the dispatcher only verifies
	// it can reach a migrated database
	pgStore := store.NewPostgresStore(pool)
	if err := pgStore.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	streamQueue, err := queue.NewStreams(cfg.Redis.URL, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		return fmt.Errorf("create stream queue: %w", err)
	}
	defer streamQueue.Close()
	if err := streamQueue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	slog.Info("redis connected")

	notifier, err := notify.NewRedisNotifier(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	defer notifier.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	engines := downstream.NewRegistry(cfg.Engines)
	jobs := job.NewService(pgStore, streamQueue, notifier, redisCache, engines, cfg.Server.MaxPayloadBytes)

	callbackURL := strings.TrimSuffix(cfg.Server.CallbackBaseURL, "/") + "/v1/jobs/report"
	workers := dispatch.NewPool(jobs, pgStore, streamQueue, engines, notifier, cfg.Dispatch, instance, callbackURL)

	// Run blocks until the signal context is cancelled and every worker has
	// drained its in-flight entry.
	if err := workers.Run(ctx); err != nil {
		return fmt.Errorf("dispatch pool: %w", err)
	}
	return nil
}

// instanceName builds a consumer-name prefix unique to this process, so the
// consumer group can tell dispatcher instances apart.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dispatcher"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
