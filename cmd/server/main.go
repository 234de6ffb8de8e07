// Package main is the entrypoint for the Maestro API server.
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

	"github.com/harmonia/maestro/internal/api"
	"github.com/harmonia/maestro/internal/api/handler"
	mw "github.com/harmonia/maestro/internal/api/middleware"
	"github.com/harmonia/maestro/internal/api/response"
	"github.com/harmonia/maestro/internal/cache"
	"github.com/harmonia/maestro/internal/config"
	"github.com/harmonia/maestro/internal/downstream"
	"github.com/harmonia/maestro/internal/job"
	"github.com/harmonia/maestro/internal/notify"
	"github.com/harmonia/maestro/internal/queue"
	"github.com/harmonia/maestro/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "stream", cfg.Queue.Stream)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis components: snapshot cache, stream queue, event notifier
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	streamQueue, err := queue.NewStreams(cfg.Redis.URL, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		return fmt.Errorf("create stream queue: %w", err)
	}
	defer streamQueue.Close()
	if err := streamQueue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	notifier, err := notify.NewRedisNotifier(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	defer notifier.Close()

	// 5. Store, engine clients, and the job service
	pgStore := store.NewPostgresStore(pool)
	engines := downstream.NewRegistry(cfg.Engines)
	jobs := job.NewService(pgStore, streamQueue, notifier, redisCache, engines, cfg.Server.MaxPayloadBytes)

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin)

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache, streamQueue),

		SubmitJobHandler: handler.NewSubmitJobHandler(jobs, int64(cfg.Server.MaxPayloadBytes)),
		GetJobHandler:    handler.NewGetJobHandler(jobs),
		CancelJobHandler: handler.NewCancelJobHandler(jobs),
		JobEventsHandler: handler.NewJobEventsHandler(jobs, notifier),

		ReportHandler: handler.NewReportHandler(jobs),

		ListDeadLettersHandler: handler.NewListDeadLettersHandler(pgStore),
		ResubmitHandler:        handler.NewResubmitDeadLetterHandler(jobs),
		CreateCredential:       handler.NewCreateCredentialHandler(pgStore),
		ListCredentials:        handler.NewListCredentialsHandler(pgStore),
		RevokeCredential:       handler.NewRevokeCredentialHandler(pgStore),
	})

	// 7. Start HTTP server. WriteTimeout is zero because the event stream
	// endpoint holds connections open; per-handler deadlines cover the rest.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache, and queue connectivity.
func healthHandler(s store.Store, c cache.Cache, q queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"queue":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := q.Ping(r.Context()); err != nil {
			checks["queue"] = "degraded"
		}

		for _, state := range checks {
			if state != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
