// Package main is the entrypoint for the orchestration endpoint.
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

	"github.com/kiranshivaraju/droidqueue/internal/api"
	"github.com/kiranshivaraju/droidqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/droidqueue/internal/api/middleware"
	"github.com/kiranshivaraju/droidqueue/internal/cache"
	"github.com/kiranshivaraju/droidqueue/internal/config"
	"github.com/kiranshivaraju/droidqueue/internal/device"
	"github.com/kiranshivaraju/droidqueue/internal/queue"
	"github.com/kiranshivaraju/droidqueue/internal/store"
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
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "driver", cfg.Database.Driver, "env", cfg.Env, "auth", cfg.TokenHash != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store (migrations are applied on open)
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	slog.Info("job store ready", "driver", cfg.Database.Driver)

	// 3. Redis is optional; without it rate limiting and the device cache are off
	var c cache.Cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		c = redisCache
	}

	router := newRouter(cfg, queue.NewService(st), c, device.NewADB(cfg.ADBPath))

	// 4. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
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

// newRouter wires every handler to svc. c may be nil.
func newRouter(cfg *config.ServerConfig, svc *queue.Service, c cache.Cache, devices handler.DeviceLister) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(cfg.TokenHash),
		RateLimit: mw.NewRateLimit(c, cfg.Redis.RequestsPerMinute),

		HealthHandler:   handler.NewHealthHandler(svc, c),
		EnqueueWarmup:   handler.NewEnqueueWarmupHandler(svc),
		EnqueuePipeline: handler.NewEnqueuePipelineHandler(svc),
		ListJobs:        handler.NewListJobsHandler(svc),
		ClaimJob:        handler.NewClaimHandler(svc),
		GetJob:          handler.NewGetJobHandler(svc),
		CompleteJob:     handler.NewCompleteHandler(svc),
		CancelJob:       handler.NewCancelHandler(svc),
		RetryJob:        handler.NewRetryHandler(svc),
		ReconcileJobs:   handler.NewReconcileHandler(svc),
		ListRuns:        handler.NewListRunsHandler(svc),
		ListDevices:     handler.NewDevicesHandler(devices, c),
		ConfigCycles:    handler.NewCyclesHandler(cfg.ScheduleFile),
		ConfigSchedules: handler.NewSchedulesHandler(cfg.ScheduleFile),
	})
}
