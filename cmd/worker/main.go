// Package main is the entrypoint for a per-device worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/droidqueue/internal/client"
	"github.com/kiranshivaraju/droidqueue/internal/config"
	"github.com/kiranshivaraju/droidqueue/internal/device"
	"github.com/kiranshivaraju/droidqueue/internal/pipeline"
	"github.com/kiranshivaraju/droidqueue/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "device", cfg.Device, "endpoint", cfg.API.BaseURL, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	actions := device.NewActions(device.NewADB(cfg.ADBPath), cfg.Device)
	executor := pipeline.NewExecutor(actions, pipeline.WithLogger(slog.Default().With("device", cfg.Device)))
	w := worker.New(cfg, client.New(cfg.API), executor)

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	slog.Info("worker stopped gracefully")
	return nil
}
