// Package main is the entrypoint for the scheduler process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/droidqueue/internal/client"
	"github.com/kiranshivaraju/droidqueue/internal/config"
	"github.com/kiranshivaraju/droidqueue/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("scheduler failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadScheduler()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	file, err := scheduler.LoadFile(cfg.ScheduleFile)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	slog.Info("config loaded",
		"schedule_file", cfg.ScheduleFile,
		"schedules", len(file.Schedules),
		"cycles", len(file.Cycles),
		"timezone", cfg.Location.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := scheduler.New(file, client.New(cfg.API), cfg.Location)
	if s.Register() == 0 {
		return errors.New("no schedule could be registered")
	}

	s.Start(ctx)
	for _, e := range s.Entries() {
		slog.Info("timer registered", "schedule", e.Schedule, "spec", e.Spec, "next", e.Next)
	}
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping timers...")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Stop(stopCtx)
	return nil
}
