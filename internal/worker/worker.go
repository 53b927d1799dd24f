// Package worker implements the per-device loop that claims jobs from the
// queue, runs them, and reports their outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/kiranshivaraju/droidqueue/internal/config"
	"github.com/kiranshivaraju/droidqueue/internal/pipeline"
	"github.com/kiranshivaraju/droidqueue/internal/queue"
	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

// completeAttempts bounds how often a completion report is retried before
// the job is left for reconciliation.
const completeAttempts = 5

// Queue is the subset of queue operations a worker needs. It is satisfied
// both by queue.Service and by the HTTP client.
type Queue interface {
	Claim(ctx context.Context, device string) (*models.Job, error)
	Get(ctx context.Context, id int64) (*models.Job, error)
	Complete(ctx context.Context, id int64, ok bool) (*models.Job, error)
	Reconcile(ctx context.Context, device string) (int, error)
}

// Runner executes job payloads. *pipeline.Executor satisfies it.
type Runner interface {
	Warmup(ctx context.Context, p models.WarmupPayload, cont pipeline.Continue) bool
	Run(ctx context.Context, p models.PipelinePayload, cont pipeline.Continue) bool
}

// Worker drives a single device.
type Worker struct {
	cfg    *config.WorkerConfig
	queue  Queue
	runner Runner
	logger *slog.Logger
}

// New creates a Worker for cfg.Device.
func New(cfg *config.WorkerConfig, q Queue, r Runner) *Worker {
	return &Worker{
		cfg:    cfg,
		queue:  q,
		runner: r,
		logger: slog.Default().With("device", cfg.Device),
	}
}

// Run loops until ctx is cancelled. Store errors are logged and retried
// after the configured backoff; a failing job never stops the loop.
//
// The device is reconciled on start and again after every failed claim: a
// claim whose response was lost may have left a job running that this
// worker never received, and it would block every later claim.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"cancel_check_interval", w.cfg.CancelCheckInterval,
	)

	reconcile := true
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		if reconcile {
			if !w.reconcile(ctx) {
				sleep(ctx, w.cfg.ErrorBackoff)
				continue
			}
			reconcile = false
		}

		job, err := w.queue.Claim(ctx, w.cfg.Device)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("claim failed", "error", err)
			reconcile = true
			sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}
		if job == nil {
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		ok := w.execute(ctx, job)
		w.complete(ctx, job.ID, ok)
	}
}

// reconcile fails the device's running jobs. It reports false if the
// request itself failed.
func (w *Worker) reconcile(ctx context.Context) bool {
	n, err := w.queue.Reconcile(ctx, w.cfg.Device)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("reconcile failed", "error", err)
		}
		return false
	}
	if n > 0 {
		w.logger.Warn("failed jobs left running without a worker", "count", n)
	}
	return true
}

// execute runs job and reports whether it succeeded. Panics are recovered
// and count as failure.
func (w *Worker) execute(ctx context.Context, job *models.Job) (ok bool) {
	log := w.logger.With("job_id", job.ID, "kind", job.Kind)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", fmt.Sprint(r))
			ok = false
		}
		log.Info("job finished", "ok", ok, "duration_ms", time.Since(start).Milliseconds())
	}()

	log.Info("job started")
	cont := w.predicate(ctx, job.ID)

	switch job.Kind {
	case models.JobKindWarmup:
		p, err := models.DecodeWarmup(job.Payload)
		if err != nil {
			log.Error("bad warmup payload", "error", err)
			return false
		}
		return w.runner.Warmup(ctx, p, cont)
	case models.JobKindPipeline:
		p, err := models.DecodePipeline(job.Payload)
		if err != nil {
			log.Error("bad pipeline payload", "error", err)
			return false
		}
		return w.runner.Run(ctx, p, cont)
	default:
		log.Error("unknown job kind")
		return false
	}
}

// predicate returns the cancellation check for job id. It re-reads the job
// at most once per CancelCheckInterval. A missing job or a terminal status
// stops execution; a failed read lets it continue.
func (w *Worker) predicate(ctx context.Context, id int64) pipeline.Continue {
	limiter := &rate.Sometimes{Interval: w.cfg.CancelCheckInterval}
	if w.cfg.CancelCheckInterval <= 0 {
		limiter = &rate.Sometimes{Every: 1}
	}
	allowed := true

	return func() bool {
		if ctx.Err() != nil {
			return false
		}
		limiter.Do(func() {
			allowed = w.stillActive(ctx, id)
		})
		return allowed
	}
}

func (w *Worker) stillActive(ctx context.Context, id int64) bool {
	job, err := w.queue.Get(ctx, id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		w.logger.Warn("running job disappeared", "job_id", id)
		return false
	case err != nil:
		w.logger.Warn("status check failed, continuing", "job_id", id, "error", err)
		return true
	}
	if !job.Status.Active() {
		w.logger.Info("job no longer active", "job_id", id, "status", job.Status)
		return false
	}
	return true
}

// complete reports the outcome of job id. It runs even after ctx is
// cancelled so a shutdown still records the interrupted job.
func (w *Worker) complete(ctx context.Context, id int64, ok bool) {
	base := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(base, 10*time.Second)
		job, err := w.queue.Complete(cctx, id, ok)
		cancel()
		if err == nil {
			w.logger.Info("job reported", "job_id", id, "status", job.Status)
			return
		}
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
			w.logger.Error("job cannot be completed", "job_id", id, "error", err)
			return
		}
		w.logger.Error("complete failed", "job_id", id, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return
		}
		sleep(ctx, w.cfg.ErrorBackoff)
	}
	w.logger.Error("giving up on completion report; job left for reconcile", "job_id", id)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
