// Package queue exposes the job queue operations on top of a Store: payload
// validation and normalisation at enqueue time, the claim protocol, and the
// terminal-state transitions.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/droidqueue/internal/store"
	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

var (
	ErrNotFound          = store.ErrNotFound
	ErrInvalidTransition = store.ErrInvalidTransition
	ErrInvalidPayload    = models.ErrInvalidPayload
)

// Service implements the queue operations shared by the HTTP API and tests.
type Service struct {
	store store.Store
}

// NewService creates a new Service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// EnqueueWarmup appends a queued warm-up job for device.
func (s *Service) EnqueueWarmup(ctx context.Context, device string, p models.WarmupPayload) (int64, error) {
	if err := p.Normalize(); err != nil {
		return 0, err
	}
	return s.enqueue(ctx, device, models.JobKindWarmup, p)
}

// EnqueuePipeline appends a queued pipeline job for device.
func (s *Service) EnqueuePipeline(ctx context.Context, device string, p models.PipelinePayload) (int64, error) {
	if err := p.Normalize(); err != nil {
		return 0, err
	}
	return s.enqueue(ctx, device, models.JobKindPipeline, p)
}

func (s *Service) enqueue(ctx context.Context, device string, kind models.JobKind, payload any) (int64, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return 0, fmt.Errorf("%w: device is required", ErrInvalidPayload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	job, err := s.store.CreateJob(ctx, device, kind, raw)
	if err != nil {
		return 0, err
	}
	slog.Info("job enqueued", "job_id", job.ID, "kind", kind, "device", device)
	return job.ID, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*models.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// Claim atomically hands the oldest queued job of device to the caller and
// marks it running. Returns nil, nil if there is nothing to run.
func (s *Service) Claim(ctx context.Context, device string) (*models.Job, error) {
	job, err := s.store.ClaimNext(ctx, device)
	if err != nil {
		return nil, err
	}
	if job != nil {
		slog.Info("job claimed", "job_id", job.ID, "kind", job.Kind, "device", device)
	}
	return job, nil
}

// Complete records the outcome of a running job. Calling it on a job that
// is already terminal is a no-op.
func (s *Service) Complete(ctx context.Context, id int64, ok bool) (*models.Job, error) {
	job, err := s.store.Finish(ctx, id, ok)
	if err != nil {
		return nil, err
	}
	slog.Info("job completed", "job_id", id, "ok", ok, "status", job.Status)
	return job, nil
}

// Cancel stops a queued or running job. It does not interrupt execution;
// the worker observes the new status through its cancellation predicate.
func (s *Service) Cancel(ctx context.Context, id int64) (*models.Job, error) {
	job, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("job cancelled", "job_id", id, "status", job.Status)
	return job, nil
}

// Retry enqueues a fresh job with the device, kind and payload of job id.
// The original job is left untouched.
func (s *Service) Retry(ctx context.Context, id int64) (int64, error) {
	orig, err := s.store.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	job, err := s.store.CreateJob(ctx, orig.Device, orig.Kind, orig.Payload)
	if err != nil {
		return 0, err
	}
	slog.Info("job retried", "job_id", job.ID, "retry_of", id, "device", orig.Device)
	return job.ID, nil
}

// Reconcile fails jobs left running on device by a worker that no longer exists.
func (s *Service) Reconcile(ctx context.Context, device string) (int, error) {
	ids, err := s.store.ReleaseRunning(ctx, device)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		slog.Warn("released orphaned jobs", "device", device, "job_ids", ids)
	}
	return len(ids), nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
