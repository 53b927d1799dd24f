package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrInvalidTransition is returned when a status change is not permitted
// by the job state machine.
var ErrInvalidTransition = errors.New("invalid job status transition")

// PageSize bounds every list query.
const PageSize = 500

// Store is the data access interface. All database operations go through here.
//
// Claim is the only operation that must be serialized across processes:
// implementations select and mark the job in a single transaction so two
// concurrent callers never receive the same job, and never hand out a job
// for a device that already has one running.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateJob(ctx context.Context, device string, kind models.JobKind, payload json.RawMessage) (*models.Job, error)
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)

	// ClaimNext returns nil, nil when the device has nothing to run.
	ClaimNext(ctx context.Context, device string) (*models.Job, error)
	// Finish moves a running job to done or failed. Terminal jobs are left
	// untouched; queued jobs yield ErrInvalidTransition.
	Finish(ctx context.Context, id int64, ok bool) (*models.Job, error)
	// Cancel moves a queued or running job to cancelled. Terminal jobs are
	// left untouched.
	Cancel(ctx context.Context, id int64) (*models.Job, error)
	// ReleaseRunning fails every running job of the device and returns their ids.
	ReleaseRunning(ctx context.Context, device string) ([]int64, error)
}

type JobFilter struct {
	Device string
	Status models.JobStatus
}

type RunFilter struct {
	Device string
	JobID  int64
}

// finishStatus maps a completion outcome to its terminal status.
func finishStatus(ok bool) models.JobStatus {
	if ok {
		return models.JobStatusDone
	}
	return models.JobStatusFailed
}
