// Package models contains the shared data models of the job orchestrator.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle status of a Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Active reports whether a job in status s may keep executing.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s.Active() || s.Terminal()
}

// JobKind selects how the worker interprets a job payload.
type JobKind string

const (
	JobKindWarmup   JobKind = "warmup"
	JobKindPipeline JobKind = "pipeline"
)

func (k JobKind) Valid() bool {
	return k == JobKindWarmup || k == JobKindPipeline
}

// Job is a unit of requested device work. Jobs are never deleted; a retry
// creates a new Job with the same device, kind and payload.
type Job struct {
	ID        int64           `db:"id"         json:"id"`
	Device    string          `db:"device"     json:"device"`
	Kind      JobKind         `db:"kind"       json:"kind"`
	Payload   json.RawMessage `db:"payload"    json:"payload"`
	Status    JobStatus       `db:"status"     json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Run is one execution attempt of a Job. It is opened when the job is
// claimed and closed when the job reaches a terminal status.
type Run struct {
	ID        int64      `db:"id"         json:"id"`
	JobID     int64      `db:"job_id"     json:"job_id"`
	Device    string     `db:"device"     json:"device"`
	Status    JobStatus  `db:"status"     json:"status"`
	StartedAt time.Time  `db:"started_at" json:"started_at"`
	EndedAt   *time.Time `db:"ended_at"   json:"ended_at,omitempty"`
}
