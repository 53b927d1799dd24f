// Package handler contains the HTTP handlers of the orchestration endpoint.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/droidqueue/internal/api/middleware"
	"github.com/kiranshivaraju/droidqueue/internal/api/response"
	"github.com/kiranshivaraju/droidqueue/internal/queue"
	"github.com/kiranshivaraju/droidqueue/internal/store"
	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

// maxBodyBytes caps enqueue request bodies.
const maxBodyBytes = 1 << 20

// Queue is the queue service the job handlers depend on.
type Queue interface {
	EnqueueWarmup(ctx context.Context, device string, p models.WarmupPayload) (int64, error)
	EnqueuePipeline(ctx context.Context, device string, p models.PipelinePayload) (int64, error)
	Get(ctx context.Context, id int64) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*models.Run, error)
	Claim(ctx context.Context, device string) (*models.Job, error)
	Complete(ctx context.Context, id int64, ok bool) (*models.Job, error)
	Cancel(ctx context.Context, id int64) (*models.Job, error)
	Retry(ctx context.Context, id int64) (int64, error)
	Reconcile(ctx context.Context, device string) (int, error)
}

type enqueueResponse struct {
	JobID int64 `json:"job_id"`
}

// NewEnqueueWarmupHandler returns the handler for POST /enqueue/warmup.
func NewEnqueueWarmupHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Device string `json:"device"`
			models.WarmupPayload
		}
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := q.EnqueueWarmup(r.Context(), req.Device, req.WarmupPayload)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		response.Created(w, enqueueResponse{JobID: id})
	}
}

// NewEnqueuePipelineHandler returns the handler for POST /enqueue/pipeline.
func NewEnqueuePipelineHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Device string `json:"device"`
			models.PipelinePayload
		}
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := q.EnqueuePipeline(r.Context(), req.Device, req.PipelinePayload)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		response.Created(w, enqueueResponse{JobID: id})
	}
}

// NewListJobsHandler returns the handler for GET /jobs?device=&status=.
func NewListJobsHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{
			Device: strings.TrimSpace(r.URL.Query().Get("device")),
			Status: models.JobStatus(r.URL.Query().Get("status")),
		}
		if filter.Status != "" && !filter.Status.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				fmt.Sprintf("unknown status %q", filter.Status), nil)
			return
		}
		jobs, err := q.List(r.Context(), filter)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		response.Collection(w, jobs, len(jobs), store.PageSize)
	}
}

// NewListRunsHandler returns the handler for GET /runs?device=&job_id=.
func NewListRunsHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.RunFilter{Device: strings.TrimSpace(r.URL.Query().Get("device"))}
		if raw := r.URL.Query().Get("job_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id must be an integer", nil)
				return
			}
			filter.JobID = id
		}
		runs, err := q.ListRuns(r.Context(), filter)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		response.Collection(w, runs, len(runs), store.PageSize)
	}
}

// NewClaimHandler returns the handler for GET /jobs/next?device=. The data
// field is null when the device has nothing to run.
func NewClaimHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, ok := requireDevice(w, r)
		if !ok {
			return
		}
		job, err := q.Claim(r.Context(), device)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		if job == nil {
			response.JSON(w, nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewGetJobHandler returns the handler for GET /jobs/{id}.
func NewGetJobHandler(q Queue) http.HandlerFunc {
	return jobAction(func(ctx context.Context, r *http.Request, id int64) (any, error) {
		return q.Get(ctx, id)
	})
}

// NewCompleteHandler returns the handler for POST /jobs/{id}/complete?ok=.
// ok defaults to true.
func NewCompleteHandler(q Queue) http.HandlerFunc {
	return jobAction(func(ctx context.Context, r *http.Request, id int64) (any, error) {
		ok := true
		if raw := r.URL.Query().Get("ok"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: ok must be a boolean", errBadRequest)
			}
			ok = v
		}
		return q.Complete(ctx, id, ok)
	})
}

// NewCancelHandler returns the handler for POST /jobs/{id}/cancel.
func NewCancelHandler(q Queue) http.HandlerFunc {
	return jobAction(func(ctx context.Context, r *http.Request, id int64) (any, error) {
		return q.Cancel(ctx, id)
	})
}

// NewRetryHandler returns the handler for POST /jobs/{id}/retry.
func NewRetryHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		newID, err := q.Retry(r.Context(), id)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		response.Created(w, enqueueResponse{JobID: newID})
	}
}

// NewReconcileHandler returns the handler for POST /jobs/reconcile?device=.
func NewReconcileHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, ok := requireDevice(w, r)
		if !ok {
			return
		}
		n, err := q.Reconcile(r.Context(), device)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		response.JSON(w, map[string]int{"released": n})
	}
}

var errBadRequest = errors.New("bad request")

type jobFunc func(ctx context.Context, r *http.Request, id int64) (any, error)

// jobAction parses {id} and writes whatever fn returns.
func jobAction(fn jobFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		out, err := fn(r.Context(), r, id)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		response.JSON(w, out)
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func requireDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	device := strings.TrimSpace(r.URL.Query().Get("device"))
	if device == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "device is required", nil)
		return "", false
	}
	return device, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBadRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, queue.ErrInvalidPayload):
		response.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
	case errors.Is(err, queue.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, queue.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	default:
		slog.Error("queue operation failed",
			"error", err,
			"request_id", mw.GetRequestID(r),
			"method", r.Method,
			"path", r.URL.Path,
		)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
