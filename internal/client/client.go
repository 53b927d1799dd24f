// Package client is the HTTP client used by workers and the scheduler to
// talk to the orchestration endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kiranshivaraju/droidqueue/internal/config"
	"github.com/kiranshivaraju/droidqueue/internal/queue"
	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

// Sentinel errors for transport and server failures. Domain failures wrap
// the queue package errors instead so callers can use errors.Is uniformly.
var (
	ErrUnreachable = errors.New("orchestrator unreachable")
	ErrTimeout     = errors.New("orchestrator request timeout")
	ErrServer      = errors.New("orchestrator error")
)

// HTTPClient talks to the orchestrator's JSON API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates an HTTPClient from cfg.
func New(cfg config.ClientConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type enqueueResult struct {
	JobID int64 `json:"job_id"`
}

type warmupRequest struct {
	Device string `json:"device"`
	models.WarmupPayload
}

type pipelineRequest struct {
	Device string `json:"device"`
	models.PipelinePayload
}

func (c *HTTPClient) EnqueueWarmup(ctx context.Context, device string, p models.WarmupPayload) (int64, error) {
	var out enqueueResult
	err := c.do(ctx, http.MethodPost, "/enqueue/warmup", nil, warmupRequest{Device: device, WarmupPayload: p}, &out)
	return out.JobID, err
}

func (c *HTTPClient) EnqueuePipeline(ctx context.Context, device string, p models.PipelinePayload) (int64, error) {
	var out enqueueResult
	err := c.do(ctx, http.MethodPost, "/enqueue/pipeline", nil, pipelineRequest{Device: device, PipelinePayload: p}, &out)
	return out.JobID, err
}

func (c *HTTPClient) Get(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Claim asks for the next job of device. Returns nil, nil when there is none.
func (c *HTTPClient) Claim(ctx context.Context, device string) (*models.Job, error) {
	var job *models.Job
	q := url.Values{"device": {device}}
	if err := c.do(ctx, http.MethodGet, "/jobs/next", q, nil, &job); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *HTTPClient) Complete(ctx context.Context, id int64, ok bool) (*models.Job, error) {
	var job models.Job
	q := url.Values{"ok": {strconv.FormatBool(ok)}}
	if err := c.do(ctx, http.MethodPost, jobPath(id, "complete"), q, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, jobPath(id, "cancel"), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *HTTPClient) Retry(ctx context.Context, id int64) (int64, error) {
	var out enqueueResult
	err := c.do(ctx, http.MethodPost, jobPath(id, "retry"), nil, nil, &out)
	return out.JobID, err
}

// Reconcile fails jobs the endpoint still believes are running on device.
func (c *HTTPClient) Reconcile(ctx context.Context, device string) (int, error) {
	var out struct {
		Released int `json:"released"`
	}
	q := url.Values{"device": {device}}
	err := c.do(ctx, http.MethodPost, "/jobs/reconcile", q, nil, &out)
	return out.Released, err
}

func jobPath(id int64, action string) string {
	p := "/jobs/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	env := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var env errorEnvelope
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)
	msg := env.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", queue.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", queue.ErrInvalidTransition, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", queue.ErrInvalidPayload, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrServer, resp.StatusCode, msg)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
