package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

const jobColumns = `id, device, kind, payload, status, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, device string, kind models.JobKind, payload json.RawMessage) (*models.Job, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (device, kind, payload, status)
		 VALUES ($1, $2, $3::jsonb, 'queued')
		 RETURNING `+jobColumns,
		device, string(kind), string(payload))
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Device != "" {
		conditions = append(conditions, fmt.Sprintf("device = $%d", argIdx))
		args = append(args, filter.Device)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY id DESC LIMIT $%d`,
		jobColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Device != "" {
		conditions = append(conditions, fmt.Sprintf("device = $%d", argIdx))
		args = append(args, filter.Device)
		argIdx++
	}
	if filter.JobID != 0 {
		conditions = append(conditions, fmt.Sprintf("job_id = $%d", argIdx))
		args = append(args, filter.JobID)
		argIdx++
	}

	query := fmt.Sprintf(
		`SELECT id, job_id, device, status, started_at, ended_at
		 FROM runs WHERE %s ORDER BY id DESC LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx)
	args = append(args, PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.Run{}
	for rows.Next() {
		var r models.Run
		var status string
		if err := rows.Scan(&r.ID, &r.JobID, &r.Device, &status, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = models.JobStatus(status)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// --- Claim protocol ---

func (s *PostgresStore) ClaimNext(ctx context.Context, device string) (*models.Job, error) {
	var claimed *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serializes claims for one device across every connection.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, device); err != nil {
			return fmt.Errorf("lock device: %w", err)
		}

		var busy bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE device = $1 AND status = 'running')`, device,
		).Scan(&busy); err != nil {
			return fmt.Errorf("check running: %w", err)
		}
		if busy {
			return nil
		}

		j, err := scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'running', updated_at = NOW()
			 WHERE id = (
			   SELECT id FROM jobs WHERE device = $1 AND status = 'queued'
			   ORDER BY id ASC LIMIT 1 FOR UPDATE
			 )
			 RETURNING `+jobColumns, device))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (job_id, device, status, started_at) VALUES ($1, $2, 'running', NOW())`,
			j.ID, j.Device); err != nil {
			return fmt.Errorf("open run: %w", err)
		}
		claimed = j
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// --- Terminal transitions ---

func (s *PostgresStore) Finish(ctx context.Context, id int64, ok bool) (*models.Job, error) {
	return s.terminate(ctx, id, finishStatus(ok), models.JobStatusRunning)
}

func (s *PostgresStore) Cancel(ctx context.Context, id int64) (*models.Job, error) {
	return s.terminate(ctx, id, models.JobStatusCancelled, models.JobStatusQueued, models.JobStatusRunning)
}

// terminate moves job id to status if its current status is one of from.
// A job that is already terminal is returned unchanged.
func (s *PostgresStore) terminate(ctx context.Context, id int64, status models.JobStatus, from ...models.JobStatus) (*models.Job, error) {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}

	var result *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if current.Status.Terminal() {
			result = current
			return nil
		}
		if !containsStatus(from, current.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
		}

		j, err := scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = $2, updated_at = NOW()
			 WHERE id = $1 AND status = ANY($3)
			 RETURNING `+jobColumns, id, string(status), allowed))
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET status = $2, ended_at = NOW() WHERE job_id = $1 AND ended_at IS NULL`,
			id, string(status)); err != nil {
			return fmt.Errorf("close run: %w", err)
		}
		result = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) ReleaseRunning(ctx context.Context, device string) ([]int64, error) {
	ids := []int64{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE jobs SET status = 'failed', updated_at = NOW()
			 WHERE device = $1 AND status = 'running'
			 RETURNING id`, device)
		if err != nil {
			return fmt.Errorf("fail running jobs: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE runs SET status = 'failed', ended_at = NOW() WHERE job_id = ANY($1) AND ended_at IS NULL`, ids)
		if err != nil {
			return fmt.Errorf("close runs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("release running jobs: %w", err)
	}
	return ids, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var kind, status string
	var payload []byte
	if err := row.Scan(&j.ID, &j.Device, &kind, &payload, &status, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

func containsStatus(list []models.JobStatus, s models.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// isUniqueViolation checks if a pgx error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
