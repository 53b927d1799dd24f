package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/droidqueue/pkg/models"
	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore implements the Store interface on a single SQLite file.
// All access goes through one connection, so every transaction, including
// the claim, is serialized.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stamp() string {
	return s.now().Format(timeLayout)
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, device string, kind models.JobKind, payload json.RawMessage) (*models.Job, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := s.stamp()
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`INSERT INTO jobs (device, kind, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', ?, ?)
		 RETURNING `+jobColumns,
		device, string(kind), string(payload), now, now))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"1=1"}
	var args []any
	if filter.Device != "" {
		conditions = append(conditions, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	args = append(args, PageSize)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+strings.Join(conditions, " AND ")+` ORDER BY id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	conditions := []string{"1=1"}
	var args []any
	if filter.Device != "" {
		conditions = append(conditions, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.JobID != 0 {
		conditions = append(conditions, "job_id = ?")
		args = append(args, filter.JobID)
	}
	args = append(args, PageSize)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, device, status, started_at, ended_at
		 FROM runs WHERE `+strings.Join(conditions, " AND ")+` ORDER BY id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.Run{}
	for rows.Next() {
		var r models.Run
		var status, started string
		var ended sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.Device, &status, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = models.JobStatus(status)
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if ended.Valid {
			t, err := time.Parse(timeLayout, ended.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at: %w", err)
			}
			r.EndedAt = &t
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// --- Claim protocol ---

func (s *SQLiteStore) ClaimNext(ctx context.Context, device string) (*models.Job, error) {
	var claimed *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var busy int
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE device = ? AND status = 'running')`, device,
		).Scan(&busy); err != nil {
			return fmt.Errorf("check running: %w", err)
		}
		if busy != 0 {
			return nil
		}

		now := s.stamp()
		j, err := scanSQLiteJob(tx.QueryRowContext(ctx,
			`UPDATE jobs SET status = 'running', updated_at = ?
			 WHERE id = (SELECT id FROM jobs WHERE device = ? AND status = 'queued' ORDER BY id ASC LIMIT 1)
			 RETURNING `+jobColumns, now, device))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (job_id, device, status, started_at) VALUES (?, ?, 'running', ?)`,
			j.ID, j.Device, now); err != nil {
			return fmt.Errorf("open run: %w", err)
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// --- Terminal transitions ---

func (s *SQLiteStore) Finish(ctx context.Context, id int64, ok bool) (*models.Job, error) {
	return s.terminate(ctx, id, finishStatus(ok), models.JobStatusRunning)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id int64) (*models.Job, error) {
	return s.terminate(ctx, id, models.JobStatusCancelled, models.JobStatusQueued, models.JobStatusRunning)
}

func (s *SQLiteStore) terminate(ctx context.Context, id int64, status models.JobStatus, from ...models.JobStatus) (*models.Job, error) {
	var result *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
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

		now := s.stamp()
		j, err := scanSQLiteJob(tx.QueryRowContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? RETURNING `+jobColumns,
			string(status), now, id))
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, ended_at = ? WHERE job_id = ? AND ended_at IS NULL`,
			string(status), now, id); err != nil {
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

func (s *SQLiteStore) ReleaseRunning(ctx context.Context, device string) ([]int64, error) {
	ids := []int64{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		rows, err := tx.QueryContext(ctx,
			`UPDATE jobs SET status = 'failed', updated_at = ? WHERE device = ? AND status = 'running' RETURNING id`,
			now, device)
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
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE runs SET status = 'failed', ended_at = ? WHERE job_id = ? AND ended_at IS NULL`,
				now, id); err != nil {
				return fmt.Errorf("close run: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("release running jobs: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var kind, status, payload, created, updated string
	if err := row.Scan(&j.ID, &j.Device, &kind, &payload, &status, &created, &updated); err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	j.Payload = json.RawMessage(payload)

	var err error
	if j.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &j, nil
}

var _ Store = (*SQLiteStore)(nil)
