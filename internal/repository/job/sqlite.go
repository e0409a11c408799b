package job

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/meshforge/mesh-api/internal/apperror"
	domain "github.com/meshforge/mesh-api/internal/job"
)

const jobColumns = `id, status, progress, artifact, error, input_dir, output_dir, created_at, updated_at`

// Registry is the durable job.Registry backed by sqlite. Writes go through
// transactions so claims and updates stay atomic under concurrent workers.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Create(ctx context.Context, j *domain.Job) error {
	const query = `INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		j.ID, string(j.Status), j.Progress, j.Artifact, j.Error,
		j.InputDir, j.OutputDir,
		j.CreatedAt.Format(time.RFC3339Nano), j.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.New(apperror.Conflict, "job already exists")
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *Registry) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update job: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	current, err := scanJob(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	next, err := domain.Apply(current, fn)
	if err != nil {
		return nil, err
	}

	if err := writeJob(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update job: commit: %w", err)
	}
	return next, nil
}

func (r *Registry) List(ctx context.Context) ([]domain.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, domain.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *Registry) ClaimQueued(ctx context.Context) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim queued: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued' ORDER BY created_at ASC, rowid ASC LIMIT 1`

	current, err := scanJob(tx.QueryRowContext(ctx, query))
	if err != nil {
		if ae, ok := err.(*apperror.AppError); ok && ae.Code() == apperror.NotFound {
			return nil, nil
		}
		return nil, err
	}

	// Conditional update: if another worker claimed the job between the
	// select and here, zero rows change and the claim is simply lost.
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'queued'`,
		time.Now().UTC().Format(time.RFC3339Nano), current.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim queued: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim queued: commit: %w", err)
	}

	return r.Get(ctx, current.ID)
}

func (r *Registry) RecoverInterrupted(ctx context.Context) (int64, error) {
	const query = `UPDATE jobs SET status = 'queued', error = '', updated_at = ?
		WHERE status = 'running'`

	res, err := r.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

func (r *Registry) CountActive(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM jobs WHERE status IN ('queued', 'running')`

	var n int
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	j := &domain.Job{}
	var status, createdStr, updatedStr string

	err := row.Scan(
		&j.ID, &status, &j.Progress, &j.Artifact, &j.Error,
		&j.InputDir, &j.OutputDir, &createdStr, &updatedStr,
	)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Status = domain.Status(status)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return j, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeJob(ctx context.Context, ex execer, j *domain.Job) error {
	const query = `UPDATE jobs SET status = ?, progress = ?, artifact = ?, error = ?,
		input_dir = ?, output_dir = ?, updated_at = ?
		WHERE id = ?`

	_, err := ex.ExecContext(ctx, query,
		string(j.Status), j.Progress, j.Artifact, j.Error,
		j.InputDir, j.OutputDir, j.UpdatedAt.Format(time.RFC3339Nano),
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// matching the message avoids depending on driver-internal error types.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
