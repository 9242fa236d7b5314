package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job lifecycle states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is a background operation tracked for operators.
type Job struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	CreatedBy   int64           `json:"created_by"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Cancellable reports whether the job can still be cancelled.
func (j *Job) Cancellable() bool {
	return j.Status == JobQueued || j.Status == JobRunning
}

const jobColumns = `id, name, kind, payload, status, created_by, cancelled_at, created_at, updated_at`

// CreateJob inserts a job and fills in its id.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = JobQueued
	}
	query := `
		INSERT INTO jobs (name, kind, payload, status, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		job.Name, job.Kind, []byte(job.Payload), job.Status, job.CreatedBy,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var payload []byte
	var cancelledAt sql.NullTime
	err := row.Scan(&job.ID, &job.Name, &job.Kind, &payload, &job.Status,
		&job.CreatedBy, &cancelledAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Payload = payload
	if cancelledAt.Valid {
		job.CancelledAt = &cancelledAt.Time
	}
	return &job, nil
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status string, limit, offset int) ([]*Job, error) {
	var conditions []string
	var args []any
	argNum := 1
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, status)
		argNum++
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, limit)
	argNum++
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus moves a job to a new state.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status string) error {
	return s.execOne(ctx,
		`UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
}

// CancelJob cancels a job still in a cancellable state. ErrNotFound means
// the job is missing or already terminal.
func (s *Store) CancelJob(ctx context.Context, id int64) error {
	return s.execOne(ctx, `
		UPDATE jobs SET status = $1, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)`,
		JobCancelled, id, JobQueued, JobRunning)
}
