package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/mailyaan/mailyaan/internal/model"
)

var (
	ErrJobNotFound   = errors.New("dispatch job not found")
	ErrJobNotPending = errors.New("dispatch job is not pending")
	ErrNoJobsFound   = errors.New("no dispatch jobs found")
)

// Repository provides methods to interact with the dispatch_jobs table. It is
// the single source of truth for job status: terminal transitions are
// conditioned on the prior status and re-marking a finished job is a no-op.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new dispatch job repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateJob inserts a new pending job and returns its ID.
func (r *Repository) CreateJob(ctx context.Context, job model.ScheduledJob) (uuid.UUID, error) {
	messages, err := json.Marshal(job.Messages)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal messages: %w", err)
	}

	query := `
		INSERT INTO dispatch_jobs (
		    owner_email, messages, due_time, status
		) VALUES ($1, $2, $3, $4)
		RETURNING id;
    `

	var id uuid.UUID
	err = r.db.Master.QueryRowContext(
		ctx, query, job.OwnerEmail, messages, job.DueTime, model.StatusPending,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create dispatch job: %w", err)
	}

	return id, nil
}

// FindDue retrieves pending jobs whose due time is at or before now, ordered
// by due time. Calling it twice before a job changes status may return the
// same job again; consumers must tolerate redelivery.
func (r *Repository) FindDue(ctx context.Context, now time.Time) ([]model.ScheduledJob, error) {
	query := `
		SELECT id, owner_email, messages, due_time, status, created_at
		FROM dispatch_jobs
		WHERE status = 'pending' AND due_time <= $1
		ORDER BY due_time;
    `

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.ScheduledJob
	for rows.Next() {
		var (
			j        model.ScheduledJob
			messages []byte
		)
		if err := rows.Scan(&j.ID, &j.OwnerEmail, &messages, &j.DueTime, &j.Status, &j.CreatedAt); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(messages, &j.Messages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages for job %s: %w", j.ID, err)
		}

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// GetJob retrieves a job with its payload and per-message results.
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (model.ScheduledJob, error) {
	query := `
		SELECT id, owner_email, messages, due_time, status, created_at, completed_at, last_error, results
		FROM dispatch_jobs
		WHERE id = $1;
    `

	var (
		j         model.ScheduledJob
		messages  []byte
		results   []byte
		lastError sql.NullString
	)

	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.OwnerEmail, &messages, &j.DueTime, &j.Status, &j.CreatedAt, &j.CompletedAt, &lastError, &results,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ScheduledJob{}, ErrJobNotFound
		}

		return model.ScheduledJob{}, fmt.Errorf("failed to get dispatch job: %w", err)
	}

	if err := json.Unmarshal(messages, &j.Messages); err != nil {
		return model.ScheduledJob{}, fmt.Errorf("failed to unmarshal messages: %w", err)
	}

	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return model.ScheduledJob{}, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}

	j.LastError = lastError.String

	return j, nil
}

// GetJobStatus retrieves the status of a job by its ID.
func (r *Repository) GetJobStatus(ctx context.Context, id uuid.UUID) (string, error) {
	query := `
		SELECT status
		FROM dispatch_jobs
		WHERE id = $1;
    `

	var status string
	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrJobNotFound
		}

		return "", fmt.Errorf("failed to get job status: %w", err)
	}

	return status, nil
}

// ListJobsByOwner retrieves all jobs for a sender, newest due first. Jobs are
// retained for audit and never removed by this repository.
func (r *Repository) ListJobsByOwner(ctx context.Context, owner string) ([]model.ScheduledJob, error) {
	query := `
		SELECT id, owner_email, messages, due_time, status, created_at, completed_at, last_error, results
		FROM dispatch_jobs
		WHERE owner_email = $1
		ORDER BY due_time DESC;
    `

	rows, err := r.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.ScheduledJob
	for rows.Next() {
		var (
			j         model.ScheduledJob
			messages  []byte
			results   []byte
			lastError sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.OwnerEmail, &messages, &j.DueTime, &j.Status, &j.CreatedAt, &j.CompletedAt, &lastError, &results); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(messages, &j.Messages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages for job %s: %w", j.ID, err)
		}

		if len(results) > 0 {
			if err := json.Unmarshal(results, &j.Results); err != nil {
				return nil, fmt.Errorf("failed to unmarshal results for job %s: %w", j.ID, err)
			}
		}

		j.LastError = lastError.String
		jobs = append(jobs, j)
	}

	if len(jobs) == 0 {
		return nil, ErrNoJobsFound
	}

	return jobs, rows.Err()
}

// MarkSent transitions a pending job to sent and stores its per-message
// results. Marking a job that already reached a terminal status is a no-op.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, results []model.DeliveryResult) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	query := `
		UPDATE dispatch_jobs
		SET status = 'sent', completed_at = now(), results = $2, last_error = ''
		WHERE id = $1 AND status = 'pending';
    `

	return r.finishJob(ctx, id, query, payload)
}

// MarkFailed transitions a pending job to failed with the given reason, with
// the same terminal no-op semantics as MarkSent.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE dispatch_jobs
		SET status = 'failed', completed_at = now(), last_error = $2
		WHERE id = $1 AND status = 'pending';
    `

	return r.finishJob(ctx, id, query, reason)
}

// CancelJob transitions a pending job to cancelled. A job already claimed by
// a worker (no longer pending) cannot be cancelled.
func (r *Repository) CancelJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE dispatch_jobs
		SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status = 'pending';
    `

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, err := r.GetJobStatus(ctx, id); err != nil {
			return err
		}

		return ErrJobNotPending
	}

	return nil
}

func (r *Repository) finishJob(ctx context.Context, id uuid.UUID, query string, arg interface{}) error {
	res, err := r.db.ExecContext(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Either the job does not exist or it already reached a terminal
		// status. The latter is a legitimate redelivery and must not fail.
		if _, err := r.GetJobStatus(ctx, id); err != nil {
			return err
		}

		return nil
	}

	return nil
}
