package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/promptvideo/internal/jobstore"
	"github.com/bobarin/promptvideo/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const selectJob = `
	SELECT
		id, status, progress, stage, video_url, error_message,
		started_at, finished_at, created_at, updated_at
	FROM render_jobs
	WHERE id = $1
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.RenderJob, error) {
	job := &models.RenderJob{}
	err := row.Scan(
		&job.ID, &job.Status, &job.Progress, &job.Stage, &job.VideoURL, &job.Error,
		&job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if !job.Status.Valid() {
		return nil, fmt.Errorf("job %s has unknown status %q", job.ID, job.Status)
	}
	return job, nil
}

func (db *DB) CreateJob(ctx context.Context, job *models.RenderJob) error {
	query := `
		INSERT INTO render_jobs (
			id, status, progress, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := db.ExecContext(ctx, query, job.ID, job.Status, job.Progress, job.CreatedAt, job.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return jobstore.ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.RenderJob, error) {
	return scanJob(db.QueryRowContext(ctx, selectJob, id))
}

// UpdateJob locks the row, validates the transition and writes the merged job.
func (db *DB) UpdateJob(ctx context.Context, id uuid.UUID, update models.JobUpdate) (*models.RenderJob, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, selectJob+" FOR UPDATE", id))
	if err != nil {
		return nil, err
	}
	if err := jobstore.CheckUpdate(job, update); err != nil {
		return nil, err
	}

	update.Apply(job, time.Now().UTC())

	query := `
		UPDATE render_jobs
		SET status = $1, progress = $2, stage = $3, video_url = $4, error_message = $5,
			started_at = $6, finished_at = $7, updated_at = $8
		WHERE id = $9
	`
	if _, err := tx.ExecContext(ctx, query,
		job.Status, job.Progress, job.Stage, job.VideoURL, job.Error,
		job.StartedAt, job.FinishedAt, job.UpdatedAt, id,
	); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job, nil
}

var _ jobstore.Store = (*DB)(nil)
