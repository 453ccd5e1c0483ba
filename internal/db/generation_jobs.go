package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
)

const jobColumns = `
	id, owner_id, request_id, segment_index, prompt, prompt_suffix,
	model, duration_seconds, size, state, provider_job_id, provider,
	id_source, output_url, thumbnail_url, error_message,
	submission_staged_at, poll_errors, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	job := &models.GenerationJob{}
	var providerJobID, outputURL, thumbnailURL, errorMessage sql.NullString
	var stagedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.RequestID, &job.SegmentIndex, &job.Prompt, &job.PromptSuffix,
		&job.Model, &job.DurationSeconds, &job.Size, &job.State, &providerJobID, &job.Provider,
		&job.IDSource, &outputURL, &thumbnailURL, &errorMessage,
		&stagedAt, &job.PollErrors, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.ProviderJobID = providerJobID.String
	job.OutputURL = outputURL.String
	job.ThumbnailURL = thumbnailURL.String
	job.ErrorMessage = errorMessage.String
	if stagedAt.Valid {
		t := stagedAt.Time
		job.SubmissionStagedAt = &t
	}
	return job, nil
}

// UpdateJob writes a job unless the stored row is already terminal, in which
// case it reports false and leaves the row alone.
func (db *DB) UpdateJob(ctx context.Context, job *models.GenerationJob) (bool, error) {
	query := `
		UPDATE generation_jobs
		SET state = $1, provider_job_id = $2, provider = $3, id_source = $4,
			output_url = $5, thumbnail_url = $6, error_message = $7,
			submission_staged_at = $8, poll_errors = $9, updated_at = now()
		WHERE id = $10 AND owner_id = $11 AND state NOT IN ('completed', 'failed')
		RETURNING updated_at
	`
	var stagedAt sql.NullTime
	if job.SubmissionStagedAt != nil {
		stagedAt = sql.NullTime{Time: *job.SubmissionStagedAt, Valid: true}
	}

	err := db.QueryRowContext(
		ctx, query,
		job.State, nullString(job.ProviderJobID), job.Provider, job.IDSource,
		nullString(job.OutputURL), nullString(job.ThumbnailURL), nullString(job.ErrorMessage),
		stagedAt, job.PollErrors, job.ID, job.OwnerID,
	).Scan(&job.UpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case isUniqueViolation(err):
		return false, models.ErrDuplicate
	case err != nil:
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	return true, nil
}

func (db *DB) StageSubmission(ctx context.Context, ownerID, jobID uuid.UUID, at, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE generation_jobs
		SET submission_staged_at = $1, updated_at = now()
		WHERE id = $2 AND owner_id = $3
			AND state = 'pending' AND provider_job_id IS NULL
			AND (submission_staged_at IS NULL OR submission_staged_at < $4)
	`
	res, err := db.ExecContext(ctx, query, at, jobID, ownerID, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to stage submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to stage submission: %w", err)
	}
	return n == 1, nil
}

func (db *DB) ClearSubmission(ctx context.Context, ownerID, jobID uuid.UUID) error {
	query := `
		UPDATE generation_jobs
		SET submission_staged_at = NULL, updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND submission_staged_at IS NOT NULL
	`
	if _, err := db.ExecContext(ctx, query, jobID, ownerID); err != nil {
		return fmt.Errorf("failed to clear submission: %w", err)
	}
	return nil
}

func (db *DB) FindJobByProviderID(ctx context.Context, ownerID uuid.UUID, providerJobID string) (*models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE owner_id = $1 AND provider_job_id = $2`

	job, err := scanJob(db.QueryRowContext(ctx, query, ownerID, providerJobID))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return job, nil
}

// ListOutstandingJobs returns up to limit submitted, non-terminal jobs,
// oldest first.
func (db *DB) ListOutstandingJobs(ctx context.Context, limit int) ([]models.GenerationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE state NOT IN ('completed', 'failed') AND provider_job_id IS NOT NULL
		ORDER BY created_at, segment_index
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outstanding jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outstanding jobs: %w", err)
	}

	return jobs, nil
}
