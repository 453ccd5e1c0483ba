package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
)

// CreateRequest inserts a request and all of its segment jobs in one
// transaction.
func (db *DB) CreateRequest(ctx context.Context, req *models.VideoRequest) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO video_requests (
			id, owner_id, prompt, model, size, target_duration_seconds,
			stitch_state, progress, output_url, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(
		ctx, query,
		req.ID, req.OwnerID, req.Prompt, req.Model, req.Size, req.TargetDurationSeconds,
		req.StitchState, req.Progress, nullString(req.OutputURL), nullString(req.ErrorMessage),
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrDuplicate
		}
		return fmt.Errorf("failed to create request: %w", err)
	}

	for i := range req.Segments {
		if err := insertJob(ctx, tx, &req.Segments[i]); err != nil {
			if isUniqueViolation(err) {
				return models.ErrDuplicate
			}
			return fmt.Errorf("failed to create segment %d: %w", req.Segments[i].SegmentIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job *models.GenerationJob) error {
	query := `
		INSERT INTO generation_jobs (
			id, owner_id, request_id, segment_index, prompt, prompt_suffix,
			model, duration_seconds, size, state, provider_job_id, provider,
			id_source, output_url, thumbnail_url, error_message, poll_errors
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`
	return tx.QueryRowContext(
		ctx, query,
		job.ID, job.OwnerID, job.RequestID, job.SegmentIndex, job.Prompt, job.PromptSuffix,
		job.Model, job.DurationSeconds, job.Size, job.State, nullString(job.ProviderJobID), job.Provider,
		job.IDSource, nullString(job.OutputURL), nullString(job.ThumbnailURL), nullString(job.ErrorMessage), job.PollErrors,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (db *DB) GetRequest(ctx context.Context, ownerID, requestID uuid.UUID) (*models.VideoRequest, error) {
	query := `
		SELECT
			id, owner_id, prompt, model, size, target_duration_seconds,
			stitch_state, progress, output_url, error_message, created_at, updated_at
		FROM video_requests
		WHERE id = $1 AND owner_id = $2
	`

	req := &models.VideoRequest{}
	var outputURL, errorMessage sql.NullString
	err := db.QueryRowContext(ctx, query, requestID, ownerID).Scan(
		&req.ID, &req.OwnerID, &req.Prompt, &req.Model, &req.Size, &req.TargetDurationSeconds,
		&req.StitchState, &req.Progress, &outputURL, &errorMessage, &req.CreatedAt, &req.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	req.OutputURL = outputURL.String
	req.ErrorMessage = errorMessage.String

	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE request_id = $1 ORDER BY segment_index`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		req.Segments = append(req.Segments, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read segments: %w", err)
	}

	return req, nil
}

// UpdateRequest writes the aggregate fields of a request.
func (db *DB) UpdateRequest(ctx context.Context, req *models.VideoRequest) error {
	query := `
		UPDATE video_requests
		SET stitch_state = $1, progress = $2, output_url = $3, error_message = $4, updated_at = now()
		WHERE id = $5 AND owner_id = $6
		RETURNING updated_at
	`
	err := db.QueryRowContext(
		ctx, query,
		req.StitchState, req.Progress, nullString(req.OutputURL), nullString(req.ErrorMessage),
		req.ID, req.OwnerID,
	).Scan(&req.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	return nil
}
