package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
)

const visualColumns = `
	id, owner_id, style_tag, aspect_ratio, target_duration_seconds, audio_url,
	caption_cues, auto_captions, render_status, output_url, degraded,
	error_code, error_message, render_meta, render_started_at, created_at, updated_at
`

func scanVisual(row rowScanner) (*models.RenderTarget, error) {
	t := &models.RenderTarget{}
	var audioURL, outputURL, errorCode, errorMessage sql.NullString
	var startedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.StyleTag, &t.AspectRatio, &t.TargetDurationSeconds, &audioURL,
		&t.CaptionCues, &t.AutoCaptions, &t.RenderStatus, &outputURL, &t.Degraded,
		&errorCode, &errorMessage, &t.RenderMeta, &startedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.AudioURL = audioURL.String
	t.OutputURL = outputURL.String
	t.ErrorCode = errorCode.String
	t.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		ts := startedAt.Time
		t.RenderStartedAt = &ts
	}
	return t, nil
}

func (db *DB) CreateRenderTarget(ctx context.Context, t *models.RenderTarget) error {
	if t.RenderStatus == "" {
		t.RenderStatus = models.RenderStatusPending
	}
	query := `
		INSERT INTO visuals (
			id, owner_id, style_tag, aspect_ratio, target_duration_seconds,
			audio_url, caption_cues, auto_captions, render_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := db.QueryRowContext(
		ctx, query,
		t.ID, t.OwnerID, t.StyleTag, t.AspectRatio, t.TargetDurationSeconds,
		nullString(t.AudioURL), t.CaptionCues, t.AutoCaptions, t.RenderStatus,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create visual: %w", err)
	}
	return nil
}

func (db *DB) GetRenderTarget(ctx context.Context, ownerID, id uuid.UUID) (*models.RenderTarget, error) {
	query := `SELECT ` + visualColumns + ` FROM visuals WHERE id = $1 AND owner_id = $2`

	t, err := scanVisual(db.QueryRowContext(ctx, query, id, ownerID))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visual: %w", err)
	}
	return t, nil
}

// BeginRender moves a visual to rendering in a single statement. A visual
// already rendering since after staleBefore is left alone and reported as
// models.ErrConflict.
func (db *DB) BeginRender(ctx context.Context, ownerID, id uuid.UUID, now, staleBefore time.Time) (*models.RenderTarget, error) {
	query := `
		UPDATE visuals
		SET render_status = 'rendering', render_started_at = $1,
			error_code = NULL, error_message = NULL, updated_at = now()
		WHERE id = $2 AND owner_id = $3
			AND (render_status <> 'rendering' OR render_started_at IS NULL OR render_started_at < $4)
		RETURNING ` + visualColumns

	t, err := scanVisual(db.QueryRowContext(ctx, query, now, id, ownerID, staleBefore))
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to begin render: %w", err)
	}

	// Nothing updated: either the visual is missing or a render is running.
	if _, getErr := db.GetRenderTarget(ctx, ownerID, id); getErr != nil {
		return nil, getErr
	}
	return nil, models.ErrConflict
}

func (db *DB) CompleteRender(ctx context.Context, t *models.RenderTarget) error {
	query := `
		UPDATE visuals
		SET render_status = 'completed', output_url = $1, degraded = $2,
			error_code = $3, error_message = $4, render_meta = $5, updated_at = now()
		WHERE id = $6 AND owner_id = $7 AND render_status = 'rendering'
		RETURNING updated_at
	`
	err := db.QueryRowContext(
		ctx, query,
		nullString(t.OutputURL), t.Degraded, nullString(t.ErrorCode), nullString(t.ErrorMessage),
		t.RenderMeta, t.ID, t.OwnerID,
	).Scan(&t.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to complete render: %w", err)
	}
	return nil
}

func (db *DB) FailRender(ctx context.Context, ownerID, id uuid.UUID, code, message string) error {
	query := `
		UPDATE visuals
		SET render_status = 'failed', error_code = $1, error_message = $2, updated_at = now()
		WHERE id = $3 AND owner_id = $4 AND render_status = 'rendering'
	`
	res, err := db.ExecContext(ctx, query, nullString(code), nullString(message), id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to record render failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConflict
	}
	return nil
}
