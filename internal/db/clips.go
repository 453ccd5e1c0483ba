package db

import (
	"context"
	"fmt"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func (db *DB) CreateClip(ctx context.Context, clip *models.Clip) error {
	query := `
		INSERT INTO library_clips (
			id, source_url, duration_seconds, style_tags, energy_tags, aspect_ratio
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING usage_count, created_at
	`

	err := db.QueryRowContext(
		ctx, query,
		clip.ID, clip.SourceURL, clip.DurationSeconds,
		pq.Array(nonNil(clip.StyleTags)), pq.Array(nonNil(clip.EnergyTags)), clip.AspectRatio,
	).Scan(&clip.UsageCount, &clip.CreatedAt)
	if isUniqueViolation(err) {
		return models.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create clip: %w", err)
	}
	return nil
}

// SampleClips draws up to n random clips carrying styleTag and matching
// aspectRatio. Empty filters match everything.
func (db *DB) SampleClips(ctx context.Context, styleTag, aspectRatio string, n int) ([]models.Clip, error) {
	query := `
		SELECT id, source_url, duration_seconds, style_tags, energy_tags, aspect_ratio, usage_count, created_at
		FROM library_clips
		WHERE ($1 = '' OR $1 = ANY(style_tags))
			AND ($2 = '' OR aspect_ratio = $2)
		ORDER BY random()
		LIMIT $3
	`

	rows, err := db.QueryContext(ctx, query, styleTag, aspectRatio, n)
	if err != nil {
		return nil, fmt.Errorf("failed to sample clips: %w", err)
	}
	defer rows.Close()

	var clips []models.Clip
	for rows.Next() {
		var c models.Clip
		if err := rows.Scan(
			&c.ID, &c.SourceURL, &c.DurationSeconds,
			pq.Array(&c.StyleTags), pq.Array(&c.EnergyTags),
			&c.AspectRatio, &c.UsageCount, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan clip: %w", err)
		}
		clips = append(clips, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read clips: %w", err)
	}

	return clips, nil
}

// RecordClipUsage adds counts to the clips' usage totals.
func (db *DB) RecordClipUsage(ctx context.Context, counts map[uuid.UUID]int) error {
	if len(counts) == 0 {
		return nil
	}

	ids := make([]string, 0, len(counts))
	deltas := make([]int64, 0, len(counts))
	for id, n := range counts {
		ids = append(ids, id.String())
		deltas = append(deltas, int64(n))
	}

	query := `
		UPDATE library_clips AS c
		SET usage_count = c.usage_count + u.delta
		FROM unnest($1::uuid[], $2::bigint[]) AS u(id, delta)
		WHERE c.id = u.id
	`
	if _, err := db.ExecContext(ctx, query, pq.Array(ids), pq.Array(deltas)); err != nil {
		return fmt.Errorf("failed to record clip usage: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
