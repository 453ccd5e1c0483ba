package generation

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultIntentTTL is how long a staged submission blocks a resubmission of
// the same segment.
const DefaultIntentTTL = 10 * time.Minute

// ErrSubmissionInFlight is returned when another submission of the same
// segment is already staged.
var ErrSubmissionInFlight = errors.New("submission already in flight")

// SyncInput identifies a provider job to reconcile with local records.
type SyncInput struct {
	OwnerID       uuid.UUID
	ProviderJobID string
	RequestID     *uuid.UUID
	SegmentIndex  *int
	Prompt        string
	Model         string
}

// RecoveryFunc schedules a fallback synchronization for a provider job whose
// id could not be persisted.
type RecoveryFunc func(ctx context.Context, in SyncInput) error

// Submitter sends one pending segment to the provider in two phases: the
// intent is staged before the provider call, and confirmed with the provider
// id after it.
type Submitter struct {
	store     Store
	provider  services.VideoProvider
	recovery  RecoveryFunc
	intentTTL time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewSubmitter(store Store, provider services.VideoProvider, recovery RecoveryFunc, logger zerolog.Logger) *Submitter {
	return &Submitter{
		store:     store,
		provider:  provider,
		recovery:  recovery,
		intentTTL: DefaultIntentTTL,
		now:       time.Now,
		log:       logging.WithComponent(logger, "submitter"),
	}
}

// Submit submits job and updates it in place.
func (s *Submitter) Submit(ctx context.Context, job *models.GenerationJob) error {
	if job.State != models.JobStatePending || job.ProviderJobID != "" {
		return models.ValidationError("generation.Submit", "segment %d is not pending", job.SegmentIndex)
	}

	now := s.now()
	staged, err := s.store.StageSubmission(ctx, job.OwnerID, job.ID, now, now.Add(-s.intentTTL))
	if err != nil {
		return models.PersistenceError("generation.Submit", err)
	}
	if !staged {
		return models.NewError(models.KindConflict, "generation.Submit", ErrSubmissionInFlight)
	}
	job.SubmissionStagedAt = &now

	status, err := s.provider.Submit(ctx, services.SubmitRequest{
		Prompt:          job.FullPrompt(),
		Model:           job.Model,
		DurationSeconds: job.DurationSeconds,
		Size:            job.Size,
	})
	if err == nil && (status == nil || status.ID == "") {
		err = errors.New("provider returned no job id")
	}
	if err != nil {
		// Release the intent so the next advance can retry.
		if clearErr := s.store.ClearSubmission(ctx, job.OwnerID, job.ID); clearErr != nil {
			s.log.Error().Err(clearErr).Str("job_id", job.ID.String()).Msg("failed to clear submission intent")
		} else {
			job.SubmissionStagedAt = nil
		}
		return models.ProviderError("generation.Submit", err)
	}

	job.ProviderJobID = status.ID
	job.Provider = s.provider.Name()
	job.IDSource = models.IDSourceSubmission
	job.SubmissionStagedAt = nil
	job.State = models.JobStateQueued
	if status.State.Rank() > models.JobStateQueued.Rank() {
		applyStatus(job, status)
	}

	if _, err := s.store.UpdateJob(ctx, job); err != nil {
		s.log.Error().Err(err).
			Str("job_id", job.ID.String()).
			Str("provider_job_id", status.ID).
			Msg("provider accepted the job but confirming it failed, scheduling recovery")

		if s.recovery != nil {
			reqID, idx := job.RequestID, job.SegmentIndex
			in := SyncInput{
				OwnerID:       job.OwnerID,
				ProviderJobID: status.ID,
				RequestID:     &reqID,
				SegmentIndex:  &idx,
				Prompt:        job.Prompt,
				Model:         job.Model,
			}
			if recErr := s.recovery(ctx, in); recErr != nil {
				s.log.Error().Err(recErr).Str("provider_job_id", status.ID).Msg("failed to schedule recovery")
			}
		}
		return models.PersistenceError("generation.Submit", err)
	}

	s.log.Info().
		Str("job_id", job.ID.String()).
		Int("segment", job.SegmentIndex).
		Str("provider_job_id", job.ProviderJobID).
		Str("state", string(job.State)).
		Msg("segment submitted")

	return nil
}
