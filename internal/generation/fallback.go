package generation

import (
	"context"
	"errors"
	"strings"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FallbackSync reconciles a provider job reported from outside the normal
// submission path (recovery queue, provider callback, manual sync). It never
// creates a second record for the same (owner, provider job id).
type FallbackSync struct {
	store        Store
	providers    *Providers
	orchestrator *Orchestrator
	log          zerolog.Logger
}

func NewFallbackSync(store Store, providers *Providers, orchestrator *Orchestrator, logger zerolog.Logger) *FallbackSync {
	return &FallbackSync{
		store:        store,
		providers:    providers,
		orchestrator: orchestrator,
		log:          logging.WithComponent(logger, "fallback_sync"),
	}
}

// Synchronize polls the provider job and attaches the result to the record
// that owns it, creating one if none does.
func (f *FallbackSync) Synchronize(ctx context.Context, in SyncInput) (*models.VideoRequest, error) {
	in.ProviderJobID = strings.TrimSpace(in.ProviderJobID)
	if in.ProviderJobID == "" {
		return nil, models.ValidationError("generation.Synchronize", "provider_job_id is required")
	}
	if in.OwnerID == uuid.Nil {
		return nil, models.ValidationError("generation.Synchronize", "owner is required")
	}

	logger := f.log.With().Str("provider_job_id", in.ProviderJobID).Logger()

	existing, err := f.store.FindJobByProviderID(ctx, in.OwnerID, in.ProviderJobID)
	switch {
	case err == nil:
		// A tracked job is polled where it was submitted.
		status, err := f.providers.For(existing.Provider).Retrieve(ctx, in.ProviderJobID)
		if err != nil {
			return nil, models.ProviderError("generation.Synchronize", err)
		}
		logger.Debug().Str("job_id", existing.ID.String()).Str("provider", existing.Provider).Msg("reconciling existing job")
		return f.reconcile(ctx, existing, status)
	case !errors.Is(err, models.ErrNotFound):
		return nil, models.PersistenceError("generation.Synchronize", err)
	}

	provider := f.providers.Primary()
	status, err := provider.Retrieve(ctx, in.ProviderJobID)
	if err != nil {
		return nil, models.ProviderError("generation.Synchronize", err)
	}

	if in.RequestID != nil && in.SegmentIndex != nil {
		req, attached, err := f.attach(ctx, in, provider.Name(), status)
		if err != nil {
			return nil, err
		}
		if attached {
			logger.Info().Str("request_id", req.ID.String()).Int("segment", *in.SegmentIndex).Msg("provider id attached to segment")
			return req, nil
		}
	}

	return f.create(ctx, in, provider.Name(), status, logger)
}

func (f *FallbackSync) reconcile(ctx context.Context, job *models.GenerationJob, status *services.ProviderStatus) (*models.VideoRequest, error) {
	if applyStatus(job, status) {
		if _, err := f.store.UpdateJob(ctx, job); err != nil {
			return nil, models.PersistenceError("generation.Synchronize", err)
		}
	}
	return f.orchestrator.advance(ctx, job.OwnerID, job.RequestID, false)
}

// attach records the provider id on the named segment when that segment has
// none yet. It reports false when the segment cannot take it.
func (f *FallbackSync) attach(ctx context.Context, in SyncInput, providerName string, status *services.ProviderStatus) (*models.VideoRequest, bool, error) {
	req, err := f.store.GetRequest(ctx, in.OwnerID, *in.RequestID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, models.PersistenceError("generation.Synchronize", err)
	}

	var job *models.GenerationJob
	for i := range req.Segments {
		if req.Segments[i].SegmentIndex == *in.SegmentIndex {
			job = &req.Segments[i]
			break
		}
	}
	if job == nil || job.ProviderJobID != "" || job.State.IsTerminal() {
		return nil, false, nil
	}

	job.ProviderJobID = in.ProviderJobID
	job.Provider = providerName
	job.IDSource = models.IDSourceRecovery
	job.SubmissionStagedAt = nil
	if job.State.Rank() < models.JobStateQueued.Rank() {
		job.State = models.JobStateQueued
	}
	applyStatus(job, status)

	if _, err := f.store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			// Someone else attached the id first; reconcile theirs.
			existing, findErr := f.store.FindJobByProviderID(ctx, in.OwnerID, in.ProviderJobID)
			if findErr != nil {
				return nil, false, models.PersistenceError("generation.Synchronize", findErr)
			}
			req, err := f.reconcile(ctx, existing, status)
			return req, err == nil, err
		}
		return nil, false, models.PersistenceError("generation.Synchronize", err)
	}

	req, err = f.orchestrator.advance(ctx, in.OwnerID, req.ID, false)
	return req, err == nil, err
}

func (f *FallbackSync) create(ctx context.Context, in SyncInput, providerName string, status *services.ProviderStatus, logger zerolog.Logger) (*models.VideoRequest, error) {
	req := &models.VideoRequest{
		ID:                    uuid.New(),
		OwnerID:               in.OwnerID,
		Prompt:                in.Prompt,
		Model:                 in.Model,
		Size:                  DefaultSize,
		TargetDurationSeconds: DefaultTargetSeconds,
		StitchState:           models.StitchStateSingle,
	}
	job := models.GenerationJob{
		ID:              uuid.New(),
		OwnerID:         in.OwnerID,
		RequestID:       req.ID,
		SegmentIndex:    0,
		Prompt:          in.Prompt,
		Model:           in.Model,
		DurationSeconds: DefaultTargetSeconds,
		Size:            DefaultSize,
		State:           models.JobStateQueued,
		ProviderJobID:   in.ProviderJobID,
		Provider:        providerName,
		IDSource:        models.IDSourceRecovery,
	}
	applyStatus(&job, status)
	req.Segments = []models.GenerationJob{job}
	aggregate(req)

	if err := f.store.CreateRequest(ctx, req); err != nil {
		if !errors.Is(err, models.ErrDuplicate) {
			return nil, models.PersistenceError("generation.Synchronize", err)
		}
		// Lost a race with a concurrent sync for the same id.
		existing, findErr := f.store.FindJobByProviderID(ctx, in.OwnerID, in.ProviderJobID)
		if findErr != nil {
			return nil, models.PersistenceError("generation.Synchronize", findErr)
		}
		return f.reconcile(ctx, existing, status)
	}

	logger.Info().Str("request_id", req.ID.String()).Msg("created request for untracked provider job")
	return req, nil
}
