package generation

import (
	"context"
	"strings"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OrchestratorConfig carries request defaults.
type OrchestratorConfig struct {
	DefaultModel      string
	MaxSegmentSeconds int
}

// Orchestrator advances one request at a time: it polls outstanding
// segments, submits the next segment once its predecessors are done and
// keeps the request aggregate current.
type Orchestrator struct {
	store     Store
	providers *Providers
	submitter *Submitter
	planner   Planner
	stitcher  Stitcher
	cfg       OrchestratorConfig
	log       zerolog.Logger
}

func NewOrchestrator(store Store, providers *Providers, submitter *Submitter, planner Planner, stitcher Stitcher, cfg OrchestratorConfig, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxSegmentSeconds <= 0 {
		cfg.MaxSegmentSeconds = 10
	}
	return &Orchestrator{
		store:     store,
		providers: providers,
		submitter: submitter,
		planner:   planner,
		stitcher:  stitcher,
		cfg:       cfg,
		log:       logging.WithComponent(logger, "orchestrator"),
	}
}

// Create validates input, persists a new request with its planned segments
// and submits the first one.
func (o *Orchestrator) Create(ctx context.Context, ownerID uuid.UUID, in models.CreateVideoRequest) (*models.VideoRequest, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, models.ValidationError("generation.Create", "prompt is required")
	}

	target := DefaultTargetSeconds
	if in.TargetDurationSeconds != nil {
		target = *in.TargetDurationSeconds
	}
	if target < 1 || target > MaxTargetSeconds {
		return nil, models.ValidationError("generation.Create", "target_duration_seconds must be between 1 and %d", MaxTargetSeconds)
	}

	size := in.Size
	if size == "" {
		size = DefaultSize
	}
	if _, _, ok := services.ParseSize(size); !ok {
		return nil, models.ValidationError("generation.Create", "size must look like WIDTHxHEIGHT, got %q", size)
	}

	model := in.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}

	durations := PlanSegments(target, o.cfg.MaxSegmentSeconds)
	var suffixes []string
	if o.planner != nil {
		suffixes = o.planner.PlanSegmentSuffixes(ctx, prompt, durations)
	}
	if len(suffixes) != len(durations) {
		suffixes = services.FallbackSuffixes(len(durations))
	}

	req := &models.VideoRequest{
		ID:                    uuid.New(),
		OwnerID:               ownerID,
		Prompt:                prompt,
		Model:                 model,
		Size:                  size,
		TargetDurationSeconds: target,
		StitchState:           models.StitchStateRunning,
	}
	if len(durations) == 1 {
		req.StitchState = models.StitchStateSingle
	}
	for i, d := range durations {
		req.Segments = append(req.Segments, models.GenerationJob{
			ID:              uuid.New(),
			OwnerID:         ownerID,
			RequestID:       req.ID,
			SegmentIndex:    i,
			Prompt:          prompt,
			PromptSuffix:    suffixes[i],
			Model:           model,
			DurationSeconds: d,
			Size:            size,
			State:           models.JobStatePending,
		})
	}

	if err := o.store.CreateRequest(ctx, req); err != nil {
		return nil, models.PersistenceError("generation.Create", err)
	}

	o.log.Info().
		Str("request_id", req.ID.String()).
		Int("segments", len(req.Segments)).
		Int("target", target).
		Msg("request created")

	advanced, err := o.Advance(ctx, ownerID, req.ID)
	if err != nil {
		o.log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("initial advance failed")
		return req, nil
	}
	return advanced, nil
}

// Advance runs one bounded pass over a request. Calling it again without an
// external change writes nothing.
func (o *Orchestrator) Advance(ctx context.Context, ownerID, requestID uuid.UUID) (*models.VideoRequest, error) {
	return o.advance(ctx, ownerID, requestID, true)
}

func (o *Orchestrator) advance(ctx context.Context, ownerID, requestID uuid.UUID, poll bool) (*models.VideoRequest, error) {
	req, err := o.store.GetRequest(ctx, ownerID, requestID)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return nil, err
		}
		return nil, models.PersistenceError("generation.Advance", err)
	}
	logger := o.log.With().Str("request_id", req.ID.String()).Logger()

	if poll {
		o.pollSegments(ctx, req, logger)
	}
	o.submitNext(ctx, req, logger)

	changed := aggregate(req)
	if o.stitchIfReady(ctx, req, logger) {
		changed = true
	}

	if changed {
		if err := o.store.UpdateRequest(ctx, req); err != nil {
			return nil, models.PersistenceError("generation.Advance", err)
		}
		logger.Debug().
			Str("stitch_state", string(req.StitchState)).
			Int("progress", req.Progress).
			Msg("request updated")
	}

	return req, nil
}

func (o *Orchestrator) pollSegments(ctx context.Context, req *models.VideoRequest, logger zerolog.Logger) {
	for i := range req.Segments {
		job := &req.Segments[i]
		if job.State.IsTerminal() || job.ProviderJobID == "" {
			continue
		}

		provider := o.providers.For(job.Provider)
		status, err := provider.Retrieve(ctx, job.ProviderJobID)
		if err != nil {
			logger.Warn().Err(err).Int("segment", job.SegmentIndex).Msg("segment poll failed")
			continue
		}

		before := *job
		if !applyStatus(job, status) {
			continue
		}
		if _, err := o.store.UpdateJob(ctx, job); err != nil {
			logger.Error().Err(err).Int("segment", job.SegmentIndex).Msg("failed to persist segment status")
			*job = before
			continue
		}
		logger.Debug().
			Int("segment", job.SegmentIndex).
			Str("from", string(before.State)).
			Str("to", string(job.State)).
			Msg("segment state changed")
	}
}

// submitNext submits the first segment that is not completed, provided it
// is still pending. Segments run strictly in order.
func (o *Orchestrator) submitNext(ctx context.Context, req *models.VideoRequest, logger zerolog.Logger) {
	for i := range req.Segments {
		job := &req.Segments[i]
		if job.State == models.JobStateCompleted {
			continue
		}
		if job.State != models.JobStatePending || job.ProviderJobID != "" {
			return
		}
		if err := o.submitter.Submit(ctx, job); err != nil {
			if models.KindOf(err) == models.KindConflict {
				logger.Debug().Int("segment", job.SegmentIndex).Msg("submission already staged")
				return
			}
			logger.Warn().Err(err).Int("segment", job.SegmentIndex).Msg("segment submission failed")
		}
		return
	}
}

// stitchIfReady joins a completed multi-segment request. A failed stitch
// leaves the output empty so the next advance retries it.
func (o *Orchestrator) stitchIfReady(ctx context.Context, req *models.VideoRequest, logger zerolog.Logger) bool {
	if req.StitchState != models.StitchStateCompleted || req.OutputURL != "" || o.stitcher == nil {
		return false
	}

	url, err := o.stitcher.Stitch(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("stitch failed")
		return false
	}
	req.OutputURL = url
	logger.Info().Str("output_url", url).Msg("request stitched")
	return true
}
