// Package render turns a render target into a finished loop video built
// from library clips.
package render

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/services"
	"github.com/bobarin/loopreel/internal/storage"
	"github.com/bobarin/loopreel/internal/timeline"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultStaleAfter       = 30 * time.Minute
	DefaultStageConcurrency = 4
	MinClips                = 4
	MaxClips                = 6

	// outcomeTimeout bounds the final status write, which runs detached
	// from the caller's context.
	outcomeTimeout = 10 * time.Second

	// ErrorCodeDegraded marks a target completed with the placeholder video.
	ErrorCodeDegraded = "render_degraded"
)

// Store persists render targets. BeginRender must atomically move a target
// to rendering and return models.ErrConflict while a fresh render runs.
type Store interface {
	GetRenderTarget(ctx context.Context, ownerID, id uuid.UUID) (*models.RenderTarget, error)
	BeginRender(ctx context.Context, ownerID, id uuid.UUID, now, staleBefore time.Time) (*models.RenderTarget, error)
	CompleteRender(ctx context.Context, t *models.RenderTarget) error
	FailRender(ctx context.Context, ownerID, id uuid.UUID, code, message string) error
}

// Catalog is the clip library. SampleClips is the only random step of a
// render.
type Catalog interface {
	SampleClips(ctx context.Context, styleTag, aspectRatio string, n int) ([]models.Clip, error)
	RecordClipUsage(ctx context.Context, counts map[uuid.UUID]int) error
}

type Compositor interface {
	Available() bool
	ComposeTimeline(ctx context.Context, spec services.ComposeSpec) error
	// GetVideoDuration probes a staged clip whose catalog entry has no
	// duration.
	GetVideoDuration(ctx context.Context, path string) (float64, error)
}

// Artifacts moves files between object storage and the local work dir.
type Artifacts interface {
	FetchToFile(ctx context.Context, srcURL, localPath string) error
	UploadFile(ctx context.Context, objectPath, localPath, contentType string) (string, error)
}

type Transcriber interface {
	TranscribeCaptions(ctx context.Context, audio []byte) ([]models.CaptionCue, error)
}

type Config struct {
	TempDir            string
	StaleAfter         time.Duration
	PlaceholderEnabled bool
	PlaceholderURL     string
	StageConcurrency   int
}

// Invoker runs one render per call. Concurrent renders of the same target
// are serialized by the status check-and-set in Start.
type Invoker struct {
	store       Store
	catalog     Catalog
	compositor  Compositor
	artifacts   Artifacts
	transcriber Transcriber
	variator    timeline.Variator
	cfg         Config

	clipCount func() int
	now       func() time.Time
	log       zerolog.Logger
}

// NewInvoker wires an invoker. transcriber may be nil, in which case targets
// asking for automatic captions render without them.
func NewInvoker(store Store, catalog Catalog, compositor Compositor, artifacts Artifacts, transcriber Transcriber, cfg Config, logger zerolog.Logger) *Invoker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.StageConcurrency <= 0 {
		cfg.StageConcurrency = DefaultStageConcurrency
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Invoker{
		store:       store,
		catalog:     catalog,
		compositor:  compositor,
		artifacts:   artifacts,
		transcriber: transcriber,
		variator:    timeline.NewSeededVariator(),
		cfg:         cfg,
		clipCount:   func() int { return MinClips + rand.IntN(MaxClips-MinClips+1) },
		now:         time.Now,
		log:         logging.WithComponent(logger, "render"),
	}
}

// Invoke starts and runs a render of the target.
func (i *Invoker) Invoke(ctx context.Context, ownerID, targetID uuid.UUID) (*models.RenderTarget, error) {
	t, err := i.Start(ctx, ownerID, targetID)
	if err != nil {
		return nil, err
	}
	return i.Run(ctx, t)
}

// Start claims the target for rendering. A target already rendering is a
// conflict unless its render started more than StaleAfter ago.
func (i *Invoker) Start(ctx context.Context, ownerID, targetID uuid.UUID) (*models.RenderTarget, error) {
	now := i.now()
	t, err := i.store.BeginRender(ctx, ownerID, targetID, now, now.Add(-i.cfg.StaleAfter))
	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, models.ErrNotFound):
		return nil, models.NewError(models.KindNotFound, "render.Start", err)
	case errors.Is(err, models.ErrConflict):
		return nil, models.ConflictError("render.Start")
	default:
		return nil, models.PersistenceError("render.Start", err)
	}
}

// Run renders a target claimed by Start and records the outcome.
func (i *Invoker) Run(ctx context.Context, t *models.RenderTarget) (*models.RenderTarget, error) {
	logger := i.log.With().Str("target_id", t.ID.String()).Logger()
	started := i.now()

	out, renderErr := i.render(ctx, t, logger)

	// Recorded even when the caller has gone away.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	if renderErr == nil {
		t.RenderStatus = models.RenderStatusCompleted
		t.OutputURL = out.url
		t.Degraded = false
		t.ErrorCode = ""
		t.ErrorMessage = ""
		t.RenderMeta = out.meta
		t.RenderMeta["elapsed_ms"] = i.now().Sub(started).Milliseconds()
		if err := i.store.CompleteRender(writeCtx, t); err != nil {
			return nil, models.PersistenceError("render.Run", err)
		}
		logger.Info().Str("output_url", t.OutputURL).Msg("render completed")
		return t, nil
	}

	if ctx.Err() == nil && i.degradable(renderErr) {
		t.RenderStatus = models.RenderStatusCompleted
		t.OutputURL = i.cfg.PlaceholderURL
		t.Degraded = true
		t.ErrorCode = ErrorCodeDegraded
		t.ErrorMessage = renderErr.Error()
		t.RenderMeta = models.JSONB{"placeholder": true, "cause": models.CodeOf(renderErr)}
		if err := i.store.CompleteRender(writeCtx, t); err != nil {
			return nil, models.PersistenceError("render.Run", err)
		}
		logger.Warn().Err(renderErr).Msg("render failed, completed with placeholder")
		return t, nil
	}

	code := models.CodeOf(renderErr)
	if err := i.store.FailRender(writeCtx, t.OwnerID, t.ID, code, renderErr.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to record render failure")
	}
	t.RenderStatus = models.RenderStatusFailed
	t.ErrorCode = code
	t.ErrorMessage = renderErr.Error()
	logger.Error().Err(renderErr).Str("error_code", code).Msg("render failed")
	return t, renderErr
}

// degradable reports whether err may be papered over with the placeholder.
// Bad input and storage errors are never hidden.
func (i *Invoker) degradable(err error) bool {
	return i.cfg.PlaceholderEnabled && i.cfg.PlaceholderURL != "" &&
		models.KindOf(err) == models.KindRender
}

type renderOutput struct {
	url  string
	meta models.JSONB
}

func (i *Invoker) render(ctx context.Context, t *models.RenderTarget, logger zerolog.Logger) (*renderOutput, error) {
	const op = "render.Run"

	clips, err := i.catalog.SampleClips(ctx, t.StyleTag, t.AspectRatio, i.clipCount())
	if err != nil {
		return nil, models.PersistenceError(op, fmt.Errorf("failed to sample clips: %w", err))
	}
	if len(clips) == 0 {
		return nil, models.ValidationError(op, "no clips match style %q and aspect ratio %q", t.StyleTag, t.AspectRatio)
	}

	workDir, err := os.MkdirTemp(i.cfg.TempDir, "render-"+t.ID.String()+"-")
	if err != nil {
		return nil, models.RenderError(op, "workdir_failed", fmt.Errorf("failed to create work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn().Err(err).Str("dir", workDir).Msg("failed to remove work dir")
		}
	}()

	// ── Stage clip sources and audio in parallel ──────────────────────
	sources := make(map[uuid.UUID]string, len(clips))
	for _, c := range clips {
		sources[c.ID] = filepath.Join(workDir, "clip-"+c.ID.String()+".mp4")
	}
	audioPath := ""
	if t.AudioURL != "" {
		audioPath = filepath.Join(workDir, "audio")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.StageConcurrency)
	for _, c := range clips {
		src, dst := c.SourceURL, sources[c.ID]
		g.Go(func() error {
			return i.artifacts.FetchToFile(gctx, src, dst)
		})
	}
	if audioPath != "" {
		g.Go(func() error {
			return i.artifacts.FetchToFile(gctx, t.AudioURL, audioPath)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, models.RenderError(op, "stage_failed", fmt.Errorf("failed to stage sources: %w", err))
	}

	for idx := range clips {
		if clips[idx].DurationSeconds > 0 {
			continue
		}
		d, err := i.compositor.GetVideoDuration(ctx, sources[clips[idx].ID])
		if err != nil || d <= 0 {
			return nil, models.RenderError(op, "probe_failed", fmt.Errorf("failed to probe clip %s: %v", clips[idx].ID, err))
		}
		clips[idx].DurationSeconds = d
	}

	// ── Captions ──────────────────────────────────────────────────────
	cues := []models.CaptionCue(t.CaptionCues)
	if len(cues) == 0 && t.AutoCaptions && audioPath != "" && i.transcriber != nil {
		cues = i.transcribe(ctx, audioPath, logger)
	}

	tl, err := timeline.Build(clips, t.TargetDurationSeconds, cues, timeline.Options{Variation: i.variator})
	if err != nil {
		return nil, err
	}

	subtitlePath := ""
	if len(cues) > 0 {
		path := filepath.Join(workDir, "captions.ass")
		if err := services.GenerateASSSubtitles(cues, path); err != nil {
			logger.Warn().Err(err).Msg("failed to write captions, rendering without")
		} else {
			subtitlePath = path
		}
	}

	// ── Compose ───────────────────────────────────────────────────────
	if !i.compositor.Available() {
		return nil, models.RenderError(op, "compositor_unavailable", errors.New("ffmpeg is not installed"))
	}

	spec := services.ComposeSpec{
		AudioPath:       audioPath,
		SubtitlePath:    subtitlePath,
		DurationSeconds: tl.TotalDuration,
		FadeSeconds:     timeline.DefaultFadeSeconds,
		OutputPath:      filepath.Join(workDir, "loop.mp4"),
	}
	for _, seg := range tl.Segments {
		spec.Segments = append(spec.Segments, services.ComposeSegment{
			SourcePath: sources[seg.ClipID],
			Duration:   seg.Duration,
			Transform:  seg.Transform,
		})
	}

	logger.Info().
		Int("clips", len(clips)).
		Int("segments", len(tl.Segments)).
		Float64("duration", tl.TotalDuration).
		Int("captions", len(cues)).
		Msg("composing loop")

	if err := i.compositor.ComposeTimeline(ctx, spec); err != nil {
		return nil, models.RenderError(op, "compose_failed", err)
	}

	objectPath := storage.ObjectPath(t.OwnerID, "visuals", t.ID, "loop.mp4")
	url, err := i.artifacts.UploadFile(ctx, objectPath, spec.OutputPath, "video/mp4")
	if err != nil {
		return nil, models.RenderError(op, "upload_failed", err)
	}

	if err := i.catalog.RecordClipUsage(ctx, tl.UsageCounts); err != nil {
		logger.Warn().Err(err).Msg("failed to record clip usage")
	}

	return &renderOutput{
		url: url,
		meta: models.JSONB{
			"clips":     len(clips),
			"segments":  len(tl.Segments),
			"captions":  len(cues),
			"duration":  tl.TotalDuration,
			"subtitled": subtitlePath != "",
		},
	}, nil
}

// transcribe derives caption cues from the staged audio. Failures only cost
// the captions.
func (i *Invoker) transcribe(ctx context.Context, audioPath string, logger zerolog.Logger) []models.CaptionCue {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read staged audio")
		return nil
	}
	cues, err := i.transcriber.TranscribeCaptions(ctx, data)
	if err != nil {
		logger.Warn().Err(err).Msg("caption transcription failed, rendering without captions")
		return nil
	}
	return cues
}
