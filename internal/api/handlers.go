package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bobarin/loopreel/internal/generation"
	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultAspectRatio = "9:16"

// Requests creates and advances generation requests.
type Requests interface {
	Create(ctx context.Context, ownerID uuid.UUID, in models.CreateVideoRequest) (*models.VideoRequest, error)
	Advance(ctx context.Context, ownerID, requestID uuid.UUID) (*models.VideoRequest, error)
}

type RequestReader interface {
	GetRequest(ctx context.Context, ownerID, requestID uuid.UUID) (*models.VideoRequest, error)
}

type Syncer interface {
	Synchronize(ctx context.Context, in generation.SyncInput) (*models.VideoRequest, error)
}

type Visuals interface {
	CreateRenderTarget(ctx context.Context, t *models.RenderTarget) error
	GetRenderTarget(ctx context.Context, ownerID, id uuid.UUID) (*models.RenderTarget, error)
}

// Clips registers library clips.
type Clips interface {
	CreateClip(ctx context.Context, clip *models.Clip) error
}

type Renderer interface {
	Invoke(ctx context.Context, ownerID, targetID uuid.UUID) (*models.RenderTarget, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (*generation.SweepResult, error)
}

// Enqueuer hands long work to the worker. It is optional; without it every
// trigger runs inline.
type Enqueuer interface {
	EnqueueAdvance(ctx context.Context, ownerID, requestID uuid.UUID) error
	EnqueueRender(ctx context.Context, ownerID, visualID uuid.UUID) error
}

type Handler struct {
	requests Requests
	reader   RequestReader
	syncer   Syncer
	visuals  Visuals
	clips    Clips
	renderer Renderer
	sweeper  Sweeper
	enqueuer Enqueuer
	log      zerolog.Logger
}

type HandlerDeps struct {
	Requests Requests
	Reader   RequestReader
	Syncer   Syncer
	Visuals  Visuals
	Clips    Clips
	Renderer Renderer
	Sweeper  Sweeper
	Enqueuer Enqueuer // nil when no queue is configured
}

func NewHandler(deps HandlerDeps, logger zerolog.Logger) *Handler {
	return &Handler{
		requests: deps.Requests,
		reader:   deps.Reader,
		syncer:   deps.Syncer,
		visuals:  deps.Visuals,
		clips:    deps.Clips,
		renderer: deps.Renderer,
		sweeper:  deps.Sweeper,
		enqueuer: deps.Enqueuer,
		log:      logging.WithComponent(logger, "api"),
	}
}

// --- Generation requests ---

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())

	var in models.CreateVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondMessage(w, http.StatusBadRequest, string(models.KindValidation), "Invalid request body")
		return
	}

	req, err := h.requests.Create(r.Context(), owner, in)
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, requestStatus(req))
}

// GetRequest handles GET /v1/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	req, err := h.reader.GetRequest(r.Context(), owner, id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, requestStatus(req))
}

// AdvanceRequest handles POST /v1/requests/{id}/advance
// Query params:
//   - async: enqueue the pass for the worker instead of running it inline
func (h *Handler) AdvanceRequest(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if h.async(r) {
		req, err := h.reader.GetRequest(r.Context(), owner, id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		if err := h.enqueuer.EnqueueAdvance(r.Context(), owner, id); err != nil {
			h.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, requestStatus(req))
		return
	}

	req, err := h.requests.Advance(r.Context(), owner, id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, requestStatus(req))
}

// SyncJob handles POST /v1/jobs/sync
func (h *Handler) SyncJob(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())

	var in models.SyncJobRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondMessage(w, http.StatusBadRequest, string(models.KindValidation), "Invalid request body")
		return
	}

	req, err := h.syncer.Synchronize(r.Context(), generation.SyncInput{
		OwnerID:       owner,
		ProviderJobID: in.ProviderJobID,
		RequestID:     in.RequestID,
		SegmentIndex:  in.SegmentIndex,
		Prompt:        in.Prompt,
		Model:         in.Model,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, requestStatus(req))
}

// --- Visuals ---

// CreateVisual handles POST /v1/visuals
func (h *Handler) CreateVisual(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())

	var in models.CreateRenderTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondMessage(w, http.StatusBadRequest, string(models.KindValidation), "Invalid request body")
		return
	}

	t, err := newRenderTarget(owner, in)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if err := h.visuals.CreateRenderTarget(r.Context(), t); err != nil {
		h.respondError(w, models.PersistenceError("api.CreateVisual", err))
		return
	}

	respondJSON(w, http.StatusCreated, visualStatus(t))
}

// GetVisual handles GET /v1/visuals/{id}
func (h *Handler) GetVisual(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	t, err := h.visuals.GetRenderTarget(r.Context(), owner, id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, visualStatus(t))
}

// RenderVisual handles POST /v1/visuals/{id}/render
// Query params:
//   - async: enqueue the render for the worker instead of running it inline
func (h *Handler) RenderVisual(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if h.async(r) {
		t, err := h.visuals.GetRenderTarget(r.Context(), owner, id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		if err := h.enqueuer.EnqueueRender(r.Context(), owner, id); err != nil {
			h.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, visualStatus(t))
		return
	}

	t, err := h.renderer.Invoke(r.Context(), owner, id)
	if err != nil && t == nil {
		h.respondError(w, err)
		return
	}
	if err != nil {
		// The failure is recorded on the visual; answer with its status.
		h.log.Warn().Err(err).Str("visual_id", id.String()).Msg("render failed")
		respondJSON(w, statusFor(err), visualStatus(t))
		return
	}

	respondJSON(w, http.StatusOK, visualStatus(t))
}

// --- Internal ---

// Sweep handles POST /internal/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}

	for _, requestID := range result.AffectedRequests {
		owner, ok := result.RequestOwners[requestID]
		if !ok {
			continue
		}
		var advErr error
		if h.enqueuer != nil {
			advErr = h.enqueuer.EnqueueAdvance(r.Context(), owner, requestID)
		} else {
			_, advErr = h.requests.Advance(r.Context(), owner, requestID)
		}
		if advErr != nil {
			h.log.Warn().Err(advErr).Str("request_id", requestID.String()).Msg("failed to advance swept request")
		}
	}

	respondJSON(w, http.StatusOK, result)
}

// CreateClip handles POST /internal/clips
func (h *Handler) CreateClip(w http.ResponseWriter, r *http.Request) {
	var in models.CreateClipRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondMessage(w, http.StatusBadRequest, string(models.KindValidation), "Invalid request body")
		return
	}

	clip, err := newClip(in)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if err := h.clips.CreateClip(r.Context(), clip); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			h.respondError(w, models.NewError(models.KindConflict, "api.CreateClip", err))
			return
		}
		h.respondError(w, models.PersistenceError("api.CreateClip", err))
		return
	}

	respondJSON(w, http.StatusCreated, clip)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

func (h *Handler) async(r *http.Request) bool {
	if h.enqueuer == nil {
		return false
	}
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	return async
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondMessage(w, http.StatusBadRequest, string(models.KindValidation), "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func newRenderTarget(owner uuid.UUID, in models.CreateRenderTargetRequest) (*models.RenderTarget, error) {
	const op = "api.CreateVisual"

	aspect := defaultAspectRatio
	if in.AspectRatio != nil {
		aspect = strings.TrimSpace(*in.AspectRatio)
	}
	if !validAspectRatio(aspect) {
		return nil, models.ValidationError(op, "aspect_ratio must look like W:H, got %q", aspect)
	}
	if in.TargetDurationSeconds <= 0 {
		return nil, models.ValidationError(op, "target_duration_seconds must be positive")
	}
	for i, c := range in.CaptionCues {
		if c.EndTime <= c.StartTime {
			return nil, models.ValidationError(op, "caption cue %d ends before it starts", i)
		}
	}

	return &models.RenderTarget{
		ID:                    uuid.New(),
		OwnerID:               owner,
		StyleTag:              strings.TrimSpace(in.StyleTag),
		AspectRatio:           aspect,
		TargetDurationSeconds: in.TargetDurationSeconds,
		AudioURL:              strings.TrimSpace(in.AudioURL),
		CaptionCues:           in.CaptionCues,
		AutoCaptions:          in.AutoCaptions,
		RenderStatus:          models.RenderStatusPending,
	}, nil
}

func newClip(in models.CreateClipRequest) (*models.Clip, error) {
	const op = "api.CreateClip"

	source := strings.TrimSpace(in.SourceURL)
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return nil, models.ValidationError(op, "source_url must be an http(s) URL")
	}
	if in.DurationSeconds < 0 {
		return nil, models.ValidationError(op, "duration_seconds must not be negative")
	}
	aspect := defaultAspectRatio
	if in.AspectRatio != nil {
		aspect = strings.TrimSpace(*in.AspectRatio)
	}
	if !validAspectRatio(aspect) {
		return nil, models.ValidationError(op, "aspect_ratio must look like W:H, got %q", aspect)
	}

	id := uuid.New()
	if in.ID != nil && *in.ID != uuid.Nil {
		id = *in.ID
	}

	return &models.Clip{
		ID:              id,
		SourceURL:       source,
		DurationSeconds: in.DurationSeconds,
		StyleTags:       in.StyleTags,
		EnergyTags:      in.EnergyTags,
		AspectRatio:     aspect,
	}, nil
}

func validAspectRatio(s string) bool {
	w, h, ok := strings.Cut(s, ":")
	if !ok {
		return false
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	return err1 == nil && err2 == nil && wi > 0 && hi > 0
}

func requestStatus(req *models.VideoRequest) models.StatusResponse {
	resp := models.StatusResponse{
		ID:       req.ID,
		Status:   generation.RequestStatus(req),
		Progress: req.Progress,
	}

	output := req.OutputURL
	if output == "" && len(req.Segments) == 1 {
		output = req.Segments[0].OutputURL
	}
	if output != "" {
		resp.OutputURL = &output
	}
	if req.ErrorMessage != "" {
		msg := req.ErrorMessage
		resp.Error = &msg
	}

	for _, seg := range req.Segments {
		resp.Segments = append(resp.Segments, models.SegmentStatus{
			Index:     seg.SegmentIndex,
			State:     seg.State,
			OutputURL: seg.OutputURL,
			Error:     seg.ErrorMessage,
		})
	}
	return resp
}

func visualStatus(t *models.RenderTarget) models.StatusResponse {
	resp := models.StatusResponse{
		ID:       t.ID,
		Status:   string(t.RenderStatus),
		Degraded: t.Degraded,
	}
	if t.RenderStatus == models.RenderStatusCompleted {
		resp.Progress = 100
	}
	if t.OutputURL != "" {
		url := t.OutputURL
		resp.OutputURL = &url
	}
	if t.ErrorMessage != "" {
		msg := t.ErrorMessage
		resp.Error = &msg
	}
	if t.ErrorCode != "" {
		code := t.ErrorCode
		resp.ErrorCode = &code
	}
	return resp
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondMessage(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": message, "error_code": code})
}

// respondError maps a classified error to its HTTP status. Internal details
// of provider, persistence and unclassified errors are logged, not returned.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	code := models.CodeOf(err)
	status := statusFor(err)
	switch models.KindOf(err) {
	case models.KindValidation:
		respondMessage(w, status, code, err.Error())
	case models.KindNotFound:
		respondMessage(w, status, code, "Not found")
	case models.KindConflict:
		msg := "A render is already in progress"
		if errors.Is(err, models.ErrDuplicate) {
			msg = "Already exists"
		}
		respondMessage(w, status, code, msg)
	case models.KindUnauthorized:
		respondMessage(w, status, code, "Unauthorized")
	case models.KindProvider:
		h.log.Error().Err(err).Msg("provider error")
		respondMessage(w, status, code, "Video provider unavailable")
	default:
		h.log.Error().Err(err).Str("code", code).Msg("request failed")
		respondMessage(w, status, code, "Internal error")
	}
}

func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindUnauthorized:
		return http.StatusUnauthorized
	case models.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
