// Package memstore is an in-memory implementation of the request, job,
// render target and clip catalog stores. It backs development runs without
// a database and the package tests.
package memstore

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
)

type providerKey struct {
	owner uuid.UUID
	id    string
}

type Store struct {
	mu sync.RWMutex

	requests   map[uuid.UUID]*models.VideoRequest
	jobs       map[uuid.UUID]*models.GenerationJob
	byProvider map[providerKey]uuid.UUID
	targets    map[uuid.UUID]*models.RenderTarget
	clips      []*models.Clip

	writes int
	now    func() time.Time
}

func New() *Store {
	return &Store{
		requests:   make(map[uuid.UUID]*models.VideoRequest),
		jobs:       make(map[uuid.UUID]*models.GenerationJob),
		byProvider: make(map[providerKey]uuid.UUID),
		targets:    make(map[uuid.UUID]*models.RenderTarget),
		now:        time.Now,
	}
}

// Writes returns the number of mutations applied so far.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// ---------------------------------------------------------------------------
// Requests and generation jobs
// ---------------------------------------------------------------------------

func (s *Store) CreateRequest(ctx context.Context, req *models.VideoRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; ok {
		return models.ErrDuplicate
	}
	for _, job := range req.Segments {
		if _, ok := s.jobs[job.ID]; ok {
			return models.ErrDuplicate
		}
		if job.ProviderJobID != "" {
			if _, ok := s.byProvider[providerKey{job.OwnerID, job.ProviderJobID}]; ok {
				return models.ErrDuplicate
			}
		}
	}

	now := s.now()
	req.CreatedAt, req.UpdatedAt = now, now
	stored := *req
	stored.Segments = nil
	s.requests[req.ID] = &stored

	for i := range req.Segments {
		job := req.Segments[i]
		job.CreatedAt = now.Add(time.Duration(i))
		job.UpdatedAt = job.CreatedAt
		req.Segments[i].CreatedAt, req.Segments[i].UpdatedAt = job.CreatedAt, job.UpdatedAt
		s.jobs[job.ID] = &job
		if job.ProviderJobID != "" {
			s.byProvider[providerKey{job.OwnerID, job.ProviderJobID}] = job.ID
		}
	}
	s.writes++
	return nil
}

func (s *Store) GetRequest(ctx context.Context, ownerID, requestID uuid.UUID) (*models.VideoRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.requests[requestID]
	if !ok || stored.OwnerID != ownerID {
		return nil, models.ErrNotFound
	}

	req := *stored
	req.Segments = nil
	for _, job := range s.jobs {
		if job.RequestID == requestID {
			req.Segments = append(req.Segments, copyJob(job))
		}
	}
	sort.Slice(req.Segments, func(i, j int) bool {
		return req.Segments[i].SegmentIndex < req.Segments[j].SegmentIndex
	})
	return &req, nil
}

func (s *Store) UpdateRequest(ctx context.Context, req *models.VideoRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.requests[req.ID]
	if !ok || stored.OwnerID != req.OwnerID {
		return models.ErrNotFound
	}
	stored.StitchState = req.StitchState
	stored.Progress = req.Progress
	stored.OutputURL = req.OutputURL
	stored.ErrorMessage = req.ErrorMessage
	stored.UpdatedAt = s.now()
	req.UpdatedAt = stored.UpdatedAt
	s.writes++
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, job *models.GenerationJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok || stored.OwnerID != job.OwnerID {
		return false, models.ErrNotFound
	}
	if stored.State.IsTerminal() {
		return false, nil
	}

	if job.ProviderJobID != "" && job.ProviderJobID != stored.ProviderJobID {
		key := providerKey{job.OwnerID, job.ProviderJobID}
		if other, ok := s.byProvider[key]; ok && other != job.ID {
			return false, models.ErrDuplicate
		}
		if stored.ProviderJobID != "" {
			delete(s.byProvider, providerKey{stored.OwnerID, stored.ProviderJobID})
		}
		s.byProvider[key] = job.ID
	}

	stored.State = job.State
	stored.ProviderJobID = job.ProviderJobID
	stored.Provider = job.Provider
	stored.IDSource = job.IDSource
	stored.OutputURL = job.OutputURL
	stored.ThumbnailURL = job.ThumbnailURL
	stored.ErrorMessage = job.ErrorMessage
	stored.PollErrors = job.PollErrors
	stored.SubmissionStagedAt = copyTime(job.SubmissionStagedAt)
	stored.UpdatedAt = s.now()
	job.UpdatedAt = stored.UpdatedAt
	s.writes++
	return true, nil
}

func (s *Store) StageSubmission(ctx context.Context, ownerID, jobID uuid.UUID, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[jobID]
	if !ok || stored.OwnerID != ownerID {
		return false, models.ErrNotFound
	}
	if stored.State != models.JobStatePending || stored.ProviderJobID != "" {
		return false, nil
	}
	if stored.SubmissionStagedAt != nil && !stored.SubmissionStagedAt.Before(staleBefore) {
		return false, nil
	}
	stored.SubmissionStagedAt = copyTime(&at)
	stored.UpdatedAt = s.now()
	s.writes++
	return true, nil
}

func (s *Store) ClearSubmission(ctx context.Context, ownerID, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[jobID]
	if !ok || stored.OwnerID != ownerID {
		return models.ErrNotFound
	}
	if stored.SubmissionStagedAt == nil {
		return nil
	}
	stored.SubmissionStagedAt = nil
	stored.UpdatedAt = s.now()
	s.writes++
	return nil
}

func (s *Store) FindJobByProviderID(ctx context.Context, ownerID uuid.UUID, providerJobID string) (*models.GenerationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProvider[providerKey{ownerID, providerJobID}]
	if !ok {
		return nil, models.ErrNotFound
	}
	job := copyJob(s.jobs[id])
	return &job, nil
}

func (s *Store) ListOutstandingJobs(ctx context.Context, limit int) ([]models.GenerationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.GenerationJob
	for _, job := range s.jobs {
		if job.State.IsTerminal() || job.ProviderJobID == "" {
			continue
		}
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SegmentIndex < out[j].SegmentIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Render targets
// ---------------------------------------------------------------------------

func (s *Store) CreateRenderTarget(ctx context.Context, t *models.RenderTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targets[t.ID]; ok {
		return models.ErrDuplicate
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.RenderStatus == "" {
		t.RenderStatus = models.RenderStatusPending
	}
	stored := copyTarget(t)
	s.targets[t.ID] = &stored
	s.writes++
	return nil
}

func (s *Store) GetRenderTarget(ctx context.Context, ownerID, id uuid.UUID) (*models.RenderTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.targets[id]
	if !ok || stored.OwnerID != ownerID {
		return nil, models.ErrNotFound
	}
	t := copyTarget(stored)
	return &t, nil
}

func (s *Store) BeginRender(ctx context.Context, ownerID, id uuid.UUID, now, staleBefore time.Time) (*models.RenderTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.targets[id]
	if !ok || stored.OwnerID != ownerID {
		return nil, models.ErrNotFound
	}
	if stored.RenderStatus == models.RenderStatusRendering &&
		stored.RenderStartedAt != nil && !stored.RenderStartedAt.Before(staleBefore) {
		return nil, models.ErrConflict
	}

	stored.RenderStatus = models.RenderStatusRendering
	stored.RenderStartedAt = copyTime(&now)
	stored.ErrorCode = ""
	stored.ErrorMessage = ""
	stored.UpdatedAt = s.now()
	s.writes++

	t := copyTarget(stored)
	return &t, nil
}

func (s *Store) CompleteRender(ctx context.Context, t *models.RenderTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.targets[t.ID]
	if !ok || stored.OwnerID != t.OwnerID {
		return models.ErrNotFound
	}
	if stored.RenderStatus != models.RenderStatusRendering {
		return models.ErrConflict
	}
	stored.RenderStatus = models.RenderStatusCompleted
	stored.OutputURL = t.OutputURL
	stored.Degraded = t.Degraded
	stored.ErrorCode = t.ErrorCode
	stored.ErrorMessage = t.ErrorMessage
	stored.RenderMeta = t.RenderMeta
	stored.UpdatedAt = s.now()
	s.writes++
	return nil
}

func (s *Store) FailRender(ctx context.Context, ownerID, id uuid.UUID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.targets[id]
	if !ok || stored.OwnerID != ownerID {
		return models.ErrNotFound
	}
	if stored.RenderStatus != models.RenderStatusRendering {
		return models.ErrConflict
	}
	stored.RenderStatus = models.RenderStatusFailed
	stored.ErrorCode = code
	stored.ErrorMessage = message
	stored.UpdatedAt = s.now()
	s.writes++
	return nil
}

// ---------------------------------------------------------------------------
// Clip catalog
// ---------------------------------------------------------------------------

// AddClip registers a library clip.
func (s *Store) AddClip(c models.Clip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.StyleTags = slices.Clone(c.StyleTags)
	c.EnergyTags = slices.Clone(c.EnergyTags)
	s.clips = append(s.clips, &c)
}

// CreateClip registers a clip, rejecting a duplicate id.
func (s *Store) CreateClip(ctx context.Context, clip *models.Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clips {
		if c.ID == clip.ID {
			return models.ErrDuplicate
		}
	}
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = s.now()
	}
	c := *clip
	c.StyleTags = slices.Clone(clip.StyleTags)
	c.EnergyTags = slices.Clone(clip.EnergyTags)
	s.clips = append(s.clips, &c)
	return nil
}

// Clip returns a copy of a registered clip.
func (s *Store) Clip(id uuid.UUID) (models.Clip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clips {
		if c.ID == id {
			return *c, true
		}
	}
	return models.Clip{}, false
}

// SampleClips returns up to n random clips matching the style tag (any when
// empty) and aspect ratio (any when empty).
func (s *Store) SampleClips(ctx context.Context, styleTag, aspectRatio string, n int) ([]models.Clip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []models.Clip
	for _, c := range s.clips {
		if styleTag != "" && !slices.Contains(c.StyleTags, styleTag) {
			continue
		}
		if aspectRatio != "" && c.AspectRatio != aspectRatio {
			continue
		}
		matches = append(matches, *c)
	}
	rand.Shuffle(len(matches), func(i, j int) {
		matches[i], matches[j] = matches[j], matches[i]
	})
	if n >= 0 && len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

func (s *Store) RecordClipUsage(ctx context.Context, counts map[uuid.UUID]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clips {
		if n, ok := counts[c.ID]; ok {
			c.UsageCount += n
		}
	}
	s.writes++
	return nil
}

func copyJob(j *models.GenerationJob) models.GenerationJob {
	out := *j
	out.SubmissionStagedAt = copyTime(j.SubmissionStagedAt)
	return out
}

func copyTarget(t *models.RenderTarget) models.RenderTarget {
	out := *t
	out.CaptionCues = slices.Clone(t.CaptionCues)
	out.RenderStartedAt = copyTime(t.RenderStartedAt)
	if t.RenderMeta != nil {
		out.RenderMeta = make(models.JSONB, len(t.RenderMeta))
		for k, v := range t.RenderMeta {
			out.RenderMeta[k] = v
		}
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
