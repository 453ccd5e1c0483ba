package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/loopreel/internal/generation"
	"github.com/bobarin/loopreel/internal/memstore"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type stubRequests struct {
	created  *models.CreateVideoRequest
	advanced []uuid.UUID
	result   *models.VideoRequest
	err      error
}

func (s *stubRequests) Create(_ context.Context, owner uuid.UUID, in models.CreateVideoRequest) (*models.VideoRequest, error) {
	s.created = &in
	if s.err != nil {
		return nil, s.err
	}
	s.result.OwnerID = owner
	return s.result, nil
}

func (s *stubRequests) Advance(_ context.Context, _, id uuid.UUID) (*models.VideoRequest, error) {
	s.advanced = append(s.advanced, id)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubRequests) GetRequest(_ context.Context, owner, id uuid.UUID) (*models.VideoRequest, error) {
	if s.result == nil || s.result.ID != id || s.result.OwnerID != owner {
		return nil, models.ErrNotFound
	}
	return s.result, nil
}

type stubSyncer struct {
	in generation.SyncInput
}

func (s *stubSyncer) Synchronize(_ context.Context, in generation.SyncInput) (*models.VideoRequest, error) {
	s.in = in
	if in.ProviderJobID == "" {
		return nil, models.ValidationError("generation.Synchronize", "provider_job_id is required")
	}
	return &models.VideoRequest{ID: uuid.New(), StitchState: models.StitchStateSingle, Segments: []models.GenerationJob{
		{State: models.JobStateCompleted, OutputURL: "https://cdn.example.com/sync.mp4"},
	}, Progress: 100}, nil
}

type stubRenderer struct {
	target *models.RenderTarget
	err    error
}

func (s *stubRenderer) Invoke(context.Context, uuid.UUID, uuid.UUID) (*models.RenderTarget, error) {
	return s.target, s.err
}

type stubSweeper struct {
	result *generation.SweepResult
}

func (s stubSweeper) Sweep(context.Context) (*generation.SweepResult, error) {
	return s.result, nil
}

type stubEnqueuer struct {
	advances []uuid.UUID
	renders  []uuid.UUID
}

func (e *stubEnqueuer) EnqueueAdvance(_ context.Context, _, id uuid.UUID) error {
	e.advances = append(e.advances, id)
	return nil
}

func (e *stubEnqueuer) EnqueueRender(_ context.Context, _, id uuid.UUID) error {
	e.renders = append(e.renders, id)
	return nil
}

type fixture struct {
	owner    uuid.UUID
	requests *stubRequests
	syncer   *stubSyncer
	store    *memstore.Store
	renderer *stubRenderer
	enqueuer *stubEnqueuer
	sweep    *generation.SweepResult
	handler  http.Handler
}

func newFixture(t *testing.T, withQueue bool, cfg RouterConfig) *fixture {
	t.Helper()
	f := &fixture{
		owner:    uuid.New(),
		requests: &stubRequests{},
		syncer:   &stubSyncer{},
		store:    memstore.New(),
		renderer: &stubRenderer{},
		sweep:    &generation.SweepResult{},
	}
	deps := HandlerDeps{
		Requests: f.requests,
		Reader:   f.requests,
		Syncer:   f.syncer,
		Visuals:  f.store,
		Clips:    f.store,
		Renderer: f.renderer,
		Sweeper:  stubSweeper{result: f.sweep},
	}
	if withQueue {
		f.enqueuer = &stubEnqueuer{}
		deps.Enqueuer = f.enqueuer
	}
	f.handler = NewRouter(NewHandler(deps, zerolog.Nop()), cfg)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(OwnerHeader, f.owner.String())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false, RouterConfig{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t, false, RouterConfig{})
	reqID := uuid.New()
	f.requests.result = &models.VideoRequest{
		ID: reqID, StitchState: models.StitchStateRunning, Progress: 0,
		Segments: []models.GenerationJob{
			{SegmentIndex: 0, State: models.JobStateQueued},
			{SegmentIndex: 1, State: models.JobStatePending},
		},
	}

	rec := f.do(t, http.MethodPost, "/v1/requests", map[string]interface{}{"prompt": "a fox", "target_duration_seconds": 20})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var resp models.StatusResponse
	decode(t, rec, &resp)
	if resp.ID != reqID || resp.Status != "processing" || len(resp.Segments) != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.OutputURL != nil || resp.Error != nil {
		t.Errorf("pending request should have null output and error, got %+v", resp)
	}
	if f.requests.created.Prompt != "a fox" || *f.requests.created.TargetDurationSeconds != 20 {
		t.Errorf("input not passed through: %+v", f.requests.created)
	}
	if f.requests.result.OwnerID != f.owner {
		t.Error("owner from header not used")
	}
}

func TestCreateRequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"validation", models.ValidationError("generation.Create", "prompt is required"), http.StatusBadRequest, "validation_error"},
		{"provider", models.ProviderError("generation.Create", errors.New("xai 503")), http.StatusBadGateway, "provider_error"},
		{"persistence", models.PersistenceError("generation.Create", errors.New("db down")), http.StatusInternalServerError, "persistence_error"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false, RouterConfig{})
			f.requests.err = tt.err
			rec := f.do(t, http.MethodPost, "/v1/requests", map[string]string{"prompt": ""})
			if rec.Code != tt.wantCode {
				t.Fatalf("status %d, want %d", rec.Code, tt.wantCode)
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["error_code"] != tt.wantErr {
				t.Errorf("error_code %q, want %q", body["error_code"], tt.wantErr)
			}
			if tt.name == "persistence" && body["error"] != "Internal error" {
				t.Errorf("internal details leaked: %q", body["error"])
			}
		})
	}
}

func TestCreateRequestBadBody(t *testing.T) {
	f := newFixture(t, false, RouterConfig{})
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewBufferString("{"))
	req.Header.Set(OwnerHeader, f.owner.String())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestGetRequestSingleSegmentOutput(t *testing.T) {
	f := newFixture(t, false, RouterConfig{})
	reqID := uuid.New()
	f.requests.result = &models.VideoRequest{
		ID: reqID, OwnerID: f.owner, StitchState: models.StitchStateSingle, Progress: 100,
		Segments: []models.GenerationJob{{State: models.JobStateCompleted, OutputURL: "https://cdn.example.com/a.mp4"}},
	}

	rec := f.do(t, http.MethodGet, "/v1/requests/"+reqID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp models.StatusResponse
	decode(t, rec, &resp)
	if resp.Status != "completed" || resp.OutputURL == nil || *resp.OutputURL != "https://cdn.example.com/a.mp4" || resp.Progress != 100 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestGetRequestNotFoundAndBadID(t *testing.T) {
	f := newFixture(t, false, RouterConfig{})
	if rec := f.do(t, http.MethodGet, "/v1/requests/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing request: status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/requests/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status %d", rec.Code)
	}
}

func TestAdvanceInlineAndAsync(t *testing.T) {
	reqID := uuid.New()
	result := func(owner uuid.UUID) *models.VideoRequest {
		return &models.VideoRequest{ID: reqID, OwnerID: owner, StitchState: models.StitchStateRunning,
			Segments: []models.GenerationJob{{State: models.JobStateProcessing}, {State: models.JobStatePending}}}
	}

	t.Run("inline", func(t *testing.T) {
		f := newFixture(t, false, RouterConfig{})
		f.requests.result = result(f.owner)
		rec := f.do(t, http.MethodPost, "/v1/requests/"+reqID.String()+"/advance?async=true", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		if len(f.requests.advanced) != 1 {
			t.Error("without a queue the pass runs inline")
		}
	})

	t.Run("async", func(t *testing.T) {
		f := newFixture(t, true, RouterConfig{})
		f.requests.result = result(f.owner)
		rec := f.do(t, http.MethodPost, "/v1/requests/"+reqID.String()+"/advance?async=true", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status %d", rec.Code)
		}
		if len(f.requests.advanced) != 0 || len(f.enqueuer.advances) != 1 || f.enqueuer.advances[0] != reqID {
			t.Errorf("expected enqueue only, got advanced=%v enqueued=%v", f.requests.advanced, f.enqueuer.advances)
		}
	})
}

func TestSyncJob(t *testing.T) {
	f := newFixture(t, false, RouterConfig{})
	rec := f.do(t, http.MethodPost, "/v1/jobs/sync", map[string]interface{}{"provider_job_id": "ext-5", "segment_index": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if f.syncer.in.OwnerID != f.owner || f.syncer.in.ProviderJobID != "ext-5" || *f.syncer.in.SegmentIndex != 0 {
		t.Errorf("sync input %+v", f.syncer.in)
	}
	var resp models.StatusResponse
	decode(t, rec, &resp)
	if resp.Status != "completed" {
		t.Errorf("status %q", resp.Status)
	}

	if rec := f.do(t, http.MethodPost, "/v1/jobs/sync", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing provider id: status %d", rec.Code)
	}
}

func TestCreateAndGetVisual(t *testing.T) {
	f := newFixture(t, false, RouterConfig{})
	rec := f.do(t, http.MethodPost, "/v1/visuals", map[string]interface{}{
		"style_tag": "calm", "target_duration_seconds": 14.5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp models.StatusResponse
	decode(t, rec, &resp)
	if resp.Status != string(models.RenderStatusPending) {
		t.Errorf("status %q", resp.Status)
	}

	stored, err := f.store.GetRenderTarget(context.Background(), f.owner, resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AspectRatio != "9:16" || stored.StyleTag != "calm" {
		t.Errorf("stored %+v", stored)
	}

	if rec := f.do(t, http.MethodGet, "/v1/visuals/"+resp.ID.String(), nil); rec.Code != http.StatusOK {
		t.Errorf("get visual: status %d", rec.Code)
	}

	other := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/visuals/"+resp.ID.String(), nil)
	req.Header.Set(OwnerHeader, other.String())
	getRec := httptest.NewRecorder()
	f.handler.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusNotFound {
		t.Errorf("other owner: status %d", getRec.Code)
	}
}

func TestCreateVisualValidation(t *testing.T) {
	bodies := map[string]map[string]interface{}{
		"zero duration": {"style_tag": "calm", "target_duration_seconds": 0},
		"bad aspect":    {"style_tag": "calm", "target_duration_seconds": 10, "aspect_ratio": "tall"},
		"inverted cue": {"style_tag": "calm", "target_duration_seconds": 10, "caption_cues": []map[string]interface{}{
			{"text": "hi", "start_time": 2, "end_time": 1},
		}},
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, false, RouterConfig{})
			if rec := f.do(t, http.MethodPost, "/v1/visuals", body); rec.Code != http.StatusBadRequest {
				t.Errorf("status %d", rec.Code)
			}
		})
	}
}

func TestRenderVisual(t *testing.T) {
	id := uuid.New()

	t.Run("completed", func(t *testing.T) {
		f := newFixture(t, false, RouterConfig{})
		f.renderer.target = &models.RenderTarget{ID: id, RenderStatus: models.RenderStatusCompleted, OutputURL: "https://cdn.example.com/loop.mp4"}
		rec := f.do(t, http.MethodPost, "/v1/visuals/"+id.String()+"/render", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var resp models.StatusResponse
		decode(t, rec, &resp)
		if resp.Progress != 100 || resp.OutputURL == nil {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		f := newFixture(t, false, RouterConfig{})
		f.renderer.target = &models.RenderTarget{ID: id, RenderStatus: models.RenderStatusCompleted,
			OutputURL: "https://cdn.example.com/placeholder.mp4", Degraded: true, ErrorCode: "render_degraded", ErrorMessage: "compose failed"}
		rec := f.do(t, http.MethodPost, "/v1/visuals/"+id.String()+"/render", nil)
		var resp models.StatusResponse
		decode(t, rec, &resp)
		if !resp.Degraded || resp.ErrorCode == nil || *resp.ErrorCode != "render_degraded" {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("conflict", func(t *testing.T) {
		f := newFixture(t, false, RouterConfig{})
		f.renderer.err = models.ConflictError("render.Start")
		rec := f.do(t, http.MethodPost, "/v1/visuals/"+id.String()+"/render", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status %d", rec.Code)
		}
	})

	t.Run("failed render keeps status body", func(t *testing.T) {
		f := newFixture(t, false, RouterConfig{})
		f.renderer.target = &models.RenderTarget{ID: id, RenderStatus: models.RenderStatusFailed, ErrorCode: "compose_failed", ErrorMessage: "exit 1"}
		f.renderer.err = models.RenderError("render.Run", "compose_failed", errors.New("exit 1"))
		rec := f.do(t, http.MethodPost, "/v1/visuals/"+id.String()+"/render", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status %d", rec.Code)
		}
		var resp models.StatusResponse
		decode(t, rec, &resp)
		if resp.Status != "failed" || resp.ErrorCode == nil || *resp.ErrorCode != "compose_failed" {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("async", func(t *testing.T) {
		f := newFixture(t, true, RouterConfig{})
		visual := &models.RenderTarget{ID: uuid.New(), OwnerID: f.owner, StyleTag: "calm", AspectRatio: "9:16", TargetDurationSeconds: 10}
		if err := f.store.CreateRenderTarget(context.Background(), visual); err != nil {
			t.Fatal(err)
		}
		rec := f.do(t, http.MethodPost, "/v1/visuals/"+visual.ID.String()+"/render?async=1", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status %d", rec.Code)
		}
		if len(f.enqueuer.renders) != 1 || f.enqueuer.renders[0] != visual.ID {
			t.Errorf("renders %v", f.enqueuer.renders)
		}
	})
}

func TestSweepAdvancesAffected(t *testing.T) {
	reqA := uuid.New()
	ownerA := uuid.New()

	f := newFixture(t, false, RouterConfig{BackendAPIKey: "secret-key"})
	f.sweep.Polled = 1
	f.sweep.AffectedRequests = []uuid.UUID{reqA}
	f.sweep.RequestOwners = map[uuid.UUID]uuid.UUID{reqA: ownerA}
	f.requests.result = &models.VideoRequest{ID: reqA, OwnerID: ownerA}

	req := httptest.NewRequest(http.MethodPost, "/internal/sweep", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/sweep", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong key: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/sweep", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var res generation.SweepResult
	decode(t, rec, &res)
	if res.Polled != 1 {
		t.Errorf("result %+v", res)
	}
	if len(f.requests.advanced) != 1 || f.requests.advanced[0] != reqA {
		t.Errorf("affected request not advanced: %v", f.requests.advanced)
	}
}

func signToken(t *testing.T, secret, subject string, method jwt.SigningMethod, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestOwnerAuth(t *testing.T) {
	const secret = "jwt-secret"
	owner := uuid.New()

	var seen uuid.UUID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OwnerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		secret string
		header map[string]string
		want   int
	}{
		{"dev header", "", map[string]string{OwnerHeader: owner.String()}, http.StatusNoContent},
		{"dev missing header", "", nil, http.StatusUnauthorized},
		{"dev bad header", "", map[string]string{OwnerHeader: "nope"}, http.StatusUnauthorized},
		{"valid token", secret, map[string]string{"Authorization": "Bearer " + signToken(t, secret, owner.String(), jwt.SigningMethodHS256, time.Now().Add(time.Hour))}, http.StatusNoContent},
		{"expired token", secret, map[string]string{"Authorization": "Bearer " + signToken(t, secret, owner.String(), jwt.SigningMethodHS256, time.Now().Add(-time.Hour))}, http.StatusUnauthorized},
		{"wrong secret", secret, map[string]string{"Authorization": "Bearer " + signToken(t, "other", owner.String(), jwt.SigningMethodHS256, time.Now().Add(time.Hour))}, http.StatusUnauthorized},
		{"wrong algorithm", secret, map[string]string{"Authorization": "Bearer " + signToken(t, secret, owner.String(), jwt.SigningMethodHS512, time.Now().Add(time.Hour))}, http.StatusUnauthorized},
		{"non-uuid subject", secret, map[string]string{"Authorization": "Bearer " + signToken(t, secret, "alice", jwt.SigningMethodHS256, time.Now().Add(time.Hour))}, http.StatusUnauthorized},
		{"header ignored with secret", secret, map[string]string{OwnerHeader: owner.String()}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = uuid.Nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			OwnerAuth(tt.secret)(next).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && seen != owner {
				t.Errorf("owner %s, want %s", seen, owner)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	if got := allowedOrigins(""); len(got) != 1 || got[0] != "*" {
		t.Errorf("empty: %v", got)
	}
	if got := allowedOrigins(" https://a.example , ,https://b.example"); len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("list: %v", got)
	}
	if got := allowedOrigins(" , "); len(got) != 1 || got[0] != "*" {
		t.Errorf("blank entries: %v", got)
	}
}

func TestCreateClip(t *testing.T) {
	f := newFixture(t, false, RouterConfig{BackendAPIKey: "k"})

	post := func(body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
		req := httptest.NewRequest(http.MethodPost, "/internal/clips", &buf)
		req.Header.Set("X-API-Key", "k")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(map[string]interface{}{
		"source_url": "https://clips.example.com/waves.mp4", "duration_seconds": 4.2, "style_tags": []string{"calm"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var clip models.Clip
	decode(t, rec, &clip)
	stored, ok := f.store.Clip(clip.ID)
	if !ok || stored.AspectRatio != "9:16" || stored.DurationSeconds != 4.2 {
		t.Errorf("stored clip %+v", stored)
	}

	sampled, _ := f.store.SampleClips(context.Background(), "calm", "9:16", 5)
	if len(sampled) != 1 {
		t.Errorf("new clip should be sampleable, got %d", len(sampled))
	}

	dup := post(map[string]interface{}{"id": clip.ID, "source_url": "https://clips.example.com/again.mp4"})
	if dup.Code != http.StatusConflict {
		t.Errorf("duplicate id: status %d", dup.Code)
	}

	unprobed := post(map[string]interface{}{"source_url": "https://clips.example.com/raw.mp4", "duration_seconds": 0})
	if unprobed.Code != http.StatusCreated {
		t.Errorf("zero duration: status %d", unprobed.Code)
	}

	for name, body := range map[string]map[string]interface{}{
		"no url":            {"duration_seconds": 3},
		"negative duration": {"source_url": "https://clips.example.com/a.mp4", "duration_seconds": -1},
		"bad aspect":        {"source_url": "https://clips.example.com/a.mp4", "aspect_ratio": "1x1"},
	} {
		if rec := post(body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", name, rec.Code)
		}
	}
}

func TestRequestLoggerWritesZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	h := middleware.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/visuals/abc", nil))

	var event map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("access log is not JSON: %q", buf.String())
	}
	if event["method"] != "GET" || event["path"] != "/v1/visuals/abc" || event["status"] != float64(http.StatusTeapot) {
		t.Errorf("event %v", event)
	}
	if event["bytes"] != float64(5) || event["request_id"] == "" {
		t.Errorf("event %v", event)
	}
}

func TestRecovererAnswersJSON(t *testing.T) {
	var buf bytes.Buffer
	h := Recoverer(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error_code"] != "internal_error" {
		t.Errorf("body %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") || !strings.Contains(buf.String(), "boom") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestRouterAccessLogIsTagged(t *testing.T) {
	var buf bytes.Buffer
	router := NewRouter(NewHandler(HandlerDeps{}, zerolog.New(&buf)), RouterConfig{})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if !strings.Contains(buf.String(), `"component":"api"`) || !strings.Contains(buf.String(), `"path":"/health"`) {
		t.Errorf("access log %s", buf.String())
	}
}
