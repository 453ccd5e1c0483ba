package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bobarin/loopreel/internal/memstore"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeProvider scripts provider responses by job id.
type fakeProvider struct {
	mu          sync.Mutex
	name        string
	next        int
	submitted   []services.SubmitRequest
	statuses    map[string]services.ProviderStatus
	retrieveErr map[string]error
	submitErr   error
	retrieves   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		name:        "fake",
		statuses:    make(map[string]services.ProviderStatus),
		retrieveErr: make(map[string]error),
	}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Submit(ctx context.Context, req services.SubmitRequest) (*services.ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}
	p.next++
	id := fmt.Sprintf("%s-%d", p.name, p.next)
	p.submitted = append(p.submitted, req)
	st := services.ProviderStatus{ID: id, RawStatus: "queued", State: models.JobStateQueued}
	p.statuses[id] = st
	return &st, nil
}

func (p *fakeProvider) Retrieve(ctx context.Context, id string) (*services.ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retrieves++
	if err := p.retrieveErr[id]; err != nil {
		return nil, err
	}
	st, ok := p.statuses[id]
	if !ok {
		return nil, errors.New("unknown provider job")
	}
	return &st, nil
}

// set records the provider-side state of a job.
func (p *fakeProvider) set(id, raw, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := services.ProviderStatus{ID: id, RawStatus: raw, State: services.MapStatus(raw), OutputURL: url}
	if st.State == models.JobStateFailed {
		st.Error = "provider says " + raw
	}
	p.statuses[id] = st
}

func (p *fakeProvider) failRetrieve(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retrieveErr[id] = err
}

func (p *fakeProvider) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

type fakeStitcher struct {
	mu    sync.Mutex
	calls int
	err   error
	got   []string
}

func (s *fakeStitcher) Stitch(ctx context.Context, req *models.VideoRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	s.got = nil
	for _, seg := range req.Segments {
		s.got = append(s.got, seg.OutputURL)
	}
	return "https://cdn.example.com/stitched/" + req.ID.String() + ".mp4", nil
}

// flakyStore fails the confirmation write of a submission.
type flakyStore struct {
	*memstore.Store
	failConfirm bool
}

func (f *flakyStore) UpdateJob(ctx context.Context, job *models.GenerationJob) (bool, error) {
	if f.failConfirm && job.IDSource == models.IDSourceSubmission {
		return false, errors.New("connection reset by peer")
	}
	return f.Store.UpdateJob(ctx, job)
}

type harness struct {
	mem       *memstore.Store
	store     Store
	provider  *fakeProvider
	providers *Providers
	stitcher  *fakeStitcher
	orch      *Orchestrator
	sync      *FallbackSync

	recoverMu sync.Mutex
	recovered []SyncInput
}

func newHarness(t *testing.T, maxSegment int) *harness {
	t.Helper()
	mem := memstore.New()
	return newHarnessWithStore(t, mem, mem, maxSegment)
}

func newHarnessWithStore(t *testing.T, mem *memstore.Store, store Store, maxSegment int) *harness {
	t.Helper()
	h := &harness{
		mem:      mem,
		store:    store,
		provider: newFakeProvider(),
		stitcher: &fakeStitcher{},
	}
	h.providers = NewProviders(h.provider)

	recovery := func(ctx context.Context, in SyncInput) error {
		h.recoverMu.Lock()
		defer h.recoverMu.Unlock()
		h.recovered = append(h.recovered, in)
		return nil
	}
	sub := NewSubmitter(store, h.provider, recovery, zerolog.Nop())
	h.orch = NewOrchestrator(store, h.providers, sub, nil, h.stitcher,
		OrchestratorConfig{DefaultModel: "grok-imagine-video", MaxSegmentSeconds: maxSegment}, zerolog.Nop())
	h.sync = NewFallbackSync(store, h.providers, h.orch, zerolog.Nop())
	return h
}

func (h *harness) create(t *testing.T, owner uuid.UUID, prompt string, target int) *models.VideoRequest {
	t.Helper()
	req, err := h.orch.Create(context.Background(), owner, models.CreateVideoRequest{
		Prompt:                prompt,
		TargetDurationSeconds: &target,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req
}

func (h *harness) advance(t *testing.T, req *models.VideoRequest) *models.VideoRequest {
	t.Helper()
	out, err := h.orch.Advance(context.Background(), req.OwnerID, req.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	return out
}
