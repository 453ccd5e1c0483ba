// Package generation drives multi-segment AI video requests from submission
// through polling to a stitched deliverable.
package generation

import (
	"context"
	"time"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/services"
	"github.com/google/uuid"
)

// Store persists requests and their segment jobs. Implementations must make
// UpdateJob a no-op for jobs already in a terminal state and must reject a
// second job with the same (owner, provider job id) pair with
// models.ErrDuplicate.
type Store interface {
	CreateRequest(ctx context.Context, req *models.VideoRequest) error
	GetRequest(ctx context.Context, ownerID, requestID uuid.UUID) (*models.VideoRequest, error)
	UpdateRequest(ctx context.Context, req *models.VideoRequest) error

	// UpdateJob reports whether the row was written.
	UpdateJob(ctx context.Context, job *models.GenerationJob) (bool, error)
	// StageSubmission records a submission intent on a pending job that has
	// no provider id, unless a fresher intent (newer than staleBefore)
	// already exists. It reports whether the intent was recorded.
	StageSubmission(ctx context.Context, ownerID, jobID uuid.UUID, at, staleBefore time.Time) (bool, error)
	ClearSubmission(ctx context.Context, ownerID, jobID uuid.UUID) error

	FindJobByProviderID(ctx context.Context, ownerID uuid.UUID, providerJobID string) (*models.GenerationJob, error)
	// ListOutstandingJobs returns non-terminal jobs that have a provider id,
	// oldest first.
	ListOutstandingJobs(ctx context.Context, limit int) ([]models.GenerationJob, error)
}

// Planner writes per-segment prompt suffixes.
type Planner interface {
	PlanSegmentSuffixes(ctx context.Context, prompt string, durations []int) []string
}

// Stitcher joins the completed segments of a request into one deliverable
// and returns its URL.
type Stitcher interface {
	Stitch(ctx context.Context, req *models.VideoRequest) (string, error)
}

// Providers resolves the provider that owns a job. Jobs carry the provider
// name that issued their id; jobs without one go to the primary.
type Providers struct {
	primary services.VideoProvider
	byName  map[string]services.VideoProvider
}

func NewProviders(primary services.VideoProvider, others ...services.VideoProvider) *Providers {
	p := &Providers{
		primary: primary,
		byName:  map[string]services.VideoProvider{primary.Name(): primary},
	}
	for _, o := range others {
		p.byName[o.Name()] = o
	}
	return p
}

func (p *Providers) Primary() services.VideoProvider {
	return p.primary
}

func (p *Providers) For(name string) services.VideoProvider {
	if prov, ok := p.byName[name]; ok {
		return prov
	}
	return p.primary
}
