package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultSweepBatchSize = 50
	DefaultSweepPollDelay = 500 * time.Millisecond
)

// PollerConfig bounds a sweep. MaxPollErrors of zero never fails a job for
// poll errors alone.
type PollerConfig struct {
	BatchSize     int
	PollDelay     time.Duration
	MaxPollErrors int
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Polled           int         `json:"polled"`
	Updated          int         `json:"updated"`
	Errors           int         `json:"errors"`
	AffectedRequests []uuid.UUID `json:"affected_requests"`
	// RequestOwners maps each affected request to its owner.
	RequestOwners map[uuid.UUID]uuid.UUID `json:"-"`
}

// Poller refreshes outstanding jobs across all requests, independent of
// request-level advancement.
type Poller struct {
	store     Store
	providers *Providers
	cfg       PollerConfig
	sleep     func(ctx context.Context, d time.Duration) error
	log       zerolog.Logger
}

func NewPoller(store Store, providers *Providers, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatchSize
	}
	if cfg.PollDelay < 0 {
		cfg.PollDelay = 0
	}
	return &Poller{
		store:     store,
		providers: providers,
		cfg:       cfg,
		sleep:     sleepContext,
		log:       logging.WithComponent(logger, "poller"),
	}
}

// Sweep polls up to BatchSize of the oldest outstanding jobs, one at a time
// with PollDelay between provider calls. Per-job errors are counted and
// skipped.
func (p *Poller) Sweep(ctx context.Context) (*SweepResult, error) {
	jobs, err := p.store.ListOutstandingJobs(ctx, p.cfg.BatchSize)
	if err != nil {
		return nil, models.PersistenceError("generation.Sweep", err)
	}

	result := &SweepResult{RequestOwners: make(map[uuid.UUID]uuid.UUID)}

	for i := range jobs {
		if i > 0 && p.cfg.PollDelay > 0 {
			if err := p.sleep(ctx, p.cfg.PollDelay); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		job := &jobs[i]
		stateBefore := job.State
		result.Polled++

		changed, err := p.pollJob(ctx, job)
		if err != nil {
			result.Errors++
			p.log.Warn().Err(err).
				Str("job_id", job.ID.String()).
				Str("provider_job_id", job.ProviderJobID).
				Int("poll_errors", job.PollErrors).
				Msg("job poll failed")
		}
		if !changed {
			continue
		}

		if _, err := p.store.UpdateJob(ctx, job); err != nil {
			result.Errors++
			p.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to persist job status")
			continue
		}
		result.Updated++
		if _, seen := result.RequestOwners[job.RequestID]; job.State != stateBefore && !seen {
			result.RequestOwners[job.RequestID] = job.OwnerID
			result.AffectedRequests = append(result.AffectedRequests, job.RequestID)
		}
	}

	p.log.Info().
		Int("polled", result.Polled).
		Int("updated", result.Updated).
		Int("errors", result.Errors).
		Msg("sweep finished")

	return result, nil
}

// pollJob refreshes job in place. A provider error counts against the job
// and fails it once MaxPollErrors is exceeded.
func (p *Poller) pollJob(ctx context.Context, job *models.GenerationJob) (bool, error) {
	status, err := p.providers.For(job.Provider).Retrieve(ctx, job.ProviderJobID)
	if err != nil {
		job.PollErrors++
		if p.cfg.MaxPollErrors > 0 && job.PollErrors > p.cfg.MaxPollErrors {
			job.State = models.JobStateFailed
			job.ErrorMessage = fmt.Sprintf("provider status unavailable after %d attempts: %v", job.PollErrors, err)
		}
		return true, models.ProviderError("generation.Sweep", err)
	}
	return applyStatus(job, status), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
