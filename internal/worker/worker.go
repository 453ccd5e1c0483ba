package worker

import (
	"context"
	"sync"
	"time"

	"github.com/bobarin/loopreel/internal/generation"
	"github.com/bobarin/loopreel/internal/logging"
	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Queue is the subset of the Redis queue the worker consumes and feeds.
type Queue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
	EnqueueAdvance(ctx context.Context, ownerID, requestID uuid.UUID) error
	EnqueueSync(ctx context.Context, ownerID uuid.UUID, payload queue.SyncPayload) error
}

type Advancer interface {
	Advance(ctx context.Context, ownerID, requestID uuid.UUID) (*models.VideoRequest, error)
}

type Renderer interface {
	Invoke(ctx context.Context, ownerID, targetID uuid.UUID) (*models.RenderTarget, error)
}

type Syncer interface {
	Synchronize(ctx context.Context, in generation.SyncInput) (*models.VideoRequest, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (*generation.SweepResult, error)
}

type Config struct {
	Concurrency    int
	SweepInterval  time.Duration // zero disables the periodic sweep
	DequeueTimeout time.Duration
}

type Worker struct {
	queue    Queue
	advancer Advancer
	renderer Renderer
	syncer   Syncer
	sweeper  Sweeper
	cfg      Config
	log      zerolog.Logger
}

func New(q Queue, advancer Advancer, renderer Renderer, syncer Syncer, sweeper Sweeper, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	return &Worker{
		queue:    q,
		advancer: advancer,
		renderer: renderer,
		syncer:   syncer,
		sweeper:  sweeper,
		cfg:      cfg,
		log:      logging.WithComponent(logger, "worker"),
	}
}

// Recovery returns a generation.RecoveryFunc that schedules a fallback sync
// through q.
func Recovery(q Queue) generation.RecoveryFunc {
	return func(ctx context.Context, in generation.SyncInput) error {
		return q.EnqueueSync(ctx, in.OwnerID, queue.SyncPayload{
			ProviderJobID: in.ProviderJobID,
			RequestID:     in.RequestID,
			SegmentIndex:  in.SegmentIndex,
			Prompt:        in.Prompt,
			Model:         in.Model,
		})
	}
}

// Start begins processing jobs from all queues and blocks until ctx is done
// and every consumer has returned.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info().Int("concurrency", w.cfg.Concurrency).Dur("sweep_interval", w.cfg.SweepInterval).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); w.processQueue(ctx, queue.QueueAdvanceRequest, w.handleAdvance) }()
		go func() { defer wg.Done(); w.processQueue(ctx, queue.QueueRenderVisual, w.handleRender) }()
		go func() { defer wg.Done(); w.processQueue(ctx, queue.QueueSyncProviderJob, w.handleSync) }()
	}

	if w.cfg.SweepInterval > 0 && w.sweeper != nil {
		wg.Add(1)
		go func() { defer wg.Done(); w.sweepLoop(ctx) }()
	}

	<-ctx.Done()
	w.log.Info().Msg("worker shutting down")
	wg.Wait()
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	logger := w.log.With().Str("queue", queueName).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queueName, w.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			// Avoid spinning against an unreachable Redis.
			if sleepErr := sleep(ctx, time.Second); sleepErr != nil {
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		jobLog := logger.With().Str("job_id", job.ID.String()).Str("type", job.Type).Logger()
		started := time.Now()
		if err := handler(ctx, job); err != nil {
			event := jobLog.Error()
			if kind := models.KindOf(err); kind == models.KindConflict || kind == models.KindNotFound || kind == models.KindValidation {
				event = jobLog.Warn()
			}
			event.Err(err).Str("code", models.CodeOf(err)).Msg("job failed")
			continue
		}
		jobLog.Debug().Dur("elapsed", time.Since(started)).Msg("job completed")
	}
}

func (w *Worker) handleAdvance(ctx context.Context, job *queue.Job) error {
	_, err := w.advancer.Advance(ctx, job.OwnerID, job.TargetID)
	return err
}

func (w *Worker) handleRender(ctx context.Context, job *queue.Job) error {
	_, err := w.renderer.Invoke(ctx, job.OwnerID, job.TargetID)
	return err
}

func (w *Worker) handleSync(ctx context.Context, job *queue.Job) error {
	if job.Sync == nil {
		return models.ValidationError("worker.handleSync", "sync job %s has no payload", job.ID)
	}
	_, err := w.syncer.Synchronize(ctx, generation.SyncInput{
		OwnerID:       job.OwnerID,
		ProviderJobID: job.Sync.ProviderJobID,
		RequestID:     job.Sync.RequestID,
		SegmentIndex:  job.Sync.SegmentIndex,
		Prompt:        job.Sync.Prompt,
		Model:         job.Sync.Model,
	})
	return err
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one poller sweep and schedules an advancement pass for
// every request whose jobs changed.
func (w *Worker) SweepOnce(ctx context.Context) *generation.SweepResult {
	result, err := w.sweeper.Sweep(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("sweep failed")
		return nil
	}

	for _, requestID := range result.AffectedRequests {
		ownerID, ok := result.RequestOwners[requestID]
		if !ok {
			continue
		}
		if err := w.queue.EnqueueAdvance(ctx, ownerID, requestID); err != nil {
			w.log.Error().Err(err).Str("request_id", requestID.String()).Msg("failed to enqueue advance")
		}
	}

	w.log.Info().
		Int("polled", result.Polled).
		Int("updated", result.Updated).
		Int("errors", result.Errors).
		Int("affected", len(result.AffectedRequests)).
		Msg("sweep complete")
	return result
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
