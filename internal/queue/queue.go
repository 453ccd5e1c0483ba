package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueAdvanceRequest  = "queue:advance_request"
	QueueRenderVisual    = "queue:render_visual"
	QueueSyncProviderJob = "queue:sync_provider_job"
)

// Job types
const (
	TypeAdvanceRequest  = "advance_request"
	TypeRenderVisual    = "render_visual"
	TypeSyncProviderJob = "sync_provider_job"
)

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID        uuid.UUID    `json:"id"`
	Type      string       `json:"type"`
	OwnerID   uuid.UUID    `json:"owner_id"`
	TargetID  uuid.UUID    `json:"target_id,omitempty"` // request or visual id
	Sync      *SyncPayload `json:"sync,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SyncPayload identifies a provider job to reconcile. RequestID and
// SegmentIndex are set when the owning segment is known.
type SyncPayload struct {
	ProviderJobID string     `json:"provider_job_id"`
	RequestID     *uuid.UUID `json:"request_id,omitempty"`
	SegmentIndex  *int       `json:"segment_index,omitempty"`
	Prompt        string     `json:"prompt,omitempty"`
	Model         string     `json:"model,omitempty"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	if err := q.client.RPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", job.Type, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns nil, nil when
// the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	return decodeJob([]byte(result[1]))
}

// EnqueueAdvance schedules one advancement pass over a request.
func (q *Queue) EnqueueAdvance(ctx context.Context, ownerID, requestID uuid.UUID) error {
	return q.Enqueue(ctx, QueueAdvanceRequest, &Job{
		Type:     TypeAdvanceRequest,
		OwnerID:  ownerID,
		TargetID: requestID,
	})
}

// EnqueueRender schedules a render of a visual.
func (q *Queue) EnqueueRender(ctx context.Context, ownerID, visualID uuid.UUID) error {
	return q.Enqueue(ctx, QueueRenderVisual, &Job{
		Type:     TypeRenderVisual,
		OwnerID:  ownerID,
		TargetID: visualID,
	})
}

// EnqueueSync schedules a fallback synchronization of a provider job.
func (q *Queue) EnqueueSync(ctx context.Context, ownerID uuid.UUID, payload SyncPayload) error {
	return q.Enqueue(ctx, QueueSyncProviderJob, &Job{
		Type:    TypeSyncProviderJob,
		OwnerID: ownerID,
		Sync:    &payload,
	})
}

func encodeJob(job *Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Type == TypeSyncProviderJob && (job.Sync == nil || job.Sync.ProviderJobID == "") {
		return nil, fmt.Errorf("sync job %s has no provider job id", job.ID)
	}
	return &job, nil
}
