package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// IsTerminal reports whether the state is sticky. Completed and failed jobs
// are never revisited.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Rank orders states along the job lifecycle so transitions can be kept
// monotonic.
func (s JobState) Rank() int {
	switch s {
	case JobStatePending:
		return 0
	case JobStateQueued:
		return 1
	case JobStateProcessing:
		return 2
	case JobStateCompleted, JobStateFailed:
		return 3
	default:
		return -1
	}
}

type StitchState string

const (
	StitchStateSingle    StitchState = "single"
	StitchStateRunning   StitchState = "running"
	StitchStateCompleted StitchState = "completed"
	StitchStateFailed    StitchState = "failed"
)

type RenderStatus string

const (
	RenderStatusPending   RenderStatus = "pending"
	RenderStatusRendering RenderStatus = "rendering"
	RenderStatusCompleted RenderStatus = "completed"
	RenderStatusFailed    RenderStatus = "failed"
)

// Provenance of a provider job id recorded on a GenerationJob.
const (
	IDSourceSubmission = "submission"
	IDSourceRecovery   = "recovery"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

type GenerationJob struct {
	ID                 uuid.UUID  `json:"id"`
	OwnerID            uuid.UUID  `json:"owner_id"`
	RequestID          uuid.UUID  `json:"request_id"`
	SegmentIndex       int        `json:"segment_index"`
	Prompt             string     `json:"prompt"`
	PromptSuffix       string     `json:"prompt_suffix,omitempty"`
	Model              string     `json:"model"`
	DurationSeconds    int        `json:"duration_seconds"`
	Size               string     `json:"size"`
	State              JobState   `json:"state"`
	ProviderJobID      string     `json:"provider_job_id,omitempty"`
	Provider           string     `json:"provider,omitempty"`  // which provider issued ProviderJobID
	IDSource           string     `json:"id_source,omitempty"` // "submission" or "recovery"
	OutputURL          string     `json:"output_url,omitempty"`
	ThumbnailURL       string     `json:"thumbnail_url,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	SubmissionStagedAt *time.Time `json:"submission_staged_at,omitempty"`
	PollErrors         int        `json:"poll_errors"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// FullPrompt is what gets sent to the provider: the request's base prompt
// followed by the segment-specific suffix.
func (j GenerationJob) FullPrompt() string {
	if j.PromptSuffix == "" {
		return j.Prompt
	}
	if j.Prompt == "" {
		return j.PromptSuffix
	}
	return j.Prompt + "\n\n" + j.PromptSuffix
}

type VideoRequest struct {
	ID                    uuid.UUID       `json:"id"`
	OwnerID               uuid.UUID       `json:"owner_id"`
	Prompt                string          `json:"prompt"`
	Model                 string          `json:"model"`
	Size                  string          `json:"size"`
	TargetDurationSeconds int             `json:"target_duration_seconds"`
	StitchState           StitchState     `json:"stitch_state"`
	Progress              int             `json:"progress"`
	OutputURL             string          `json:"output_url,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	Segments              []GenerationJob `json:"segments"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Clip is a pre-recorded library clip available to the loop renderer.
type Clip struct {
	ID              uuid.UUID `json:"id"`
	SourceURL       string    `json:"source_url"`
	DurationSeconds float64   `json:"duration_seconds"`
	StyleTags       []string  `json:"style_tags,omitempty"`
	EnergyTags      []string  `json:"energy_tags,omitempty"`
	AspectRatio     string    `json:"aspect_ratio"`
	UsageCount      int       `json:"usage_count"`
	CreatedAt       time.Time `json:"created_at"`
}

type CaptionCue struct {
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// CaptionCues is stored as a JSONB array.
type CaptionCues []CaptionCue

func (c CaptionCues) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

func (c *CaptionCues) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported caption cues type %T", value)
	}
	return json.Unmarshal(raw, c)
}

// RenderTarget is a loop render request ("visual") built from library clips.
type RenderTarget struct {
	ID                    uuid.UUID    `json:"id"`
	OwnerID               uuid.UUID    `json:"owner_id"`
	StyleTag              string       `json:"style_tag"`
	AspectRatio           string       `json:"aspect_ratio"`
	TargetDurationSeconds float64      `json:"target_duration_seconds"`
	AudioURL              string       `json:"audio_url,omitempty"`
	CaptionCues           CaptionCues  `json:"caption_cues,omitempty"`
	AutoCaptions          bool         `json:"auto_captions"`
	RenderStatus          RenderStatus `json:"render_status"`
	OutputURL             string       `json:"output_url,omitempty"`
	Degraded              bool         `json:"degraded"`
	ErrorCode             string       `json:"error_code,omitempty"`
	ErrorMessage          string       `json:"error_message,omitempty"`
	RenderMeta            JSONB        `json:"render_meta,omitempty"`
	RenderStartedAt       *time.Time   `json:"render_started_at,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// DTOs for API requests and responses

type CreateVideoRequest struct {
	Prompt                string `json:"prompt"`
	Model                 string `json:"model,omitempty"`
	Size                  string `json:"size,omitempty"`                    // Default: "720x1280"
	TargetDurationSeconds *int   `json:"target_duration_seconds,omitempty"` // Default: 10
}

type SyncJobRequest struct {
	ProviderJobID string     `json:"provider_job_id"`
	RequestID     *uuid.UUID `json:"request_id,omitempty"`
	SegmentIndex  *int       `json:"segment_index,omitempty"`
	Prompt        string     `json:"prompt,omitempty"`
	Model         string     `json:"model,omitempty"`
}

type CreateClipRequest struct {
	ID              *uuid.UUID `json:"id,omitempty"` // Optional client-chosen id
	SourceURL       string     `json:"source_url"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"` // 0 = probe at render time
	StyleTags       []string   `json:"style_tags,omitempty"`
	EnergyTags      []string   `json:"energy_tags,omitempty"`
	AspectRatio     *string    `json:"aspect_ratio,omitempty"` // Default: "9:16"
}

type CreateRenderTargetRequest struct {
	StyleTag              string       `json:"style_tag"`
	AspectRatio           *string      `json:"aspect_ratio,omitempty"` // Default: "9:16"
	TargetDurationSeconds float64      `json:"target_duration_seconds"`
	AudioURL              string       `json:"audio_url,omitempty"`
	CaptionCues           []CaptionCue `json:"caption_cues,omitempty"`
	AutoCaptions          bool         `json:"auto_captions,omitempty"`
}

// StatusResponse is what every trigger surface answers with.
type StatusResponse struct {
	ID        uuid.UUID       `json:"id"`
	Status    string          `json:"status"`
	OutputURL *string         `json:"output_url"`
	Progress  int             `json:"progress"`
	Error     *string         `json:"error"`
	ErrorCode *string         `json:"error_code,omitempty"`
	Degraded  bool            `json:"degraded,omitempty"`
	Segments  []SegmentStatus `json:"segments,omitempty"`
}

type SegmentStatus struct {
	Index     int      `json:"index"`
	State     JobState `json:"state"`
	OutputURL string   `json:"output_url,omitempty"`
	Error     string   `json:"error,omitempty"`
}
