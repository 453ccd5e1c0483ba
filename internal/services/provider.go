package services

import (
	"context"
	"strconv"
	"strings"

	"github.com/bobarin/loopreel/internal/models"
)

// SubmitRequest is a provider-neutral generation request.
type SubmitRequest struct {
	Prompt          string
	Model           string
	DurationSeconds int
	Size            string // "WxH", e.g. "720x1280"
}

// ProviderStatus is the normalized view of a provider job. RawStatus keeps the
// provider's own word for diagnostics; State is what the pipeline acts on.
type ProviderStatus struct {
	ID           string
	RawStatus    string
	State        models.JobState
	OutputURL    string
	ThumbnailURL string
	Error        string
}

// VideoProvider is an asynchronous text-to-video backend.
type VideoProvider interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (*ProviderStatus, error)
	Retrieve(ctx context.Context, providerJobID string) (*ProviderStatus, error)
}

// Accepted is the status of a job the provider has just taken on. Submission
// reports it as queued whatever word the provider uses for in-flight work.
func Accepted(id string) *ProviderStatus {
	return &ProviderStatus{ID: id, RawStatus: "queued", State: models.JobStateQueued}
}

var providerStatusTable = map[string]models.JobState{
	"queued":      models.JobStateProcessing,
	"pending":     models.JobStateProcessing,
	"starting":    models.JobStateProcessing,
	"running":     models.JobStateProcessing,
	"processing":  models.JobStateProcessing,
	"in_progress": models.JobStateProcessing,

	"completed": models.JobStateCompleted,
	"succeeded": models.JobStateCompleted,
	"success":   models.JobStateCompleted,
	"done":      models.JobStateCompleted,

	"failed":    models.JobStateFailed,
	"canceled":  models.JobStateFailed,
	"cancelled": models.JobStateFailed,
	"error":     models.JobStateFailed,
	"expired":   models.JobStateFailed,
}

// MapStatus translates a provider status string into a job state. Unknown
// values are treated as still processing.
func MapStatus(raw string) models.JobState {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	if state, ok := providerStatusTable[key]; ok {
		return state
	}
	return models.JobStateProcessing
}

// ParseSize splits "WxH" into its components. ok is false for malformed input.
func ParseSize(size string) (w, h int, ok bool) {
	parts := strings.SplitN(strings.ToLower(size), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// AspectRatioForSize picks the closest supported provider aspect ratio.
func AspectRatioForSize(size string) string {
	w, h, ok := ParseSize(size)
	switch {
	case !ok:
		return "9:16"
	case w == h:
		return "1:1"
	case w > h:
		return "16:9"
	default:
		return "9:16"
	}
}

// ResolutionForSize maps a pixel size to a provider resolution tier.
func ResolutionForSize(size string) string {
	w, h, ok := ParseSize(size)
	if !ok {
		return "720p"
	}
	short := w
	if h < short {
		short = h
	}
	if short >= 1080 {
		return "1080p"
	}
	if short <= 480 {
		return "480p"
	}
	return "720p"
}
