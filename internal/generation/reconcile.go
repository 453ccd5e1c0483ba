package generation

import (
	"fmt"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/bobarin/loopreel/internal/services"
)

// applyStatus merges a provider status into job without ever moving it
// backwards. It reports whether anything changed.
func applyStatus(job *models.GenerationJob, st *services.ProviderStatus) bool {
	if job.State.IsTerminal() || st == nil {
		return false
	}
	before := *job

	next := st.State
	if next == "" {
		next = services.MapStatus(st.RawStatus)
	}

	switch next {
	case models.JobStateCompleted:
		if st.OutputURL == "" {
			next = models.JobStateFailed
			job.ErrorMessage = "provider reported completion without an output url"
			break
		}
		job.OutputURL = st.OutputURL
		if st.ThumbnailURL != "" {
			job.ThumbnailURL = st.ThumbnailURL
		}
	case models.JobStateFailed:
		job.ErrorMessage = st.Error
		if job.ErrorMessage == "" {
			job.ErrorMessage = "generation failed"
		}
	}

	if next.Rank() > job.State.Rank() {
		job.State = next
	}
	if !job.State.IsTerminal() {
		// Error text only sticks on a failed job.
		job.ErrorMessage = before.ErrorMessage
	}
	job.PollErrors = 0

	return jobChanged(&before, job)
}

func jobChanged(a, b *models.GenerationJob) bool {
	return a.State != b.State ||
		a.ProviderJobID != b.ProviderJobID ||
		a.Provider != b.Provider ||
		a.IDSource != b.IDSource ||
		a.OutputURL != b.OutputURL ||
		a.ThumbnailURL != b.ThumbnailURL ||
		a.ErrorMessage != b.ErrorMessage ||
		a.PollErrors != b.PollErrors ||
		!sameTime(a, b)
}

func sameTime(a, b *models.GenerationJob) bool {
	switch {
	case a.SubmissionStagedAt == nil && b.SubmissionStagedAt == nil:
		return true
	case a.SubmissionStagedAt == nil || b.SubmissionStagedAt == nil:
		return false
	default:
		return a.SubmissionStagedAt.Equal(*b.SubmissionStagedAt)
	}
}

// aggregate recomputes the request-level stitch state, progress and error
// from its segments. It reports whether anything changed.
func aggregate(req *models.VideoRequest) bool {
	before := *req

	total := len(req.Segments)
	completed := 0
	var failed *models.GenerationJob
	for i := range req.Segments {
		switch req.Segments[i].State {
		case models.JobStateCompleted:
			completed++
		case models.JobStateFailed:
			if failed == nil {
				failed = &req.Segments[i]
			}
		}
	}

	if total > 0 {
		req.Progress = completed * 100 / total
	}

	switch {
	case total == 1:
		req.StitchState = models.StitchStateSingle
		seg := req.Segments[0]
		if seg.State == models.JobStateCompleted {
			req.OutputURL = seg.OutputURL
		}
		req.ErrorMessage = seg.ErrorMessage
	case failed != nil:
		req.StitchState = models.StitchStateFailed
		req.ErrorMessage = fmt.Sprintf("segment %d failed: %s", failed.SegmentIndex, failed.ErrorMessage)
	case completed == total:
		req.StitchState = models.StitchStateCompleted
	default:
		req.StitchState = models.StitchStateRunning
	}

	return before.StitchState != req.StitchState ||
		before.Progress != req.Progress ||
		before.OutputURL != req.OutputURL ||
		before.ErrorMessage != req.ErrorMessage
}

// RequestStatus is the single status word reported for a request.
func RequestStatus(req *models.VideoRequest) string {
	if req.StitchState == models.StitchStateSingle && len(req.Segments) == 1 {
		return string(req.Segments[0].State)
	}
	switch req.StitchState {
	case models.StitchStateCompleted:
		if req.OutputURL == "" {
			return "stitching"
		}
		return "completed"
	case models.StitchStateFailed:
		return "failed"
	default:
		return "processing"
	}
}
