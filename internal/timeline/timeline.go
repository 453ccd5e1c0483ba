// Package timeline turns a pool of library clips into a fully specified,
// deterministic loop plan of a target duration. It performs no I/O.
package timeline

import (
	"math"
	"sort"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
)

const (
	// DefaultFadeSeconds is the length of the trailing fade-out window.
	DefaultFadeSeconds = 1.0

	// DefaultAlignThreshold is the largest boundary/cue misalignment that is
	// corrected by moving the boundary onto the cue.
	DefaultAlignThreshold = 0.5

	// DefaultGapTolerance is the largest gap or overlap between consecutive
	// segments accepted by validation.
	DefaultGapTolerance = 0.1

	// MinSegmentSeconds bounds how short a caption alignment may make a segment.
	MinSegmentSeconds = 0.25

	// SumTolerance is the accepted difference between the summed segment
	// durations and the target.
	SumTolerance = 1e-6

	// MaxSegments caps the plan size; a target that would need more segments
	// than this is rejected up front.
	MaxSegments = 10000

	epsilon = 1e-9
)

// Transform is the per-segment micro-variation applied by the compositor.
// PanX/PanY are offsets in output pixels, Scale and Speed are multipliers.
type Transform struct {
	Scale  float64 `json:"scale"`
	PanX   float64 `json:"pan_x"`
	PanY   float64 `json:"pan_y"`
	Speed  float64 `json:"speed"`
	Mirror bool    `json:"mirror"`
}

// Identity is the transform of a clip's first occurrence.
func Identity() Transform {
	return Transform{Scale: 1, Speed: 1}
}

// IsIdentity reports whether t leaves the clip unchanged.
func (t Transform) IsIdentity() bool {
	return t == Identity()
}

type Segment struct {
	ClipID     uuid.UUID `json:"clip_id"`
	StartTime  float64   `json:"start_time"`
	Duration   float64   `json:"duration"`
	Transform  Transform `json:"transform"`
	IsRepeat   bool      `json:"is_repeat"`
	FadeOut    bool      `json:"fade_out"`
	Occurrence int       `json:"occurrence"` // 1-based draw count of this clip
}

// End is the time at which the segment stops playing.
func (s Segment) End() float64 {
	return s.StartTime + s.Duration
}

type Timeline struct {
	Segments      []Segment         `json:"segments"`
	TotalDuration float64           `json:"total_duration"`
	UsageCounts   map[uuid.UUID]int `json:"usage_counts"`
}

// Options tunes the builder. Zero values fall back to the defaults above.
type Options struct {
	FadeSeconds    float64
	AlignThreshold float64
	GapTolerance   float64
	Variation      Variator
}

func (o Options) withDefaults() Options {
	if o.FadeSeconds <= 0 {
		o.FadeSeconds = DefaultFadeSeconds
	}
	if o.AlignThreshold <= 0 {
		o.AlignThreshold = DefaultAlignThreshold
	}
	if o.GapTolerance <= 0 {
		o.GapTolerance = DefaultGapTolerance
	}
	if o.Variation == nil {
		o.Variation = NewSeededVariator()
	}
	return o
}

// Build plans a loop of targetSeconds from clips. Cues are optional; when
// given, segment boundaries close to a cue start are moved onto it.
//
// The result depends only on the arguments: identical inputs always give an
// identical Timeline.
func Build(clips []models.Clip, targetSeconds float64, cues []models.CaptionCue, opts Options) (*Timeline, error) {
	pool, err := preparePool(clips, targetSeconds)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	cueStarts := cueStartTimes(cues, targetSeconds)

	var (
		segments []Segment
		usage    = make(map[uuid.UUID]int, len(pool))
		start    float64
		cursor   int
		prev     uuid.UUID
		hasPrev  bool
	)

	for targetSeconds-start > epsilon {
		clip := nextClip(pool, &cursor, prev, hasPrev)
		remaining := targetSeconds - start

		duration := math.Min(clip.DurationSeconds, remaining)
		if duration < remaining && len(cueStarts) > 0 {
			duration = alignToCue(start, duration, clip.DurationSeconds, targetSeconds, cueStarts, opts.AlignThreshold)
		}
		if duration >= remaining {
			// Final segment: trim the overshoot here and nowhere else.
			duration = remaining
		}

		seen := usage[clip.ID]
		seg := Segment{
			ClipID:     clip.ID,
			StartTime:  start,
			Duration:   duration,
			Transform:  Identity(),
			IsRepeat:   seen > 0,
			Occurrence: seen + 1,
		}
		if seen > 0 {
			seg.Transform = opts.Variation.Variation(seen)
		}
		usage[clip.ID] = seen + 1

		segments = append(segments, seg)
		start += duration
		prev, hasPrev = clip.ID, true
	}

	markFade(segments, targetSeconds, opts.FadeSeconds)

	tl := &Timeline{
		Segments:      segments,
		TotalDuration: targetSeconds,
		UsageCounts:   usage,
	}

	if report := Validate(tl, pool, targetSeconds, opts.GapTolerance); report != nil {
		return nil, models.NewError(models.KindValidation, "timeline.Build", report)
	}

	return tl, nil
}

// preparePool rejects unusable input before any construction and removes
// duplicate clip ids, keeping the first occurrence.
func preparePool(clips []models.Clip, targetSeconds float64) ([]models.Clip, error) {
	if len(clips) == 0 {
		return nil, models.ValidationError("timeline.Build", "clip pool is empty")
	}
	if math.IsNaN(targetSeconds) || math.IsInf(targetSeconds, 0) || targetSeconds <= 0 {
		return nil, models.ValidationError("timeline.Build", "target duration must be a positive number, got %v", targetSeconds)
	}

	report := &ValidationReport{}
	seen := make(map[uuid.UUID]bool, len(clips))
	pool := make([]models.Clip, 0, len(clips))
	shortest := math.Inf(1)
	for i, c := range clips {
		if c.ID == uuid.Nil {
			report.add("clip %d has no id", i)
			continue
		}
		if math.IsNaN(c.DurationSeconds) || math.IsInf(c.DurationSeconds, 0) || c.DurationSeconds <= 0 {
			report.add("clip %s has invalid duration %v", c.ID, c.DurationSeconds)
			continue
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		pool = append(pool, c)
		shortest = math.Min(shortest, c.DurationSeconds)
	}
	if len(report.Violations) > 0 {
		return nil, models.NewError(models.KindValidation, "timeline.Build", report)
	}

	if targetSeconds/shortest > MaxSegments {
		return nil, models.ValidationError("timeline.Build", "target %.1fs needs more than %d segments", targetSeconds, MaxSegments)
	}

	return pool, nil
}

// nextClip cycles through the pool round-robin, skipping the clip that was
// just used. A single-clip pool repeats.
func nextClip(pool []models.Clip, cursor *int, prev uuid.UUID, hasPrev bool) models.Clip {
	n := len(pool)
	for i := 0; i < n; i++ {
		idx := (*cursor + i) % n
		if n == 1 || !hasPrev || pool[idx].ID != prev {
			*cursor = (idx + 1) % n
			return pool[idx]
		}
	}
	// Pool ids are unique, so only n == 1 can get here.
	*cursor = (*cursor + 1) % n
	return pool[*cursor]
}

func cueStartTimes(cues []models.CaptionCue, targetSeconds float64) []float64 {
	starts := make([]float64, 0, len(cues))
	for _, c := range cues {
		if math.IsNaN(c.StartTime) || c.StartTime <= 0 || c.StartTime >= targetSeconds {
			continue
		}
		starts = append(starts, c.StartTime)
	}
	sort.Float64s(starts)
	return starts
}

// alignToCue moves the boundary at start+duration onto the nearest cue start
// closer than threshold, as long as the clip is long enough and the segment
// stays usable. Otherwise duration is returned unchanged.
func alignToCue(start, duration, natural, targetSeconds float64, cueStarts []float64, threshold float64) float64 {
	boundary := start + duration
	best := -1.0
	bestDist := threshold
	for _, c := range cueStarts {
		dist := math.Abs(c - boundary)
		if dist >= bestDist {
			continue
		}
		newDuration := c - start
		if newDuration < MinSegmentSeconds || newDuration > natural+epsilon {
			continue
		}
		if targetSeconds-c < MinSegmentSeconds {
			continue
		}
		best, bestDist = c, dist
	}
	if best < 0 {
		return duration
	}
	return best - start
}

func markFade(segments []Segment, targetSeconds, fadeSeconds float64) {
	windowStart := targetSeconds - fadeSeconds
	for i := range segments {
		segments[i].FadeOut = segments[i].End() > windowStart+epsilon
	}
}
