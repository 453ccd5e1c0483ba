package timeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/bobarin/loopreel/internal/models"
	"github.com/google/uuid"
)

// ValidationReport lists every problem found in a timeline, not just the
// first one.
type ValidationReport struct {
	Violations []string
}

func (r *ValidationReport) add(format string, args ...interface{}) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

func (r *ValidationReport) Error() string {
	return fmt.Sprintf("invalid timeline: %s", strings.Join(r.Violations, "; "))
}

// Validate checks tl against the clip pool and target. It returns nil when the
// timeline is sound.
func Validate(tl *Timeline, pool []models.Clip, targetSeconds, gapTolerance float64) *ValidationReport {
	report := &ValidationReport{}

	if tl == nil || len(tl.Segments) == 0 {
		report.add("timeline has no segments")
		return report
	}

	known := make(map[uuid.UUID]bool, len(pool))
	for _, c := range pool {
		known[c.ID] = true
	}

	var sum float64
	for i, seg := range tl.Segments {
		if !(seg.Duration > 0) {
			report.add("segment %d has non-positive duration %v", i, seg.Duration)
		}
		if !known[seg.ClipID] {
			report.add("segment %d references unknown clip %s", i, seg.ClipID)
		}

		if i == 0 {
			if math.Abs(seg.StartTime) > gapTolerance {
				report.add("first segment starts at %.3fs", seg.StartTime)
			}
		} else {
			prev := tl.Segments[i-1]
			delta := seg.StartTime - prev.End()
			switch {
			case delta > gapTolerance:
				report.add("gap of %.3fs before segment %d", delta, i)
			case delta < -gapTolerance:
				report.add("overlap of %.3fs before segment %d", -delta, i)
			}
			if len(known) > 1 && seg.ClipID == prev.ClipID {
				report.add("segment %d repeats clip %s back to back", i, seg.ClipID)
			}
		}
		sum += seg.Duration
	}

	if math.Abs(sum-targetSeconds) > SumTolerance {
		report.add("segments sum to %.6fs, want %.6fs", sum, targetSeconds)
	}

	if len(report.Violations) == 0 {
		return nil
	}
	return report
}
