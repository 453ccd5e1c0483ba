package generation

const (
	DefaultTargetSeconds = 10
	MaxTargetSeconds     = 120
	DefaultSize          = "720x1280"
)

// PlanSegments splits target seconds into the fewest segments no longer than
// maxSegment, spreading the remainder over the first segments.
func PlanSegments(target, maxSegment int) []int {
	if target <= 0 {
		return nil
	}
	if maxSegment <= 0 {
		maxSegment = target
	}

	n := (target + maxSegment - 1) / maxSegment
	base, rem := target/n, target%n

	durations := make([]int, n)
	for i := range durations {
		durations[i] = base
		if i < rem {
			durations[i]++
		}
	}
	return durations
}
