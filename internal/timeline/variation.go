package timeline

import (
	"math"
	"math/rand/v2"
)

// Bounds of the micro-variation applied to repeated clips.
const (
	MaxScaleJitter = 0.03
	MaxPanPixels   = 20.0
	MaxSpeedJitter = 0.05
	MirrorEvery    = 3
)

// Variator produces the transform for the n-th repeat of a clip (n >= 1).
// Implementations must be deterministic in n.
type Variator interface {
	Variation(repeat int) Transform
}

// SeededVariator derives each transform from a PCG stream seeded by the
// repeat number, so the same repeat always yields the same transform.
type SeededVariator struct {
	Stream uint64
}

const defaultStream = 0x9e3779b97f4a7c15

func NewSeededVariator() SeededVariator {
	return SeededVariator{Stream: defaultStream}
}

func (v SeededVariator) Variation(repeat int) Transform {
	if repeat <= 0 {
		return Identity()
	}

	rng := rand.New(rand.NewPCG(uint64(repeat), v.Stream))
	jitter := func(limit float64) float64 {
		return round4((rng.Float64()*2 - 1) * limit)
	}

	return Transform{
		Scale:  1 + jitter(MaxScaleJitter),
		PanX:   jitter(MaxPanPixels),
		PanY:   jitter(MaxPanPixels),
		Speed:  1 + jitter(MaxSpeedJitter),
		Mirror: repeat%MirrorEvery == 0,
	}
}

// VariatorFunc adapts a plain function to Variator.
type VariatorFunc func(repeat int) Transform

func (f VariatorFunc) Variation(repeat int) Transform {
	return f(repeat)
}

// round4 keeps filter arguments short and stable across platforms.
func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
