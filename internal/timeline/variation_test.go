package timeline

import (
	"math"
	"testing"
)

func TestSeededVariatorBounds(t *testing.T) {
	v := NewSeededVariator()

	for repeat := 1; repeat <= 300; repeat++ {
		tr := v.Variation(repeat)

		if math.Abs(tr.Scale-1) > MaxScaleJitter+1e-9 {
			t.Errorf("repeat %d: scale %v out of range", repeat, tr.Scale)
		}
		if math.Abs(tr.PanX) > MaxPanPixels || math.Abs(tr.PanY) > MaxPanPixels {
			t.Errorf("repeat %d: pan (%v, %v) out of range", repeat, tr.PanX, tr.PanY)
		}
		if math.Abs(tr.Speed-1) > MaxSpeedJitter+1e-9 {
			t.Errorf("repeat %d: speed %v out of range", repeat, tr.Speed)
		}
		if tr.Mirror != (repeat%MirrorEvery == 0) {
			t.Errorf("repeat %d: unexpected mirror=%v", repeat, tr.Mirror)
		}
	}
}

func TestSeededVariatorDeterministic(t *testing.T) {
	a, b := NewSeededVariator(), NewSeededVariator()
	for repeat := 0; repeat < 50; repeat++ {
		if a.Variation(repeat) != b.Variation(repeat) {
			t.Fatalf("repeat %d differs between identical variators", repeat)
		}
	}

	other := SeededVariator{Stream: 42}
	if a.Variation(1) == other.Variation(1) {
		t.Error("different streams should produce different transforms")
	}
}

func TestSeededVariatorIdentityForFirstUse(t *testing.T) {
	if !NewSeededVariator().Variation(0).IsIdentity() {
		t.Error("repeat 0 must be the identity transform")
	}
}
