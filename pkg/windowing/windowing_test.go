package windowing

import (
	"math"
	"testing"

	"dicomcam/internal/models"
)

// TestApplySoftTissueWindow checks the clamp points and midpoint of 40/400
func TestApplySoftTissueWindow(t *testing.T) {
	tests := []struct {
		value float64
		want  []uint8
	}{
		{-2000, []uint8{0}},
		{-160, []uint8{0}},
		{2000, []uint8{255}},
		{240, []uint8{255}},
		{40, []uint8{127, 128}},
	}

	for _, tt := range tests {
		got := Apply(tt.value, 40, 400)
		ok := false
		for _, w := range tt.want {
			if got == w {
				ok = true
			}
		}
		if !ok {
			t.Errorf("Apply(%v, 40, 400) = %d, want one of %v", tt.value, got, tt.want)
		}
	}
}

// TestApplyMonotonic verifies output never decreases as input grows
func TestApplyMonotonic(t *testing.T) {
	prev := Apply(-500, 40, 400)
	for v := -500.0; v <= 500; v += 0.5 {
		got := Apply(v, 40, 400)
		if got < prev {
			t.Fatalf("Output decreased at %v: %d < %d", v, got, prev)
		}
		prev = got
	}
}

// TestApplyDeterministic checks that repeated application gives identical output
func TestApplyDeterministic(t *testing.T) {
	data := []float64{-1000, -100, 0, 40, 90, 1000}
	w := models.WindowParams{Center: 40, Width: 400}

	first := ApplyAll(data, w)
	second := ApplyAll(data, w)
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Index %d: %d != %d", i, first[i], second[i])
		}
	}
}

// TestApplyDegenerateWidth never panics and returns a constant
func TestApplyDegenerateWidth(t *testing.T) {
	for _, width := range []float64{0, -1, -400, math.NaN(), math.Inf(1)} {
		for _, v := range []float64{-1e9, -1, 0, 40, 1e9, math.NaN()} {
			if got := Apply(v, 40, width); got != DegenerateValue {
				t.Errorf("Apply(%v, 40, %v) = %d, want %d", v, width, got, DegenerateValue)
			}
		}
	}
}

// TestUnitRange keeps scaled output inside [0,1]
func TestUnitRange(t *testing.T) {
	out := Unit([]float64{-3000, 40, 3000}, models.DefaultWindow)
	if out[0] != 0 || out[2] != 1 {
		t.Errorf("Expected clamp to 0 and 1, got %v", out)
	}
	if out[1] <= 0.49 || out[1] >= 0.51 {
		t.Errorf("Expected midpoint near 0.5, got %v", out[1])
	}
}

// TestResolve prefers metadata windows over the fallback
func TestResolve(t *testing.T) {
	meta := &models.WindowParams{Center: 300, Width: 1500}

	if got := Resolve(models.DefaultWindow, nil, meta); got != *meta {
		t.Errorf("Expected metadata window, got %+v", got)
	}
	if got := Resolve(models.DefaultWindow); got != models.DefaultWindow {
		t.Errorf("Expected fallback, got %+v", got)
	}
}

// TestNormalize maps min to 0 and max to 255
func TestNormalize(t *testing.T) {
	out := Normalize([]float64{-10, 0, 10})
	if out[0] != 0 || out[2] != 255 || out[1] != 127 {
		t.Errorf("Unexpected normalization %v", out)
	}

	for _, v := range Normalize([]float64{5, 5, 5}) {
		if v != 0 {
			t.Errorf("Expected constant input to map to 0, got %d", v)
		}
	}

	if len(Normalize(nil)) != 0 {
		t.Error("Expected empty output for empty input")
	}
}
