// Package windowing maps raw intensities to the 8-bit display range.
package windowing

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"dicomcam/internal/models"
)

// DegenerateValue is the output for every input when the window width is not positive.
const DegenerateValue uint8 = 128

// Apply maps value into [0,255] using the window [center-width/2, center+width/2].
// Values outside the window are clamped and the result is truncated.
func Apply(value, center, width float64) uint8 {
	if !(width > 0) || math.IsInf(width, 0) || math.IsNaN(center) || math.IsInf(center, 0) {
		return DegenerateValue
	}

	lower := center - width/2
	upper := center + width/2

	switch {
	case math.IsNaN(value) || value <= lower:
		return 0
	case value >= upper:
		return 255
	}
	return uint8((value - lower) / (upper - lower) * 255.0)
}

// ApplyAll windows every value of data in a single pass.
func ApplyAll(data []float64, w models.WindowParams) []uint8 {
	out := make([]uint8, len(data))
	for i, v := range data {
		out[i] = Apply(v, w.Center, w.Width)
	}
	return out
}

// Unit windows data and scales the result to [0,1].
func Unit(data []float64, w models.WindowParams) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(Apply(v, w.Center, w.Width)) / 255.0
	}
	return out
}

// Resolve picks the first non-nil window, then the fallback.
func Resolve(fallback models.WindowParams, candidates ...*models.WindowParams) models.WindowParams {
	for _, c := range candidates {
		if c != nil {
			return *c
		}
	}
	return fallback
}

// Normalize rescales data linearly so its minimum maps to 0 and its maximum
// to 255. Constant input maps to 0.
func Normalize(data []float64) []uint8 {
	out := make([]uint8, len(data))
	if len(data) == 0 {
		return out
	}

	min, max := floats.Min(data), floats.Max(data)
	span := max - min
	if !(span > 0) {
		return out
	}
	for i, v := range data {
		out[i] = uint8((v - min) / span * 255.0)
	}
	return out
}
