// Package saliency computes Grad-CAM class activation maps and aligns them
// with the source volume.
package saliency

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dicomcam/internal/models"
	"dicomcam/pkg/inference"
	"dicomcam/pkg/interpolation"
)

func finite(xs []float64) bool {
	if floats.HasNaN(xs) {
		return false
	}
	for _, v := range xs {
		if math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ChannelWeights returns the spatial mean of the gradient for every channel.
// grad is laid out (positions, channels) with channels fastest.
func ChannelWeights(grad []float64, positions, channels int) []float64 {
	w := make([]float64, channels)
	if positions == 0 {
		return w
	}
	for p := 0; p < positions; p++ {
		floats.Add(w, grad[p*channels:(p+1)*channels])
	}
	floats.Scale(1/float64(positions), w)
	return w
}

// WeightedSum contracts the channel axis of act with weights, producing one
// value per position.
func WeightedSum(act []float64, positions, channels int, weights []float64) []float64 {
	A := mat.NewDense(positions, channels, act)
	w := mat.NewVecDense(channels, weights)

	var cam mat.VecDense
	cam.MulVec(A, w)
	return cam.RawVector().Data
}

// ReLU clamps negative values to zero in place.
func ReLU(data []float64) {
	for i, v := range data {
		if v < 0 || math.IsNaN(v) {
			data[i] = 0
		}
	}
}

// NormalizeMax divides data by its maximum in place. When the maximum is not
// positive every value becomes zero.
func NormalizeMax(data []float64) {
	if len(data) == 0 {
		return
	}
	max := floats.Max(data)
	if !(max > 0) || math.IsInf(max, 0) {
		for i := range data {
			data[i] = 0
		}
		return
	}
	floats.Scale(1/max, data)
}

// Generator turns classifier activations and gradients into saliency maps.
type Generator struct {
	logger *zap.Logger
}

// NewGenerator creates a generator.
func NewGenerator(logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{logger: logger}
}

// Generate computes the Grad-CAM map for the class the gradient was taken
// against and resamples it onto volume's grid. reordered is the (col, row,
// slice) shape the volume had before it was resampled to the model input.
//
// A prediction without activation or gradient yields models.ErrNoGradient.
// Mismatched or malformed tensors yield *models.InferenceError.
func (g *Generator) Generate(out *inference.Outcome, volume *models.Volume) (*models.SaliencyMap, error) {
	if out == nil || out.Activation == nil || out.Gradient == nil {
		return nil, models.ErrNoGradient
	}

	act := out.Activation.DropBatch()
	grad := out.Gradient.DropBatch()
	if !act.SameShape(grad) {
		return nil, &models.InferenceError{
			Stage: "gradient",
			Err:   fmt.Errorf("activation shape %v does not match gradient shape %v", act.Shape, grad.Shape),
		}
	}
	if len(act.Shape) != 4 {
		return nil, &models.InferenceError{
			Stage: "gradient",
			Err:   fmt.Errorf("expected a 4D activation, got shape %v", act.Shape),
		}
	}
	if len(act.Data) == 0 || len(grad.Data) != len(act.Data) {
		return nil, &models.InferenceError{Stage: "gradient", Err: fmt.Errorf("empty activation")}
	}

	// Activation axes follow the model input: (col', row', slice', channel)
	camDims := interpolation.Dims{X: act.Shape[2], Y: act.Shape[1], Z: act.Shape[0]}
	channels := act.Shape[3]
	positions := camDims.Len()

	a := toFloat64(act.Data)
	gr := toFloat64(grad.Data)

	weights := ChannelWeights(gr, positions, channels)
	if !finite(weights) {
		return nil, &models.InferenceError{Stage: "gradient", Err: fmt.Errorf("gradient contains NaN or Inf")}
	}
	cam := WeightedSum(a, positions, channels, weights)
	if !finite(cam) {
		return nil, &models.InferenceError{Stage: "gradient", Err: fmt.Errorf("activation contains NaN or Inf")}
	}
	ReLU(cam)
	NormalizeMax(cam)

	reordered := out.Reordered
	if reordered.Len() != volume.Len() {
		reordered = interpolation.Dims{X: volume.Depth, Y: volume.Height, Z: volume.Width}
	}

	resized, err := interpolation.Resize(cam, camDims, reordered, interpolation.Options{})
	if err != nil {
		return nil, &models.InferenceError{Stage: "gradient", Err: err}
	}
	aligned, dims := interpolation.Transpose(resized, reordered)
	clamp(aligned)

	m := &models.SaliencyMap{
		Data:    aligned,
		Width:   dims.X,
		Height:  dims.Y,
		Depth:   dims.Z,
		Spacing: volume.Spacing,
	}

	g.logger.Debug("generated saliency map",
		zap.Stringer("activation", camDims),
		zap.Int("channels", channels),
		zap.Float64("max", m.Max()))
	return m, nil
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

// clamp keeps interpolated values inside [0,1].
func clamp(data []float64) {
	for i, v := range data {
		switch {
		case v < 0:
			data[i] = 0
		case v > 1:
			data[i] = 1
		}
	}
}
