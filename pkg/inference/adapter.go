package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"dicomcam/internal/models"
	"dicomcam/pkg/interpolation"
	"dicomcam/pkg/windowing"
)

// Score interpretation modes.
const (
	ScoresAuto          = "auto"
	ScoresProbabilities = "probabilities"
	ScoresLogits        = "logits"
)

// Config holds the constants tied to one trained model.
type Config struct {
	// InputShape is the spatial (col, row, slice) shape the model expects
	InputShape [3]int

	// Window is used when the volume carries no window of its own
	Window models.WindowParams

	// Scores selects how raw outputs become probabilities
	Scores string

	// Serialize allows only one forward pass at a time
	Serialize bool

	// Timeout bounds a single Run; zero means no limit
	Timeout time.Duration
}

// Outcome is everything one inference call produced.
type Outcome struct {
	Result models.InferenceResult

	// Activation and Gradient are nil when the model did not expose them
	Activation *Tensor
	Gradient   *Tensor

	// Reordered is the (col, row, slice) shape of the volume before it was
	// resampled to the model input
	Reordered interpolation.Dims
}

// Adapter resamples volumes to the classifier input and runs the shared
// classifier.
type Adapter struct {
	handle *Handle
	cfg    Config
	logger *zap.Logger
}

// NewAdapter creates an adapter over the shared handle.
func NewAdapter(handle *Handle, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.Scores == "" {
		cfg.Scores = ScoresAuto
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{handle: handle, cfg: cfg, logger: logger}
}

// Prepare converts a volume into the model input tensor: window to [0,1],
// reorder (slice, row, col) to (col, row, slice), resample to InputShape and
// add batch and channel dimensions.
func (a *Adapter) Prepare(volume *models.Volume) (Tensor, interpolation.Dims, error) {
	for i, n := range a.cfg.InputShape {
		if n < 1 {
			return Tensor{}, interpolation.Dims{}, fmt.Errorf("model input dimension %d is %d", i, n)
		}
	}

	w := windowing.Resolve(a.cfg.Window, volume.Window)
	unit := windowing.Unit(volume.Data, w)

	src := interpolation.Dims{X: volume.Width, Y: volume.Height, Z: volume.Depth}
	reordered, rd := interpolation.Transpose(unit, src)

	target := interpolation.Dims{X: a.cfg.InputShape[2], Y: a.cfg.InputShape[1], Z: a.cfg.InputShape[0]}
	resized, err := interpolation.Resize(reordered, rd, target, interpolation.Options{AntiAlias: true})
	if err != nil {
		return Tensor{}, rd, fmt.Errorf("failed to resample volume: %w", err)
	}

	data := make([]float32, len(resized))
	for i, v := range resized {
		data[i] = float32(v)
	}
	shape := []int{1, a.cfg.InputShape[0], a.cfg.InputShape[1], a.cfg.InputShape[2], 1}
	t, err := NewTensor(shape, data)
	return t, rd, err
}

// Run classifies volume. A missing model yields *models.ModelUnavailableError;
// a failed forward pass or an expired deadline yields *models.InferenceError.
func (a *Adapter) Run(ctx context.Context, volume *models.Volume) (*Outcome, error) {
	classifier, err := a.handle.Get()
	if err != nil {
		return nil, err
	}

	input, reordered, err := a.Prepare(volume)
	if err != nil {
		return nil, &models.InferenceError{Stage: "prepare", Err: err}
	}

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	pred, err := a.predict(ctx, classifier, input)
	if err != nil {
		var ie *models.InferenceError
		if !errors.As(err, &ie) {
			err = &models.InferenceError{Stage: "forward", Err: err}
		}
		a.logger.Error("forward pass failed", zap.Error(err))
		return nil, err
	}

	probs, err := Probabilities(pred.Scores.Data, a.cfg.Scores)
	if err != nil {
		return nil, &models.InferenceError{Stage: "scores", Err: err}
	}
	idx := floats.MaxIdx(probs)

	out := &Outcome{
		Result: models.InferenceResult{
			ClassIndex:    idx,
			Probability:   probs[idx],
			Probabilities: probs,
		},
		Activation: pred.Activation,
		Gradient:   pred.Gradient,
		Reordered:  reordered,
	}

	a.logger.Info("inference complete",
		zap.Int("class", idx),
		zap.Float64("probability", probs[idx]),
		zap.Bool("activation", pred.Activation != nil),
		zap.Bool("gradient", pred.Gradient != nil),
		zap.Duration("elapsed", time.Since(start)))

	return out, nil
}

type predictResult struct {
	pred *Prediction
	err  error
}

// predict runs the classifier and gives up when ctx ends. The forward pass
// itself cannot be interrupted and finishes in the background.
func (a *Adapter) predict(ctx context.Context, c Classifier, input Tensor) (*Prediction, error) {
	done := make(chan predictResult, 1)
	go func() {
		var r predictResult
		forward := func() { r.pred, r.err = c.Predict(ctx, input) }
		if a.cfg.Serialize {
			a.handle.Serialize(forward)
		} else {
			forward()
		}
		done <- r
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.pred == nil || len(r.pred.Scores.Data) == 0 {
			return nil, errors.New("classifier returned no scores")
		}
		return r.pred, nil
	case <-ctx.Done():
		return nil, &models.InferenceError{Stage: "forward", Err: ctx.Err()}
	}
}

// Probabilities turns raw scores into class probabilities. A single output
// is treated as the positive class of a binary model and expanded to
// [1-p, p].
func Probabilities(scores []float32, mode string) ([]float64, error) {
	if len(scores) == 0 {
		return nil, errors.New("no scores")
	}
	vals := make([]float64, len(scores))
	for i, s := range scores {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("score %d is %v", i, v)
		}
		vals[i] = v
	}

	logits := false
	switch mode {
	case ScoresLogits:
		logits = true
	case ScoresProbabilities:
	case ScoresAuto, "":
		logits = !looksLikeProbabilities(vals)
	default:
		return nil, fmt.Errorf("unknown scores mode %q", mode)
	}

	if len(vals) == 1 {
		p := vals[0]
		if logits {
			p = 1 / (1 + math.Exp(-p))
		}
		p = math.Min(1, math.Max(0, p))
		return []float64{1 - p, p}, nil
	}

	if logits {
		return softmax(vals), nil
	}
	return vals, nil
}

func looksLikeProbabilities(vals []float64) bool {
	for _, v := range vals {
		if v < 0 || v > 1 {
			return false
		}
	}
	if len(vals) == 1 {
		return true
	}
	return math.Abs(floats.Sum(vals)-1) < 1e-3
}

func softmax(vals []float64) []float64 {
	max := floats.Max(vals)
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = math.Exp(v - max)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
