package inference

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicomcam/internal/models"
	"dicomcam/pkg/config"
)

// fakeClassifier returns fixed scores and records the input it saw
type fakeClassifier struct {
	scores []float32
	delay  time.Duration
	err    error

	calls  atomic.Int32
	closed atomic.Bool
	input  Tensor

	// active and peak count overlapping Predict calls
	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeClassifier) Predict(ctx context.Context, input Tensor) (*Prediction, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.input = input
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	s, err := NewTensor([]int{1, len(f.scores)}, f.scores)
	if err != nil {
		return nil, err
	}
	return &Prediction{Scores: s}, nil
}

func (f *fakeClassifier) Close() error {
	f.closed.Store(true)
	return nil
}

func smallConfig() Config {
	return Config{
		InputShape: [3]int{6, 5, 4},
		Window:     models.DefaultWindow,
		Scores:     ScoresAuto,
	}
}

func testVolume(w, h, d int, value float64) *models.Volume {
	v := models.NewVolume(w, h, d)
	for i := range v.Data {
		v.Data[i] = value
	}
	return v
}

// TestPrepareShape resamples to the model input with batch and channel axes
func TestPrepareShape(t *testing.T) {
	a := NewAdapter(StaticHandle(&fakeClassifier{}), smallConfig(), nil)

	// 0 HU with window 40/400 maps to gray 102, so every input value is 102/255
	input, reordered, err := a.Prepare(testVolume(8, 7, 3, 0))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 6, 5, 4, 1}, input.Shape)
	assert.Len(t, input.Data, 6*5*4)
	assert.Equal(t, 3, reordered.X)
	assert.Equal(t, 7, reordered.Y)
	assert.Equal(t, 8, reordered.Z)

	for i, v := range input.Data {
		if math.Abs(float64(v)-102.0/255.0) > 1e-5 {
			t.Fatalf("Input %d: expected %v, got %v", i, 102.0/255.0, v)
		}
	}
}

// TestPrepareUsesSeriesWindow prefers the window stored with the volume
func TestPrepareUsesSeriesWindow(t *testing.T) {
	a := NewAdapter(StaticHandle(&fakeClassifier{}), smallConfig(), nil)

	v := testVolume(4, 4, 2, 0)
	v.Window = &models.WindowParams{Center: 0, Width: 2}
	input, _, err := a.Prepare(v)
	require.NoError(t, err)
	assert.InDelta(t, 127.0/255.0, input.Data[0], 1e-5)
}

// TestPrepareBadShape rejects an empty input dimension
func TestPrepareBadShape(t *testing.T) {
	cfg := smallConfig()
	cfg.InputShape = [3]int{6, 0, 4}
	a := NewAdapter(StaticHandle(&fakeClassifier{}), cfg, nil)

	_, _, err := a.Prepare(testVolume(4, 4, 2, 0))
	assert.Error(t, err)
}

// TestRunResult picks the most probable class
func TestRunResult(t *testing.T) {
	fake := &fakeClassifier{scores: []float32{0.17, 0.83}}
	a := NewAdapter(StaticHandle(fake), smallConfig(), nil)

	out, err := a.Run(context.Background(), testVolume(8, 8, 4, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, out.Result.ClassIndex)
	assert.InDelta(t, 0.83, out.Result.Probability, 1e-6)
	assert.InDelta(t, 0.83, out.Result.Positive(), 1e-6)
	assert.Nil(t, out.Activation)
	assert.Nil(t, out.Gradient)
	assert.Equal(t, []int{1, 6, 5, 4, 1}, fake.input.Shape)
}

// TestRunSingleOutput expands one sigmoid output to two classes
func TestRunSingleOutput(t *testing.T) {
	fake := &fakeClassifier{scores: []float32{0.2}}
	a := NewAdapter(StaticHandle(fake), smallConfig(), nil)

	out, err := a.Run(context.Background(), testVolume(4, 4, 2, 0))
	require.NoError(t, err)

	assert.Equal(t, 0, out.Result.ClassIndex)
	assert.InDelta(t, 0.8, out.Result.Probability, 1e-6)
	assert.InDelta(t, 0.8, out.Result.Negative(), 1e-6)
}

// TestRunModelUnavailable reports a missing model without running anything
func TestRunModelUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.onnx")
	h := NewHandle(path, func() (Classifier, error) {
		return OpenONNX(config.ModelConfig{Path: path}, nil)
	})
	a := NewAdapter(h, smallConfig(), nil)

	_, err := a.Run(context.Background(), testVolume(4, 4, 2, 0))
	var mue *models.ModelUnavailableError
	require.ErrorAs(t, err, &mue)
	assert.Equal(t, path, mue.Path)
}

// TestRunForwardError wraps classifier failures
func TestRunForwardError(t *testing.T) {
	fake := &fakeClassifier{err: errors.New("boom")}
	a := NewAdapter(StaticHandle(fake), smallConfig(), nil)

	_, err := a.Run(context.Background(), testVolume(4, 4, 2, 0))
	var ie *models.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "forward", ie.Stage)
}

// TestRunTimeout gives up when the forward pass outlives the deadline
func TestRunTimeout(t *testing.T) {
	fake := &fakeClassifier{scores: []float32{0.5, 0.5}, delay: 200 * time.Millisecond}
	cfg := smallConfig()
	cfg.Timeout = 10 * time.Millisecond
	a := NewAdapter(StaticHandle(fake), cfg, nil)

	_, err := a.Run(context.Background(), testVolume(4, 4, 2, 0))
	var ie *models.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestRunSerializeSharedHandle allows one forward pass at a time across
// adapters built over the same handle
func TestRunSerializeSharedHandle(t *testing.T) {
	fake := &fakeClassifier{scores: []float32{0.4, 0.6}, delay: 20 * time.Millisecond}
	h := StaticHandle(fake)
	cfg := smallConfig()
	cfg.Serialize = true
	adapters := []*Adapter{NewAdapter(h, cfg, nil), NewAdapter(h, cfg, nil)}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		a := adapters[i%len(adapters)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Run(context.Background(), testVolume(4, 4, 2, 0))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 6, fake.calls.Load())
	assert.EqualValues(t, 1, fake.peak.Load())
}

// TestHandleOpensOnce shares one classifier and caches failures
func TestHandleOpensOnce(t *testing.T) {
	var opened atomic.Int32
	fake := &fakeClassifier{}
	h := NewHandle("model.onnx", func() (Classifier, error) {
		opened.Add(1)
		return fake, nil
	})

	for i := 0; i < 3; i++ {
		c, err := h.Get()
		require.NoError(t, err)
		assert.Same(t, fake, c)
	}
	assert.EqualValues(t, 1, opened.Load())

	require.NoError(t, h.Close())
	assert.True(t, fake.closed.Load())

	failing := NewHandle("bad.onnx", func() (Classifier, error) {
		opened.Add(1)
		return nil, errors.New("corrupt")
	})
	_, err1 := failing.Get()
	_, err2 := failing.Get()
	var mue *models.ModelUnavailableError
	require.ErrorAs(t, err1, &mue)
	assert.Equal(t, "bad.onnx", mue.Path)
	assert.Equal(t, err1, err2)
	assert.EqualValues(t, 2, opened.Load())
}

// TestProbabilities covers the score interpretation modes
func TestProbabilities(t *testing.T) {
	p, err := Probabilities([]float32{0.3, 0.7}, ScoresAuto)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.3, 0.7}, p, 1e-6)

	p, err = Probabilities([]float32{0, 0}, ScoresLogits)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, p, 1e-9)

	// Out of range values are taken as logits in auto mode
	p, err = Probabilities([]float32{2, -1}, ScoresAuto)
	require.NoError(t, err)
	assert.InDelta(t, 1, p[0]+p[1], 1e-9)
	assert.Greater(t, p[0], p[1])

	p, err = Probabilities([]float32{0}, ScoresLogits)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, p, 1e-9)

	_, err = Probabilities([]float32{float32(math.NaN())}, ScoresAuto)
	assert.Error(t, err)
	_, err = Probabilities(nil, ScoresAuto)
	assert.Error(t, err)
	_, err = Probabilities([]float32{1}, "bogus")
	assert.Error(t, err)
}

// TestNewTensor validates shape against data
func TestNewTensor(t *testing.T) {
	_, err := NewTensor([]int{2, 3}, make([]float32, 5))
	assert.Error(t, err)

	tt, err := NewTensor([]int{1, 2, 3}, make([]float32, 6))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, tt.DropBatch().Shape)
	assert.Equal(t, 6, tt.Len())
	assert.True(t, tt.SameShape(Tensor{Shape: []int{1, 2, 3}}))
	assert.False(t, tt.SameShape(Tensor{Shape: []int{1, 6}}))
}
