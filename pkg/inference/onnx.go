package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"dicomcam/internal/models"
	"dicomcam/pkg/config"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// initRuntime loads the ONNX Runtime shared library once per process.
func initRuntime(libraryPath string) error {
	runtimeOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeErr = fmt.Errorf("failed to initialize onnx runtime: %w", err)
		}
	})
	return runtimeErr
}

// onnxClassifier runs an exported classifier through ONNX Runtime.
//
// The Grad-CAM layer is read from ActivationOutput and its gradient with
// respect to the top class score from GradientOutput. Models exported
// without those outputs still classify; their predictions carry no
// activation or gradient.
type onnxClassifier struct {
	session *ort.DynamicAdvancedSession
	logger  *zap.Logger

	path       string
	input      string
	outputs    []string
	activation int
	gradient   int

	// fallback is a probability-only session opened after the full
	// forward pass first fails
	fallbackMu  sync.Mutex
	fallback    *ort.DynamicAdvancedSession
	fallbackErr error
}

// OpenONNX opens the model described by cfg. A missing file or a model
// without the expected input is reported as *models.ModelUnavailableError.
func OpenONNX(cfg config.ModelConfig, logger *zap.Logger) (Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, &models.ModelUnavailableError{Path: cfg.Path, Err: err}
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, &models.ModelUnavailableError{Path: cfg.Path, Err: err}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return nil, &models.ModelUnavailableError{Path: cfg.Path, Err: err}
	}

	inputName := cfg.InputName
	if !hasIO(inputs, inputName) {
		if len(inputs) != 1 {
			return nil, &models.ModelUnavailableError{
				Path: cfg.Path,
				Err:  fmt.Errorf("model has no input named %q", cfg.InputName),
			}
		}
		inputName = inputs[0].Name
	}

	c := &onnxClassifier{logger: logger, path: cfg.Path, input: inputName, activation: -1, gradient: -1}

	scoreName := cfg.ProbabilityOutput
	if !hasIO(outputs, scoreName) {
		if len(outputs) == 0 {
			return nil, &models.ModelUnavailableError{Path: cfg.Path, Err: errors.New("model has no outputs")}
		}
		scoreName = outputs[0].Name
	}
	c.outputs = append(c.outputs, scoreName)

	if hasIO(outputs, cfg.ActivationOutput) && hasIO(outputs, cfg.GradientOutput) {
		c.activation = len(c.outputs)
		c.outputs = append(c.outputs, cfg.ActivationOutput)
		c.gradient = len(c.outputs)
		c.outputs = append(c.outputs, cfg.GradientOutput)
	} else {
		logger.Warn("model exposes no gradient outputs, saliency maps will be unavailable",
			zap.String("activation", cfg.ActivationOutput),
			zap.String("gradient", cfg.GradientOutput))
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.Path, []string{inputName}, c.outputs, nil)
	if err != nil && c.activation >= 0 {
		logger.Warn("failed to open session with gradient outputs, retrying without them", zap.Error(err))
		c.outputs = c.outputs[:1]
		c.activation, c.gradient = -1, -1
		session, err = ort.NewDynamicAdvancedSession(cfg.Path, []string{inputName}, c.outputs, nil)
	}
	if err != nil {
		return nil, &models.ModelUnavailableError{Path: cfg.Path, Err: err}
	}
	c.session = session

	logger.Info("loaded classifier",
		zap.String("path", cfg.Path),
		zap.String("input", inputName),
		zap.Strings("outputs", c.outputs))
	return c, nil
}

func hasIO(infos []ort.InputOutputInfo, name string) bool {
	if name == "" {
		return false
	}
	for _, info := range infos {
		if info.Name == name {
			return true
		}
	}
	return false
}

func (c *onnxClassifier) Predict(ctx context.Context, input Tensor) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := make([]int64, len(input.Shape))
	for i, d := range input.Shape {
		shape[i] = int64(d)
	}
	in, err := ort.NewTensor(ort.NewShape(shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	pred, err := c.run(c.session, in, len(c.outputs), true)
	if err == nil || c.activation < 0 {
		return pred, err
	}

	c.logger.Warn("forward pass with gradient outputs failed, retrying for probabilities only", zap.Error(err))
	fallback, ferr := c.probabilitySession()
	if ferr != nil {
		return nil, fmt.Errorf("%w (probability-only session: %v)", err, ferr)
	}
	return c.run(fallback, in, 1, false)
}

// run executes one session. Outputs are allocated by the runtime and
// released before returning.
func (c *onnxClassifier) run(session *ort.DynamicAdvancedSession, in ort.Value, n int, full bool) (*Prediction, error) {
	outs := make([]ort.Value, n)
	defer func() {
		for _, o := range outs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	if err := session.Run([]ort.Value{in}, outs); err != nil {
		return nil, err
	}

	scores, err := copyTensor(outs[0], c.outputs[0])
	if err != nil {
		return nil, err
	}
	pred := &Prediction{Scores: scores}
	if !full || c.activation < 0 {
		return pred, nil
	}

	act, err := copyTensor(outs[c.activation], c.outputs[c.activation])
	if err != nil {
		return nil, err
	}
	grad, err := copyTensor(outs[c.gradient], c.outputs[c.gradient])
	if err != nil {
		return nil, err
	}
	pred.Activation = &act
	pred.Gradient = &grad
	return pred, nil
}

func (c *onnxClassifier) probabilitySession() (*ort.DynamicAdvancedSession, error) {
	c.fallbackMu.Lock()
	defer c.fallbackMu.Unlock()

	if c.fallback == nil && c.fallbackErr == nil {
		c.fallback, c.fallbackErr = ort.NewDynamicAdvancedSession(c.path, []string{c.input}, c.outputs[:1], nil)
	}
	return c.fallback, c.fallbackErr
}

// copyTensor copies an output out of runtime-owned memory.
func copyTensor(v ort.Value, name string) (Tensor, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return Tensor{}, fmt.Errorf("output %q is not a float32 tensor", name)
	}
	src := t.GetData()
	data := make([]float32, len(src))
	copy(data, src)

	s := t.GetShape()
	shape := make([]int, len(s))
	for i, d := range s {
		shape[i] = int(d)
	}
	return NewTensor(shape, data)
}

func (c *onnxClassifier) Close() error {
	var errs []error
	if c.session != nil {
		errs = append(errs, c.session.Destroy())
		c.session = nil
	}
	c.fallbackMu.Lock()
	if c.fallback != nil {
		errs = append(errs, c.fallback.Destroy())
		c.fallback = nil
	}
	c.fallbackMu.Unlock()
	return errors.Join(errs...)
}
