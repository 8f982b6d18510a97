// Package inference prepares volumes for the 3D classifier and runs it.
package inference

import (
	"context"
	"errors"
	"sync"

	"dicomcam/internal/models"
)

// Classifier is a pretrained model mapping a (1, X, Y, Z, 1) volume to class
// scores. Implementations must not mutate shared state in Predict unless
// every Adapter over their Handle is configured to serialize calls.
type Classifier interface {
	Predict(ctx context.Context, input Tensor) (*Prediction, error)
	Close() error
}

// Prediction is the output of one forward pass.
type Prediction struct {
	// Scores are the class probabilities or logits, shape (1, classes)
	Scores Tensor

	// Activation is the intermediate convolution output, shape
	// (1, X', Y', Z', channels). Nil when the model does not expose it.
	Activation *Tensor

	// Gradient is d score[argmax] / d Activation with the same shape as
	// Activation. Nil when the model does not expose it.
	Gradient *Tensor
}

// Opener creates a classifier. It is called at most once per Handle.
type Opener func() (Classifier, error)

// Handle is a lazily opened, process-wide classifier shared read-only by
// every request. The first Get opens the model; later calls return the
// same classifier or the same error.
type Handle struct {
	path string
	open Opener

	once       sync.Once
	classifier Classifier
	err        error

	// mu serializes forward passes for every adapter sharing the handle
	mu sync.Mutex
}

// NewHandle returns a handle that will open the model at path with open.
func NewHandle(path string, open Opener) *Handle {
	return &Handle{path: path, open: open}
}

// StaticHandle wraps an already opened classifier.
func StaticHandle(c Classifier) *Handle {
	h := &Handle{path: "static"}
	h.once.Do(func() { h.classifier = c })
	return h
}

// Get returns the shared classifier, opening it on first use. Failures are
// reported as *models.ModelUnavailableError.
func (h *Handle) Get() (Classifier, error) {
	h.once.Do(func() {
		if h.open == nil {
			h.err = &models.ModelUnavailableError{Path: h.path, Err: errors.New("no model configured")}
			return
		}
		c, err := h.open()
		if err != nil {
			var mue *models.ModelUnavailableError
			if !errors.As(err, &mue) {
				err = &models.ModelUnavailableError{Path: h.path, Err: err}
			}
			h.err = err
			return
		}
		h.classifier = c
	})
	return h.classifier, h.err
}

// Serialize runs fn while holding the handle's forward pass lock.
func (h *Handle) Serialize(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

// Close releases the classifier if it was opened.
func (h *Handle) Close() error {
	if h.classifier == nil {
		return nil
	}
	return h.classifier.Close()
}
