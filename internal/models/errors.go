package models

import (
	"errors"
	"fmt"
)

// ErrNoGradient reports that a prediction carried no usable gradient, so no
// saliency map can be computed. The probability is still valid.
var ErrNoGradient = errors.New("gradient unavailable")

// NoSlicesFoundError is returned when a directory holds no slice files.
type NoSlicesFoundError struct {
	Dir string
}

func (e *NoSlicesFoundError) Error() string {
	return fmt.Sprintf("no slice files found in %s", e.Dir)
}

// SliceReadError wraps a failure to parse one slice file.
type SliceReadError struct {
	Path string
	Err  error
}

func (e *SliceReadError) Error() string {
	return fmt.Sprintf("failed to read slice %s: %v", e.Path, e.Err)
}

func (e *SliceReadError) Unwrap() error { return e.Err }

// InconsistentGeometryError is returned when a slice's grid differs from the
// first slice of the series.
type InconsistentGeometryError struct {
	Path string
	// Want and Got are (rows, cols)
	Want [2]int
	Got  [2]int
}

func (e *InconsistentGeometryError) Error() string {
	return fmt.Sprintf("slice %s is %dx%d, expected %dx%d",
		e.Path, e.Got[0], e.Got[1], e.Want[0], e.Want[1])
}

// ModelUnavailableError is returned when the classifier artifact cannot be
// located or loaded.
type ModelUnavailableError struct {
	Path string
	Err  error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model %s unavailable: %v", e.Path, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// InferenceError wraps a failure during the forward pass or gradient step.
type InferenceError struct {
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed during %s: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ExportError wraps an I/O failure while writing an output file.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("failed to export %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// SliceIndexError is returned when a view index is outside its axis.
type SliceIndexError struct {
	Orientation string
	Index       int
	Limit       int
}

func (e *SliceIndexError) Error() string {
	return fmt.Sprintf("%s slice index %d out of range [0, %d)", e.Orientation, e.Index, e.Limit)
}
