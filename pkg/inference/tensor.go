package inference

import (
	"fmt"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor checks that data fills shape exactly.
func NewTensor(shape []int, data []float32) (Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("negative dimension in shape %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Len is the number of elements implied by Shape.
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// DropBatch removes a leading batch dimension of size one.
func (t Tensor) DropBatch() Tensor {
	if len(t.Shape) > 1 && t.Shape[0] == 1 {
		return Tensor{Shape: t.Shape[1:], Data: t.Data}
	}
	return t
}

// SameShape reports whether t and o have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}
