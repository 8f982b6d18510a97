package interpolation

import (
	"math"
	"testing"
)

// createTestGrid fills a grid with value = f(x, y, z)
func createTestGrid(d Dims, f func(x, y, z int) float64) []float64 {
	data := make([]float64, d.Len())
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				data[z*d.X*d.Y+y*d.X+x] = f(x, y, z)
			}
		}
	}
	return data
}

// TestTranspose verifies axis reversal and that applying it twice is the identity
func TestTranspose(t *testing.T) {
	d := Dims{X: 4, Y: 3, Z: 2}
	data := createTestGrid(d, func(x, y, z int) float64 { return float64(100*z + 10*y + x) })

	out, td := Transpose(data, d)
	if td != (Dims{X: 2, Y: 3, Z: 4}) {
		t.Fatalf("Unexpected transposed dims %v", td)
	}

	// (x, y, z) in the source is (z, y, x) in the output
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				want := data[z*d.X*d.Y+y*d.X+x]
				got := out[x*td.X*td.Y+y*td.X+z]
				if got != want {
					t.Fatalf("Mismatch at (%d,%d,%d): %v != %v", x, y, z, got, want)
				}
			}
		}
	}

	back, bd := Transpose(out, td)
	if bd != d {
		t.Fatalf("Expected dims %v after double transpose, got %v", d, bd)
	}
	for i := range data {
		if back[i] != data[i] {
			t.Fatalf("Double transpose differs at %d", i)
		}
	}
}

// TestResizeConstant keeps a constant field constant at any size
func TestResizeConstant(t *testing.T) {
	src := Dims{X: 7, Y: 5, Z: 3}
	data := createTestGrid(src, func(x, y, z int) float64 { return 0.25 })

	for _, aa := range []bool{false, true} {
		out, err := Resize(data, src, Dims{X: 3, Y: 10, Z: 4}, Options{AntiAlias: aa})
		if err != nil {
			t.Fatalf("Resize failed: %v", err)
		}
		if len(out) != 3*10*4 {
			t.Fatalf("Expected 120 values, got %d", len(out))
		}
		for i, v := range out {
			if math.Abs(v-0.25) > 1e-9 {
				t.Fatalf("AntiAlias=%v index %d: expected 0.25, got %v", aa, i, v)
			}
		}
	}
}

// TestResizeLinearRamp reproduces a linear ramp exactly inside the grid
func TestResizeLinearRamp(t *testing.T) {
	src := Dims{X: 4, Y: 1, Z: 1}
	data := []float64{0, 1, 2, 3}

	out, err := Resize(data, src, Dims{X: 8, Y: 1, Z: 1}, Options{})
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}

	// Output centre i maps to (i+0.5)/2-0.5, clamped to [0,3]
	want := []float64{0, 0.25, 0.75, 1.25, 1.75, 2.25, 2.75, 3}
	for i := range want {
		if math.Abs(out[i]-want[i]) > 1e-9 {
			t.Errorf("Index %d: expected %v, got %v", i, want[i], out[i])
		}
	}
}

// TestResizeIdentity returns a copy when dims match
func TestResizeIdentity(t *testing.T) {
	d := Dims{X: 2, Y: 2, Z: 2}
	data := createTestGrid(d, func(x, y, z int) float64 { return float64(x + y + z) })

	out, err := Resize(data, d, d, Options{AntiAlias: true})
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	out[0] = 99
	if data[0] == 99 {
		t.Error("Resize must not alias its input")
	}
}

// TestResizeBounds keeps outputs within the input range
func TestResizeBounds(t *testing.T) {
	src := Dims{X: 9, Y: 8, Z: 6}
	data := createTestGrid(src, func(x, y, z int) float64 {
		if (x+y+z)%2 == 0 {
			return 1
		}
		return 0
	})

	out, err := Resize(data, src, Dims{X: 3, Y: 3, Z: 2}, Options{AntiAlias: true})
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	for i, v := range out {
		if v < -1e-9 || v > 1+1e-9 {
			t.Fatalf("Index %d out of input range: %v", i, v)
		}
	}
}

// TestResizeErrors rejects mismatched or empty grids
func TestResizeErrors(t *testing.T) {
	if _, err := Resize(make([]float64, 5), Dims{X: 2, Y: 2, Z: 2}, Dims{X: 1, Y: 1, Z: 1}, Options{}); err == nil {
		t.Error("Expected error for wrong data length")
	}
	if _, err := Resize(make([]float64, 8), Dims{X: 2, Y: 2, Z: 2}, Dims{X: 0, Y: 1, Z: 1}, Options{}); err == nil {
		t.Error("Expected error for empty destination")
	}
}

// TestGaussianKernel sums to one and is symmetric
func TestGaussianKernel(t *testing.T) {
	k := gaussianKernel(1.5)
	var sum float64
	for i := range k {
		sum += k[i]
		if math.Abs(k[i]-k[len(k)-1-i]) > 1e-12 {
			t.Errorf("Kernel not symmetric at %d", i)
		}
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("Expected kernel sum 1, got %v", sum)
	}
}

// TestReflect mirrors indices about the borders
func TestReflect(t *testing.T) {
	cases := map[int]int{-2: 2, -1: 1, 0: 0, 3: 3, 4: 2, 5: 1, 6: 0, 8: 2}
	for in, want := range cases {
		if got := reflect(in, 4); got != want {
			t.Errorf("reflect(%d, 4) = %d, want %d", in, got, want)
		}
	}
	if reflect(5, 1) != 0 {
		t.Error("Single element axis must always map to 0")
	}
}
