// Package interpolation resamples dense 3D scalar grids.
package interpolation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Dims are grid dimensions with X the fastest-varying axis, so element
// (x, y, z) lives at z*Y*X + y*X + x.
type Dims struct {
	X, Y, Z int
}

// Len is the number of elements.
func (d Dims) Len() int {
	return d.X * d.Y * d.Z
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// Options control Resize.
type Options struct {
	// AntiAlias low-pass filters every downsampled axis with a Gaussian of
	// sigma (scale-1)/2 before interpolating.
	AntiAlias bool
}

// Transpose reverses the axis order of data: the element at (x, y, z) moves
// to (z, y, x). It turns a (slice, row, col) volume into (col, row, slice)
// order and back.
func Transpose(data []float64, d Dims) ([]float64, Dims) {
	out := make([]float64, len(data))
	td := Dims{X: d.Z, Y: d.Y, Z: d.X}
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				out[x*td.Y*td.X+y*td.X+z] = data[z*d.Y*d.X+y*d.X+x]
			}
		}
	}
	return out, td
}

// Resize resamples data from src to dst with trilinear interpolation.
// Output sample centres are mapped onto input sample centres and coordinates
// beyond the edge are clamped.
func Resize(data []float64, src, dst Dims, opts Options) ([]float64, error) {
	if len(data) != src.Len() {
		return nil, fmt.Errorf("data has %d elements, dims %v need %d", len(data), src, src.Len())
	}
	if src.Len() == 0 || dst.Len() == 0 {
		return nil, fmt.Errorf("cannot resize %v to %v", src, dst)
	}
	if src == dst {
		out := make([]float64, len(data))
		copy(out, data)
		return out, nil
	}

	input := data
	if opts.AntiAlias {
		input = smooth(data, src, dst)
	}

	xs := axisSamples(src.X, dst.X)
	ys := axisSamples(src.Y, dst.Y)
	zs := axisSamples(src.Z, dst.Z)

	out := make([]float64, dst.Len())
	plane := src.X * src.Y
	for k, zc := range zs {
		for j, yc := range ys {
			for i, xc := range xs {
				z0, z1, y0, y1, x0, x1 := zc.lo*plane, zc.hi*plane, yc.lo*src.X, yc.hi*src.X, xc.lo, xc.hi

				c00 := lerp(input[z0+y0+x0], input[z0+y0+x1], xc.t)
				c01 := lerp(input[z0+y1+x0], input[z0+y1+x1], xc.t)
				c10 := lerp(input[z1+y0+x0], input[z1+y0+x1], xc.t)
				c11 := lerp(input[z1+y1+x0], input[z1+y1+x1], xc.t)

				out[k*dst.X*dst.Y+j*dst.X+i] = lerp(lerp(c00, c01, yc.t), lerp(c10, c11, yc.t), zc.t)
			}
		}
	}
	return out, nil
}

// sample is the pair of source indices and the weight of hi for one output index.
type sample struct {
	lo, hi int
	t      float64
}

func axisSamples(in, out int) []sample {
	samples := make([]sample, out)
	scale := float64(in) / float64(out)
	for i := range samples {
		c := (float64(i)+0.5)*scale - 0.5
		if c <= 0 {
			samples[i] = sample{}
			continue
		}
		if c >= float64(in-1) {
			samples[i] = sample{lo: in - 1, hi: in - 1}
			continue
		}
		lo := int(math.Floor(c))
		samples[i] = sample{lo: lo, hi: lo + 1, t: c - float64(lo)}
	}
	return samples
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// smooth applies a separable Gaussian along every axis that shrinks from src to dst.
func smooth(data []float64, src, dst Dims) []float64 {
	out := data
	copied := false
	axes := []struct {
		in, out int
		stride  int
	}{
		{src.X, dst.X, 1},
		{src.Y, dst.Y, src.X},
		{src.Z, dst.Z, src.X * src.Y},
	}

	for _, a := range axes {
		sigma := (float64(a.in)/float64(a.out) - 1) / 2
		if sigma <= 0 {
			continue
		}
		if !copied {
			out = append([]float64(nil), data...)
			copied = true
		}
		convolveAxis(out, src, a.in, a.stride, gaussianKernel(sigma))
	}
	return out
}

// gaussianKernel returns normalized weights for offsets -r..r with r = ceil(4*sigma).
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
	g := distuv.Normal{Mu: 0, Sigma: sigma}

	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		kernel[i] = g.Prob(float64(i - radius))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis filters data in place along one axis of length n and stride,
// mirroring samples at the borders.
func convolveAxis(data []float64, d Dims, n, stride int, kernel []float64) {
	radius := len(kernel) / 2
	line := make([]float64, n)
	total := d.Len()

	for base := 0; base < total; base++ {
		// base must be the first element of a line along this axis
		if (base/stride)%n != 0 {
			continue
		}
		for i := 0; i < n; i++ {
			line[i] = data[base+i*stride]
		}
		for i := 0; i < n; i++ {
			var acc float64
			for k, w := range kernel {
				acc += w * line[reflect(i+k-radius, n)]
			}
			data[base+i*stride] = acc
		}
	}
}

// reflect maps an out-of-range index back into [0, n) by mirroring about the edges.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}
