package models

// VoxelSpacing is the physical size of a voxel in mm along each axis.
type VoxelSpacing struct {
	// X is the column spacing
	X float64
	// Y is the row spacing
	Y float64
	// Z is the slice thickness
	Z float64
}

// Volume represents a 3D volume assembled from DICOM slices
type Volume struct {
	// Data is the 3D volume data as a 1D array with index z*Width*Height + y*Width + x
	Data []float64

	// Width is the number of columns
	Width int

	// Height is the number of rows
	Height int

	// Depth is the number of slices
	Depth int

	// Spacing is the physical size of each voxel in mm
	Spacing VoxelSpacing

	// Window is the window stored in the first slice, if any
	Window *WindowParams
}

// NewVolume allocates a zeroed volume with the given dimensions.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:    make([]float64, width*height*depth),
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: VoxelSpacing{X: 1, Y: 1, Z: 1},
	}
}

// Index returns the position of voxel (z, y, x) in Data.
func (v *Volume) Index(z, y, x int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel at (z, y, x).
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// Len is the number of voxels.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Shape returns (depth, height, width), the (slice, row, col) axis order.
func (v *Volume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// SliceCounts is the number of available planes per orientation.
type SliceCounts struct {
	Axial    int `json:"axial"`
	Coronal  int `json:"coronal"`
	Sagittal int `json:"sagittal"`
}

// SaliencyMap is a class activation field laid out exactly like the Volume it
// was computed for. Values lie in [0,1]; the map is all zero when the model
// produced no positive activation.
type SaliencyMap struct {
	Data    []float64
	Width   int
	Height  int
	Depth   int
	Spacing VoxelSpacing
}

// Max returns the largest value in the map.
func (m *SaliencyMap) Max() float64 {
	var max float64
	for _, v := range m.Data {
		if v > max {
			max = v
		}
	}
	return max
}

// InferenceResult is the classifier output for one volume.
type InferenceResult struct {
	// ClassIndex is the argmax class
	ClassIndex int `json:"classIndex"`

	// Probability is the probability of ClassIndex
	Probability float64 `json:"probability"`

	// Probabilities holds every class probability
	Probabilities []float64 `json:"probabilities"`
}

// Positive returns the class-1 probability of a binary classifier.
func (r InferenceResult) Positive() float64 {
	if len(r.Probabilities) < 2 {
		if r.ClassIndex == 1 {
			return r.Probability
		}
		return 1 - r.Probability
	}
	return r.Probabilities[1]
}

// Negative returns the class-0 probability of a binary classifier.
func (r InferenceResult) Negative() float64 {
	if len(r.Probabilities) < 2 {
		return 1 - r.Positive()
	}
	return r.Probabilities[0]
}
