package reconstruction

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dicomcam/internal/models"
	"dicomcam/pkg/dicomio"
)

// Params holds the volume reconstruction parameters.
type Params struct {
	// InputDir is the directory containing the DICOM slices of one series.
	InputDir string

	// Extensions lists the recognized slice file extensions. Empty means ".dcm".
	Extensions []string

	// ComputeSpacing derives voxel spacing from the slice metadata. When false
	// the volume gets unit spacing.
	ComputeSpacing bool
}

// Options are the variant behaviors of Assemble.
type Options struct {
	ComputeSpacing bool
}

// Reconstructor loads a series directory and assembles its volume. It is the
// single path through which every caller obtains a Volume.
type Reconstructor struct {
	// params stores the reconstruction configuration
	params *Params

	logger *zap.Logger

	// slices holds the ordered input slices
	slices []models.Slice

	volume   *models.Volume
	ordering models.Ordering
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params, logger *zap.Logger) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{
		params: params,
		logger: logger,
	}
}

// Process loads every slice of the input directory and assembles the volume.
// Any loader or geometry failure aborts; no partial volume is kept.
func (r *Reconstructor) Process() error {
	loader := dicomio.NewLoader(r.params.Extensions, r.logger)
	slices, err := loader.LoadDir(r.params.InputDir)
	if err != nil {
		return err
	}

	volume, ordered, ordering, err := assemble(slices, Options{ComputeSpacing: r.params.ComputeSpacing})
	if err != nil {
		r.logger.Error("volume assembly failed", zap.String("dir", r.params.InputDir), zap.Error(err))
		return err
	}

	r.slices = ordered
	r.volume = volume
	r.ordering = ordering

	mean, std := stat.MeanStdDev(volume.Data, nil)
	r.logger.Info("volume assembled",
		zap.String("dir", r.params.InputDir),
		zap.Ints("shape", []int{volume.Depth, volume.Height, volume.Width}),
		zap.Float64s("spacing", []float64{volume.Spacing.X, volume.Spacing.Y, volume.Spacing.Z}),
		zap.Stringer("ordering", ordering),
		zap.Float64("min", floats.Min(volume.Data)),
		zap.Float64("max", floats.Max(volume.Data)),
		zap.Float64("mean", mean),
		zap.Float64("stddev", std))

	return nil
}

// GetVolume returns the assembled volume, or nil before Process succeeds.
func (r *Reconstructor) GetVolume() *models.Volume {
	return r.volume
}

// GetSlices returns the slices in volume order.
func (r *Reconstructor) GetSlices() []models.Slice {
	return r.slices
}

// Ordering reports which ordering strategy produced the volume.
func (r *Reconstructor) Ordering() models.Ordering {
	return r.ordering
}

// OrderSlices returns a sorted copy of slices and the strategy used.
//
// Instance numbers are used only when every slice has one and no two slices
// share one; otherwise slices are ordered lexicographically by file name.
func OrderSlices(slices []models.Slice) ([]models.Slice, models.Ordering) {
	ordered := make([]models.Slice, len(slices))
	copy(ordered, slices)

	if instanceNumbersUsable(ordered) {
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].InstanceNumber != ordered[j].InstanceNumber {
				return ordered[i].InstanceNumber < ordered[j].InstanceNumber
			}
			return ordered[i].Filename < ordered[j].Filename
		})
		return ordered, models.OrderInstanceNumber
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Filename < ordered[j].Filename
	})
	return ordered, models.OrderFilename
}

func instanceNumbersUsable(slices []models.Slice) bool {
	seen := make(map[int]struct{}, len(slices))
	for _, s := range slices {
		if !s.HasInstanceNumber {
			return false
		}
		if _, dup := seen[s.InstanceNumber]; dup {
			return false
		}
		seen[s.InstanceNumber] = struct{}{}
	}
	return true
}

// Assemble orders slices and stacks them into a volume of shape
// (len(slices), rows, cols).
func Assemble(slices []models.Slice, opts Options) (*models.Volume, models.Ordering, error) {
	volume, _, ordering, err := assemble(slices, opts)
	return volume, ordering, err
}

func assemble(slices []models.Slice, opts Options) (*models.Volume, []models.Slice, models.Ordering, error) {
	if len(slices) == 0 {
		return nil, nil, 0, fmt.Errorf("cannot assemble a volume from zero slices")
	}

	ordered, ordering := OrderSlices(slices)

	first := ordered[0]
	rows, cols := first.Rows, first.Cols
	for _, s := range ordered {
		if s.Rows != rows || s.Cols != cols || len(s.Pixels) != rows*cols {
			return nil, nil, ordering, &models.InconsistentGeometryError{
				Path: s.Path,
				Want: [2]int{rows, cols},
				Got:  [2]int{s.Rows, s.Cols},
			}
		}
	}

	volume := models.NewVolume(cols, rows, len(ordered))
	plane := rows * cols
	for z, s := range ordered {
		copy(volume.Data[z*plane:(z+1)*plane], s.Pixels)
	}

	if opts.ComputeSpacing {
		volume.Spacing = SpacingFromSlice(first)
	}
	if first.Window != nil {
		w := *first.Window
		volume.Window = &w
	}

	return volume, ordered, ordering, nil
}

// SpacingFromSlice derives voxel spacing from one slice's metadata. Pixel
// spacing defaults to 1.0 per axis; the slice axis uses SliceThickness, then
// SpacingBetweenSlices, then 1.0.
func SpacingFromSlice(s models.Slice) models.VoxelSpacing {
	spacing := models.VoxelSpacing{X: 1, Y: 1, Z: 1}

	if s.HasPixelSpacing {
		spacing.Y = s.PixelSpacing[0]
		spacing.X = s.PixelSpacing[1]
	}

	switch {
	case s.HasSliceThickness:
		spacing.Z = s.SliceThickness
	case s.HasSpacingBetweenSlices:
		spacing.Z = s.SpacingBetweenSlices
	}

	return spacing
}
