package visualization

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"golang.org/x/image/draw"

	"dicomcam/internal/models"
	"dicomcam/pkg/windowing"
)

// Orientation names one of the three canonical anatomical planes.
type Orientation string

const (
	// Axial fixes the slice axis and yields a rows x cols plane
	Axial Orientation = "axial"
	// Coronal fixes the row axis and yields a slices x cols plane
	Coronal Orientation = "coronal"
	// Sagittal fixes the column axis and yields a slices x rows plane
	Sagittal Orientation = "sagittal"
)

// Orientations lists every orientation in rendering order.
var Orientations = []Orientation{Axial, Coronal, Sagittal}

// ParseOrientation accepts the orientation names case-insensitively.
func ParseOrientation(s string) (Orientation, error) {
	switch o := Orientation(strings.ToLower(strings.TrimSpace(s))); o {
	case Axial, Coronal, Sagittal:
		return o, nil
	default:
		return "", fmt.Errorf("invalid orientation: %q (must be axial, coronal or sagittal)", s)
	}
}

// Plane is a 2D cut through a volume, row-major.
type Plane struct {
	Data   []float64
	Width  int
	Height int
}

// Viewer cuts planes out of a volume and rasterizes them.
type Viewer struct {
	volume *models.Volume
}

// NewViewer creates a viewer over volume. The volume is not modified.
func NewViewer(volume *models.Volume) *Viewer {
	return &Viewer{volume: volume}
}

// AxisLength returns the number of planes available for orientation o.
func (v *Viewer) AxisLength(o Orientation) (int, error) {
	switch o {
	case Axial:
		return v.volume.Depth, nil
	case Coronal:
		return v.volume.Height, nil
	case Sagittal:
		return v.volume.Width, nil
	default:
		return 0, fmt.Errorf("invalid orientation: %q", o)
	}
}

// SliceCounts returns the number of planes per orientation.
func (v *Viewer) SliceCounts() models.SliceCounts {
	return models.SliceCounts{
		Axial:    v.volume.Depth,
		Coronal:  v.volume.Height,
		Sagittal: v.volume.Width,
	}
}

// ExtractPlane extracts a 2D plane from the volume by fixing the axis that
// belongs to o at index. An index outside that axis yields *models.SliceIndexError.
func (v *Viewer) ExtractPlane(o Orientation, index int) (Plane, error) {
	limit, err := v.AxisLength(o)
	if err != nil {
		return Plane{}, err
	}
	if index < 0 || index >= limit {
		return Plane{}, &models.SliceIndexError{Orientation: string(o), Index: index, Limit: limit}
	}

	vol := v.volume
	var p Plane

	switch o {
	case Axial:
		// Rows x cols at depth index
		p = Plane{Width: vol.Width, Height: vol.Height}
		start := vol.Index(index, 0, 0)
		p.Data = make([]float64, vol.Width*vol.Height)
		copy(p.Data, vol.Data[start:start+len(p.Data)])

	case Coronal:
		// Slices x cols at row index
		p = Plane{Width: vol.Width, Height: vol.Depth, Data: make([]float64, vol.Width*vol.Depth)}
		for z := 0; z < vol.Depth; z++ {
			start := vol.Index(z, index, 0)
			copy(p.Data[z*vol.Width:(z+1)*vol.Width], vol.Data[start:start+vol.Width])
		}

	case Sagittal:
		// Slices x rows at column index
		p = Plane{Width: vol.Height, Height: vol.Depth, Data: make([]float64, vol.Height*vol.Depth)}
		for z := 0; z < vol.Depth; z++ {
			for y := 0; y < vol.Height; y++ {
				p.Data[z*vol.Height+y] = vol.At(z, y, index)
			}
		}
	}

	return p, nil
}

// pixelAspect returns the physical (width, height) size of one pixel of a
// plane in orientation o.
func (v *Viewer) pixelAspect(o Orientation) (float64, float64) {
	s := v.volume.Spacing
	switch o {
	case Coronal:
		return s.X, s.Z
	case Sagittal:
		return s.Y, s.Z
	default:
		return s.X, s.Y
	}
}

// RenderWindowed extracts a plane and applies the window to it.
func (v *Viewer) RenderWindowed(o Orientation, index int, w models.WindowParams) (*image.Gray, error) {
	p, err := v.ExtractPlane(o, index)
	if err != nil {
		return nil, err
	}
	return toGray(windowing.ApplyAll(p.Data, w), p.Width, p.Height), nil
}

// RenderNormalized extracts a plane and stretches its own min..max to 0..255.
// Each plane is normalized independently, so adjacent planes of a sequence
// may differ in brightness.
func (v *Viewer) RenderNormalized(o Orientation, index int) (*image.Gray, error) {
	p, err := v.ExtractPlane(o, index)
	if err != nil {
		return nil, err
	}
	return toGray(windowing.Normalize(p.Data), p.Width, p.Height), nil
}

func toGray(pix []uint8, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, pix)
	return img
}

// AspectCorrect rescales img so that one pixel covers the same physical size
// in both directions. The smaller spacing is kept at one pixel.
func (v *Viewer) AspectCorrect(img *image.Gray, o Orientation) *image.Gray {
	sx, sy := v.pixelAspect(o)
	if !(sx > 0) || !(sy > 0) || sx == sy {
		return img
	}

	unit := math.Min(sx, sy)
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * sx / unit))
	h := int(math.Round(float64(b.Dy()) * sy / unit))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// SliceFileName is the deterministic file name of one rendered plane.
func SliceFileName(prefix string, o Orientation, index int) string {
	return fmt.Sprintf("%s%s_%d.png", prefix, o, index)
}

// SaveSlice renders one windowed plane to dir/{prefix}{orientation}_{index}.png
// and returns the path.
func (v *Viewer) SaveSlice(o Orientation, index int, w models.WindowParams, dir, prefix string) (string, error) {
	img, err := v.RenderWindowed(o, index, w)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, SliceFileName(prefix, o, index))
	if err := SavePNG(img, path); err != nil {
		return "", err
	}
	return path, nil
}

// MiddleViewOptions controls the preview images.
type MiddleViewOptions struct {
	// AspectCorrect rescales coronal and sagittal previews by voxel spacing
	AspectCorrect bool
}

// SaveMiddleViews saves the middle plane of each orientation as
// dir/{prefix}{orientation}.png, min-max normalized.
func (v *Viewer) SaveMiddleViews(dir, prefix string, opts MiddleViewOptions) (map[Orientation]string, error) {
	paths := make(map[Orientation]string, len(Orientations))
	for _, o := range Orientations {
		n, err := v.AxisLength(o)
		if err != nil {
			return nil, err
		}

		img, err := v.RenderNormalized(o, n/2)
		if err != nil {
			return nil, err
		}
		if opts.AspectCorrect {
			img = v.AspectCorrect(img, o)
		}

		path := filepath.Join(dir, fmt.Sprintf("%s%s.png", prefix, o))
		if err := SavePNG(img, path); err != nil {
			return nil, err
		}
		paths[o] = path
	}
	return paths, nil
}

// SavePNG writes img to path, creating the parent directory. A failed write
// leaves no file behind.
func SavePNG(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &models.ExportError{Path: path, Err: err}
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithTempDir(filepath.Dir(path)))
	if err != nil {
		return &models.ExportError{Path: path, Err: err}
	}
	defer pf.Cleanup()

	if err := png.Encode(pf, img); err != nil {
		return &models.ExportError{Path: path, Err: err}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return &models.ExportError{Path: path, Err: err}
	}
	return nil
}

// SaveSliceSequence renders every plane along o, each normalized on its own,
// to dir/{prefix}{orientation}_{index}.png. It returns the number of files written.
func (v *Viewer) SaveSliceSequence(o Orientation, dir, prefix string) (int, error) {
	n, err := v.AxisLength(o)
	if err != nil {
		return 0, err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.RenderNormalized(o, pos)
		if err != nil {
			return pos, err
		}
		if err := SavePNG(img, filepath.Join(dir, SliceFileName(prefix, o, pos))); err != nil {
			return pos, err
		}
	}

	return n, nil
}

// SaveAllSlices runs SaveSliceSequence for every orientation.
func (v *Viewer) SaveAllSlices(dir, prefix string) (models.SliceCounts, error) {
	var counts models.SliceCounts
	for _, o := range Orientations {
		n, err := v.SaveSliceSequence(o, dir, prefix)
		if err != nil {
			return counts, fmt.Errorf("failed to save %s slices: %w", o, err)
		}
		switch o {
		case Axial:
			counts.Axial = n
		case Coronal:
			counts.Coronal = n
		case Sagittal:
			counts.Sagittal = n
		}
	}
	return counts, nil
}
