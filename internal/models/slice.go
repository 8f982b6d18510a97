package models

// WindowParams is a radiological window given as a center/width pair.
type WindowParams struct {
	Center float64
	Width  float64
}

// DefaultWindow is used when neither the series nor the caller provides one.
var DefaultWindow = WindowParams{Center: 40, Width: 400}

// Slice represents a single DICOM slice with the metadata needed to place it
// in a volume. A Slice is not modified after it has been read.
type Slice struct {
	// Path is the full path of the file the slice was read from
	Path string

	// Filename is the base name, used as the fallback ordering key
	Filename string

	// Rows and Cols are the pixel grid dimensions
	Rows int
	Cols int

	// Pixels holds Rows*Cols rescaled intensities in row-major order
	Pixels []float64

	// InstanceNumber is the primary ordering key
	InstanceNumber    int
	HasInstanceNumber bool

	// PixelSpacing is the physical (row, col) spacing in mm
	PixelSpacing    [2]float64
	HasPixelSpacing bool

	SliceThickness    float64
	HasSliceThickness bool

	SpacingBetweenSlices    float64
	HasSpacingBetweenSlices bool

	RescaleSlope     float64
	RescaleIntercept float64

	// Window is nil when the file carries no WindowCenter/WindowWidth
	Window *WindowParams
}

// At returns the intensity at row y, column x.
func (s *Slice) At(y, x int) float64 {
	return s.Pixels[y*s.Cols+x]
}

// SeriesInfo is the descriptive metadata of a series, read from one of its files.
type SeriesInfo struct {
	PatientID         string
	PatientAge        string
	PatientSex        string
	Modality          string
	SeriesDescription string
	StudyDescription  string

	// Name is "{PatientID}_{description}" where description falls back from
	// the series description to the study description to a timestamp
	Name string
}

// Ordering records which strategy was used to order the slices of a volume.
type Ordering int

const (
	// OrderInstanceNumber sorts by the InstanceNumber tag
	OrderInstanceNumber Ordering = iota
	// OrderFilename sorts lexicographically by file name
	OrderFilename
)

func (o Ordering) String() string {
	switch o {
	case OrderInstanceNumber:
		return "instance-number"
	case OrderFilename:
		return "filename"
	default:
		return "unknown"
	}
}
