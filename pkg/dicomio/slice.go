package dicomio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dicomcam/internal/models"
)

// ReadSlice parses one DICOM file into a Slice. Only the first frame is
// used. Every failure is reported as *models.SliceReadError.
func ReadSlice(path string) (models.Slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return models.Slice{}, &models.SliceReadError{Path: path, Err: err}
	}

	s, err := sliceFromDataset(ds)
	if err != nil {
		return models.Slice{}, &models.SliceReadError{Path: path, Err: err}
	}
	s.Path = path
	s.Filename = filepath.Base(path)
	return s, nil
}

func sliceFromDataset(ds dicom.Dataset) (models.Slice, error) {
	s := models.Slice{RescaleSlope: 1}

	if v, ok := floatTag(ds, tag.RescaleSlope); ok && v != 0 {
		s.RescaleSlope = v
	}
	if v, ok := floatTag(ds, tag.RescaleIntercept); ok {
		s.RescaleIntercept = v
	}
	if v, ok := intTag(ds, tag.InstanceNumber); ok {
		s.InstanceNumber, s.HasInstanceNumber = v, true
	}
	if vals, ok := floatsTag(ds, tag.PixelSpacing); ok && len(vals) >= 2 {
		s.PixelSpacing = [2]float64{vals[0], vals[1]}
		s.HasPixelSpacing = true
	}
	if v, ok := floatTag(ds, tag.SliceThickness); ok && v > 0 {
		s.SliceThickness, s.HasSliceThickness = v, true
	}
	if v, ok := floatTag(ds, tag.SpacingBetweenSlices); ok && v > 0 {
		s.SpacingBetweenSlices, s.HasSpacingBetweenSlices = v, true
	}

	center, okC := floatTag(ds, tag.WindowCenter)
	width, okW := floatTag(ds, tag.WindowWidth)
	if okC && okW {
		s.Window = &models.WindowParams{Center: center, Width: width}
	}

	if err := readPixels(ds, &s); err != nil {
		return models.Slice{}, err
	}
	return s, nil
}

func readPixels(ds dicom.Dataset, s *models.Slice) error {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return fmt.Errorf("no pixel data: %w", err)
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return errors.New("pixel data element has unexpected value type")
	}
	if len(info.Frames) == 0 {
		return errors.New("pixel data has no frames")
	}

	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return fmt.Errorf("unsupported pixel encoding: %w", err)
	}

	rows, cols := native.Rows(), native.Cols()
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", rows, cols)
	}

	// Some writers store signed data in an unsigned container.
	signed := false
	bitsStored := native.BitsPerSample()
	if rep, ok := intTag(ds, tag.PixelRepresentation); ok && rep == 1 {
		signed = true
	}
	if v, ok := intTag(ds, tag.BitsStored); ok && v > 0 {
		bitsStored = v
	}
	signBit := 1 << (bitsStored - 1)
	span := 1 << bitsStored

	s.Rows, s.Cols = rows, cols
	s.Pixels = make([]float64, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			px, err := native.GetPixel(x, y)
			if err != nil {
				return fmt.Errorf("pixel (%d,%d): %w", x, y, err)
			}
			v := px[0]
			if signed {
				// Bits above BitsStored may hold a sign extension or overlay data
				v &= span - 1
				if v >= signBit {
					v -= span
				}
			}
			s.Pixels[y*cols+x] = float64(v)*s.RescaleSlope + s.RescaleIntercept
		}
	}
	return nil
}

// ReadSeriesInfo reads the descriptive metadata of a series from one of its
// files without decoding pixel data.
func ReadSeriesInfo(path string) (models.SeriesInfo, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return models.SeriesInfo{}, &models.SliceReadError{Path: path, Err: err}
	}
	return seriesInfoFromDataset(ds, time.Now()), nil
}

func seriesInfoFromDataset(ds dicom.Dataset, now time.Time) models.SeriesInfo {
	info := models.SeriesInfo{
		PatientID:         stringTag(ds, tag.PatientID),
		PatientAge:        stringTag(ds, tag.PatientAge),
		PatientSex:        stringTag(ds, tag.PatientSex),
		Modality:          stringTag(ds, tag.Modality),
		SeriesDescription: stringTag(ds, tag.SeriesDescription),
		StudyDescription:  stringTag(ds, tag.StudyDescription),
	}
	if info.PatientID == "" {
		info.PatientID = "Unknown"
	}

	desc := info.SeriesDescription
	if desc == "" {
		desc = info.StudyDescription
	}
	if desc == "" {
		desc = now.Format("2006-01-02_1504")
	}
	info.Name = info.PatientID + "_" + desc
	return info
}

// stringsTag returns the element's values as strings.
func stringsTag(ds dicom.Dataset, t tag.Tag) ([]string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			// DS/IS values may carry padding and backslash separated items
			for _, part := range strings.Split(s, "\\") {
				part = strings.TrimSpace(strings.TrimRight(part, "\x00"))
				if part != "" {
					out = append(out, part)
				}
			}
		}
		return out, len(out) > 0
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out, len(out) > 0
	case []float64:
		out := make([]string, len(v))
		for i, f := range v {
			out[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}

func stringTag(ds dicom.Dataset, t tag.Tag) string {
	vals, ok := stringsTag(ds, t)
	if !ok {
		return ""
	}
	return vals[0]
}

func floatsTag(ds dicom.Dataset, t tag.Tag) ([]float64, bool) {
	vals, ok := stringsTag(ds, t)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(vals))
	for _, s := range vals {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

// floatTag returns the first value of a multi-valued numeric element.
func floatTag(ds dicom.Dataset, t tag.Tag) (float64, bool) {
	vals, ok := floatsTag(ds, t)
	if !ok {
		return 0, false
	}
	return vals[0], true
}

func intTag(ds dicom.Dataset, t tag.Tag) (int, bool) {
	f, ok := floatTag(ds, t)
	if !ok {
		return 0, false
	}
	return int(f), true
}
