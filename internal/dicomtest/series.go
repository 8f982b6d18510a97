// Package dicomtest writes small synthetic DICOM series for tests.
package dicomtest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// RescaleIntercept is applied to every generated slice, so a stored value v
// loads as v-1024.
const RescaleIntercept = -1024

// SliceSpec describes one generated file.
type SliceSpec struct {
	// Name is the file name inside the series directory
	Name string

	Rows, Cols int

	// InstanceNumber is omitted from the file when zero
	InstanceNumber int

	// Thickness and SpacingBetween are omitted when zero
	Thickness      float64
	SpacingBetween float64

	// PixelSpacing is omitted when zero
	PixelSpacing float64

	// Window is omitted when Width is zero
	WindowCenter, WindowWidth float64

	// Signed writes PixelRepresentation 1
	Signed bool

	// BitsStored defaults to 16
	BitsStored int

	// Value returns the stored (pre-rescale) value at (x, y)
	Value func(x, y int) uint16
}

// Series returns n uniform specs named slice_000.dcm.. with instance numbers 1..n.
// Stored values encode the instance number so ordering can be checked.
func Series(n, rows, cols int) []SliceSpec {
	specs := make([]SliceSpec, n)
	for i := range specs {
		inst := i + 1
		specs[i] = SliceSpec{
			Name:           fmt.Sprintf("slice_%03d.dcm", i),
			Rows:           rows,
			Cols:           cols,
			InstanceNumber: inst,
			Thickness:      2.5,
			PixelSpacing:   0.75,
			WindowCenter:   40,
			WindowWidth:    400,
			Value: func(x, y int) uint16 {
				return uint16(1024 + inst)
			},
		}
	}
	return specs
}

// WriteSeries writes every spec into dir.
func WriteSeries(t testing.TB, dir string, specs []SliceSpec) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create series dir: %v", err)
	}
	for i, spec := range specs {
		if err := WriteSlice(filepath.Join(dir, spec.Name), spec, i); err != nil {
			t.Fatalf("Failed to write %s: %v", spec.Name, err)
		}
	}
}

// WriteSlice writes one MONOCHROME2 slice with 16 bits allocated.
func WriteSlice(path string, spec SliceSpec, seq int) error {
	value := spec.Value
	if value == nil {
		value = func(x, y int) uint16 { return 1024 }
	}

	bitsStored := spec.BitsStored
	if bitsStored == 0 {
		bitsStored = 16
	}
	pixelRep := 0
	if spec.Signed {
		pixelRep = 1
	}

	nativeFrame := frame.NewNativeFrame[uint16](16, spec.Rows, spec.Cols, spec.Rows*spec.Cols, 1)
	for y := 0; y < spec.Rows; y++ {
		for x := 0; x < spec.Cols; x++ {
			nativeFrame.RawData[y*spec.Cols+x] = value(x, y)
		}
	}

	sopUID := fmt.Sprintf("1.2.826.0.1.3680043.8.498.%d", seq+1)
	var elements []*dicom.Element
	add := func(t tag.Tag, data any) error {
		el, err := dicom.NewElement(t, data)
		if err != nil {
			return fmt.Errorf("element %v: %w", t, err)
		}
		elements = append(elements, el)
		return nil
	}

	steps := []struct {
		t    tag.Tag
		data any
	}{
		{tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}},
		{tag.MediaStorageSOPInstanceUID, []string{sopUID}},
		{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
		{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}},
		{tag.SOPInstanceUID, []string{sopUID}},
		{tag.Modality, []string{"CT"}},
		{tag.StudyDescription, []string{"PELVIS"}},
		{tag.SeriesDescription, []string{"AXIAL"}},
		{tag.PatientID, []string{"P001"}},
		{tag.PatientSex, []string{"M"}},
		{tag.PatientAge, []string{"061Y"}},
		{tag.SamplesPerPixel, []int{1}},
		{tag.PhotometricInterpretation, []string{"MONOCHROME2"}},
		{tag.Rows, []int{spec.Rows}},
		{tag.Columns, []int{spec.Cols}},
		{tag.BitsAllocated, []int{16}},
		{tag.BitsStored, []int{bitsStored}},
		{tag.HighBit, []int{bitsStored - 1}},
		{tag.PixelRepresentation, []int{pixelRep}},
		{tag.RescaleIntercept, []string{fmt.Sprintf("%d", RescaleIntercept)}},
		{tag.RescaleSlope, []string{"1"}},
	}
	for _, s := range steps {
		if err := add(s.t, s.data); err != nil {
			return err
		}
	}

	if spec.InstanceNumber != 0 {
		if err := add(tag.InstanceNumber, []string{fmt.Sprintf("%d", spec.InstanceNumber)}); err != nil {
			return err
		}
	}
	if spec.Thickness != 0 {
		if err := add(tag.SliceThickness, []string{fmt.Sprintf("%g", spec.Thickness)}); err != nil {
			return err
		}
	}
	if spec.SpacingBetween != 0 {
		if err := add(tag.SpacingBetweenSlices, []string{fmt.Sprintf("%g", spec.SpacingBetween)}); err != nil {
			return err
		}
	}
	if spec.PixelSpacing != 0 {
		ps := fmt.Sprintf("%g", spec.PixelSpacing)
		if err := add(tag.PixelSpacing, []string{ps, ps}); err != nil {
			return err
		}
	}
	if spec.WindowWidth != 0 {
		if err := add(tag.WindowCenter, []string{fmt.Sprintf("%g", spec.WindowCenter)}); err != nil {
			return err
		}
		if err := add(tag.WindowWidth, []string{fmt.Sprintf("%g", spec.WindowWidth)}); err != nil {
			return err
		}
	}

	pixelDataInfo := dicom.PixelDataInfo{
		Frames: []*frame.Frame{
			{
				Encapsulated: false,
				NativeData:   nativeFrame,
			},
		},
	}
	if err := add(tag.PixelData, pixelDataInfo); err != nil {
		return err
	}

	sort.Slice(elements, func(i, j int) bool {
		a, b := elements[i].Tag, elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return dicom.Write(f, dicom.Dataset{Elements: elements})
}
