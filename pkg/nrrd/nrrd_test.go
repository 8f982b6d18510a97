package nrrd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dicomcam/internal/models"
)

func rampVolume(w, h, d int) *models.Volume {
	v := models.NewVolume(w, h, d)
	for i := range v.Data {
		v.Data[i] = float64(i) - 1000
	}
	v.Spacing = models.VoxelSpacing{X: 0.75, Y: 0.75, Z: 2.5}
	return v
}

// TestWriteReadRoundTrip preserves data, shape and spacing for both encodings
func TestWriteReadRoundTrip(t *testing.T) {
	v := rampVolume(5, 4, 3)

	for _, compress := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "nested", "volume.nrrd")
		require.NoError(t, WriteVolume(path, v, Options{Compress: compress, Logger: zap.NewNop()}))

		img, err := Read(path)
		require.NoError(t, err)
		assert.Equal(t, Shape{5, 4, 3}, img.Shape)
		assert.Equal(t, v.Spacing, img.Spacing)
		assert.Equal(t, compress, img.Gzip)
		require.Len(t, img.Data, v.Len())
		for i := range v.Data {
			if float64(img.Data[i]) != v.Data[i] {
				t.Fatalf("compress=%v sample %d: expected %v, got %v", compress, i, v.Data[i], img.Data[i])
			}
		}
	}
}

// TestHeaderFields writes the sizes in width, height, depth order
func TestHeaderFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.nrrd")
	require.NoError(t, WriteVolume(path, rampVolume(6, 3, 2), Options{}))

	header, err := Header(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(header, Magic+"\n"))
	assert.Contains(t, header, "type: float\n")
	assert.Contains(t, header, "sizes: 6 3 2\n")
	assert.Contains(t, header, "space directions: (0.75,0,0) (0,0.75,0) (0,0,2.5)\n")
	assert.Contains(t, header, "encoding: raw\n")
	assert.Contains(t, header, "endian: little\n")
}

// TestWriteSaliency exports a map on its volume grid
func TestWriteSaliency(t *testing.T) {
	m := &models.SaliencyMap{
		Data:    []float64{0, 0.25, 0.5, 1},
		Width:   2,
		Height:  2,
		Depth:   1,
		Spacing: models.VoxelSpacing{X: 1, Y: 1, Z: 3},
	}
	path := filepath.Join(t.TempDir(), "heatmap.nrrd")
	require.NoError(t, WriteSaliency(path, m, Options{Compress: true}))

	img, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.25, 0.5, 1}, img.Data)
	assert.Equal(t, 3.0, img.Spacing.Z)
}

// TestWriteShapeMismatch fails without leaving a file behind
func TestWriteShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.nrrd")

	err := Write(path, make([]float64, 5), Shape{2, 2, 2}, models.VoxelSpacing{X: 1, Y: 1, Z: 1}, Options{})
	var ee *models.ExportError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, path, ee.Path)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

// TestWriteUnwritableDestination reports an ExportError and cleans up
func TestWriteUnwritableDestination(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	// The parent of the destination is a regular file
	path := filepath.Join(blocker, "volume.nrrd")
	err := WriteVolume(path, rampVolume(2, 2, 2), Options{})
	var ee *models.ExportError
	require.ErrorAs(t, err, &ee)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestWriteReplacesExisting swaps in the new volume without temp debris
func TestWriteReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volume.nrrd")

	require.NoError(t, WriteVolume(path, rampVolume(2, 2, 2), Options{}))
	require.NoError(t, WriteVolume(path, rampVolume(3, 2, 1), Options{Compress: true}))

	img, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, Shape{3, 2, 1}, img.Shape)
	assert.True(t, img.Gzip)

	// A rejected write keeps the previous file
	err = Write(path, make([]float64, 1), Shape{2, 2, 2}, models.VoxelSpacing{X: 1, Y: 1, Z: 1}, Options{})
	var ee *models.ExportError
	require.ErrorAs(t, err, &ee)

	img, err = Read(path)
	require.NoError(t, err)
	assert.Equal(t, Shape{3, 2, 1}, img.Shape)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestReadRejectsOtherFiles refuses non-NRRD input
func TestReadRejectsOtherFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.nrrd")
	require.NoError(t, os.WriteFile(path, []byte("hello\nworld\n"), 0644))

	_, err := Read(path)
	assert.Error(t, err)
}
