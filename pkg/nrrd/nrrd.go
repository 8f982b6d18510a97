// Package nrrd writes and reads 3D float volumes in the NRRD format.
package nrrd

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"dicomcam/internal/models"
)

// Magic is the first line of every file this package writes.
const Magic = "NRRD0004"

// Shape is the (width, height, depth) extent of a volume, fastest axis first.
type Shape [3]int

// Len is the number of samples.
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Options control Write.
type Options struct {
	// Compress gzips the payload
	Compress bool

	Logger *zap.Logger
}

// Image is a decoded NRRD file.
type Image struct {
	Data    []float32
	Shape   Shape
	Spacing models.VoxelSpacing
	Gzip    bool
}

// Write stores data as a float NRRD at path. The file is written to a
// temporary sibling and renamed, so a failed write never leaves a partial
// file at path. Every failure is a *models.ExportError.
func Write(path string, data []float64, shape Shape, spacing models.VoxelSpacing, opts Options) error {
	if len(data) != shape.Len() {
		return &models.ExportError{
			Path: path,
			Err:  fmt.Errorf("data has %d samples, shape %v needs %d", len(data), shape, shape.Len()),
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &models.ExportError{Path: path, Err: err}
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithTempDir(filepath.Dir(path)))
	if err != nil {
		return &models.ExportError{Path: path, Err: err}
	}
	defer pf.Cleanup()

	n, err := encode(pf, data, shape, spacing, opts.Compress)
	if err == nil {
		err = pf.CloseAtomicallyReplace()
	}
	if err != nil {
		return &models.ExportError{Path: path, Err: err}
	}

	if opts.Logger != nil {
		opts.Logger.Info("wrote volume",
			zap.String("path", path),
			zap.String("size", humanize.Bytes(uint64(n))),
			zap.Ints("shape", shape[:]),
			zap.Bool("gzip", opts.Compress))
	}
	return nil
}

// WriteVolume exports an intensity volume.
func WriteVolume(path string, v *models.Volume, opts Options) error {
	return Write(path, v.Data, Shape{v.Width, v.Height, v.Depth}, v.Spacing, opts)
}

// WriteSaliency exports a saliency map on the grid of its source volume.
func WriteSaliency(path string, m *models.SaliencyMap, opts Options) error {
	return Write(path, m.Data, Shape{m.Width, m.Height, m.Depth}, m.Spacing, opts)
}

// countingWriter tracks how many bytes reach the file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func encode(w io.Writer, data []float64, shape Shape, spacing models.VoxelSpacing, compress bool) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	encoding := "raw"
	if compress {
		encoding = "gzip"
	}
	fmt.Fprintf(bw, "%s\n", Magic)
	fmt.Fprintf(bw, "type: float\n")
	fmt.Fprintf(bw, "dimension: 3\n")
	fmt.Fprintf(bw, "space: left-posterior-superior\n")
	fmt.Fprintf(bw, "sizes: %d %d %d\n", shape[0], shape[1], shape[2])
	fmt.Fprintf(bw, "space directions: (%s,0,0) (0,%s,0) (0,0,%s)\n",
		formatFloat(spacing.X), formatFloat(spacing.Y), formatFloat(spacing.Z))
	fmt.Fprintf(bw, "kinds: domain domain domain\n")
	fmt.Fprintf(bw, "endian: little\n")
	fmt.Fprintf(bw, "encoding: %s\n", encoding)
	fmt.Fprintf(bw, "space origin: (0,0,0)\n\n")

	var payload io.Writer = bw
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(bw)
		payload = zw
	}

	buf := make([]byte, 4*4096)
	for start := 0; start < len(data); start += 4096 {
		end := min(start+4096, len(data))
		chunk := buf[:4*(end-start)]
		for i, v := range data[start:end] {
			binary.LittleEndian.PutUint32(chunk[4*i:], math.Float32bits(float32(v)))
		}
		if _, err := payload.Write(chunk); err != nil {
			return cw.n, err
		}
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return cw.n, err
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Read decodes a file written by Write.
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD") {
		return nil, fmt.Errorf("%s is not an NRRD file", path)
	}

	img := &Image{}
	fields := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	if t := fields["type"]; t != "float" {
		return nil, fmt.Errorf("unsupported type %q", t)
	}
	if e := fields["endian"]; e != "" && e != "little" {
		return nil, fmt.Errorf("unsupported endian %q", e)
	}
	sizes := strings.Fields(fields["sizes"])
	if len(sizes) != 3 {
		return nil, fmt.Errorf("expected 3 sizes, got %q", fields["sizes"])
	}
	for i, s := range sizes {
		if img.Shape[i], err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("bad size %q: %w", s, err)
		}
	}
	if img.Spacing, err = parseDirections(fields["space directions"]); err != nil {
		return nil, err
	}

	var payload io.Reader = br
	switch fields["encoding"] {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip payload: %w", err)
		}
		defer zr.Close()
		payload = zr
		img.Gzip = true
	default:
		return nil, fmt.Errorf("unsupported encoding %q", fields["encoding"])
	}

	raw := make([]byte, 4*img.Shape.Len())
	if _, err := io.ReadFull(payload, raw); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	img.Data = make([]float32, img.Shape.Len())
	for i := range img.Data {
		img.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return img, nil
}

// parseDirections reads the diagonal of "(x,0,0) (0,y,0) (0,0,z)".
func parseDirections(s string) (models.VoxelSpacing, error) {
	var sp models.VoxelSpacing
	if s == "" {
		return models.VoxelSpacing{X: 1, Y: 1, Z: 1}, nil
	}
	vectors := strings.Fields(s)
	if len(vectors) != 3 {
		return sp, fmt.Errorf("expected 3 space directions, got %q", s)
	}
	out := [3]float64{}
	for i, v := range vectors {
		parts := strings.Split(strings.Trim(v, "()"), ",")
		if len(parts) != 3 {
			return sp, fmt.Errorf("bad space direction %q", v)
		}
		f, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return sp, fmt.Errorf("bad space direction %q: %w", v, err)
		}
		out[i] = f
	}
	return models.VoxelSpacing{X: out[0], Y: out[1], Z: out[2]}, nil
}

// Header returns the header block of the file at path, up to and excluding
// the blank separator line.
func Header(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b bytes.Buffer
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read header: %w", err)
		}
		if line == "\n" {
			return b.String(), nil
		}
		b.WriteString(line)
	}
}
