// Package dicomio reads DICOM slice files from a series directory.
package dicomio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"dicomcam/internal/models"
)

// DefaultExtensions are the slice file extensions recognized when none are configured.
var DefaultExtensions = []string{".dcm"}

// Loader enumerates and parses the slice files of one series directory.
type Loader struct {
	extensions []string
	logger     *zap.Logger
}

// NewLoader creates a loader that accepts files with the given extensions
// (compared case-insensitively).
func NewLoader(extensions []string, logger *zap.Logger) *Loader {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[i] = ext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{extensions: exts, logger: logger}
}

// ListSliceFiles returns the paths of the recognized slice files in dir,
// sorted by name. Subdirectories are not searched.
func (l *Loader) ListSliceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read series directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if l.recognized(entry.Name()) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (l *Loader) recognized(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range l.extensions {
		if ext == want {
			return true
		}
	}
	return false
}

// LoadDir reads every slice file in dir. A single unreadable file fails the
// whole load; a partial series is never returned.
func (l *Loader) LoadDir(dir string) ([]models.Slice, error) {
	paths, err := l.ListSliceFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &models.NoSlicesFoundError{Dir: dir}
	}

	slices := make([]models.Slice, 0, len(paths))
	for _, path := range paths {
		s, err := ReadSlice(path)
		if err != nil {
			l.logger.Error("slice read failed", zap.String("path", path), zap.Error(err))
			return nil, err
		}
		slices = append(slices, s)
	}

	l.logger.Debug("loaded slices",
		zap.String("dir", dir),
		zap.Int("count", len(slices)),
		zap.Int("rows", slices[0].Rows),
		zap.Int("cols", slices[0].Cols))

	return slices, nil
}
