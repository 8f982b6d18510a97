// Package pipeline ties the loader, viewer, classifier and saliency stages
// into the operations exposed by the command line.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dicomcam/internal/models"
	"dicomcam/pkg/config"
	"dicomcam/pkg/dicomio"
	"dicomcam/pkg/inference"
	"dicomcam/pkg/nrrd"
	"dicomcam/pkg/reconstruction"
	"dicomcam/pkg/saliency"
	"dicomcam/pkg/visualization"
	"dicomcam/pkg/windowing"
)

// Output file names inside a series directory.
const (
	VolumeFile  = "volume.nrrd"
	HeatmapFile = "heatmap.nrrd"
	SlicesDir   = "slices"
	HeatmapsDir = "heatmaps"
)

// Service runs analyses against one shared classifier.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	handle    *inference.Handle
	adapter   *inference.Adapter
	generator *saliency.Generator
}

// ModelHandle returns a handle that opens the configured ONNX model on first use.
func ModelHandle(cfg *config.Config, logger *zap.Logger) *inference.Handle {
	return inference.NewHandle(cfg.Model.Path, func() (inference.Classifier, error) {
		return inference.OpenONNX(cfg.Model, logger)
	})
}

// NewService creates a service. handle may be shared between services.
func NewService(cfg *config.Config, handle *inference.Handle, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter := inference.NewAdapter(handle, inference.Config{
		InputShape: cfg.Model.InputShape,
		Window:     defaultWindow(cfg),
		Scores:     cfg.Model.Scores,
		Serialize:  cfg.Model.Serialize,
		Timeout:    cfg.Model.Timeout,
	}, logger)

	return &Service{
		cfg:       cfg,
		logger:    logger,
		handle:    handle,
		adapter:   adapter,
		generator: saliency.NewGenerator(logger),
	}
}

// Close releases the classifier.
func (s *Service) Close() error {
	return s.handle.Close()
}

func defaultWindow(cfg *config.Config) models.WindowParams {
	return models.WindowParams{Center: cfg.Windowing.DefaultCenter, Width: cfg.Windowing.DefaultWidth}
}

// Request describes one series analysis.
type Request struct {
	// ID names the run; a random UUID is used when empty
	ID string

	// InputDir holds the slices of one series
	InputDir string

	// OutputDir receives views and the volume; defaults to {output.dir}/{ID}
	OutputDir string

	// HeatmapDir receives the saliency map; defaults to {output.dir}/heatmaps/{ID}
	HeatmapDir string

	// Prefix is prepended to every image file name
	Prefix string

	// SkipInference stops after the views and volume export
	SkipInference bool
}

// Report is the outcome of one analysis.
type Report struct {
	ID          string                  `json:"id"`
	InputDir    string                  `json:"inputDir"`
	OutputDir   string                  `json:"outputDir"`
	Series      models.SeriesInfo       `json:"series"`
	Ordering    string                  `json:"ordering"`
	Shape       [3]int                  `json:"shape"`
	Spacing     models.VoxelSpacing     `json:"spacing"`
	SliceCounts models.SliceCounts      `json:"sliceCounts"`
	Views       map[string]string       `json:"views,omitempty"`
	SavedSlices *models.SliceCounts     `json:"savedSlices,omitempty"`
	VolumePath  string                  `json:"volumePath,omitempty"`
	HeatmapPath string                  `json:"heatmapPath,omitempty"`
	Result      *models.InferenceResult `json:"result,omitempty"`
	Warnings    []string                `json:"warnings,omitempty"`
	Elapsed     time.Duration           `json:"elapsed"`
}

func (r *Report) warn(logger *zap.Logger, msg string, err error) {
	logger.Warn(msg, zap.Error(err))
	r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v", msg, err))
}

// reconstruct is the one path from a directory to a volume.
func (s *Service) reconstruct(ctx context.Context, dir string, logger *zap.Logger) (*reconstruction.Reconstructor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := reconstruction.NewReconstructor(&reconstruction.Params{
		InputDir:       dir,
		Extensions:     s.cfg.Processing.Extensions,
		ComputeSpacing: s.cfg.Processing.ComputeSpacing,
	}, logger)
	if err := r.Process(); err != nil {
		return nil, err
	}
	return r, nil
}

// Analyze reconstructs the series, writes the configured views and volume,
// classifies it and writes the saliency map.
//
// Loading, assembly and export failures abort the analysis. A missing model
// or failed inference is recorded on the report, which still carries the
// views and volume.
func (s *Service) Analyze(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.OutputDir == "" {
		req.OutputDir = filepath.Join(s.cfg.Output.Dir, req.ID)
	}
	if req.HeatmapDir == "" {
		req.HeatmapDir = filepath.Join(s.cfg.Output.Dir, HeatmapsDir, req.ID)
	}
	logger := s.logger.With(zap.String("request", req.ID), zap.String("dir", req.InputDir))

	rec, err := s.reconstruct(ctx, req.InputDir, logger)
	if err != nil {
		return nil, err
	}
	volume := rec.GetVolume()

	report := &Report{
		ID:        req.ID,
		InputDir:  req.InputDir,
		OutputDir: req.OutputDir,
		Ordering:  rec.Ordering().String(),
		Shape:     volume.Shape(),
		Spacing:   volume.Spacing,
	}

	if slices := rec.GetSlices(); len(slices) > 0 {
		info, err := dicomio.ReadSeriesInfo(slices[0].Path)
		if err != nil {
			report.warn(logger, "failed to read series metadata", err)
		} else {
			report.Series = info
		}
	}

	viewer := visualization.NewViewer(volume)
	report.SliceCounts = viewer.SliceCounts()

	if s.cfg.Output.SaveMiddleViews {
		paths, err := viewer.SaveMiddleViews(req.OutputDir, req.Prefix, visualization.MiddleViewOptions{
			AspectCorrect: s.cfg.Output.AspectCorrect,
		})
		if err != nil {
			return nil, err
		}
		report.Views = make(map[string]string, len(paths))
		for o, p := range paths {
			report.Views[string(o)] = p
		}
	}

	if s.cfg.Output.SaveAllViews {
		counts, err := viewer.SaveAllSlices(filepath.Join(req.OutputDir, SlicesDir), req.Prefix)
		if err != nil {
			return nil, err
		}
		report.SavedSlices = &counts
	}

	if s.cfg.Output.ExportVolume {
		path := filepath.Join(req.OutputDir, VolumeFile)
		if err := nrrd.WriteVolume(path, volume, s.nrrdOptions(logger)); err != nil {
			return nil, err
		}
		report.VolumePath = path
	}

	if !req.SkipInference {
		if err := s.classify(ctx, req.HeatmapDir, volume, report, logger); err != nil {
			return nil, err
		}
	}

	report.Elapsed = time.Since(start)
	logger.Info("analysis complete",
		zap.String("series", report.Series.Name),
		zap.Duration("elapsed", report.Elapsed),
		zap.Int("warnings", len(report.Warnings)))
	return report, nil
}

// classify runs the model and the saliency stage. Only cancellation of ctx
// and heatmap export failures are returned; model problems become warnings.
func (s *Service) classify(ctx context.Context, heatmapDir string, volume *models.Volume, report *Report, logger *zap.Logger) error {
	out, err := s.adapter.Run(ctx, volume)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var mue *models.ModelUnavailableError
		if errors.As(err, &mue) {
			report.warn(logger, "model unavailable", err)
			return nil
		}
		report.warn(logger, "inference failed", err)
		return nil
	}
	result := out.Result
	report.Result = &result

	m, err := s.generator.Generate(out, volume)
	if err != nil {
		if errors.Is(err, models.ErrNoGradient) {
			report.warn(logger, "saliency map unavailable", err)
		} else {
			report.warn(logger, "saliency generation failed", err)
		}
		return nil
	}

	path := filepath.Join(heatmapDir, HeatmapFile)
	if err := nrrd.WriteSaliency(path, m, s.nrrdOptions(logger)); err != nil {
		return err
	}
	report.HeatmapPath = path
	return nil
}

func (s *Service) nrrdOptions(logger *zap.Logger) nrrd.Options {
	return nrrd.Options{Compress: s.cfg.Output.Compress, Logger: logger}
}

// SliceRequest selects one plane to render.
type SliceRequest struct {
	InputDir    string
	Orientation visualization.Orientation
	Index       int

	// Window overrides the series and configured windows
	Window *models.WindowParams

	OutputDir string
	Prefix    string
}

// RenderSlice writes one windowed plane as PNG and returns its path.
func (s *Service) RenderSlice(ctx context.Context, req SliceRequest) (string, error) {
	logger := s.logger.With(zap.String("dir", req.InputDir))
	rec, err := s.reconstruct(ctx, req.InputDir, logger)
	if err != nil {
		return "", err
	}
	volume := rec.GetVolume()

	w := windowing.Resolve(defaultWindow(s.cfg), req.Window, volume.Window)
	outDir := req.OutputDir
	if outDir == "" {
		outDir = s.cfg.Output.Dir
	}

	path, err := visualization.NewViewer(volume).SaveSlice(req.Orientation, req.Index, w, outDir, req.Prefix)
	if err != nil {
		return "", err
	}
	logger.Info("rendered slice",
		zap.String("orientation", string(req.Orientation)),
		zap.Int("index", req.Index),
		zap.String("path", path))
	return path, nil
}

// Export converts the series in dir to an NRRD volume at path.
func (s *Service) Export(ctx context.Context, dir, path string) error {
	logger := s.logger.With(zap.String("dir", dir))
	rec, err := s.reconstruct(ctx, dir, logger)
	if err != nil {
		return err
	}
	return nrrd.WriteVolume(path, rec.GetVolume(), s.nrrdOptions(logger))
}

// BatchResult pairs a request with its outcome.
type BatchResult struct {
	Request Request
	Report  *Report
	Err     error
}

// RunBatch analyzes every request with at most processing.numWorkers in
// flight. A failing series does not stop the others; the returned error is
// only set when ctx ends first.
func (s *Service) RunBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	results := make([]BatchResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.Processing.NumWorkers))

	for i, req := range reqs {
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		results[i].Request = req
		g.Go(func() error {
			report, err := s.Analyze(gctx, req)
			results[i].Report = report
			results[i].Err = err
			if err != nil {
				s.logger.Error("series failed", zap.String("dir", req.InputDir), zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
