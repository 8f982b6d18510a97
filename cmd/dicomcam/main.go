package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dicomcam/pkg/config"
	"dicomcam/pkg/logging"
	"dicomcam/pkg/pipeline"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	configPath string
	outputDir  string
	modelPath  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "dicomcam",
	Short: "Classify CT series and explain the result with Grad-CAM",
	Long: `dicomcam reconstructs a 3D volume from one DICOM series, renders
axial, coronal and sagittal views, classifies the volume with a 3D CNN and
writes a saliency volume aligned with the scan.

Commands:
  analyze  - Run the full analysis on one series
  batch    - Analyze several series in parallel
  views    - Save the middle or every plane of a series
  slice    - Render one windowed plane
  export   - Convert a series to an NRRD volume
  config   - Manage the configuration file

Example:
  dicomcam analyze ./series/patient01
  dicomcam slice ./series/patient01 --orientation coronal --index 120
  dicomcam batch ./series/* --workers 4`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "Output directory (overrides output.dir)")
	rootCmd.PersistentFlags().StringVar(&modelPath, "model", "", "ONNX model file (overrides model.path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(viewsCmd)
	rootCmd.AddCommand(sliceCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

// environment is what every command needs after flag parsing.
type environment struct {
	cfg     *config.Config
	logger  *zap.Logger
	service *pipeline.Service
}

func setup() (*environment, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	service := pipeline.NewService(cfg, pipeline.ModelHandle(cfg, logger), logger)
	return &environment{cfg: cfg, logger: logger, service: service}, nil
}

func (e *environment) close() {
	if err := e.service.Close(); err != nil {
		e.logger.Warn("failed to release classifier", zap.Error(err))
	}
	_ = e.logger.Sync()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
