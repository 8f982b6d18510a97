// Package config provides configuration loading and management for dicomcam.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers bounds how many series a batch processes at once
		NumWorkers int `yaml:"numWorkers"`

		// ComputeSpacing derives voxel spacing from the slice metadata.
		// When false every volume gets unit spacing.
		ComputeSpacing bool `yaml:"computeSpacing"`

		// Extensions lists the recognized slice file extensions
		Extensions []string `yaml:"extensions"`
	} `yaml:"processing"`

	// Windowing defaults used when a series carries no window
	Windowing struct {
		DefaultCenter float64 `yaml:"defaultCenter"`
		DefaultWidth  float64 `yaml:"defaultWidth"`
	} `yaml:"windowing"`

	// Model describes the classifier artifact
	Model ModelConfig `yaml:"model"`

	// Output parameters
	Output struct {
		// Dir is the root directory for generated files
		Dir string `yaml:"dir"`

		// SaveMiddleViews writes one preview PNG per orientation
		SaveMiddleViews bool `yaml:"saveMiddleViews"`

		// SaveAllViews writes every slice of every orientation
		SaveAllViews bool `yaml:"saveAllViews"`

		// AspectCorrect rescales previews by voxel spacing
		AspectCorrect bool `yaml:"aspectCorrect"`

		// ExportVolume writes the intensity volume as NRRD
		ExportVolume bool `yaml:"exportVolume"`

		// Compress gzips NRRD payloads
		Compress bool `yaml:"compress"`
	} `yaml:"output"`

	// Logging parameters
	Logging LogConfig `yaml:"logging"`
}

// ModelConfig holds the constants tied to one trained model artifact.
type ModelConfig struct {
	// Path is the ONNX model file
	Path string `yaml:"path"`

	// LibraryPath is the onnxruntime shared library; empty uses the platform default
	LibraryPath string `yaml:"libraryPath"`

	// InputName is the model input tensor
	InputName string `yaml:"inputName"`

	// ProbabilityOutput is the class score output
	ProbabilityOutput string `yaml:"probabilityOutput"`

	// ActivationOutput is the intermediate convolution output used for saliency
	ActivationOutput string `yaml:"activationOutput"`

	// GradientOutput is the gradient of the predicted class score with
	// respect to ActivationOutput
	GradientOutput string `yaml:"gradientOutput"`

	// InputShape is the spatial (col, row, slice) shape the model expects
	InputShape [3]int `yaml:"inputShape"`

	// Scores is "probabilities", "logits" or "auto"
	Scores string `yaml:"scores"`

	// Serialize forces one forward pass at a time
	Serialize bool `yaml:"serialize"`

	// Timeout bounds a single inference call; zero means no limit
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig controls the zap logger and its optional rotating file.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"maxSizeMB"`
	MaxAgeDays  int    `yaml:"maxAgeDays"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.ComputeSpacing = true
	cfg.Processing.Extensions = []string{".dcm"}

	cfg.Windowing.DefaultCenter = 40
	cfg.Windowing.DefaultWidth = 400

	cfg.Model.Path = "model/classifier.onnx"
	cfg.Model.InputName = "input"
	cfg.Model.ProbabilityOutput = "probabilities"
	cfg.Model.ActivationOutput = "activation_20"
	cfg.Model.GradientOutput = "activation_20_grad"
	cfg.Model.InputShape = [3]int{150, 150, 90}
	cfg.Model.Scores = "auto"
	cfg.Model.Serialize = false

	cfg.Output.Dir = "media"
	cfg.Output.SaveMiddleViews = true
	cfg.Output.SaveAllViews = false
	cfg.Output.AspectCorrect = false
	cfg.Output.ExportVolume = true
	cfg.Output.Compress = true

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxAgeDays = 7

	return cfg
}

// Validate checks the values that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if len(c.Processing.Extensions) == 0 {
		return fmt.Errorf("processing.extensions must not be empty")
	}
	for i, n := range c.Model.InputShape {
		if n < 1 {
			return fmt.Errorf("model.inputShape[%d] must be positive, got %d", i, n)
		}
	}
	switch c.Model.Scores {
	case "auto", "probabilities", "logits":
	default:
		return fmt.Errorf("model.scores must be auto, probabilities or logits, got %q", c.Model.Scores)
	}
	if c.Model.Timeout < 0 {
		return fmt.Errorf("model.timeout must not be negative")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
