// Package logging builds the zap logger shared by the pipeline components.
package logging

import (
	"fmt"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dicomcam/pkg/config"
)

// New creates a logger from cfg. Without a log file it behaves like
// zap.NewProduction (or zap.NewDevelopment when Development is set). With a
// file, records go to a rotating lumberjack writer as JSON.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	if cfg.File == "" {
		var zc zap.Config
		if cfg.Development {
			zc = zap.NewDevelopmentConfig()
		} else {
			zc = zap.NewProductionConfig()
		}
		zc.Level = level
		return zc.Build()
	}

	fmt.Fprintf(os.Stderr, "Sending log messages to: %s\n", cfg.File)
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename: cfg.File,
		MaxSize:  cfg.MaxSizeMB, // megabytes
		MaxAge:   cfg.MaxAgeDays,
	})

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), writer, level)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}
