// Package logging builds the zap logger used across recalld.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"recalld/internal/config"
)

// New constructs a zap.Logger from the logging config. Format "json" uses
// the production encoder; anything else gets console output. An empty File
// logs to stderr.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		zc.OutputPaths = []string{cfg.File}
		zc.ErrorOutputPaths = []string{cfg.File}
	}

	return zc.Build()
}
