// Package logging builds the zap logger shared by every wsroute component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and encoding.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// New creates a logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Development = false
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		zcfg = zap.NewProductionConfig()
		zcfg.Sampling = nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
