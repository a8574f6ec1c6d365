// Package logging builds the zap loggers shared by every punchctl process.
//
// Each component receives the root logger and derives its own subsystem
// logger with Named, e.g. log.Named("coordinator").
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"punchctl/internal/config"
)

// New returns a logger configured from cfg. A nil cfg yields info-level JSON.
func New(cfg *config.LogConfig) (*zap.Logger, error) {
	level := config.DefaultLogLevel
	format := config.DefaultLogFormat
	if cfg != nil {
		if cfg.Level != "" {
			level = cfg.Level
		}
		if cfg.Format != "" {
			format = cfg.Format
		}
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zcfg zap.Config
	switch strings.ToLower(format) {
	case "json":
		zcfg = zap.NewProductionConfig()
	case "console":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("log format %q: want json or console", format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.DisableStacktrace = lvl > zapcore.DebugLevel

	return zcfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
