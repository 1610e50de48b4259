package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger. The json format is structured production logging; console is
// the human-readable development encoder for running the core next to a desktop shell.
func NewLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg = zap.NewDevelopmentConfig()
	}

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}
