// Package observ builds the zap loggers shared by every component.
package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line.
const ServiceName = "classpush"

// NewLogger creates a structured logger for env. Production and staging
// write JSON with ISO8601 timestamps; other environments use the coloured
// console encoder. An unknown level falls back to info.
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	switch env {
	case "production", "staging":
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build(zap.Fields(
		zap.String("service", ServiceName),
		zap.String("env", env),
	))
}
