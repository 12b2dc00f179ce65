package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"carpark-etl/config"
)

// New builds the process logger: JSON in production, console output in development.
func New(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, &config.ConfigurationError{Problems: []string{fmt.Sprintf("log.level: %v", err)}}
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("carparkd").Sugar(), nil
}

// Nop returns a logger that discards everything, for tests and library callers.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
