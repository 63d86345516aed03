package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	Debug bool
}

func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &LoggerConfig{}
	}

	c := zap.NewProductionConfig()
	c.EncoderConfig.TimeKey = "timestamp"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.Sampling = nil

	if cfg.Debug {
		c.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		c.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return c.Build()
}
