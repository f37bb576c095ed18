package config

import (
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level maps LOG_LEVEL to a zap level, trace has no zap counterpart and
// logs as debug.
func Level(level string) (zapcore.Level, error) {
	switch level {
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, errors.Errorf("unknown log level: %s", level)
	}
}

// Logger builds the process logger: JSON output in production, colored
// console output everywhere else.
func (c *Config) Logger() (*zap.Logger, error) {
	const op = errors.Op("config_logger")

	lvl, err := Level(c.LogLevel)
	if err != nil {
		return nil, errors.E(op, err)
	}

	var zc zap.Config
	if c.Env == "production" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	log, err := zc.Build()
	if err != nil {
		return nil, errors.E(op, err)
	}

	return log.With(zap.String("env", c.Env)), nil
}
