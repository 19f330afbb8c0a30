package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Global logger instance. Starts as a no-op so packages can log before
// InitLogger runs (and in tests).
var Log *zap.Logger = zap.NewNop()

// Converts a level name to a zapcore.Level, falling back to info.
func ParseLevel(logLevel string) zapcore.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sets up a global Zap logger with the given log level.
func InitLogger(logLevel string) error {
	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(logLevel)),
		Development:      false,
		Encoding:         "json", // structured JSON logs
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "logger",
			CallerKey:      "caller",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
	}

	log, err := config.Build()
	if err != nil {
		return err
	}

	Log = log
	return nil
}
