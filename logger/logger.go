package logger

import (
	"os"
	"path/filepath"

	"github.com/songzhibin97/ticketflow/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global structured logger.
	Logger = zap.NewNop()
	// Sugar is the formatting variant of Logger.
	Sugar = Logger.Sugar()
)

// Init builds the global logger from cfg and installs it as zap's global.
func Init(cfg *config.LoggingConfig) error {
	level := parseLevel(cfg.Level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	consoleCore := func() zapcore.Core {
		return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level)
	}
	fileCore := func() (zapcore.Core, error) {
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		w, err := getFileWriter(cfg.File)
		if err != nil {
			return nil, err
		}
		return zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig), zapcore.AddSync(w), level), nil
	}

	var cores []zapcore.Core
	switch cfg.Output {
	case "file", "both":
		fc, err := fileCore()
		if err != nil {
			return err
		}
		cores = append(cores, fc)
		if cfg.Output == "both" {
			cores = append(cores, consoleCore())
		}
	default:
		cores = append(cores, consoleCore())
	}

	Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	Sugar = Logger.Sugar()
	zap.ReplaceGlobals(Logger)

	Sugar.Infof("logger initialized: output=%s, level=%s", cfg.Output, cfg.Level)
	return nil
}

func getFileWriter(logFile string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Infof logs a formatted info message.
func Infof(format string, args ...interface{}) { Sugar.Infof(format, args...) }

// Warnf logs a formatted warning.
func Warnf(format string, args ...interface{}) { Sugar.Warnf(format, args...) }

// Errorf logs a formatted error.
func Errorf(format string, args ...interface{}) { Sugar.Errorf(format, args...) }

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...interface{}) { Sugar.Fatalf(format, args...) }

// Named returns a child of the global logger.
func Named(name string) *zap.Logger { return Logger.Named(name) }

// Sync flushes buffered entries.
func Sync() {
	_ = Logger.Sync()
}
