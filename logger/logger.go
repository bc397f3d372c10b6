// Package logger builds the zap loggers used by both binaries.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/itskum47/hostwatch/config"
)

const timeLayout = "2006-01-02 15:04:05.000 -07:00"

// New returns a logger writing to stdout and, when cfg.Path is set, to a
// daily-rotated JSON file named after the binary.
func New(binary string, cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(stdoutEncoder(cfg.Format), zapcore.Lock(os.Stdout), level),
	}

	if cfg.Path != "" {
		writer, err := rotatingWriter(binary, cfg)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(writer), level))
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	).Named(binary), nil
}

func rotatingWriter(binary string, cfg config.LogConfig) (*rotatelogs.RotateLogs, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", cfg.Path, err)
	}
	writer, err := rotatelogs.New(
		filepath.Join(cfg.Path, binary+"-%Y%m%d.log"),
		rotatelogs.WithMaxAge(cfg.MaxAge),
		rotatelogs.WithRotationTime(cfg.RotationTime),
	)
	if err != nil {
		return nil, fmt.Errorf("open rotating log in %s: %w", cfg.Path, err)
	}
	return writer, nil
}

func stdoutEncoder(format string) zapcore.Encoder {
	if format == "json" {
		return zapcore.NewJSONEncoder(jsonEncoderConfig())
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.ConsoleSeparator = " "
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	enc.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(enc)
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder
	enc.EncodeDuration = zapcore.StringDurationEncoder
	return enc
}

// Elapsed is a field helper for timing log lines.
func Elapsed(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start))
}
