// Package logging builds the zap logger used across phasegate.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/msageha/phasegate/internal/model"
)

// Options controls where the logger writes.
type Options struct {
	// FilePath receives every entry at the configured level as JSON. Empty
	// disables the file sink.
	FilePath string
	// Stderr receives warnings and errors (everything at the configured
	// level when Verbose is set). Nil disables it.
	Stderr  io.Writer
	Verbose bool
}

func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// New returns the logger and a close func that flushes and releases the log
// file.
func New(cfg model.LoggingConfig, opts Options) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var cores []zapcore.Core
	var file *os.File
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err = os.OpenFile(opts.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(newEncoder("json"), zapcore.AddSync(file), level))
	}
	if opts.Stderr != nil {
		stderrLevel := level
		if !opts.Verbose && stderrLevel < zapcore.WarnLevel {
			stderrLevel = zapcore.WarnLevel
		}
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(opts.Stderr), stderrLevel))
	}
	if len(cores) == 0 {
		return zap.NewNop(), func() error { return nil }, nil
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		err := logger.Sync()
		if err != nil && isStdoutSyncError(err) {
			err = nil
		}
		if file != nil {
			err = multierr.Append(err, file.Close())
		}
		return err
	}
	return logger, closeFn, nil
}

// isStdoutSyncError matches the errors fsync returns for terminals and pipes.
func isStdoutSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF)
}
