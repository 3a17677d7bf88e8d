// Package logging builds the service's zap logger: a console core plus an
// append-only daily log file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Development bool
	// Level is a zap level name; empty means info.
	Level string
	// Dir holds the daily files. Empty disables file output.
	Dir string
	// Now picks the file date; defaults to time.Now.
	Now func() time.Time
}

// FileName returns the daily log file name for t, e.g. crawler_2026-01-02.log.
func FileName(t time.Time) string {
	return fmt.Sprintf("crawler_%s.log", t.Format(time.DateOnly))
}

// New builds the logger. The returned cleanup flushes and closes the file.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}
	enabler := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encCfg
	var consoleEnc zapcore.Encoder
	if opts.Development {
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(consoleCfg)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), enabler),
	}

	cleanup := func() {}
	if opts.Dir != "" {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		path := filepath.Join(opts.Dir, FileName(now()))
		// #nosec G304 -- the path is built from configuration, not user input.
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), enabler))
		cleanup = func() {
			_ = f.Sync()
			_ = f.Close()
		}
	}

	zopts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if opts.Development {
		zopts = append(zopts, zap.Development())
	}
	logger := zap.New(zapcore.NewTee(cores...), zopts...)
	return logger, func() {
		_ = logger.Sync()
		cleanup()
	}, nil
}

// Success logs a completed step at info level tagged outcome=success.
func Success(l *zap.Logger, msg string, fields ...zap.Field) {
	l.Info(msg, append(fields, zap.String("outcome", "success"))...)
}
