// Package logging wires log/slog for the service: console output, a weekly
// rotating JSON file, package-level helpers and an HTTP request logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ai-on-fhir/fhirquery/config"
)

// Options controls InitLogger
type Options struct {
	Dir            string // empty disables the file sink
	RetentionWeeks int
	MaxFileSize    int64
	Env            config.Environment
	Level          string
	Verbose        bool
}

// LoggingService owns the process logger and the file it writes to
type LoggingService struct {
	Logger   *slog.Logger
	rotating *RotatingLogger
}

var DefaultLoggingService *LoggingService

// InitLogger builds the global logger and installs it as the slog default
func InitLogger(opts Options) *LoggingService {
	svc := &LoggingService{}

	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: GetConsoleLogLevel(opts.Env, opts.Level, opts.Verbose),
	})
	handlers := []slog.Handler{consoleHandler}

	if opts.Dir != "" {
		if fileHandler, rl, err := newFileHandler(opts); err != nil {
			slog.New(consoleHandler).Error("File logging disabled", "dir", opts.Dir, "error", err)
		} else {
			svc.rotating = rl
			handlers = append(handlers, fileHandler)
		}
	}

	svc.Logger = slog.New(&multiHandler{handlers: handlers})
	DefaultLoggingService = svc
	slog.SetDefault(svc.Logger)
	return svc
}

func newFileHandler(opts Options) (slog.Handler, *RotatingLogger, error) {
	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, nil, err
	}

	weeks := opts.RetentionWeeks
	if weeks <= 0 {
		weeks = 4
	}
	rl := NewRotatingLoggerWithSizeLimit(opts.Dir, weeks, opts.MaxFileSize)
	if err := rl.open(); err != nil {
		return nil, nil, err
	}
	rl.startCleanup(24 * time.Hour)

	return slog.NewJSONHandler(rl, &slog.HandlerOptions{Level: GetFileLogLevel()}), rl, nil
}

// Close flushes and closes the file sink, if any
func (s *LoggingService) Close() error {
	if s == nil || s.rotating == nil {
		return nil
	}
	return s.rotating.Close()
}

// Writer exposes the file sink for callers that need a plain io.Writer
func (s *LoggingService) Writer() io.Writer {
	if s == nil || s.rotating == nil {
		return io.Discard
	}
	return s.rotating
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetConsoleLogLevel picks the console threshold. An explicit LOG_LEVEL wins
// except under ENV=test, where output stays at error unless verbose.
func GetConsoleLogLevel(env config.Environment, level string, verbose bool) slog.Level {
	if env == config.EnvTest {
		if verbose {
			return slog.LevelInfo
		}
		return slog.LevelError
	}

	if level != "" {
		return parseLogLevel(level)
	}

	switch env {
	case config.EnvProduction, config.EnvStaging:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// GetFileLogLevel returns the file sink threshold; files keep everything
func GetFileLogLevel() slog.Level {
	return slog.LevelDebug
}

func logger() *slog.Logger {
	if DefaultLoggingService == nil || DefaultLoggingService.Logger == nil {
		return slog.Default()
	}
	return DefaultLoggingService.Logger
}

// Package-level functions for direct access

func Info(msg string, args ...any) {
	logger().Info(msg, args...)
}

func Error(msg string, args ...any) {
	logger().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	logger().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	logger().Debug(msg, args...)
}
