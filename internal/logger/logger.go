// Package logger builds the structured slog loggers used across the image context service.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogFormat defines how log records are rendered
type LogFormat int

// Log format constants
const (
	TEXT LogFormat = iota
	JSON
)

// Config holds configuration options for the logger
type Config struct {
	Level       slog.Level
	Format      LogFormat
	Output      io.Writer
	AddSource   bool
	DefaultTags map[string]interface{}
}

// DefaultConfig returns a default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:       slog.LevelInfo,
		Format:      TEXT,
		Output:      os.Stderr,
		DefaultTags: map[string]interface{}{"service": "imagecontext"},
	}
}

// New creates a new slog logger with the given configuration
func New(config *Config) *slog.Logger {
	if config == nil {
		config = DefaultConfig()
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch config.Format {
	case JSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	if len(config.DefaultTags) > 0 {
		args := make([]any, 0, len(config.DefaultTags)*2)
		for k, v := range config.DefaultTags {
			args = append(args, k, v)
		}
		logger = logger.With(args...)
	}
	return logger
}

// FromSettings builds a logger from the level and format strings found in
// the application config. Unknown values fall back to info / text.
func FromSettings(level, format string, out io.Writer) *slog.Logger {
	config := DefaultConfig()
	config.Level = ParseLevel(level)
	config.Format = ParseFormat(format)
	if out != nil {
		config.Output = out
	}
	return New(config)
}

// ParseLevel converts a string level name to a slog level
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "FATAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat converts a format name to a LogFormat
func ParseFormat(format string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return JSON
	}
	return TEXT
}

// Component returns a child logger tagged with the component name.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}
