// Package logger provides the structured slog loggers shared by the station,
// the simulator and the command line tools.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler used to render records.
type Format string

const (
	// FormatJSON renders one JSON object per record.
	FormatJSON Format = "json"
	// FormatText renders logfmt-style key=value lines.
	FormatText Format = "text"
)

// Config holds the configuration for the logger.
type Config struct {
	// Output is the writer to send logs to (defaults to os.Stdout).
	Output io.Writer
	// Format selects the handler (defaults to FormatJSON).
	Format Format
	// Level is the minimum log level to output.
	Level slog.Level
	// AddSource adds source code position to log records.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     slog.LevelInfo,
		Output:    os.Stdout,
		Format:    FormatJSON,
		AddSource: false,
	}
}

// New creates a new logger with the provided configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// NewDefault creates a new JSON logger with default configuration.
func NewDefault() *slog.Logger {
	return New(DefaultConfig())
}

// NewWithLevel creates a new JSON logger with the specified log level.
func NewWithLevel(level slog.Level) *slog.Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	return New(cfg)
}

// ParseLevel converts a string to a slog.Level.
// Supported values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo if the level string is not recognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat converts a string to a Format. Anything other than "text"
// selects FormatJSON.
func ParseFormat(format string) Format {
	if strings.EqualFold(strings.TrimSpace(format), string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}

// WithContext returns a new logger with the provided context fields.
// Fields persist across all subsequent log messages.
func WithContext(logger *slog.Logger, attrs ...slog.Attr) *slog.Logger {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return logger.With(args...)
}

// WithComponent tags every record of the returned logger with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
