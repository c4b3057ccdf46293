// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr, or a file path
}

// New creates the logger described by cfg and installs it as zerolog's
// global logger. The returned closer releases the log file, if any.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log output %s: %w", cfg.Output, err)
		}
		out, closer = f, f
	}

	logger, err := NewWithWriter(out, level, cfg.Format)
	if err != nil {
		closer.Close()
		return zerolog.Nop(), nopCloser{}, err
	}
	log.Logger = logger
	return logger, closer, nil
}

// NewWithWriter builds a logger on an arbitrary writer.
func NewWithWriter(w io.Writer, level zerolog.Level, format string) (zerolog.Logger, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
	case "console", "pretty", "text":
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format %q", format)
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "cookbot").
		Logger(), nil
}

// ParseLevel accepts the usual level names in any case; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "critical", "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unsupported log level %q", s)
	}
}

// Truncate shortens s to maxChars runes for logging.
func Truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "..."
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
