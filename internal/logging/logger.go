// Package logging configures the process-wide zerolog logger for cortexmem.
// It supports leveled console output, caller information for troubleshooting,
// and an optional JSON log file for persistent debugging.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config configures the logger behavior.
type Config struct {
	Level      string    // Minimum level: debug, info, warn, error
	FilePath   string    // Optional file path for persistent JSON logs
	Colored    bool      // Enable colored console output
	ShowCaller bool      // Show file:line of caller
	Console    io.Writer // Console destination; defaults to stderr
	Quiet      bool      // Disable console output, log only to file
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Colored: true,
	}
}

// VerboseConfig returns a configuration for verbose troubleshooting.
func VerboseConfig() Config {
	return Config{
		Level:      "debug",
		Colored:    true,
		ShowCaller: true,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETUP
// ═══════════════════════════════════════════════════════════════════════════════

// Setup installs the global zerolog logger described by cfg. The returned
// closer releases the log file, if one was opened; it is never nil.
func Setup(cfg Config) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	var writers []io.Writer
	if !cfg.Quiet {
		out := cfg.Console
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    !cfg.Colored,
			TimeFormat: "2006-01-02 15:04:05.000",
		})
	}

	var closer io.Closer = nopCloser{}
	if cfg.FilePath != "" {
		f, err := openLogFile(cfg.FilePath)
		if err != nil {
			return closer, err
		}
		writers = append(writers, f)
		closer = f
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp()
	if cfg.ShowCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return closer, nil
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// openLogFile opens path for appending, creating parent directories.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// ParseLevel parses a string into a zerolog level. Unknown values map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Trace logs entry into a function at debug level and returns a func that
// logs the exit with elapsed time.
func Trace(funcName string) func() {
	start := time.Now()
	log.Debug().Str("func", funcName).Msg("→ enter")
	return func() {
		log.Debug().Str("func", funcName).Dur("took", time.Since(start)).Msg("← exit")
	}
}
