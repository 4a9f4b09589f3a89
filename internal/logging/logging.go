// Package logging builds the zerolog.Logger instances injected into every
// long-lived component. There is a process-wide default for convenience,
// but every constructor in this module also accepts an explicit logger —
// per spec §9's "inject both as interfaces; keep a process-wide default
// only for convenience, never as the only path."
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the default logger construction.
type Options struct {
	// Console renders human-readable output (for local/dev use) instead of
	// JSON lines.
	Console bool

	// FilePath, when non-empty, tees output through a size-rotated file
	// using lumberjack alongside stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultOptions returns reasonable defaults: JSON to stderr, no rotation.
func DefaultOptions() Options {
	return Options{
		Console:    false,
		MaxSizeMB:  64,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// New builds a zerolog.Logger per Options. Components should take this as a
// constructor argument rather than reaching for a package global.
func New(component string, opts Options) zerolog.Logger {
	var writers []io.Writer

	if opts.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		writers = append(writers, os.Stderr)
	}

	if opts.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = io.MultiWriter(writers...)
	}

	return zerolog.New(out).With().Timestamp().Str("component", component).Logger()
}

// defaultLogger is the process-wide convenience logger, reachable only
// through Default. Components receive their logger by injection; the
// cmd/ingestd entrypoint builds its own with New.
var defaultLogger = New("marketdata-ingest", DefaultOptions())

// Default returns the process-wide convenience logger.
func Default() zerolog.Logger { return defaultLogger }
