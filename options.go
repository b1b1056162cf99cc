package workmux

import (
	"log/slog"
	"time"
)

// Option configures a Multiplexer using the functional options pattern.
type Option func(*multiplexerOptions)

type multiplexerOptions struct {
	Logger   *slog.Logger
	LogFile  string
	Factory  ProcessFactory
	Codec    Codec
	Reporter Reporter
	IdlePoll time.Duration
}

func applyOptions(opts []Option) *multiplexerOptions {
	options := &multiplexerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// WithLogger sets the logger for operational output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *multiplexerOptions) {
		o.Logger = logger
	}
}

// WithLogFile sets the file the worker's stderr is appended to. The file is
// shared by every caller of this multiplexer. If not set, stderr is
// discarded.
func WithLogFile(path string) Option {
	return func(o *multiplexerOptions) {
		o.LogFile = path
	}
}

// WithReporter installs a diagnostic callback from the start. Equivalent to
// calling SetReporter after New.
func WithReporter(r Reporter) Option {
	return func(o *multiplexerOptions) {
		o.Reporter = r
	}
}

// WithCodec overrides the payload codec. Defaults to JSONCodec.
func WithCodec(c Codec) Option {
	return func(o *multiplexerOptions) {
		o.Codec = c
	}
}

// WithProcessFactory overrides how worker processes are started.
// Intended for tests that substitute in-memory processes.
func WithProcessFactory(f ProcessFactory) Option {
	return func(o *multiplexerOptions) {
		o.Factory = f
	}
}

// WithIdlePollInterval overrides how long the dispatch loop sleeps while no
// live worker process exists.
func WithIdlePollInterval(d time.Duration) Option {
	return func(o *multiplexerOptions) {
		o.IdlePoll = d
	}
}
