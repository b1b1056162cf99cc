package workmux

import "github.com/workmux/workmux/internal/errors"

// Re-export error types from the internal package.

// WriteError indicates sending a work request failed and corrupted the
// stream for all callers.
type WriteError = errors.WriteError

// ParseError indicates a response frame could not be read or decoded. It
// carries a recorded prefix of the offending stream.
type ParseError = errors.ParseError

// ProcessError indicates the worker process failed.
type ProcessError = errors.ProcessError

// WorkerError is the base interface for all multiplexer errors.
type WorkerError = errors.WorkerError

// Re-export sentinel errors from the internal package.
var (
	// ErrNotStarted indicates no worker process has been created yet.
	ErrNotStarted = errors.ErrNotStarted

	// ErrStreamClosed indicates the worker cleanly closed its output.
	ErrStreamClosed = errors.ErrStreamClosed

	// ErrStreamCorrupted indicates the stream can no longer be parsed.
	ErrStreamCorrupted = errors.ErrStreamCorrupted

	// ErrNoResponse indicates a request resolved without a response.
	ErrNoResponse = errors.ErrNoResponse

	// ErrFrameTooLarge indicates a frame exceeded the size limit.
	ErrFrameTooLarge = errors.ErrFrameTooLarge
)
