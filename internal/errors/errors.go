package errors

import (
	"errors"
	"fmt"
)

// WorkerError is the base interface for all multiplexer errors.
type WorkerError interface {
	error
	IsWorkerError() bool
}

// Compile-time verification that all error types implement WorkerError.
var (
	_ WorkerError = (*WriteError)(nil)
	_ WorkerError = (*ParseError)(nil)
	_ WorkerError = (*ProcessError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotStarted indicates no worker process has been created yet.
	ErrNotStarted = errors.New("worker process not started")

	// ErrStreamClosed indicates the worker cleanly closed its output stream.
	// No further responses will ever be produced on this multiplexer.
	ErrStreamClosed = errors.New("worker stream closed")

	// ErrStreamCorrupted indicates the worker stream can no longer be parsed
	// as a sequence of frames. The state is sticky: it affects every caller
	// of the multiplexer, not just the one that observed it first.
	ErrStreamCorrupted = errors.New("worker stream corrupted")

	// ErrNoResponse indicates a request resolved without a response, either
	// because the submission never registered or because the multiplexer
	// shut down before the response arrived.
	ErrNoResponse = errors.New("no response for work request")

	// ErrFrameTooLarge indicates a frame length prefix exceeded the limit.
	// A wildly oversized length almost always means the stream is garbage.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// WriteError indicates sending a work request failed. Because the amount of
// data that reached the worker is unknown, the stream is considered
// corrupted for all callers once this error is returned.
type WriteError struct {
	RequestID uint64
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write work request %d: %v", e.RequestID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsWorkerError implements WorkerError.
func (e *WriteError) IsWorkerError() bool { return true }

// ParseError indicates a response frame could not be read or decoded.
// Recorded holds the prefix of the stream read since the last frame
// boundary, for diagnostics.
type ParseError struct {
	Recorded []byte
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse work response: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsWorkerError implements WorkerError.
func (e *ParseError) IsWorkerError() bool { return true }

// ProcessError indicates the worker process failed.
type ProcessError struct {
	ExitCode int
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("worker process failed (exit %d)", e.ExitCode)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsWorkerError implements WorkerError.
func (e *ProcessError) IsWorkerError() bool { return true }
