package workmux

import (
	"github.com/workmux/workmux/internal/mux"
	"github.com/workmux/workmux/internal/proc"
)

// Re-export wire and configuration types from the internal package.

// WorkRequest is one unit of work sent to the worker. Only RequestID is
// interpreted by the multiplexer; the payload is opaque.
type WorkRequest = mux.WorkRequest

// WorkResponse is the worker's reply carrying the originating request id.
type WorkResponse = mux.WorkResponse

// WorkerKey identifies one worker process configuration (mnemonic, command
// line, environment). Building it belongs to the caller.
type WorkerKey = mux.WorkerKey

// Codec encodes requests and decodes responses; it only needs to round-trip
// the request id.
type Codec = mux.Codec

// Reporter receives human-readable diagnostic strings when set.
type Reporter = mux.Reporter

// ProcessFactory starts worker processes. The default spawns a real
// subprocess; tests can inject fakes via WithProcessFactory.
type ProcessFactory = proc.Factory

// ProcessHandle is a running worker process as seen by the multiplexer.
type ProcessHandle = proc.Handle

// ProcessSpec describes how a worker process is started.
type ProcessSpec = proc.Spec

// JSONCodec returns the default codec: one JSON object per frame.
func JSONCodec() Codec { return mux.JSONCodec() }
