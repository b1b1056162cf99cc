package workmux

import (
	"context"

	"github.com/workmux/workmux/internal/mux"
)

// Multiplexer shares one persistent worker subprocess among any number of
// concurrent callers. Create one per distinct worker identity; at most one
// live process exists per instance at a time.
//
// Typical use goes through proxies:
//
//	m := workmux.New(key, workmux.WithLogFile(logPath))
//	defer m.Destroy()
//
//	if err := m.CreateProcess(workDir); err != nil { ... }
//
//	resp, err := m.NewProxy().Run(ctx, req)
type Multiplexer struct {
	inner *mux.Multiplexer
}

// New creates a multiplexer for the given worker configuration. No process
// is started until CreateProcess.
func New(key WorkerKey, opts ...Option) *Multiplexer {
	options := applyOptions(opts)

	logger := options.Logger
	if logger == nil {
		logger = NopLogger()
	}

	return &Multiplexer{
		inner: mux.New(mux.Config{
			Key:      key,
			Logger:   logger,
			LogFile:  options.LogFile,
			Factory:  options.Factory,
			Codec:    options.Codec,
			Reporter: options.Reporter,
			IdlePoll: options.IdlePoll,
		}),
	}
}

// CreateProcess starts the worker process if none exists or the previous one
// died, clears the sticky stream flags, and ensures the dispatch loop is
// running. Idempotent while a live process exists.
func (m *Multiplexer) CreateProcess(workDir string) error {
	return m.inner.CreateProcess(workDir)
}

// Submit sends one work request. The request id must be unique among
// in-flight requests. See Await for retrieving the response.
//
// A write failure corrupts the stream for all callers and returns a
// *WriteError; the caller must not Await afterwards.
func (m *Multiplexer) Submit(ctx context.Context, req *WorkRequest) error {
	return m.inner.Submit(ctx, req)
}

// Await blocks until the response for requestID arrives or the multiplexer
// shuts down. It returns (nil, nil) when no response will ever arrive, and
// ctx.Err() if the caller's own context is cancelled. All bookkeeping for
// requestID is removed on every exit path.
func (m *Multiplexer) Await(ctx context.Context, requestID uint64) (*WorkResponse, error) {
	return m.inner.Await(ctx, requestID)
}

// Interrupt releases every currently pending request as failed while keeping
// the worker process and dispatch loop alive for later use.
func (m *Multiplexer) Interrupt() {
	m.inner.Interrupt()
}

// Destroy kills the worker process, if any, and blocks until it has fully
// exited. Idempotent.
func (m *Multiplexer) Destroy() error {
	return m.inner.Destroy()
}

// DiedUnexpectedly reports whether the worker exited without Destroy having
// been called.
func (m *Multiplexer) DiedUnexpectedly() bool {
	return m.inner.DiedUnexpectedly()
}

// ExitCode returns the worker's exit code once it has exited.
func (m *Multiplexer) ExitCode() (int, bool) {
	return m.inner.ExitCode()
}

// SetReporter sets the diagnostic callback.
func (m *Multiplexer) SetReporter(r Reporter) {
	m.inner.SetReporter(r)
}

// ClearReporter removes the diagnostic callback.
func (m *Multiplexer) ClearReporter() {
	m.inner.ClearReporter()
}

// LogFile returns the path the worker's stderr is appended to.
func (m *Multiplexer) LogFile() string {
	return m.inner.LogFile()
}

// StreamCorruption returns the parse failure that corrupted the response
// stream, if any, including a recorded prefix of the worker's raw output for
// diagnostics. It returns nil while the stream is healthy.
func (m *Multiplexer) StreamCorruption() *ParseError {
	return m.inner.StreamCorruption()
}

// NewProxy returns a per-caller handle for the submit/await pair.
func (m *Multiplexer) NewProxy() *Proxy {
	return &Proxy{mux: m}
}
