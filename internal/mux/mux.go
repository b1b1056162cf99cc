// Package mux implements the worker multiplexer: one persistent worker
// subprocess shared by many concurrent callers over a single pair of framed
// stdio streams.
//
// Callers submit a request and later await the response carrying the same
// request id. A single dispatch goroutine is the only reader of the worker's
// output; it correlates each arriving response with the pending caller and
// wakes exactly that caller, regardless of arrival order.
package mux

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/workmux/workmux/internal/errors"
	"github.com/workmux/workmux/internal/frame"
	"github.com/workmux/workmux/internal/proc"
)

const (
	// defaultIdlePoll is how long the dispatch loop sleeps while no live
	// process exists, to avoid busy-waiting for a (re)start.
	defaultIdlePoll = 1 * time.Millisecond

	// recordLimit bounds the stream prefix retained for corruption reports.
	recordLimit = 4096
)

// Config configures a Multiplexer.
type Config struct {
	Key     WorkerKey
	Logger  *slog.Logger
	LogFile string

	// Factory starts worker processes. Defaults to proc.Start.
	Factory proc.Factory

	// Codec encodes requests and decodes responses. Defaults to JSONCodec.
	Codec Codec

	// IdlePoll overrides the dispatch loop's idle poll interval.
	IdlePoll time.Duration

	// Reporter, if set, receives diagnostic strings from the start.
	Reporter Reporter
}

// Multiplexer owns one worker subprocess and correlates concurrent requests
// and responses over its stdio streams. There is at most one live process
// and at most one dispatch loop per instance at any time.
type Multiplexer struct {
	log      *slog.Logger
	id       string
	key      WorkerKey
	logFile  string
	factory  proc.Factory
	codec    Codec
	idlePoll time.Duration

	// reporter is swapped atomically so enabling or clearing verbose
	// reporting never races the dispatch loop.
	reporter atomic.Pointer[Reporter]

	// writeSem is the submission serialization point: only one framed
	// request write proceeds at a time.
	writeSem *semaphore.Weighted

	// mu guards process identity and lifecycle: the process handle, its
	// reader, the destroyed flag, and dispatch loop startup.
	mu          sync.Mutex
	process     proc.Handle
	reader      *bufio.Reader
	recorder    *frame.RecordingReader
	destroyed   bool
	loopRunning bool

	// Sticky stream-failure flags. Once either is set, no new response is
	// ever produced and every outstanding await resolves to absent.
	corrupted atomic.Bool
	closed    atomic.Bool

	// parseErr is the failure that corrupted the response stream, kept so
	// the owner can include the recorded stream prefix in its own report.
	parseErr *errors.ParseError

	pending   *pendingTable
	responses *responseStore
}

// New creates a multiplexer for the given worker configuration. No process
// is started until CreateProcess.
func New(cfg Config) *Multiplexer {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	factory := cfg.Factory
	if factory == nil {
		factory = proc.Start
	}

	codec := cfg.Codec
	if codec == nil {
		codec = JSONCodec()
	}

	idlePoll := cfg.IdlePoll
	if idlePoll <= 0 {
		idlePoll = defaultIdlePoll
	}

	id := ulid.Make().String()

	m := &Multiplexer{
		log:       log.With("component", "multiplexer", "mux_id", id, "mnemonic", cfg.Key.Mnemonic),
		id:        id,
		key:       cfg.Key,
		logFile:   cfg.LogFile,
		factory:   factory,
		codec:     codec,
		idlePoll:  idlePoll,
		writeSem:  semaphore.NewWeighted(1),
		pending:   newPendingTable(),
		responses: newResponseStore(),
	}

	if cfg.Reporter != nil {
		m.SetReporter(cfg.Reporter)
	}

	return m
}

// SetReporter sets the diagnostic callback.
func (m *Multiplexer) SetReporter(r Reporter) {
	m.reporter.Store(&r)
}

// ClearReporter removes the diagnostic callback; diagnostics are dropped
// until a new one is set.
func (m *Multiplexer) ClearReporter() {
	m.reporter.Store(nil)
}

func (m *Multiplexer) report(s string) {
	if r := m.reporter.Load(); r != nil && *r != nil {
		(*r)(s)
	}
}

// LogFile returns the path the worker's stderr is appended to.
func (m *Multiplexer) LogFile() string {
	return m.logFile
}

// CreateProcess starts the worker process if none exists or the previous one
// died, and ensures exactly one dispatch loop is running. It is idempotent:
// calling it with a live process is a no-op.
//
// A relative Args[0] with a directory component is resolved against workDir,
// matching how workers are addressed relative to their execution root.
func (m *Multiplexer) CreateProcess(workDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.process == nil || !m.process.Alive() {
		if len(m.key.Args) == 0 {
			return fmt.Errorf("worker key %s has an empty command line", m.key.Mnemonic)
		}

		args := slices.Clone(m.key.Args)
		if !filepath.IsAbs(args[0]) && filepath.Dir(args[0]) != "." {
			args[0] = filepath.Join(workDir, args[0])
		}

		// A fresh process gets a fresh stream.
		m.corrupted.Store(false)
		m.closed.Store(false)
		m.destroyed = false
		m.parseErr = nil

		p, err := m.factory(proc.Spec{
			Args:       args,
			Env:        m.key.Env,
			Dir:        workDir,
			StderrPath: m.logFile,
		})
		if err != nil {
			return fmt.Errorf("create worker process for %s: %w", m.key.Mnemonic, err)
		}

		m.process = p
		m.recorder = frame.NewRecordingReader(p.Stdout(), recordLimit)
		m.reader = bufio.NewReader(m.recorder)

		m.log.Info("worker process started", "pid", p.Pid(), "work_dir", workDir)
	}

	if !m.loopRunning {
		m.loopRunning = true

		go m.dispatchLoop()
	}

	return nil
}

// Submit sends one work request to the worker. The pending entry is
// registered before the framed write so a fast response can never arrive
// with no waiter. Only one submission writes at a time.
//
// On a write failure, or on cancellation of the submitting caller while the
// write is in flight, the stream is marked corrupted for all callers: an
// unknown amount of the frame may have reached the worker, so every
// subsequent frame boundary is suspect. The just-registered pending entry is
// removed, and the caller must not await.
func (m *Multiplexer) Submit(ctx context.Context, req *WorkRequest) error {
	if err := m.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.writeSem.Release(1)

	m.mu.Lock()

	if err := m.streamStateLocked(); err != nil {
		m.mu.Unlock()

		return err
	}

	p := m.process
	if p == nil {
		m.mu.Unlock()

		return errors.ErrNotStarted
	}

	data, err := m.codec.EncodeRequest(req)
	if err != nil {
		m.mu.Unlock()

		return err
	}

	// Register the waiter before any byte is written. This is ordered with
	// the shutdown fan-out by mu: either the entry exists when the fan-out
	// drains the table, or this submit already failed the state check.
	m.pending.add(req.RequestID)

	m.mu.Unlock()

	// The write runs in its own goroutine so the submitting caller's
	// cancellation is honored even while blocked on a full pipe. An
	// abandoned write unblocks once the process teardown closes the pipe.
	done := make(chan error, 1)

	go func() {
		done <- frame.Write(p.Stdin(), data)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.markStreamDead(p, &m.corrupted)
			m.pending.remove(req.RequestID)
			m.log.Warn("work request write failed, stream corrupted", "request_id", req.RequestID, "error", err)

			return &errors.WriteError{RequestID: req.RequestID, Err: err}
		}

		m.log.Debug("work request sent", "request_id", req.RequestID)

		return nil

	case <-ctx.Done():
		m.markStreamDead(p, &m.corrupted)
		m.pending.remove(req.RequestID)
		m.log.Warn("work request write cancelled, stream corrupted", "request_id", req.RequestID)

		return &errors.WriteError{RequestID: req.RequestID, Err: ctx.Err()}
	}
}

// streamStateLocked returns the sticky stream error, if any. Callers hold mu.
func (m *Multiplexer) streamStateLocked() error {
	if m.corrupted.Load() {
		return errors.ErrStreamCorrupted
	}

	if m.closed.Load() {
		return errors.ErrStreamClosed
	}

	return nil
}

// Await blocks until the response for requestID arrives, the multiplexer
// shuts down, or ctx is cancelled.
//
// It returns (nil, nil) when no response will ever arrive: either the
// submission never registered (failed write) or the stream died before the
// worker answered. It returns ctx.Err() if the caller's own context is
// cancelled; that failure is local to this request and leaves the
// multiplexer running for others.
//
// The pending entry and any stored response for requestID are removed on
// every exit path, so a fully awaited workload leaves both tables empty.
func (m *Multiplexer) Await(ctx context.Context, requestID uint64) (*WorkResponse, error) {
	defer func() {
		m.pending.remove(requestID)
		m.responses.discard(requestID)
	}()

	signal, ok := m.pending.get(requestID)
	if !ok {
		m.report(fmt.Sprintf("no pending request for id %d", requestID))
		m.log.Debug("await with no pending entry", "request_id", requestID)

		return nil, nil
	}

	select {
	case <-signal:
	case <-ctx.Done():
		m.log.Debug("await cancelled by caller", "request_id", requestID)

		return nil, ctx.Err()
	}

	// Released by shutdown fan-out with no response produced: resp is nil.
	resp, _ := m.responses.take(requestID)

	m.report(fmt.Sprintf("response for %d is %v", requestID, resp))

	return resp, nil
}

// Interrupt releases every currently pending entry as failed while leaving
// the worker process and the dispatch loop untouched. Callers observing the
// release get an absent response; the worker stays available for later
// requests. This is the abort-everything-but-keep-the-worker operation used
// when the owning workload is cancelled as a whole.
func (m *Multiplexer) Interrupt() {
	m.report(fmt.Sprintf("multiplexer for %s interrupted, releasing all pending requests", m.key.Mnemonic))
	m.log.Info("interrupt: releasing all pending requests")
	m.releaseAll()
}

// Destroy kills the worker process, if any, and blocks until it has fully
// exited. It is idempotent; a second call observes no process and returns
// nil. Destroy deliberately takes no context: teardown must not be abandoned
// halfway, since a half-dead process would strand its pipes.
func (m *Multiplexer) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.destroyLocked()
}

func (m *Multiplexer) destroyLocked() error {
	if m.process != nil {
		if err := m.process.Kill(); err != nil {
			m.log.Warn("failed to kill worker process", "error", err)
		}

		if err := m.process.Wait(); err != nil {
			m.log.Debug("worker process exited with error", "error", err)
		}

		m.process = nil
		m.reader = nil
		m.recorder = nil
	}

	// A closed stream terminates the dispatch loop; destroyed records that
	// the death was intentional.
	m.closed.Store(true)
	m.destroyed = true

	return nil
}

// DiedUnexpectedly reports whether the worker process exited without Destroy
// having been called, distinguishing a crash from an intentional shutdown.
func (m *Multiplexer) DiedUnexpectedly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.process != nil && !m.process.Alive() && !m.destroyed
}

// ExitCode returns the worker's exit code if the process has exited.
func (m *Multiplexer) ExitCode() (int, bool) {
	m.mu.Lock()
	p := m.process
	m.mu.Unlock()

	if p == nil {
		return 0, false
	}

	return p.ExitCode()
}

// dispatchLoop runs on a dedicated goroutine and is the only reader of the
// worker's output. It stops once the stream is closed or corrupted; at that
// point no caller may keep waiting, so a still-live process is torn down and
// every pending entry is released.
func (m *Multiplexer) dispatchLoop() {
	m.log.Debug("dispatch loop started")

	for {
		for !m.closed.Load() && !m.corrupted.Load() {
			m.waitResponse()
		}

		m.mu.Lock()

		// CreateProcess may have installed a fresh process and cleared the
		// flags while this loop was reacting to the old stream's death; in
		// that case the loop keeps serving the new process instead of
		// exiting, preserving the one-loop-per-instance invariant.
		if !m.closed.Load() && !m.corrupted.Load() {
			m.mu.Unlock()

			continue
		}

		if m.process != nil && m.process.Alive() {
			m.log.Info("dispatch loop exiting, tearing down live worker process")

			_ = m.destroyLocked()
		}

		m.releaseAll()
		m.loopRunning = false

		m.mu.Unlock()

		m.log.Debug("dispatch loop stopped")

		return
	}
}

// waitResponse reads and routes exactly one response frame, or idles briefly
// when no live process exists yet.
func (m *Multiplexer) waitResponse() {
	m.mu.Lock()
	p, reader, recorder := m.process, m.reader, m.recorder
	m.mu.Unlock()

	if p == nil || !p.Alive() {
		time.Sleep(m.idlePoll)

		return
	}

	recorder.Reset()

	payload, err := frame.Read(reader)
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			// A clean end-of-stream at a frame boundary: normal
			// termination, not corruption.
			if m.markStreamDead(p, &m.closed) {
				m.report(fmt.Sprintf("worker process for %s closed its output, shutting down multiplexer", m.key.Mnemonic))
				m.log.Info("worker closed its output stream")
			}

			return
		}

		if m.markStreamDead(p, &m.corrupted) {
			parseErr := &errors.ParseError{Recorded: recorder.Recorded(), Err: err}
			m.setStreamCorruption(parseErr)
			m.report(fmt.Sprintf("multiplexer for %s failed to read a response, shutting down: %v", m.key.Mnemonic, err))
			m.log.Warn("response frame unreadable, stream corrupted",
				"error", err, "recorded", string(parseErr.Recorded))
		}

		return
	}

	resp, err := m.codec.DecodeResponse(payload)
	if err != nil {
		// The frame arrived intact but its payload is garbage; subsequent
		// frames cannot be trusted either.
		if m.markStreamDead(p, &m.corrupted) {
			m.setStreamCorruption(&errors.ParseError{Recorded: recorder.Recorded(), Err: err})
			m.report(fmt.Sprintf("multiplexer for %s got an undecodable response, shutting down: %v", m.key.Mnemonic, err))
			m.log.Warn("response payload undecodable, stream corrupted", "error", err)
		}

		return
	}

	// Store before signalling so the waiter always finds its response.
	m.responses.put(resp.RequestID, resp)

	signal, ok := m.pending.get(resp.RequestID)
	if !ok {
		// The caller already gave up, or the worker invented an id.
		m.responses.discard(resp.RequestID)
		m.report(fmt.Sprintf("multiplexer for %s found no pending request for response %d, discarding", m.key.Mnemonic, resp.RequestID))
		m.log.Debug("discarding unmatched response", "request_id", resp.RequestID)

		return
	}

	select {
	case signal <- struct{}{}:
	default:
	}

	m.log.Debug("response dispatched", "request_id", resp.RequestID)
}

func (m *Multiplexer) setStreamCorruption(perr *errors.ParseError) {
	m.mu.Lock()
	m.parseErr = perr
	m.mu.Unlock()
}

// StreamCorruption returns the parse failure that corrupted the response
// stream, carrying a recorded prefix of what the worker actually sent. It
// returns nil while the stream is healthy, and also for corruption caused by
// a failed request write, where nothing was read to record.
func (m *Multiplexer) StreamCorruption() *errors.ParseError {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.parseErr
}

// markStreamDead sets flag only if p is still the current process. A stream
// event from a process that CreateProcess already replaced must not take
// down the fresh one.
func (m *Multiplexer) markStreamDead(p proc.Handle, flag *atomic.Bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.process != p {
		m.log.Debug("ignoring stream event from replaced process")

		return false
	}

	flag.Store(true)

	return true
}

// releaseAll wakes every pending waiter and clears both tables. Only used
// when the stream is known dead or the owner interrupts the workload; after
// it runs, no released caller can find a response.
func (m *Multiplexer) releaseAll() {
	signals := m.pending.drain()
	m.responses.clear()

	for _, signal := range signals {
		select {
		case signal <- struct{}{}:
		default:
		}
	}

	if len(signals) > 0 {
		m.log.Debug("released pending requests", "count", len(signals))
	}
}

// outstanding reports whether any pending entry or stored response remains.
func (m *Multiplexer) outstanding() bool {
	return m.pending.len() > 0 || m.responses.len() > 0
}
