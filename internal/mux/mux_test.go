package mux

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workmux/workmux/internal/errors"
	"github.com/workmux/workmux/internal/frame"
	"github.com/workmux/workmux/internal/proc"
)

const awaitTimeout = 5 * time.Second

// fakeProcess is an in-memory worker process. The test plays the worker
// role: it reads request frames from stdinR and writes response frames to
// stdoutW.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu       sync.Mutex
	alive    bool
	exitCode int
	done     chan struct{}
}

func newFakeProcess() *fakeProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	return &fakeProcess{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		alive:   true,
		done:    make(chan struct{}),
	}
}

func (p *fakeProcess) Stdin() io.Writer  { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Pid() int          { return 4242 }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.alive
}

func (p *fakeProcess) Kill() error {
	p.exit(-1)

	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done

	return nil
}

func (p *fakeProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.alive {
		return 0, false
	}

	return p.exitCode, true
}

// exit simulates process death: the worker-side pipe ends close, so the
// multiplexer sees EOF on stdout and write failures on stdin.
func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive {
		return
	}

	p.alive = false
	p.exitCode = code

	_ = p.stdoutW.Close()
	_ = p.stdinR.Close()

	close(p.done)
}

// closeOutput simulates the worker cleanly ending its output stream while
// staying alive.
func (p *fakeProcess) closeOutput() {
	_ = p.stdoutW.Close()
}

// failWrites makes every subsequent request write fail.
func (p *fakeProcess) failWrites() {
	_ = p.stdinR.Close()
}

type fakeFactory struct {
	mu    sync.Mutex
	procs []*fakeProcess
	specs []proc.Spec
}

func (f *fakeFactory) start(spec proc.Spec) (proc.Handle, error) {
	p := newFakeProcess()

	f.mu.Lock()
	f.procs = append(f.procs, p)
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	return p, nil
}

func (f *fakeFactory) latest() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.procs[len(f.procs)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.procs)
}

// reportCapture collects diagnostic strings from the reporter callback.
type reportCapture struct {
	mu   sync.Mutex
	msgs []string
}

func (r *reportCapture) report(s string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, s)
	r.mu.Unlock()
}

func (r *reportCapture) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, msg := range r.msgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}

	return false
}

func newTestMux(t *testing.T, factory *fakeFactory, reports *reportCapture) *Multiplexer {
	t.Helper()

	cfg := Config{
		Key: WorkerKey{
			Mnemonic: "mockworker",
			Args:     []string{"/usr/bin/mockworker", "--persistent"},
		},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Factory:  factory.start,
		IdlePoll: time.Millisecond,
	}

	if reports != nil {
		cfg.Reporter = reports.report
	}

	m := New(cfg)
	require.NoError(t, m.CreateProcess(t.TempDir()))

	t.Cleanup(func() { _ = m.Destroy() })

	return m
}

// startWorker consumes request frames from the fake process and exposes
// them on a channel. It stops once the request stream ends.
func startWorker(p *fakeProcess) <-chan *WorkRequest {
	reqs := make(chan *WorkRequest, 16)

	go func() {
		defer close(reqs)

		reader := bufio.NewReader(p.stdinR)

		for {
			payload, err := frame.Read(reader)
			if err != nil {
				return
			}

			var req WorkRequest

			if err := json.Unmarshal(payload, &req); err != nil {
				return
			}

			reqs <- &req
		}
	}()

	return reqs
}

func recvRequest(t *testing.T, reqs <-chan *WorkRequest) *WorkRequest {
	t.Helper()

	select {
	case req := <-reqs:
		require.NotNil(t, req)

		return req
	case <-time.After(awaitTimeout):
		t.Fatal("worker did not receive a request in time")

		return nil
	}
}

func submit(t *testing.T, m *Multiplexer, id uint64) {
	t.Helper()

	err := m.Submit(context.Background(), &WorkRequest{
		RequestID: id,
		Payload:   json.RawMessage(fmt.Sprintf(`{"arg":%d}`, id)),
	})
	require.NoError(t, err)
}

func respond(t *testing.T, p *fakeProcess, id uint64, payload string) {
	t.Helper()

	data, err := json.Marshal(&WorkResponse{RequestID: id, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	require.NoError(t, frame.Write(p.stdoutW, data))
}

type awaitResult struct {
	resp *WorkResponse
	err  error
}

func awaitAsync(ctx context.Context, m *Multiplexer, id uint64) <-chan awaitResult {
	out := make(chan awaitResult, 1)

	go func() {
		resp, err := m.Await(ctx, id)
		out <- awaitResult{resp: resp, err: err}
	}()

	return out
}

func mustAwait(t *testing.T, results <-chan awaitResult) awaitResult {
	t.Helper()

	select {
	case res := <-results:
		return res
	case <-time.After(awaitTimeout):
		t.Fatal("await did not resolve in time")

		return awaitResult{}
	}
}

func TestSubmitAwait_OutOfOrderResponses(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)
	p := factory.latest()
	reqs := startWorker(p)

	for id := uint64(1); id <= 3; id++ {
		submit(t, m, id)
	}

	seen := map[uint64]*WorkRequest{}
	for range 3 {
		req := recvRequest(t, reqs)
		seen[req.RequestID] = req
	}

	require.Len(t, seen, 3)

	// The worker answers in a different order than submission.
	for _, id := range []uint64{3, 1, 2} {
		respond(t, p, id, fmt.Sprintf(`{"result":%d}`, id))
	}

	ctx := context.Background()
	results := map[uint64]<-chan awaitResult{
		2: awaitAsync(ctx, m, 2),
		3: awaitAsync(ctx, m, 3),
		1: awaitAsync(ctx, m, 1),
	}

	for id, ch := range results {
		res := mustAwait(t, ch)
		require.NoError(t, res.err)
		require.NotNil(t, res.resp)
		require.Equal(t, id, res.resp.RequestID)
		require.JSONEq(t, fmt.Sprintf(`{"result":%d}`, id), string(res.resp.Payload))
	}

	require.False(t, m.outstanding(), "tables must be empty once every request was awaited")
}

func TestAwait_NoPendingEntryReturnsImmediately(t *testing.T) {
	factory := &fakeFactory{}
	reports := &reportCapture{}
	m := newTestMux(t, factory, reports)

	res := mustAwait(t, awaitAsync(context.Background(), m, 42))
	require.NoError(t, res.err)
	require.Nil(t, res.resp)
	require.True(t, reports.contains("no pending request for id 42"))
}

func TestDispatch_CleanEOFReleasesWaiters(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)
	p := factory.latest()
	reqs := startWorker(p)

	submit(t, m, 5)
	recvRequest(t, reqs)

	results := awaitAsync(context.Background(), m, 5)

	p.closeOutput()

	res := mustAwait(t, results)
	require.NoError(t, res.err)
	require.Nil(t, res.resp, "a waiter released by end-of-stream gets no response")

	// The stream is closed, not corrupted, and the live process was torn
	// down by the dispatch loop on its way out.
	require.ErrorIs(t, m.Submit(context.Background(), &WorkRequest{RequestID: 6}), errors.ErrStreamClosed)
	require.Eventually(t, func() bool { return !p.Alive() }, awaitTimeout, time.Millisecond)
	require.False(t, m.DiedUnexpectedly(), "teardown by the multiplexer is not an unexpected death")
	require.False(t, m.outstanding())
}

func TestDispatch_TruncatedFrameCorruptsStream(t *testing.T) {
	factory := &fakeFactory{}
	reports := &reportCapture{}
	m := newTestMux(t, factory, reports)
	p := factory.latest()
	reqs := startWorker(p)

	submit(t, m, 1)
	recvRequest(t, reqs)

	results := awaitAsync(context.Background(), m, 1)

	// A length prefix promising ten bytes, followed by three and EOF.
	_, err := p.stdoutW.Write(append(binary.AppendUvarint(nil, 10), 'a', 'b', 'c'))
	require.NoError(t, err)
	p.closeOutput()

	res := mustAwait(t, results)
	require.NoError(t, res.err)
	require.Nil(t, res.resp)

	require.ErrorIs(t, m.Submit(context.Background(), &WorkRequest{RequestID: 2}), errors.ErrStreamCorrupted)
	require.True(t, reports.contains("failed to read a response"))
	require.False(t, m.outstanding())

	// The owner can retrieve the failure with the recorded stream prefix.
	corruption := m.StreamCorruption()
	require.NotNil(t, corruption)
	require.ErrorIs(t, corruption, io.ErrUnexpectedEOF)
	require.Contains(t, string(corruption.Recorded), "abc")
}

func TestDispatch_UndecodableResponseCorruptsStream(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)
	p := factory.latest()
	reqs := startWorker(p)

	submit(t, m, 1)
	recvRequest(t, reqs)

	results := awaitAsync(context.Background(), m, 1)

	require.NoError(t, frame.Write(p.stdoutW, []byte("not json at all")))

	res := mustAwait(t, results)
	require.NoError(t, res.err)
	require.Nil(t, res.resp)

	require.ErrorIs(t, m.Submit(context.Background(), &WorkRequest{RequestID: 2}), errors.ErrStreamCorrupted)

	corruption := m.StreamCorruption()
	require.NotNil(t, corruption)
	require.Contains(t, string(corruption.Recorded), "not json at all")
}

func TestSubmit_WriteFailureLeavesNoPendingEntry(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)
	p := factory.latest()

	p.failWrites()

	err := m.Submit(context.Background(), &WorkRequest{RequestID: 7})
	require.Error(t, err)

	var writeErr *errors.WriteError

	require.ErrorAs(t, err, &writeErr)
	require.Equal(t, uint64(7), writeErr.RequestID)

	// The failed submission must not leave a waiter behind: await resolves
	// immediately with no response instead of hanging.
	res := mustAwait(t, awaitAsync(context.Background(), m, 7))
	require.NoError(t, res.err)
	require.Nil(t, res.resp)

	// The corruption is sticky and process-wide. Nothing was read from the
	// worker, so there is no recorded prefix.
	require.ErrorIs(t, m.Submit(context.Background(), &WorkRequest{RequestID: 8}), errors.ErrStreamCorrupted)
	require.Nil(t, m.StreamCorruption())
	require.False(t, m.outstanding())
}

func TestSubmit_CancelledMidWriteCorruptsStream(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)

	// No worker reads stdin, so the framed write blocks on the pipe and the
	// only way out is the submitting caller's context.
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)

	go func() {
		errs <- m.Submit(ctx, &WorkRequest{RequestID: 7, Payload: json.RawMessage(`{"arg":7}`)})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		var writeErr *errors.WriteError

		require.ErrorAs(t, err, &writeErr)
		require.Equal(t, uint64(7), writeErr.RequestID)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(awaitTimeout):
		t.Fatal("cancelled submit did not return")
	}

	// The abandoned write leaves no waiter behind: await resolves at once.
	res := mustAwait(t, awaitAsync(context.Background(), m, 7))
	require.NoError(t, res.err)
	require.Nil(t, res.resp)

	// An unknown amount of the frame may have reached the worker, so the
	// corruption is sticky for every caller.
	require.ErrorIs(t, m.Submit(context.Background(), &WorkRequest{RequestID: 8}), errors.ErrStreamCorrupted)
	require.False(t, m.outstanding())
}

func TestDispatch_UnmatchedResponseIsDiscarded(t *testing.T) {
	factory := &fakeFactory{}
	reports := &reportCapture{}
	m := newTestMux(t, factory, reports)
	p := factory.latest()
	reqs := startWorker(p)

	submit(t, m, 1)
	submit(t, m, 2)
	recvRequest(t, reqs)
	recvRequest(t, reqs)

	// A response for an id nobody asked for.
	respond(t, p, 99, `{"bogus":true}`)

	require.Eventually(t, func() bool {
		return reports.contains("no pending request for response 99")
	}, awaitTimeout, time.Millisecond)

	// The real requests are unaffected and still resolve correctly.
	respond(t, p, 1, `{"result":1}`)
	respond(t, p, 2, `{"result":2}`)

	for id := uint64(1); id <= 2; id++ {
		res := mustAwait(t, awaitAsync(context.Background(), m, id))
		require.NoError(t, res.err)
		require.NotNil(t, res.resp)
		require.Equal(t, id, res.resp.RequestID)
	}

	require.False(t, m.outstanding(), "the discarded response must not linger in the store")
}

func TestInterrupt_ReleasesWaitersAndKeepsWorker(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)
	p := factory.latest()
	reqs := startWorker(p)

	submit(t, m, 1)
	recvRequest(t, reqs)

	results := awaitAsync(context.Background(), m, 1)

	m.Interrupt()

	res := mustAwait(t, results)
	require.NoError(t, res.err)
	require.Nil(t, res.resp)

	// The process and the dispatch loop survive for later requests.
	require.True(t, p.Alive())

	submit(t, m, 2)
	recvRequest(t, reqs)
	respond(t, p, 2, `{"result":2}`)

	res = mustAwait(t, awaitAsync(context.Background(), m, 2))
	require.NoError(t, res.err)
	require.NotNil(t, res.resp)
	require.Equal(t, uint64(2), res.resp.RequestID)
	require.False(t, m.outstanding())
}

func TestAwait_CallerCancellationIsLocal(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)
	p := factory.latest()
	reqs := startWorker(p)

	submit(t, m, 1)
	submit(t, m, 2)
	recvRequest(t, reqs)
	recvRequest(t, reqs)

	ctx1, cancel := context.WithCancel(context.Background())
	results1 := awaitAsync(ctx1, m, 1)

	cancel()

	res := mustAwait(t, results1)
	require.ErrorIs(t, res.err, context.Canceled)
	require.Nil(t, res.resp)

	// The other caller is untouched.
	respond(t, p, 2, `{"result":2}`)

	res = mustAwait(t, awaitAsync(context.Background(), m, 2))
	require.NoError(t, res.err)
	require.NotNil(t, res.resp)

	// The late response for the abandoned request is silently discarded.
	respond(t, p, 1, `{"result":1}`)

	require.Eventually(t, func() bool { return !m.outstanding() }, awaitTimeout, time.Millisecond)
}

func TestDestroy_Idempotent(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)
	p := factory.latest()

	require.NoError(t, m.Destroy())
	require.False(t, p.Alive())
	require.False(t, m.DiedUnexpectedly(), "an explicit destroy is not an unexpected death")

	require.NoError(t, m.Destroy(), "destroying twice must not fail")
	require.False(t, m.DiedUnexpectedly())

	require.ErrorIs(t, m.Submit(context.Background(), &WorkRequest{RequestID: 1}), errors.ErrStreamClosed)

	_, ok := m.ExitCode()
	require.False(t, ok, "no process reference remains after destroy")
}

func TestDiedUnexpectedly_DistinguishesCrashFromDestroy(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)
	p := factory.latest()

	p.exit(7)

	require.True(t, m.DiedUnexpectedly())

	code, ok := m.ExitCode()
	require.True(t, ok)
	require.Equal(t, 7, code)

	require.NoError(t, m.Destroy())
	require.False(t, m.DiedUnexpectedly())
}

func TestCreateProcess_ReusesLiveProcess(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)

	require.NoError(t, m.CreateProcess(t.TempDir()))
	require.NoError(t, m.CreateProcess(t.TempDir()))
	require.Equal(t, 1, factory.count(), "a live process must be reused")
}

func TestCreateProcess_RestartsAfterCrash(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestMux(t, factory, nil)

	factory.latest().exit(1)
	require.True(t, m.DiedUnexpectedly())

	// The owner decides to start over on the same multiplexer.
	require.NoError(t, m.CreateProcess(t.TempDir()))
	require.Equal(t, 2, factory.count())
	require.False(t, m.DiedUnexpectedly())

	// The fresh stream works end to end: the sticky flags were cleared.
	p := factory.latest()
	reqs := startWorker(p)

	require.Eventually(t, func() bool {
		return m.Submit(context.Background(), &WorkRequest{RequestID: 9, Payload: json.RawMessage(`{}`)}) == nil
	}, awaitTimeout, time.Millisecond)

	recvRequest(t, reqs)
	respond(t, p, 9, `{"result":9}`)

	res := mustAwait(t, awaitAsync(context.Background(), m, 9))
	require.NoError(t, res.err)
	require.NotNil(t, res.resp)
	require.Equal(t, uint64(9), res.resp.RequestID)
}

func TestCreateProcess_ResolvesRelativeArgv(t *testing.T) {
	tests := []struct {
		name string
		argv string
		want func(workDir string) string
	}{
		{
			name: "relative path with directory is anchored to the work dir",
			argv: "bin/worker",
			want: func(workDir string) string { return filepath.Join(workDir, "bin/worker") },
		},
		{
			name: "bare command is left for PATH lookup",
			argv: "worker",
			want: func(string) string { return "worker" },
		},
		{
			name: "absolute path is untouched",
			argv: "/opt/worker",
			want: func(string) string { return "/opt/worker" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &fakeFactory{}
			m := New(Config{
				Key:     WorkerKey{Mnemonic: "mockworker", Args: []string{tt.argv, "--flag"}},
				Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
				Factory: factory.start,
			})

			workDir := t.TempDir()
			require.NoError(t, m.CreateProcess(workDir))

			t.Cleanup(func() { _ = m.Destroy() })

			require.Equal(t, tt.want(workDir), factory.specs[0].Args[0])
			require.Equal(t, "--flag", factory.specs[0].Args[1])
		})
	}
}

func TestSetReporter_CanBeCleared(t *testing.T) {
	factory := &fakeFactory{}
	reports := &reportCapture{}
	m := newTestMux(t, factory, nil)

	m.SetReporter(reports.report)

	res := mustAwait(t, awaitAsync(context.Background(), m, 11))
	require.Nil(t, res.resp)
	require.True(t, reports.contains("no pending request for id 11"))

	m.ClearReporter()

	res = mustAwait(t, awaitAsync(context.Background(), m, 12))
	require.Nil(t, res.resp)
	require.False(t, reports.contains("no pending request for id 12"))
}
