// Package proc spawns and tracks worker subprocesses. It exposes the small
// handle surface the multiplexer needs (stdio, liveness, kill, wait, exit
// code) behind an interface so tests can substitute in-memory processes.
package proc

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
)

// Spec describes how to start a worker process.
type Spec struct {
	// Args is the full command line; Args[0] is the executable.
	Args []string

	// Env holds additional environment variables, merged over the current
	// process environment.
	Env map[string]string

	// Dir is the working directory for the worker.
	Dir string

	// StderrPath, if non-empty, is a file the worker's stderr is appended
	// to. The file is shared by every caller of one multiplexer.
	StderrPath string
}

// Handle is a running worker process.
type Handle interface {
	// Stdin is the worker's input stream. Writes after the process exits
	// fail with a pipe error.
	Stdin() io.Writer

	// Stdout is the worker's output stream. It returns io.EOF once the
	// process closes its output or exits.
	Stdout() io.Reader

	// Pid returns the operating system process id.
	Pid() int

	// Alive reports whether the process is still running.
	Alive() bool

	// Kill requests immediate termination. It is idempotent and safe to
	// call on an already-exited process.
	Kill() error

	// Wait blocks until the process has fully exited. Safe to call from
	// multiple goroutines and more than once.
	Wait() error

	// ExitCode returns the exit code once the process has exited.
	ExitCode() (int, bool)
}

// Factory starts a worker process from a spec. The default is Start; tests
// inject fakes.
type Factory func(Spec) (Handle, error)

// Start launches the worker described by spec with piped stdin/stdout and
// stderr appended to the configured log file.
//
// The stdio pipes are created with os.Pipe rather than exec's pipe helpers:
// exec.Cmd.Wait closes the parent ends of helper-created pipes, which would
// race the dispatch reader and turn a clean worker exit into a spurious read
// error. With os.Pipe the parent ends stay open until the handle's users are
// done with them, and a worker exit surfaces as io.EOF on stdout.
func Start(spec Spec) (Handle, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("start worker: empty command line")
	}

	//nolint:gosec // G204: the command line comes from the worker key
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)

	var logFile *os.File

	if spec.StderrPath != "" {
		f, err := os.OpenFile(spec.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open worker log file: %w", err)
		}

		logFile = f
		cmd.Stderr = f
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		closeQuietly(logFile)

		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeQuietly(stdinR, stdinW, logFile)

		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		closeQuietly(stdinR, stdinW, stdoutR, stdoutW, logFile)

		return nil, fmt.Errorf("start worker process: %w", err)
	}

	// The child holds its own copies of these ends now.
	closeQuietly(stdinR, stdoutW)

	p := &process{
		cmd:     cmd,
		stdin:   stdinW,
		stdout:  stdoutR,
		logFile: logFile,
		done:    make(chan struct{}),
	}

	go p.monitor()

	return p, nil
}

type process struct {
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  *os.File
	logFile *os.File

	// done is closed after cmd.Wait returns; exitCode and waitErr are
	// written before the close and must only be read after it.
	done     chan struct{}
	exitCode int
	waitErr  error
}

// monitor reaps the process exactly once. exec.Cmd.Wait must not be called
// twice, so every Wait() below funnels through the done channel instead.
func (p *process) monitor() {
	err := p.cmd.Wait()

	p.waitErr = err
	p.exitCode = p.cmd.ProcessState.ExitCode()

	closeQuietly(p.logFile)
	close(p.done)
}

func (p *process) Stdin() io.Writer  { return p.stdin }
func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Pid() int          { return p.cmd.Process.Pid }

func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) Kill() error {
	if !p.Alive() {
		return nil
	}

	if err := p.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker process (pid %d): %w", p.cmd.Process.Pid, err)
	}

	return nil
}

func (p *process) Wait() error {
	<-p.done

	return p.waitErr
}

func (p *process) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// mergedEnv overlays extra on the current environment, matching how the
// worker would inherit its parent's environment with key-specific additions.
func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}

	env := os.Environ()

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}

	return env
}

func closeQuietly(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
