// Package workmux multiplexes many concurrent callers onto one persistent
// worker subprocess communicating over length-delimited frames on its
// stdin/stdout.
//
// Each caller submits a WorkRequest carrying a unique request id and blocks
// until the response with the same id arrives, even though the worker may
// answer out of order and its output is read by a single dispatch goroutine.
// A dead or misbehaving worker never leaves a caller blocked: stream
// failures release every waiter in bounded time.
//
// # Basic Usage
//
//	key := workmux.WorkerKey{
//	    Mnemonic: "compiler",
//	    Args:     []string{"bin/compiler", "--persistent_worker"},
//	}
//
//	m := workmux.New(key, workmux.WithLogFile("/tmp/compiler-worker.log"))
//	defer m.Destroy()
//
//	if err := m.CreateProcess(workDir); err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy := m.NewProxy()
//	resp, err := proxy.Run(ctx, &workmux.WorkRequest{
//	    RequestID: 1,
//	    Payload:   json.RawMessage(`{"args":["-c","foo.c"]}`),
//	})
//
// Any number of proxies may run requests concurrently against the same
// multiplexer; responses are matched purely by request id.
//
// # Failure Model
//
// A failed or cancelled request write corrupts the stream for all callers,
// since the worker's framing state is no longer known. A clean end-of-stream
// or an unparseable response likewise terminates the multiplexer: every
// outstanding Await resolves to an absent response, and subsequent Submits
// fail with ErrStreamCorrupted or ErrStreamClosed. Restart policy belongs to
// the owner, which may call CreateProcess again for a fresh process, or use
// DiedUnexpectedly and ExitCode to report a crash.
//
// # Logging
//
// Operational logging uses log/slog and is silent by default:
//
//	m := workmux.New(key, workmux.WithLogger(slog.Default()))
//
// Separately, WithReporter (or SetReporter) installs a callback for
// human-readable diagnostics such as responses arriving for unknown ids.
package workmux
