package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/workmux/workmux"
	"github.com/workmux/workmux/internal/workerdef"
)

var runFlags struct {
	config  string
	workDir string
	verbose bool
}

var runCmd = &cobra.Command{
	Use:   "run [payload]...",
	Short: "Send work requests to a worker and print the responses",
	Long: `run starts the worker described by the definition file, submits each
payload argument as one concurrent work request, and prints every response
as "<request id><TAB><payload>". With no payload arguments, payloads are
read from stdin, one per line.

Payloads that are not valid JSON are sent as JSON strings.

Example:
  workmux run --config compiler.yaml '{"args":["-c","a.c"]}' '{"args":["-c","b.c"]}'`,
	RunE: runWorker,
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.config, "config", "c", "", "worker definition file (required)")
	runCmd.Flags().StringVar(&runFlags.workDir, "work-dir", "", "work directory (overrides the definition)")
	runCmd.Flags().BoolVarP(&runFlags.verbose, "verbose", "v", false, "log multiplexer activity to stderr")
	_ = runCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	def, err := workerdef.Load(runFlags.config)
	if err != nil {
		return err
	}

	workDir := runFlags.workDir
	if workDir == "" {
		workDir = def.WorkDir
	}

	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}

	opts := []workmux.Option{workmux.WithLogFile(def.LogFile)}

	if runFlags.verbose {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		opts = append(opts,
			workmux.WithLogger(logger),
			workmux.WithReporter(func(s string) {
				fmt.Fprintln(os.Stderr, "workmux:", s)
			}),
		)
	}

	m := workmux.New(def.WorkerKey(), opts...)
	defer func() { _ = m.Destroy() }()

	if err := m.CreateProcess(workDir); err != nil {
		return err
	}

	payloads := args
	if len(payloads) == 0 {
		payloads, err = readPayloads(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	var nextID atomic.Uint64

	for _, payload := range payloads {
		raw := toJSONPayload(payload)
		id := nextID.Add(1)

		g.Go(func() error {
			resp, err := m.NewProxy().Run(ctx, &workmux.WorkRequest{
				RequestID: id,
				Payload:   raw,
			})
			if err != nil {
				return fmt.Errorf("request %d: %w", id, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", resp.RequestID, resp.Payload)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if m.DiedUnexpectedly() {
			if code, ok := m.ExitCode(); ok {
				return fmt.Errorf("%w: %v", err, &workmux.ProcessError{ExitCode: code})
			}
		}

		return err
	}

	return nil
}

func readPayloads(r io.Reader) ([]string, error) {
	var payloads []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			payloads = append(payloads, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read payloads from stdin: %w", err)
	}

	return payloads, nil
}

// toJSONPayload passes valid JSON through untouched and quotes anything else
// as a JSON string.
func toJSONPayload(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}

	quoted, _ := json.Marshal(s)

	return quoted
}
