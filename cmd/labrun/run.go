package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/labrun/internal/app"
	"github.com/michaelbrown/labrun/internal/execution"
	"github.com/michaelbrown/labrun/internal/storage"
)

var (
	languageFlag string
	timeoutFlag  int64
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run one snippet in a sandbox and print the result",
	Long: `Run a single snippet through the validator and a sandbox worker.
The source is read from the file argument, or from stdin when it is omitted
or "-". Output streams as it is produced; status, metrics and artifacts are
printed to stderr afterwards.

Examples:
  labrun run script.py
  echo 'print(1+1)' | labrun run --language python`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "python", "Language of the snippet")
	runCmd.Flags().Int64Var(&timeoutFlag, "timeout", 0, "Deadline in milliseconds (0 uses the configured default)")
	rootCmd.AddCommand(runCmd)
}

func readSource(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	source, err := readSource(args)
	if err != nil {
		return err
	}

	// One-shot runs keep nothing around.
	cfg.Pool.MaxWorkers = 1
	cfg.Pool.MinIdle = 0
	cfg.Storage.DBPath = ":memory:"
	cfg.Cache.Backend = "none"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("starting labrun: %w", err)
	}
	defer a.Close(context.Background())

	res, err := a.Coordinator.Submit(ctx, execution.Request{
		SessionID:    "cli-" + uuid.NewString(),
		SubmissionID: uuid.NewString(),
		Language:     languageFlag,
		SourceCode:   source,
		TimeoutMs:    timeoutFlag,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	})
	if err != nil {
		return err
	}

	printSummary(os.Stderr, res)
	if res.Status != storage.StatusSuccess {
		return fmt.Errorf("execution finished with status %s", res.Status)
	}
	return nil
}

// printSummary writes the status line, metrics and artifacts of a result.
func printSummary(w io.Writer, res *storage.Execution) {
	fmt.Fprintf(w, "\n\033[90m── %s", res.Status)
	if res.Status == storage.StatusRuntimeError {
		fmt.Fprintf(w, " (exit %d)", res.ExitCode)
	}
	fmt.Fprintf(w, " in %dms\033[0m\n", res.DurationMs)
	if res.Message != "" {
		fmt.Fprintf(w, "\033[31m%s\033[0m\n", res.Message)
	}
	if res.Truncated {
		fmt.Fprintln(w, "\033[33moutput was truncated\033[0m")
	}
	for _, m := range res.Metrics {
		fmt.Fprintf(w, "  metric %s = %g %s\n", m.Name, m.Value, m.Unit)
	}
	for _, art := range res.Artifacts {
		ref := art.ContentRef
		if ref == "" {
			ref = "(not stored)"
		}
		fmt.Fprintf(w, "  artifact %s (%d bytes) %s\n", art.Filename, art.SizeBytes, ref)
	}
}
