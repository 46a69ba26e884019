package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"github.com/leowmjw/go-nwb-convert/pkg/batch"
	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/hcl"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
	"github.com/leowmjw/go-nwb-convert/pkg/temporal"
)

func main() {
	var (
		path        string
		mode        string
		workers     int
		ledgerPath  string
		skipDone    bool
		displayJSON bool
		logLevel    string
		address     string
		namespace   string
		taskQueue   string
		batchID     string
		wait        bool
	)

	flag.StringVar(&path, "path", "", "Path to HCL batch file or directory (required)")
	flag.StringVar(&mode, "mode", "local", "Execution mode: 'local' or 'temporal'")
	flag.IntVar(&workers, "workers", 0, "Sessions converted at once (overrides max_workers)")
	flag.StringVar(&ledgerPath, "ledger", "", "SQLite run ledger (overrides the batch ledger)")
	flag.BoolVar(&skipDone, "skip-done", false, "Skip sessions the ledger already records as converted (local mode)")
	flag.BoolVar(&displayJSON, "json", false, "Display results as JSON")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&address, "address", "localhost:7233", "Address of Temporal server")
	flag.StringVar(&namespace, "namespace", "default", "Temporal namespace")
	flag.StringVar(&taskQueue, "task-queue", temporal.DefaultTaskQueue, "Temporal task queue")
	flag.StringVar(&batchID, "batch-id", "", "Batch id of the workflow (temporal mode, default generated)")
	flag.BoolVar(&wait, "wait", true, "Wait for the batch workflow to finish (temporal mode)")
	flag.Parse()

	logger := newLogger(os.Stderr, logLevel)
	slog.SetDefault(logger)

	if path == "" {
		logger.Error("Path parameter is required")
		flag.Usage()
		os.Exit(1)
	}
	if mode != "local" && mode != "temporal" {
		logger.Error("Mode must be either 'local' or 'temporal'", "mode", mode)
		os.Exit(1)
	}

	cfg, err := hcl.LoadBatch(path)
	if err != nil {
		logger.Error("Failed to load batch", "path", path, "error", err)
		os.Exit(1)
	}
	if workers > 0 {
		cfg.MaxWorkers = workers
	}
	if ledgerPath != "" {
		cfg.Ledger = ledgerPath
	}
	logger.Info("Loaded batch", "path", path, "sessions", len(cfg.Sessions), "workers", cfg.MaxWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var failed int
	if mode == "local" {
		failed, err = runLocal(ctx, cfg, skipDone, displayJSON, logger)
	} else {
		failed, err = runTemporal(ctx, cfg, temporalOptions{
			address:   address,
			namespace: namespace,
			taskQueue: taskQueue,
			batchID:   batchID,
			wait:      wait,
		}, displayJSON, logger)
	}
	if err != nil {
		logger.Error("Batch failed", "error", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(2)
	}
}

// runLocal converts the batch in this process and returns the number of
// failed sessions
func runLocal(ctx context.Context, cfg *hcl.BatchConfig, skipDone, displayJSON bool, logger *slog.Logger) (int, error) {
	runner := &batch.Runner{
		Converter:  convert.New(logger),
		MaxWorkers: cfg.MaxWorkers,
		Logger:     logger,
	}

	sessions := cfg.Sessions
	if cfg.Ledger != "" {
		l, err := ledger.Open(cfg.Ledger, logger)
		if err != nil {
			return 0, err
		}
		defer l.Close()
		runner.Recorder = l

		if skipDone {
			done, err := l.Succeeded(ctx)
			if err != nil {
				return 0, err
			}
			sessions = pending(sessions, done, logger)
		}
	}
	if len(sessions) == 0 {
		logger.Info("Nothing to convert")
		return 0, nil
	}

	summary, err := runner.Run(ctx, sessions)
	if err != nil {
		return 0, err
	}
	display(os.Stdout, summary.RunID, summary.Outcomes, summary.Duration, displayJSON, summary)
	return summary.Failed, nil
}

func pending(sessions []*convert.SessionConfig, done map[string]bool, logger *slog.Logger) []*convert.SessionConfig {
	var out []*convert.SessionConfig
	for _, s := range sessions {
		if done[s.SessionID] {
			logger.Info("Skipping converted session", "session", s.SessionID)
			continue
		}
		out = append(out, s)
	}
	return out
}

type temporalOptions struct {
	address   string
	namespace string
	taskQueue string
	batchID   string
	wait      bool
}

// runTemporal starts the batch workflow on a worker (see cmd/server)
func runTemporal(ctx context.Context, cfg *hcl.BatchConfig, opts temporalOptions, displayJSON bool, logger *slog.Logger) (int, error) {
	c, err := client.Dial(client.Options{
		HostPort:  opts.address,
		Namespace: opts.namespace,
		Logger:    temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		return 0, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer c.Close()

	batchID := opts.batchID
	if batchID == "" {
		batchID = time.Now().UTC().Format("20060102T150405")
	}
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        temporal.GenerateBatchWorkflowID(batchID),
		TaskQueue: opts.taskQueue,
	}, temporal.BatchConversionWorkflow, cfg.Request(batchID))
	if err != nil {
		return 0, fmt.Errorf("failed to start batch workflow: %w", err)
	}
	logger.Info("Started batch workflow", "batch_id", batchID, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	if !opts.wait {
		return 0, nil
	}

	started := time.Now()
	var result temporal.BatchResult
	if err := run.Get(ctx, &result); err != nil {
		return 0, fmt.Errorf("failed to get batch result: %w", err)
	}
	display(os.Stdout, result.RunID, result.Outcomes, time.Since(started), displayJSON, result)
	return result.Failed, nil
}

// display prints one line per session, or the whole result as JSON
func display(w io.Writer, runID string, outcomes []batch.Outcome, elapsed time.Duration, displayJSON bool, v any) {
	if displayJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fmt.Fprintf(w, "%+v\n", v)
		}
		return
	}

	var failed int
	fmt.Fprintf(w, "Run %s\n", runID)
	for _, o := range outcomes {
		if o.Status == ledger.StatusSucceeded && o.Report != nil {
			fmt.Fprintf(w, "  OK    %-32s shift=%.3fs  %s\n", o.SessionID, o.Report.Shift, o.Report.OutputPath)
			for _, name := range o.Report.OmittedNames() {
				fmt.Fprintf(w, "        omitted %s: %s\n", name, o.Report.Omitted[name])
			}
			continue
		}
		failed++
		fmt.Fprintf(w, "  FAIL  %-32s %s\n", o.SessionID, o.Error)
		if o.ErrorFile != "" {
			fmt.Fprintf(w, "        see %s\n", o.ErrorFile)
		}
	}
	fmt.Fprintf(w, "%s sessions, %d failed, in %s\n",
		humanize.Comma(int64(len(outcomes))), failed, elapsed.Round(time.Millisecond))
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
