package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/leowmjw/go-nwb-convert/pkg/batch"
	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/http"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
	"github.com/leowmjw/go-nwb-convert/pkg/temporal"
)

// recorder is both written by the worker and read by the HTTP API
type recorder interface {
	batch.Recorder
	http.RunLister
}

func main() {
	var (
		httpAddr     = flag.String("http-addr", ":8080", "HTTP server address")
		temporalAddr = flag.String("temporal-addr", "localhost:7233", "Temporal server address")
		namespace    = flag.String("namespace", "default", "Temporal namespace")
		taskQueue    = flag.String("task-queue", temporal.DefaultTaskQueue, "Temporal task queue")
		workers      = flag.Int("workers", 1, "Sessions this worker converts at once")
		ledgerPath   = flag.String("ledger", "", "SQLite run ledger (default in memory)")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("Starting NWB conversion service",
		"http_addr", *httpAddr,
		"temporal_addr", *temporalAddr,
		"namespace", *namespace,
		"task_queue", *taskQueue,
		"workers", *workers,
	)

	temporalClient, err := client.Dial(client.Options{
		HostPort:  *temporalAddr,
		Namespace: *namespace,
		Logger:    temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		logger.Error("Failed to create Temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	var runs recorder = temporal.NewMemoryRecorder()
	if *ledgerPath != "" {
		l, err := ledger.Open(*ledgerPath, logger)
		if err != nil {
			logger.Error("Failed to open ledger", "path", *ledgerPath, "error", err)
			os.Exit(1)
		}
		defer l.Close()
		runs = l
	}

	activities := temporal.NewActivitiesImpl(logger, convert.New(logger), runs)

	w := worker.New(temporalClient, *taskQueue, temporal.WorkerOptions(*workers))
	temporal.Register(w, activities)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("Starting Temporal worker", "task_queue", *taskQueue)
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Error("Temporal worker failed", "error", err)
			cancel()
		}
	}()

	server := http.NewServer(logger, temporalClient, *httpAddr, *taskQueue, runs)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal, stopping services...")
	case <-ctx.Done():
	}
	cancel()

	logger.Info("NWB conversion service stopped")
}
