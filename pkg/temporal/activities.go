package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"

	"github.com/leowmjw/go-nwb-convert/pkg/batch"
	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
)

// Activities defines the activities used by the conversion workflows
type Activities interface {
	ConvertSessionActivity(ctx context.Context, cfg *convert.SessionConfig) (*convert.Report, error)
	WriteErrorArtifactActivity(ctx context.Context, cfg *convert.SessionConfig, cause, stack string) (string, error)
	StartRunActivity(ctx context.Context, sessions int) (string, error)
	RecordSessionActivity(ctx context.Context, runID string, rec ledger.SessionRecord) error
	FinishRunActivity(ctx context.Context, runID string) error
}

// ActivitiesImpl implements the Activities interface
type ActivitiesImpl struct {
	logger    *slog.Logger
	converter batch.SessionConverter
	recorder  batch.Recorder
}

// NewActivitiesImpl creates the activities. recorder may be nil, in which
// case runs get an id but nothing is stored.
func NewActivitiesImpl(logger *slog.Logger, converter batch.SessionConverter, recorder batch.Recorder) *ActivitiesImpl {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivitiesImpl{
		logger:    logger,
		converter: converter,
		recorder:  recorder,
	}
}

// ConvertSessionActivity converts one session. Conversion failures and
// panics are returned as non-retryable SessionConversionError application
// errors carrying the stack trace, if any, as details.
func (a *ActivitiesImpl) ConvertSessionActivity(ctx context.Context, cfg *convert.SessionConfig) (*convert.Report, error) {
	if cfg == nil {
		return nil, temporal.NewNonRetryableApplicationError(batch.ErrNilSession.Error(), SessionConversionErrorType, batch.ErrNilSession)
	}
	info := activity.GetInfo(ctx)
	logger := a.logger.With("session", cfg.SessionID, "attempt", info.Attempt)
	logger.Info("Converting session")

	report, err := batch.Convert(ctx, a.converter, cfg)
	if err != nil {
		if ctx.Err() != nil {
			// worker shutdown or timeout, worth another attempt
			return nil, ctx.Err()
		}
		var sce *batch.SessionConversionError
		if !errors.As(err, &sce) {
			return nil, err
		}
		logger.Error("Session conversion failed", "error", err)
		return nil, temporal.NewNonRetryableApplicationError(sce.Err.Error(), SessionConversionErrorType, sce.Err, string(sce.Stack))
	}

	if stat, err := os.Stat(report.OutputPath); err == nil {
		logger.Info("Session written", "output", report.OutputPath, "size", humanize.Bytes(uint64(stat.Size())))
	}
	return report, nil
}

// WriteErrorArtifactActivity writes ERROR_<session>.txt next to the
// session's output and returns its path
func (a *ActivitiesImpl) WriteErrorArtifactActivity(ctx context.Context, cfg *convert.SessionConfig, cause, stack string) (string, error) {
	sce := &batch.SessionConversionError{SessionID: cfg.SessionID, Err: errors.New(cause)}
	if stack != "" {
		sce.Stack = []byte(stack)
	}
	path, err := batch.WriteErrorArtifact(cfg, sce)
	if err != nil {
		return "", err
	}
	a.logger.Info("Wrote error artifact", "session", cfg.SessionID, "path", path)
	return path, nil
}

// StartRunActivity registers a run with the recorder and returns its id
func (a *ActivitiesImpl) StartRunActivity(ctx context.Context, sessions int) (string, error) {
	if a.recorder == nil {
		return uuid.NewString(), nil
	}
	runID, err := a.recorder.StartRun(ctx, sessions)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	a.logger.Info("Started run", "runID", runID, "sessions", sessions)
	return runID, nil
}

// RecordSessionActivity stores the outcome of one session
func (a *ActivitiesImpl) RecordSessionActivity(ctx context.Context, runID string, rec ledger.SessionRecord) error {
	if a.recorder == nil {
		return nil
	}
	if err := a.recorder.RecordSession(ctx, runID, rec); err != nil {
		if errors.Is(err, ledger.ErrUnknownRun) {
			return temporal.NewNonRetryableApplicationError(err.Error(), "UnknownRun", err)
		}
		return err
	}
	return nil
}

// FinishRunActivity marks the run complete
func (a *ActivitiesImpl) FinishRunActivity(ctx context.Context, runID string) error {
	if a.recorder == nil {
		return nil
	}
	return a.recorder.FinishRun(ctx, runID)
}

// Register adds the conversion workflows and activities to a worker
func Register(r worker.Registry, activities *ActivitiesImpl) {
	r.RegisterWorkflow(BatchConversionWorkflow)
	r.RegisterWorkflow(SessionConversionWorkflow)
	r.RegisterActivity(activities)
}

// WorkerOptions bounds the sessions a worker converts at once
func WorkerOptions(maxWorkers int) worker.Options {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return worker.Options{
		MaxConcurrentActivityExecutionSize: maxWorkers,
	}
}
