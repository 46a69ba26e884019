package temporal

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/leowmjw/go-nwb-convert/pkg/batch"
	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
)

const (
	// Workflow IDs
	BatchWorkflowIDPrefix   = "nwb-batch-"
	SessionWorkflowIDPrefix = "nwb-session-"

	// DefaultTaskQueue is shared by the worker, the HTTP API and the CLI
	DefaultTaskQueue = "nwb-conversion"

	// Query names
	BatchStatusQuery = "batch-status"

	// Activity names
	ConvertSessionActivityName     = "ConvertSessionActivity"
	WriteErrorArtifactActivityName = "WriteErrorArtifactActivity"
	StartRunActivityName           = "StartRunActivity"
	RecordSessionActivityName      = "RecordSessionActivity"
	FinishRunActivityName          = "FinishRunActivity"

	// SessionConversionErrorType marks a conversion failure that retrying
	// cannot fix
	SessionConversionErrorType = "SessionConversionError"

	// BatchRequestValidationErrorType rejects a request before any session
	// is started
	BatchRequestValidationErrorType = "BatchRequestValidation"

	// DefaultConversionTimeout bounds one attempt at converting a session
	DefaultConversionTimeout = 2 * time.Hour
)

// BatchConversionWorkflow converts every session of the request in its own
// child workflow. A failed session never fails the batch: its outcome is
// recorded and the remaining sessions keep running.
func BatchConversionWorkflow(ctx workflow.Context, request BatchRequest) (*BatchResult, error) {
	logger := workflow.GetLogger(ctx)

	if err := validateBatchRequest(request); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), BatchRequestValidationErrorType, err)
	}

	batchID := request.BatchID
	if batchID == "" {
		batchID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	total := len(request.Sessions)
	logger.Info("Starting batch conversion workflow", "batchID", batchID, "sessions", total)

	status := &BatchStatus{BatchID: batchID, Total: total}
	if err := workflow.SetQueryHandler(ctx, BatchStatusQuery, func() (*BatchStatus, error) {
		return status, nil
	}); err != nil {
		return nil, fmt.Errorf("register status query: %w", err)
	}

	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})

	var runID string
	if err := workflow.ExecuteActivity(actx, StartRunActivityName, total).Get(ctx, &runID); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	status.RunID = runID

	result := &BatchResult{BatchID: batchID, RunID: runID, Outcomes: make([]batch.Outcome, total)}

	window := request.MaxWorkers
	if window < 1 || window > total {
		window = total
	}

	selector := workflow.NewSelector(ctx)
	finished := -1
	start := func(i int) {
		cfg := request.Sessions[i]
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: GenerateSessionWorkflowID(batchID, cfg.SessionID),
		})
		future := workflow.ExecuteChildWorkflow(childCtx, SessionConversionWorkflow, cfg)
		status.Running++
		selector.AddFuture(future, func(f workflow.Future) {
			var outcome *batch.Outcome
			if err := f.Get(ctx, &outcome); err != nil || outcome == nil {
				// the child itself broke, not the conversion
				logger.Error("Session workflow failed", "session", cfg.SessionID, "error", err)
				outcome = &batch.Outcome{SessionID: cfg.SessionID, Status: ledger.StatusFailed, Error: fmt.Sprint(err)}
			}
			result.Outcomes[i] = *outcome
			status.add(*outcome)
			finished = i
		})
	}

	next := 0
	for ; next < window; next++ {
		start(next)
	}
	for !status.Done() {
		selector.Select(ctx)

		outcome := result.Outcomes[finished]
		if err := workflow.ExecuteActivity(actx, RecordSessionActivityName, runID, outcome.Record()).Get(ctx, nil); err != nil {
			logger.Warn("Failed to record session", "session", outcome.SessionID, "error", err)
		}
		if next < total {
			start(next)
			next++
		}
	}

	if err := workflow.ExecuteActivity(actx, FinishRunActivityName, runID).Get(ctx, nil); err != nil {
		logger.Warn("Failed to finish run", "runID", runID, "error", err)
	}

	result.Succeeded = status.Succeeded
	result.Failed = status.Failed
	logger.Info("Completed batch conversion workflow", "batchID", batchID, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// SessionConversionWorkflow converts one session. A conversion failure is
// returned as a failed outcome after its error artifact is written, so the
// parent batch keeps going.
func SessionConversionWorkflow(ctx workflow.Context, cfg *convert.SessionConfig) (*batch.Outcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting session conversion workflow", "session", cfg.SessionID)
	started := workflow.Now(ctx)

	convertCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: DefaultConversionTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{SessionConversionErrorType},
		},
	})

	outcome := &batch.Outcome{SessionID: cfg.SessionID}
	var report *convert.Report
	err := workflow.ExecuteActivity(convertCtx, ConvertSessionActivityName, cfg).Get(ctx, &report)
	if err == nil {
		outcome.Status = ledger.StatusSucceeded
		outcome.Report = report
		outcome.Duration = workflow.Now(ctx).Sub(started)
		logger.Info("Session converted", "session", cfg.SessionID, "output", report.OutputPath, "shift", report.Shift)
		return outcome, nil
	}

	cause, stack := conversionFailure(err)
	outcome.Status = ledger.StatusFailed
	outcome.Error = (&batch.SessionConversionError{SessionID: cfg.SessionID, Err: errors.New(cause), Stack: stack}).Error()

	artifactCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})
	var path string
	if err := workflow.ExecuteActivity(artifactCtx, WriteErrorArtifactActivityName, cfg, cause, string(stack)).Get(ctx, &path); err != nil {
		logger.Error("Failed to write error artifact", "session", cfg.SessionID, "error", err)
	}
	outcome.ErrorFile = path
	outcome.Duration = workflow.Now(ctx).Sub(started)
	logger.Error("Session conversion failed", "session", cfg.SessionID, "error", outcome.Error, "errorFile", path)
	return outcome, nil
}

// conversionFailure extracts the cause and, for a panic, the stack trace
// carried by a SessionConversionError application error
func conversionFailure(err error) (string, []byte) {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) || appErr.Type() != SessionConversionErrorType {
		return err.Error(), nil
	}
	var stack string
	if appErr.HasDetails() {
		_ = appErr.Details(&stack)
	}
	if stack == "" {
		return appErr.Message(), nil
	}
	return appErr.Message(), []byte(stack)
}

func validateBatchRequest(request BatchRequest) error {
	if len(request.Sessions) == 0 {
		return errors.New("batch has no sessions")
	}
	seen := make(map[string]bool, len(request.Sessions))
	for i, cfg := range request.Sessions {
		if cfg == nil {
			return fmt.Errorf("session %d is empty", i)
		}
		if cfg.SessionID == "" {
			return fmt.Errorf("session %d has no session_id", i)
		}
		if seen[cfg.SessionID] {
			return fmt.Errorf("duplicate session %q", cfg.SessionID)
		}
		seen[cfg.SessionID] = true
	}
	return nil
}

// GenerateBatchWorkflowID creates a workflow ID for a batch
func GenerateBatchWorkflowID(batchID string) string {
	return BatchWorkflowIDPrefix + batchID
}

// GenerateSessionWorkflowID creates the child workflow ID of one session
func GenerateSessionWorkflowID(batchID, sessionID string) string {
	return fmt.Sprintf("%s%s-%s", SessionWorkflowIDPrefix, batchID, sessionID)
}
