// Package batch converts many sessions on a bounded pool of workers. Each
// session is isolated: a failure or panic in one is written to an error
// artifact next to its output and never stops the others.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
)

// SessionConverter converts one session
type SessionConverter interface {
	Convert(ctx context.Context, cfg *convert.SessionConfig) (*convert.Report, error)
}

// Recorder stores session outcomes, typically a *ledger.Ledger
type Recorder interface {
	StartRun(ctx context.Context, sessions int) (string, error)
	RecordSession(ctx context.Context, runID string, rec ledger.SessionRecord) error
	FinishRun(ctx context.Context, runID string) error
}

// SessionConversionError is the failure of one session, caught at the
// worker boundary
type SessionConversionError struct {
	SessionID string
	Err       error
	// Stack is set when the conversion panicked
	Stack []byte
}

func (e *SessionConversionError) Error() string {
	if e.Stack != nil {
		return fmt.Sprintf("session %s panicked: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("session %s failed: %v", e.SessionID, e.Err)
}

func (e *SessionConversionError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one session
type Outcome struct {
	SessionID string          `json:"session_id"`
	Status    string          `json:"status"`
	Report    *convert.Report `json:"report,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorFile string          `json:"error_file,omitempty"`
	Duration  time.Duration   `json:"duration"`

	err error
}

// Err returns the *SessionConversionError of a failed session
func (o Outcome) Err() error {
	return o.err
}

// Summary is the result of a batch, in the order sessions were given
type Summary struct {
	RunID     string        `json:"run_id"`
	Outcomes  []Outcome     `json:"outcomes"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// ErrNilSession is returned for a batch entry without a session config
var ErrNilSession = errors.New("session config is nil")

// Runner runs a batch of session conversions
type Runner struct {
	Converter  SessionConverter
	MaxWorkers int
	Recorder   Recorder
	Logger     *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run converts every session and waits for all of them. The returned error
// is only set when the batch itself cannot start; per-session failures are
// reported in the summary.
func (r *Runner) Run(ctx context.Context, sessions []*convert.SessionConfig) (*Summary, error) {
	logger := r.logger()
	started := time.Now()

	for i, cfg := range sessions {
		if cfg == nil {
			return nil, fmt.Errorf("session %d: %w", i, ErrNilSession)
		}
	}

	runID := uuid.NewString()
	if r.Recorder != nil {
		id, err := r.Recorder.StartRun(ctx, len(sessions))
		if err != nil {
			return nil, fmt.Errorf("start run: %w", err)
		}
		runID = id
	}

	workers := r.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	logger.Info("Starting batch", "run_id", runID, "sessions", len(sessions), "workers", workers)

	outcomes := make([]Outcome, len(sessions))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, cfg := range sessions {
		g.Go(func() error {
			outcomes[i] = r.runSession(ctx, cfg)
			r.record(ctx, runID, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{RunID: runID, Outcomes: outcomes, Duration: time.Since(started)}
	for _, o := range outcomes {
		if o.Status == ledger.StatusSucceeded {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	if r.Recorder != nil {
		if err := r.Recorder.FinishRun(context.WithoutCancel(ctx), runID); err != nil {
			logger.Warn("Failed to finish run in ledger", "run_id", runID, "error", err)
		}
	}
	logger.Info("Batch complete",
		"run_id", runID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration", summary.Duration.Round(time.Millisecond),
	)
	return summary, nil
}

// runSession converts one session and writes the error artifact on failure
func (r *Runner) runSession(ctx context.Context, cfg *convert.SessionConfig) Outcome {
	started := time.Now()
	logger := r.logger().With("session", cfg.SessionID)

	report, err := Convert(ctx, r.Converter, cfg)
	outcome := Outcome{SessionID: cfg.SessionID, Report: report, Duration: time.Since(started), err: err}
	if err == nil {
		outcome.Status = ledger.StatusSucceeded
		if info, statErr := os.Stat(report.OutputPath); statErr == nil {
			logger.Info("Session written", "output", report.OutputPath, "size", humanize.Bytes(uint64(info.Size())))
		}
		return outcome
	}

	outcome.Status = ledger.StatusFailed
	outcome.Error = err.Error()
	path, writeErr := WriteErrorArtifact(cfg, err)
	if writeErr != nil {
		logger.Error("Failed to write error artifact", "error", writeErr)
	}
	outcome.ErrorFile = path
	logger.Error("Session conversion failed", "error", err, "error_file", path)
	return outcome
}

// Convert is the worker boundary: it runs one conversion and turns an error
// or a panic into a *SessionConversionError.
func Convert(ctx context.Context, conv SessionConverter, cfg *convert.SessionConfig) (report *convert.Report, err error) {
	if cfg == nil {
		return nil, &SessionConversionError{Err: ErrNilSession}
	}
	defer func() {
		if p := recover(); p != nil {
			report = nil
			err = &SessionConversionError{SessionID: cfg.SessionID, Err: fmt.Errorf("%v", p), Stack: debug.Stack()}
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, &SessionConversionError{SessionID: cfg.SessionID, Err: err}
	}
	report, err = conv.Convert(ctx, cfg)
	if err != nil {
		return nil, &SessionConversionError{SessionID: cfg.SessionID, Err: err}
	}
	return report, nil
}

func (r *Runner) record(ctx context.Context, runID string, o Outcome) {
	if r.Recorder == nil {
		return
	}
	if err := r.Recorder.RecordSession(context.WithoutCancel(ctx), runID, o.Record()); err != nil {
		r.logger().Warn("Failed to record session in ledger", "session", o.SessionID, "error", err)
	}
}

// Record converts the outcome into a ledger record
func (o Outcome) Record() ledger.SessionRecord {
	rec := ledger.SessionRecord{
		SessionID: o.SessionID,
		Status:    o.Status,
		ErrorFile: o.ErrorFile,
		Error:     o.Error,
		Duration:  o.Duration,
	}
	if o.Report != nil {
		rec.OutputPath = o.Report.OutputPath
		rec.Shift = o.Report.Shift
		rec.Omitted = o.Report.OmittedNames()
	}
	return rec
}

// ErrorArtifactPath returns where the error artifact of a session is written
func ErrorArtifactPath(cfg *convert.SessionConfig) string {
	dir := cfg.OutputDir
	if dir == "" {
		dir = "."
	}
	name := cfg.SessionID
	if name == "" {
		name = "unnamed"
	}
	return filepath.Join(dir, "ERROR_"+name+".txt")
}

// WriteErrorArtifact writes the session config, the error and, for a panic,
// the stack trace to ERROR_<session>.txt in the output directory.
func WriteErrorArtifact(cfg *convert.SessionConfig, cause error) (string, error) {
	path := ErrorArtifactPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(path, FormatErrorArtifact(cfg, cause), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// FormatErrorArtifact renders the content of an error artifact
func FormatErrorArtifact(cfg *convert.SessionConfig, cause error) []byte {
	dump, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		dump = []byte(fmt.Sprintf("%+v", cfg))
	}
	out := fmt.Appendf(nil, "session config:\n%s\n\nerror:\n%v\n", dump, cause)
	if sce, ok := cause.(*SessionConversionError); ok && sce.Stack != nil {
		out = fmt.Appendf(out, "\nstack:\n%s", sce.Stack)
	}
	return out
}
