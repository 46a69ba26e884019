package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/leowmjw/go-nwb-convert/pkg/batch"
	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubConverter fails or panics for chosen sessions
type stubConverter struct {
	fail  map[string]error
	panic map[string]bool

	running atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	calls   map[string]int
}

func (s *stubConverter) Convert(ctx context.Context, cfg *convert.SessionConfig) (*convert.Report, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[cfg.SessionID]++
	s.mu.Unlock()

	if s.panic[cfg.SessionID] {
		panic("slice bounds out of range")
	}
	if err := s.fail[cfg.SessionID]; err != nil {
		return nil, err
	}
	return &convert.Report{
		SessionID:  cfg.SessionID,
		OutputPath: filepath.Join(cfg.OutputDir, cfg.SessionID+".nwb.json"),
		Shift:      2,
		Aligned:    true,
		Omitted:    map[string]string{"Video": "source not found"},
	}, nil
}

func (s *stubConverter) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func sessionConfigs(dir string, ids ...string) []*convert.SessionConfig {
	out := make([]*convert.SessionConfig, len(ids))
	for i, id := range ids {
		out[i] = &convert.SessionConfig{SessionID: id, SubjectID: "Ca_EEG3-4", OutputDir: dir}
	}
	return out
}

func newEnv(t *testing.T, conv batch.SessionConverter, rec batch.Recorder) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(BatchConversionWorkflow)
	env.RegisterWorkflow(SessionConversionWorkflow)
	env.RegisterActivity(NewActivitiesImpl(quietLogger(), conv, rec))
	return env
}

func TestSessionConversionWorkflow(t *testing.T) {
	dir := t.TempDir()

	t.Run("Succeeds", func(t *testing.T) {
		conv := &stubConverter{}
		env := newEnv(t, conv, nil)
		env.ExecuteWorkflow(SessionConversionWorkflow, sessionConfigs(dir, "Ca_EEG3-4_FC")[0])

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var outcome *batch.Outcome
		require.NoError(t, env.GetWorkflowResult(&outcome))

		assert.Equal(t, ledger.StatusSucceeded, outcome.Status)
		require.NotNil(t, outcome.Report)
		assert.Equal(t, 2.0, outcome.Report.Shift)
		assert.Equal(t, []string{"Video"}, outcome.Report.OmittedNames())
		assert.Empty(t, outcome.ErrorFile)
	})

	t.Run("Failure writes error artifact without retrying", func(t *testing.T) {
		conv := &stubConverter{fail: map[string]error{"bad": errors.New("timeStamps.csv: missing column \"Time Stamp (ms)\"")}}
		env := newEnv(t, conv, nil)
		env.ExecuteWorkflow(SessionConversionWorkflow, sessionConfigs(dir, "bad")[0])

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError(), "a failed conversion is an outcome, not a workflow failure")
		var outcome *batch.Outcome
		require.NoError(t, env.GetWorkflowResult(&outcome))

		assert.Equal(t, ledger.StatusFailed, outcome.Status)
		assert.Equal(t, `session bad failed: timeStamps.csv: missing column "Time Stamp (ms)"`, outcome.Error)
		assert.Equal(t, filepath.Join(dir, "ERROR_bad.txt"), outcome.ErrorFile)
		assert.Equal(t, 1, conv.callCount("bad"))

		raw, err := os.ReadFile(outcome.ErrorFile)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"session_id": "bad"`)
		assert.Contains(t, string(raw), "missing column")
		assert.NotContains(t, string(raw), "stack:")
	})

	t.Run("Panic keeps the stack trace", func(t *testing.T) {
		conv := &stubConverter{panic: map[string]bool{"crash": true}}
		env := newEnv(t, conv, nil)
		env.ExecuteWorkflow(SessionConversionWorkflow, sessionConfigs(dir, "crash")[0])

		require.NoError(t, env.GetWorkflowError())
		var outcome *batch.Outcome
		require.NoError(t, env.GetWorkflowResult(&outcome))

		assert.Equal(t, ledger.StatusFailed, outcome.Status)
		assert.Contains(t, outcome.Error, "session crash panicked: slice bounds out of range")
		raw, err := os.ReadFile(outcome.ErrorFile)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "stack:")
	})
}

func TestBatchConversionWorkflow(t *testing.T) {
	dir := t.TempDir()
	conv := &stubConverter{
		fail:  map[string]error{"bad": errors.New("boom")},
		panic: map[string]bool{"crash": true},
	}
	rec := NewMemoryRecorder()
	env := newEnv(t, conv, rec)

	env.ExecuteWorkflow(BatchConversionWorkflow, BatchRequest{
		BatchID:    "cohort-1",
		Sessions:   sessionConfigs(dir, "ok1", "bad", "crash", "ok2"),
		MaxWorkers: 2,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var result *BatchResult
	require.NoError(t, env.GetWorkflowResult(&result))

	assert.Equal(t, "cohort-1", result.BatchID)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Outcomes, 4)
	for i, id := range []string{"ok1", "bad", "crash", "ok2"} {
		assert.Equal(t, id, result.Outcomes[i].SessionID)
		assert.Equal(t, 1, conv.callCount(id), "session %s converted once", id)
	}
	assert.Equal(t, ledger.StatusSucceeded, result.Outcomes[0].Status)
	assert.Equal(t, ledger.StatusFailed, result.Outcomes[1].Status)
	assert.FileExists(t, filepath.Join(dir, "ERROR_bad.txt"))
	assert.FileExists(t, filepath.Join(dir, "ERROR_crash.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "ERROR_ok1.txt"))

	run, err := rec.ListRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.Sessions)
	assert.NotNil(t, run.FinishedAt)
	require.Len(t, run.Records, 4)
	assert.Equal(t, "bad", run.Records[0].SessionID)
	assert.Equal(t, ledger.StatusFailed, run.Records[0].Status)
	assert.Equal(t, filepath.Join(dir, "ERROR_bad.txt"), run.Records[0].ErrorFile)
	assert.Equal(t, "ok1", run.Records[2].SessionID)
	assert.Equal(t, []string{"Video"}, run.Records[2].Omitted)

	encoded, err := env.QueryWorkflow(BatchStatusQuery)
	require.NoError(t, err)
	var status BatchStatus
	require.NoError(t, encoded.Get(&status))
	assert.True(t, status.Done())
	assert.Equal(t, BatchStatus{BatchID: "cohort-1", RunID: result.RunID, Total: 4, Succeeded: 2, Failed: 2}, status)
}

func TestBatchConversionWorkflowRespectsMaxWorkers(t *testing.T) {
	conv := &stubConverter{}
	env := newEnv(t, conv, nil)
	env.ExecuteWorkflow(BatchConversionWorkflow, BatchRequest{
		Sessions:   sessionConfigs(t.TempDir(), "a", "b", "c"),
		MaxWorkers: 1,
	})

	require.NoError(t, env.GetWorkflowError())
	var result *BatchResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, int32(1), conv.peak.Load())
	assert.NotEmpty(t, result.BatchID, "batch id defaults to the workflow id")
	assert.NotEmpty(t, result.RunID)
}

func TestBatchConversionWorkflowChildFailure(t *testing.T) {
	env := newEnv(t, &stubConverter{}, nil)
	env.OnWorkflow(SessionConversionWorkflow, mock.Anything, mock.Anything).Return(
		func(ctx workflow.Context, cfg *convert.SessionConfig) (*batch.Outcome, error) {
			if cfg.SessionID == "lost" {
				return nil, errors.New("worker lost")
			}
			return &batch.Outcome{SessionID: cfg.SessionID, Status: ledger.StatusSucceeded}, nil
		})

	env.ExecuteWorkflow(BatchConversionWorkflow, BatchRequest{Sessions: sessionConfigs(t.TempDir(), "kept", "lost")})

	require.NoError(t, env.GetWorkflowError())
	var result *BatchResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, ledger.StatusFailed, result.Outcomes[1].Status)
	assert.Contains(t, result.Outcomes[1].Error, "worker lost")
}

func TestBatchConversionWorkflowValidation(t *testing.T) {
	tests := []struct {
		name     string
		sessions []*convert.SessionConfig
		want     string
	}{
		{"empty", nil, "batch has no sessions"},
		{"missing id", []*convert.SessionConfig{{SubjectID: "Ca_EEG3-4"}}, "has no session_id"},
		{"duplicate", sessionConfigs("/out", "s1", "s1"), `duplicate session "s1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, &stubConverter{}, nil)
			env.ExecuteWorkflow(BatchConversionWorkflow, BatchRequest{Sessions: tt.sessions})

			require.True(t, env.IsWorkflowCompleted())
			err := env.GetWorkflowError()
			require.Error(t, err)
			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, BatchRequestValidationErrorType, appErr.Type())
			assert.True(t, appErr.NonRetryable())
			assert.Contains(t, appErr.Error(), tt.want)
		})
	}
}

func TestBatchConversionWorkflowRealSessions(t *testing.T) {
	root := t.TempDir()
	write := func(id, timestamps string) *convert.SessionConfig {
		folder := filepath.Join(root, id)
		require.NoError(t, os.MkdirAll(filepath.Join(folder, "miniscope"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(folder, "metaData.json"),
			[]byte(`{"recordingStartTime":{"year":2021,"month":6,"day":1,"hour":10,"minute":0,"second":0,"msec":0}}`), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(folder, "miniscope", "timeStamps.csv"), []byte(timestamps), 0o644))
		return &convert.SessionConfig{SessionID: id, SubjectID: "Ca_EEG3-4", SessionFolder: folder, OutputDir: filepath.Join(root, "out")}
	}
	good := write("Ca_EEG3-4_FC", "Frame Number,Time Stamp (ms),Buffer Index\n0,-2000,0\n1,-1000,0\n2,0,0\n3,1000,0\n")
	broken := write("Ca_EEG3-4_Recall1", "Frame Number,Time Stamp (ms),Buffer Index\n0,-2000,0\n1,not-a-number,0\n")

	env := newEnv(t, convert.New(quietLogger()), nil)
	env.ExecuteWorkflow(BatchConversionWorkflow, BatchRequest{Sessions: []*convert.SessionConfig{good, broken}})

	require.NoError(t, env.GetWorkflowError())
	var result *BatchResult
	require.NoError(t, env.GetWorkflowResult(&result))

	require.Equal(t, ledger.StatusSucceeded, result.Outcomes[0].Status, result.Outcomes[0].Error)
	assert.Equal(t, 2.0, result.Outcomes[0].Report.Shift)
	assert.FileExists(t, filepath.Join(root, "out", "Ca_EEG3-4_FC.nwb.json"))

	assert.Equal(t, ledger.StatusFailed, result.Outcomes[1].Status)
	assert.Contains(t, result.Outcomes[1].Error, "not-a-number")
	assert.FileExists(t, filepath.Join(root, "out", "ERROR_Ca_EEG3-4_Recall1.txt"))
}

func TestWorkflowIDs(t *testing.T) {
	assert.Equal(t, "nwb-batch-cohort-1", GenerateBatchWorkflowID("cohort-1"))
	assert.Equal(t, "nwb-session-cohort-1-Ca_EEG3-4_FC", GenerateSessionWorkflowID("cohort-1", "Ca_EEG3-4_FC"))
}

func TestWorkerOptions(t *testing.T) {
	assert.Equal(t, 4, WorkerOptions(4).MaxConcurrentActivityExecutionSize)
	assert.Equal(t, 1, WorkerOptions(0).MaxConcurrentActivityExecutionSize)
}
