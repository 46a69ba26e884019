package temporal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
)

func TestConvertSessionActivity(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	dir := t.TempDir()
	conv := &stubConverter{
		fail:  map[string]error{"bad": errors.New("boom")},
		panic: map[string]bool{"crash": true},
	}
	activities := NewActivitiesImpl(quietLogger(), conv, nil)

	t.Run("Report", func(t *testing.T) {
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(activities)
		val, err := env.ExecuteActivity(activities.ConvertSessionActivity, sessionConfigs(dir, "ok")[0])
		require.NoError(t, err)

		var report *convert.Report
		require.NoError(t, val.Get(&report))
		assert.Equal(t, "ok", report.SessionID)
		assert.Equal(t, filepath.Join(dir, "ok.nwb.json"), report.OutputPath)
	})

	t.Run("Failure is not retryable", func(t *testing.T) {
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(activities)
		_, err := env.ExecuteActivity(activities.ConvertSessionActivity, sessionConfigs(dir, "bad")[0])
		require.Error(t, err)

		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, SessionConversionErrorType, appErr.Type())
		assert.True(t, appErr.NonRetryable())
		assert.Equal(t, "boom", appErr.Message())
	})

	t.Run("Nil session is not retryable", func(t *testing.T) {
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(activities)
		var cfg *convert.SessionConfig
		_, err := env.ExecuteActivity(activities.ConvertSessionActivity, cfg)
		require.Error(t, err)

		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.True(t, appErr.NonRetryable())
		assert.Equal(t, "session config is nil", appErr.Message())
	})

	t.Run("Panic carries the stack", func(t *testing.T) {
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(activities)
		_, err := env.ExecuteActivity(activities.ConvertSessionActivity, sessionConfigs(dir, "crash")[0])
		require.Error(t, err)

		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		require.True(t, appErr.HasDetails())
		var stack string
		require.NoError(t, appErr.Details(&stack))
		assert.Contains(t, stack, "goroutine")
	})
}

func TestWriteErrorArtifactActivity(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	activities := NewActivitiesImpl(quietLogger(), &stubConverter{}, nil)
	env.RegisterActivity(activities)

	cfg := sessionConfigs(filepath.Join(t.TempDir(), "nested"), "Ca_EEG3-4_FC")[0]
	val, err := env.ExecuteActivity(activities.WriteErrorArtifactActivity, cfg, "no imaging timestamps", "goroutine 7 [running]:")
	require.NoError(t, err)

	var path string
	require.NoError(t, val.Get(&path))
	assert.Equal(t, filepath.Join(cfg.OutputDir, "ERROR_Ca_EEG3-4_FC.txt"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "session Ca_EEG3-4_FC panicked: no imaging timestamps")
	assert.Contains(t, string(raw), "goroutine 7 [running]:")
}

func TestRunActivities(t *testing.T) {
	ctx := context.Background()

	t.Run("Without recorder", func(t *testing.T) {
		activities := NewActivitiesImpl(quietLogger(), &stubConverter{}, nil)
		runID, err := activities.StartRunActivity(ctx, 3)
		require.NoError(t, err)
		assert.Len(t, runID, 36)
		assert.NoError(t, activities.RecordSessionActivity(ctx, runID, ledger.SessionRecord{SessionID: "s"}))
		assert.NoError(t, activities.FinishRunActivity(ctx, runID))
	})

	t.Run("With ledger", func(t *testing.T) {
		l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), quietLogger())
		require.NoError(t, err)
		defer l.Close()
		activities := NewActivitiesImpl(quietLogger(), &stubConverter{}, l)

		runID, err := activities.StartRunActivity(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, activities.RecordSessionActivity(ctx, runID, ledger.SessionRecord{SessionID: "s", Status: ledger.StatusSucceeded}))
		require.NoError(t, activities.FinishRunActivity(ctx, runID))

		run, err := l.ListRun(ctx, runID)
		require.NoError(t, err)
		require.Len(t, run.Records, 1)
		assert.NotNil(t, run.FinishedAt)

		err = activities.RecordSessionActivity(ctx, "missing", ledger.SessionRecord{SessionID: "s", Status: ledger.StatusFailed})
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.True(t, appErr.NonRetryable())
	})
}

func TestMemoryRecorder(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder()

	runID, err := rec.StartRun(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, rec.RecordSession(ctx, runID, ledger.SessionRecord{SessionID: "b", Status: ledger.StatusFailed}))
	require.NoError(t, rec.RecordSession(ctx, runID, ledger.SessionRecord{SessionID: "a", Status: ledger.StatusSucceeded}))
	require.NoError(t, rec.RecordSession(ctx, runID, ledger.SessionRecord{SessionID: "b", Status: ledger.StatusSucceeded}))

	run, err := rec.ListRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, run.Records, 2)
	assert.Equal(t, "a", run.Records[0].SessionID)
	assert.Equal(t, ledger.StatusSucceeded, run.Records[1].Status)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, rec.FinishRun(ctx, runID))
	run, err = rec.ListRun(ctx, runID)
	require.NoError(t, err)
	assert.NotNil(t, run.FinishedAt)

	assert.ErrorIs(t, rec.RecordSession(ctx, "missing", ledger.SessionRecord{}), ledger.ErrUnknownRun)
	assert.ErrorIs(t, rec.FinishRun(ctx, "missing"), ledger.ErrUnknownRun)
	_, err = rec.ListRun(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrUnknownRun)
}
