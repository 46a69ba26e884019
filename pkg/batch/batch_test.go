package batch

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

	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedConverter fails or panics for chosen sessions and records how
// many conversions ran at once
type scriptedConverter struct {
	fail  map[string]error
	panic map[string]bool

	running atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	seen    []string
}

func (s *scriptedConverter) Convert(ctx context.Context, cfg *convert.SessionConfig) (*convert.Report, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	s.mu.Lock()
	s.seen = append(s.seen, cfg.SessionID)
	s.mu.Unlock()

	if s.panic[cfg.SessionID] {
		panic("index out of range in reader")
	}
	if err := s.fail[cfg.SessionID]; err != nil {
		return nil, err
	}
	return &convert.Report{SessionID: cfg.SessionID, OutputPath: filepath.Join(cfg.OutputDir, cfg.SessionID+".nwb.json"), Shift: 2}, nil
}

func sessions(dir string, ids ...string) []*convert.SessionConfig {
	out := make([]*convert.SessionConfig, len(ids))
	for i, id := range ids {
		out[i] = &convert.SessionConfig{SessionID: id, SubjectID: "Ca_EEG3-4", OutputDir: dir}
	}
	return out
}

func TestRunIsolatesSessions(t *testing.T) {
	dir := t.TempDir()
	conv := &scriptedConverter{
		fail:  map[string]error{"bad": errors.New("timeStamps.csv: missing column")},
		panic: map[string]bool{"crash": true},
	}
	runner := &Runner{Converter: conv, MaxWorkers: 2, Logger: quietLogger()}

	summary, err := runner.Run(context.Background(), sessions(dir, "ok1", "bad", "crash", "ok2"))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Len(t, conv.seen, 4, "every session runs regardless of sibling failures")
	assert.LessOrEqual(t, conv.peak.Load(), int32(2))

	byID := map[string]Outcome{}
	for _, o := range summary.Outcomes {
		byID[o.SessionID] = o
	}
	assert.Equal(t, []string{"ok1", "bad", "crash", "ok2"},
		[]string{summary.Outcomes[0].SessionID, summary.Outcomes[1].SessionID, summary.Outcomes[2].SessionID, summary.Outcomes[3].SessionID})

	assert.Equal(t, ledger.StatusSucceeded, byID["ok1"].Status)
	assert.Empty(t, byID["ok1"].ErrorFile)
	assert.NoFileExists(t, filepath.Join(dir, "ERROR_ok1.txt"))

	bad := byID["bad"]
	assert.Equal(t, ledger.StatusFailed, bad.Status)
	var sce *SessionConversionError
	require.ErrorAs(t, bad.Err(), &sce)
	assert.Nil(t, sce.Stack)
	raw, err := os.ReadFile(filepath.Join(dir, "ERROR_bad.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"session_id": "bad"`)
	assert.Contains(t, string(raw), "missing column")

	crash := byID["crash"]
	assert.Equal(t, ledger.StatusFailed, crash.Status)
	require.ErrorAs(t, crash.Err(), &sce)
	assert.NotNil(t, sce.Stack)
	assert.Contains(t, crash.Error, "panicked")
	raw, err = os.ReadFile(crash.ErrorFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "stack:")
}

func writeMiniscopeSession(t *testing.T, root, id, timestamps string) *convert.SessionConfig {
	t.Helper()
	folder := filepath.Join(root, id)
	files := map[string]string{
		"metaData.json": `{"recordingStartTime":{"year":2021,"month":6,"day":1,"hour":10,"minute":0,"second":0,"msec":0}}`,
		filepath.Join("miniscope", "timeStamps.csv"): timestamps,
	}
	for name, content := range files {
		path := filepath.Join(folder, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return &convert.SessionConfig{
		SessionID:     id,
		SubjectID:     "Ca_EEG3-4",
		SessionFolder: folder,
		Shock:         &convert.ShockConfig{Amplitude: 0.25},
		OutputDir:     filepath.Join(root, "out"),
	}
}

func TestRunIsolatesRealConversions(t *testing.T) {
	root := t.TempDir()
	good := writeMiniscopeSession(t, root, "Ca_EEG3-4_FC",
		"Frame Number,Time Stamp (ms),Buffer Index\n0,-2000,0\n1,-1000,0\n2,0,0\n3,1000,0\n")
	broken := writeMiniscopeSession(t, root, "Ca_EEG3-4_Recall1",
		"Frame Number,Time Stamp (ms),Buffer Index\n0,-2000,0\n1,not-a-number,0\n")

	runner := &Runner{Converter: convert.New(quietLogger()), MaxWorkers: 2, Logger: quietLogger()}
	summary, err := runner.Run(context.Background(), []*convert.SessionConfig{good, broken})
	require.NoError(t, err)

	require.Equal(t, ledger.StatusSucceeded, summary.Outcomes[0].Status, summary.Outcomes[0].Error)
	assert.Equal(t, 2.0, summary.Outcomes[0].Report.Shift)
	assert.FileExists(t, filepath.Join(root, "out", "Ca_EEG3-4_FC.nwb.json"))
	assert.NoFileExists(t, filepath.Join(root, "out", "ERROR_Ca_EEG3-4_FC.txt"))

	assert.Equal(t, ledger.StatusFailed, summary.Outcomes[1].Status)
	assert.Contains(t, summary.Outcomes[1].Error, "not-a-number")
	assert.FileExists(t, filepath.Join(root, "out", "ERROR_Ca_EEG3-4_Recall1.txt"))
	assert.NoFileExists(t, filepath.Join(root, "out", "Ca_EEG3-4_Recall1.nwb.json"))
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conv := &scriptedConverter{}
	runner := &Runner{Converter: conv, Logger: quietLogger()}

	summary, err := runner.Run(ctx, sessions(t.TempDir(), "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Failed)
	assert.Empty(t, conv.seen)
	assert.ErrorIs(t, summary.Outcomes[0].Err(), context.Canceled)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) StartRun(ctx context.Context, sessions int) (string, error) {
	args := m.Called(ctx, sessions)
	return args.String(0), args.Error(1)
}

func (m *mockRecorder) RecordSession(ctx context.Context, runID string, rec ledger.SessionRecord) error {
	return m.Called(ctx, runID, rec).Error(0)
}

func (m *mockRecorder) FinishRun(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func TestRunRecordsOutcomes(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("StartRun", mock.Anything, 2).Return("run-1", nil)
	rec.On("RecordSession", mock.Anything, "run-1", mock.MatchedBy(func(r ledger.SessionRecord) bool {
		return r.SessionID == "ok" && r.Status == ledger.StatusSucceeded && r.Shift == 2
	})).Return(nil).Once()
	rec.On("RecordSession", mock.Anything, "run-1", mock.MatchedBy(func(r ledger.SessionRecord) bool {
		return r.SessionID == "bad" && r.Status == ledger.StatusFailed && r.ErrorFile != ""
	})).Return(errors.New("disk full")).Once()
	rec.On("FinishRun", mock.Anything, "run-1").Return(nil)

	runner := &Runner{
		Converter: &scriptedConverter{fail: map[string]error{"bad": errors.New("boom")}},
		Recorder:  rec,
		Logger:    quietLogger(),
	}
	summary, err := runner.Run(context.Background(), sessions(t.TempDir(), "ok", "bad"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	rec.AssertExpectations(t)
}

func TestRunWithLedger(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), quietLogger())
	require.NoError(t, err)
	defer l.Close()

	runner := &Runner{
		Converter: &scriptedConverter{fail: map[string]error{"bad": errors.New("boom")}},
		Recorder:  l,
		Logger:    quietLogger(),
	}
	summary, err := runner.Run(context.Background(), sessions(t.TempDir(), "ok", "bad"))
	require.NoError(t, err)

	run, err := l.ListRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, run.Records, 2)
	assert.Equal(t, "bad", run.Records[0].SessionID)
	assert.Equal(t, ledger.StatusFailed, run.Records[0].Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestRunStartRunFailure(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("StartRun", mock.Anything, 1).Return("", errors.New("locked"))

	runner := &Runner{Converter: &scriptedConverter{}, Recorder: rec, Logger: quietLogger()}
	_, err := runner.Run(context.Background(), sessions(t.TempDir(), "a"))
	assert.ErrorContains(t, err, "locked")
}

func TestRunRejectsNilSession(t *testing.T) {
	rec := &mockRecorder{}
	conv := &scriptedConverter{}
	runner := &Runner{Converter: conv, Recorder: rec, Logger: quietLogger()}

	valid := sessions(t.TempDir(), "a", "b")
	summary, err := runner.Run(context.Background(), []*convert.SessionConfig{valid[0], nil, valid[1]})
	require.ErrorIs(t, err, ErrNilSession)
	assert.ErrorContains(t, err, "session 1")
	assert.Nil(t, summary)
	assert.Empty(t, conv.seen)
	rec.AssertNumberOfCalls(t, "StartRun", 0)
}

func TestConvertNilSession(t *testing.T) {
	conv := &scriptedConverter{}
	report, err := Convert(context.Background(), conv, nil)
	assert.Nil(t, report)
	var sce *SessionConversionError
	require.ErrorAs(t, err, &sce)
	assert.ErrorIs(t, err, ErrNilSession)
	assert.Nil(t, sce.Stack)
	assert.Empty(t, conv.seen)
}

func TestFormatErrorArtifact(t *testing.T) {
	cfg := &convert.SessionConfig{SessionID: "s", OutputDir: "/out"}
	plain := string(FormatErrorArtifact(cfg, &SessionConversionError{SessionID: "s", Err: errors.New("boom")}))
	assert.Contains(t, plain, "session config:")
	assert.Contains(t, plain, "session s failed: boom")
	assert.NotContains(t, plain, "stack:")

	assert.Equal(t, filepath.Join("/out", "ERROR_s.txt"), ErrorArtifactPath(cfg))
	assert.Equal(t, filepath.Join(".", "ERROR_unnamed.txt"), ErrorArtifactPath(&convert.SessionConfig{}))
}
