package align

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leowmjw/go-nwb-convert/pkg/stream"
	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

type failingSource struct{}

func (failingSource) Timestamps(ctx context.Context) ([]float64, error) {
	return nil, errors.New("timeStamps.csv: no such file")
}

func newSession(t *testing.T, streams ...*stream.Stream) *stream.Session {
	t.Helper()
	session := stream.NewSession(stream.Metadata{
		SessionID: "FC",
		StartTime: time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC),
	})
	for _, st := range streams {
		require.NoError(t, session.Add(st))
	}
	return session
}

func timestamps(t *testing.T, session *stream.Session, name string) []float64 {
	t.Helper()
	st, err := session.Get(name)
	require.NoError(t, err)
	ts, err := st.Timestamps(context.Background())
	require.NoError(t, err)
	return ts
}

func TestComputeShift(t *testing.T) {
	tests := []struct {
		name    string
		input   []float64
		want    float64
		wantErr error
	}{
		{name: "negative first timestamp", input: []float64{-2.5, -1, 0}, want: 2.5},
		{name: "zero first timestamp", input: []float64{0, 1}, want: 0},
		{name: "positive first timestamp", input: []float64{3, 4}, want: 0},
		{name: "empty", input: nil, wantErr: ErrEmptyReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeShift(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunShiftsEveryKind(t *testing.T) {
	session := newSession(t,
		stream.NewContinuous(DefaultReference, stream.Timestamps{-2, -1, 0, 1}),
		stream.NewContinuous("BehavioralVideo", stream.Timestamps{10, 11}),
		stream.NewLabeledEvents("SleepEvents", stream.Timestamps{0.5, 1.5}),
		stream.NewInterval("FreezingBehavior", stream.Intervals{{Start: 1, Stop: 2}, {Start: 4, Stop: 6}}),
		stream.NewScalarOffset("EDFSignals", stream.FixedRate{Start: 0, Hz: 500}),
	)

	result, err := Run(context.Background(), session, Policy{})
	require.NoError(t, err)
	require.True(t, result.Applied)
	assert.Equal(t, 2.0, result.Shift)
	assert.Empty(t, result.StreamErrors)

	aligned := result.Session
	assert.Equal(t, []float64{0, 1, 2, 3}, timestamps(t, aligned, DefaultReference))
	assert.Equal(t, []float64{12, 13}, timestamps(t, aligned, "BehavioralVideo"))
	assert.Equal(t, []float64{2.5, 3.5}, timestamps(t, aligned, "SleepEvents"))

	freezing, err := aligned.Get("FreezingBehavior")
	require.NoError(t, err)
	set, err := freezing.Intervals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 6}, set.Starts())
	assert.Equal(t, []float64{4, 8}, set.Stops())

	edf, err := aligned.Get("EDFSignals")
	require.NoError(t, err)
	start, err := edf.StartingTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, start)

	assert.Equal(t, time.Date(2021, 6, 1, 9, 59, 58, 0, time.UTC), aligned.Metadata.StartTime)
}

func TestRunReferenceStartsAtZeroAfterAlignment(t *testing.T) {
	session := newSession(t,
		stream.NewContinuous(DefaultReference, stream.Timestamps{-0.733, -0.7, -0.667}),
	)

	result, err := Run(context.Background(), session, Policy{})
	require.NoError(t, err)

	got := timestamps(t, result.Session, DefaultReference)
	if diff := cmp.Diff([]float64{0, 0.033, 0.066}, got, approx); diff != "" {
		t.Errorf("aligned reference mismatch (-want +got):\n%s", diff)
	}
}

func TestRunPreservesRelativeSpacing(t *testing.T) {
	video := []float64{0.1, 0.134, 0.167, 5.2}
	session := newSession(t,
		stream.NewContinuous(DefaultReference, stream.Timestamps{-1.25, 0}),
		stream.NewContinuous("BehavioralVideo", stream.Timestamps(video)),
	)

	result, err := Run(context.Background(), session, Policy{})
	require.NoError(t, err)

	got := timestamps(t, result.Session, "BehavioralVideo")
	require.Len(t, got, len(video))
	for i := range video {
		assert.InDelta(t, 1.25, got[i]-video[i], 1e-12)
	}
}

func TestRunNoOpWhenReferenceNonNegative(t *testing.T) {
	for _, first := range []float64{0, 0.5} {
		session := newSession(t,
			stream.NewContinuous(DefaultReference, stream.Timestamps{first, first + 1}),
			stream.NewContinuous("BehavioralVideo", stream.Timestamps{3, 4}),
		)

		result, err := Run(context.Background(), session, Policy{})
		require.NoError(t, err)
		assert.False(t, result.Applied)
		assert.Zero(t, result.Shift)
		assert.Empty(t, result.SkipReason)

		for _, st := range result.Session.Streams() {
			assert.False(t, st.IsAligned(), st.Name)
		}
		assert.Equal(t, []float64{3, 4}, timestamps(t, result.Session, "BehavioralVideo"))
		assert.Equal(t, session.Metadata.StartTime, result.Session.Metadata.StartTime)
	}
}

func TestRunDoesNotMutateInput(t *testing.T) {
	session := newSession(t,
		stream.NewContinuous(DefaultReference, stream.Timestamps{-2, -1}),
		stream.NewContinuous("BehavioralVideo", stream.Timestamps{10, 11}),
	)

	first, err := Run(context.Background(), session, Policy{})
	require.NoError(t, err)
	second, err := Run(context.Background(), session, Policy{})
	require.NoError(t, err)

	// running twice on the same input must not accumulate the shift
	assert.Equal(t, []float64{12, 13}, timestamps(t, first.Session, "BehavioralVideo"))
	assert.Equal(t, []float64{12, 13}, timestamps(t, second.Session, "BehavioralVideo"))

	for _, st := range session.Streams() {
		assert.False(t, st.IsAligned(), st.Name)
	}
	assert.Equal(t, []float64{10, 11}, timestamps(t, session, "BehavioralVideo"))
}

func TestRunRealignAlreadyAlignedSession(t *testing.T) {
	session := newSession(t,
		stream.NewContinuous(DefaultReference, stream.Timestamps{-2, -1}),
		stream.NewContinuous("BehavioralVideo", stream.Timestamps{10, 11}),
	)

	first, err := Run(context.Background(), session, Policy{})
	require.NoError(t, err)
	second, err := Run(context.Background(), first.Session, Policy{})
	require.NoError(t, err)

	// shifts are always computed from original values, so the result is stable
	assert.Equal(t, []float64{12, 13}, timestamps(t, second.Session, "BehavioralVideo"))
}

func TestRunMissingReference(t *testing.T) {
	build := func() *stream.Session {
		return newSession(t, stream.NewContinuous("BehavioralVideo", stream.Timestamps{1, 2}))
	}

	t.Run("skip", func(t *testing.T) {
		result, err := Run(context.Background(), build(), Policy{OnMissingReference: SkipAlignment})
		require.NoError(t, err)
		assert.False(t, result.Applied)
		assert.Contains(t, result.SkipReason, DefaultReference)
		assert.Equal(t, []float64{1, 2}, timestamps(t, result.Session, "BehavioralVideo"))
	})

	t.Run("abort", func(t *testing.T) {
		_, err := Run(context.Background(), build(), Policy{OnMissingReference: AbortAlignment})
		require.Error(t, err)
		assert.ErrorIs(t, err, stream.ErrNotFound)
	})
}

func TestRunUnreadableReference(t *testing.T) {
	session := newSession(t,
		stream.NewContinuous(DefaultReference, failingSource{}),
		stream.NewContinuous("BehavioralVideo", stream.Timestamps{1, 2}),
	)

	result, err := Run(context.Background(), session, Policy{})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.NotEmpty(t, result.SkipReason)

	_, err = Run(context.Background(), session, Policy{OnMissingReference: AbortAlignment})
	var readErr *stream.SourceReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, DefaultReference, readErr.Stream)
}

func TestRunEmptyReference(t *testing.T) {
	session := newSession(t, stream.NewContinuous(DefaultReference, stream.Timestamps{}))

	_, err := Run(context.Background(), session, Policy{OnMissingReference: AbortAlignment})
	assert.ErrorIs(t, err, ErrEmptyReference)
}

func TestRunCollectsStreamErrors(t *testing.T) {
	session := newSession(t,
		stream.NewContinuous(DefaultReference, stream.Timestamps{-1, 0}),
		stream.NewContinuous("BehavioralVideo", failingSource{}),
		stream.NewContinuous("Other", stream.Timestamps{0}),
	)

	result, err := Run(context.Background(), session, Policy{})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	require.Contains(t, result.StreamErrors, "BehavioralVideo")
	assert.Equal(t, []float64{1}, timestamps(t, result.Session, "Other"))
}

func TestRunCustomReference(t *testing.T) {
	session := newSession(t,
		stream.NewContinuous("BehavioralVideo", stream.Timestamps{-0.5, 0}),
		stream.NewInterval("FreezingBehavior", stream.Intervals{{Start: 0, Stop: 1}}),
	)

	result, err := Run(context.Background(), session, Policy{Reference: "BehavioralVideo"})
	require.NoError(t, err)

	st, err := result.Session.Get("FreezingBehavior")
	require.NoError(t, err)
	set, err := st.Intervals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, timeline.IntervalSet{{Start: 0.5, Stop: 1.5}}, set)
}

func TestParseMissingReference(t *testing.T) {
	got, err := ParseMissingReference("")
	require.NoError(t, err)
	assert.Equal(t, SkipAlignment, got)

	got, err = ParseMissingReference("abort")
	require.NoError(t, err)
	assert.Equal(t, AbortAlignment, got)

	_, err = ParseMissingReference("ignore")
	assert.Error(t, err)
}
