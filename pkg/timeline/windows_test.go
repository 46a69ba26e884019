package timeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTumblingWindows(t *testing.T) {
	windows, err := CreateTumblingWindows(0, 150, 60)
	require.NoError(t, err)

	want := []Window{
		{Type: TumblingWindow, Start: 0, Stop: 60},
		{Type: TumblingWindow, Start: 60, Stop: 120},
		{Type: TumblingWindow, Start: 120, Stop: 150},
	}
	if diff := cmp.Diff(want, windows); diff != "" {
		t.Errorf("windows mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateSlidingWindows(t *testing.T) {
	windows, err := CreateSlidingWindows(0, 20, 10, 5)
	require.NoError(t, err)
	require.Len(t, windows, 4)
	assert.Equal(t, Window{Type: SlidingWindow, Start: 5, Stop: 15}, windows[1])
	assert.Equal(t, Window{Type: SlidingWindow, Start: 15, Stop: 20}, windows[3])

	_, err = CreateSlidingWindows(0, 20, 0, 5)
	assert.Error(t, err)
	_, err = CreateTumblingWindows(0, 20, -1)
	assert.Error(t, err)

	windows, err = CreateTumblingWindows(5, 5, 60)
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestCoverage(t *testing.T) {
	windows, err := CreateTumblingWindows(0, 30, 10)
	require.NoError(t, err)

	set := IntervalSet{
		{Start: 2, Stop: 7},
		{Start: 5, Stop: 12},
		{Start: 25, Stop: 25, Open: true},
	}
	got := Coverage(set, windows)
	want := []float64{0.8, 0.2, 0}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("coverage mismatch (-want +got):\n%s", diff)
	}
}
