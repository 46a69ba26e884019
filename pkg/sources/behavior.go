package sources

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

// FreezingActive is the ezTrack "Freezing" value of a freezing frame
const FreezingActive = 100.0

// Sleep state labels written by the sleep classifier
const (
	SleepQuietWake = "quiet wake"
	SleepREM       = "rem"
	SleepSWS       = "sws"
	SleepWake      = "wake"
)

// FreezingIntervals derives freezing epochs from an ezTrack FreezingOutput.csv.
// A dropped leading bout is logged to Logger, or slog.Default when nil.
type FreezingIntervals struct {
	Path     string
	Rate     float64
	Leading  timeline.LeadingPolicy
	Trailing timeline.TrailingPolicy
	Logger   *slog.Logger
}

// Intervals implements stream.IntervalSource
func (f FreezingIntervals) Intervals(ctx context.Context) (timeline.IntervalSet, error) {
	t, err := readTable(f.Path)
	if err != nil {
		return nil, err
	}
	frames, err := t.floats("Frame")
	if err != nil {
		return nil, err
	}
	freezing, err := t.floats("Freezing")
	if err != nil {
		return nil, err
	}
	set, err := timeline.FromTransitions(frames, freezing, FreezingActive, f.Rate, f.Leading, f.Trailing)
	if err != nil {
		return nil, fileError(f.Path, err)
	}
	if f.Leading != timeline.LeadingClose && f.Leading != timeline.LeadingOpen && timeline.StartsActive(freezing, FreezingActive) {
		logger := f.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("Dropped freezing bout already active at the first frame",
			"path", f.Path, "first_frame", frames[0], "leading_intervals", timeline.LeadingDrop)
	}
	return set, nil
}

// FreezingMotion is the per-frame ezTrack motion series. It is sampled at the
// video rate and starts at the first frame of the file.
type FreezingMotion struct {
	Path string
	Hz   float64
}

// StartingTime implements stream.StartingTimeSource
func (f FreezingMotion) StartingTime(ctx context.Context) (float64, error) {
	if f.Hz <= 0 {
		return 0, fileError(f.Path, fmt.Errorf("video sampling frequency must be positive, got %g", f.Hz))
	}
	t, err := readTable(f.Path)
	if err != nil {
		return 0, err
	}
	frames, err := t.floats("Frame")
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, fileError(f.Path, fmt.Errorf("no frames"))
	}
	return frames[0] / f.Hz, nil
}

// Rate implements stream.StartingTimeSource
func (f FreezingMotion) Rate() float64 {
	return f.Hz
}

// Motion returns the motion value of every frame
func (f FreezingMotion) Motion(stubFrames int) ([]float64, error) {
	t, err := readTable(f.Path)
	if err != nil {
		return nil, err
	}
	motion, err := t.floats("Motion")
	if err != nil {
		return nil, err
	}
	return stub(motion, stubFrames), nil
}

// FreezingParameters are the ezTrack settings repeated on every row of the output
type FreezingParameters struct {
	File              string
	MotionCutoff      string
	FreezeThreshold   string
	MinFreezeDuration string
}

// Parameters reads the ezTrack run parameters from the first row
func (f FreezingMotion) Parameters() (FreezingParameters, error) {
	var params FreezingParameters
	t, err := readTable(f.Path)
	if err != nil {
		return params, err
	}
	for column, dst := range map[string]*string{
		"File":              &params.File,
		"MotionCutoff":      &params.MotionCutoff,
		"FreezeThresh":      &params.FreezeThreshold,
		"MinFreezeDuration": &params.MinFreezeDuration,
	} {
		if !t.has(column) {
			continue
		}
		v, err := t.first(column)
		if err != nil {
			return params, err
		}
		*dst = v
	}
	return params, nil
}

// Description summarizes the ezTrack parameters for the interval table
func (p FreezingParameters) Description() string {
	return fmt.Sprintf("Freezing behavior intervals generated using EzTrack software for file %s. "+
		"Parameters used include a motion cutoff of %s, freeze threshold of %s, "+
		"and a minimum freeze duration of %s.", p.File, p.MotionCutoff, p.FreezeThreshold, p.MinFreezeDuration)
}

// SleepIntervals derives one labeled interval per run of equal sleep states
// from an AlignedSleep.csv with "Frame" and "SleepState" columns.
type SleepIntervals struct {
	Path     string
	Rate     float64
	Trailing timeline.TrailingPolicy
}

// Intervals implements stream.IntervalSource
func (s SleepIntervals) Intervals(ctx context.Context) (timeline.IntervalSet, error) {
	frames, states, err := readSleep(s.Path)
	if err != nil {
		return nil, err
	}
	set, err := timeline.StateRuns(frames, states, s.Rate, s.Trailing)
	if err != nil {
		return nil, fileError(s.Path, err)
	}
	return set, nil
}

// SleepEvents exposes every classified frame as a labeled event
type SleepEvents struct {
	Path string
	Rate float64
}

// Timestamps implements stream.TimestampSource
func (s SleepEvents) Timestamps(ctx context.Context) ([]float64, error) {
	if s.Rate <= 0 {
		return nil, fileError(s.Path, fmt.Errorf("sampling rate must be positive, got %g", s.Rate))
	}
	frames, _, err := readSleep(s.Path)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(frames))
	for i, f := range frames {
		out[i] = f / s.Rate
	}
	return out, nil
}

// Labels returns the sleep state of every frame
func (s SleepEvents) Labels() ([]string, error) {
	_, states, err := readSleep(s.Path)
	return states, err
}

func readSleep(path string) ([]float64, []string, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, nil, err
	}
	frames, err := t.floats("Frame")
	if err != nil {
		return nil, nil, err
	}
	states, err := t.strings("SleepState")
	if err != nil {
		return nil, nil, err
	}
	return frames, states, nil
}
