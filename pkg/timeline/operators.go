package timeline

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// FromTransitions derives intervals from a numeric state column such as the
// ezTrack "Freezing" flag. A rising step of exactly +active between samples
// i and i+1 starts an interval at frame i+1; a falling step of -active stops
// it at frame i+1. Frames are converted to seconds by dividing by rate.
// A bout already active at the first sample is handled by leading and one
// still active at the last sample by trailing.
func FromTransitions(frames, values []float64, active, rate float64, leading LeadingPolicy, trailing TrailingPolicy) (IntervalSet, error) {
	if len(frames) != len(values) {
		return nil, fmt.Errorf("frame and value columns differ in length: %d != %d", len(frames), len(values))
	}
	if rate <= 0 {
		return nil, fmt.Errorf("sampling rate must be positive, got %g", rate)
	}
	if len(values) == 0 {
		return IntervalSet{}, nil
	}

	intervals := IntervalSet{}
	inside := false
	open := false
	var startFrame float64

	if (leading == LeadingClose || leading == LeadingOpen) && StartsActive(values, active) {
		inside = true
		open = leading == LeadingOpen
		startFrame = frames[0]
	}

	for i := 0; i+1 < len(values); i++ {
		diff := values[i+1] - values[i]
		switch {
		case diff == active && !inside:
			inside = true
			open = false
			startFrame = frames[i+1]
		case diff == -active && inside:
			inside = false
			intervals = append(intervals, Interval{
				Start: startFrame / rate,
				Stop:  frames[i+1] / rate,
				Open:  open,
			})
		}
	}

	if inside {
		last := frames[len(frames)-1] / rate
		switch trailing {
		case TrailingDrop:
		case TrailingOpen:
			intervals = append(intervals, Interval{Start: startFrame / rate, Stop: last, Open: true})
		default:
			intervals = append(intervals, Interval{Start: startFrame / rate, Stop: last, Open: open})
		}
	}

	return intervals, nil
}

// StartsActive reports whether the state column is active at its first
// sample: its first step of size active is falling, or it never steps and
// starts at active.
func StartsActive(values []float64, active float64) bool {
	for i := 0; i+1 < len(values); i++ {
		switch values[i+1] - values[i] {
		case active:
			return false
		case -active:
			return true
		}
	}
	return len(values) > 0 && values[0] == active
}

// StateRuns derives one labeled interval per run of equal labels, such as the
// sleep classification "SleepState" column. Each interval starts at the first
// frame of its run and stops at the last frame of the run.
//
// The final run always ends at the last sample, so the trailing policy only
// matters when it is TrailingDrop (the final run is discarded) or TrailingOpen
// (the final run is flagged Open).
func StateRuns(frames []float64, labels []string, rate float64, policy TrailingPolicy) (IntervalSet, error) {
	if len(frames) != len(labels) {
		return nil, fmt.Errorf("frame and label columns differ in length: %d != %d", len(frames), len(labels))
	}
	if rate <= 0 {
		return nil, fmt.Errorf("sampling rate must be positive, got %g", rate)
	}
	if len(labels) == 0 {
		return IntervalSet{}, nil
	}

	intervals := IntervalSet{}
	runStart := 0
	for i := 1; i <= len(labels); i++ {
		if i < len(labels) && labels[i] == labels[runStart] {
			continue
		}
		interval := Interval{
			Start: frames[runStart] / rate,
			Stop:  frames[i-1] / rate,
			Label: labels[runStart],
		}
		if i == len(labels) {
			switch policy {
			case TrailingDrop:
				return intervals, nil
			case TrailingOpen:
				interval.Open = true
			}
		}
		intervals = append(intervals, interval)
		runStart = i
	}

	return intervals, nil
}

// Shift returns a copy of the set with every start and stop moved by offset seconds
func Shift(set IntervalSet, offset float64) IntervalSet {
	if set == nil {
		return nil
	}
	starts := set.Starts()
	stops := set.Stops()
	floats.AddConst(offset, starts)
	floats.AddConst(offset, stops)

	out := set.Clone()
	for i := range out {
		out[i].Start = starts[i]
		out[i].Stop = stops[i]
	}
	return out
}

// TotalDuration sums the duration of every interval in the set
func TotalDuration(set IntervalSet) float64 {
	var total float64
	for _, interval := range set {
		total += interval.Duration()
	}
	return total
}

// Filter returns the intervals carrying the given label
func Filter(set IntervalSet, label string) IntervalSet {
	out := IntervalSet{}
	for _, interval := range set {
		if interval.Label == label {
			out = append(out, interval)
		}
	}
	return out
}

// LongestInterval returns the longest interval and false when the set is empty
func LongestInterval(set IntervalSet) (Interval, bool) {
	if len(set) == 0 {
		return Interval{}, false
	}
	longest := set[0]
	for _, interval := range set[1:] {
		if interval.Duration() > longest.Duration() {
			longest = interval
		}
	}
	return longest, true
}

// Merge combines overlapping or adjacent intervals that share a label
func Merge(set IntervalSet) IntervalSet {
	if len(set) == 0 {
		return IntervalSet{}
	}

	sorted := set.Clone()
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Label != sorted[j].Label {
			return sorted[i].Label < sorted[j].Label
		}
		return sorted[i].Start < sorted[j].Start
	})

	var merged IntervalSet
	current := sorted[0]
	for _, next := range sorted[1:] {
		if next.Label == current.Label && next.Start <= current.Stop {
			if next.Stop > current.Stop {
				current.Stop = next.Stop
			}
			current.Open = current.Open || next.Open
			continue
		}
		merged = append(merged, current)
		current = next
	}
	merged = append(merged, current)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Start < merged[j].Start
	})
	return merged
}

// Validate reports every position where start[i] <= stop[i] <= start[i+1]
// does not hold. Violations are returned, not corrected.
func Validate(set IntervalSet) []error {
	var problems []error
	for i, interval := range set {
		if interval.Start > interval.Stop {
			problems = append(problems, fmt.Errorf("interval %d: start %g after stop %g", i, interval.Start, interval.Stop))
		}
		if i+1 < len(set) && interval.Stop > set[i+1].Start {
			problems = append(problems, fmt.Errorf("interval %d: stop %g after next start %g", i, interval.Stop, set[i+1].Start))
		}
	}
	return problems
}
