package timeline

import (
	"fmt"
)

// Interval represents a period of session time, in seconds, during which a
// behavioral or physiological state was active.
type Interval struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Label string  `json:"label,omitempty"`
	// Open marks an interval whose state was still active when the data ended.
	Open bool `json:"open,omitempty"`
}

// Duration returns the length of the interval in seconds
func (i Interval) Duration() float64 {
	return i.Stop - i.Start
}

// IntervalSet is an ordered list of intervals
type IntervalSet []Interval

// Starts returns the start times of every interval
func (s IntervalSet) Starts() []float64 {
	out := make([]float64, len(s))
	for i, interval := range s {
		out[i] = interval.Start
	}
	return out
}

// Stops returns the stop times of every interval
func (s IntervalSet) Stops() []float64 {
	out := make([]float64, len(s))
	for i, interval := range s {
		out[i] = interval.Stop
	}
	return out
}

// Labels returns the label of every interval
func (s IntervalSet) Labels() []string {
	out := make([]string, len(s))
	for i, interval := range s {
		out[i] = interval.Label
	}
	return out
}

// Clone returns an independent copy of the set
func (s IntervalSet) Clone() IntervalSet {
	if s == nil {
		return nil
	}
	out := make(IntervalSet, len(s))
	copy(out, s)
	return out
}

// TrailingPolicy decides what happens to an interval whose state is still
// active when the recording ends.
type TrailingPolicy string

const (
	// TrailingClose closes the interval at the last sample.
	TrailingClose TrailingPolicy = "close"
	// TrailingDrop discards the unmatched interval.
	TrailingDrop TrailingPolicy = "drop"
	// TrailingOpen keeps the interval, stops it at the last sample and flags it Open.
	TrailingOpen TrailingPolicy = "open"
)

// ParseTrailingPolicy converts a config string into a TrailingPolicy.
// An empty string selects TrailingClose.
func ParseTrailingPolicy(s string) (TrailingPolicy, error) {
	switch TrailingPolicy(s) {
	case "":
		return TrailingClose, nil
	case TrailingClose, TrailingDrop, TrailingOpen:
		return TrailingPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown trailing interval policy %q (want close, drop or open)", s)
	}
}

// LeadingPolicy decides what happens to an interval whose state is already
// active at the first sample, so its onset was never recorded.
type LeadingPolicy string

const (
	// LeadingDrop discards the interval. A bout needs an observed onset.
	LeadingDrop LeadingPolicy = "drop"
	// LeadingClose starts the interval at the first sample.
	LeadingClose LeadingPolicy = "close"
	// LeadingOpen starts the interval at the first sample and flags it Open.
	LeadingOpen LeadingPolicy = "open"
)

// ParseLeadingPolicy converts a config string into a LeadingPolicy.
// An empty string selects LeadingDrop.
func ParseLeadingPolicy(s string) (LeadingPolicy, error) {
	switch LeadingPolicy(s) {
	case "":
		return LeadingDrop, nil
	case LeadingClose, LeadingDrop, LeadingOpen:
		return LeadingPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown leading interval policy %q (want drop, close or open)", s)
	}
}
