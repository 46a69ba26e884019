package timeline

import (
	"fmt"
	"math"
)

// WindowType represents the type of window
type WindowType string

const (
	TumblingWindow WindowType = "tumbling"
	SlidingWindow  WindowType = "sliding"
)

// Window is a half-open range [Start, Stop) of session time in seconds
type Window struct {
	Type  WindowType `json:"type"`
	Start float64    `json:"start"`
	Stop  float64    `json:"stop"`
}

// CreateSlidingWindows creates windows of size seconds starting every slide
// seconds. The last window is cut at end.
func CreateSlidingWindows(start, end, size, slide float64) ([]Window, error) {
	if size <= 0 || slide <= 0 {
		return nil, fmt.Errorf("window size and slide must be positive, got %g and %g", size, slide)
	}
	var windows []Window
	for i := 0; ; i++ {
		current := start + float64(i)*slide
		if current >= end {
			break
		}
		windows = append(windows, Window{Type: SlidingWindow, Start: current, Stop: math.Min(current+size, end)})
	}
	return windows, nil
}

// CreateTumblingWindows creates non-overlapping windows of size seconds
func CreateTumblingWindows(start, end, size float64) ([]Window, error) {
	windows, err := CreateSlidingWindows(start, end, size, size)
	for i := range windows {
		windows[i].Type = TumblingWindow
	}
	return windows, err
}

// Coverage returns the fraction of each window covered by the set.
// Overlapping intervals are merged first and open intervals are ignored.
func Coverage(set IntervalSet, windows []Window) []float64 {
	var closed IntervalSet
	for _, iv := range set {
		if !iv.Open {
			closed = append(closed, iv)
		}
	}
	merged := Merge(closed)

	out := make([]float64, len(windows))
	for i, w := range windows {
		length := w.Stop - w.Start
		if length <= 0 {
			continue
		}
		var covered float64
		for _, iv := range merged {
			lo, hi := math.Max(iv.Start, w.Start), math.Min(iv.Stop, w.Stop)
			if hi > lo {
				covered += hi - lo
			}
		}
		out[i] = covered / length
	}
	return out
}
