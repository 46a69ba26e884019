package stream

import (
	"context"

	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

// Timestamps is an in-memory TimestampSource
type Timestamps []float64

// Timestamps implements TimestampSource
func (t Timestamps) Timestamps(ctx context.Context) ([]float64, error) {
	return cloneFloats(t), nil
}

// Intervals is an in-memory IntervalSource
type Intervals timeline.IntervalSet

// Intervals implements IntervalSource
func (i Intervals) Intervals(ctx context.Context) (timeline.IntervalSet, error) {
	return timeline.IntervalSet(i).Clone(), nil
}

// FixedRate is an in-memory StartingTimeSource
type FixedRate struct {
	Start float64
	Hz    float64
}

// StartingTime implements StartingTimeSource
func (f FixedRate) StartingTime(ctx context.Context) (float64, error) {
	return f.Start, nil
}

// Rate implements StartingTimeSource
func (f FixedRate) Rate() float64 {
	return f.Hz
}
