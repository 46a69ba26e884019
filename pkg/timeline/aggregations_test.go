package timeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	bouts := IntervalSet{
		{Start: 0, Stop: 10},
		{Start: 15, Stop: 35},
		{Start: 40, Stop: 70},
		{Start: 80, Stop: 120},
		{Start: 130, Stop: 130, Open: true},
	}

	tests := []struct {
		name       string
		aggType    AggregationType
		percentile float64
		expected   float64
	}{
		{"sum", Sum, 0, 100.0},
		{"avg", Avg, 0, 25.0},
		{"min", Min, 0, 10.0},
		{"max", Max, 0, 40.0},
		{"count", Count, 0, 4.0},
		{"median", Median, 0, 25.0},
		{"90th percentile", Percentile, 90.0, 37.0},
		{"variance", Variance, 0, 125.0},
		{"stddev", StdDev, 0, math.Sqrt(125.0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Aggregate(bouts, tt.aggType, tt.percentile)
			assert.InDelta(t, tt.expected, result.Value, 1e-9)
			assert.Equal(t, 4, result.Count)
			assert.Equal(t, tt.aggType, result.Type)
		})
	}
}

func TestAggregateEmpty(t *testing.T) {
	result := Aggregate(IntervalSet{{Start: 1, Stop: 1, Open: true}}, Avg, 0)
	assert.Equal(t, 0, result.Count)
	assert.Zero(t, result.Value)
}

func TestSummarize(t *testing.T) {
	s := Summarize(IntervalSet{
		{Start: 1, Stop: 2},
		{Start: 3, Stop: 6},
		{Start: 8, Stop: 8, Open: true},
	})
	assert.Equal(t, 2, s.Bouts)
	assert.Equal(t, 1, s.OpenBouts)
	assert.InDelta(t, 4.0, s.Total, 1e-12)
	assert.InDelta(t, 2.0, s.Mean, 1e-12)
	assert.InDelta(t, 2.0, s.Median, 1e-12)
	assert.InDelta(t, 3.0, s.Longest, 1e-12)
	assert.InDelta(t, 1.0, s.StdDev, 1e-12)

	assert.Equal(t, Summary{}, Summarize(nil))
}
