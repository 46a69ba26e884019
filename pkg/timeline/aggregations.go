package timeline

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// AggregationType names a statistic over interval durations
type AggregationType string

const (
	Sum        AggregationType = "sum"
	Avg        AggregationType = "avg"
	Min        AggregationType = "min"
	Max        AggregationType = "max"
	Count      AggregationType = "count"
	StdDev     AggregationType = "stddev"
	Variance   AggregationType = "variance"
	Percentile AggregationType = "percentile"
	Median     AggregationType = "median"
)

// AggregationResult is one statistic over the closed intervals of a set
type AggregationResult struct {
	Type  AggregationType `json:"type"`
	Value float64         `json:"value"`
	Count int             `json:"count"`
}

// Summary describes the bouts of a behavior, e.g. freezing
type Summary struct {
	Bouts     int     `json:"bouts"`
	Total     float64 `json:"total_seconds"`
	Mean      float64 `json:"mean_seconds"`
	Median    float64 `json:"median_seconds"`
	Longest   float64 `json:"longest_seconds"`
	StdDev    float64 `json:"stddev_seconds"`
	OpenBouts int     `json:"open_bouts,omitempty"`
}

// Durations returns the durations of the closed intervals. Open intervals
// have no stop and are left out.
func Durations(set IntervalSet) []float64 {
	out := make([]float64, 0, len(set))
	for _, iv := range set {
		if !iv.Open {
			out = append(out, iv.Duration())
		}
	}
	return out
}

// Aggregate computes one statistic over the interval durations. percentile
// is only used by Percentile and is in [0, 100].
func Aggregate(set IntervalSet, aggType AggregationType, percentile float64) AggregationResult {
	values := Durations(set)
	result := AggregationResult{Type: aggType, Count: len(values)}
	if len(values) == 0 {
		return result
	}

	switch aggType {
	case Sum:
		result.Value = floats.Sum(values)
	case Avg:
		result.Value = stat.Mean(values, nil)
	case Min:
		result.Value = floats.Min(values)
	case Max:
		result.Value = floats.Max(values)
	case Count:
		result.Value = float64(len(values))
	case StdDev:
		result.Value = math.Sqrt(populationVariance(values))
	case Variance:
		result.Value = populationVariance(values)
	case Percentile:
		result.Value = percentileValues(values, percentile)
	case Median:
		result.Value = percentileValues(values, 50)
	}
	return result
}

// Summarize describes the bouts of an interval set
func Summarize(set IntervalSet) Summary {
	values := Durations(set)
	s := Summary{Bouts: len(values), OpenBouts: len(set) - len(values)}
	if len(values) == 0 {
		return s
	}
	s.Total = floats.Sum(values)
	s.Mean = stat.Mean(values, nil)
	s.Median = percentileValues(values, 50)
	s.Longest = floats.Max(values)
	s.StdDev = math.Sqrt(populationVariance(values))
	return s
}

func populationVariance(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	return stat.Variance(values, nil) * (n - 1) / n
}

// percentileValues interpolates linearly between the closest ranks
func percentileValues(values []float64, percentile float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if percentile <= 0 {
		return sorted[0]
	}
	if percentile >= 100 {
		return sorted[len(sorted)-1]
	}

	index := (percentile / 100.0) * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
