// Package stats implements the statistics the aggregation pipeline
// computes over raw measurement samples.
//
// The percentile definition is the continuous one: linear interpolation
// between order statistics (the behavior of SQL percentile_cont). The
// in-process path and the relational backends must produce the same
// figure for the same data, so nothing approximate lives here.
package stats

import (
	"math"
	"sort"
)

// Box is a five-number summary used directly as box-plot input.
type Box struct {
	WhisLo float64 // lower whisker (minimum)
	Q1     float64 // first quartile
	Med    float64 // median
	Q3     float64 // third quartile
	WhisHi float64 // upper whisker (maximum)
}

// Percentile returns the p-th percentile (0 <= p <= 1) of values using
// linear interpolation between closest ranks. The second return value is
// false when values is empty or p is out of range.
func Percentile(values []float64, p float64) (float64, bool) {
	if len(values) == 0 || p < 0 || p > 1 || math.IsNaN(p) {
		return 0, false
	}
	if len(values) == 1 {
		return values[0], true
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo], true
	}

	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac, true
}

// Median returns the median of values, or false for an empty slice.
func Median(values []float64) (float64, bool) {
	return Percentile(values, 0.5)
}

// Mean returns the arithmetic mean of values, or false for an empty slice.
func Mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

// Stddev returns the sample standard deviation of values (n-1 in the
// denominator, matching SQL stddev_samp). It is undefined for fewer than
// two samples.
func Stddev(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}

	mean, _ := Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1)), true
}

// Summary returns a five-number box summary of values: minimum, the three
// quartiles and maximum. It is undefined for an empty slice.
func Summary(values []float64) (Box, bool) {
	if len(values) == 0 {
		return Box{}, false
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1, _ := Percentile(sorted, 0.25)
	med, _ := Percentile(sorted, 0.50)
	q3, _ := Percentile(sorted, 0.75)

	return Box{
		WhisLo: sorted[0],
		Q1:     q1,
		Med:    med,
		Q3:     q3,
		WhisHi: sorted[len(sorted)-1],
	}, true
}
