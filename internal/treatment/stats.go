package treatment

import (
	"math"
	"sort"
)

// median returns the median of values. The slice is not modified.
func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// percentile returns the pct-th percentile of values using linear
// interpolation between closest ranks. The slice is not modified.
func percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if pct <= 0 {
		return sorted[0]
	}
	if pct >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := pct / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// withinTolerance reports whether b lies within pct percent of a.
func withinTolerance(a, b, pct float64) bool {
	if a == b {
		return true
	}
	ref := math.Abs(a)
	if ref == 0 {
		return math.Abs(b) == 0
	}
	return math.Abs(a-b)/ref*100 <= pct
}
