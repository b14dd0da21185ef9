package aggregate

import "math"

// Percentile returns the p-th percentile (0..100) of sorted, linearly
// interpolating between the two nearest ranks. sorted must be ascending;
// it is not checked. An empty slice yields 0 and p is clamped to [0, 100].
func Percentile(sorted []int32, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	maxIndex := n - 1
	pos := float64(maxIndex) * p / 100
	lower := clampIndex(int(math.Floor(pos)), maxIndex)
	upper := clampIndex(int(math.Ceil(pos)), maxIndex)

	if lower == upper {
		return float64(sorted[lower])
	}

	// lower and upper are adjacent here, so the fraction is pos - lower.
	frac := pos - float64(lower)
	lo, hi := float64(sorted[lower]), float64(sorted[upper])
	return lo + frac*(hi-lo)
}

func clampIndex(i, maxIndex int) int {
	if i < 0 {
		return 0
	}
	if i > maxIndex {
		return maxIndex
	}
	return i
}
