package facematch

import "math"

// Distance computes the Euclidean distance between two embeddings.
// Accumulation happens in float64 in index order, so the result is
// deterministic and symmetric. Callers must check dimensions first.
func Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Confidence maps a distance to [0, 1]: 1 at distance 0, falling linearly to 0 at
// the tolerance and staying 0 beyond it.
func Confidence(distance, tolerance float64) float64 {
	if tolerance <= 0 {
		return 0
	}
	return max(0, 1-distance/tolerance)
}
