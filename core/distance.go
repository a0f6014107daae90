package core

import "math"

// MaxAngularDistance is the upper bound of AngularDistance.
const MaxAngularDistance = 2.0

func checkPair(a, b []float32) {
	if len(a) == 0 || len(b) == 0 {
		panic("vectors must not be empty")
	}
	if len(a) != len(b) {
		panic("vectors must have the same length")
	}
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [-1, 1]. A zero vector is treated as orthogonal to everything.
func CosineSimilarity(a, b []float32) float64 {
	checkPair(a, b)
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, cos))
}

// AngularDistance computes the Euclidean distance between the normalized
// vectors, sqrt(2 - 2cos). The result is bounded in [0, 2].
func AngularDistance(a, b []float32) float64 {
	d := 2 - 2*CosineSimilarity(a, b)
	if d < 0 {
		d = 0
	}
	return math.Sqrt(d)
}
