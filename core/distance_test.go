package core

import (
	"math"
	"testing"
)

// almostEqual compares two floating-point values with a tolerance.
func almostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) < epsilon
}

func TestAngularDistance(t *testing.T) {
	tests := []struct {
		name   string
		a, b   []float32
		cosine float64
		want   float64
	}{
		{"identical", []float32{1, 2, 3, 4}, []float32{1, 2, 3, 4}, 1, 0},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1, 0},
		{"reversed", []float32{1, 2, 3, 4, 5, 6}, []float32{6, 5, 4, 3, 2, 1}, 56.0 / 91.0, math.Sqrt(2 - 2*56.0/91.0)},
		{"orthogonal", []float32{1, 0, 0, 1}, []float32{0, 1, 1, 0}, 0, math.Sqrt2},
		{"antiparallel", []float32{1, 1}, []float32{-1, -1}, -1, MaxAngularDistance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); !almostEqual(got, tt.cosine, 1e-6) {
				t.Errorf("CosineSimilarity = %v; want %v", got, tt.cosine)
			}
			got := AngularDistance(tt.a, tt.b)
			if !almostEqual(got, tt.want, 1e-6) {
				t.Errorf("AngularDistance = %v; want %v", got, tt.want)
			}
			if got < 0 || got > MaxAngularDistance {
				t.Errorf("AngularDistance %v outside [0, %v]", got, MaxAngularDistance)
			}
		})
	}
}

func TestAngularDistanceZeroVector(t *testing.T) {
	zero := []float32{0, 0, 0}
	other := []float32{1, 2, 3}
	if d := AngularDistance(zero, other); !almostEqual(d, math.Sqrt2, 1e-9) {
		t.Errorf("AngularDistance with zero vector = %v; want sqrt(2)", d)
	}
}

func TestDistancePanicsOnMismatchedLength(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected panic for mismatched vector lengths")
		}
	}()
	AngularDistance([]float32{1, 2}, []float32{1})
}
