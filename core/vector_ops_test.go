package core

import (
	"math"
	"testing"
)

func TestNormalizeVector(t *testing.T) {
	tests := []struct {
		vec      []float32
		expected []float32
	}{
		{
			vec: []float32{1, 1, 1, 1, 1, 1, 1, 1},
			expected: []float32{0.353553, 0.353553, 0.353553, 0.353553,
				0.353553, 0.353553, 0.353553, 0.353553},
		},
		{
			vec:      []float32{8, 0, 0, 0, 0, 0, 0, 0},
			expected: []float32{1, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			vec:      []float32{0, 0, 0, 0, 0, 0, 0, 0},
			expected: []float32{0, 0, 0, 0, 0, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		NormalizeVector(tt.vec)

		for i := range tt.vec {
			if math.Abs(float64(tt.vec[i]-tt.expected[i])) > 1e-5 {
				t.Errorf("NormalizeVector failed.\nGot:      %v\nExpected: %v", tt.vec, tt.expected)
				break
			}
		}
	}
}
