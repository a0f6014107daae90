// Package descriptor defines binary local-feature descriptors and the
// Hamming distance used to compare them.
package descriptor

import (
	"fmt"
	"math/bits"
)

// DefaultSize is the length in bytes of an oriented BRIEF descriptor (256 bits).
const DefaultSize = 32

// Descriptor is a fixed-length binary vector describing one keypoint.
type Descriptor []byte

// Set is the ordered sequence of descriptors extracted from one image.
// An empty Set is valid and simply never matches anything.
type Set []Descriptor

// Len returns the number of descriptors in the set.
func (s Set) Len() int { return len(s) }

// Dimension returns the byte length shared by the descriptors, or 0 for an empty set.
func (s Set) Dimension() int {
	if len(s) == 0 {
		return 0
	}
	return len(s[0])
}

// Validate reports an error when the descriptors do not all have the same length.
func (s Set) Validate() error {
	if len(s) == 0 {
		return nil
	}
	dim := len(s[0])
	if dim == 0 {
		return fmt.Errorf("descriptor 0 is empty")
	}
	for i, d := range s {
		if len(d) != dim {
			return fmt.Errorf("descriptor %d has %d bytes, want %d", i, len(d), dim)
		}
	}
	return nil
}

// Hamming returns the number of differing bits between a and b.
// Both must have the same length.
func Hamming(a, b Descriptor) int {
	n := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		x := uint64(a[i]) | uint64(a[i+1])<<8 | uint64(a[i+2])<<16 | uint64(a[i+3])<<24 |
			uint64(a[i+4])<<32 | uint64(a[i+5])<<40 | uint64(a[i+6])<<48 | uint64(a[i+7])<<56
		y := uint64(b[i]) | uint64(b[i+1])<<8 | uint64(b[i+2])<<16 | uint64(b[i+3])<<24 |
			uint64(b[i+4])<<32 | uint64(b[i+5])<<40 | uint64(b[i+6])<<48 | uint64(b[i+7])<<56
		n += bits.OnesCount64(x ^ y)
	}
	for ; i < len(a); i++ {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}

// Vector casts a descriptor to float32, one component per byte, the way the
// approximate index consumes it.
func (d Descriptor) Vector() []float32 {
	v := make([]float32, len(d))
	for i, b := range d {
		v[i] = float32(b)
	}
	return v
}
