package extract

import (
	"image"
	"sort"
)

// keypoint is a detected corner.
type keypoint struct {
	X, Y  int
	Score int
	Angle float64
}

// Bresenham circle of radius 3 used by the FAST segment test.
var circle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

const arcLength = 9

// border keeps keypoints far enough from the edge for the rotated patch.
const border = patchRadius + 4

// detect runs FAST-9 with non-maximum suppression and returns at most limit
// corners, strongest first.
func detect(g *image.Gray, threshold, limit int) []keypoint {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w <= 2*border || h <= 2*border {
		return nil
	}

	scores := make([]int, w*h)
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			scores[y*w+x] = cornerScore(g, x, y, threshold)
		}
	}

	var kps []keypoint
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			s := scores[y*w+x]
			if s == 0 || !isLocalMax(scores, w, x, y, s) {
				continue
			}
			kps = append(kps, keypoint{X: x, Y: y, Score: s})
		}
	}

	sort.SliceStable(kps, func(i, j int) bool { return kps[i].Score > kps[j].Score })
	if len(kps) > limit {
		kps = kps[:limit]
	}
	for i := range kps {
		kps[i].Angle = orientation(g, kps[i].X, kps[i].Y)
	}
	return kps
}

// cornerScore returns 0 when (x, y) fails the segment test, otherwise the sum
// of absolute differences of the circle pixels beyond the threshold.
func cornerScore(g *image.Gray, x, y, threshold int) int {
	p := int(g.Pix[y*g.Stride+x])
	hi, lo := p+threshold, p-threshold

	// High-speed rejection on the four compass points.
	var brighter, darker int
	for _, i := range [4]int{0, 4, 8, 12} {
		v := int(g.Pix[(y+circle[i][1])*g.Stride+x+circle[i][0]])
		if v > hi {
			brighter++
		} else if v < lo {
			darker++
		}
	}
	if brighter < 2 && darker < 2 {
		return 0
	}

	var ring [16]int
	for i, c := range circle {
		ring[i] = int(g.Pix[(y+c[1])*g.Stride+x+c[0]])
	}
	if !hasArc(ring, func(v int) bool { return v > hi }) &&
		!hasArc(ring, func(v int) bool { return v < lo }) {
		return 0
	}

	score := 0
	for _, v := range ring {
		if d := v - p; d > threshold {
			score += d - threshold
		} else if d < -threshold {
			score += -d - threshold
		}
	}
	return max(score, 1)
}

// hasArc reports whether at least arcLength contiguous ring pixels, with
// wrap-around, satisfy pred.
func hasArc(ring [16]int, pred func(int) bool) bool {
	run := 0
	for i := 0; i < len(ring)+arcLength-1; i++ {
		if pred(ring[i%len(ring)]) {
			run++
			if run >= arcLength {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// isLocalMax is 3x3 non-maximum suppression. Ties keep the first pixel in
// scan order.
func isLocalMax(scores []int, w, x, y, s int) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := scores[(y+dy)*w+x+dx]
			if n > s || (n == s && (dy < 0 || (dy == 0 && dx < 0))) {
				return false
			}
		}
	}
	return true
}
