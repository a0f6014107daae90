package extract

import (
	"image"
	"math"
	"math/rand"

	"github.com/patrikhermansson/pinmatch/descriptor"
)

const (
	patchRadius = 15
	bits        = descriptor.DefaultSize * 8
)

// pair is one intensity comparison of the BRIEF test pattern, as offsets
// from the keypoint in the unrotated frame.
type pair struct {
	x1, y1, x2, y2 float64
}

// newPattern samples the comparison pairs from an isotropic Gaussian clipped
// to the patch.
func newPattern(rnd *rand.Rand) []pair {
	sigma := float64(2*patchRadius+1) / 5
	sample := func() float64 {
		v := rnd.NormFloat64() * sigma
		return math.Max(-patchRadius, math.Min(patchRadius, math.Round(v)))
	}
	out := make([]pair, bits)
	for i := range out {
		out[i] = pair{sample(), sample(), sample(), sample()}
	}
	return out
}

// orientation is the angle of the intensity centroid of the circular patch
// around (cx, cy).
func orientation(g *image.Gray, cx, cy int) float64 {
	var m01, m10 float64
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			if dx*dx+dy*dy > patchRadius*patchRadius {
				continue
			}
			v := float64(g.Pix[(cy+dy)*g.Stride+cx+dx])
			m10 += float64(dx) * v
			m01 += float64(dy) * v
		}
	}
	return math.Atan2(m01, m10)
}

// describe computes one descriptor per keypoint on a smoothed copy of g.
func (o *ORB) describe(g *image.Gray, kps []keypoint) descriptor.Set {
	smooth := boxBlur(g, 2)
	w, h := smooth.Rect.Dx(), smooth.Rect.Dy()
	at := func(x, y float64) int {
		xi := min(max(int(math.Round(x)), 0), w-1)
		yi := min(max(int(math.Round(y)), 0), h-1)
		return int(smooth.Pix[yi*smooth.Stride+xi])
	}

	set := make(descriptor.Set, len(kps))
	for i, kp := range kps {
		sin, cos := math.Sincos(kp.Angle)
		d := make(descriptor.Descriptor, descriptor.DefaultSize)
		cx, cy := float64(kp.X), float64(kp.Y)
		for b, p := range o.pattern {
			x1 := cx + p.x1*cos - p.y1*sin
			y1 := cy + p.x1*sin + p.y1*cos
			x2 := cx + p.x2*cos - p.y2*sin
			y2 := cy + p.x2*sin + p.y2*cos
			if at(x1, y1) < at(x2, y2) {
				d[b/8] |= 1 << (b % 8)
			}
		}
		set[i] = d
	}
	return set
}

// boxBlur returns a copy of g averaged over a (2r+1)x(2r+1) window, computed
// with a summed-area table. Windows are clipped at the border.
func boxBlur(g *image.Gray, r int) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	sat := make([]int, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		rowSum := 0
		for x := 0; x < w; x++ {
			rowSum += int(g.Pix[y*g.Stride+x])
			sat[(y+1)*(w+1)+x+1] = sat[y*(w+1)+x+1] + rowSum
		}
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := max(y-r, 0), min(y+r+1, h)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-r, 0), min(x+r+1, w)
			sum := sat[y1*(w+1)+x1] - sat[y0*(w+1)+x1] - sat[y1*(w+1)+x0] + sat[y0*(w+1)+x0]
			out.Pix[y*out.Stride+x] = uint8(sum / ((y1 - y0) * (x1 - x0)))
		}
	}
	return out
}
