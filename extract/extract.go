// Package extract turns raw image bytes into binary local-feature
// descriptors: FAST-9 corners described with a steered 256-bit BRIEF test
// pattern, 32 bytes per descriptor.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"

	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when the input is not a supported image.
var ErrDecode = errors.New("cannot decode image")

// Extractor produces the descriptor set of one image. Implementations must
// be safe for concurrent use.
type Extractor interface {
	Extract(data []byte) (Result, error)
}

// Result is the output of one extraction. Width and Height are those of the
// decoded image before any resizing.
type Result struct {
	Descriptors descriptor.Set
	Width       int
	Height      int
	Format      string
}

// Options tune the extractor.
type Options struct {
	MaxFeatures   int   `yaml:"max_features"`
	MaxSide       int   `yaml:"max_side"`
	MaxPixels     int   `yaml:"max_pixels"` // larger images are rejected before decoding
	FastThreshold int   `yaml:"fast_threshold"`
	Equalize      bool  `yaml:"equalize"`
	PatternSeed   int64 `yaml:"pattern_seed"`
}

// DefaultOptions returns the settings the reference collection is built with.
func DefaultOptions() Options {
	return Options{
		MaxFeatures:   1000,
		MaxSide:       1000,
		MaxPixels:     50_000_000,
		FastThreshold: 20,
		Equalize:      true,
		PatternSeed:   42,
	}
}

// ORB is the default Extractor.
type ORB struct {
	opts    Options
	pattern []pair
}

// New returns an extractor. The sampling pattern is derived from
// opts.PatternSeed, so descriptors are only comparable between extractors
// built with the same seed.
func New(opts Options) *ORB {
	def := DefaultOptions()
	if opts.MaxFeatures <= 0 {
		opts.MaxFeatures = def.MaxFeatures
	}
	if opts.MaxSide <= 0 {
		opts.MaxSide = def.MaxSide
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = def.MaxPixels
	}
	if opts.FastThreshold <= 0 {
		opts.FastThreshold = def.FastThreshold
	}
	return &ORB{opts: opts, pattern: newPattern(rand.New(rand.NewSource(opts.PatternSeed)))}
}

// Options returns the effective settings.
func (o *ORB) Options() Options {
	return o.opts
}

// Extract decodes data and describes its strongest corners. An image without
// usable corners yields an empty set and no error. Images whose header claims
// more than MaxPixels pixels are rejected with ErrDecode without decoding.
func (o *ORB) Extract(data []byte) (Result, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(o.opts.MaxPixels) {
		return Result{}, fmt.Errorf("%w: %dx%d image exceeds %d pixels",
			ErrDecode, cfg.Width, cfg.Height, o.opts.MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	res := Result{Width: b.Dx(), Height: b.Dy(), Format: format}

	gray := o.prepare(img)
	keypoints := detect(gray, o.opts.FastThreshold, o.opts.MaxFeatures)
	if len(keypoints) == 0 {
		log.Debug().Msgf("No corners found in %dx%d %s image", res.Width, res.Height, format)
		res.Descriptors = descriptor.Set{}
		return res, nil
	}
	res.Descriptors = o.describe(gray, keypoints)
	return res, nil
}

// prepare converts img to an 8-bit grayscale image no larger than MaxSide on
// its longest edge, histogram-equalized if configured.
func (o *ORB) prepare(img image.Image) *image.Gray {
	b := img.Bounds()
	var gray *image.Gray
	if side := max(b.Dx(), b.Dy()); side > o.opts.MaxSide {
		scale := float64(o.opts.MaxSide) / float64(side)
		w := max(1, int(float64(b.Dx())*scale))
		h := max(1, int(float64(b.Dy())*scale))
		gray = image.NewGray(image.Rect(0, 0, w, h))
		xdraw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, b, xdraw.Src, nil)
	} else {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}
	if o.opts.Equalize {
		equalize(gray)
	}
	return gray
}

// equalize spreads the intensity histogram of g over the full 0..255 range.
func equalize(g *image.Gray) {
	var hist [256]int
	w, h := g.Rect.Dx(), g.Rect.Dy()
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for _, v := range row {
			hist[v]++
		}
	}
	total := w * h
	var cdf [256]int
	sum, cdfMin := 0, 0
	for i, n := range hist {
		sum += n
		cdf[i] = sum
		if cdfMin == 0 && sum > 0 {
			cdfMin = sum
		}
	}
	if total == cdfMin {
		// Single intensity; nothing to spread.
		return
	}
	var lut [256]uint8
	for i := range lut {
		if cdf[i] >= cdfMin {
			lut[i] = uint8((cdf[i] - cdfMin) * 255 / (total - cdfMin))
		}
	}
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for i, v := range row {
			row[i] = lut[v]
		}
	}
}
