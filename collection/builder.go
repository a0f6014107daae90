package collection

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/patrikhermansson/pinmatch/extract"
	"github.com/patrikhermansson/pinmatch/store"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// Options tune a build.
type Options struct {
	Workers       int
	ProgressEvery int
	ShowProgress  bool
}

// DefaultOptions extracts on every CPU and logs every 100 images.
func DefaultOptions() Options {
	return Options{Workers: runtime.NumCPU(), ProgressEvery: 100}
}

// Report summarizes a build.
type Report struct {
	Scanned  int           `json:"scanned"`
	Indexed  int           `json:"images_indexed"`
	Empty    int           `json:"empty"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Builder produces descriptor stores from a Source.
type Builder struct {
	src  Source
	ex   extract.Extractor
	opts Options
}

// NewBuilder returns a builder reading from src and extracting with ex.
func NewBuilder(src Source, ex extract.Extractor, opts Options) *Builder {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Builder{src: src, ex: ex, opts: opts}
}

// Source returns the collection the builder reads.
func (b *Builder) Source() Source {
	return b.src
}

type extracted struct {
	set  descriptor.Set
	meta store.Metadata
	ok   bool
}

// Build extracts every image into a new store. Images that fail to read or
// decode are logged and skipped, as are images without features. A build
// that stores no image fails with ErrNoImages.
func (b *Builder) Build(ctx context.Context) (*store.Store, Report, error) {
	start := time.Now()
	entries, err := b.src.List(ctx)
	if err != nil {
		return nil, Report{}, err
	}
	report := Report{Scanned: len(entries)}
	log.Info().Msgf("Processing %d images from %s with %d workers", len(entries), b.src.Root(), b.opts.Workers)

	out := make([]extracted, len(entries))
	var done, failed atomic.Int64
	bar := newBar(len(entries), b.opts.ShowProgress, "extracting")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for i, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = b.extract(e, &failed)
			_ = bar.Add(1)
			if n := done.Add(1); b.opts.ProgressEvery > 0 && n%int64(b.opts.ProgressEvery) == 0 {
				log.Info().Msgf("Processed %d/%d images", n, len(entries))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, report, err
	}

	st := store.New()
	for i, e := range entries {
		switch {
		case !out[i].ok:
		case len(out[i].set) == 0:
			report.Empty++
		default:
			st.Put(e.Key, out[i].set, out[i].meta)
		}
	}
	report.Failed = int(failed.Load())
	report.Indexed = st.Len()
	report.Duration = time.Since(start)

	if report.Indexed == 0 {
		return nil, report, fmt.Errorf("%w under %s (%d scanned, %d failed, %d without features)",
			ErrNoImages, b.src.Root(), report.Scanned, report.Failed, report.Empty)
	}
	log.Info().Msgf("Collection built: %d images, %d descriptors in %s (%d failed, %d without features)",
		report.Indexed, st.TotalDescriptors(), report.Duration.Round(time.Millisecond), report.Failed, report.Empty)
	return st, report, nil
}

func (b *Builder) extract(e Entry, failed *atomic.Int64) extracted {
	data, err := b.src.Read(e)
	if err != nil {
		failed.Add(1)
		log.Error().Err(err).Msgf("Cannot read %s", e.Path)
		return extracted{}
	}
	res, err := b.ex.Extract(data)
	if err != nil {
		failed.Add(1)
		log.Error().Err(err).Msgf("Cannot process %s", e.Path)
		return extracted{}
	}
	log.Debug().Msgf("Processed %s (%d features)", e.Key, len(res.Descriptors))
	return extracted{
		set: res.Descriptors,
		meta: store.Metadata{
			Filename: path.Base(e.Key),
			Path:     e.Path,
			Width:    res.Width,
			Height:   res.Height,
		},
		ok: true,
	}
}

func newBar(n int, show bool, description string) *progressbar.ProgressBar {
	if !show {
		return progressbar.NewOptions(n, progressbar.OptionSetWriter(io.Discard))
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
	)
}
