// Package annindex assigns every stored descriptor a slot in an approximate
// nearest-neighbor index and translates index hits back to images.
package annindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/patrikhermansson/pinmatch/core"
	"github.com/patrikhermansson/pinmatch/rpt"
	"github.com/patrikhermansson/pinmatch/store"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

var (
	// ErrNoDescriptors is returned when rebuilding from a store with no descriptors.
	ErrNoDescriptors = errors.New("no descriptors to index")

	// ErrNotFound is returned by Load when the persisted index is missing or unreadable.
	ErrNotFound = errors.New("ann index not found")

	// ErrInconsistent is returned by Validate when the slot mapping does not
	// describe the given store.
	ErrInconsistent = errors.New("ann index inconsistent with descriptor store")
)

const formatVersion = 1

// Default artifact names inside a cache directory.
const (
	IndexFile   = "ann.idx"
	MappingFile = "ann_mapping.json"
)

// Paths locates the index file and the slot mapping document.
type Paths struct {
	Index   string
	Mapping string
}

// PathsIn returns the default artifact paths inside dir.
func PathsIn(dir string) Paths {
	return Paths{
		Index:   filepath.Join(dir, IndexFile),
		Mapping: filepath.Join(dir, MappingFile),
	}
}

// Factory creates an empty index for vectors of the given dimension.
type Factory func(dimension int) core.Index

// Options configures index construction.
type Options struct {
	Trees                int
	LeafCapacity         int
	CandidateProjections int
	ParallelThreshold    int
	Seed                 int64
	ProgressEvery        int  // log a progress line every this many images
	ShowProgress         bool // draw a progress bar on stderr
	Factory              Factory
}

// DefaultOptions returns options suited to 32-byte binary descriptors.
func DefaultOptions() Options {
	return Options{
		Trees:                10,
		LeafCapacity:         64,
		CandidateProjections: 3,
		ParallelThreshold:    4096,
		Seed:                 42,
		ProgressEvery:        100,
	}
}

// WithDefaults fills the zero-valued fields from DefaultOptions. Seed,
// ShowProgress and Factory are kept as given.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Trees <= 0 {
		o.Trees = def.Trees
	}
	if o.LeafCapacity <= 0 {
		o.LeafCapacity = def.LeafCapacity
	}
	if o.CandidateProjections <= 0 {
		o.CandidateProjections = def.CandidateProjections
	}
	if o.ParallelThreshold <= 0 {
		o.ParallelThreshold = def.ParallelThreshold
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = def.ProgressEvery
	}
	return o
}

func (o Options) factory() Factory {
	if o.Factory != nil {
		return o.Factory
	}
	return func(dimension int) core.Index {
		return rpt.NewForest(dimension, o.LeafCapacity, o.CandidateProjections, o.ParallelThreshold, o.Seed)
	}
}

// Similarity converts an angular distance in [0, 2] to a similarity in [0, 1].
func Similarity(distance float64) float64 {
	return math.Max(0, 1-distance/core.MaxAngularDistance)
}

// Hit is one index result resolved to its image.
type Hit struct {
	Slot       int
	ImageKey   string
	LocalIndex int
	Distance   float64
	Similarity float64
}

// mapping assigns slots image by image: image i owns the slots
// [Offsets[i], Offsets[i+1]).
type mapping struct {
	Version     int      `json:"version"`
	Dimension   int      `json:"dimension"`
	Trees       int      `json:"trees"`
	Descriptors int      `json:"descriptors"`
	Images      []string `json:"images"`
	Offsets     []int    `json:"offsets"`
}

func (m *mapping) resolve(slot int) (string, int, bool) {
	if slot < 0 || slot >= m.Descriptors {
		return "", 0, false
	}
	i := sort.SearchInts(m.Offsets, slot+1) - 1
	if i < 0 || i >= len(m.Images) {
		return "", 0, false
	}
	return m.Images[i], slot - m.Offsets[i], true
}

// Adapter is a built index plus its slot mapping. It is immutable; a rebuild
// produces a new Adapter.
type Adapter struct {
	index   core.Index
	mapping mapping
}

// Stats summarizes a built adapter.
type Stats struct {
	Images      int
	Descriptors int
	Dimension   int
	Trees       int
}

// Rebuild indexes every descriptor of st, assigning slots in store order.
// It runs to completion; there is no cancellation.
func Rebuild(st *store.Store, opts Options) (*Adapter, error) {
	records := st.Records()
	total := st.TotalDescriptors()
	if total == 0 {
		return nil, ErrNoDescriptors
	}
	if opts.Trees < 1 {
		return nil, fmt.Errorf("tree count %d must be positive", opts.Trees)
	}

	dim := 0
	for _, rec := range records {
		if d := rec.Descriptors.Dimension(); d > 0 {
			dim = d
			break
		}
	}

	m := mapping{
		Version:     formatVersion,
		Dimension:   dim,
		Trees:       opts.Trees,
		Descriptors: total,
		Images:      make([]string, 0, len(records)),
		Offsets:     make([]int, 0, len(records)+1),
	}
	index := opts.factory()(dim)

	bar := newBar(len(records), opts.ShowProgress, "indexing")
	log.Info().Msgf("Indexing %d descriptors from %d images", total, len(records))
	slot := 0
	for i, rec := range records {
		if err := rec.Descriptors.Validate(); err != nil {
			return nil, fmt.Errorf("image %s: %w", rec.Key, err)
		}
		if len(rec.Descriptors) > 0 && rec.Descriptors.Dimension() != dim {
			return nil, fmt.Errorf("image %s: descriptor size %d, index uses %d",
				rec.Key, rec.Descriptors.Dimension(), dim)
		}
		m.Images = append(m.Images, rec.Key)
		m.Offsets = append(m.Offsets, slot)
		for _, d := range rec.Descriptors {
			if err := index.Add(slot, d.Vector()); err != nil {
				return nil, fmt.Errorf("add slot %d: %w", slot, err)
			}
			slot++
		}
		_ = bar.Add(1)
		if opts.ProgressEvery > 0 && (i+1)%opts.ProgressEvery == 0 {
			log.Info().Msgf("Indexed %d/%d images (%d descriptors)", i+1, len(records), slot)
		}
	}
	m.Offsets = append(m.Offsets, slot)

	log.Info().Msgf("Building %d trees over %d descriptors", opts.Trees, slot)
	if err := index.Build(opts.Trees); err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	return &Adapter{index: index, mapping: m}, nil
}

func newBar(n int, show bool, description string) *progressbar.ProgressBar {
	if !show {
		return progressbar.NewOptions(n, progressbar.OptionSetWriter(io.Discard))
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
	)
}

// Query returns up to k hits nearest to vector. Slots the mapping cannot
// resolve are dropped.
func (a *Adapter) Query(vector []float32, k int) ([]Hit, error) {
	neighbors, err := a.index.Search(vector, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		key, local, ok := a.mapping.resolve(n.ID)
		if !ok {
			log.Debug().Msgf("Dropping unresolvable slot %d", n.ID)
			continue
		}
		hits = append(hits, Hit{
			Slot:       n.ID,
			ImageKey:   key,
			LocalIndex: local,
			Distance:   n.Distance,
			Similarity: Similarity(n.Distance),
		})
	}
	return hits, nil
}

// Resolve maps a slot to its image key and position within the image's set.
func (a *Adapter) Resolve(slot int) (string, int, bool) {
	return a.mapping.resolve(slot)
}

// Stats reports the size of the adapter.
func (a *Adapter) Stats() Stats {
	return Stats{
		Images:      len(a.mapping.Images),
		Descriptors: a.mapping.Descriptors,
		Dimension:   a.mapping.Dimension,
		Trees:       a.mapping.Trees,
	}
}

// Validate checks that the mapping describes st exactly: same images in the
// same order with the same descriptor counts.
func (a *Adapter) Validate(st *store.Store) error {
	records := st.Records()
	if len(records) != len(a.mapping.Images) {
		return fmt.Errorf("%w: %d images mapped, store has %d", ErrInconsistent, len(a.mapping.Images), len(records))
	}
	for i, rec := range records {
		if rec.Key != a.mapping.Images[i] {
			return fmt.Errorf("%w: slot image %d is %q, store has %q", ErrInconsistent, i, a.mapping.Images[i], rec.Key)
		}
		if n := a.mapping.Offsets[i+1] - a.mapping.Offsets[i]; n != len(rec.Descriptors) {
			return fmt.Errorf("%w: image %q has %d slots and %d descriptors", ErrInconsistent, rec.Key, n, len(rec.Descriptors))
		}
	}
	if st.TotalDescriptors() != a.mapping.Descriptors {
		return fmt.Errorf("%w: %d slots, store has %d descriptors", ErrInconsistent, a.mapping.Descriptors, st.TotalDescriptors())
	}
	return nil
}

// Save writes the index file and the mapping document.
func (a *Adapter) Save(paths Paths) error {
	for _, p := range []string{paths.Index, paths.Mapping} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}
	if err := a.index.Save(paths.Index); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := core.WriteFileAtomic(paths.Mapping, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(&a.mapping)
	}); err != nil {
		return fmt.Errorf("write slot mapping: %w", err)
	}
	log.Info().Msgf("Saved ann index with %d descriptors", a.mapping.Descriptors)
	return nil
}

// Load reads a saved adapter. Any failure yields an error wrapping ErrNotFound.
func Load(paths Paths, opts Options) (*Adapter, error) {
	a, err := load(paths, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	log.Info().Msgf("Loaded ann index with %d descriptors", a.mapping.Descriptors)
	return a, nil
}

func load(paths Paths, opts Options) (*Adapter, error) {
	raw, err := os.ReadFile(paths.Mapping)
	if err != nil {
		return nil, err
	}
	var m mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode slot mapping: %w", err)
	}
	if m.Version != formatVersion {
		return nil, fmt.Errorf("slot mapping version %d, want %d", m.Version, formatVersion)
	}
	if len(m.Offsets) != len(m.Images)+1 || m.Offsets[len(m.Offsets)-1] != m.Descriptors {
		return nil, errors.New("slot mapping offsets do not match images")
	}
	for i := 1; i < len(m.Offsets); i++ {
		if m.Offsets[i] < m.Offsets[i-1] {
			return nil, errors.New("slot mapping offsets are not ascending")
		}
	}

	index := opts.factory()(m.Dimension)
	if err := index.Load(paths.Index); err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	if stats := index.Stats(); stats.Count != m.Descriptors || stats.Dimension != m.Dimension {
		return nil, fmt.Errorf("index holds %d vectors of dimension %d, mapping expects %d of dimension %d",
			stats.Count, stats.Dimension, m.Descriptors, m.Dimension)
	}
	return &Adapter{index: index, mapping: m}, nil
}
