// Package engine owns the live descriptor store and ANN index of a
// collection and answers image queries against them. Rebuilds produce new
// structures that are swapped in atomically; searches always see a
// consistent snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/patrikhermansson/pinmatch/annindex"
	"github.com/patrikhermansson/pinmatch/collection"
	"github.com/patrikhermansson/pinmatch/config"
	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/patrikhermansson/pinmatch/extract"
	"github.com/patrikhermansson/pinmatch/scorer"
	"github.com/patrikhermansson/pinmatch/search"
	"github.com/patrikhermansson/pinmatch/store"
	"github.com/rs/zerolog/log"
)

// ErrRebuilding is returned when a rebuild is requested while another one
// is running.
var ErrRebuilding = errors.New("rebuild already in progress")

// Options configure an Engine.
type Options struct {
	// CacheDir receives the store and index artifacts.
	CacheDir  string
	Builder   *collection.Builder
	Extractor extract.Extractor
	// Scorer defaults to scorer.Default().
	Scorer *scorer.Scorer
	// Index options; Trees is overridden by the ann_trees tunable.
	Index    annindex.Options
	Tunables config.Tunables
	// QueryCacheSize bounds the cache of query extractions; 0 disables it.
	QueryCacheSize int
}

type snapshot struct {
	store   *store.Store
	index   *annindex.Adapter
	builtAt time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cacheDir  string
	builder   *collection.Builder
	extractor extract.Extractor
	search    *search.Orchestrator
	indexOpts annindex.Options

	snap     atomic.Pointer[snapshot]
	tunables atomic.Pointer[config.Tunables]
	cfgMu    sync.Mutex

	rebuildMu  sync.Mutex
	rebuilding atomic.Bool

	queries *lru.Cache[uint64, extract.Result]
}

// Open prepares an engine: the store is loaded from the cache directory or
// built from the collection, and the index is loaded or rebuilt when it is
// missing, unreadable or out of step with the store. A collection without
// usable images yields an empty engine; a missing collection root is an
// error only when there is no cached store either.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Builder == nil || opts.Extractor == nil {
		return nil, errors.New("engine: builder and extractor are required")
	}
	if err := opts.Tunables.Validate(); err != nil {
		return nil, err
	}
	if opts.Scorer == nil {
		opts.Scorer = scorer.Default()
	}
	opts.Index = opts.Index.WithDefaults()
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	e := &Engine{
		cacheDir:  opts.CacheDir,
		builder:   opts.Builder,
		extractor: opts.Extractor,
		search:    search.New(opts.Scorer),
		indexOpts: opts.Index,
	}
	tun := opts.Tunables
	e.tunables.Store(&tun)
	if opts.QueryCacheSize > 0 {
		cache, err := lru.New[uint64, extract.Result](opts.QueryCacheSize)
		if err != nil {
			return nil, err
		}
		e.queries = cache
	}

	st, err := e.loadOrBuildStore(ctx)
	if err != nil {
		return nil, err
	}
	idx := e.loadOrBuildIndex(st)
	e.snap.Store(&snapshot{store: st, index: idx, builtAt: time.Now()})

	log.Info().Msgf("Engine ready: %d images, %d descriptors, index built=%t",
		st.Len(), st.TotalDescriptors(), idx != nil)
	return e, nil
}

func (e *Engine) storePaths() store.Paths    { return store.PathsIn(e.cacheDir) }
func (e *Engine) indexPaths() annindex.Paths { return annindex.PathsIn(e.cacheDir) }
func (e *Engine) current() *snapshot         { return e.snap.Load() }
func (e *Engine) indexOptions() annindex.Options {
	opts := e.indexOpts
	opts.Trees = e.tunables.Load().ANNTrees
	return opts
}

func (e *Engine) loadOrBuildStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Load(e.storePaths())
	if err == nil {
		log.Info().Msgf("Loaded descriptor cache: %d images", st.Len())
		return st, nil
	}
	log.Warn().Err(err).Msg("Descriptor cache unavailable, building from collection")

	st, _, err = e.builder.Build(ctx)
	switch {
	case errors.Is(err, collection.ErrNoImages):
		log.Warn().Err(err).Msg("Starting with an empty collection")
		return store.New(), nil
	case err != nil:
		return nil, err
	}
	e.saveStore(st)
	return st, nil
}

// loadOrBuildIndex returns nil when st has nothing to index or the build
// fails; hybrid searches then fall back to the parallel scan.
func (e *Engine) loadOrBuildIndex(st *store.Store) *annindex.Adapter {
	if st.TotalDescriptors() == 0 {
		return nil
	}
	opts := e.indexOptions()
	idx, err := annindex.Load(e.indexPaths(), opts)
	if err == nil {
		if err = idx.Validate(st); err == nil {
			log.Info().Msgf("Loaded ANN index: %d descriptors", idx.Stats().Descriptors)
			return idx
		}
	}
	log.Warn().Err(err).Msg("ANN index unavailable or stale, rebuilding")

	idx, err = annindex.Rebuild(st, opts)
	if err != nil {
		log.Error().Err(err).Msg("ANN index rebuild failed")
		return nil
	}
	e.saveIndex(idx)
	return idx
}

// Persistence failures are logged; the in-memory state stays authoritative
// and the next start rebuilds what is missing.
func (e *Engine) saveStore(st *store.Store) {
	if err := st.Save(e.storePaths()); err != nil {
		log.Error().Err(err).Msg("Cannot persist descriptor cache")
	}
}

func (e *Engine) saveIndex(idx *annindex.Adapter) {
	if err := idx.Save(e.indexPaths()); err != nil {
		log.Error().Err(err).Msg("Cannot persist ANN index")
	}
}

// beginRebuild claims the single rebuild slot.
func (e *Engine) beginRebuild() (func(), error) {
	if !e.rebuildMu.TryLock() {
		return nil, ErrRebuilding
	}
	e.rebuilding.Store(true)
	return func() {
		e.rebuilding.Store(false)
		e.rebuildMu.Unlock()
	}, nil
}

// RebuildCollection re-extracts the whole collection and reindexes it. On
// failure the previous store and index keep serving.
func (e *Engine) RebuildCollection(ctx context.Context) (collection.Report, error) {
	done, err := e.beginRebuild()
	if err != nil {
		return collection.Report{}, err
	}
	defer done()

	st, report, err := e.builder.Build(ctx)
	if err != nil {
		return report, fmt.Errorf("rebuild collection: %w", err)
	}
	var idx *annindex.Adapter
	if st.TotalDescriptors() > 0 {
		idx, err = annindex.Rebuild(st, e.indexOptions())
		if err != nil {
			return report, fmt.Errorf("rebuild index: %w", err)
		}
	}

	e.saveStore(st)
	if idx != nil {
		e.saveIndex(idx)
	}
	e.snap.Store(&snapshot{store: st, index: idx, builtAt: time.Now()})
	log.Info().Msgf("Collection rebuilt: %d images", report.Indexed)
	return report, nil
}

// RebuildIndex rebuilds the ANN index over the current store and returns
// the number of descriptors indexed.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	done, err := e.beginRebuild()
	if err != nil {
		return 0, err
	}
	defer done()

	cur := e.current()
	idx, err := annindex.Rebuild(cur.store, e.indexOptions())
	if err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.saveIndex(idx)
	e.snap.Store(&snapshot{store: cur.store, index: idx, builtAt: time.Now()})
	n := idx.Stats().Descriptors
	log.Info().Msgf("ANN index rebuilt: %d descriptors", n)
	return n, nil
}

// Config returns the current tunables.
func (e *Engine) Config() config.Tunables {
	return *e.tunables.Load()
}

// SetConfig applies p. Either every field of p is applied or, when any is
// invalid, none is. The ann_trees value takes effect on the next index
// rebuild.
func (e *Engine) SetConfig(p config.Patch) (config.Tunables, []string, error) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	next, updated, err := e.tunables.Load().Apply(p)
	if err != nil {
		return next, nil, err
	}
	e.tunables.Store(&next)
	if len(updated) > 0 {
		log.Info().Msgf("Configuration updated: %v", updated)
	}
	return next, updated, nil
}

// IndexInfo describes the live ANN index.
type IndexInfo struct {
	Built         bool `json:"built"`
	Trees         int  `json:"trees"`
	Descriptors   int  `json:"descriptors_indexed"`
	Images        int  `json:"images_indexed"`
	SearchBreadth int  `json:"search_breadth"`
	BreadthCap    int  `json:"breadth_cap"`
}

// Info describes the live collection.
type Info struct {
	TotalImages      int       `json:"total_images"`
	TotalDescriptors int       `json:"total_features"`
	CollectionRoot   string    `json:"database_path"`
	Images           []string  `json:"images"`
	Index            IndexInfo `json:"index"`
	Rebuilding       bool      `json:"rebuilding"`
	BuiltAt          time.Time `json:"built_at"`
	HardwarePopcount bool      `json:"hardware_popcount"`
}

// Info reports on the current snapshot.
func (e *Engine) Info() Info {
	cur := e.current()
	tun := e.Config()
	info := Info{
		TotalImages:      cur.store.Len(),
		TotalDescriptors: cur.store.TotalDescriptors(),
		CollectionRoot:   e.builder.Source().Root(),
		Images:           cur.store.Keys(),
		Rebuilding:       e.rebuilding.Load(),
		BuiltAt:          cur.builtAt,
		HardwarePopcount: descriptor.HasHardwarePopcount(),
		Index: IndexInfo{
			SearchBreadth: tun.ANNSearchBreadth,
			BreadthCap:    tun.ANNBreadthCap,
		},
	}
	if cur.index != nil {
		s := cur.index.Stats()
		info.Index.Built = true
		info.Index.Trees = s.Trees
		info.Index.Descriptors = s.Descriptors
		info.Index.Images = s.Images
	}
	return info
}

// hashKey identifies query bytes in the extraction cache.
func hashKey(data []byte) uint64 {
	return xxhash.Sum64(data)
}

func (e *Engine) extract(data []byte) (extract.Result, error) {
	var key uint64
	if e.queries != nil {
		key = hashKey(data)
		if res, ok := e.queries.Get(key); ok {
			log.Debug().Msgf("Query extraction cache hit %016x", key)
			return res, nil
		}
	}
	res, err := e.extractor.Extract(data)
	if err != nil {
		return extract.Result{}, err
	}
	if e.queries != nil {
		e.queries.Add(key, res)
	}
	return res, nil
}
