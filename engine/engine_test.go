package engine_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrikhermansson/pinmatch/annindex"
	"github.com/patrikhermansson/pinmatch/collection"
	"github.com/patrikhermansson/pinmatch/config"
	"github.com/patrikhermansson/pinmatch/core"
	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/patrikhermansson/pinmatch/engine"
	"github.com/patrikhermansson/pinmatch/extract"
	"github.com/patrikhermansson/pinmatch/rpt"
	"github.com/patrikhermansson/pinmatch/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seededExtractor turns "seed:N" into 30 random descriptors drawn from
// seed N, "blank" into an empty set, and fails on anything else. A non-nil
// gate blocks "seed:" extractions until it is closed.
type seededExtractor struct {
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}
}

func (f *seededExtractor) Extract(data []byte) (extract.Result, error) {
	f.calls.Add(1)
	s := string(data)
	if s == "blank" {
		return extract.Result{Descriptors: descriptor.Set{}}, nil
	}
	seed, ok := strings.CutPrefix(s, "seed:")
	if !ok {
		return extract.Result{}, fmt.Errorf("%w: not a test image", extract.ErrDecode)
	}
	if f.gate != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
		<-f.gate
	}
	n, err := strconv.Atoi(seed)
	if err != nil {
		return extract.Result{}, extract.ErrDecode
	}
	rnd := rand.New(rand.NewSource(int64(n)))
	set := make(descriptor.Set, 30)
	for i := range set {
		d := make(descriptor.Descriptor, descriptor.DefaultSize)
		rnd.Read(d)
		set[i] = d
	}
	return extract.Result{Descriptors: set, Width: 64, Height: 48}, nil
}

type fixture struct {
	root, cache string
	ex          *seededExtractor
}

func newFixture(t *testing.T, images int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		root:  filepath.Join(dir, "images"),
		cache: filepath.Join(dir, "cache"),
		ex:    &seededExtractor{},
	}
	require.NoError(t, os.MkdirAll(f.root, 0o755))
	for i := 1; i <= images; i++ {
		f.write(t, fmt.Sprintf("img%02d.png", i), fmt.Sprintf("seed:%d", i))
	}
	return f
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, name), []byte(content), 0o644))
}

func (f *fixture) open(t *testing.T, mutate ...func(*engine.Options)) *engine.Engine {
	t.Helper()
	src, err := collection.NewDirSource(f.root, nil, nil)
	require.NoError(t, err)

	idx := annindex.DefaultOptions()
	idx.LeafCapacity = 16
	tun := config.Defaults()
	tun.ANNTrees = 4
	opts := engine.Options{
		CacheDir:       f.cache,
		Builder:        collection.NewBuilder(src, f.ex, collection.Options{Workers: 4}),
		Extractor:      f.ex,
		Index:          idx,
		Tunables:       tun,
		QueryCacheSize: 8,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := engine.Open(context.Background(), opts)
	require.NoError(t, err)
	return e
}

func TestOpenBuildsAndPersists(t *testing.T) {
	f := newFixture(t, 5)
	e := f.open(t)

	info := e.Info()
	assert.Equal(t, 5, info.TotalImages)
	assert.Equal(t, 150, info.TotalDescriptors)
	assert.Equal(t, f.root, info.CollectionRoot)
	assert.Equal(t, []string{"img01.png", "img02.png", "img03.png", "img04.png", "img05.png"}, info.Images)
	assert.True(t, info.Index.Built)
	assert.Equal(t, 4, info.Index.Trees)
	assert.Equal(t, 150, info.Index.Descriptors)
	assert.False(t, info.Rebuilding)
	assert.Equal(t, descriptor.HasHardwarePopcount(), info.HardwarePopcount)

	for _, name := range []string{"descriptors.msgpack", "metadata.json", "ann.idx", "ann_mapping.json"} {
		assert.FileExists(t, filepath.Join(f.cache, name))
	}
}

func TestOpenKeepsCustomIndexFactory(t *testing.T) {
	f := newFixture(t, 3)
	var made atomic.Int32
	e := f.open(t, func(o *engine.Options) {
		o.Index = annindex.Options{
			Factory: func(dim int) core.Index {
				made.Add(1)
				return rpt.NewForest(dim, 8, 2, 4096, 7)
			},
		}
	})

	assert.Positive(t, made.Load())
	assert.True(t, e.Info().Index.Built)
	assert.Equal(t, 90, e.Info().Index.Descriptors)
}

func TestOpenLoadsFromCache(t *testing.T) {
	f := newFixture(t, 3)
	first := f.open(t)
	calls := f.ex.calls.Load()

	require.NoError(t, os.RemoveAll(f.root))
	second := f.open(t)
	assert.Equal(t, calls, f.ex.calls.Load(), "cached store must not re-extract")
	assert.Equal(t, first.Info().Images, second.Info().Images)
	assert.True(t, second.Info().Index.Built)
}

func TestOpenRebuildsCorruptIndex(t *testing.T) {
	f := newFixture(t, 3)
	f.open(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.cache, "ann.idx"), []byte("garbage"), 0o644))

	e := f.open(t)
	assert.True(t, e.Info().Index.Built)
	assert.Equal(t, 90, e.Info().Index.Descriptors)
}

func TestOpenMissingCollection(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, os.RemoveAll(f.root))

	src, err := collection.NewDirSource(f.root, nil, nil)
	require.NoError(t, err)
	_, err = engine.Open(context.Background(), engine.Options{
		CacheDir:  f.cache,
		Builder:   collection.NewBuilder(src, f.ex, collection.DefaultOptions()),
		Extractor: f.ex,
		Tunables:  config.Defaults(),
	})
	assert.ErrorIs(t, err, collection.ErrRootNotFound)
}

func TestOpenEmptyCollection(t *testing.T) {
	f := newFixture(t, 0)
	e := f.open(t)
	assert.Equal(t, 0, e.Info().TotalImages)
	assert.False(t, e.Info().Index.Built)

	res, err := e.Search(context.Background(), []byte("seed:1"), 0)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)

	_, err = e.RebuildIndex(context.Background())
	assert.ErrorIs(t, err, annindex.ErrNoDescriptors)
}

func TestSearchEveryStrategy(t *testing.T) {
	f := newFixture(t, 6)
	e := f.open(t)

	for _, s := range []string{"sequential", "parallel", "hybrid"} {
		_, _, err := e.SetConfig(config.Patch{Strategy: &s})
		require.NoError(t, err)

		res, err := e.Search(context.Background(), []byte("seed:4"), 0)
		require.NoError(t, err, s)
		assert.Equal(t, 30, res.Features)
		require.NotEmpty(t, res.Matches, s)
		assert.Equal(t, "img04.png", res.Matches[0].ImageKey, s)
		assert.Equal(t, search.Strategy(s), res.Matches[0].Method)
		assert.Equal(t, filepath.Join(f.root, "img04.png"), res.Matches[0].Metadata.Path)
	}
}

func TestSearchInputErrors(t *testing.T) {
	e := newFixture(t, 2).open(t)

	_, err := e.Search(context.Background(), []byte("not an image"), 0)
	assert.ErrorIs(t, err, extract.ErrDecode)

	res, err := e.Search(context.Background(), []byte("blank"), 0)
	require.NoError(t, err)
	assert.NotNil(t, res.Matches)
	assert.Empty(t, res.Matches)
}

func TestSearchBest(t *testing.T) {
	f := newFixture(t, 4)
	e := f.open(t)

	best, ok, err := e.SearchBest(context.Background(), []byte("seed:2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "img02.png", best.Match.ImageKey)
	assert.Equal(t, filepath.Join(f.root, "img02.png"), best.FilePath)
	assert.Equal(t, 30, best.Features)

	_, ok, err = e.SearchBest(context.Background(), []byte("seed:999"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryExtractionIsCached(t *testing.T) {
	f := newFixture(t, 2)
	e := f.open(t)
	before := f.ex.calls.Load()

	for i := 0; i < 3; i++ {
		_, err := e.Search(context.Background(), []byte("seed:1"), 0)
		require.NoError(t, err)
	}
	assert.Equal(t, before+1, f.ex.calls.Load())
}

func TestSetConfig(t *testing.T) {
	e := newFixture(t, 1).open(t)
	before := e.Config()

	bad := 1.5
	workers := 8
	_, _, err := e.SetConfig(config.Patch{MinThreshold: &bad, MaxWorkers: &workers})
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, before, e.Config())

	good := 0.25
	next, updated, err := e.SetConfig(config.Patch{MinThreshold: &good})
	require.NoError(t, err)
	assert.Equal(t, []string{"min_threshold"}, updated)
	assert.Equal(t, 0.25, next.MinThreshold)
	assert.Equal(t, next, e.Config())
	assert.Equal(t, before.MaxWorkers, e.Config().MaxWorkers)
}

func TestRebuildIndexIsIdempotent(t *testing.T) {
	e := newFixture(t, 8).open(t)
	hybrid := "hybrid"
	never := 1.0
	minimum := 0.0
	_, _, err := e.SetConfig(config.Patch{Strategy: &hybrid, EarlyStopThreshold: &never, MinThreshold: &minimum})
	require.NoError(t, err)

	query := []byte("seed:5")
	before, err := e.Search(context.Background(), query, 5)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		n, err := e.RebuildIndex(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 240, n)
	}
	after, err := e.Search(context.Background(), query, 5)
	require.NoError(t, err)

	require.Len(t, after.Matches, len(before.Matches))
	for i := range before.Matches {
		assert.Equal(t, before.Matches[i].ImageKey, after.Matches[i].ImageKey)
		assert.InDelta(t, before.Matches[i].Score, after.Matches[i].Score, 1e-9)
	}
}

func TestRebuildCollectionPicksUpChanges(t *testing.T) {
	f := newFixture(t, 2)
	e := f.open(t)

	f.write(t, "img03.png", "seed:3")
	report, err := e.RebuildCollection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Indexed)
	assert.Equal(t, 3, e.Info().TotalImages)
	assert.Equal(t, 90, e.Info().Index.Descriptors)

	best, ok, err := e.SearchBest(context.Background(), []byte("seed:3"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "img03.png", best.Match.ImageKey)
}

func TestFailedRebuildKeepsSnapshot(t *testing.T) {
	f := newFixture(t, 2)
	e := f.open(t)

	for _, name := range []string{"img01.png", "img02.png"} {
		f.write(t, name, "corrupt")
	}
	_, err := e.RebuildCollection(context.Background())
	assert.ErrorIs(t, err, collection.ErrNoImages)

	info := e.Info()
	assert.Equal(t, 2, info.TotalImages)
	assert.True(t, info.Index.Built)
}

func TestConcurrentRebuildFailsFast(t *testing.T) {
	f := newFixture(t, 3)
	e := f.open(t)
	f.write(t, "img04.png", "seed:4")

	f.ex.started = make(chan struct{}, 1)
	f.ex.gate = make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, err := e.RebuildCollection(context.Background())
		errc <- err
	}()

	select {
	case <-f.ex.started:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild did not start")
	}
	assert.True(t, e.Info().Rebuilding)

	_, err := e.RebuildIndex(context.Background())
	assert.ErrorIs(t, err, engine.ErrRebuilding)
	_, err = e.RebuildCollection(context.Background())
	assert.ErrorIs(t, err, engine.ErrRebuilding)

	// The old snapshot keeps serving while the rebuild runs.
	matches, err := e.SearchDescriptors(context.Background(), descriptor.Set{make(descriptor.Descriptor, 32)}, 0)
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Equal(t, 3, e.Info().TotalImages)

	close(f.ex.gate)
	require.NoError(t, <-errc)
	assert.Equal(t, 4, e.Info().TotalImages)
	assert.False(t, e.Info().Rebuilding)
}
