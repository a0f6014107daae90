package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/patrikhermansson/pinmatch/collection"
	"github.com/patrikhermansson/pinmatch/config"
	"github.com/patrikhermansson/pinmatch/engine"
	"github.com/patrikhermansson/pinmatch/extract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedExtractor blocks every extraction while gate is open.
type gatedExtractor struct {
	inner   extract.Extractor
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedExtractor) Extract(data []byte) (extract.Result, error) {
	if g.gate != nil {
		select {
		case g.started <- struct{}{}:
		default:
		}
		<-g.gate
	}
	return g.inner.Extract(data)
}

func TestRebuildOnChangeRetriesWhileBusy(t *testing.T) {
	root := t.TempDir()
	writeTexture(t, filepath.Join(root, "a.png"), 1)

	ex := &gatedExtractor{inner: extract.New(extract.DefaultOptions())}
	src, err := collection.NewDirSource(root, nil, nil)
	require.NoError(t, err)
	eng, err := engine.Open(context.Background(), engine.Options{
		CacheDir:  t.TempDir(),
		Builder:   collection.NewBuilder(src, ex, collection.Options{Workers: 2}),
		Extractor: ex,
		Tunables:  config.Defaults(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, eng.Info().TotalImages)

	ex.started = make(chan struct{}, 1)
	ex.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := eng.RebuildCollection(context.Background())
		done <- err
	}()
	select {
	case <-ex.started:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild did not start")
	}

	// The running rebuild has already listed the collection.
	writeTexture(t, filepath.Join(root, "b.png"), 2)
	assert.True(t, rebuildOnChange(context.Background(), eng))

	close(ex.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, eng.Info().TotalImages)

	ex.gate = nil
	assert.False(t, rebuildOnChange(context.Background(), eng))
	assert.Equal(t, 2, eng.Info().TotalImages)
}
