// Package cmd implements the pinmatch command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/patrikhermansson/pinmatch/annindex"
	"github.com/patrikhermansson/pinmatch/collection"
	"github.com/patrikhermansson/pinmatch/config"
	"github.com/patrikhermansson/pinmatch/core"
	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/patrikhermansson/pinmatch/engine"
	"github.com/patrikhermansson/pinmatch/extract"
	"github.com/spf13/cobra"
)

var (
	configPath     string
	collectionPath string
	cacheDir       string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "pinmatch",
	Short: "Find the most similar images in a reference collection",
	Long: `pinmatch matches query images against a reference collection using
binary local-feature descriptors, an approximate nearest-neighbor index and
exact reranking.

Examples:
  pinmatch serve --collection ./image_data
  pinmatch rebuild
  pinmatch index rebuild
  pinmatch search photo.jpg --top-k 3
  pinmatch info`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logLevel != "" {
			core.ConfigureLogging(logLevel)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&collectionPath, "collection", "", "reference image directory (overrides config)")
	pf.StringVar(&cacheDir, "cache", "", "directory for descriptor and index artifacts (overrides config)")
	pf.StringVar(&logLevel, "log", "", "log level: off, warn, info or debug (default from "+core.LogEnv+")")
}

// Execute runs the root command. Cancelling ctx stops long-running commands.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadFile returns the configuration after applying the command-line overrides.
func loadFile() (config.File, error) {
	f := config.DefaultFile()
	if configPath != "" {
		var err error
		if f, err = config.Load(configPath); err != nil {
			return f, err
		}
	}
	if collectionPath != "" {
		f.Collection = collectionPath
	}
	if cacheDir != "" {
		f.CacheDir = cacheDir
	}
	return f, f.Validate()
}

// openEngine builds the engine described by f. The directory source is
// returned as well so that serve can watch it.
func openEngine(ctx context.Context, f config.File, showProgress bool) (*engine.Engine, *collection.DirSource, error) {
	descriptor.LogCPUFeatures()

	src, err := collection.NewDirSource(f.Collection, f.Extensions, f.Exclude)
	if err != nil {
		return nil, nil, err
	}
	ex := extract.New(f.Extract)
	bopts := collection.DefaultOptions()
	bopts.ShowProgress = showProgress

	idx := annindex.DefaultOptions()
	idx.ShowProgress = showProgress

	e, err := engine.Open(ctx, engine.Options{
		CacheDir:       f.CacheDir,
		Builder:        collection.NewBuilder(src, ex, bopts),
		Extractor:      ex,
		Index:          idx,
		Tunables:       f.Tunables,
		QueryCacheSize: f.QueryCacheSize,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, src, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
