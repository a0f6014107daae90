package config

import (
	"fmt"
	"os"
	"time"

	"github.com/patrikhermansson/pinmatch/collection"
	"github.com/patrikhermansson/pinmatch/extract"
	"gopkg.in/yaml.v3"
)

// File is the startup configuration, usually read from pinmatch.yaml.
type File struct {
	// Collection is the directory holding the reference images.
	Collection string `yaml:"collection"`
	// CacheDir holds the descriptor store and index artifacts.
	CacheDir string `yaml:"cache_dir"`
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	Extensions []string `yaml:"extensions,omitempty"`
	Exclude    []string `yaml:"exclude,omitempty"`

	// Watch rebuilds the collection when its files change.
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// QueryCacheSize is the number of query extractions kept in memory.
	QueryCacheSize int `yaml:"query_cache_size"`

	Extract  extract.Options `yaml:"extract"`
	Tunables Tunables        `yaml:"tunables"`
}

// DefaultFile returns the configuration used when no file is given.
func DefaultFile() File {
	return File{
		Collection:     "image_data",
		CacheDir:       ".pinmatch",
		Listen:         ":8000",
		Extensions:     collection.DefaultExtensions,
		WatchDebounce:  collection.DefaultDebounce,
		QueryCacheSize: 128,
		Extract:        extract.DefaultOptions(),
		Tunables:       Defaults(),
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values.
func Load(path string) (File, error) {
	f := DefaultFile()
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// Validate checks the tunables and the settings the service cannot start without.
func (f File) Validate() error {
	if f.Collection == "" {
		return fmt.Errorf("config: collection must be set")
	}
	if f.CacheDir == "" {
		return fmt.Errorf("config: cache_dir must be set")
	}
	return f.Tunables.Validate()
}
