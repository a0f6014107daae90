// Package store keeps the descriptor sets and metadata of every reference
// image and persists them as a msgpack descriptor blob plus a JSON metadata
// document.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/patrikhermansson/pinmatch/core"
	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned by Load when the persisted store is missing or
// unreadable. Callers rebuild from the collection.
var ErrNotFound = errors.New("descriptor store not found")

const formatVersion = 1

// Default artifact names inside a cache directory.
const (
	BlobFile     = "descriptors.msgpack"
	MetadataFile = "metadata.json"
)

// Metadata describes the source image of a record.
type Metadata struct {
	Filename      string `json:"filename"`
	Path          string `json:"path"`
	FeaturesCount int    `json:"features_count"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
}

// Record is one reference image: its key, descriptor set and metadata.
type Record struct {
	Key         string
	Descriptors descriptor.Set
	Metadata    Metadata
}

// Paths locates the two persisted artifacts.
type Paths struct {
	Blob     string
	Metadata string
}

// PathsIn returns the default artifact paths inside dir.
func PathsIn(dir string) Paths {
	return Paths{
		Blob:     filepath.Join(dir, BlobFile),
		Metadata: filepath.Join(dir, MetadataFile),
	}
}

// Store maps image keys to records, iterating in insertion order.
// It is filled once by the collection builder and read-only afterwards.
type Store struct {
	mu      sync.RWMutex
	keys    []string
	records map[string]*Record
	total   int
}

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Put inserts or replaces the record for key. A replaced key keeps its
// original position in iteration order.
func (s *Store) Put(key string, set descriptor.Set, meta Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta.FeaturesCount = len(set)
	if old, ok := s.records[key]; ok {
		s.total -= len(old.Descriptors)
	} else {
		s.keys = append(s.keys, key)
	}
	s.records[key] = &Record{Key: key, Descriptors: set, Metadata: meta}
	s.total += len(set)
}

// Get returns the descriptor set stored under key.
func (s *Store) Get(key string) (descriptor.Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return rec.Descriptors, true
}

// Record returns the full record stored under key.
func (s *Store) Record(key string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Records returns the records in iteration order. The slice is a snapshot;
// records themselves must not be modified.
func (s *Store) Records() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.keys))
	for i, k := range s.keys {
		out[i] = s.records[k]
	}
	return out
}

// All iterates over (key, descriptor set) pairs in insertion order.
func (s *Store) All() iter.Seq2[string, descriptor.Set] {
	records := s.Records()
	return func(yield func(string, descriptor.Set) bool) {
		for _, rec := range records {
			if !yield(rec.Key, rec.Descriptors) {
				return
			}
		}
	}
}

// Keys returns the image keys in iteration order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Len returns the number of images.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// TotalDescriptors returns the number of descriptors across all images.
func (s *Store) TotalDescriptors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// blob is the msgpack layout of the descriptor artifact. Each image's
// descriptors are concatenated into one byte string of Dimension-sized rows.
type blob struct {
	Version   int      `msgpack:"version"`
	Dimension int      `msgpack:"dimension"`
	Keys      []string `msgpack:"keys"`
	Data      [][]byte `msgpack:"data"`
}

// metadataDoc is the JSON layout of the metadata artifact.
type metadataDoc struct {
	Version int                 `json:"version"`
	Images  map[string]Metadata `json:"images"`
}

// Save writes both artifacts. Each file is replaced atomically.
func (s *Store) Save(paths Paths) error {
	records := s.Records()
	b := blob{Version: formatVersion, Keys: make([]string, len(records)), Data: make([][]byte, len(records))}
	doc := metadataDoc{Version: formatVersion, Images: make(map[string]Metadata, len(records))}
	for i, rec := range records {
		if err := rec.Descriptors.Validate(); err != nil {
			return fmt.Errorf("image %s: %w", rec.Key, err)
		}
		if dim := rec.Descriptors.Dimension(); dim > 0 {
			if b.Dimension == 0 {
				b.Dimension = dim
			} else if dim != b.Dimension {
				return fmt.Errorf("image %s: descriptor size %d, store uses %d", rec.Key, dim, b.Dimension)
			}
		}
		flat := make([]byte, 0, len(rec.Descriptors)*rec.Descriptors.Dimension())
		for _, d := range rec.Descriptors {
			flat = append(flat, d...)
		}
		b.Keys[i] = rec.Key
		b.Data[i] = flat
		doc.Images[rec.Key] = rec.Metadata
	}

	for _, p := range []string{paths.Blob, paths.Metadata} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}
	if err := core.WriteFileAtomic(paths.Blob, func(w io.Writer) error {
		return msgpack.NewEncoder(w).Encode(&b)
	}); err != nil {
		return fmt.Errorf("write descriptor blob: %w", err)
	}
	if err := core.WriteFileAtomic(paths.Metadata, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&doc)
	}); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	log.Info().Msgf("Saved descriptor store with %d images", len(records))
	return nil
}

// Load reads both artifacts. Any missing, unreadable or inconsistent file
// yields an error wrapping ErrNotFound and no partially filled store.
func Load(paths Paths) (*Store, error) {
	s, err := load(paths)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	log.Info().Msgf("Loaded descriptor store with %d images", s.Len())
	return s, nil
}

func load(paths Paths) (*Store, error) {
	bf, err := os.Open(paths.Blob)
	if err != nil {
		return nil, err
	}
	defer bf.Close()
	var b blob
	if err := msgpack.NewDecoder(bf).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode descriptor blob: %w", err)
	}
	if b.Version != formatVersion {
		return nil, fmt.Errorf("descriptor blob version %d, want %d", b.Version, formatVersion)
	}
	if len(b.Keys) != len(b.Data) {
		return nil, fmt.Errorf("descriptor blob has %d keys and %d sets", len(b.Keys), len(b.Data))
	}

	raw, err := os.ReadFile(paths.Metadata)
	if err != nil {
		return nil, err
	}
	var doc metadataDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	s := New()
	for i, key := range b.Keys {
		meta, ok := doc.Images[key]
		if !ok {
			return nil, fmt.Errorf("image %s has no metadata", key)
		}
		flat := b.Data[i]
		var set descriptor.Set
		if len(flat) > 0 {
			if b.Dimension <= 0 || len(flat)%b.Dimension != 0 {
				return nil, fmt.Errorf("image %s: %d bytes is not a multiple of %d", key, len(flat), b.Dimension)
			}
			set = make(descriptor.Set, 0, len(flat)/b.Dimension)
			for off := 0; off < len(flat); off += b.Dimension {
				set = append(set, descriptor.Descriptor(flat[off:off+b.Dimension:off+b.Dimension]))
			}
		}
		s.Put(key, set, meta)
	}
	return s, nil
}
