// Package collection walks the reference image collection, extracts the
// descriptors of every image and assembles a new descriptor store.
package collection

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRootNotFound is returned when the collection directory is missing.
	ErrRootNotFound = errors.New("collection root not found")

	// ErrNoImages is returned when a build processes zero images.
	ErrNoImages = errors.New("no images processed")

	// ErrInvalidPattern indicates an exclude pattern could not be compiled.
	ErrInvalidPattern = errors.New("invalid exclude pattern")
)

// DefaultExtensions are the file extensions recognized as images.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".webp"}

// Entry is one image of the collection. Key is the slash-separated path
// relative to the root and identifies the image in the store.
type Entry struct {
	Key  string
	Path string
}

// Source lists and reads the images of a collection.
type Source interface {
	Root() string
	List(ctx context.Context) ([]Entry, error)
	Read(e Entry) ([]byte, error)
}

// DirSource is a Source over a directory tree.
type DirSource struct {
	root       string
	extensions map[string]struct{}
	excludes   []glob.Glob
}

// NewDirSource returns a source rooted at root. Exclude patterns are globs
// matched against the entry key and its base name; extensions default to
// DefaultExtensions.
func NewDirSource(root string, extensions, exclude []string) (*DirSource, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}

	excludes := make([]glob.Glob, 0, len(exclude))
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		excludes = append(excludes, g)
	}
	return &DirSource{root: root, extensions: exts, excludes: excludes}, nil
}

// Root returns the collection directory.
func (s *DirSource) Root() string {
	return s.root
}

// Matches reports whether path, relative or absolute, would be listed.
func (s *DirSource) Matches(path string) bool {
	if _, ok := s.extensions[strings.ToLower(filepath.Ext(path))]; !ok {
		return false
	}
	key := path
	if rel, err := filepath.Rel(s.root, path); err == nil && filepath.IsAbs(path) {
		key = rel
	}
	return !s.excluded(filepath.ToSlash(key))
}

func (s *DirSource) excluded(key string) bool {
	base := key
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		base = key[i+1:]
	}
	for _, g := range s.excludes {
		if g.Match(key) || g.Match(base) {
			return true
		}
	}
	return false
}

// List walks the tree and returns the matching images sorted by key.
// Unreadable subdirectories are skipped.
func (s *DirSource) List(ctx context.Context) ([]Entry, error) {
	info, err := os.Stat(s.root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, s.root)
	}

	var entries []Entry
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			log.Warn().Err(err).Msgf("Skipping %s", path)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			if path != s.root && s.excluded(key) {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := s.extensions[strings.ToLower(filepath.Ext(path))]; !ok || s.excluded(key) {
			return nil
		}
		entries = append(entries, Entry{Key: key, Path: path})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Read returns the raw bytes of e.
func (s *DirSource) Read(e Entry) ([]byte, error) {
	return os.ReadFile(e.Path)
}
