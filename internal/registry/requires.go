package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// RequireIndex maps @require URLs to the cached copies of their contents.
type RequireIndex struct {
	path string

	mu    sync.RWMutex
	files map[string]string
}

type requireDoc struct {
	Files map[string]string `yaml:"files"`
}

// NewRequireIndex returns an empty index persisted at path. The registry
// fills it from disk on every Load.
func NewRequireIndex(path string) *RequireIndex {
	return &RequireIndex{path: path, files: map[string]string{}}
}

// reload replaces the index with the stored copy. A missing file yields an
// empty index.
func (idx *RequireIndex) reload() error {
	data, err := os.ReadFile(idx.path)
	if errors.Is(err, os.ErrNotExist) {
		idx.mu.Lock()
		idx.files = map[string]string{}
		idx.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read requires index: %w", err)
	}

	var doc requireDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse requires index: %w", err)
	}
	if doc.Files == nil {
		doc.Files = map[string]string{}
	}
	idx.mu.Lock()
	idx.files = doc.Files
	idx.mu.Unlock()
	return nil
}

// Lookup returns the cached file for url, if any.
func (idx *RequireIndex) Lookup(url string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	path, ok := idx.files[url]
	return path, ok
}

// Put records the cached file for url and persists the index.
func (idx *RequireIndex) Put(url, path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.files[url] = path
	data, err := yaml.Marshal(requireDoc{Files: idx.files})
	if err != nil {
		return fmt.Errorf("failed to marshal requires index: %w", err)
	}
	if err := writeFileAtomic(idx.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write requires index: %w", err)
	}
	return nil
}

// Len returns the number of cached dependencies.
func (idx *RequireIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.files)
}
