package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// StateStore persists the names of disabled scripts.
type StateStore interface {
	Load() ([]string, error)
	Save(disabled []string) error
}

const stateSection = "userscripts"

// FileStateStore keeps the disabled list in the "userscripts" section of a
// YAML settings file. Other top-level sections are left untouched.
type FileStateStore struct {
	path string
}

// NewFileStateStore returns a store backed by the YAML file at path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Path returns the backing file.
func (s *FileStateStore) Path() string {
	return s.path
}

type stateDoc struct {
	Disabled []string `yaml:"disabled"`
}

// Load returns the persisted disabled names. A missing file is an empty list.
func (s *FileStateStore) Load() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc struct {
		Userscripts stateDoc `yaml:"userscripts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return doc.Userscripts.Disabled, nil
}

// Save replaces the persisted disabled names.
func (s *FileStateStore) Save(disabled []string) error {
	doc := map[string]interface{}{}
	if data, err := os.ReadFile(s.path); err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil || doc == nil {
			doc = map[string]interface{}{}
		}
	}

	names := append([]string(nil), disabled...)
	sort.Strings(names)
	doc[stateSection] = stateDoc{Disabled: names}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
