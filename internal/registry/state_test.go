package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFileStateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "extensions.yaml")
	store := NewFileStateStore(path)

	t.Run("MissingFile", func(t *testing.T) {
		names, err := store.Load()
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("SaveLoad", func(t *testing.T) {
		require.NoError(t, store.Save([]string{"zeta", "alpha"}))
		names, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zeta"}, names)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Save(nil))
		names, err := store.Load()
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "extensions.yaml", entries[0].Name())
	})
}

func TestFileStateStore_KeepsOtherSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extensions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adblock:\n  enabled: true\n"), 0o600))

	store := NewFileStateStore(path)
	require.NoError(t, store.Save([]string{"x"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Contains(t, doc, "adblock")
	assert.Contains(t, doc, "userscripts")
}

func TestFileStateStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extensions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("userscripts: [unclosed"), 0o600))

	_, err := NewFileStateStore(path).Load()
	assert.Error(t, err)
}

func TestRequireIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requires.yaml")

	idx := NewRequireIndex(path)
	require.NoError(t, idx.reload())
	_, ok := idx.Lookup("https://cdn/x.js")
	assert.False(t, ok)

	require.NoError(t, idx.Put("https://cdn/x.js", "/cache/x.js"))

	reopened := NewRequireIndex(path)
	require.NoError(t, reopened.reload())
	assert.Equal(t, 1, reopened.Len())
	got, ok := reopened.Lookup("https://cdn/x.js")
	require.True(t, ok)
	assert.Equal(t, "/cache/x.js", got)
}
