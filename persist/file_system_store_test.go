package persist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "test-run")
	t.Logf("Configuring FileSystemStore with baseDir: %s", baseDir)

	store, err := NewFileSystemStore(baseDir)
	require.NoError(t, err)

	testStoreImplementation(t, store)

	t.Run("Layout", func(t *testing.T) {
		path := filepath.Join(baseDir, testTenant, "credentials", testIntegration+".json")
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, FilePermissions, info.Mode().Perm())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"ciphertext_blob"`)
		assert.NotContains(t, string(data), "ciphertext-v2", "blob should be hex encoded")
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Join(baseDir, testTenant, "credentials"))
		require.NoError(t, err)
		for _, entry := range entries {
			assert.False(t, strings.HasPrefix(entry.Name(), ".tmp-"), "leftover temp file %s", entry.Name())
		}
	})

	t.Run("CorruptRecord", func(t *testing.T) {
		dir := filepath.Join(baseDir, "corrupt", "credentials")
		require.NoError(t, os.MkdirAll(dir, DirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "github.json"), []byte("{not json"), FilePermissions))

		_, err := store.Get(context.Background(), "corrupt", "github")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("PingMissingBase", func(t *testing.T) {
		gone, err := NewFileSystemStore(filepath.Join(t.TempDir(), "gone"))
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(gone.basePath))
		assert.ErrorIs(t, gone.Ping(context.Background()), ErrUnavailable)
	})
}

func TestNewFileSystemStoreEmptyPath(t *testing.T) {
	_, err := NewFileSystemStore("")
	assert.Error(t, err)
}
