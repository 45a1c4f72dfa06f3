package packager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestDiscoverFindsAllFiles(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"model.gguf":    "a",
		"config.json":   "b",
		"sub/extra.txt": "c",
	})

	found, err := discover([]string{dir}, nil)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "config.json", found[0].VirtualPath)
	assert.Equal(t, "model.gguf", found[1].VirtualPath)
	assert.Equal(t, "sub/extra.txt", found[2].VirtualPath)
}

func TestDiscoverSkipsDotfilesAndVCSDirs(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"model.gguf":        "a",
		".git/HEAD":         "ref",
		".DS_Store":         "x",
		".hidden/nested.txt": "y",
	})

	found, err := discover([]string{dir}, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "model.gguf", found[0].VirtualPath)
}

func TestDiscoverHonorsExcludePatterns(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"model.gguf":      "a",
		"model.gguf.orig": "b",
		"notes.md":        "c",
	})

	found, err := discover([]string{dir}, []string{"*.orig", "notes.md"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "model.gguf", found[0].VirtualPath)
}

func TestDiscoverSingleFileInput(t *testing.T) {
	dir := writeTree(t, map[string]string{"model.gguf": "hello"})

	found, err := discover([]string{filepath.Join(dir, "model.gguf")}, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "model.gguf", found[0].VirtualPath)
	assert.Equal(t, int64(5), found[0].Size)
}
