package packager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupPresplitInputsGroupsByBaseAndOrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	files := []discoveredFile{
		{VirtualPath: "llama-00002-of-00003.gguf", PhysicalPath: filepath.Join(dir, "llama-00002-of-00003.gguf")},
		{VirtualPath: "llama-00001-of-00003.gguf", PhysicalPath: filepath.Join(dir, "llama-00001-of-00003.gguf")},
		{VirtualPath: "llama-00003-of-00003.gguf", PhysicalPath: filepath.Join(dir, "llama-00003-of-00003.gguf")},
		{VirtualPath: "config.json", PhysicalPath: filepath.Join(dir, "config.json")},
	}

	regular, groups := groupPresplitInputs(files)
	require.Len(t, regular, 1)
	assert.Equal(t, "config.json", regular[0].VirtualPath)

	require.Len(t, groups, 1)
	assert.Equal(t, "llama.gguf", groups[0].VirtualPath)
	require.Len(t, groups[0].Parts, 3)
	assert.Contains(t, groups[0].Parts[0], "00001-of-00003")
	assert.Contains(t, groups[0].Parts[2], "00003-of-00003")
}

func TestPresplitOversizedNoOpWhenNothingOversized(t *testing.T) {
	dir := t.TempDir()
	files := []discoveredFile{
		{VirtualPath: "small.gguf", PhysicalPath: filepath.Join(dir, "small.gguf"), Size: 100},
	}

	kept, groups, err := presplitOversized(context.Background(), nil, files, 1000, filepath.Join(dir, ".intermediates"))
	require.NoError(t, err)
	assert.Len(t, kept, 1)
	assert.Empty(t, groups)
}

func TestPresplitOversizedRequiresSplitterWhenNeeded(t *testing.T) {
	dir := t.TempDir()
	files := []discoveredFile{
		{VirtualPath: "big.gguf", PhysicalPath: filepath.Join(dir, "big.gguf"), Size: 5000},
	}

	_, _, err := presplitOversized(context.Background(), nil, files, 1000, filepath.Join(dir, ".intermediates"))
	assert.Error(t, err)
}

func TestHashPresplitGroupConcatenatesPartsInOrder(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "p1")
	p2 := filepath.Join(dir, "p2")
	require.NoError(t, os.WriteFile(p1, []byte("hello "), 0o644))
	require.NoError(t, os.WriteFile(p2, []byte("world"), 0o644))

	g := presplitGroup{VirtualPath: "llama.gguf", Parts: []string{p1, p2}}
	entry, err := hashPresplitGroup(g)
	require.NoError(t, err)

	assert.Equal(t, int64(11), entry.Size)
	require.Len(t, entry.Shards, 2)
	assert.Equal(t, int64(0), entry.Shards[0].Offset)
	assert.Equal(t, int64(6), entry.Shards[1].Offset)
}
