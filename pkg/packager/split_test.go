package packager

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFileProducesOrderedShards(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("x"), 25)
	src := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	outDir := filepath.Join(dir, "out")
	entry, err := splitFile(src, outDir, 10)
	require.NoError(t, err)

	require.Len(t, entry.Shards, 3)
	assert.Equal(t, "big.bin.shard.000", entry.Shards[0].File)
	assert.Equal(t, int64(0), entry.Shards[0].Offset)
	assert.Equal(t, int64(10), entry.Shards[0].Size)
	assert.Equal(t, int64(20), entry.Shards[2].Offset)
	assert.Equal(t, int64(5), entry.Shards[2].Size, "last shard is smaller")

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), entry.SHA256)
}

func TestSplitFileShardsReassembleToOriginal(t *testing.T) {
	dir := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog")
	src := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	outDir := filepath.Join(dir, "out")
	entry, err := splitFile(src, outDir, 7)
	require.NoError(t, err)

	var reassembled []byte
	for _, s := range entry.Shards {
		data, err := os.ReadFile(filepath.Join(outDir, s.File))
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), s.Size)
		reassembled = append(reassembled, data...)
	}
	assert.Equal(t, content, reassembled)
}

func TestSplitFileSingleShardWhenSmallerThanChunkSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "small.bin")
	require.NoError(t, os.WriteFile(src, []byte("tiny"), 0o644))

	entry, err := splitFile(src, filepath.Join(dir, "out"), 1<<20)
	require.NoError(t, err)
	require.Len(t, entry.Shards, 1)
	assert.Equal(t, int64(4), entry.Shards[0].Size)
}
