package packager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulogix/webmodeldelivery/pkg/filemap"
	"github.com/kulogix/webmodeldelivery/pkg/packager/ggufsplit"
)

func docWithFiles(names ...string) *filemap.Document {
	doc := &filemap.Document{Files: map[string]*filemap.FileEntry{}}
	for _, n := range names {
		doc.Files[n] = &filemap.FileEntry{Size: 10, CDNFile: n}
	}
	return doc
}

func TestSynthesizeManifestsExplicitMode(t *testing.T) {
	doc := docWithFiles("model.bin", "config.json")
	manifests, warnings, meta, err := synthesizeManifests(context.Background(), "full", doc, []string{"model.bin", "config.json"}, nil, "")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Nil(t, meta)
	require.Contains(t, manifests, "full")
	assert.ElementsMatch(t, []string{"model.bin", "config.json"}, manifests["full"].Files)
	assert.Equal(t, int64(20), manifests["full"].Size)
}

func TestSynthesizeManifestsAutoGroupsONNXByQuant(t *testing.T) {
	doc := docWithFiles("model_q4.onnx", "model_q4.onnx_data", "model_q8.onnx", "tokenizer.json")
	manifests, _, _, err := synthesizeManifests(context.Background(), "", doc,
		[]string{"model_q4.onnx", "model_q4.onnx_data", "model_q8.onnx", "tokenizer.json"}, nil, "")
	require.NoError(t, err)

	require.Contains(t, manifests, "q4")
	require.Contains(t, manifests, "q8")
	assert.ElementsMatch(t, []string{"model_q4.onnx", "model_q4.onnx_data", "tokenizer.json"}, manifests["q4"].Files)
	assert.ElementsMatch(t, []string{"model_q8.onnx", "tokenizer.json"}, manifests["q8"].Files)
}

func TestSynthesizeManifestsFallbackWhenNothingRecognized(t *testing.T) {
	doc := docWithFiles("README.md", "LICENSE")
	manifests, warnings, _, err := synthesizeManifests(context.Background(), "", doc, []string{"README.md", "LICENSE"}, nil, "")
	require.NoError(t, err)
	assert.Empty(t, manifests)
	assert.Empty(t, warnings)
}

func TestBuildManifestEntryDedupesAndSums(t *testing.T) {
	doc := docWithFiles("a.bin", "b.bin")
	entry := buildManifestEntry(doc, []string{"a.bin", "a.bin", "b.bin"})
	assert.Len(t, entry.Files, 2)
	assert.Equal(t, int64(20), entry.Size)
}

func TestGGUFPhysicalHintUsesFirstShardForPresplitGroup(t *testing.T) {
	doc := &filemap.Document{Files: map[string]*filemap.FileEntry{
		"llama.gguf": {
			Size: 20,
			Shards: []*filemap.Shard{
				{File: "llama-00001-of-00002.gguf", Size: 10},
				{File: "llama-00002-of-00002.gguf", Size: 10},
			},
		},
	}}
	path, ok := ggufPhysicalHint(doc, "llama.gguf", "/out")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/out", "llama-00001-of-00002.gguf"), path)
}

func TestGGUFPhysicalHintRejectsByteSplitShards(t *testing.T) {
	doc := &filemap.Document{Files: map[string]*filemap.FileEntry{
		"llama.gguf": {
			Size: 20,
			Shards: []*filemap.Shard{
				{File: "llama.gguf.shard.000", Size: 10},
				{File: "llama.gguf.shard.001", Size: 10},
			},
		},
	}}
	_, ok := ggufPhysicalHint(doc, "llama.gguf", "/out")
	assert.False(t, ok)
}

// writeFakeHeaderTool writes an executable shell script standing in for the
// external header-reader binary, emitting fixed key=value output regardless
// of which GGUF path it's pointed at.
func writeFakeHeaderTool(t *testing.T, dir, kind, quant string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-gguf-header")
	script := "#!/bin/sh\necho architecture=llama\necho kind=" + kind + "\necho quantization=" + quant + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSynthesizeManifestsClassifiesPresplitGGUFViaFirstShard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llama-00001-of-00002.gguf"), []byte("part1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llama-00002-of-00002.gguf"), []byte("part2"), 0o644))

	headerBin := writeFakeHeaderTool(t, dir, "llm", "Q4_K_M")
	tool := &ggufsplit.Tool{HeaderBin: headerBin}

	doc := &filemap.Document{Files: map[string]*filemap.FileEntry{
		"llama.gguf": {
			Size: 10,
			Shards: []*filemap.Shard{
				{File: "llama-00001-of-00002.gguf", Size: 5},
				{File: "llama-00002-of-00002.gguf", Size: 5},
			},
		},
	}}

	manifests, _, meta, err := synthesizeManifests(context.Background(), "", doc, []string{"llama.gguf"}, tool, dir)
	require.NoError(t, err)
	require.Contains(t, manifests, "llm_Q4_K_M")
	assert.Equal(t, []string{"llama.gguf"}, manifests["llm_Q4_K_M"].Files)
	require.Contains(t, meta, "llama.gguf")
	assert.Equal(t, "llm", meta["llama.gguf"].Kind)
}
