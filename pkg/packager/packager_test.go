package packager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulogix/webmodeldelivery/pkg/packager/ggufsplit"
)

func TestRunExplicitManifestPublishesFlatFile(t *testing.T) {
	in := writeTree(t, map[string]string{
		"model.bin":   "hello world",
		"config.json": `{"k":"v"}`,
	})
	out := t.TempDir()

	p := New(Options{Inputs: []string{in}, OutputDir: out, Manifest: "full"})
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Contains(t, result.Document.Manifests, "full")
	assert.Len(t, result.Document.Manifests["full"].Files, 2)
	assert.Equal(t, 2, result.NewCount)

	data, err := os.ReadFile(filepath.Join(out, "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, err = os.Stat(filepath.Join(out, "filemap.json"))
	assert.NoError(t, err)
}

func TestRunByteSplitsOversizedFile(t *testing.T) {
	in := writeTree(t, map[string]string{
		"big.bin": string(make([]byte, 25)),
	})
	out := t.TempDir()

	p := New(Options{Inputs: []string{in}, OutputDir: out, ChunkSize: 10, Manifest: "full"})
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	entry := result.Document.Files["big.bin"]
	require.True(t, entry.Sharded())
	assert.Len(t, entry.Shards, 3)
}

func TestRunRefusesExistingOutputWithoutMergeOrOverwrite(t *testing.T) {
	in := writeTree(t, map[string]string{"a.bin": "x"})
	out := t.TempDir()

	p1 := New(Options{Inputs: []string{in}, OutputDir: out, Manifest: "full"})
	_, err := p1.Run(context.Background())
	require.NoError(t, err)

	p2 := New(Options{Inputs: []string{in}, OutputDir: out, Manifest: "full"})
	_, err = p2.Run(context.Background())
	assert.Error(t, err)
}

func TestRunMergeDedupsAgainstExistingOutput(t *testing.T) {
	in1 := writeTree(t, map[string]string{"a.bin": "same content"})
	out := t.TempDir()

	p1 := New(Options{Inputs: []string{in1}, OutputDir: out, Manifest: "full"})
	r1, err := p1.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r1.NewCount)

	in2 := writeTree(t, map[string]string{"b.bin": "same content"})
	p2 := New(Options{Inputs: []string{in2}, OutputDir: out, Merge: true, Manifest: "full"})
	r2, err := p2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r2.DedupedCount)
	assert.Equal(t, r1.Document.Files["a.bin"].CDNFile, r2.Document.Files["b.bin"].CDNFile)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	in := writeTree(t, map[string]string{"a.bin": "x"})
	out := t.TempDir()

	p := New(Options{Inputs: []string{in}, OutputDir: out, Manifest: "full", DryRun: true})
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.DryRun)

	entries, _ := os.ReadDir(out)
	assert.Empty(t, entries)
}

func TestRequiredBytesMarginIsOnePercent(t *testing.T) {
	assert.InDelta(t, 1.01, spaceMargin, 0.0001)
}

// writeFakeSplitTool writes an executable shell script standing in for the
// external gguf-split binary: it answers --version, and otherwise carves
// its source file into two equal halves named after the shard convention.
func writeFakeSplitTool(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-gguf-split")
	script := `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "0.1.0"
  exit 0
fi
shift 2
src="$1"
outprefix="$2"
head -c 5 "$src" > "${outprefix}-00001-of-00002.gguf"
tail -c +6 "$src" > "${outprefix}-00002-of-00002.gguf"
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunPresplitsOversizedGGUFAndChecksIntermediateDiskSpace(t *testing.T) {
	tools := t.TempDir()
	splitBin := writeFakeSplitTool(t, tools)

	in := writeTree(t, map[string]string{"big.gguf": "0123456789"})
	out := t.TempDir()

	p := New(Options{
		Inputs:             []string{in},
		OutputDir:          out,
		Manifest:           "full",
		GGUFShardThreshold: 5,
		Splitter:           &ggufsplit.Tool{SplitBin: splitBin, VersionConstraint: ">= 0.1.0"},
	})
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.PresplitGroups)

	entry := result.Document.Files["big.gguf"]
	require.True(t, entry.Sharded())
	require.Len(t, entry.Shards, 2)

	part1, err := os.ReadFile(filepath.Join(out, entry.Shards[0].File))
	require.NoError(t, err)
	assert.Equal(t, "01234", string(part1))

	part2, err := os.ReadFile(filepath.Join(out, entry.Shards[1].File))
	require.NoError(t, err)
	assert.Equal(t, "56789", string(part2))

	_, err = os.Stat(filepath.Join(out, ".intermediates"))
	assert.True(t, os.IsNotExist(err), "intermediates directory is removed unless KeepIntermediates is set")
}

func TestRunOverwriteWipesExistingDedupOracle(t *testing.T) {
	in1 := writeTree(t, map[string]string{"a.bin": "same content"})
	out := t.TempDir()
	p1 := New(Options{Inputs: []string{in1}, OutputDir: out, Manifest: "full"})
	_, err := p1.Run(context.Background())
	require.NoError(t, err)

	in2 := writeTree(t, map[string]string{"b.bin": "same content"})
	p2 := New(Options{Inputs: []string{in2}, OutputDir: out, Overwrite: true, Manifest: "full"})
	r2, err := p2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r2.NewCount, "overwrite clears the dedup oracle, so the second run's content is new")
	assert.Equal(t, 0, r2.DedupedCount)
}
