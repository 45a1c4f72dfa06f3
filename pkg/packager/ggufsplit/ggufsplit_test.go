package ggufsplit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePresplitNameMatches(t *testing.T) {
	base, idx, total, ok := ParsePresplitName("/models/llama-00002-of-00004.gguf")
	require.True(t, ok)
	assert.Equal(t, "llama", base)
	assert.Equal(t, 2, idx)
	assert.Equal(t, 4, total)
}

func TestParsePresplitNameRejectsNonMatching(t *testing.T) {
	_, _, _, ok := ParsePresplitName("llama.gguf")
	assert.False(t, ok)

	_, _, _, ok = ParsePresplitName("llama-2-of-4.gguf") // not zero-padded to 5 digits
	assert.False(t, ok)
}

func TestExtractVersionToken(t *testing.T) {
	assert.Equal(t, "1.2.3", extractVersionToken("gguf-split version 1.2.3 (abcdef)"))
	assert.Equal(t, "0.9.0", extractVersionToken("0.9.0"))
}

func TestParseHeaderOutputLLM(t *testing.T) {
	desc, err := parseHeaderOutput([]byte("architecture=llama\nkind=llm\nquantization=Q4_K_M\n"))
	require.NoError(t, err)
	assert.Equal(t, "llama", desc.Architecture)
	assert.Equal(t, "llm", desc.Kind)
	assert.Equal(t, "Q4_K_M", desc.Quantization)
}

func TestParseHeaderOutputMMProj(t *testing.T) {
	desc, err := parseHeaderOutput([]byte("architecture=clip\nkind=mmproj\nquantization=F16\n"))
	require.NoError(t, err)
	assert.Equal(t, "mmproj", desc.Kind)
}

func TestParseHeaderOutputRejectsUnknownKind(t *testing.T) {
	_, err := parseHeaderOutput([]byte("architecture=clip\nkind=weird\n"))
	assert.Error(t, err)
}

func TestCheckVersionRejectsUnparsableConstraint(t *testing.T) {
	tool := &Tool{SplitBin: "does-not-exist-binary", VersionConstraint: "not a constraint"}
	err := tool.CheckVersion(t.Context())
	assert.Error(t, err)
}
