package reassemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulogix/webmodeldelivery/pkg/filemap"
	"github.com/kulogix/webmodeldelivery/pkg/shardstore"
)

// memFetcher serves shard bytes straight out of a map; no network, no
// cache — reassemble logic is exercised in isolation.
type memFetcher struct {
	shards map[string][]byte
}

func (f *memFetcher) ReadShard(ctx context.Context, src shardstore.Source, name string) ([]byte, error) {
	return f.shards[name], nil
}

func (f *memFetcher) ReadRange(ctx context.Context, src shardstore.Source, name string, start, end int64) ([]byte, int, error) {
	data := f.shards[name]
	if start >= int64(len(data)) {
		return nil, http.StatusRequestedRangeNotSatisfiable, nil
	}
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return data[start : end+1], http.StatusPartialContent, nil
}

func shardedEntry() (*filemap.FileEntry, *memFetcher) {
	shard0 := []byte("0123456789") // 10 bytes
	shard1 := []byte("abcdefghij") // 10 bytes
	shard2 := []byte("WXYZZ")      // 5 bytes
	full := append(append(append([]byte{}, shard0...), shard1...), shard2...)
	sum := sha256.Sum256(full)

	entry := &filemap.FileEntry{
		Size:   25,
		SHA256: hex.EncodeToString(sum[:]),
		Shards: []*filemap.Shard{
			{File: "a.bin.shard.000", Offset: 0, Size: 10},
			{File: "a.bin.shard.001", Offset: 10, Size: 10},
			{File: "a.bin.shard.002", Offset: 20, Size: 5},
		},
	}
	fetcher := &memFetcher{shards: map[string][]byte{
		"a.bin.shard.000": shard0,
		"a.bin.shard.001": shard1,
		"a.bin.shard.002": shard2,
	}}
	return entry, fetcher
}

func TestReadFullShardedConcatenatesInOrder(t *testing.T) {
	entry, fetcher := shardedEntry()
	r := New(fetcher)

	res, err := r.ReadFull(context.Background(), entry, shardstore.Source{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.EqualValues(t, 25, res.ContentLength)

	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdefghijWXYZZ", string(data))

	sum := sha256.Sum256(data)
	assert.Equal(t, entry.SHA256, hex.EncodeToString(sum[:]))
}

func TestReadRangeCrossShard(t *testing.T) {
	entry, fetcher := shardedEntry()
	r := New(fetcher)

	res, err := r.ReadRange(context.Background(), entry, shardstore.Source{}, 7, 14)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, res.Status)
	assert.Equal(t, "bytes 7-14/25", res.ContentRange)

	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "789abcde", string(data))
	assert.Len(t, data, 8)
}

func TestReadRangeOutOfBounds(t *testing.T) {
	entry, fetcher := shardedEntry()
	r := New(fetcher)

	res, err := r.ReadRange(context.Background(), entry, shardstore.Source{}, 25, 30)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, res.Status)
	assert.Equal(t, "bytes */25", res.ContentRange)
}

func TestReadRangeFullSpanMatchesReadFull(t *testing.T) {
	entry, fetcher := shardedEntry()
	r := New(fetcher)

	full, err := r.ReadFull(context.Background(), entry, shardstore.Source{})
	require.NoError(t, err)
	fullData, err := io.ReadAll(full.Body)
	require.NoError(t, err)

	ranged, err := r.ReadRange(context.Background(), entry, shardstore.Source{}, 0, entry.Size-1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, ranged.Status)
	rangedData, err := io.ReadAll(ranged.Body)
	require.NoError(t, err)

	assert.Equal(t, fullData, rangedData)
}

func TestRangeCompositionLaw(t *testing.T) {
	entry, fetcher := shardedEntry()
	r := New(fetcher)

	a, b, c := int64(2), int64(13), int64(22)

	left, err := r.ReadRange(context.Background(), entry, shardstore.Source{}, a, b)
	require.NoError(t, err)
	leftData, _ := io.ReadAll(left.Body)

	right, err := r.ReadRange(context.Background(), entry, shardstore.Source{}, b+1, c)
	require.NoError(t, err)
	rightData, _ := io.ReadAll(right.Body)

	whole, err := r.ReadRange(context.Background(), entry, shardstore.Source{}, a, c)
	require.NoError(t, err)
	wholeData, _ := io.ReadAll(whole.Body)

	assert.Equal(t, wholeData, append(leftData, rightData...))
}

func TestReadRangeUnsharded(t *testing.T) {
	entry := &filemap.FileEntry{Size: 1000, SHA256: "x", CDNFile: "whole.bin"}
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	fetcher := &memFetcher{shards: map[string][]byte{"whole.bin": data}}
	r := New(fetcher)

	res, err := r.ReadRange(context.Background(), entry, shardstore.Source{}, 0, 99)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, res.Status)
	assert.Equal(t, "bytes 0-99/1000", res.ContentRange)
	assert.EqualValues(t, 100, res.ContentLength)
}

func TestReadFullUnshardedBehavesLikeSingleShard(t *testing.T) {
	data := []byte("unsharded-content")
	unshardedEntry := &filemap.FileEntry{Size: int64(len(data)), SHA256: "x", CDNFile: "f.bin"}
	shardedEquivalent := &filemap.FileEntry{
		Size:   int64(len(data)),
		SHA256: "x",
		Shards: []*filemap.Shard{{File: "f.bin", Offset: 0, Size: int64(len(data))}},
	}
	fetcher := &memFetcher{shards: map[string][]byte{"f.bin": data}}
	r := New(fetcher)

	a, err := r.ReadFull(context.Background(), unshardedEntry, shardstore.Source{})
	require.NoError(t, err)
	aData, _ := io.ReadAll(a.Body)

	b, err := r.ReadFull(context.Background(), shardedEquivalent, shardstore.Source{})
	require.NoError(t, err)
	bData, _ := io.ReadAll(b.Body)

	assert.Equal(t, aData, bData)
}
