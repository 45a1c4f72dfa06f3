// Package reassemble turns a filemap entry (and, optionally, a byte range)
// back into the exact bytes of the original logical file (§4.D).
package reassemble

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
	"github.com/kulogix/webmodeldelivery/pkg/filemap"
	"github.com/kulogix/webmodeldelivery/pkg/shardstore"
)

// Fetcher is the byte source a Reassembler reads shards from — normally a
// *dedup.Deduplicator wrapping a *shardstore.Store, so that concurrent
// reassemblies of the same shard coalesce onto one fetch.
type Fetcher interface {
	ReadShard(ctx context.Context, src shardstore.Source, name string) ([]byte, error)
	ReadRange(ctx context.Context, src shardstore.Source, name string, start, end int64) ([]byte, int, error)
}

// Result is an HTTP-shaped response body for one reassembly call (§6.4).
type Result struct {
	Status        int
	ContentLength int64
	ContentRange  string // e.g. "bytes 0-99/1000"; empty when not a range response
	Body          io.Reader
}

// Reassembler produces logical-file bytes from filemap entries.
type Reassembler struct {
	fetcher Fetcher
}

// New wraps fetcher.
func New(fetcher Fetcher) *Reassembler {
	return &Reassembler{fetcher: fetcher}
}

// ReadFull streams the entire logical file described by entry, status 200.
// For sharded entries the body is a lazy, finite, non-restartable sequence
// of shard-sized reads: no shard is fetched until the previous one is
// exhausted, so the full file is never held in memory at once.
func (r *Reassembler) ReadFull(ctx context.Context, entry *filemap.FileEntry, src shardstore.Source) (*Result, error) {
	if !entry.Sharded() {
		data, err := r.fetcher.ReadShard(ctx, src, entry.CDNFile)
		if err != nil {
			return nil, err
		}
		return &Result{Status: http.StatusOK, ContentLength: int64(len(data)), Body: bytes.NewReader(data)}, nil
	}

	return &Result{
		Status:        http.StatusOK,
		ContentLength: entry.Size,
		Body:          newShardStream(ctx, r.fetcher, src, entry.Shards),
	}, nil
}

// ReadRange returns the bytes of [start,end] (inclusive), status 206, or a
// 416 with an empty body if start is out of range. Preconditions per §4.D:
// 0 <= start <= end <= size-1 for any in-range call.
func (r *Reassembler) ReadRange(ctx context.Context, entry *filemap.FileEntry, src shardstore.Source, start, end int64) (*Result, error) {
	size := entry.Size
	if start >= size || start < 0 {
		return &Result{
			Status:       http.StatusRequestedRangeNotSatisfiable,
			ContentRange: fmt.Sprintf("bytes */%d", size),
			Body:         bytes.NewReader(nil),
		}, nil
	}
	if end >= size {
		end = size - 1
	}
	if end < start {
		end = start
	}

	var data []byte
	var err error
	if entry.Sharded() {
		data, err = r.readRangeSharded(ctx, src, entry.Shards, start, end)
	} else {
		var status int
		data, status, err = r.fetcher.ReadRange(ctx, src, entry.CDNFile, start, end)
		if err == nil && status == http.StatusOK && int64(len(data)) > end {
			data = data[start : end+1]
		}
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:        http.StatusPartialContent,
		ContentLength: int64(len(data)),
		ContentRange:  fmt.Sprintf("bytes %d-%d/%d", start, end, size),
		Body:          bytes.NewReader(data),
	}, nil
}

// coveredShard is one shard overlapping [start,end], with its offsets into
// both the logical file and the shard's own local coordinate space.
type coveredShard struct {
	index      int
	shard      *filemap.Shard
	localStart int64 // offset within the shard
	localEnd   int64 // inclusive offset within the shard
}

func coveringShards(shards []*filemap.Shard, start, end int64) []coveredShard {
	var covered []coveredShard
	for i, s := range shards {
		shardStart, shardEnd := s.Offset, s.End()-1
		if shardEnd < start || shardStart > end {
			continue
		}
		localStart := max64(0, start-s.Offset)
		localEnd := min64(s.Size-1, end-s.Offset)
		covered = append(covered, coveredShard{index: i, shard: s, localStart: localStart, localEnd: localEnd})
	}
	return covered
}

// readRangeSharded fetches the minimal prefix-suffix of shards covering
// [start,end], concurrently, then concatenates them back in offset order
// even if the underlying fetches complete out of order (§5 ordering
// guarantee).
func (r *Reassembler) readRangeSharded(ctx context.Context, src shardstore.Source, shards []*filemap.Shard, start, end int64) ([]byte, error) {
	covered := coveringShards(shards, start, end)
	slices := make([][]byte, len(covered))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range covered {
		i, c := i, c
		g.Go(func() error {
			fullSpan := c.localStart == 0 && c.localEnd == c.shard.Size-1
			if fullSpan {
				data, err := r.fetcher.ReadShard(gctx, src, c.shard.File)
				if err != nil {
					return err
				}
				slices[i] = data
				return nil
			}
			data, status, err := r.fetcher.ReadRange(gctx, src, c.shard.File, c.localStart, c.localEnd)
			if err != nil {
				return err
			}
			if status == http.StatusOK && int64(len(data)) > c.localEnd {
				data = data[c.localStart : c.localEnd+1]
			}
			slices[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for _, s := range slices {
		out.Write(s)
	}
	return out.Bytes(), nil
}

// shardStream is the lazy, sequential shard reader behind ReadFull for
// sharded entries: finite, forward-only, never buffering more than one
// shard at a time.
type shardStream struct {
	ctx     context.Context
	fetcher Fetcher
	src     shardstore.Source
	shards  []*filemap.Shard
	idx     int
	cur     *bytes.Reader
	err     error
}

func newShardStream(ctx context.Context, fetcher Fetcher, src shardstore.Source, shards []*filemap.Shard) *shardStream {
	return &shardStream{ctx: ctx, fetcher: fetcher, src: src, shards: shards}
}

func (s *shardStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	for {
		if s.cur != nil {
			n, err := s.cur.Read(p)
			if err == io.EOF {
				s.cur = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		if s.idx >= len(s.shards) {
			return 0, io.EOF
		}

		shard := s.shards[s.idx]
		s.idx++
		data, err := s.fetcher.ReadShard(s.ctx, s.src, shard.File)
		if err != nil {
			s.err = werrors.Transport(fmt.Sprintf("reassemble shard %s", shard.File), err)
			return 0, s.err
		}
		s.cur = bytes.NewReader(data)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
