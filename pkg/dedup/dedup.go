// Package dedup coalesces concurrent requests for the same shard bytes
// into a single underlying fetch (§4.F). golang.org/x/sync/singleflight is
// the in-flight-task map itself: its Do call already gives "at most one
// concurrent execution per key, every other caller blocks and shares the
// result, the slot is cleared once the call returns" — exactly the
// lifecycle spec §3 describes for the in-flight shard map.
package dedup

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/kulogix/webmodeldelivery/pkg/shardstore"
)

// Fetcher is the underlying byte source a Deduplicator wraps: a
// shardstore.Store, or anything with the same shape (tests use a stub).
type Fetcher interface {
	ReadShard(ctx context.Context, src shardstore.Source, name string) ([]byte, error)
	ReadRange(ctx context.Context, src shardstore.Source, name string, start, end int64) ([]byte, int, error)
}

// Deduplicator wraps a Fetcher so that concurrent callers asking for the
// same shard (or the same byte range of a shard) share one underlying
// fetch. Each caller still gets its own slice: the singleflight result is
// copied per-caller so that one caller mutating its buffer can never
// corrupt what another caller received, matching the "defensive copy"
// guarantee in spec §4.F.
type Deduplicator struct {
	fetcher Fetcher
	group   singleflight.Group
}

// New wraps fetcher.
func New(fetcher Fetcher) *Deduplicator {
	return &Deduplicator{fetcher: fetcher}
}

// ReadShard fetches the full bytes of a shard, deduplicated by (source,
// name): at most one network fetch for that key is ever in flight.
func (d *Deduplicator) ReadShard(ctx context.Context, src shardstore.Source, name string) ([]byte, error) {
	key := shardKey(src, name)
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return d.fetcher.ReadShard(ctx, src, name)
	})
	if err != nil {
		return nil, err
	}
	return copyBytes(v.([]byte)), nil
}

// ReadRange fetches a byte range of a shard, deduplicated by (source, name,
// start, end): two callers asking for the identical range of the same
// shard at the same time share one fetch; callers asking for different
// ranges of the same shard do not — each still goes over the network, but
// never duplicated with an identical concurrent request.
func (d *Deduplicator) ReadRange(ctx context.Context, src shardstore.Source, name string, start, end int64) ([]byte, int, error) {
	key := fmt.Sprintf("%s#%d-%d", shardKey(src, name), start, end)

	type result struct {
		data   []byte
		status int
	}

	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		data, status, err := d.fetcher.ReadRange(ctx, src, name, start, end)
		if err != nil {
			return nil, err
		}
		return result{data: data, status: status}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(result)
	return copyBytes(r.data), r.status, nil
}

func shardKey(src shardstore.Source, name string) string {
	return src.Key() + "|" + name
}

func copyBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
