package filemap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kulogix/webmodeldelivery/pkg/shardstore"
)

// Fetcher is the subset of shardstore.Store the loader needs: fetching raw
// filemap bytes for a source. A narrow interface here keeps this package
// testable without a real Store.
type Fetcher interface {
	ReadFilemap(ctx context.Context, src shardstore.Source) ([]byte, error)
}

// InitFunc is called once, synchronously, the first time a source's
// filemap successfully loads — the hook the progress state machine (§4.G)
// uses to size itself from the freshly loaded document.
type InitFunc func(source shardstore.Source, doc *Document)

// Loader fetches and parses filemap documents, memoized per source so that
// a filemap is fetched at most once regardless of how many callers ask for
// it (§4.B). Concurrent callers for the same source coalesce onto a single
// in-flight fetch via singleflight, exactly like the shard fetch
// deduplicator in pkg/dedup.
type Loader struct {
	fetcher Fetcher
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Document

	// DiskMemoDir, if set, additionally persists successfully loaded
	// documents to one JSON file per source-key hash so a process restart
	// does not re-fetch a remote filemap (§4.B).
	DiskMemoDir string

	OnLoad InitFunc
}

// NewLoader builds a Loader backed by fetcher.
func NewLoader(fetcher Fetcher) *Loader {
	return &Loader{
		fetcher: fetcher,
		cache:   make(map[string]*Document),
	}
}

// Load returns the memoized document for src, fetching and parsing it on
// first call. A failed fetch clears the pending slot so a later call
// retries (§4.B, §7): singleflight already does this by construction —
// Do's shared call is removed once it returns, regardless of outcome.
func (l *Loader) Load(ctx context.Context, src shardstore.Source) (*Document, error) {
	key := src.Key()

	l.mu.RLock()
	if doc, ok := l.cache[key]; ok {
		l.mu.RUnlock()
		return doc, nil
	}
	l.mu.RUnlock()

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		if doc := l.loadFromDisk(key); doc != nil {
			if l.OnLoad != nil {
				l.OnLoad(src, doc)
			}
			return doc, nil
		}

		raw, err := l.fetcher.ReadFilemap(ctx, src)
		if err != nil {
			return nil, err
		}

		doc, err := Parse(raw)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.cache[key] = doc
		l.mu.Unlock()

		l.saveToDisk(key, raw)

		if l.OnLoad != nil {
			l.OnLoad(src, doc)
		}

		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// Forget drops the memoized document for src, forcing the next Load to
// re-fetch. Used by the resolver's clear-cache control message.
func (l *Loader) Forget(src shardstore.Source) {
	key := src.Key()
	l.mu.Lock()
	delete(l.cache, key)
	l.mu.Unlock()
	if l.DiskMemoDir != "" {
		_ = os.Remove(l.diskMemoPath(key))
	}
}

func (l *Loader) diskMemoPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(l.DiskMemoDir, hex.EncodeToString(sum[:])+".filemap.json")
}

func (l *Loader) loadFromDisk(key string) *Document {
	if l.DiskMemoDir == "" {
		return nil
	}
	raw, err := os.ReadFile(l.diskMemoPath(key))
	if err != nil {
		return nil
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	l.cache[key] = doc
	l.mu.Unlock()
	return doc
}

func (l *Loader) saveToDisk(key string, raw []byte) {
	if l.DiskMemoDir == "" {
		return
	}
	if err := os.MkdirAll(l.DiskMemoDir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(l.diskMemoPath(key), raw, 0o644)
}
