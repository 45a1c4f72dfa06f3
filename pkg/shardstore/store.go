// Package shardstore provides content-addressed byte storage for shards and
// filemaps: a local flat directory, a generic HTTP CDN, or an S3 bucket,
// each behind the same Store, with a write-through local cache for the two
// remote backings (§4.A).
package shardstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/go-homedir"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
)

// DefaultRetries and DefaultRetryDelay implement the linear backoff named
// in §4.A: delays 1s, 2s, 3s, ... for up to DefaultRetries retries after
// the first attempt.
const (
	DefaultRetries    = 3
	DefaultRetryDelay = time.Second
)

// S3Location addresses a remote CDN backed directly by an S3 bucket rather
// than a generic HTTP origin, the way large binary artifacts actually get
// published (monobeam/registry's push path).
type S3Location struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // empty for real AWS S3; set for S3-compatible CDNs
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Source addresses one origin a shard or filemap can be read from. Exactly
// one of LocalBase, CDNBase, or S3 is set, mirroring the "at most one of
// cdnBase/localBase" rule in spec §3 (S3 is a second remote flavor of
// cdnBase).
type Source struct {
	LocalBase string
	CDNBase   string
	S3        *S3Location

	// CacheRoot is the local write-through cache directory for remote
	// sources. Defaults to ~/.cache/webmodeldelivery/shards when empty.
	CacheRoot string
}

// Key returns the stable string that identifies this source's origin,
// used both for shard cache path derivation and as the filemap loader's
// memoization key.
func (s Source) Key() string {
	switch {
	case s.LocalBase != "":
		return "local:" + s.LocalBase
	case s.S3 != nil:
		return "s3://" + s.S3.Bucket + "/" + s.S3.Prefix
	default:
		return s.CDNBase
	}
}

func (s Source) remote() bool {
	return s.LocalBase == ""
}

// Store reads shard and filemap bytes from a Source, transparently caching
// remote reads to local disk.
type Store struct {
	HTTPClient  *http.Client
	Retries     int
	RetryDelay  time.Duration
	defaultRoot string
}

// New builds a Store with sensible defaults: 3 retries at linear 1s/2s/3s
// backoff and a 30s per-attempt HTTP timeout.
func New() *Store {
	root, err := homedir.Expand("~/.cache/webmodeldelivery/shards")
	if err != nil {
		root = filepath.Join(os.TempDir(), "webmodeldelivery-shards")
	}
	return &Store{
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Retries:     DefaultRetries,
		RetryDelay:  DefaultRetryDelay,
		defaultRoot: root,
	}
}

// DefaultRoot returns the default write-through shard cache directory,
// letting callers (e.g. the direct resolve API's output-directory naming)
// derive sibling paths under the same cache root.
func (st *Store) DefaultRoot() string {
	return st.defaultRoot
}

// ClearCache wipes the default write-through shard cache directory, per the
// resolver control surface's "clear-cache" message (§6.3).
func (st *Store) ClearCache() error {
	return os.RemoveAll(st.defaultRoot)
}

func (st *Store) cacheRoot(src Source) string {
	if src.CacheRoot != "" {
		return src.CacheRoot
	}
	return st.defaultRoot
}

// cachePath derives the local cache path for a shard: the first 16 hex
// chars of SHA-256 over the source key, concatenated with the shard
// basename (§4.A).
func (st *Store) cachePath(src Source, shardName string) string {
	sum := sha256.Sum256([]byte(src.Key()))
	prefix := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(st.cacheRoot(src), prefix+"_"+filepath.Base(shardName))
}

// ReadShard returns the full bytes of one shard (or unsharded CDN object).
func (st *Store) ReadShard(ctx context.Context, src Source, name string) ([]byte, error) {
	if !src.remote() {
		return st.readLocal(src, name)
	}

	cachePath := st.cachePath(src, name)
	if data, err := os.ReadFile(cachePath); err == nil {
		return data, nil
	}

	data, _, err := st.fetchRemoteRange(ctx, src, name, -1, -1)
	if err != nil {
		return nil, err
	}

	st.writeThrough(cachePath, data)
	return data, nil
}

// ReadRange returns the bytes of [start,end] (inclusive) of a shard and
// whether the origin honored the range (status == http.StatusPartialContent)
// or returned the full object (http.StatusOK), in which case the caller
// should treat the full shard as now cached. start<0 requests the whole
// object.
func (st *Store) ReadRange(ctx context.Context, src Source, name string, start, end int64) (data []byte, status int, err error) {
	if !src.remote() {
		full, err := st.readLocal(src, name)
		if err != nil {
			return nil, 0, err
		}
		if start < 0 {
			return full, http.StatusOK, nil
		}
		if start >= int64(len(full)) {
			return nil, http.StatusRequestedRangeNotSatisfiable, nil
		}
		if end >= int64(len(full)) {
			end = int64(len(full)) - 1
		}
		return full[start : end+1], http.StatusPartialContent, nil
	}

	cachePath := st.cachePath(src, name)
	if full, err := os.ReadFile(cachePath); err == nil {
		if start < 0 {
			return full, http.StatusOK, nil
		}
		if start >= int64(len(full)) {
			return nil, http.StatusRequestedRangeNotSatisfiable, nil
		}
		if end >= int64(len(full)) {
			end = int64(len(full)) - 1
		}
		return full[start : end+1], http.StatusPartialContent, nil
	}

	data, status, err = st.fetchRemoteRange(ctx, src, name, start, end)
	if err != nil {
		return nil, 0, err
	}
	if status == http.StatusOK {
		st.writeThrough(cachePath, data)
	}
	return data, status, nil
}

// ReadFilemap fetches the raw filemap.json bytes for a source; never
// cached by Store itself (the filemap loader owns its own memoization).
func (st *Store) ReadFilemap(ctx context.Context, src Source) ([]byte, error) {
	if !src.remote() {
		return st.readLocal(src, "filemap.json")
	}
	data, _, err := st.fetchRemoteRange(ctx, src, "filemap.json", -1, -1)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (st *Store) readLocal(src Source, name string) ([]byte, error) {
	path := filepath.Join(src.LocalBase, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, werrors.Transport(fmt.Sprintf("local shard %s not found", path), err)
		}
		return nil, werrors.Transport(fmt.Sprintf("read local shard %s", path), err)
	}
	return data, nil
}

// writeThrough best-effort caches data at path; a failure here is non-fatal
// (§7 "Cache I/O error") and is silently ignored: no error is built,
// logged or returned.
func (st *Store) writeThrough(path string, data []byte) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func (st *Store) fetchRemoteRange(ctx context.Context, src Source, name string, start, end int64) ([]byte, int, error) {
	if src.S3 != nil {
		return st.fetchS3Range(ctx, src, name, start, end)
	}
	return st.fetchHTTPRange(ctx, src, name, start, end)
}

func (st *Store) fetchHTTPRange(ctx context.Context, src Source, name string, start, end int64) ([]byte, int, error) {
	url := src.CDNBase + "/" + name

	var lastErr error
	for attempt := 0; attempt <= st.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * st.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, 0, werrors.Configuration("build shard request", err)
		}
		if start >= 0 {
			if end >= 0 {
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
			} else {
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
			}
		}

		resp, err := st.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return data, resp.StatusCode, nil
		case http.StatusRequestedRangeNotSatisfiable:
			resp.Body.Close()
			return nil, resp.StatusCode, nil
		default:
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				// Client errors (404, etc.) are not transient; don't burn
				// the retry budget on them.
				return nil, 0, werrors.Transport("fetch "+url, lastErr)
			}
		}
	}

	return nil, 0, werrors.Transport(fmt.Sprintf("fetch %s after %d attempts", url, st.Retries+1), lastErr)
}

func (st *Store) s3Client(loc *S3Location) *s3.Client {
	cfg := aws.NewConfig()
	cfg.Region = loc.Region
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if loc.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(loc.Endpoint)
	}
	if loc.AccessKeyID != "" {
		cfg.Credentials = credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     loc.AccessKeyID,
				SecretAccessKey: loc.SecretAccessKey,
				SessionToken:    loc.SessionToken,
			},
		}
	}
	return s3.NewFromConfig(*cfg)
}

func (st *Store) fetchS3Range(ctx context.Context, src Source, name string, start, end int64) ([]byte, int, error) {
	client := st.s3Client(src.S3)
	key := name
	if src.S3.Prefix != "" {
		key = src.S3.Prefix + "/" + name
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(src.S3.Bucket),
		Key:    aws.String(key),
	}
	wantsRange := start >= 0
	if wantsRange {
		if end >= 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", start, end))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= st.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * st.RetryDelay):
			}
		}

		out, err := client.GetObject(ctx, input)
		if err != nil {
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(out.Body)
		out.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		status := http.StatusOK
		if wantsRange && out.ContentRange != nil {
			status = http.StatusPartialContent
		}
		return data, status, nil
	}

	return nil, 0, werrors.Transport(fmt.Sprintf("fetch s3://%s/%s after %d attempts", src.S3.Bucket, key, st.Retries+1), lastErr)
}
