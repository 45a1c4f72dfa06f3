// Package downloader composes the filemap loader, shard reassembler, and
// direct resolve API into a standalone, non-HTTP download path for CLI use
// (cmd/modelpull), without the request-interception machinery pkg/resolver
// carries for an in-process web server (§4.H).
package downloader

import (
	"context"
	"sort"

	"github.com/kulogix/webmodeldelivery/pkg/filemap"
	"github.com/kulogix/webmodeldelivery/pkg/resolver"
	"github.com/kulogix/webmodeldelivery/pkg/shardstore"
)

// Options controls one download call.
type Options struct {
	// Manifests lists one or more named manifests to resolve the union of.
	// Empty resolves every file in the document.
	Manifests []string
	// Verify hashes each written file against its declared SHA256.
	Verify bool
	// OnProgress is called after each file is materialized.
	OnProgress func(virtualPath string, loaded, total int64)
}

// Downloader fetches a source's filemap and materializes files to a local
// directory, the way cmd/modelpull uses it directly, without going through
// an HTTP handler.
type Downloader struct {
	store *shardstore.Store
	r     *resolver.Resolver
}

// New builds a Downloader backed by a fresh shard store.
func New() *Downloader {
	store := shardstore.New()
	return &Downloader{store: store, r: resolver.New(store)}
}

// ListManifests fetches src's filemap and returns its manifest names,
// sorted, for a list-only CLI invocation.
func (d *Downloader) ListManifests(ctx context.Context, src shardstore.Source) ([]string, error) {
	doc, err := d.r.Loader.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	names := doc.ManifestNames()
	sort.Strings(names)
	return names, nil
}

// Document fetches and returns src's filemap document directly, for
// callers that need to inspect it before deciding what to download.
func (d *Downloader) Document(ctx context.Context, src shardstore.Source) (*filemap.Document, error) {
	return d.r.Loader.Load(ctx, src)
}

// Download fetches src's filemap and materializes the requested manifests'
// files (or every file, if none named) to the deterministic output
// directory, returning it.
func (d *Downloader) Download(ctx context.Context, src shardstore.Source, opts Options) (string, map[string]string, error) {
	doc, err := d.r.Loader.Load(ctx, src)
	if err != nil {
		return "", nil, err
	}

	resolveOpts := resolver.ResolveOptions{
		Manifests:  opts.Manifests,
		Verify:     opts.Verify,
		OnProgress: opts.OnProgress,
	}
	paths, err := d.r.ResolveFiles(ctx, src, doc, resolveOpts)
	if err != nil {
		return "", nil, err
	}
	return d.r.OutputDir(src, resolveOpts), paths, nil
}
