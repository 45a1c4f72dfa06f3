package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
	"github.com/kulogix/webmodeldelivery/pkg/filemap"
	"github.com/kulogix/webmodeldelivery/pkg/shardstore"
)

// ResolveOptions controls one direct resolve call (§4.H).
type ResolveOptions struct {
	// Manifest restricts resolution to one manifest's files; empty (with
	// Manifests also empty) resolves every file in the document.
	Manifest string
	// Manifests, when non-empty, resolves the union of named manifests'
	// files (e.g. a downloader asked for both an llm quant and its mmproj
	// counterpart) and takes precedence over Manifest.
	Manifests []string
	// Verify hashes each written file against its declared SHA256 and
	// deletes + fails on mismatch.
	Verify bool
	// OnProgress, if set, is called after each file is materialized with
	// cumulative bytes written and the total for the whole call.
	OnProgress func(virtualPath string, loaded, total int64)
}

// manifestKey is the deterministic name ResolveOptions maps to for
// directory derivation: Manifests joined sorted when set, else Manifest.
func (o ResolveOptions) manifestKey() string {
	if len(o.Manifests) == 0 {
		return o.Manifest
	}
	names := append([]string{}, o.Manifests...)
	sort.Strings(names)
	return strings.Join(names, "+")
}

// resolveDir computes the deterministic output directory for a (source,
// manifest) pair: {cacheRoot}/resolved/{sha256(sourceKey)[:12]}{_manifest?}.
func (r *Resolver) resolveDir(src shardstore.Source, manifest string) string {
	sum := sha256.Sum256([]byte(src.Key()))
	name := hex.EncodeToString(sum[:])[:12]
	if manifest != "" {
		name += "_" + manifest
	}
	parent := filepath.Dir(r.Store.DefaultRoot())
	return filepath.Join(parent, "resolved", name)
}

// OutputDir returns the deterministic output directory a call with opts
// would resolve (or has resolved) to, without performing any I/O.
func (r *Resolver) OutputDir(src shardstore.Source, opts ResolveOptions) string {
	return r.resolveDir(src, opts.manifestKey())
}

// Resolve materializes a manifest's (or, with an empty manifest, every)
// virtual path to the deterministic output directory and returns it.
func (r *Resolver) Resolve(ctx context.Context, src shardstore.Source, doc *filemap.Document, opts ResolveOptions) (string, error) {
	if _, err := r.ResolveFiles(ctx, src, doc, opts); err != nil {
		return "", err
	}
	return r.resolveDir(src, opts.manifestKey()), nil
}

// ResolveFiles is Resolve with a virtualPath→absolutePath map return.
func (r *Resolver) ResolveFiles(ctx context.Context, src shardstore.Source, doc *filemap.Document, opts ResolveOptions) (map[string]string, error) {
	var virtualPaths []string
	var err error
	if len(opts.Manifests) > 0 {
		virtualPaths, err = unionManifestFiles(doc, opts.Manifests)
	} else {
		virtualPaths, err = manifestFiles(doc, opts.Manifest)
	}
	if err != nil {
		return nil, err
	}

	outDir := r.resolveDir(src, opts.manifestKey())

	var total int64
	for _, vp := range virtualPaths {
		if fe, ok := doc.Files[vp]; ok {
			total += fe.Size
		}
	}

	var loaded int64
	result := make(map[string]string, len(virtualPaths))
	for _, vp := range virtualPaths {
		entry, ok := doc.Files[vp]
		if !ok {
			continue
		}
		target := filepath.Join(outDir, filepath.FromSlash(vp))
		if err := r.materializeFile(ctx, src, vp, entry, target, opts.Verify); err != nil {
			return nil, err
		}
		loaded += entry.Size
		result[vp] = target
		if opts.OnProgress != nil {
			opts.OnProgress(vp, loaded, total)
		}
	}
	return result, nil
}

func manifestFiles(doc *filemap.Document, manifest string) ([]string, error) {
	if manifest == "" {
		vps := make([]string, 0, len(doc.Files))
		for vp := range doc.Files {
			vps = append(vps, vp)
		}
		return vps, nil
	}
	m, ok := doc.Manifests[manifest]
	if !ok {
		return nil, werrors.Configuration(fmt.Sprintf("unknown manifest %q", manifest), nil)
	}
	return m.Files, nil
}

// unionManifestFiles returns the deduplicated union of several manifests'
// files, sorted for determinism.
func unionManifestFiles(doc *filemap.Document, manifests []string) ([]string, error) {
	seen := map[string]bool{}
	var union []string
	for _, name := range manifests {
		files, err := manifestFiles(doc, name)
		if err != nil {
			return nil, err
		}
		for _, vp := range files {
			if !seen[vp] {
				seen[vp] = true
				union = append(union, vp)
			}
		}
	}
	sort.Strings(union)
	return union, nil
}

// materializeFile skips already-resolved targets (existing, matching size),
// otherwise reassembles entry into target by writing each shard at its
// declared offset — not sequential append — so local reassembly is
// resumable in principle (§4.H).
func (r *Resolver) materializeFile(ctx context.Context, src shardstore.Source, vp string, entry *filemap.FileEntry, target string, verify bool) error {
	if fi, err := os.Stat(target); err == nil && fi.Size() == entry.Size {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return werrors.Configuration("create output directory for "+target, err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return werrors.Configuration("open "+target, err)
	}

	writeErr := r.writeEntry(ctx, src, entry, f)
	closeErr := f.Close()

	if writeErr != nil {
		os.Remove(target)
		return werrors.Transport("write "+target, writeErr)
	}
	if closeErr != nil {
		return werrors.Transport("close "+target, closeErr)
	}

	if verify && entry.SHA256 != "" {
		ok, err := verifyFileHash(target, entry.SHA256)
		if err != nil {
			return err
		}
		if !ok {
			os.Remove(target)
			return werrors.Integrity(fmt.Sprintf("sha256 mismatch for %s", vp), nil)
		}
	}
	return nil
}

func (r *Resolver) writeEntry(ctx context.Context, src shardstore.Source, entry *filemap.FileEntry, f *os.File) error {
	if !entry.Sharded() {
		data, err := r.Dedup.ReadShard(ctx, src, entry.CDNFile)
		if err != nil {
			return err
		}
		_, err = f.WriteAt(data, 0)
		return err
	}
	for _, s := range entry.Shards {
		data, err := r.Dedup.ReadShard(ctx, src, s.File)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(data, s.Offset); err != nil {
			return err
		}
	}
	return nil
}

func verifyFileHash(path, want string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, werrors.Transport("reopen "+path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, werrors.Transport("hash "+path, err)
	}
	return hex.EncodeToString(h.Sum(nil)) == want, nil
}
