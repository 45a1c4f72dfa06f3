package packager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
	"github.com/kulogix/webmodeldelivery/pkg/filemap"
)

// hashedFile is one discovered input after hashing, carrying enough to
// either reuse an existing filemap entry (dedup) or become a fresh one.
type hashedFile struct {
	discoveredFile
	SHA256 string
	// Dedup is the pre-existing entry this file's content matches, set when
	// --merge finds the hash already in the loaded filemap.
	Dedup *filemap.FileEntry
}

// sha256File streams path through SHA-256 without holding the whole file
// in memory.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", werrors.Configuration("open "+path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", werrors.Configuration("hash "+path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFiles computes each input's SHA-256 and, against existing (for
// --merge runs), marks it as deduped (§4.C step 4).
func hashFiles(files []discoveredFile, existing *filemap.Document) ([]hashedFile, error) {
	bySHA := map[string]*filemap.FileEntry{}
	if existing != nil {
		for _, fe := range existing.Files {
			bySHA[fe.SHA256] = fe
		}
	}

	hashed := make([]hashedFile, 0, len(files))
	for _, df := range files {
		sum, err := sha256File(df.PhysicalPath)
		if err != nil {
			return nil, err
		}
		hf := hashedFile{discoveredFile: df, SHA256: sum}
		if fe, ok := bySHA[sum]; ok {
			hf.Dedup = fe
		}
		hashed = append(hashed, hf)
	}
	return hashed, nil
}

// checkCollisions enforces that no two distinct contents ever want the same
// flat CDN basename, within this run and against an existing filemap's
// live CDN names (§4.C step 4, §7 "Collision error"). The flat CDN name for
// an unsharded, non-deduped file is its physical basename.
func checkCollisions(hashed []hashedFile, existing *filemap.Document) error {
	type owner struct {
		virtualPath string
		sha256      string
	}
	byName := map[string]owner{}

	if existing != nil {
		for vp, fe := range existing.Files {
			if fe.CDNFile != "" {
				byName[fe.CDNFile] = owner{virtualPath: vp, sha256: fe.SHA256}
			}
		}
	}

	var conflicts []string
	for _, hf := range hashed {
		if hf.Dedup != nil {
			continue // reuses the existing CDN name/shards, never a new claim
		}
		name := filepath.Base(hf.PhysicalPath)
		if prior, ok := byName[name]; ok && prior.sha256 != hf.SHA256 {
			conflicts = append(conflicts, fmt.Sprintf("%s (conflicts with %s)", hf.VirtualPath, prior.virtualPath))
			continue
		}
		byName[name] = owner{virtualPath: hf.VirtualPath, sha256: hf.SHA256}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return werrors.Collision(fmt.Sprintf("CDN basename collision(s): %v", conflicts))
	}
	return nil
}
