package packager

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
	"github.com/kulogix/webmodeldelivery/pkg/packager/ggufsplit"
)

// presplitGroup is one logical GGUF file represented as an ordered set of
// same-format part files on disk, either supplied pre-split by the caller
// or produced by invoking the external splitter on an oversized input
// (§4.C step 2).
type presplitGroup struct {
	VirtualPath string
	Parts       []string // physical paths, in shard order
	// Original is the single oversized input file this group was produced
	// from by our own splitter invocation; empty when the group's parts
	// were already pre-split on disk when discovered.
	Original string
}

// groupPresplitInputs pulls any already-pre-split GGUF inputs (matching the
// "{base}-NNNNN-of-MMMMM.gguf" convention) out of files and groups them by
// logical base name, leaving everything else untouched.
func groupPresplitInputs(files []discoveredFile) (regular []discoveredFile, groups []presplitGroup) {
	type part struct {
		df  discoveredFile
		idx int
	}
	byBase := map[string][]part{}
	dirByBase := map[string]string{}

	for _, f := range files {
		base, idx, _, ok := ggufsplit.ParsePresplitName(f.PhysicalPath)
		if !ok {
			regular = append(regular, f)
			continue
		}
		byBase[base] = append(byBase[base], part{df: f, idx: idx})
		dirByBase[base] = filepath.Dir(f.VirtualPath)
	}

	var bases []string
	for base := range byBase {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	for _, base := range bases {
		parts := byBase[base]
		sort.Slice(parts, func(i, j int) bool { return parts[i].idx < parts[j].idx })
		physPaths := make([]string, len(parts))
		for i, p := range parts {
			physPaths[i] = p.df.PhysicalPath
		}
		vp := base + ".gguf"
		if d := dirByBase[base]; d != "." && d != "" {
			vp = filepath.ToSlash(filepath.Join(d, vp))
		}
		groups = append(groups, presplitGroup{VirtualPath: vp, Parts: physPaths})
	}
	return regular, groups
}

// presplitOversized invokes the external splitter on any regular GGUF file
// whose size exceeds threshold, producing a presplitGroup for it and
// removing it from the returned list (§4.C step 2). splitter == nil with no
// oversized inputs is a no-op; an oversized input with no splitter
// configured is a Configuration error.
func presplitOversized(ctx context.Context, splitter *ggufsplit.Tool, regular []discoveredFile, threshold int64, intermediatesDir string) ([]discoveredFile, []presplitGroup, error) {
	if threshold <= 0 {
		threshold = DefaultGGUFShardThreshold
	}

	var kept []discoveredFile
	var groups []presplitGroup
	for _, f := range regular {
		if !strings.EqualFold(filepath.Ext(f.PhysicalPath), ".gguf") || f.Size <= threshold {
			kept = append(kept, f)
			continue
		}
		if splitter == nil {
			return nil, nil, werrors.Configuration(fmt.Sprintf("%s (%d bytes) exceeds the %d byte GGUF shard threshold and no splitter tool is configured", f.VirtualPath, f.Size, threshold), nil)
		}
		if err := splitter.CheckVersion(ctx); err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(intermediatesDir, 0o755); err != nil {
			return nil, nil, werrors.Configuration("create intermediates dir", err)
		}
		shards, err := splitter.Split(ctx, f.PhysicalPath, intermediatesDir, threshold)
		if err != nil {
			return nil, nil, err
		}
		paths := make([]string, len(shards))
		for i, s := range shards {
			paths[i] = s.Path
		}
		groups = append(groups, presplitGroup{VirtualPath: f.VirtualPath, Parts: paths, Original: f.PhysicalPath})
	}
	return kept, groups, nil
}

// hashPresplitGroup computes the group's logical SHA256 over the ordered
// concatenation of its parts (streamed, so no two parts are ever buffered
// together) and its filemap.Shard list treating each part as one shard.
func hashPresplitGroup(g presplitGroup) (*filemap.FileEntry, error) {
	overall := sha256.New()
	var shards []*filemap.Shard
	var offset int64

	for _, part := range g.Parts {
		info, err := os.Stat(part)
		if err != nil {
			return nil, werrors.Configuration("stat "+part, err)
		}

		partSum, err := hashInto(overall, part)
		if err != nil {
			return nil, err
		}

		shards = append(shards, &filemap.Shard{
			File:   filepath.Base(part),
			Offset: offset,
			Size:   info.Size(),
			SHA256: partSum,
		})
		offset += info.Size()
	}

	return &filemap.FileEntry{
		Size:   offset,
		SHA256: hex.EncodeToString(overall.Sum(nil)),
		Shards: shards,
	}, nil
}

// hashInto streams path's bytes into overall (accumulating a running whole-
// group digest) while also returning that individual part's own SHA256.
func hashInto(overall io.Writer, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", werrors.Configuration("open "+path, err)
	}
	defer f.Close()

	partHash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(overall, partHash), f); err != nil {
		return "", werrors.Configuration("hash "+path, err)
	}
	return hex.EncodeToString(partHash.Sum(nil)), nil
}
