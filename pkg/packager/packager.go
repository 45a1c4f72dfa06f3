// Package packager builds and publishes a filemap document from a set of
// input files or directories: discovery, GGUF pre-splitting, disk-space
// preflight, content hashing with cross-run dedup, byte-splitting, and
// manifest synthesis (§4.C).
package packager

import (
	"context"
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

// spaceMargin is the headroom required above the raw byte count of what a
// run will write, per spec's "input + 1%" free-space rule.
const spaceMargin = 1.01

// Options controls one packaging run, mirroring the §6.5 CLI contract.
type Options struct {
	Inputs    []string
	OutputDir string

	ChunkSize          int64 // default DefaultChunkSize
	GGUFShardThreshold int64 // default DefaultGGUFShardThreshold

	Manifest string // explicit manifest name; empty triggers auto-classification

	Merge             bool
	Overwrite         bool
	KeepIntermediates bool
	RemoveOriginals   bool
	DryRun            bool
	Verbose           bool

	Exclude []string

	// Splitter, if set, is invoked for any GGUF input exceeding
	// GGUFShardThreshold. Required only when such an input exists.
	Splitter *ggufsplit.Tool

	// Logf receives progress lines when Verbose is set; defaults to a no-op.
	Logf func(format string, args ...any)
}

func (o *Options) log(format string, args ...any) {
	if o.Verbose && o.Logf != nil {
		o.Logf(format, args...)
	}
}

// Result is what a packaging run produces.
type Result struct {
	Document       *filemap.Document
	Warnings       []string
	DryRun         bool
	DedupedCount   int
	NewCount       int
	PresplitGroups int
	RequiredBytes  int64
}

// Packager runs one packaging pass per Options.
type Packager struct {
	opts Options
}

// New builds a Packager, filling in documented defaults.
func New(opts Options) *Packager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.GGUFShardThreshold <= 0 {
		opts.GGUFShardThreshold = DefaultGGUFShardThreshold
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	return &Packager{opts: opts}
}

// Run executes all seven phases of §4.C and, unless DryRun, writes every
// new file and the resulting filemap.json under OutputDir.
func (p *Packager) Run(ctx context.Context) (*Result, error) {
	o := p.opts

	existing, err := loadExistingFilemap(o.OutputDir)
	if err != nil {
		return nil, err
	}
	if existing != nil && !o.Merge && !o.Overwrite {
		return nil, werrors.Configuration(fmt.Sprintf("%s already contains a filemap; pass --merge or --overwrite", o.OutputDir), nil)
	}
	if o.Overwrite {
		existing = nil
		if !o.DryRun {
			if err := os.RemoveAll(o.OutputDir); err != nil {
				return nil, werrors.Configuration("wipe existing output directory", err)
			}
		}
	}

	o.log("discovering inputs under %v", o.Inputs)
	discovered, err := discover(o.Inputs, o.Exclude)
	if err != nil {
		return nil, err
	}

	regular, presplitGroups := groupPresplitInputs(discovered)

	var preflightRequired int64
	for _, f := range regular {
		preflightRequired += f.Size
	}
	for _, g := range presplitGroups {
		for _, part := range g.Parts {
			if info, statErr := os.Stat(part); statErr == nil {
				preflightRequired += info.Size()
			}
		}
	}

	var largestOversized int64
	for _, f := range regular {
		if strings.EqualFold(filepath.Ext(f.PhysicalPath), ".gguf") && f.Size > o.GGUFShardThreshold && f.Size > largestOversized {
			largestOversized = f.Size
		}
	}

	intermediatesDir := filepath.Join(o.OutputDir, ".intermediates")

	if !o.DryRun {
		if err := os.MkdirAll(o.OutputDir, 0o755); err != nil {
			return nil, werrors.Configuration("create output directory", err)
		}
		requiredWithMargin := int64(float64(preflightRequired) * spaceMargin)
		o.log("checking disk space: need %d bytes (incl. 1%% margin) at %s", requiredWithMargin, o.OutputDir)
		if err := checkDiskSpace(o.OutputDir, requiredWithMargin); err != nil {
			return nil, err
		}
		if largestOversized > 0 {
			if err := os.MkdirAll(intermediatesDir, 0o755); err != nil {
				return nil, werrors.Configuration("create intermediates directory", err)
			}
			o.log("checking disk space for GGUF pre-splitting: need %d bytes at %s", largestOversized, intermediatesDir)
			if err := checkDiskSpace(intermediatesDir, largestOversized); err != nil {
				return nil, err
			}
		}
	}

	regular, producedGroups, err := presplitOversized(ctx, o.Splitter, regular, o.GGUFShardThreshold, intermediatesDir)
	if err != nil {
		return nil, err
	}
	presplitGroups = append(presplitGroups, producedGroups...)

	var required int64
	for _, f := range regular {
		required += f.Size
	}
	for _, g := range presplitGroups {
		for _, part := range g.Parts {
			if info, statErr := os.Stat(part); statErr == nil {
				required += info.Size()
			}
		}
	}

	hashed, err := hashFiles(regular, existing)
	if err != nil {
		return nil, err
	}
	if err := checkCollisions(hashed, existing); err != nil {
		return nil, err
	}

	doc := &filemap.Document{
		Version: filemap.Version,
		Files:   map[string]*filemap.FileEntry{},
	}
	if existing != nil {
		for vp, fe := range existing.Files {
			doc.Files[vp] = fe
		}
	}

	result := &Result{PresplitGroups: len(presplitGroups), RequiredBytes: required}

	var allVirtualPaths []string
	for vp := range doc.Files {
		allVirtualPaths = append(allVirtualPaths, vp)
	}

	for _, hf := range hashed {
		allVirtualPaths = append(allVirtualPaths, hf.VirtualPath)
		if hf.Dedup != nil {
			doc.Files[hf.VirtualPath] = hf.Dedup
			result.DedupedCount++
			continue
		}
		result.NewCount++
		if o.DryRun {
			doc.Files[hf.VirtualPath] = &filemap.FileEntry{Size: hf.Size, SHA256: hf.SHA256}
			continue
		}
		entry, err := publishRegularFile(hf, o.OutputDir, o.ChunkSize)
		if err != nil {
			return nil, err
		}
		doc.Files[hf.VirtualPath] = entry
	}

	bySHA := map[string]*filemap.FileEntry{}
	if existing != nil {
		for _, fe := range existing.Files {
			bySHA[fe.SHA256] = fe
		}
	}
	for _, g := range presplitGroups {
		allVirtualPaths = append(allVirtualPaths, g.VirtualPath)
		entry, err := hashPresplitGroup(g)
		if err != nil {
			return nil, err
		}
		if dup, ok := bySHA[entry.SHA256]; ok {
			doc.Files[g.VirtualPath] = dup
			result.DedupedCount++
			continue
		}
		result.NewCount++
		if o.DryRun {
			doc.Files[g.VirtualPath] = entry
			continue
		}
		if err := publishGroupParts(g, entry, o.OutputDir); err != nil {
			return nil, err
		}
		doc.Files[g.VirtualPath] = entry
	}

	sort.Strings(allVirtualPaths)
	manifests, warnings, meta, err := synthesizeManifests(ctx, o.Manifest, doc, allVirtualPaths, o.Splitter, o.OutputDir)
	if err != nil {
		return nil, err
	}
	if len(manifests) > 0 {
		doc.Manifests = manifests
	}
	if len(meta) > 0 {
		doc.GGUFMetadata = meta
	}
	result.Warnings = warnings
	result.Document = doc

	if o.DryRun {
		result.DryRun = true
		return result, nil
	}

	if o.RemoveOriginals {
		removeOriginals(regular, presplitGroups)
	}
	if !o.KeepIntermediates {
		os.RemoveAll(intermediatesDir)
	}

	if err := filemap.Validate(doc); err != nil {
		return nil, err
	}
	raw, err := filemap.Marshal(doc)
	if err != nil {
		return nil, werrors.Configuration("marshal filemap", err)
	}
	if err := os.WriteFile(filepath.Join(o.OutputDir, "filemap.json"), raw, 0o644); err != nil {
		return nil, werrors.Configuration("write filemap.json", err)
	}

	return result, nil
}

func loadExistingFilemap(outputDir string) (*filemap.Document, error) {
	raw, err := os.ReadFile(filepath.Join(outputDir, "filemap.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, werrors.Configuration("read existing filemap.json", err)
	}
	return filemap.Parse(raw)
}

// publishRegularFile copies or byte-splits a newly-hashed file into
// OutputDir and returns its filemap entry.
func publishRegularFile(hf hashedFile, outputDir string, chunkSize int64) (*filemap.FileEntry, error) {
	if hf.Size > chunkSize {
		entry, err := splitFile(hf.PhysicalPath, outputDir, chunkSize)
		if err != nil {
			return nil, err
		}
		return entry, nil
	}

	name := filepath.Base(hf.PhysicalPath)
	if err := copyFile(hf.PhysicalPath, filepath.Join(outputDir, name)); err != nil {
		return nil, err
	}
	return &filemap.FileEntry{Size: hf.Size, SHA256: hf.SHA256, CDNFile: name}, nil
}

// publishGroupParts copies each presplit group part to outputDir under the
// shard name already recorded in entry.Shards.
func publishGroupParts(g presplitGroup, entry *filemap.FileEntry, outputDir string) error {
	for i, part := range g.Parts {
		target := filepath.Join(outputDir, entry.Shards[i].File)
		if err := copyFile(part, target); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return werrors.Configuration("open "+src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return werrors.Configuration("create output directory", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return werrors.Configuration("create "+dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return werrors.Configuration("copy to "+dst, err)
	}
	return out.Close()
}

func removeOriginals(regular []discoveredFile, groups []presplitGroup) {
	for _, f := range regular {
		os.Remove(f.PhysicalPath)
	}
	for _, g := range groups {
		if g.Original != "" {
			os.Remove(g.Original)
			continue
		}
		for _, part := range g.Parts {
			os.Remove(part)
		}
	}
}
