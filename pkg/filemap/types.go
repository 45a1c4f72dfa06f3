// Package filemap defines the version-5 filemap document: the manifest that
// catalogues every virtual path of a packaged artifact tree, its shards (if
// any), and the named manifests used to size progress and resolve calls.
package filemap

import (
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Version is the only schema version this package understands. Loading a
// document with a different version is an Integrity error (§6.1:
// "a consumer MUST refuse to operate on a version it does not understand").
const Version = 5

// Document is the on-disk filemap: one JSON object per packaged source.
type Document struct {
	Version      int                        `json:"version"`
	Files        map[string]*FileEntry      `json:"files"`
	Manifests    map[string]*ManifestEntry  `json:"manifests,omitempty"`
	GGUFMetadata map[string]*GGUFDescriptor `json:"gguf_metadata,omitempty"`
}

// FileEntry describes one virtual path. Exactly one of CDNFile or Shards is
// populated: an unsharded entry has CDNFile set and Shards nil/empty; a
// sharded entry has Shards set and CDNFile empty.
type FileEntry struct {
	Size    int64    `json:"size"`
	SHA256  string   `json:"sha256"`
	CDNFile string   `json:"cdn_file,omitempty"`
	Shards  []*Shard `json:"shards,omitempty"`
}

// Sharded reports whether the entry stores its bytes as an ordered shard
// list rather than a single CDN object.
func (f *FileEntry) Sharded() bool {
	return len(f.Shards) > 0
}

// Digest parses SHA256 as a go-containerregistry v1.Hash, the same digest
// type the packager uses internally while hashing.
func (f *FileEntry) Digest() (v1.Hash, error) {
	return v1.NewHash("sha256:" + f.SHA256)
}

// Shard is one contiguous byte range of a logical file, stored as a single
// CDN object. SHA256 is optional: the packager fills it in when convenient,
// but a shard's integrity is established via the owning FileEntry's SHA256
// over the reassembled logical file, not per-shard.
type Shard struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// End returns the exclusive end offset of the shard within the logical file.
func (s *Shard) End() int64 {
	return s.Offset + s.Size
}

// ManifestEntry is a named subset of virtual paths, used as the progress
// denominator and as the selection for a resolve call. Size MUST equal the
// sum of Files[vp].Size over every listed virtual path (checked by Validate).
type ManifestEntry struct {
	Files []string `json:"files"`
	Size  int64    `json:"size"`
}

// GGUFDescriptor is informational metadata about a GGUF-format base name,
// classifying it as a language model or multimodal projector and recording
// its quantization, produced by the packager's external header reader.
type GGUFDescriptor struct {
	Architecture string `json:"architecture,omitempty"`
	Kind         string `json:"kind,omitempty"` // "llm" or "mmproj"
	Quantization string `json:"quantization,omitempty"`
}

const (
	GGUFKindLLM    = "llm"
	GGUFKindMMProj = "mmproj"
)

// Lookup returns the file entry for a virtual path, or nil.
func (d *Document) Lookup(virtualPath string) *FileEntry {
	if d.Files == nil {
		return nil
	}
	return d.Files[virtualPath]
}

// ManifestNames returns every manifest name in the document, in no
// particular order; callers that need determinism should sort it.
func (d *Document) ManifestNames() []string {
	names := make([]string, 0, len(d.Manifests))
	for name := range d.Manifests {
		names = append(names, name)
	}
	return names
}

// WidestManifest returns the name of the manifest with the largest declared
// size, used by the adaptive progress state machine's initial selection.
// Returns "", false if the document has no manifests.
func (d *Document) WidestManifest() (string, bool) {
	var (
		best     string
		bestSize int64
		found    bool
	)
	for name, m := range d.Manifests {
		if !found || m.Size > bestSize {
			best, bestSize, found = name, m.Size, true
		}
	}
	return best, found
}

func (e *FileEntry) String() string {
	if e.Sharded() {
		return fmt.Sprintf("sharded(size=%d, shards=%d)", e.Size, len(e.Shards))
	}
	return fmt.Sprintf("unsharded(size=%d, cdn_file=%s)", e.Size, e.CDNFile)
}
