package filemap

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
)

var (
	schemaLoaderOnce sync.Once
	schemaLoader     *gojsonschema.Schema
	schemaLoaderErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaLoaderOnce.Do(func() {
		schemaLoader, schemaLoaderErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	})
	return schemaLoader, schemaLoaderErr
}

// Parse validates raw against the structural schema, then decodes and
// invariant-checks it with Validate. This is the single entry point for
// turning bytes on the wire into a trusted *Document.
func Parse(raw []byte) (*Document, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, werrors.Configuration("compile filemap schema", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, werrors.Integrity("filemap is not valid JSON", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return nil, werrors.Integrity("filemap schema violation: "+strings.Join(msgs, "; "), nil)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, werrors.Integrity("decode filemap", err)
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks every invariant in spec §3 that the JSON Schema cannot
// express: byte-level shard contiguity, manifest size agreement, and
// version support. It is also what the packager calls on its own output
// before writing, so a buggy packager run fails loudly instead of
// publishing a corrupt filemap.
func Validate(d *Document) error {
	if d.Version != Version {
		return werrors.Integrity(fmt.Sprintf("unsupported filemap version %d (want %d)", d.Version, Version), nil)
	}

	for vp, entry := range d.Files {
		if err := validateFileEntry(vp, entry); err != nil {
			return err
		}
	}

	for name, m := range d.Manifests {
		if err := validateManifest(d, name, m); err != nil {
			return err
		}
	}

	return nil
}

func validateFileEntry(virtualPath string, entry *FileEntry) error {
	if entry.Size < 0 {
		return werrors.Integrity(fmt.Sprintf("%s: negative size %d", virtualPath, entry.Size), nil)
	}

	hasCDNFile := entry.CDNFile != ""
	hasShards := len(entry.Shards) > 0
	if hasCDNFile == hasShards {
		return werrors.Integrity(fmt.Sprintf("%s: must set exactly one of cdn_file or shards", virtualPath), nil)
	}

	if !hasShards {
		return nil
	}

	var sum int64
	var wantOffset int64
	for i, s := range entry.Shards {
		if s.Offset != wantOffset {
			return werrors.Integrity(fmt.Sprintf("%s: shard %d offset %d, want %d (contiguous from 0)", virtualPath, i, s.Offset, wantOffset), nil)
		}
		if s.Size < 0 {
			return werrors.Integrity(fmt.Sprintf("%s: shard %d has negative size %d", virtualPath, i, s.Size), nil)
		}
		sum += s.Size
		wantOffset += s.Size
	}
	if sum != entry.Size {
		return werrors.Integrity(fmt.Sprintf("%s: shard sizes sum to %d, entry declares size %d", virtualPath, sum, entry.Size), nil)
	}
	return nil
}

func validateManifest(d *Document, name string, m *ManifestEntry) error {
	var sum int64
	for _, vp := range m.Files {
		entry, ok := d.Files[vp]
		if !ok {
			return werrors.Integrity(fmt.Sprintf("manifest %q: references unknown file %q", name, vp), nil)
		}
		sum += entry.Size
	}
	if sum != m.Size {
		return werrors.Integrity(fmt.Sprintf("manifest %q: declared size %d disagrees with sum of file sizes %d", name, m.Size, sum), nil)
	}
	return nil
}

// Marshal serializes a document for publication: UTF-8, no BOM, pretty
// printed for human-auditable filemaps (spec §6.1 allows either).
func Marshal(d *Document) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
