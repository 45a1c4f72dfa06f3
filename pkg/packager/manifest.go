package packager

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kulogix/webmodeldelivery/pkg/filemap"
	"github.com/kulogix/webmodeldelivery/pkg/packager/ggufsplit"
)

var onnxModelRe = regexp.MustCompile(`^model_(.+?)\.onnx(_data)?$`)

// synthesizeManifests implements §4.C step 7's three modes:
//   - explicit (opts.Manifest set): one manifest containing every file.
//   - auto: ONNX files grouped by quantization token, GGUF files classified
//     llm/mmproj by the header reader and grouped by quantization, plus the
//     llm×mmproj cross product; non-ONNX/non-GGUF files are attached to
//     every manifest.
//   - fallback: no ONNX or GGUF files recognized, no manifests synthesized.
//
// Returns the manifest set, non-fatal cross-permutation warnings, and the
// per-virtual-path GGUF metadata gathered while classifying.
func synthesizeManifests(ctx context.Context, manifestName string, doc *filemap.Document, virtualPaths []string, tool *ggufsplit.Tool, outputDir string) (map[string]*filemap.ManifestEntry, []string, map[string]*filemap.GGUFDescriptor, error) {
	if manifestName != "" {
		return map[string]*filemap.ManifestEntry{manifestName: buildManifestEntry(doc, virtualPaths)}, nil, nil, nil
	}

	onnxGroups, llmQuants, mmprojQuants, shared, meta, err := classifyForAuto(ctx, tool, doc, virtualPaths, outputDir)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(onnxGroups) == 0 && len(llmQuants) == 0 && len(mmprojQuants) == 0 {
		return nil, nil, meta, nil // fallback: no ONNX/GGUF recognized
	}

	manifests := map[string]*filemap.ManifestEntry{}
	for quant, vps := range onnxGroups {
		manifests[quant] = buildManifestEntry(doc, append(append([]string{}, vps...), shared...))
	}
	for vp, quant := range llmQuants {
		manifests["llm_"+quant] = buildManifestEntry(doc, append([]string{vp}, shared...))
	}
	for vp, quant := range mmprojQuants {
		manifests["mmproj_"+quant] = buildManifestEntry(doc, append([]string{vp}, shared...))
	}

	var warnings []string
	var llmVPs, mmprojVPs []string
	for vp := range llmQuants {
		llmVPs = append(llmVPs, vp)
	}
	for vp := range mmprojQuants {
		mmprojVPs = append(mmprojVPs, vp)
	}
	sort.Strings(llmVPs)
	sort.Strings(mmprojVPs)

	for _, llmVP := range llmVPs {
		for _, mmVP := range mmprojVPs {
			name := fmt.Sprintf("llm_%s+mmproj_%s", llmQuants[llmVP], mmprojQuants[mmVP])
			manifests[name] = buildManifestEntry(doc, append([]string{llmVP, mmVP}, shared...))
			// the packager cannot validate that an llm and an mmproj share a
			// compatible vision architecture without loading both models
			warnings = append(warnings, fmt.Sprintf("manifest %q pairs %s with %s without architecture compatibility validation", name, llmVP, mmVP))
		}
	}

	return manifests, warnings, meta, nil
}

func classifyForAuto(ctx context.Context, tool *ggufsplit.Tool, doc *filemap.Document, virtualPaths []string, outputDir string) (onnxGroups map[string][]string, llmQuants, mmprojQuants map[string]string, shared []string, meta map[string]*filemap.GGUFDescriptor, err error) {
	onnxGroups = map[string][]string{}
	llmQuants = map[string]string{}
	mmprojQuants = map[string]string{}
	meta = map[string]*filemap.GGUFDescriptor{}

	for _, vp := range virtualPaths {
		base := filepath.Base(vp)
		lower := strings.ToLower(base)

		switch {
		case onnxModelRe.MatchString(base):
			m := onnxModelRe.FindStringSubmatch(base)
			onnxGroups[m[1]] = append(onnxGroups[m[1]], vp)

		case strings.HasSuffix(lower, ".gguf"):
			if tool == nil {
				shared = append(shared, vp)
				continue
			}
			physical, ok := ggufPhysicalHint(doc, vp, outputDir)
			if !ok {
				shared = append(shared, vp)
				continue
			}
			desc, derr := tool.ReadHeader(ctx, physical)
			if derr != nil {
				return nil, nil, nil, nil, nil, derr
			}
			meta[vp] = desc
			switch desc.Kind {
			case filemap.GGUFKindLLM:
				llmQuants[vp] = desc.Quantization
			case filemap.GGUFKindMMProj:
				mmprojQuants[vp] = desc.Quantization
			default:
				shared = append(shared, vp)
			}

		default:
			shared = append(shared, vp)
		}
	}
	return onnxGroups, llmQuants, mmprojQuants, shared, meta, nil
}

// ggufPhysicalHint locates a readable physical copy of vp's first shard (or
// its single CDN object) inside the just-published output tree, so the
// header reader can be pointed at real bytes without re-touching the
// original input path. A pre-split GGUF's shards are whole GGUF parts
// themselves (presplit.go names them after the part's own basename, always
// ending ".gguf"), so the first one alone is a valid file to introspect —
// ggufsplit.ReadHeader's own contract is "a GGUF file, or the first shard
// of a pre-split group". A byte-split entry's shards ("{base}.shard.NNN",
// split.go) are arbitrary chunks of bytes, never a valid standalone GGUF
// file, so those are not hinted.
func ggufPhysicalHint(doc *filemap.Document, vp, outputDir string) (string, bool) {
	fe, ok := doc.Files[vp]
	if !ok {
		return "", false
	}
	if fe.Sharded() {
		if len(fe.Shards) == 0 || !strings.HasSuffix(strings.ToLower(fe.Shards[0].File), ".gguf") {
			return "", false
		}
		return filepath.Join(outputDir, fe.Shards[0].File), true
	}
	if fe.CDNFile == "" {
		return "", false
	}
	return filepath.Join(outputDir, fe.CDNFile), true
}

func buildManifestEntry(doc *filemap.Document, vps []string) *filemap.ManifestEntry {
	seen := map[string]bool{}
	var ordered []string
	var size int64
	for _, vp := range vps {
		if seen[vp] {
			continue
		}
		seen[vp] = true
		ordered = append(ordered, vp)
		if fe, ok := doc.Files[vp]; ok {
			size += fe.Size
		}
	}
	sort.Strings(ordered)
	return &filemap.ManifestEntry{Files: ordered, Size: size}
}
