// Package ggufsplit wraps the external gguf-split and gguf-header tools the
// packager shells out to for oversized-GGUF pre-splitting and llm/mmproj
// classification (§4.C). Grounded on pkg/base_images's use of
// hashicorp/go-version for tool compatibility constraints.
package ggufsplit

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
	"github.com/kulogix/webmodeldelivery/pkg/filemap"
)

// MinSplitVersion is the oldest gguf-split release this package knows how
// to drive: earlier releases emit a shard naming scheme this package's
// ParsePresplitName does not recognize.
const MinSplitVersion = ">= 0.1.0"

// Tool addresses the two external binaries the packager depends on.
type Tool struct {
	SplitBin  string // gguf-split or equivalent
	HeaderBin string // gguf-header or equivalent

	// VersionConstraint overrides MinSplitVersion; tests use a permissive
	// constraint to avoid depending on a real binary's version string.
	VersionConstraint string
}

// Shard is one file produced by Split.
type Shard struct {
	Path  string
	Index int
	Total int
}

var shardNameRe = regexp.MustCompile(`^(.+)-(\d{5})-of-(\d{5})\.gguf$`)

// ParsePresplitName parses the "{base}-NNNNN-of-MMMMM.gguf" shard naming
// convention shared by gguf-split's output and any pre-split input the
// packager is handed directly, returning the logical base name and this
// shard's 1-based index and total count.
func ParsePresplitName(path string) (base string, index, total int, ok bool) {
	m := shardNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", 0, 0, false
	}
	idx, err1 := strconv.Atoi(m[2])
	tot, err2 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil {
		return "", 0, 0, false
	}
	return m[1], idx, tot, true
}

// CheckVersion runs "{SplitBin} --version" and fails fast if the reported
// version does not satisfy the constraint — a Configuration error, per the
// "missing/incompatible required tool" case in §7.
func (t *Tool) CheckVersion(ctx context.Context) error {
	constraintSpec := t.VersionConstraint
	if constraintSpec == "" {
		constraintSpec = MinSplitVersion
	}
	constraint, err := version.NewConstraint(constraintSpec)
	if err != nil {
		return werrors.Configuration("parse gguf-split version constraint", err)
	}

	out, err := exec.CommandContext(ctx, t.SplitBin, "--version").Output()
	if err != nil {
		return werrors.Configuration(fmt.Sprintf("run %s --version", t.SplitBin), err)
	}

	raw := strings.TrimSpace(string(out))
	v, err := version.NewVersion(extractVersionToken(raw))
	if err != nil {
		return werrors.Configuration(fmt.Sprintf("parse %s version output %q", t.SplitBin, raw), err)
	}
	if !constraint.Check(v) {
		return werrors.Configuration(fmt.Sprintf("%s version %s does not satisfy %s", t.SplitBin, v, constraintSpec), nil)
	}
	return nil
}

var versionTokenRe = regexp.MustCompile(`\d+\.\d+\.\d+`)

func extractVersionToken(s string) string {
	if m := versionTokenRe.FindString(s); m != "" {
		return m
	}
	return s
}

// Split invokes the external splitter on src, writing shards named
// "{base}-NNNNN-of-MMMMM.gguf" under outDir sized at most maxShardBytes
// each, and returns them in shard order.
func (t *Tool) Split(ctx context.Context, src, outDir string, maxShardBytes int64) ([]Shard, error) {
	base := strings.TrimSuffix(filepath.Base(src), ".gguf")
	outPrefix := filepath.Join(outDir, base)

	cmd := exec.CommandContext(ctx, t.SplitBin,
		"--split-max-size", fmt.Sprintf("%dB", maxShardBytes),
		src, outPrefix,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, werrors.Configuration(fmt.Sprintf("%s failed: %s", t.SplitBin, strings.TrimSpace(string(out))), err)
	}

	matches, err := filepath.Glob(outPrefix + "-*-of-*.gguf")
	if err != nil {
		return nil, werrors.Configuration("glob split output", err)
	}
	if len(matches) == 0 {
		return nil, werrors.Configuration(fmt.Sprintf("%s produced no shards for %s", t.SplitBin, src), nil)
	}

	shards := make([]Shard, 0, len(matches))
	for _, m := range matches {
		_, idx, total, ok := ParsePresplitName(m)
		if !ok {
			continue
		}
		shards = append(shards, Shard{Path: m, Index: idx, Total: total})
	}
	for i := 0; i < len(shards); i++ {
		for j := i + 1; j < len(shards); j++ {
			if shards[j].Index < shards[i].Index {
				shards[i], shards[j] = shards[j], shards[i]
			}
		}
	}
	return shards, nil
}

// ReadHeader runs the header-reader tool against a GGUF file (or the first
// shard of a pre-split group) and returns its classified architecture, kind,
// and quantization for manifest synthesis (§4.C step 7).
func (t *Tool) ReadHeader(ctx context.Context, path string) (*filemap.GGUFDescriptor, error) {
	out, err := exec.CommandContext(ctx, t.HeaderBin, path).Output()
	if err != nil {
		return nil, werrors.Configuration(fmt.Sprintf("run %s %s", t.HeaderBin, path), err)
	}
	return parseHeaderOutput(out)
}

// parseHeaderOutput parses "key=value" lines, one per field, the format the
// header-reader tool emits.
func parseHeaderOutput(out []byte) (*filemap.GGUFDescriptor, error) {
	desc := &filemap.GGUFDescriptor{}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "architecture":
			desc.Architecture = strings.TrimSpace(v)
		case "kind":
			desc.Kind = strings.TrimSpace(v)
		case "quantization":
			desc.Quantization = strings.TrimSpace(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, werrors.Configuration("parse header output", err)
	}
	if desc.Kind != filemap.GGUFKindLLM && desc.Kind != filemap.GGUFKindMMProj {
		return nil, werrors.Configuration(fmt.Sprintf("header reader returned unrecognized kind %q", desc.Kind), nil)
	}
	return desc, nil
}
