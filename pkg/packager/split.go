package packager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
	"github.com/kulogix/webmodeldelivery/pkg/filemap"
)

// DefaultChunkSize is the default CDN object size cap for byte-splitting
// (§4.C step 5).
const DefaultChunkSize = 19 << 20 // 19 MiB

// DefaultGGUFShardThreshold is the default pre-splitter trigger size for
// GGUF inputs (§4.C step 2). Must stay strictly below 2 GiB per §6.5's
// gguf-shard-size flag constraint.
const DefaultGGUFShardThreshold = 1800 << 20 // 1800 MiB

// splitFile byte-splits src into fixed-size ordered shards named
// "{basename}.shard.NNN" under outDir; the last shard may be smaller. Each
// shard's offset, size, and SHA256 are recorded. Returns the file's overall
// SHA256 over the untouched original bytes (equal to sha256File(src)).
func splitFile(src, outDir string, chunkSize int64) (*filemap.FileEntry, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, werrors.Configuration("stat "+src, err)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, werrors.Configuration("open "+src, err)
	}
	defer f.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, werrors.Configuration("create shard output dir", err)
	}

	base := filepath.Base(src)
	overall := sha256.New()

	var shards []*filemap.Shard
	var offset int64
	buf := make([]byte, chunkSize)
	idx := 0
	for offset < info.Size() {
		n, readErr := io.ReadFull(f, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return nil, werrors.Configuration("read "+src, readErr)
		}
		chunk := buf[:n]
		overall.Write(chunk)

		shardName := fmt.Sprintf("%s.shard.%03d", base, idx)
		shardPath := filepath.Join(outDir, shardName)
		if err := os.WriteFile(shardPath, chunk, 0o644); err != nil {
			return nil, werrors.Configuration("write "+shardPath, err)
		}

		shardSum := sha256.Sum256(chunk)
		shards = append(shards, &filemap.Shard{
			File:   shardName,
			Offset: offset,
			Size:   int64(n),
			SHA256: hex.EncodeToString(shardSum[:]),
		})

		offset += int64(n)
		idx++
	}

	return &filemap.FileEntry{
		Size:   info.Size(),
		SHA256: hex.EncodeToString(overall.Sum(nil)),
		Shards: shards,
	}, nil
}
