// Package bundle packs a data directory into a single-file repro bundle and
// unpacks it again. A bundle is a tar stream compressed with zstd or lz4
// holding meta.json, the tape, the storage snapshot and optionally a
// workspace patch.
package bundle

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// FormatVersion is the meta.json version written by Export.
const FormatVersion = 1

// Member names inside the archive.
const (
	MemberMeta      = "meta.json"
	MemberTape      = "tape.jsonl"
	MemberStorage   = "conduit.db"
	MemberWorkspace = "workspace.patch"
)

// StorageNotice is recorded in every bundle's meta.
const StorageNotice = "conduit.db is copied verbatim and is never scrubbed"

// Mode selects how much of the data directory is sanitized.
type Mode string

const (
	ModeFull      Mode = "full"
	ModeShareable Mode = "shareable"
)

// ParseMode parses a bundle mode. Empty means full.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeShareable:
		return ModeShareable, nil
	}
	return "", fmt.Errorf("unknown bundle mode %q (want full or shareable)", s)
}

// Compression names the stream compression of a bundle.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression parses a compression name. Empty means zstd.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	}
	return "", fmt.Errorf("unknown compression %q (want zstd or lz4)", s)
}

// FileInfo describes one archive member.
type FileInfo struct {
	Size   int64  `json:"size" yaml:"size"`
	BLAKE3 string `json:"blake3" yaml:"blake3"`
}

// Meta is the content of meta.json.
type Meta struct {
	Version     int                 `json:"version" yaml:"version"`
	ID          string              `json:"id" yaml:"id"`
	CreatedAt   time.Time           `json:"created_at" yaml:"created_at"`
	Mode        Mode                `json:"mode" yaml:"mode"`
	Compression Compression         `json:"compression" yaml:"compression"`
	Files       map[string]FileInfo `json:"files" yaml:"files"`
	TapeEntries int                 `json:"tape_entries" yaml:"tape_entries"`
	// Scrubbed counts redacted values in a shareable tape.
	Scrubbed        int    `json:"scrubbed" yaml:"scrubbed"`
	StorageScrubbed bool   `json:"storage_scrubbed" yaml:"storage_scrubbed"`
	Notice          string `json:"notice,omitempty" yaml:"notice"`
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// compressor wraps w in the stream encoder for c.
func compressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return enc, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}

// decompressor sniffs the frame magic of r and returns the matching
// stream decoder.
func decompressor(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, "", fmt.Errorf("read bundle magic: %w", err)
	}
	switch {
	case bytes.Equal(magic, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("zstd reader: %w", err)
		}
		return zstdReadCloser{dec}, CompressionZstd, nil
	case bytes.Equal(magic, lz4Magic):
		return io.NopCloser(lz4.NewReader(br)), CompressionLZ4, nil
	}
	return nil, "", fmt.Errorf("not a zstd or lz4 stream (magic %x)", magic)
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
