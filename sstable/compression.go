// Copyright 2021 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression is the per-block compression algorithm to use.
type Compression int

// The available compression types.
const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
	ZstdCompression
	NCompression
)

var compressionNames = [...]string{
	DefaultCompression: "Default",
	NoCompression:      "NoCompression",
	SnappyCompression:  "Snappy",
	ZstdCompression:    "ZSTD",
}

func (c Compression) String() string {
	if c < 0 || c >= NCompression {
		return "Unknown"
	}
	return compressionNames[c]
}

// ParseCompression parses the string form of a Compression, as produced by
// Compression.String. Matching is case-insensitive.
func ParseCompression(s string) (Compression, error) {
	for c := DefaultCompression; c < NCompression; c++ {
		if strings.EqualFold(s, compressionNames[c]) {
			return c, nil
		}
	}
	return 0, errors.Newf("shingle/table: unknown compression %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(b []byte) error {
	v, err := ParseCompression(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// maxBlockSize bounds the decoded size of a single block.
const maxBlockSize = 1 << 30

// The zstd encoder and decoder are safe for concurrent use through EncodeAll
// and DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// compressBlock compresses b with the given algorithm, using buf as scratch
// space. The compressed form is discarded unless it saves at least 12.5%, in
// which case the uncompressed block type is returned along with b.
func compressBlock(c Compression, b []byte, buf []byte) (blockType byte, compressed []byte) {
	switch c {
	case SnappyCompression:
		compressed = snappy.Encode(buf[:cap(buf)], b)
		blockType = snappyCompressionBlockType
	case ZstdCompression:
		// The decoded length is stored as a uvarint prefix so the reader can
		// size its buffer up front.
		buf = binary.AppendUvarint(buf[:0], uint64(len(b)))
		compressed = zstdEncoder.EncodeAll(b, buf)
		blockType = zstdCompressionBlockType
	default:
		return noCompressionBlockType, b
	}
	if len(compressed) < len(b)-len(b)/8 {
		return blockType, compressed
	}
	return noCompressionBlockType, b
}

// decompressBlock returns the decompressed contents of a block with the given
// compression type.
func decompressBlock(blockType byte, b []byte) ([]byte, error) {
	switch blockType {
	case noCompressionBlockType:
		return b, nil
	case snappyCompressionBlockType:
		decoded, err := snappy.Decode(nil, b)
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		return decoded, nil
	case zstdCompressionBlockType:
		decodedLen, n := binary.Uvarint(b)
		if n <= 0 || decodedLen > maxBlockSize {
			return nil, base.CorruptionErrorf("shingle/table: compression block has invalid length")
		}
		decoded, err := zstdDecoder.DecodeAll(b[n:], make([]byte, 0, decodedLen))
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		if uint64(len(decoded)) != decodedLen {
			return nil, base.CorruptionErrorf("shingle/table: decompressed %d bytes, expected %d",
				errors.Safe(len(decoded)), errors.Safe(decodedLen))
		}
		return decoded, nil
	default:
		return nil, base.CorruptionErrorf("shingle/table: unknown block compression: %d", errors.Safe(blockType))
	}
}
