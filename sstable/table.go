// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package sstable implements readers and writers of sorted string tables.
//
// A table consists of a sequence of blocks followed by a fixed size footer:
//
//	<start_of_file>
//	[data block 0]
//	[data block 1]
//	...
//	[data block N-1]
//	[filter block]                      (optional)
//	[index block]
//	[properties block]
//	[metaindex block]
//	[footer]
//	<end_of_file>
//
// Each block is followed by a 5 byte trailer: a 1 byte compression type and a
// 4 byte masked CRC-32C of the block contents and the type byte.
//
// A data block holds key/value pairs sorted by internal key. Keys are prefix
// compressed relative to the previous key; every restartInterval entries a
// restart point stores the full key. The block ends with the uint32 offsets of
// its restart points and the restart count.
//
// The index block has one entry per data block. Its key is a separator that
// is >= the last key of that data block and < the first key of the next, and
// its value is the data block's handle: a pair of uvarints (offset, length).
//
// The metaindex block maps "filter.<policy name>" to the filter block's handle
// and "shingle.properties" to the properties block's handle.
//
// The footer is 48 bytes: the metaindex and index block handles, zero padded
// to 40 bytes, then the 8 byte magic number.
package sstable // import "github.com/cockroachdb/shingle/sstable"

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

const (
	blockTrailerLen = 5
	blockHandleLen  = 2 * binary.MaxVarintLen64
	footerLen       = 48
	magic           = "\x57\xfb\x80\x8b\x24\x75\x47\xdb"

	metaFilterPrefix  = "filter."
	metaPropertiesKey = "shingle.properties"
)

// Block compression types, stored in the block trailer.
const (
	noCompressionBlockType     byte = 0
	snappyCompressionBlockType byte = 1
	zstdCompressionBlockType   byte = 2
)

// blockHandle is the file offset and length of a block.
type blockHandle struct {
	offset, length uint64
}

// decodeBlockHandle returns the block handle encoded at the start of src, as
// well as the number of bytes it occupies. It returns zero if given invalid
// input.
func decodeBlockHandle(src []byte) (blockHandle, int) {
	offset, n := binary.Uvarint(src)
	if n <= 0 {
		return blockHandle{}, 0
	}
	length, m := binary.Uvarint(src[n:])
	if m <= 0 {
		return blockHandle{}, 0
	}
	return blockHandle{offset, length}, n + m
}

func encodeBlockHandle(dst []byte, b blockHandle) int {
	n := binary.PutUvarint(dst, b.offset)
	m := binary.PutUvarint(dst[n:], b.length)
	return n + m
}

// footer holds the two block handles found at the end of every table.
type footer struct {
	metaindexBH blockHandle
	indexBH     blockHandle
}

func (f footer) encode(buf []byte) []byte {
	buf = buf[:footerLen]
	clear(buf)
	n := encodeBlockHandle(buf, f.metaindexBH)
	encodeBlockHandle(buf[n:], f.indexBH)
	copy(buf[footerLen-len(magic):], magic)
	return buf
}

func readFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerLen {
		return f, base.CorruptionErrorf("shingle/table: invalid table (file size is too small)")
	}
	if string(buf[footerLen-len(magic):]) != magic {
		return f, base.CorruptionErrorf("shingle/table: invalid table (bad magic number: 0x%x)",
			errors.Safe(buf[footerLen-len(magic):]))
	}
	var n int
	f.metaindexBH, n = decodeBlockHandle(buf)
	if n == 0 {
		return f, base.CorruptionErrorf("shingle/table: invalid table (bad metaindex block handle)")
	}
	var m int
	f.indexBH, m = decodeBlockHandle(buf[n:])
	if m == 0 {
		return f, base.CorruptionErrorf("shingle/table: invalid table (bad index block handle)")
	}
	return f, nil
}
