// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cockroachdb/shingle/internal/base"
)

// Properties holds the sstable property values. The properties are
// automatically populated during sstable creation and stored in the
// properties block.
type Properties struct {
	// The name of the comparer used in this table.
	ComparerName string
	// The compression algorithm used to compress blocks.
	CompressionName string
	// The name of the filter policy used in this table. Empty if no filter
	// policy is used.
	FilterPolicyName string
	// The number of data blocks in this table.
	NumDataBlocks uint64
	// The number of deletion entries in this table.
	NumDeletions uint64
	// The number of entries in this table.
	NumEntries uint64
	// Total raw key size.
	RawKeySize uint64
	// Total raw value size.
	RawValueSize uint64
	// Total size of data blocks, including trailers.
	DataSize uint64
	// The size of the filter block.
	FilterSize uint64
	// The size of the index block.
	IndexSize uint64
}

const (
	propComparerName     = "shingle.comparator"
	propCompressionName  = "shingle.compression"
	propDataSize         = "shingle.data.size"
	propFilterPolicyName = "shingle.filter.policy"
	propFilterSize       = "shingle.filter.size"
	propIndexSize        = "shingle.index.size"
	propNumDataBlocks    = "shingle.num.data.blocks"
	propNumDeletions     = "shingle.num.deletions"
	propNumEntries       = "shingle.num.entries"
	propRawKeySize       = "shingle.raw.key.size"
	propRawValueSize     = "shingle.raw.value.size"
)

func (p *Properties) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s: %s\n", propComparerName, p.ComparerName)
	fmt.Fprintf(&buf, "%s: %s\n", propCompressionName, p.CompressionName)
	fmt.Fprintf(&buf, "%s: %d\n", propDataSize, p.DataSize)
	if p.FilterPolicyName != "" {
		fmt.Fprintf(&buf, "%s: %s\n", propFilterPolicyName, p.FilterPolicyName)
		fmt.Fprintf(&buf, "%s: %d\n", propFilterSize, p.FilterSize)
	}
	fmt.Fprintf(&buf, "%s: %d\n", propIndexSize, p.IndexSize)
	fmt.Fprintf(&buf, "%s: %d\n", propNumDataBlocks, p.NumDataBlocks)
	fmt.Fprintf(&buf, "%s: %d\n", propNumDeletions, p.NumDeletions)
	fmt.Fprintf(&buf, "%s: %d\n", propNumEntries, p.NumEntries)
	fmt.Fprintf(&buf, "%s: %d\n", propRawKeySize, p.RawKeySize)
	fmt.Fprintf(&buf, "%s: %d\n", propRawValueSize, p.RawValueSize)
	return buf.String()
}

// save writes the properties to w in key order.
func (p *Properties) save(w *blockWriter) {
	var tmp [binary.MaxVarintLen64]byte
	u64 := func(key string, v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		w.addRaw([]byte(key), tmp[:n])
	}
	str := func(key string, v string) {
		w.addRaw([]byte(key), []byte(v))
	}
	str(propComparerName, p.ComparerName)
	str(propCompressionName, p.CompressionName)
	u64(propDataSize, p.DataSize)
	if p.FilterPolicyName != "" {
		str(propFilterPolicyName, p.FilterPolicyName)
		u64(propFilterSize, p.FilterSize)
	}
	u64(propIndexSize, p.IndexSize)
	u64(propNumDataBlocks, p.NumDataBlocks)
	u64(propNumDeletions, p.NumDeletions)
	u64(propNumEntries, p.NumEntries)
	u64(propRawKeySize, p.RawKeySize)
	u64(propRawValueSize, p.RawValueSize)
}

// load decodes the properties block. Unknown properties are ignored.
func (p *Properties) load(b []byte) error {
	i, err := newBlockIter(base.DefaultComparer.Compare, b)
	if err != nil {
		return err
	}
	for i.First(); i.valid(); i.Next() {
		key, val := string(i.key), i.val
		u64 := func(dst *uint64) error {
			v, n := binary.Uvarint(val)
			if n <= 0 {
				return base.CorruptionErrorf("shingle/table: invalid property %q", key)
			}
			*dst = v
			return nil
		}
		var err error
		switch key {
		case propComparerName:
			p.ComparerName = string(val)
		case propCompressionName:
			p.CompressionName = string(val)
		case propFilterPolicyName:
			p.FilterPolicyName = string(val)
		case propDataSize:
			err = u64(&p.DataSize)
		case propFilterSize:
			err = u64(&p.FilterSize)
		case propIndexSize:
			err = u64(&p.IndexSize)
		case propNumDataBlocks:
			err = u64(&p.NumDataBlocks)
		case propNumDeletions:
			err = u64(&p.NumDeletions)
		case propNumEntries:
			err = u64(&p.NumEntries)
		case propRawKeySize:
			err = u64(&p.RawKeySize)
		case propRawValueSize:
			err = u64(&p.RawValueSize)
		}
		if err != nil {
			return err
		}
	}
	return i.Close()
}
