// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

// filterBaseLog being 11 means that we generate a new filter for every 2KiB of
// data.
//
// It's a little unfortunate that this is 11, whilst the default BlockSize is
// 1<<12 or 4KiB, so that in practice, every second filter is empty, but both
// values match the LevelDB format.
const filterBaseLog = 11

// filterBlockWriter builds a table's filter block. Keys are accumulated into
// the policy's FilterWriter and a filter is emitted for every 2KiB range of
// data block offsets.
type filterBlockWriter struct {
	policy base.FilterPolicy
	writer base.FilterWriter
	// numKeys is the number of keys added since the last emitted filter.
	numKeys int
	// data and offsets are the per-range filters for the overall table.
	data    []byte
	offsets []uint32
}

func newFilterBlockWriter(policy base.FilterPolicy) *filterBlockWriter {
	return &filterBlockWriter{
		policy: policy,
		writer: policy.NewWriter(),
	}
}

func (f *filterBlockWriter) addKey(userKey []byte) {
	f.writer.AddKey(userKey)
	f.numKeys++
}

func (f *filterBlockWriter) appendOffset() error {
	o := len(f.data)
	if uint64(o) > 1<<32-1 {
		return errors.New("shingle/table: filter data is too long")
	}
	f.offsets = append(f.offsets, uint32(o))
	return nil
}

func (f *filterBlockWriter) emit() error {
	if err := f.appendOffset(); err != nil {
		return err
	}
	if f.numKeys == 0 {
		return nil
	}
	f.data = f.writer.Finish(f.data)
	f.numKeys = 0
	return nil
}

// finishBlock is called once a data block has been written. blockOffset is the
// offset at which the next data block will start.
func (f *filterBlockWriter) finishBlock(blockOffset uint64) error {
	for i := blockOffset >> filterBaseLog; i > uint64(len(f.offsets)); {
		if err := f.emit(); err != nil {
			return err
		}
	}
	return nil
}

func (f *filterBlockWriter) finish() ([]byte, error) {
	if f.numKeys > 0 {
		if err := f.emit(); err != nil {
			return nil, err
		}
	}
	if err := f.appendOffset(); err != nil {
		return nil, err
	}

	var b [4]byte
	for _, x := range f.offsets {
		binary.LittleEndian.PutUint32(b[:], x)
		f.data = append(f.data, b[0], b[1], b[2], b[3])
	}
	f.data = append(f.data, filterBaseLog)
	return f.data, nil
}

// filterBlockReader answers membership queries against a table's filter
// block.
type filterBlockReader struct {
	data    []byte
	offsets []byte // len(offsets) must be a multiple of 4.
	policy  base.FilterPolicy
	shift   uint32
}

func (f *filterBlockReader) valid() bool {
	return f.data != nil
}

func (f *filterBlockReader) init(data []byte, policy base.FilterPolicy) (ok bool) {
	if len(data) < 5 {
		return false
	}
	lastOffset := binary.LittleEndian.Uint32(data[len(data)-5:])
	if uint64(lastOffset) > uint64(len(data)-5) {
		return false
	}
	data, offsets, shift := data[:lastOffset], data[lastOffset:len(data)-1], uint32(data[len(data)-1])
	if len(offsets)&3 != 0 {
		return false
	}
	f.data = data
	f.offsets = offsets
	f.policy = policy
	f.shift = shift
	return true
}

// mayContain returns false only if the data block starting at blockOffset
// definitely does not contain userKey.
func (f *filterBlockReader) mayContain(blockOffset uint64, userKey []byte) bool {
	index := blockOffset >> f.shift
	if index >= uint64(len(f.offsets)/4-1) {
		return true
	}
	i := binary.LittleEndian.Uint32(f.offsets[4*index+0:])
	j := binary.LittleEndian.Uint32(f.offsets[4*index+4:])
	if i > j || uint64(j) > uint64(len(f.data)) {
		return true
	}
	if i == j {
		// An empty filter: no keys were added for this range.
		return false
	}
	return f.policy.MayContain(f.data[i:j], userKey)
}
