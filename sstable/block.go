// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/shingle/internal/base"
)

type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	prevKey         []byte
	tmp             [3 * binary.MaxVarintLen64]byte
}

// add appends an internal key and its value. Keys must be added in increasing
// order.
func (w *blockWriter) add(key base.InternalKey, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey

	size := key.Size()
	if cap(w.curKey) < size {
		w.curKey = make([]byte, 0, size*2)
	}
	w.curKey = w.curKey[:size]
	key.Encode(w.curKey)

	w.store(size, value)
}

// addRaw appends an uninterpreted key, as used by the metaindex and
// properties blocks.
func (w *blockWriter) addRaw(key, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey
	w.curKey = append(w.curKey[:0], key...)
	w.store(len(key), value)
}

func (w *blockWriter) store(keySize int, value []byte) {
	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = base.SharedPrefixLen(w.curKey, w.prevKey)
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(keySize-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, w.curKey[shared:]...)
	w.buf = append(w.buf, value...)

	w.nEntries++
}

// finish appends the restart points to the block and returns it. The returned
// slice is only valid until the next call to reset.
func (w *blockWriter) finish() []byte {
	// Every block must have at least one restart point.
	if w.nEntries == 0 {
		w.restarts = append(w.restarts[:0], 0)
	}
	var tmp4 [4]byte
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp4[:], x)
		w.buf = append(w.buf, tmp4[:]...)
	}
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp4[:]...)
	return w.buf
}

func (w *blockWriter) reset() {
	w.nEntries = 0
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
	w.curKey = w.curKey[:0]
	w.prevKey = w.prevKey[:0]
}

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

// blockIter is an iterator over a single block of data. Keys are decoded as
// internal keys; the raw key bytes remain available for blocks whose keys are
// not internal keys.
type blockIter struct {
	cmp         base.Compare
	data        []byte
	restarts    int
	numRestarts int
	// offset is the offset of the current entry and nextOffset the offset of
	// the entry after it. offset == restarts means the iterator is exhausted.
	offset     int
	nextOffset int
	key, val   []byte
	ikey       base.InternalKey
	err        error
}

// blockIter implements the base.InternalIterator interface.
var _ base.InternalIterator = (*blockIter)(nil)

func newBlockIter(cmp base.Compare, block []byte) (*blockIter, error) {
	i := &blockIter{}
	return i, i.init(cmp, block)
}

func (i *blockIter) init(cmp base.Compare, block []byte) error {
	if len(block) < 4 {
		return base.CorruptionErrorf("shingle/table: invalid table (block is too short)")
	}
	numRestarts := int(binary.LittleEndian.Uint32(block[len(block)-4:]))
	restarts := len(block) - 4*(1+numRestarts)
	if numRestarts == 0 || restarts < 0 {
		return base.CorruptionErrorf("shingle/table: invalid table (block has %d restart points)", numRestarts)
	}
	*i = blockIter{
		cmp:         cmp,
		data:        block,
		restarts:    restarts,
		numRestarts: numRestarts,
		key:         i.key[:0],
	}
	return nil
}

func (i *blockIter) corrupt() {
	i.err = base.CorruptionErrorf("shingle/table: invalid table (corrupt block entry at offset %d)", i.offset)
	i.offset = i.restarts
	i.nextOffset = i.restarts
}

// readEntry decodes the entry at i.offset. It returns false when the iterator
// is exhausted or the entry is malformed.
func (i *blockIter) readEntry() bool {
	if i.offset >= i.restarts {
		i.offset = i.restarts
		return false
	}
	p := i.data[i.offset:i.restarts]
	shared, n0 := binary.Uvarint(p)
	if n0 <= 0 {
		i.corrupt()
		return false
	}
	unshared, n1 := binary.Uvarint(p[n0:])
	if n1 <= 0 {
		i.corrupt()
		return false
	}
	valueLen, n2 := binary.Uvarint(p[n0+n1:])
	if n2 <= 0 {
		i.corrupt()
		return false
	}
	n := uint64(n0 + n1 + n2)
	if shared > uint64(len(i.key)) || n+unshared+valueLen > uint64(len(p)) {
		i.corrupt()
		return false
	}
	i.key = append(i.key[:shared], p[n:n+unshared]...)
	i.key = i.key[:len(i.key):len(i.key)]
	end := n + unshared + valueLen
	i.val = p[n+unshared : end : end]
	i.nextOffset = i.offset + int(end)
	return true
}

func (i *blockIter) loadEntry() (*base.InternalKey, []byte) {
	if !i.readEntry() {
		return nil, nil
	}
	i.ikey = base.DecodeInternalKey(i.key)
	return &i.ikey, i.val
}

// restartKey returns the full key stored at restart point j.
func (i *blockIter) restartKey(j int) ([]byte, bool) {
	offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
	if offset >= i.restarts {
		return nil, false
	}
	p := i.data[offset:i.restarts]
	// For a restart point, there are 0 bytes shared with the previous key.
	// The varint encoding of 0 occupies 1 byte.
	if p[0] != 0 {
		return nil, false
	}
	p = p[1:]
	v1, n1 := binary.Uvarint(p)
	if n1 <= 0 {
		return nil, false
	}
	_, n2 := binary.Uvarint(p[n1:])
	if n2 <= 0 || uint64(len(p)-n1-n2) < v1 {
		return nil, false
	}
	m := n1 + n2
	return p[m : m+int(v1)], true
}

// SeekGE implements base.InternalIterator.SeekGE.
func (i *blockIter) SeekGE(key base.InternalKey) (*base.InternalKey, []byte) {
	if i.err != nil {
		return nil, nil
	}
	if i.restarts == 0 {
		// An empty block.
		i.offset = 0
		return nil, nil
	}
	// Find the index of the smallest restart point whose key is > the key
	// sought; index will be numRestarts if there is no such restart point.
	corrupt := false
	index := sort.Search(i.numRestarts, func(j int) bool {
		s, ok := i.restartKey(j)
		if !ok {
			corrupt = true
			return true
		}
		return base.InternalCompare(i.cmp, key, base.DecodeInternalKey(s)) < 0
	})
	if corrupt {
		i.corrupt()
		return nil, nil
	}

	// Since keys are strictly increasing, if index > 0 then the restart point
	// at index-1 will be the largest whose key is <= the key sought. If index
	// == 0, then all keys in this block are larger than the key sought, and
	// offset remains at zero.
	i.offset = 0
	if index > 0 {
		i.offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(index-1):]))
	}
	i.key = i.key[:0]

	// Iterate from that restart point to somewhere >= the key sought.
	for k, v := i.loadEntry(); k != nil; k, v = i.Next() {
		if base.InternalCompare(i.cmp, key, *k) <= 0 {
			return k, v
		}
	}
	return nil, nil
}

// First implements base.InternalIterator.First.
func (i *blockIter) First() (*base.InternalKey, []byte) {
	if i.err != nil {
		return nil, nil
	}
	i.offset = 0
	i.key = i.key[:0]
	return i.loadEntry()
}

// Next implements base.InternalIterator.Next.
func (i *blockIter) Next() (*base.InternalKey, []byte) {
	if i.err != nil || i.offset >= i.restarts {
		return nil, nil
	}
	i.offset = i.nextOffset
	return i.loadEntry()
}

// restartOffset returns the offset of the entry at restart point j.
func (i *blockIter) restartOffset(j int) int {
	return int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
}

// decodeFrom decodes the entries from the restart point at start onwards and
// stops at the first entry for which stop returns true, leaving the iterator
// positioned there. Keys are prefix compressed against their predecessor, so
// an entry can only be decoded by walking forward from a restart point.
func (i *blockIter) decodeFrom(start int, stop func() bool) (*base.InternalKey, []byte) {
	if start < 0 || start > i.restarts {
		i.corrupt()
		return nil, nil
	}
	i.offset = start
	i.key = i.key[:0]
	for {
		if !i.readEntry() {
			return nil, nil
		}
		if stop() {
			i.ikey = base.DecodeInternalKey(i.key)
			return &i.ikey, i.val
		}
		i.offset = i.nextOffset
	}
}

// SeekLT implements base.InternalIterator.SeekLT.
func (i *blockIter) SeekLT(key base.InternalKey) (*base.InternalKey, []byte) {
	if i.err != nil {
		return nil, nil
	}
	if i.restarts == 0 {
		// An empty block.
		return nil, nil
	}
	// Find the index of the smallest restart point whose key is >= the key
	// sought. Every entry before it is < the key sought.
	corrupt := false
	index := sort.Search(i.numRestarts, func(j int) bool {
		s, ok := i.restartKey(j)
		if !ok {
			corrupt = true
			return true
		}
		return base.InternalCompare(i.cmp, key, base.DecodeInternalKey(s)) <= 0
	})
	if corrupt {
		i.corrupt()
		return nil, nil
	}
	if index == 0 {
		i.offset = i.restarts
		return nil, nil
	}

	// Find the offset of the last entry < key within the restart interval,
	// then decode forward to it again.
	start := i.restartOffset(index - 1)
	target := -1
	i.decodeFrom(start, func() bool {
		if base.InternalCompare(i.cmp, base.DecodeInternalKey(i.key), key) >= 0 {
			return true
		}
		target = i.offset
		return false
	})
	if i.err != nil || target < 0 {
		i.offset = i.restarts
		return nil, nil
	}
	return i.decodeFrom(start, func() bool { return i.offset == target })
}

// Last implements base.InternalIterator.Last.
func (i *blockIter) Last() (*base.InternalKey, []byte) {
	if i.err != nil {
		return nil, nil
	}
	return i.decodeFrom(i.restartOffset(i.numRestarts-1), func() bool {
		return i.nextOffset >= i.restarts
	})
}

// Prev implements base.InternalIterator.Prev.
func (i *blockIter) Prev() (*base.InternalKey, []byte) {
	if i.err != nil || i.offset >= i.restarts {
		return nil, nil
	}
	target := i.offset
	if target == 0 {
		i.offset = i.restarts
		return nil, nil
	}
	// The last restart point before the current entry.
	j := sort.Search(i.numRestarts, func(j int) bool {
		return i.restartOffset(j) >= target
	}) - 1
	if j < 0 {
		i.corrupt()
		return nil, nil
	}
	return i.decodeFrom(i.restartOffset(j), func() bool {
		return i.nextOffset >= target
	})
}

func (i *blockIter) valid() bool {
	return i.err == nil && i.offset < i.restarts
}

// Error implements base.InternalIterator.Error.
func (i *blockIter) Error() error {
	return i.err
}

// Close implements base.InternalIterator.Close.
func (i *blockIter) Close() error {
	i.val = nil
	return i.err
}

func (i *blockIter) String() string {
	return "block"
}
