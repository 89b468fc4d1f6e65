// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

const (
	batchHeaderLen    = 12
	batchInitialSize  = 1 << 10 // 1 KB
	invalidBatchCount = 1<<32 - 1
	maxVarintLen32    = 5
)

// ErrInvalidBatch indicates that a batch is invalid or otherwise corrupted.
var ErrInvalidBatch = base.MarkCorruptionError(errors.New("shingle: invalid batch"))

// Batch is a sequence of Sets and/or Deletes that are applied atomically.
//
// The zero value is an empty batch ready to use. A batch is not safe for
// concurrent use, and must not be modified while a DB.Apply of it is in
// progress.
type Batch struct {
	// data is the wire format of a batch's log entry:
	//   - 8 bytes for a sequence number of the first batch element,
	//     or zeroes if the batch has not yet been applied,
	//   - 4 bytes for the count: the number of elements in the batch,
	//     or "\xff\xff\xff\xff" if the batch is invalid,
	//   - count elements, being:
	//     - one byte for the kind
	//     - the varint-string user key,
	//     - the varint-string value (if kind != delete).
	// The sequence number and count are stored in little-endian order.
	data []byte

	// memTableSize is an upper bound on the space the batch's entries occupy
	// once added to a memtable.
	memTableSize uint64
}

// memTableEntrySize returns an upper bound on the memtable space used by an
// entry with the given key and value lengths.
func memTableEntrySize(keyBytes, valueBytes int) uint64 {
	return uint64(memTableNodeOverhead + keyBytes + valueBytes)
}

// memTableNodeOverhead approximates a skiplist node of average height.
const memTableNodeOverhead = 64

// Set adds an action to the batch that sets the key to map to the value.
//
// It is safe to modify the contents of the arguments after Set returns.
func (b *Batch) Set(key, value []byte, _ *WriteOptions) error {
	if len(b.data) == 0 {
		b.init(len(key) + len(value) + 2*binary.MaxVarintLen64 + batchHeaderLen)
	}
	if !b.increment() {
		return ErrInvalidBatch
	}
	b.encodeKeyValue(key, value, InternalKeyKindSet)
	b.memTableSize += memTableEntrySize(len(key), len(value))
	return nil
}

// Delete adds an action to the batch that deletes the entry for key.
//
// It is safe to modify the contents of the arguments after Delete returns.
func (b *Batch) Delete(key []byte, _ *WriteOptions) error {
	if len(b.data) == 0 {
		b.init(len(key) + binary.MaxVarintLen64 + batchHeaderLen)
	}
	if !b.increment() {
		return ErrInvalidBatch
	}
	pos := len(b.data)
	b.grow(1 + maxVarintLen32 + len(key))
	b.data[pos] = byte(InternalKeyKindDelete)
	_, varlen := b.copyStr(pos+1, key)
	b.data = b.data[:len(b.data)-(maxVarintLen32-varlen)]
	b.memTableSize += memTableEntrySize(len(key), 0)
	return nil
}

// Apply the operations contained in the batch to the receiver batch.
//
// It is safe to modify the contents of the arguments after Apply returns.
func (b *Batch) Apply(batch *Batch, _ *WriteOptions) error {
	if len(batch.data) == 0 {
		return nil
	}
	if len(batch.data) < batchHeaderLen {
		return ErrInvalidBatch
	}

	offset := len(b.data)
	if offset == 0 {
		b.init(offset)
		offset = batchHeaderLen
	}
	b.data = append(b.data, batch.data[batchHeaderLen:]...)
	b.setCount(b.Count() + batch.Count())

	for iter := BatchReader(b.data[offset:]); len(iter) > 0; {
		_, key, value, ok, err := iter.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		b.memTableSize += memTableEntrySize(len(key), len(value))
	}
	return nil
}

// Empty returns true if the batch is empty, and false otherwise.
func (b *Batch) Empty() bool {
	return len(b.data) <= batchHeaderLen
}

// Len returns the current size of the batch in bytes.
func (b *Batch) Len() int {
	if len(b.data) <= batchHeaderLen {
		return batchHeaderLen
	}
	return len(b.data)
}

// Repr returns the underlying batch representation. It is not safe to modify
// the contents. Reset() will not change the contents of the returned value,
// though any other mutation operation may do so.
func (b *Batch) Repr() []byte {
	if len(b.data) == 0 {
		b.init(batchHeaderLen)
	}
	return b.data
}

// SetRepr sets the underlying batch representation. The batch takes ownership
// of the supplied slice. It will not be copied and should not be modified
// after this point. The representation is validated: a malformed repr is
// rejected with ErrInvalidBatch.
func (b *Batch) SetRepr(data []byte) error {
	if len(data) < batchHeaderLen {
		return errors.Wrapf(ErrInvalidBatch, "batch repr too small: %d < %d",
			errors.Safe(len(data)), errors.Safe(batchHeaderLen))
	}
	var memTableSize uint64
	r, count := ReadBatch(data)
	var n uint32
	for {
		_, key, value, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n++
		memTableSize += memTableEntrySize(len(key), len(value))
	}
	if n != count {
		return errors.Wrapf(ErrInvalidBatch, "batch count %d does not match %d entries",
			errors.Safe(count), errors.Safe(n))
	}
	b.data = data
	b.memTableSize = memTableSize
	return nil
}

// Count returns the count of memtable-modifying operations in this batch.
func (b *Batch) Count() uint32 {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return binary.LittleEndian.Uint32(b.countData())
}

// SeqNum returns the sequence number assigned to the first entry of the
// batch, or zero if the batch has not been applied.
func (b *Batch) SeqNum() SeqNum {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return SeqNum(binary.LittleEndian.Uint64(b.seqNumData()))
}

// Reset resets the batch for reuse. The underlying byte slice (that is
// returned by Repr()) is not modified.
func (b *Batch) Reset() {
	b.data = nil
	b.memTableSize = 0
}

// Reader returns a BatchReader for the current batch contents.
func (b *Batch) Reader() BatchReader {
	if len(b.data) < batchHeaderLen {
		return nil
	}
	return b.data[batchHeaderLen:]
}

func (b *Batch) init(cap int) {
	n := batchInitialSize
	for n < cap {
		n *= 2
	}
	b.data = make([]byte, batchHeaderLen, n)
}

func (b *Batch) seqNumData() []byte {
	return b.data[:8]
}

func (b *Batch) countData() []byte {
	return b.data[8:12]
}

func (b *Batch) increment() (ok bool) {
	p := b.countData()
	for i := range p {
		p[i]++
		if p[i] != 0x00 {
			return p[i] != 0xff || i != len(p)-1
		}
	}
	// The countData was "\xff\xff\xff\xff". Leave it as it was.
	p[0] = 0xff
	p[1] = 0xff
	p[2] = 0xff
	p[3] = 0xff
	return false
}

func (b *Batch) grow(n int) {
	newSize := len(b.data) + n
	if newSize > cap(b.data) {
		newCap := 2 * cap(b.data)
		for newCap < newSize {
			newCap *= 2
		}
		newData := make([]byte, len(b.data), newCap)
		copy(newData, b.data)
		b.data = newData
	}
	b.data = b.data[:newSize]
}

func putUvarint32(buf []byte, x uint32) int {
	i := 0
	for x >= 0x80 {
		buf[i] = byte(x) | 0x80
		x >>= 7
		i++
	}
	buf[i] = byte(x)
	return i + 1
}

func (b *Batch) copyStr(pos int, s []byte) (int, int) {
	n := putUvarint32(b.data[pos:], uint32(len(s)))
	return pos + n + copy(b.data[pos+n:], s), n
}

func (b *Batch) encodeKeyValue(key, value []byte, kind InternalKeyKind) {
	pos := len(b.data)
	b.grow(1 + 2*maxVarintLen32 + len(key) + len(value))
	b.data[pos] = byte(kind)
	pos, varlen1 := b.copyStr(pos+1, key)
	_, varlen2 := b.copyStr(pos, value)
	b.data = b.data[:len(b.data)-(2*maxVarintLen32-varlen1-varlen2)]
}

func (b *Batch) setSeqNum(seqNum SeqNum) {
	binary.LittleEndian.PutUint64(b.seqNumData(), uint64(seqNum))
}

func (b *Batch) setCount(v uint32) {
	binary.LittleEndian.PutUint32(b.countData(), v)
}

// String returns a human-readable rendering of the batch entries.
func (b *Batch) String() string {
	var buf []byte
	seqNum := b.SeqNum()
	for r := b.Reader(); ; seqNum++ {
		kind, key, value, ok, err := r.Next()
		if err != nil {
			buf = fmt.Appendf(buf, "<%s>", err)
			break
		}
		if !ok {
			break
		}
		if len(buf) > 0 {
			buf = append(buf, ' ')
		}
		switch kind {
		case InternalKeyKindSet:
			buf = fmt.Appendf(buf, "%s#%d,SET:%s", key, seqNum, value)
		case InternalKeyKindDelete:
			buf = fmt.Appendf(buf, "%s#%d,DEL", key, seqNum)
		}
	}
	return string(buf)
}

// BatchReader iterates over the entries contained in a batch.
type BatchReader []byte

// ReadBatch constructs a BatchReader from a batch representation. The
// header is not validated. ReadBatch returns a new batch reader and the
// count of entries contained within the batch.
func ReadBatch(repr []byte) (r BatchReader, count uint32) {
	if len(repr) <= batchHeaderLen {
		return nil, 0
	}
	count = binary.LittleEndian.Uint32(repr[8:batchHeaderLen])
	return repr[batchHeaderLen:], count
}

// Next returns the next entry in this batch. The final return value is
// non-nil if the batch is corrupt, in which case the reader must not be used
// again. When the batch is exhausted, ok is false.
func (r *BatchReader) Next() (kind InternalKeyKind, ukey []byte, value []byte, ok bool, err error) {
	if len(*r) == 0 {
		return 0, nil, nil, false, nil
	}
	kind = InternalKeyKind((*r)[0])
	if kind > InternalKeyKindMax {
		return 0, nil, nil, false, errors.Wrapf(ErrInvalidBatch, "invalid key kind 0x%x", (*r)[0])
	}
	*r, ukey, ok = batchDecodeStr((*r)[1:])
	if !ok {
		return 0, nil, nil, false, errors.Wrapf(ErrInvalidBatch, "decoding user key")
	}
	if kind == InternalKeyKindSet {
		*r, value, ok = batchDecodeStr(*r)
		if !ok {
			return 0, nil, nil, false, errors.Wrapf(ErrInvalidBatch, "decoding %s value", kind)
		}
	}
	return kind, ukey, value, true, nil
}

func batchDecodeStr(data []byte) (odata []byte, s []byte, ok bool) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return data, nil, false
	}
	data = data[n:]
	if v > uint64(len(data)) {
		return data, nil, false
	}
	return data[v:], data[:v], true
}
