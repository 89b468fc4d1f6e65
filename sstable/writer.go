// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/crc"
)

// WriterMetadata holds info about a finished sstable.
type WriterMetadata struct {
	Size           uint64
	Smallest       base.InternalKey
	Largest        base.InternalKey
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
	Properties     Properties
}

func (m *WriterMetadata) updateSeqNum(seqNum base.SeqNum) {
	if m.SmallestSeqNum > seqNum {
		m.SmallestSeqNum = seqNum
	}
	if m.LargestSeqNum < seqNum {
		m.LargestSeqNum = seqNum
	}
}

// Writable is the handle for a file being written to.
type Writable interface {
	io.WriteCloser
	Sync() error
}

// Writer is a table writer.
type Writer struct {
	file      Writable
	bufWriter *bufio.Writer
	err       error
	meta      WriterMetadata
	// The next five fields are copied from the WriterOptions.
	blockSize   int
	compare     base.Compare
	separator   base.Separator
	successor   base.Successor
	compression Compression
	// A table is a series of blocks and a block's index entry contains a
	// separator key between one block and the next. Thus, a finished block
	// cannot be written until the first key in the next block is seen.
	// pendingBH is the blockHandle of a finished block that is waiting for
	// the next call to Add.
	pendingBH blockHandle
	pending   bool
	// offset is the offset (relative to the table start) of the next block
	// to be written.
	offset uint64
	// prevKey is a copy of the key most recently passed to Add.
	prevKey       base.InternalKey
	block         blockWriter
	indexBlock    blockWriter
	filter        *filterBlockWriter
	compressedBuf []byte
	// tmp is a scratch buffer, large enough to hold either footerLen bytes,
	// blockTrailerLen bytes, or a block handle.
	tmp [footerLen]byte
}

// NewWriter returns a new table writer for the file. Closing the writer will
// close the file.
func NewWriter(f Writable, o WriterOptions) *Writer {
	o = o.ensureDefaults()
	w := &Writer{
		file:        f,
		blockSize:   o.BlockSize,
		compare:     o.Comparer.Compare,
		separator:   o.Comparer.Separator,
		successor:   o.Comparer.Successor,
		compression: o.Compression,
		block: blockWriter{
			restartInterval: o.BlockRestartInterval,
		},
		indexBlock: blockWriter{
			restartInterval: 1,
		},
	}
	w.meta.SmallestSeqNum = base.SeqNumMax
	w.meta.Properties.ComparerName = o.Comparer.Name
	w.meta.Properties.CompressionName = o.Compression.String()
	if o.FilterPolicy != nil {
		w.filter = newFilterBlockWriter(o.FilterPolicy)
		w.meta.Properties.FilterPolicyName = o.FilterPolicy.Name()
	}
	if f == nil {
		w.err = errors.New("shingle/table: nil file")
		return w
	}
	w.bufWriter = bufio.NewWriterSize(f, 64<<10)
	return w
}

// Set adds a key/value pair of kind Set with the given sequence number.
func (w *Writer) Set(key []byte, seqNum base.SeqNum, value []byte) error {
	return w.Add(base.MakeInternalKey(key, seqNum, base.InternalKeyKindSet), value)
}

// Delete adds a tombstone for key with the given sequence number.
func (w *Writer) Delete(key []byte, seqNum base.SeqNum) error {
	return w.Add(base.MakeInternalKey(key, seqNum, base.InternalKeyKindDelete), nil)
}

// Add adds a key/value pair to the table being written. For a given Writer,
// the keys passed to Add must be in strictly increasing internal key order.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if !key.Valid() {
		w.err = errors.Wrapf(base.ErrInvalidKind, "shingle/table: adding %s", key)
		return w.err
	}
	if w.meta.Properties.NumEntries > 0 && base.InternalCompare(w.compare, w.prevKey, key) >= 0 {
		w.err = errors.Errorf("shingle/table: keys must be added in strictly increasing order: %s, %s",
			w.prevKey, key)
		return w.err
	}
	if w.filter != nil {
		w.filter.addKey(key.UserKey)
	}
	w.flushPendingBH(key)
	w.block.add(key, value)

	w.meta.updateSeqNum(key.SeqNum())
	if w.meta.Properties.NumEntries == 0 {
		w.meta.Smallest = key.Clone()
	}
	w.prevKey.CopyFrom(key)
	w.meta.Properties.NumEntries++
	if key.Kind() == base.InternalKeyKindDelete {
		w.meta.Properties.NumDeletions++
	}
	w.meta.Properties.RawKeySize += uint64(key.Size())
	w.meta.Properties.RawValueSize += uint64(len(value))

	// If the estimated block size is sufficiently large, finish the current
	// block.
	if w.block.estimatedSize() >= w.blockSize {
		bh, err := w.finishDataBlock()
		if err != nil {
			w.err = err
			return w.err
		}
		w.pendingBH, w.pending = bh, true
	}
	return nil
}

// flushPendingBH adds any pending block handle to the index, keyed by a
// separator between the last key of that block and key.
func (w *Writer) flushPendingBH(key base.InternalKey) {
	if !w.pending {
		return
	}
	sep := w.prevKey.Separator(w.compare, w.separator, nil, key)
	w.addIndexEntry(sep, w.pendingBH)
}

func (w *Writer) addIndexEntry(sep base.InternalKey, bh blockHandle) {
	n := encodeBlockHandle(w.tmp[:], bh)
	w.indexBlock.add(sep, w.tmp[:n])
	w.pending = false
	w.pendingBH = blockHandle{}
}

func (w *Writer) finishDataBlock() (blockHandle, error) {
	bh, err := w.writeBlock(w.block.finish(), w.compression)
	if err != nil {
		return blockHandle{}, err
	}
	// Calculate filters.
	if w.filter != nil {
		if err := w.filter.finishBlock(w.offset); err != nil {
			return blockHandle{}, err
		}
	}
	w.block.reset()
	w.meta.Properties.NumDataBlocks++
	w.meta.Properties.DataSize += bh.length + blockTrailerLen
	return bh, nil
}

// writeBlock compresses and writes a block along with its trailer.
func (w *Writer) writeBlock(b []byte, compression Compression) (blockHandle, error) {
	blockType, compressed := compressBlock(compression, b, w.compressedBuf)
	if blockType != noCompressionBlockType {
		w.compressedBuf = compressed[:0]
	}
	return w.writeRawBlock(compressed, blockType)
}

func (w *Writer) writeRawBlock(b []byte, blockType byte) (blockHandle, error) {
	w.tmp[0] = blockType

	// Calculate the checksum.
	checksum := crc.New(b).Update(w.tmp[:1]).Value()
	binary.LittleEndian.PutUint32(w.tmp[1:5], checksum)

	// Write the bytes to the file.
	if _, err := w.bufWriter.Write(b); err != nil {
		return blockHandle{}, err
	}
	if _, err := w.bufWriter.Write(w.tmp[:blockTrailerLen]); err != nil {
		return blockHandle{}, err
	}
	bh := blockHandle{w.offset, uint64(len(b))}
	w.offset += uint64(len(b)) + blockTrailerLen
	return bh, nil
}

// EstimatedSize returns the estimated size of the sstable being written if a
// call to Close() was made without adding additional keys.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.block.estimatedSize()+w.indexBlock.estimatedSize())
}

// Metadata returns the metadata for the finished sstable. Only valid to call
// after the sstable has been finished.
func (w *Writer) Metadata() (*WriterMetadata, error) {
	if w.file != nil || w.meta.Size == 0 {
		return nil, errors.New("shingle/table: writer is not closed")
	}
	return &w.meta, nil
}

// Close finishes writing the table and closes the underlying file that the
// table was written to. The file is synced before it is closed.
func (w *Writer) Close() (err error) {
	defer func() {
		if w.file == nil {
			return
		}
		err1 := w.file.Close()
		if err == nil {
			err = err1
		}
		w.file = nil
	}()
	if w.err != nil {
		return w.err
	}

	// Finish the last data block, or force an empty data block if there
	// aren't any data blocks at all.
	if w.block.nEntries > 0 || w.indexBlock.nEntries == 0 && !w.pending {
		bh, err := w.finishDataBlock()
		if err != nil {
			w.err = err
			return w.err
		}
		w.pendingBH, w.pending = bh, true
	}
	if w.pending {
		succ := w.prevKey.Successor(w.compare, w.successor, nil)
		if w.meta.Properties.NumEntries == 0 {
			succ = base.InternalKey{Trailer: base.MakeTrailer(base.SeqNumMax, base.InternalKeyKindMax)}
		}
		w.addIndexEntry(succ, w.pendingBH)
	}

	var metaindex blockWriter
	metaindex.restartInterval = 1

	// Write the filter block.
	if w.filter != nil {
		b, err := w.filter.finish()
		if err != nil {
			w.err = err
			return w.err
		}
		bh, err := w.writeRawBlock(b, noCompressionBlockType)
		if err != nil {
			w.err = err
			return w.err
		}
		w.meta.Properties.FilterSize = bh.length
		n := encodeBlockHandle(w.tmp[:], bh)
		metaindex.addRaw([]byte(metaFilterPrefix+w.filter.policy.Name()), w.tmp[:n])
	}

	// Write the index block.
	indexBH, err := w.writeBlock(w.indexBlock.finish(), w.compression)
	if err != nil {
		w.err = err
		return w.err
	}
	w.meta.Properties.IndexSize = indexBH.length + blockTrailerLen

	// Write the properties block.
	var props blockWriter
	props.restartInterval = 1 << 30
	w.meta.Properties.save(&props)
	propsBH, err := w.writeRawBlock(props.finish(), noCompressionBlockType)
	if err != nil {
		w.err = err
		return w.err
	}
	n := encodeBlockHandle(w.tmp[:], propsBH)
	metaindex.addRaw([]byte(metaPropertiesKey), w.tmp[:n])

	// Write the metaindex block.
	metaindexBH, err := w.writeRawBlock(metaindex.finish(), noCompressionBlockType)
	if err != nil {
		w.err = err
		return w.err
	}

	// Write the table footer.
	ft := footer{metaindexBH: metaindexBH, indexBH: indexBH}
	if _, err := w.bufWriter.Write(ft.encode(w.tmp[:])); err != nil {
		w.err = err
		return w.err
	}
	w.offset += footerLen
	w.meta.Size = w.offset
	w.meta.Largest = w.prevKey.Clone()

	if err := w.bufWriter.Flush(); err != nil {
		w.err = err
		return w.err
	}
	if err := w.file.Sync(); err != nil {
		w.err = err
		return w.err
	}

	// Make any future calls to Add or Close return an error.
	w.err = errors.New("shingle/table: writer is closed")
	return nil
}
