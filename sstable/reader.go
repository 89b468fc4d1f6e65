// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/crc"
)

// ReadableFile describes the smallest subset of vfs.File that is required for
// reading SSTs.
type ReadableFile interface {
	io.ReaderAt
	io.Closer
	Stat() (os.FileInfo, error)
}

// Reader is a table reader. It is safe for concurrent use once opened.
type Reader struct {
	file       ReadableFile
	size       int64
	compare    base.Compare
	index      []byte
	filter     filterBlockReader
	Properties Properties
}

// NewReader returns a new table reader for the file. Closing the reader will
// close the file. On error the file is closed.
func NewReader(f ReadableFile, o ReaderOptions) (*Reader, error) {
	o = o.ensureDefaults()
	if f == nil {
		return nil, errors.New("shingle/table: nil file")
	}
	r := &Reader{
		file:    f,
		compare: o.Comparer.Compare,
	}
	if err := r.init(o); err != nil {
		return nil, errors.CombineErrors(err, f.Close())
	}
	return r, nil
}

func (r *Reader) init(o ReaderOptions) error {
	stat, err := r.file.Stat()
	if err != nil {
		return errors.Wrap(err, "shingle/table: invalid table (could not stat file)")
	}
	r.size = stat.Size()
	if r.size < footerLen {
		return base.CorruptionErrorf("shingle/table: invalid table (file size is too small)")
	}
	var buf [footerLen]byte
	if _, err := r.file.ReadAt(buf[:], r.size-footerLen); err != nil && err != io.EOF {
		return errors.Wrap(err, "shingle/table: invalid table (could not read footer)")
	}
	ft, err := readFooter(buf[:])
	if err != nil {
		return err
	}
	if err := r.readMetaindex(ft.metaindexBH, o); err != nil {
		return err
	}
	r.index, err = r.readBlock(ft.indexBH)
	if err != nil {
		return err
	}
	// Validate the index block's structure up front.
	_, err = newBlockIter(r.compare, r.index)
	return err
}

func (r *Reader) readMetaindex(metaindexBH blockHandle, o ReaderOptions) error {
	b, err := r.readBlock(metaindexBH)
	if err != nil {
		return err
	}
	i, err := newBlockIter(base.DefaultComparer.Compare, b)
	if err != nil {
		return err
	}
	meta := map[string]blockHandle{}
	for i.First(); i.valid(); i.Next() {
		bh, n := decodeBlockHandle(i.val)
		if n == 0 {
			return base.CorruptionErrorf("shingle/table: invalid table (bad metaindex entry %q)", i.key)
		}
		meta[string(i.key)] = bh
	}
	if err := i.Close(); err != nil {
		return err
	}

	if bh, ok := meta[metaPropertiesKey]; ok {
		b, err := r.readBlock(bh)
		if err != nil {
			return err
		}
		if err := r.Properties.load(b); err != nil {
			return err
		}
	}
	if r.Properties.ComparerName != "" && r.Properties.ComparerName != o.Comparer.Name {
		return errors.Errorf("shingle/table: table was written with comparer %q, opened with %q",
			r.Properties.ComparerName, o.Comparer.Name)
	}

	for name, fp := range o.Filters {
		bh, ok := meta[metaFilterPrefix+name]
		if !ok {
			continue
		}
		b, err := r.readBlock(bh)
		if err != nil {
			return err
		}
		if !r.filter.init(b, fp) {
			return base.CorruptionErrorf("shingle/table: invalid table (bad filter block)")
		}
		break
	}
	return nil
}

// readBlock reads, verifies and decompresses a block from disk into memory.
func (r *Reader) readBlock(bh blockHandle) ([]byte, error) {
	if bh.offset > uint64(r.size) || bh.length+blockTrailerLen > uint64(r.size)-bh.offset {
		return nil, base.CorruptionErrorf("shingle/table: invalid table (block handle %d/%d out of bounds)",
			errors.Safe(bh.offset), errors.Safe(bh.length))
	}
	b := make([]byte, bh.length+blockTrailerLen)
	if _, err := r.file.ReadAt(b, int64(bh.offset)); err != nil && err != io.EOF {
		return nil, err
	}
	checksum0 := binary.LittleEndian.Uint32(b[bh.length+1:])
	checksum1 := crc.New(b[:bh.length+1]).Value()
	if checksum0 != checksum1 {
		return nil, base.CorruptionErrorf("shingle/table: invalid table (checksum mismatch at %d/%d)",
			errors.Safe(bh.offset), errors.Safe(bh.length))
	}
	return decompressBlock(b[bh.length], b[:bh.length])
}

// NewIter returns an iterator over the table's key/value pairs.
func (r *Reader) NewIter() (*Iterator, error) {
	i := &Iterator{reader: r}
	if err := i.index.init(r.compare, r.index); err != nil {
		return nil, err
	}
	return i, nil
}

// Get returns the first entry whose key is >= key and whose user key equals
// key.UserKey. It returns base.ErrNotFound if the table holds no such entry,
// consulting the filter block, if any, before reading data blocks.
func (r *Reader) Get(key base.InternalKey) (base.InternalKey, []byte, error) {
	i, err := r.NewIter()
	if err != nil {
		return base.InvalidInternalKey, nil, err
	}
	k, v := i.seekGE(key, true /* useFilter */)
	if k == nil || r.compare(k.UserKey, key.UserKey) != 0 {
		if err := i.Close(); err != nil {
			return base.InvalidInternalKey, nil, err
		}
		return base.InvalidInternalKey, nil, base.ErrNotFound
	}
	found := *k
	return found, v, i.Close()
}

// Size returns the size of the table file.
func (r *Reader) Size() int64 {
	return r.size
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return errors.New("shingle/table: reader is closed")
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Iterator is an iterator over an entire table of data. It is a two-level
// iterator: to seek for a given key, it first looks in the index for the
// block that contains that key, and then looks inside that block.
type Iterator struct {
	reader *Reader
	index  blockIter
	data   blockIter
	// dataLoaded is true when data holds a loaded block.
	dataLoaded bool
	err        error
}

// Iterator implements the base.InternalIterator interface.
var _ base.InternalIterator = (*Iterator)(nil)

// loadBlock loads the data block referenced by the current index entry. With
// a non-nil filterKey, loading is skipped and false returned when the filter
// rules out the key.
func (i *Iterator) loadBlock(filterKey []byte) bool {
	i.dataLoaded = false
	v := i.index.val
	bh, n := decodeBlockHandle(v)
	if n == 0 || n != len(v) {
		i.err = base.CorruptionErrorf("shingle/table: corrupt index entry")
		return false
	}
	if filterKey != nil && i.reader.filter.valid() && !i.reader.filter.mayContain(bh.offset, filterKey) {
		return false
	}
	b, err := i.reader.readBlock(bh)
	if err != nil {
		i.err = err
		return false
	}
	if err := i.data.init(i.reader.compare, b); err != nil {
		i.err = err
		return false
	}
	i.dataLoaded = true
	return true
}

// skipForward moves to the first entry of the next non-empty block.
func (i *Iterator) skipForward() (*base.InternalKey, []byte) {
	for {
		if i.dataLoaded && i.data.err != nil {
			i.err = i.data.err
			return nil, nil
		}
		if k, _ := i.index.Next(); k == nil {
			i.err = i.index.err
			i.dataLoaded = false
			return nil, nil
		}
		if !i.loadBlock(nil) {
			return nil, nil
		}
		if k, v := i.data.First(); k != nil {
			return k, v
		}
	}
}

// skipBackward moves to the last entry of the previous non-empty block.
func (i *Iterator) skipBackward() (*base.InternalKey, []byte) {
	for {
		if i.dataLoaded && i.data.err != nil {
			i.err = i.data.err
			return nil, nil
		}
		if k, _ := i.index.Prev(); k == nil {
			i.err = i.index.err
			i.dataLoaded = false
			return nil, nil
		}
		if !i.loadBlock(nil) {
			return nil, nil
		}
		if k, v := i.data.Last(); k != nil {
			return k, v
		}
	}
}

func (i *Iterator) seekGE(key base.InternalKey, useFilter bool) (*base.InternalKey, []byte) {
	i.err = nil
	if k, _ := i.index.SeekGE(key); k == nil {
		i.err = i.index.err
		i.dataLoaded = false
		return nil, nil
	}
	var filterKey []byte
	if useFilter {
		filterKey = key.UserKey
		if filterKey == nil {
			filterKey = []byte{}
		}
	}
	if !i.loadBlock(filterKey) {
		return nil, nil
	}
	if k, v := i.data.SeekGE(key); k != nil {
		return k, v
	}
	return i.skipForward()
}

// SeekGE implements base.InternalIterator.SeekGE.
func (i *Iterator) SeekGE(key base.InternalKey) (*base.InternalKey, []byte) {
	return i.seekGE(key, false /* useFilter */)
}

// First implements base.InternalIterator.First.
func (i *Iterator) First() (*base.InternalKey, []byte) {
	i.err = nil
	if k, _ := i.index.First(); k == nil {
		i.err = i.index.err
		i.dataLoaded = false
		return nil, nil
	}
	if !i.loadBlock(nil) {
		return nil, nil
	}
	if k, v := i.data.First(); k != nil {
		return k, v
	}
	return i.skipForward()
}

// Next implements base.InternalIterator.Next.
func (i *Iterator) Next() (*base.InternalKey, []byte) {
	if i.err != nil || !i.dataLoaded {
		return nil, nil
	}
	if k, v := i.data.Next(); k != nil {
		return k, v
	}
	return i.skipForward()
}

// SeekLT implements base.InternalIterator.SeekLT.
func (i *Iterator) SeekLT(key base.InternalKey) (*base.InternalKey, []byte) {
	i.err = nil
	// The index entry of the first block whose separator is >= key. Its block
	// may hold entries < key, and so may every earlier block.
	k, _ := i.index.SeekGE(key)
	if k == nil {
		if i.err = i.index.err; i.err != nil {
			i.dataLoaded = false
			return nil, nil
		}
		// Every key in the table is < key.
		return i.Last()
	}
	if !i.loadBlock(nil) {
		return nil, nil
	}
	if k, v := i.data.SeekLT(key); k != nil {
		return k, v
	}
	return i.skipBackward()
}

// Last implements base.InternalIterator.Last.
func (i *Iterator) Last() (*base.InternalKey, []byte) {
	i.err = nil
	if k, _ := i.index.Last(); k == nil {
		i.err = i.index.err
		i.dataLoaded = false
		return nil, nil
	}
	if !i.loadBlock(nil) {
		return nil, nil
	}
	if k, v := i.data.Last(); k != nil {
		return k, v
	}
	return i.skipBackward()
}

// Prev implements base.InternalIterator.Prev.
func (i *Iterator) Prev() (*base.InternalKey, []byte) {
	if i.err != nil || !i.dataLoaded {
		return nil, nil
	}
	if k, v := i.data.Prev(); k != nil {
		return k, v
	}
	return i.skipBackward()
}

// Error implements base.InternalIterator.Error.
func (i *Iterator) Error() error {
	return i.err
}

// Close implements base.InternalIterator.Close.
func (i *Iterator) Close() error {
	i.dataLoaded = false
	return i.err
}

func (i *Iterator) String() string {
	return "sstable"
}
