// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/shingle/internal/base"
)

// tableNewIter creates a new iterator for the given file metadata.
type tableNewIter func(meta *fileMetadata) (internalIterator, error)

// levelIter provides a merged view of the sstables in a level.
//
// levelIter is used during compaction and as part of the Iterator
// implementation. The tables of a level > 0 are ordered by key and do not
// overlap, so at most one of them needs to be open at a time.
type levelIter struct {
	cmp Compare
	// The current file wrt the iterator position.
	index int
	// iter is the iterator over files[index], or nil if no file is open.
	iter     internalIterator
	newIters tableNewIter
	files    []*fileMetadata
	err      error
}

// levelIter implements the base.InternalIterator interface.
var _ base.InternalIterator = (*levelIter)(nil)

func newLevelIter(cmp Compare, newIters tableNewIter, files []*fileMetadata) *levelIter {
	return &levelIter{
		cmp:      cmp,
		index:    -1,
		newIters: newIters,
		files:    files,
	}
}

// findFileGE returns the index of the first file whose largest key is >= key.
func (l *levelIter) findFileGE(key InternalKey) int {
	// Find the earliest file whose largest key is >= key.
	return sort.Search(len(l.files), func(i int) bool {
		return base.InternalCompare(l.cmp, l.files[i].Largest, key) >= 0
	})
}

// findFileLT returns the index of the last file whose smallest key is < key,
// or -1 if there is none.
func (l *levelIter) findFileLT(key InternalKey) int {
	return sort.Search(len(l.files), func(i int) bool {
		return base.InternalCompare(l.cmp, l.files[i].Smallest, key) >= 0
	}) - 1
}

// loadFile closes the current table iterator, if any, and opens the table at
// index. It returns false if index is out of range or opening failed.
func (l *levelIter) loadFile(index int) bool {
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
	l.index = index
	if l.err != nil || index < 0 || index >= len(l.files) {
		return false
	}
	iter, err := l.newIters(l.files[index])
	if err != nil {
		l.err = err
		return false
	}
	l.iter = iter
	return true
}

// skipEmptyFileForward moves to the following files until one yields an
// entry.
func (l *levelIter) skipEmptyFileForward() (*InternalKey, []byte) {
	for {
		if l.iter != nil {
			if err := l.iter.Error(); err != nil {
				l.err = err
				return nil, nil
			}
		}
		if !l.loadFile(l.index + 1) {
			return nil, nil
		}
		if key, val := l.iter.First(); key != nil {
			return key, val
		}
	}
}

// skipEmptyFileBackward moves to the preceding files until one yields an
// entry.
func (l *levelIter) skipEmptyFileBackward() (*InternalKey, []byte) {
	for {
		if l.iter != nil {
			if err := l.iter.Error(); err != nil {
				l.err = err
				return nil, nil
			}
		}
		if !l.loadFile(l.index - 1) {
			return nil, nil
		}
		if key, val := l.iter.Last(); key != nil {
			return key, val
		}
	}
}

// SeekGE implements base.InternalIterator.SeekGE.
func (l *levelIter) SeekGE(key InternalKey) (*InternalKey, []byte) {
	l.err = nil
	if !l.loadFile(l.findFileGE(key)) {
		return nil, nil
	}
	if k, v := l.iter.SeekGE(key); k != nil {
		return k, v
	}
	return l.skipEmptyFileForward()
}

// First implements base.InternalIterator.First.
func (l *levelIter) First() (*InternalKey, []byte) {
	l.err = nil
	if !l.loadFile(0) {
		return nil, nil
	}
	if k, v := l.iter.First(); k != nil {
		return k, v
	}
	return l.skipEmptyFileForward()
}

// Next implements base.InternalIterator.Next.
func (l *levelIter) Next() (*InternalKey, []byte) {
	if l.err != nil || l.iter == nil {
		return nil, nil
	}
	if k, v := l.iter.Next(); k != nil {
		return k, v
	}
	return l.skipEmptyFileForward()
}

// SeekLT implements base.InternalIterator.SeekLT.
func (l *levelIter) SeekLT(key InternalKey) (*InternalKey, []byte) {
	l.err = nil
	if !l.loadFile(l.findFileLT(key)) {
		return nil, nil
	}
	if k, v := l.iter.SeekLT(key); k != nil {
		return k, v
	}
	return l.skipEmptyFileBackward()
}

// Last implements base.InternalIterator.Last.
func (l *levelIter) Last() (*InternalKey, []byte) {
	l.err = nil
	if !l.loadFile(len(l.files) - 1) {
		return nil, nil
	}
	if k, v := l.iter.Last(); k != nil {
		return k, v
	}
	return l.skipEmptyFileBackward()
}

// Prev implements base.InternalIterator.Prev.
func (l *levelIter) Prev() (*InternalKey, []byte) {
	if l.err != nil || l.iter == nil {
		return nil, nil
	}
	if k, v := l.iter.Prev(); k != nil {
		return k, v
	}
	return l.skipEmptyFileBackward()
}

// Error implements base.InternalIterator.Error.
func (l *levelIter) Error() error {
	if l.err != nil || l.iter == nil {
		return l.err
	}
	return l.iter.Error()
}

// Close implements base.InternalIterator.Close.
func (l *levelIter) Close() error {
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
	return l.err
}

func (l *levelIter) String() string {
	if l.index >= 0 && l.index < len(l.files) {
		return fmt.Sprintf("level: file %s", l.files[l.index].FileNum)
	}
	return "level: <unpositioned>"
}
