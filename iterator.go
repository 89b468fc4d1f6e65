// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

// Iterator iterates over a DB's key/value pairs in key order.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
//
// An iterator is not goroutine-safe, but it is safe to use multiple iterators
// concurrently, with each in a dedicated goroutine.
//
// It is also safe to use an iterator concurrently with modifying its
// underlying DB. However, the resultant key/value pairs are only guaranteed to
// be a consistent snapshot of the DB at the time the iterator was created:
// writes made after the iterator was created are not visible to it.
//
// The iterator moves in either direction. SeekGE, SeekLT, First and Last may
// be called at any time to reposition it, and Next and Prev may be mixed
// freely while it is valid.
type Iterator struct {
	opts      IterOptions
	cmp       Compare
	equal     Equal
	iter      internalIterator
	readState *readState
	seqNum    SeqNum
	err       error
	// key holds a copy of the current user key.
	key   []byte
	value []byte
	// valueBuf holds a copy of the current value when moving in reverse, where
	// the merged input has already stepped past the entry.
	valueBuf []byte
	valid    bool
	// In forward mode the merged input is positioned at the entry for the
	// current key. In reverse mode it is positioned at the last entry before
	// the current key.
	dir iterDirection
	// iterKey and iterValue are the merged input's current entry.
	iterKey   *InternalKey
	iterValue []byte
	closed    bool
}

// findNextEntry positions the iterator on the first visible, live entry at
// or after the merged input's current position. Entries newer than the
// iterator's sequence number are invisible. The newest visible entry for a
// user key shadows the older ones, and a tombstone hides the key entirely.
func (i *Iterator) findNextEntry() bool {
	i.valid = false
	upper := i.opts.UpperBound
	for i.iterKey != nil {
		key := i.iterKey
		if key.SeqNum() > i.seqNum {
			i.iterKey, i.iterValue = i.iter.Next()
			continue
		}
		if upper != nil && i.cmp(key.UserKey, upper) >= 0 {
			break
		}
		switch key.Kind() {
		case InternalKeyKindDelete:
			i.key = append(i.key[:0], key.UserKey...)
			i.nextUserKey()
			continue
		case InternalKeyKindSet:
			i.key = append(i.key[:0], key.UserKey...)
			i.value = i.iterValue
			i.valid = true
			return true
		default:
			i.err = base.CorruptionErrorf("shingle: invalid internal key kind: %d", errors.Safe(key.Kind()))
			return false
		}
	}
	i.err = i.iter.Error()
	return false
}

// nextUserKey advances the merged input past every entry for the user key in
// i.key.
func (i *Iterator) nextUserKey() {
	for {
		i.iterKey, i.iterValue = i.iter.Next()
		if i.iterKey == nil || !i.equal(i.iterKey.UserKey, i.key) {
			return
		}
	}
}

// findPrevEntry positions the iterator on the last visible, live entry at or
// before the merged input's current position. The entries for a user key are
// walked oldest to newest, so the newest visible one decides the outcome.
func (i *Iterator) findPrevEntry() bool {
	i.valid = false
	lower := i.opts.LowerBound
	for i.iterKey != nil {
		if lower != nil && i.cmp(i.iterKey.UserKey, lower) < 0 {
			break
		}
		i.key = append(i.key[:0], i.iterKey.UserKey...)
		live := false
		for i.iterKey != nil && i.equal(i.iterKey.UserKey, i.key) {
			if key := i.iterKey; key.SeqNum() <= i.seqNum {
				switch key.Kind() {
				case InternalKeyKindDelete:
					live = false
				case InternalKeyKindSet:
					i.valueBuf = append(i.valueBuf[:0], i.iterValue...)
					live = true
				default:
					i.err = base.CorruptionErrorf("shingle: invalid internal key kind: %d", errors.Safe(key.Kind()))
					return false
				}
			}
			i.iterKey, i.iterValue = i.iter.Prev()
		}
		if i.iterKey == nil {
			if err := i.iter.Error(); err != nil {
				i.err = err
				return false
			}
		}
		if live {
			i.value = i.valueBuf
			i.valid = true
			return true
		}
	}
	i.err = i.iter.Error()
	return false
}

// SeekGE moves the iterator to the first key/value pair whose key is greater
// than or equal to the given key. Returns true if the iterator is pointing at
// a valid entry and false otherwise.
func (i *Iterator) SeekGE(key []byte) bool {
	if i.err != nil || i.closed {
		return false
	}
	if lower := i.opts.LowerBound; lower != nil && i.cmp(key, lower) < 0 {
		key = lower
	}
	i.dir = iterForward
	i.iterKey, i.iterValue = i.iter.SeekGE(base.MakeSearchKey(key))
	return i.findNextEntry()
}

// SeekLT moves the iterator to the last key/value pair whose key is less than
// the given key. Returns true if the iterator is pointing at a valid entry and
// false otherwise.
func (i *Iterator) SeekLT(key []byte) bool {
	if i.err != nil || i.closed {
		return false
	}
	if upper := i.opts.UpperBound; upper != nil && i.cmp(key, upper) > 0 {
		key = upper
	}
	i.dir = iterReverse
	i.iterKey, i.iterValue = i.iter.SeekLT(base.MakeSearchKey(key))
	return i.findPrevEntry()
}

// First moves the iterator the first key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) First() bool {
	if i.err != nil || i.closed {
		return false
	}
	i.dir = iterForward
	if lower := i.opts.LowerBound; lower != nil {
		i.iterKey, i.iterValue = i.iter.SeekGE(base.MakeSearchKey(lower))
	} else {
		i.iterKey, i.iterValue = i.iter.First()
	}
	return i.findNextEntry()
}

// Last moves the iterator the last key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Last() bool {
	if i.err != nil || i.closed {
		return false
	}
	i.dir = iterReverse
	if upper := i.opts.UpperBound; upper != nil {
		i.iterKey, i.iterValue = i.iter.SeekLT(base.MakeSearchKey(upper))
	} else {
		i.iterKey, i.iterValue = i.iter.Last()
	}
	return i.findPrevEntry()
}

// Next moves the iterator to the next key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Next() bool {
	if i.err != nil || i.closed || !i.valid {
		return false
	}
	if i.dir == iterReverse {
		// Step back onto the current key's entries, then past them.
		i.dir = iterForward
		i.iterKey, i.iterValue = i.iter.SeekGE(base.MakeSearchKey(i.key))
		for i.iterKey != nil && i.equal(i.iterKey.UserKey, i.key) {
			i.iterKey, i.iterValue = i.iter.Next()
		}
		return i.findNextEntry()
	}
	i.nextUserKey()
	return i.findNextEntry()
}

// Prev moves the iterator to the previous key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Prev() bool {
	if i.err != nil || i.closed || !i.valid {
		return false
	}
	if i.dir == iterForward {
		i.dir = iterReverse
		i.iterKey, i.iterValue = i.iter.SeekLT(base.MakeSearchKey(i.key))
	}
	return i.findPrevEntry()
}

// Key returns the key of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next or Prev.
func (i *Iterator) Key() []byte {
	if !i.valid {
		return nil
	}
	return i.key
}

// Value returns the value of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next or Prev.
func (i *Iterator) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.value
}

// Valid returns true if the iterator is positioned at a valid key/value pair
// and false otherwise.
func (i *Iterator) Valid() bool {
	return i.valid
}

// Error returns any accumulated error.
func (i *Iterator) Error() error {
	return i.err
}

// Close closes the iterator and returns any accumulated error. Exhausting
// all the key/value pairs in a table is not considered to be an error.
// It is not valid to call any method, including Close, after the iterator
// has been closed.
func (i *Iterator) Close() error {
	if i.closed {
		return errors.Wrap(ErrClosed, "iterator already closed")
	}
	i.closed = true
	i.valid = false
	err := i.err
	if i.iter != nil {
		err = errors.CombineErrors(err, i.iter.Close())
		i.iter = nil
	}
	if i.readState != nil {
		i.readState.unref()
		i.readState = nil
	}
	return err
}

// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE,
// SeekLT, First or Last.
func (d *DB) NewIter(o *IterOptions) (*Iterator, error) {
	return d.newIterInternal(nil /* snapshot */, o)
}

func (d *DB) newIterInternal(s *Snapshot, o *IterOptions) (*Iterator, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	// Grab and reference the current readState. This prevents the underlying
	// files in the associated version from being deleted if there is a current
	// compaction. The readState is unref'd by Iterator.Close().
	readState := d.loadReadState()

	// Determine the seqnum to read at after grabbing the read state (current
	// and memtables) above.
	var seqNum SeqNum
	if s != nil {
		seqNum = s.seqNum
	} else {
		seqNum = SeqNum(d.mu.versions.visibleSeqNum.Load())
	}

	iter, err := d.newMergedIter(readState)
	if err != nil {
		readState.unref()
		return nil, err
	}
	dbi := &Iterator{
		cmp:       d.cmp,
		equal:     d.equal,
		iter:      iter,
		readState: readState,
		seqNum:    seqNum,
	}
	if o != nil {
		dbi.opts = *o
	}
	return dbi, nil
}

// newMergedIter returns an iterator merging the memtables and tables of the
// readState, with no shadowing applied.
func (d *DB) newMergedIter(readState *readState) (internalIterator, error) {
	var iters []internalIterator
	// The memtables are the newest data, newest last in the queue.
	for i := len(readState.memtables) - 1; i >= 0; i-- {
		iters = append(iters, readState.memtables[i].newIter())
	}

	current := readState.current
	// Level-0 tables may overlap, so each gets its own iterator, newest first.
	for i := len(current.Levels[0]) - 1; i >= 0; i-- {
		iter, err := d.newIters(current.Levels[0][i])
		if err != nil {
			for _, it := range iters {
				_ = it.Close()
			}
			return nil, err
		}
		iters = append(iters, iter)
	}

	// Each remaining level is a single concatenated iterator.
	for level := 1; level < numLevels; level++ {
		if len(current.Levels[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(d.cmp, d.newIters, current.Levels[level]))
	}
	return newMergingIter(d.cmp, iters...), nil
}
