// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"fmt"

	"github.com/cockroachdb/shingle/internal/base"
)

// compactionIter provides a forward-only iterator that encapsulates the logic
// for collapsing entries during compaction. It wraps an internal iterator and
// collapses entries that are no longer necessary because they are shadowed by
// newer entries. The simplest example of this is when the internal iterator
// contains two keys: a.SET.2 and a.SET.1. Instead of returning both entries,
// compactionIter collapses the second entry because it is no longer
// necessary. The high-level structure for compactionIter is to iterate over
// its internal iterator and output 1 entry for every user-key. There are two
// complications to this story.
//
// 1. Eliding Deletion Tombstones
//
// Consider the entries a.DEL.2 and a.SET.1. These entries collapse to
// a.DEL.2. Do we have to output the entry a.DEL.2? Only if a.DEL.2 possibly
// shadows an entry at a lower level. If we're compacting to the base-level in
// the LSM tree then a.DEL.2 is definitely not shadowing an entry at a lower
// level and can be elided.
//
// 2. Snapshots
//
// Snapshots are a read-only view of the DB state at a particular point in
// time. Consider the entries a.SET.2 and a.SET.1. If there is a snapshot at
// sequence number 1 then a.SET.1 is still visible to a reader of that
// snapshot and must be kept. An entry is only collapsed once a newer entry
// for the same user key is visible to every snapshot, which is the case when
// the newer entry's sequence number is at or below the oldest snapshot. The
// same condition guards tombstone elision: a tombstone newer than the oldest
// snapshot still hides older data from some reader.
type compactionIter struct {
	cmp   Compare
	equal Equal
	iter  internalIterator
	err   error
	// key holds a copy of the current entry's key. The input iterator is free
	// to reuse the memory backing the keys it returns.
	key    InternalKey
	keyBuf []byte
	value  []byte
	// Is the current entry valid?
	valid bool
	// iterKey and iterValue are the input iterator's current entry.
	iterKey   *InternalKey
	iterValue []byte
	// hasCurUserKey and lastSeqNum track the user key of the most recently
	// visited input entry and the sequence number of the newest entry for that
	// user key seen so far.
	hasCurUserKey bool
	curUserKey    []byte
	lastSeqNum    SeqNum
	// smallestSnapshot is the sequence number of the oldest live snapshot, or
	// the last visible sequence number when there are none.
	smallestSnapshot SeqNum
	// elideTombstone returns true if it is ok to elide a tombstone for the
	// specified user key because no older entry for the key can exist in the
	// levels below the compaction's output level. A nil elideTombstone keeps
	// every tombstone.
	elideTombstone func(key []byte) bool
}

func newCompactionIter(
	cmp Compare,
	equal Equal,
	iter internalIterator,
	smallestSnapshot SeqNum,
	elideTombstone func(key []byte) bool,
) *compactionIter {
	return &compactionIter{
		cmp:              cmp,
		equal:            equal,
		iter:             iter,
		smallestSnapshot: smallestSnapshot,
		elideTombstone:   elideTombstone,
	}
}

func (i *compactionIter) First() (*InternalKey, []byte) {
	if i.err != nil {
		return nil, nil
	}
	i.iterKey, i.iterValue = i.iter.First()
	return i.findNext()
}

func (i *compactionIter) Next() (*InternalKey, []byte) {
	if i.err != nil || !i.valid {
		return nil, nil
	}
	i.iterKey, i.iterValue = i.iter.Next()
	return i.findNext()
}

// findNext advances the input iterator to the first entry at or after its
// current position that must be kept, and makes it the current entry.
func (i *compactionIter) findNext() (*InternalKey, []byte) {
	i.valid = false
	for ; i.iterKey != nil; i.iterKey, i.iterValue = i.iter.Next() {
		key := i.iterKey
		if key.Kind() == InternalKeyKindInvalid {
			i.err = base.CorruptionErrorf("shingle: corrupt compaction input key %s", key)
			return nil, nil
		}
		if !i.hasCurUserKey || !i.equal(key.UserKey, i.curUserKey) {
			// First occurrence of this user key.
			i.curUserKey = append(i.curUserKey[:0], key.UserKey...)
			i.hasCurUserKey = true
			i.lastSeqNum = base.SeqNumMax
		}

		drop := false
		seqNum := key.SeqNum()
		if i.lastSeqNum <= i.smallestSnapshot {
			// Hidden by a newer entry for the same user key that every
			// reader can see.
			drop = true
		} else if key.Kind() == InternalKeyKindDelete && seqNum <= i.smallestSnapshot &&
			i.elideTombstone != nil && i.elideTombstone(key.UserKey) {
			// For this user key:
			// (1) there is no data in higher levels
			// (2) data in lower levels will have larger sequence numbers
			// (3) data in layers that are being compacted here and have
			//     smaller sequence numbers will be dropped in the next
			//     few iterations of this loop.
			// Therefore this deletion marker is obsolete and can be dropped.
			drop = true
		}
		i.lastSeqNum = seqNum
		if drop {
			continue
		}
		i.keyBuf = append(i.keyBuf[:0], key.UserKey...)
		i.key = InternalKey{UserKey: i.keyBuf, Trailer: key.Trailer}
		i.value = i.iterValue
		i.valid = true
		return &i.key, i.value
	}
	i.err = i.iter.Error()
	return nil, nil
}

func (i *compactionIter) Key() InternalKey {
	return i.key
}

func (i *compactionIter) Value() []byte {
	return i.value
}

func (i *compactionIter) Valid() bool {
	return i.valid
}

func (i *compactionIter) Error() error {
	return i.err
}

func (i *compactionIter) Close() error {
	err := i.iter.Close()
	if i.err == nil {
		i.err = err
	}
	return i.err
}

func (i *compactionIter) String() string {
	return fmt.Sprintf("compaction(%s)", i.iter)
}
