// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"
)

// Snapshot provides a read-only point-in-time view of the DB state.
type Snapshot struct {
	// The db the snapshot was created from. It is never cleared, so that a
	// snapshot can be used concurrently with its Close.
	db     *DB
	seqNum SeqNum
	// id distinguishes snapshots taken at the same sequence number.
	id     uint64
	closed atomic.Bool
}

// Get gets the value for the given key. It returns ErrNotFound if the Snapshot
// does not contain the key.
//
// The caller is free to modify the returned slice.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.getInternal(key, s)
}

// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE or
// First.
func (s *Snapshot) NewIter(o *IterOptions) (*Iterator, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.newIterInternal(s, o)
}

// SeqNum returns the sequence number bounding the snapshot's view.
func (s *Snapshot) SeqNum() SeqNum {
	return s.seqNum
}

// Close closes the snapshot, releasing its resources. Close must be called.
// Failure to do so will result in a tiny memory leak and a large leak of
// resources on disk due to the entries the snapshot is preventing from being
// deleted.
func (s *Snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return errors.Wrap(ErrClosed, "snapshot already closed")
	}
	s.db.mu.Lock()
	s.db.mu.snapshots.remove(s)
	s.db.mu.Unlock()
	return nil
}

type snapshotKey struct {
	seqNum SeqNum
	id     uint64
}

// snapshotList is the set of open snapshots ordered by sequence number. It is
// mutated under DB.mu, but may be read without it.
type snapshotList struct {
	nextID uint64
	m      *skipmap.FuncMap[snapshotKey, *Snapshot]
}

func (l *snapshotList) init() {
	l.m = skipmap.NewFunc[snapshotKey, *Snapshot](func(a, b snapshotKey) bool {
		if a.seqNum != b.seqNum {
			return a.seqNum < b.seqNum
		}
		return a.id < b.id
	})
}

func (l *snapshotList) empty() bool {
	return l.m.Len() == 0
}

func (l *snapshotList) count() int {
	return l.m.Len()
}

func (l *snapshotList) add(s *Snapshot) {
	l.nextID++
	s.id = l.nextID
	l.m.Store(snapshotKey{seqNum: s.seqNum, id: s.id}, s)
}

func (l *snapshotList) remove(s *Snapshot) {
	l.m.Delete(snapshotKey{seqNum: s.seqNum, id: s.id})
}

// earliest returns the sequence number of the oldest open snapshot. It
// returns false if no snapshot is open.
func (l *snapshotList) earliest() (seqNum SeqNum, ok bool) {
	l.m.Range(func(k snapshotKey, _ *Snapshot) bool {
		seqNum, ok = k.seqNum, true
		return false
	})
	return seqNum, ok
}

// toSlice returns the sequence numbers of the open snapshots, oldest first.
func (l *snapshotList) toSlice() []SeqNum {
	var res []SeqNum
	l.m.Range(func(k snapshotKey, _ *Snapshot) bool {
		res = append(res, k.seqNum)
		return true
	})
	return res
}
