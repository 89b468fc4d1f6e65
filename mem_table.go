// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/skl"
)

// A memTable implements an in-memory layer of the LSM. A memTable is mutable,
// but append-only. Records are added, but never removed. Deletion is supported
// via tombstones, but it is up to higher level code (see Iterator) to support
// processing those tombstones.
//
// A memTable is implemented on top of a lock-free skiplist, so readers can
// iterate it while the commit pipeline appends new entries.
//
// A batch is "applied" to a memTable in a two step process: prepare(batch) ->
// apply(batch). memTable.prepare() is not thread-safe and must be called with
// external synchronization. Preparation reserves space in the memTable for the
// batch and references the memTable so it cannot be flushed before the batch
// lands. Applying a batch to the memTable can be performed concurrently with
// other apply operations.
//
// It is safe to call get, apply, and newIter concurrently.
type memTable struct {
	cmp   Compare
	equal Equal
	skl   *skl.Skiplist
	// reserved is the number of bytes promised to prepared batches. It is an
	// upper bound on the eventual skiplist size and is what the write path
	// compares against Options.WriteBufferSize.
	reserved uint64
	// refs counts the outstanding writers plus one for the mutable reference
	// held while the memTable is the DB's active memtable.
	refs atomic.Int32
	// logNum is the WAL holding this memTable's writes. Zero when the WAL is
	// disabled.
	logNum FileNum
	// logSeqNum is the sequence number of the first write applied to the
	// memTable.
	logSeqNum SeqNum
	// flushed is closed once the memTable's contents are durably recorded in
	// a table or the memTable turned out to be empty.
	flushed chan struct{}
}

type memTableOptions struct {
	*Options
	logNum    FileNum
	logSeqNum SeqNum
}

// newMemTable returns a new MemTable.
func newMemTable(opts memTableOptions) *memTable {
	if opts.Options == nil {
		opts.Options = (&Options{}).EnsureDefaults()
	}
	m := &memTable{
		cmp:       opts.Comparer.Compare,
		equal:     opts.Comparer.Equal,
		skl:       skl.NewSkiplist(opts.Comparer.Compare),
		logNum:    opts.logNum,
		logSeqNum: opts.logSeqNum,
		flushed:   make(chan struct{}),
	}
	m.refs.Store(1)
	return m
}

func (m *memTable) ref() {
	m.refs.Add(1)
}

func (m *memTable) unref() bool {
	switch v := m.refs.Add(-1); {
	case v < 0:
		panic(errors.AssertionFailedf("shingle: inconsistent reference count: %d", v))
	case v == 0:
		return true
	default:
		return false
	}
}

// readyForFlush returns true once the memTable is no longer mutable and every
// prepared batch has been applied.
func (m *memTable) readyForFlush() bool {
	return m.refs.Load() == 0
}

// get returns the newest entry for key visible at seqNum. found is false if
// the memTable holds no such entry; otherwise kind reports whether the entry is
// a value or a tombstone.
func (m *memTable) get(key []byte, seqNum SeqNum) (value []byte, kind InternalKeyKind, found bool) {
	it := m.skl.NewIter()
	ikey, v := it.SeekGE(base.MakeInternalKey(key, seqNum, InternalKeyKindMax))
	if ikey == nil || !m.equal(key, ikey.UserKey) {
		return nil, 0, false
	}
	return v, ikey.Kind(), true
}

// prepare reserves space for the batch in the memtable and references the
// memtable preventing it from being flushed until the batch is applied. Note
// that prepare is not thread-safe, while apply is. The caller must call
// unref() after the batch has been applied.
func (m *memTable) prepare(batch *Batch) {
	m.reserved += batch.memTableSize
	m.ref()
}

// apply adds the batch's entries to the memTable, assigning consecutive
// sequence numbers starting at seqNum.
func (m *memTable) apply(batch *Batch, seqNum SeqNum) error {
	startSeqNum := seqNum
	for r := batch.Reader(); ; seqNum++ {
		kind, ukey, value, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := m.add(base.MakeInternalKey(ukey, seqNum, kind), value); err != nil {
			return err
		}
	}
	if seqNum != startSeqNum+SeqNum(batch.Count()) {
		return errors.AssertionFailedf("shingle: inconsistent batch count: %d vs %d",
			errors.Safe(seqNum-startSeqNum), errors.Safe(batch.Count()))
	}
	return nil
}

func (m *memTable) add(ikey InternalKey, value []byte) error {
	if err := m.skl.Add(ikey, value); err != nil {
		if errors.Is(err, skl.ErrRecordExists) {
			return errors.AssertionFailedf("shingle: duplicate memtable entry %s", ikey)
		}
		return err
	}
	return nil
}

// newIter returns an iterator over the memTable's entries in internal key
// order. The iterator observes entries added after its creation.
func (m *memTable) newIter() internalIterator {
	return m.skl.NewIter()
}

// inuseBytes returns the approximate memory used by the memTable's entries.
func (m *memTable) inuseBytes() uint64 {
	return m.skl.Size()
}

// totalBytes returns the space reserved by batches prepared against the
// memTable, an upper bound on inuseBytes once those batches are applied.
func (m *memTable) totalBytes() uint64 {
	return max(m.reserved, m.skl.Size())
}

// empty returns whether the MemTable has no key/value pairs.
func (m *memTable) empty() bool {
	return m.skl.Len() == 0
}
