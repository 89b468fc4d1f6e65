// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/shingle/record"
)

const (
	// maxGroupSize bounds the size of a batch group written to the WAL as a
	// single record.
	maxGroupSize = 1 << 20 // 1 MB
	// smallBatchSize is the size below which a leading batch limits the group
	// to smallBatchSize additional bytes, so small writes are not slowed down
	// by large ones queued behind them.
	smallBatchSize = 128 << 10 // 128 KB
)

// commitEnv contains the environment that a commitPipeline interacts
// with. This allows fine-grained testing of commitPipeline behavior without
// construction of an entire DB.
type commitEnv struct {
	// The last sequence number visible to readers. Updated atomically by the
	// commitPipeline once a batch group has been applied to the memtable.
	visibleSeqNum *atomic.Uint64

	// prepare makes room for the group and reserves space for it in the
	// memtable, returning the memtable and the WAL it must be written to. The
	// returned log writer is nil when the WAL is disabled. A nil batch asks
	// for the mutable memtable to be rotated; the returned memtable is then
	// nil. prepare assigns the batch's sequence numbers.
	prepare func(b *Batch) (*memTable, *record.LogWriter, error)

	// apply applies the group to the memtable and releases the writer
	// reference prepare took on it, whether or not it succeeds.
	apply func(b *Batch, mem *memTable) error

	// writeFailed is invoked when writing the group to the WAL fails. The WAL
	// state is unknown after such a failure, so it is made sticky.
	writeFailed func(err error)
}

// A commitWriter is a caller of commitPipeline.Commit waiting in the queue.
type commitWriter struct {
	batch *Batch
	sync  bool
	done  bool
	err   error
	cond  sync.Cond
}

// A commitPipeline manages the stages of committing a set of mutations
// (contained in a single Batch) atomically to the DB. The steps are
// conceptually:
//
//  1. Write the batch to the WAL and optionally sync the WAL
//  2. Apply the mutations in the batch to the memtable
//  3. Publish the visible sequence number
//
// Concurrent callers are serialized through a FIFO queue of writers. The
// writer at the front of the queue is the leader: it coalesces the batches
// queued behind it into a single group, writes the group to the WAL as one
// record, applies it to the memtable, and then wakes the writers it committed
// on their behalf along with the next leader. Every batch in a group is
// assigned a contiguous range of sequence numbers, in queue order, and
// becomes visible at the same time as the rest of its group.
//
// A writer that requests a sync is never folded into a group led by a
// non-syncing writer, so a no-sync leader never pays for an fsync it did not
// ask for, and a sync writer is never acknowledged before its data is durable.
type commitPipeline struct {
	env commitEnv

	mu    sync.Mutex
	queue []*commitWriter
	// group is scratch space for merging the batches of a group.
	group Batch
}

func newCommitPipeline(env commitEnv) *commitPipeline {
	return &commitPipeline{env: env}
}

// Commit the specified batch, writing it to the WAL, optionally syncing the
// WAL, and applying the batch to the memtable. Upon successful return the
// batch's mutations will be visible for reading.
func (p *commitPipeline) Commit(b *Batch, syncWAL bool) error {
	if b.Empty() {
		return nil
	}
	return p.commit(b, syncWAL)
}

// rotate waits for its turn in the write queue and rotates the mutable
// memtable. Going through the queue guarantees no batch is being written to
// the WAL that rotation closes.
func (p *commitPipeline) rotate() error {
	return p.commit(nil, false)
}

func (p *commitPipeline) commit(b *Batch, syncWAL bool) error {
	w := &commitWriter{batch: b, sync: syncWAL}
	w.cond.L = &p.mu

	p.mu.Lock()
	p.queue = append(p.queue, w)
	for !w.done && p.queue[0] != w {
		w.cond.Wait()
	}
	if w.done {
		p.mu.Unlock()
		return w.err
	}

	// w is the leader.
	members := p.buildGroupLocked()
	p.mu.Unlock()

	var err error
	if b == nil {
		_, _, err = p.env.prepare(nil)
	} else {
		err = p.commitGroup(members)
	}

	p.mu.Lock()
	for _, m := range members {
		p.queue[0] = nil
		p.queue = p.queue[1:]
		if m != w {
			m.err = err
			m.done = true
			m.cond.Signal()
		}
	}
	if len(p.queue) > 0 {
		p.queue[0].cond.Signal()
	}
	p.mu.Unlock()
	return err
}

// buildGroupLocked returns the prefix of the queue that the leader at the
// front of the queue will commit.
func (p *commitPipeline) buildGroupLocked() []*commitWriter {
	leader := p.queue[0]
	if leader.batch == nil {
		return []*commitWriter{leader}
	}
	size := leader.batch.Len()
	maxSize := maxGroupSize
	if size <= smallBatchSize {
		maxSize = size + smallBatchSize
	}
	n := 1
	for ; n < len(p.queue); n++ {
		w := p.queue[n]
		if w.batch == nil || (w.sync && !leader.sync) {
			break
		}
		size += w.batch.Len() - batchHeaderLen
		if size > maxSize {
			break
		}
	}
	return append([]*commitWriter(nil), p.queue[:n]...)
}

func (p *commitPipeline) commitGroup(members []*commitWriter) error {
	b := members[0].batch
	syncWAL := members[0].sync
	if len(members) > 1 {
		p.group.Reset()
		for _, m := range members {
			if err := p.group.Apply(m.batch, nil); err != nil {
				return err
			}
		}
		b = &p.group
	}

	mem, logWriter, err := p.env.prepare(b)
	if err != nil {
		return err
	}
	seqNum := b.SeqNum()

	if logWriter != nil {
		if _, err := logWriter.WriteRecord(b.data, syncWAL); err != nil {
			mem.unref()
			p.env.writeFailed(err)
			return err
		}
	}
	if err := p.env.apply(b, mem); err != nil {
		return err
	}

	if len(members) > 1 {
		s := seqNum
		for _, m := range members {
			m.batch.setSeqNum(s)
			s += SeqNum(m.batch.Count())
		}
	}
	p.env.visibleSeqNum.Store(uint64(seqNum) + uint64(b.Count()) - 1)
	return nil
}
