// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package shingle provides an ordered key/value store.
package shingle // import "github.com/cockroachdb/shingle"

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/rate"
	"github.com/cockroachdb/shingle/record"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

// Reader is a readable key/value store.
//
// It is safe to call Get and NewIter from concurrent goroutines.
type Reader interface {
	// Get gets the value for the given key. It returns ErrNotFound if the DB
	// does not contain the key.
	//
	// The caller is free to modify the returned slice.
	Get(key []byte) (value []byte, err error)

	// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
	// return false). The iterator can be positioned via a call to SeekGE or
	// First.
	NewIter(o *IterOptions) (*Iterator, error)
}

// Writer is a writable key/value store.
//
// Goroutine safety is dependent on the specific implementation.
type Writer interface {
	// Apply the operations contained in the batch to the DB.
	//
	// It is safe to modify the contents of the arguments after Apply returns.
	Apply(batch *Batch, o *WriteOptions) error

	// Delete deletes the value for the given key. Deletes are blind all will
	// succeed even if the given key does not exist.
	//
	// It is safe to modify the contents of the arguments after Delete returns.
	Delete(key []byte, o *WriteOptions) error

	// Set sets the value for the given key. It overwrites any previous value
	// for that key; a DB is not a multi-map.
	//
	// It is safe to modify the contents of the arguments after Set returns.
	Set(key, value []byte, o *WriteOptions) error
}

// DB provides a concurrent, persistent ordered key/value store.
//
// A DB's basic operations (Get, Set, Delete) should be self-explanatory. Get
// will return ErrNotFound if the requested key is not in the store.
//
// A DB also allows for iterating over the key/value pairs in key order. If d
// is a DB, the code below prints all key/value pairs whose keys are 'greater
// than or equal to' k:
//
//	iter, _ := d.NewIter(nil)
//	for iter.SeekGE(k); iter.Valid(); iter.Next() {
//		fmt.Printf("key=%q value=%q\n", iter.Key(), iter.Value())
//	}
//	return iter.Close()
//
// The Options struct holds the optional parameters for the DB, including a
// Comparer to define a 'less than' relationship over keys. It is always valid
// to pass a nil *Options, which means to use the default parameter values. Any
// zero field of a non-nil *Options also means to use the default value for
// that parameter. Thus, the code below uses a custom Comparer, but the default
// values for every other parameter:
//
//	db, err := shingle.Open(dirname, &Options{
//		Comparer: myComparer,
//	})
//
// Every DB owns all of its state, so any number of DBs can be open in the
// same process as long as they use distinct directories.
type DB struct {
	dirname string
	opts    *Options
	cmp     Compare
	equal   Equal

	dataDir  vfs.File
	fileLock io.Closer
	// infoLog is the LOG file the DB writes its own messages to when the
	// user did not supply a Logger.
	infoLog       vfs.File
	infoLogWriter *base.WriterLogger

	tableCache tableCache
	newIters   tableNewIter

	commit *commitPipeline

	// optionsFileNum is the file number of the OPTIONS file written by Open.
	optionsFileNum FileNum

	readState struct {
		sync.RWMutex
		val *readState
	}

	closed atomic.Bool

	// slowdownLimiter paces writes while level 0 holds more than
	// L0SlowdownWritesThreshold tables.
	slowdownLimiter *rate.Limiter
	// deletionLimiter paces the deletion of obsolete tables.
	deletionLimiter *rate.Limiter
	// walFsyncLatency observes the latency of WAL syncs.
	walFsyncLatency prometheus.Histogram

	bg struct {
		ctx     context.Context
		cancel  context.CancelFunc
		trigger chan struct{}
		done    chan struct{}
	}

	// The main mutex protecting internal DB state. This mutex encompasses
	// many fields because those fields need to be accessed and updated
	// atomically. In particular, the current version, log.*, mem.*, and
	// snapshot list need to be accessed and updated atomically during
	// compaction.
	mu struct {
		sync.Mutex

		nextJobID int

		versions versionSet

		log struct {
			// The active WAL. Nil when the WAL is disabled.
			*record.LogWriter
		}

		mem struct {
			// The current mutable memTable.
			mutable *memTable
			// Queue of memtables (mutable is at end). Elements are added to the
			// end of the slice and removed from the beginning. Once an index is
			// set it is never modified making a fixed slice immutable and safe
			// for concurrent reads.
			queue []*memTable
		}

		compact struct {
			// cond is signaled whenever background work completes, and on
			// errors and close. Stalled writers and Flush wait on it.
			cond sync.Cond
			// pendingOutputs holds the file numbers of tables being written
			// by a flush or compaction that have not been installed yet.
			pendingOutputs map[FileNum]struct{}
			manual         []*manualCompaction
			// seek is the table that ran out of allowed seeks, if any.
			seek  *seekCandidate
			stats [numLevels]LevelMetrics
		}

		// bgErr is the first error encountered by background work or by a
		// WAL write. It is sticky: once set, writes and background work fail.
		bgErr error

		closed bool

		snapshots snapshotList
	}
}

var _ Reader = (*DB)(nil)
var _ Writer = (*DB)(nil)

// Set sets the value for the given key. It overwrites any previous value
// for that key; a DB is not a multi-map.
//
// It is safe to modify the contents of the arguments after Set returns.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	b := &Batch{}
	_ = b.Set(key, value, opts)
	return d.Apply(b, opts)
}

// Delete deletes the value for the given key. Deletes are blind all will
// succeed even if the given key does not exist.
//
// It is safe to modify the contents of the arguments after Delete returns.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := &Batch{}
	_ = b.Delete(key, opts)
	return d.Apply(b, opts)
}

// Apply the operations contained in the batch to the DB. The batch is applied
// atomically: its operations get consecutive sequence numbers and become
// visible together.
//
// It is safe to modify the contents of the arguments after Apply returns.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if batch == nil {
		return errors.New("shingle: nil batch")
	}
	sync := opts.GetSync() && !d.opts.DisableWAL
	return d.commit.Commit(batch, sync)
}

// commitPrepare makes room for the batch and reserves space for it in the
// mutable memtable. It assigns the batch's sequence numbers. A nil batch
// forces the mutable memtable to be rotated.
func (d *DB) commitPrepare(b *Batch) (*memTable, *record.LogWriter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.makeRoomForWrite(b); err != nil {
		return nil, nil, err
	}
	if b == nil {
		return nil, nil, nil
	}
	mem := d.mu.mem.mutable
	mem.prepare(b)
	count := uint64(b.Count())
	b.setSeqNum(SeqNum(d.mu.versions.logSeqNum.Add(count) - count + 1))
	return mem, d.mu.log.LogWriter, nil
}

func (d *DB) commitApply(b *Batch, mem *memTable) error {
	err := mem.apply(b, b.SeqNum())
	if mem.unref() {
		// The last writer of an immutable memtable finished; it is ready to
		// be flushed.
		d.maybeScheduleBackgroundWork()
	}
	return err
}

func (d *DB) commitWriteFailed(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.bgErr == nil {
		d.mu.bgErr = err
		d.opts.EventListener.BackgroundError(err)
	}
	d.mu.compact.cond.Broadcast()
}

// makeRoomForWrite ensures that the memtable has room to hold the contents of
// the batch, rotating to a new memtable and WAL when it does not. A nil batch
// forces a rotation. Writes are delayed while level 0 is getting full, and
// stalled while too many memtables are waiting to be flushed or level 0 is
// full. Requires DB.mu is held.
func (d *DB) makeRoomForWrite(b *Batch) error {
	force := b == nil
	allowDelay := !force
	stalled := false
	defer func() {
		if stalled {
			d.opts.EventListener.WriteStallEnd()
		}
	}()
	for {
		if d.mu.closed {
			return ErrClosed
		}
		if err := d.mu.bgErr; err != nil {
			return err
		}
		l0Files := len(d.mu.versions.currentVersion().Levels[0])
		if allowDelay && l0Files >= d.opts.L0SlowdownWritesThreshold {
			// We are getting close to hitting a hard limit on the number of
			// level 0 tables. Rather than delaying a single write by several
			// seconds when we hit the hard limit, start delaying each
			// individual write so that the compaction has time to catch up.
			// A write is delayed at most once.
			allowDelay = false
			d.mu.Unlock()
			_ = d.slowdownLimiter.Wait(d.bg.ctx, float64(b.Len()))
			d.mu.Lock()
			continue
		}
		mutable := d.mu.mem.mutable
		if !force {
			if size := mutable.totalBytes(); size == 0 || size+b.memTableSize <= uint64(d.opts.WriteBufferSize) {
				// There is room in the current memtable. An empty memtable
				// accepts a batch of any size.
				return nil
			}
		}
		if len(d.mu.mem.queue) > d.opts.MemTableStopWritesThreshold {
			// We have filled up the current memtable, but the previous ones
			// are still being flushed, so we wait.
			if !stalled {
				stalled = true
				d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{
					Reason: "memtable count limit reached",
				})
			}
			d.mu.compact.cond.Wait()
			continue
		}
		if l0Files >= d.opts.L0StopWritesThreshold {
			// There are too many level-0 files, so we wait.
			if !stalled {
				stalled = true
				d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{
					Reason: "L0 file count limit exceeded",
				})
			}
			d.mu.compact.cond.Wait()
			continue
		}
		return d.rotateMemtableLocked()
	}
}

// rotateMemtableLocked switches to a new WAL and memtable. The old memtable
// becomes immutable and is flushed once its last writer is done with it.
// Requires DB.mu is held.
func (d *DB) rotateMemtableLocked() error {
	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	// A log number is allocated even when the WAL is disabled: the manifest's
	// log number records which memtables have been flushed.
	newLogNum := d.mu.versions.getNextFileNum()
	var newLog *record.LogWriter
	if !d.opts.DisableWAL {
		var err error
		if newLog, err = d.createWAL(jobID, newLogNum); err != nil {
			return err
		}
	}
	if d.mu.log.LogWriter != nil {
		// Closing the log syncs it, so a flush of the memtable is never
		// needed for durability of writes that did not ask for a sync.
		if err := d.mu.log.LogWriter.Close(); err != nil {
			if newLog != nil {
				_ = newLog.Close()
			}
			return err
		}
	}
	d.mu.log.LogWriter = newLog

	imm := d.mu.mem.mutable
	d.mu.mem.mutable = newMemTable(memTableOptions{
		Options:   d.opts,
		logNum:    newLogNum,
		logSeqNum: SeqNum(d.mu.versions.logSeqNum.Load()) + 1,
	})
	d.mu.mem.queue = append(d.mu.mem.queue, d.mu.mem.mutable)
	d.updateReadStateLocked()
	if imm.unref() {
		d.maybeScheduleBackgroundWork()
	}
	return nil
}

// createWAL creates the WAL file for logNum and syncs the directory so the
// file survives a crash.
func (d *DB) createWAL(jobID int, logNum FileNum) (*record.LogWriter, error) {
	path := base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeLog, logNum)
	f, err := d.opts.FS.Create(path)
	if err == nil {
		err = d.dataDir.Sync()
		if err != nil {
			_ = f.Close()
		}
	}
	d.opts.EventListener.WALCreated(WALCreateInfo{
		JobID:   jobID,
		Path:    path,
		FileNum: logNum,
		Err:     err,
	})
	if err != nil {
		return nil, err
	}
	return record.NewLogWriter(f, logNum, record.LogWriterConfig{
		WALFsyncLatency: d.walFsyncLatency,
	}), nil
}

// NewSnapshot returns a point-in-time view of the current DB state. Iterators
// created with this handle will all observe a stable snapshot of the current
// DB state. The caller must call Snapshot.Close() when the snapshot is no
// longer needed. Snapshots are not persisted across DB restarts (close ->
// open). Unlike the implicit snapshot maintained by an iterator, a snapshot
// will not prevent memtables from being released or sstables from being
// deleted. Instead, a snapshot prevents deletion of sequence numbers
// referenced by the snapshot.
func (d *DB) NewSnapshot() (*Snapshot, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Snapshot{
		db:     d,
		seqNum: SeqNum(d.mu.versions.visibleSeqNum.Load()),
	}
	d.mu.snapshots.add(s)
	return s, nil
}

// Close closes the DB.
//
// It is not safe to close a DB until all outstanding iterators are closed.
// It is valid to call Close multiple times. Other methods should not be
// called after the DB has been closed.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return errors.Wrap(ErrClosed, "db already closed")
	}
	// Stop background work. An in-progress flush or compaction is abandoned;
	// its outputs were never installed and are deleted on the next Open.
	d.bg.cancel()
	<-d.bg.done

	d.mu.Lock()
	d.mu.closed = true
	d.mu.compact.cond.Broadcast()
	var err error
	if d.mu.log.LogWriter != nil {
		err = d.mu.log.LogWriter.Close()
		d.mu.log.LogWriter = nil
	}
	err = errors.CombineErrors(err, d.mu.versions.close())
	if n := d.mu.snapshots.count(); n > 0 {
		d.opts.Logger.Infof("closing with %d open snapshots", n)
	}
	d.mu.Unlock()

	d.readState.Lock()
	if d.readState.val != nil {
		d.readState.val.unref()
		d.readState.val = nil
	}
	d.readState.Unlock()

	err = errors.CombineErrors(err, d.tableCache.Close())
	err = errors.CombineErrors(err, d.dataDir.Close())
	err = errors.CombineErrors(err, d.fileLock.Close())
	if d.infoLog != nil {
		d.infoLogWriter.Detach()
		err = errors.CombineErrors(err, d.infoLog.Sync())
		err = errors.CombineErrors(err, d.infoLog.Close())
	}
	return err
}
