// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/rate"
	"github.com/cockroachdb/shingle/record"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// numNonTableCacheFiles is the number of open files reserved for the WAL,
	// the MANIFEST, the LOG and the LOCK file.
	numNonTableCacheFiles = 10
	// minTableCacheSize is the smallest table cache Open configures,
	// regardless of MaxOpenFiles.
	minTableCacheSize = 64
)

// walFsyncLatencyBuckets are the histogram buckets of the WAL fsync latency,
// in nanoseconds: 10 buckets from 0.1ms growing by a factor of 2.5.
var walFsyncLatencyBuckets = prometheus.ExponentialBuckets(1e5, 2.5, 10)

// Open opens a DB whose files live in the given directory.
func Open(dirname string, opts *Options) (_ *DB, retErr error) {
	// Make a copy of the options so that we don't mutate the passed in options.
	opts = opts.Clone()
	// Without a user supplied Logger, messages go to the LOG file in the DB
	// directory. The logger is created before EnsureDefaults so the default
	// event handlers log through it, and attached to the file once the
	// directory is locked.
	var infoLogWriter *base.WriterLogger
	if opts.Logger == nil {
		infoLogWriter = base.NewWriterLogger(nil)
		opts.Logger = infoLogWriter
	}
	opts = opts.EnsureDefaults()

	d := &DB{
		dirname:       dirname,
		opts:          opts,
		cmp:           opts.Comparer.Compare,
		equal:         opts.Comparer.Equal,
		infoLogWriter: infoLogWriter,
	}
	tableCacheSize := max(opts.MaxOpenFiles-numNonTableCacheFiles, minTableCacheSize)
	d.tableCache.init(dirname, opts.FS, opts, tableCacheSize)
	d.newIters = d.tableCache.newIter
	d.commit = newCommitPipeline(commitEnv{
		visibleSeqNum: &d.mu.versions.visibleSeqNum,
		prepare:       d.commitPrepare,
		apply:         d.commitApply,
		writeFailed:   d.commitWriteFailed,
	})
	d.slowdownLimiter = rate.NewLimiter(float64(opts.SlowdownWriteRate), float64(opts.SlowdownWriteRate))
	if opts.DeletionRate > 0 {
		d.deletionLimiter = rate.NewLimiter(float64(opts.DeletionRate), float64(opts.DeletionRate))
	}
	d.walFsyncLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shingle_wal_fsync_latency_nanoseconds",
		Help:    "Latency of WAL fsyncs.",
		Buckets: walFsyncLatencyBuckets,
	})
	d.bg.ctx, d.bg.cancel = context.WithCancel(context.Background())
	d.bg.done = make(chan struct{})
	d.mu.nextJobID = 1
	d.mu.compact.cond.L = &d.mu.Mutex
	d.mu.compact.pendingOutputs = make(map[FileNum]struct{})
	d.mu.snapshots.init()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Release everything acquired so far if Open fails.
	defer func() {
		if retErr == nil {
			return
		}
		d.bg.cancel()
		if d.mu.log.LogWriter != nil {
			_ = d.mu.log.LogWriter.Close()
		}
		_ = d.mu.versions.close()
		_ = d.tableCache.Close()
		if d.dataDir != nil {
			_ = d.dataDir.Close()
		}
		if d.fileLock != nil {
			_ = d.fileLock.Close()
		}
		if d.infoLog != nil {
			d.infoLogWriter.Detach()
			_ = d.infoLog.Close()
		}
	}()

	if opts.CreateIfMissing {
		if err := opts.FS.MkdirAll(dirname, 0755); err != nil {
			return nil, err
		}
	}

	// Open the database directory first in order to check for its existence.
	var err error
	d.dataDir, err = opts.FS.OpenDir(dirname)
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, errors.Wrapf(err, "shingle: database %q does not exist", dirname)
		}
		return nil, err
	}

	// Lock the database directory.
	d.fileLock, err = opts.FS.Lock(base.MakeFilepath(opts.FS, dirname, base.FileTypeLock, 0))
	if err != nil {
		return nil, errors.Wrapf(err, "shingle: database %q is in use", dirname)
	}

	if infoLogWriter != nil {
		if err := d.openInfoLog(); err != nil {
			return nil, err
		}
	}

	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	currentName := base.MakeFilepath(opts.FS, dirname, base.FileTypeCurrent, 0)
	if _, err := opts.FS.Stat(currentName); oserror.IsNotExist(err) {
		if !opts.CreateIfMissing {
			return nil, errors.Errorf("shingle: database %q does not exist", dirname)
		}
		// Create the DB if it did not already exist.
		d.mu.versions.create(dirname, opts, &d.mu.Mutex)
		opts.Logger.Infof("creating new database %q", dirname)
	} else if err != nil {
		return nil, errors.Wrapf(err, "shingle: database %q", dirname)
	} else if opts.ErrorIfExists {
		return nil, errors.Errorf("shingle: database %q already exists", dirname)
	} else {
		// Load the version set.
		if err := d.mu.versions.load(dirname, opts, &d.mu.Mutex); err != nil {
			return nil, err
		}
	}

	ls, err := opts.FS.List(dirname)
	if err != nil {
		return nil, err
	}

	// Replay any newer log files than the ones named in the manifest.
	type fileNumAndName struct {
		num  FileNum
		name string
	}
	var logFiles []fileNumAndName
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(opts.FS, filename)
		if !ok {
			continue
		}
		switch ft {
		case base.FileTypeLog:
			if fn >= d.mu.versions.logNum || fn == d.mu.versions.prevLogNum {
				logFiles = append(logFiles, fileNumAndName{fn, filename})
			}
		case base.FileTypeOptions:
			if err := checkOptions(opts, opts.FS.PathJoin(dirname, filename)); err != nil {
				return nil, err
			}
		}
	}
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].num < logFiles[j].num
	})

	ve := versionEdit{}
	for _, lf := range logFiles {
		d.mu.versions.markFileNumUsed(lf.num)
	}
	for _, lf := range logFiles {
		maxSeqNum, err := d.replayWAL(jobID, &ve, opts.FS.PathJoin(dirname, lf.name), lf.num)
		if err != nil {
			return nil, err
		}
		if SeqNum(d.mu.versions.logSeqNum.Load()) < maxSeqNum {
			d.mu.versions.logSeqNum.Store(uint64(maxSeqNum))
		}
	}
	d.mu.versions.visibleSeqNum.Store(d.mu.versions.logSeqNum.Load())

	// Switch to a new WAL and memtable. The replayed WALs are obsolete once
	// the edit naming the new log number is durable.
	newLogNum := d.mu.versions.getNextFileNum()
	if !opts.DisableWAL {
		if d.mu.log.LogWriter, err = d.createWAL(jobID, newLogNum); err != nil {
			return nil, err
		}
	}
	d.mu.mem.mutable = newMemTable(memTableOptions{
		Options:   opts,
		logNum:    newLogNum,
		logSeqNum: SeqNum(d.mu.versions.logSeqNum.Load()) + 1,
	})
	d.mu.mem.queue = append(d.mu.mem.queue, d.mu.mem.mutable)

	// The OPTIONS file number is allocated before the edit so that the
	// manifest's next file number accounts for it.
	d.optionsFileNum = d.mu.versions.getNextFileNum()

	ve.LogNum = newLogNum
	err = d.mu.versions.logAndApply(jobID, &ve, d.dataDir)
	d.clearPendingOutputsLocked(pendingOutputsOf(&ve))
	if err != nil {
		return nil, err
	}
	d.updateReadStateLocked()

	// Write the current options to disk.
	if err := d.writeOptionsFile(); err != nil {
		return nil, err
	}

	d.bg.trigger = make(chan struct{}, 1)
	go d.backgroundWorker(d.bg.ctx)
	// The first round of background work deletes the files made obsolete by
	// recovery and picks up any compaction the loaded version needs.
	d.maybeScheduleBackgroundWork()
	return d, nil
}

// openInfoLog rotates an existing LOG file to LOG.old and starts a fresh
// LOG file for the DB's messages.
func (d *DB) openInfoLog() error {
	fs := d.opts.FS
	path := base.MakeFilepath(fs, d.dirname, base.FileTypeInfoLog, 0)
	if vfs.Exists(fs, path) {
		if err := fs.Rename(path, path+".old"); err != nil {
			return err
		}
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	d.infoLog = f
	d.infoLogWriter.Attach(f)
	return nil
}

// writeOptionsFile writes the DB's options to the OPTIONS file allocated by
// Open.
func (d *DB) writeOptionsFile() error {
	fs := d.opts.FS
	path := base.MakeFilepath(fs, d.dirname, base.FileTypeOptions, d.optionsFileNum)
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, d.opts.String()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return d.dataDir.Sync()
}

// replayWAL replays the batches in the specified log file, flushing them to
// level-0 tables recorded in ve. It returns the largest sequence number
// replayed.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) replayWAL(
	jobID int, ve *versionEdit, filename string, logNum FileNum,
) (maxSeqNum SeqNum, err error) {
	file, err := d.opts.FS.Open(filename)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var (
		buf bytes.Buffer
		mem *memTable
		rr  = record.NewReader(file)
	)

	flushMem := func() error {
		if mem == nil || mem.empty() {
			return nil
		}
		// A replayed memtable has no writer left, so it can be flushed.
		mem.unref()
		c := newFlush(d.opts, d.mu.versions.currentVersion(), []*memTable{mem})
		mem = nil
		newVE, _, err := d.runCompaction(d.bg.ctx, jobID, c)
		if err != nil {
			return err
		}
		ve.NewFiles = append(ve.NewFiles, newVE.NewFiles...)
		return nil
	}

	for {
		r, err := rr.Next()
		if err == nil {
			_, err = io.Copy(&buf, r)
		}
		if err != nil {
			// A damaged record at the tail of the log is a write that was in
			// flight during a crash. Damage followed by valid records is a
			// corruption error.
			if err == io.EOF || record.IsInvalidRecord(err) {
				if err != io.EOF {
					d.opts.Logger.Infof("WAL %s: dropping damaged tail at offset %d: %v",
						logNum, rr.Offset(), err)
				}
				break
			}
			return 0, errors.Wrapf(err, "shingle: replaying WAL %s", logNum)
		}

		var b Batch
		if err := b.SetRepr(append([]byte(nil), buf.Bytes()...)); err != nil {
			return 0, errors.Wrapf(err, "shingle: replaying WAL %s", logNum)
		}
		buf.Reset()
		seqNum := b.SeqNum()
		if b.Count() == 0 {
			continue
		}
		if last := seqNum + SeqNum(b.Count()) - 1; maxSeqNum < last {
			maxSeqNum = last
		}

		if mem == nil {
			mem = newMemTable(memTableOptions{
				Options:   d.opts,
				logNum:    logNum,
				logSeqNum: seqNum,
			})
		}
		mem.prepare(&b)
		err = mem.apply(&b, seqNum)
		mem.unref()
		if err != nil {
			return 0, err
		}
		if mem.totalBytes() >= uint64(d.opts.WriteBufferSize) {
			if err := flushMem(); err != nil {
				return 0, err
			}
		}
	}
	if err := flushMem(); err != nil {
		return 0, err
	}
	return maxSeqNum, nil
}

// pendingOutputsOf returns the file numbers of the tables ve adds.
func pendingOutputsOf(ve *versionEdit) []FileNum {
	var fileNums []FileNum
	for _, e := range ve.NewFiles {
		fileNums = append(fileNums, e.Meta.FileNum)
	}
	return fileNums
}

// checkOptions verifies that the OPTIONS file at path is compatible with
// opts.
func checkOptions(opts *Options, path string) error {
	f, err := opts.FS.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return opts.Clone().Parse(string(data))
}
