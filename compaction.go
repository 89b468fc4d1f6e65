// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/manifest"
	"github.com/cockroachdb/shingle/sstable"
	"github.com/cockroachdb/shingle/vfs"
)

// compaction is a table compaction from one level to the next, starting from
// a given version. A flush is expressed as a compaction whose inputs are
// memtables instead of tables.
type compaction struct {
	cmp    Compare
	equal  Equal
	format base.FormatKey
	reason string

	// version is the version the inputs were picked from.
	version *version

	// startLevel is the level that is being compacted. Inputs from startLevel
	// and outputLevel will be merged to produce a set of outputLevel files.
	startLevel int
	// outputLevel is the level that files are being produced in. outputLevel
	// is equal to startLevel+1 except when startLevel is 0 in which case it is
	// equal to 1.
	outputLevel int

	// maxOutputFileSize is the maximum size of an individual table created
	// during compaction.
	maxOutputFileSize uint64
	// maxOverlapBytes is the maximum number of bytes of overlap allowed for a
	// single output table with the tables in the grandparent level.
	maxOverlapBytes uint64
	// maxExpandedBytes is the maximum size of an expanded compaction. If
	// growing a compaction results in a larger size, the original compaction
	// is used instead.
	maxExpandedBytes uint64

	// flushing contains the memtables being flushed, oldest first. Nil for a
	// table compaction.
	flushing []*memTable

	// manual is set for compactions requested through DB.Compact. Manual
	// compactions always rewrite their inputs.
	manual bool

	// inputs are the tables to be compacted. inputs[0] are the startLevel
	// tables and inputs[1] the outputLevel tables they overlap.
	inputs [2][]*fileMetadata

	// grandparents are the tables in outputLevel+1 that overlap with the
	// [smallest,largest] key range of the compaction.
	grandparents []*fileMetadata
	// State used while splitting outputs at grandparent boundaries.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  uint64

	// The boundaries of the input data.
	smallest InternalKey
	largest  InternalKey

	// compactPointer is where the next size compaction of startLevel will
	// begin.
	compactPointer InternalKey

	// levelPtrs hold, per level below the output level, the position of the
	// first table that may still contain keys at or after the compaction
	// iterator's position. Keys are checked in increasing order, so the
	// positions only move forward.
	levelPtrs [numLevels]int

	bytesIterated uint64
	bytesWritten  uint64
}

func newCompaction(opts *Options, cur *version, startLevel int, reason string) *compaction {
	outputLevel := startLevel + 1
	return &compaction{
		cmp:               opts.Comparer.Compare,
		equal:             opts.Comparer.Equal,
		format:            opts.Comparer.FormatKey,
		reason:            reason,
		version:           cur,
		startLevel:        startLevel,
		outputLevel:       outputLevel,
		maxOutputFileSize: uint64(opts.Level(outputLevel).TargetFileSize),
		maxOverlapBytes:   maxGrandparentOverlapBytes(opts, outputLevel),
		maxExpandedBytes:  expandedCompactionByteSizeLimit(opts, startLevel),
	}
}

func newFlush(opts *Options, cur *version, flushing []*memTable) *compaction {
	return &compaction{
		cmp:               opts.Comparer.Compare,
		equal:             opts.Comparer.Equal,
		format:            opts.Comparer.FormatKey,
		reason:            "flush",
		version:           cur,
		startLevel:        -1,
		outputLevel:       0,
		maxOutputFileSize: math.MaxUint64,
		maxOverlapBytes:   math.MaxUint64,
		maxExpandedBytes:  math.MaxUint64,
		flushing:          flushing,
	}
}

func (c *compaction) isFlush() bool {
	return c.flushing != nil
}

// isTrivialMove reports whether the compaction can be implemented by moving
// its single input table to the output level without rewriting it. A move is
// avoided when the table overlaps a lot of grandparent data, since that would
// make a later compaction of the moved table expensive.
func (c *compaction) isTrivialMove() bool {
	return !c.manual && !c.isFlush() &&
		len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		manifest.TotalSize(c.grandparents) <= c.maxOverlapBytes
}

// shouldStopBefore returns true if the output to the current table should be
// finished and a new one started before adding key. It must be called with
// the keys of the output in increasing order.
func (c *compaction) shouldStopBefore(key InternalKey) bool {
	for c.grandparentIndex < len(c.grandparents) &&
		base.InternalCompare(c.cmp, key, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.grandparents[c.grandparentIndex].Size
		}
		c.grandparentIndex++
	}
	c.seenKey = true
	if c.overlappedBytes > c.maxOverlapBytes {
		// Too much overlap for current output; start new output.
		c.overlappedBytes = 0
		return true
	}
	return false
}

// elideTombstone returns true if it is ok to elide a tombstone for the
// specified key. A return value of true guarantees that there are no key/value
// pairs at c.outputLevel+1 or higher that possibly contain the specified user
// key. It must be called with keys in increasing order.
func (c *compaction) elideTombstone(key []byte) bool {
	for level := c.outputLevel + 1; level < numLevels; level++ {
		files := c.version.Levels[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if c.cmp(key, f.Largest.UserKey) <= 0 {
				if c.cmp(key, f.Smallest.UserKey) >= 0 {
					return false
				}
				// We've advanced far enough.
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// markCompacting sets the Compacting flag of every input table. Requires
// DB.mu is held.
func (c *compaction) markCompacting(compacting bool) {
	for _, files := range c.inputs {
		for _, f := range files {
			f.Compacting = compacting
		}
	}
}

// newInputIter returns an iterator over all the input tables or memtables of
// the compaction.
func (c *compaction) newInputIter(newIters tableNewIter) (_ internalIterator, retErr error) {
	if c.isFlush() {
		iters := make([]internalIterator, 0, len(c.flushing))
		for i := len(c.flushing) - 1; i >= 0; i-- {
			iters = append(iters, c.flushing[i].newIter())
		}
		return newMergingIter(c.cmp, iters...), nil
	}

	var iters []internalIterator
	defer func() {
		if retErr != nil {
			for _, iter := range iters {
				_ = iter.Close()
			}
		}
	}()

	// Level-0 tables may overlap each other, so each one needs its own
	// iterator. Tables in other levels are concatenated.
	if c.startLevel == 0 {
		for i := len(c.inputs[0]) - 1; i >= 0; i-- {
			iter, err := newIters(c.inputs[0][i])
			if err != nil {
				return nil, errors.Wrapf(err, "opening compaction input %s", c.inputs[0][i].FileNum)
			}
			iters = append(iters, iter)
		}
	} else {
		iters = append(iters, newLevelIter(c.cmp, newIters, c.inputs[0]))
	}
	if len(c.inputs[1]) > 0 {
		iters = append(iters, newLevelIter(c.cmp, newIters, c.inputs[1]))
	}
	return newMergingIter(c.cmp, iters...), nil
}

func (c *compaction) inputInfo() []LevelInfo {
	var res []LevelInfo
	for i, files := range c.inputs {
		level := c.startLevel
		if i == 1 {
			level = c.outputLevel
		}
		if i == 1 && len(files) == 0 {
			continue
		}
		info := LevelInfo{Level: level}
		for _, f := range files {
			info.Tables = append(info.Tables, f.TableInfo())
		}
		res = append(res, info)
	}
	return res
}

// manualCompaction is a request from DB.Compact to compact the tables of one
// level overlapping [start, end] into the next level.
type manualCompaction struct {
	level      int
	start, end []byte
	done       chan error
}

// maybeScheduleBackgroundWork wakes the background worker. It never blocks:
// a pending wakeup already covers the new work.
func (d *DB) maybeScheduleBackgroundWork() {
	select {
	case d.bg.trigger <- struct{}{}:
	default:
	}
}

// backgroundWorker runs flushes and compactions until ctx is canceled. There
// is a single worker per DB, so at most one flush or compaction is in
// progress at any time.
func (d *DB) backgroundWorker(ctx context.Context) {
	defer close(d.bg.done)
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.failManualCompactionsLocked(ErrClosed)
			d.mu.compact.cond.Broadcast()
			d.mu.Unlock()
			return
		case <-d.bg.trigger:
		}

		d.mu.Lock()
		d.backgroundWorkLocked(ctx)
		d.mu.Unlock()

		d.deleteObsoleteFiles(ctx)
	}
}

// backgroundWorkLocked runs jobs until there is nothing left to do. Requires
// DB.mu is held.
func (d *DB) backgroundWorkLocked(ctx context.Context) {
	for ctx.Err() == nil {
		if d.mu.bgErr != nil {
			d.failManualCompactionsLocked(d.mu.bgErr)
			return
		}
		ok, err := d.runOneJobLocked(ctx)
		d.mu.compact.cond.Broadcast()
		if err != nil {
			if ctx.Err() != nil {
				// Shutting down. Partial outputs were never installed and are
				// removed by the next Open.
				return
			}
			d.opts.EventListener.BackgroundError(err)
			d.mu.bgErr = err
			d.failManualCompactionsLocked(err)
			d.mu.compact.cond.Broadcast()
			return
		}
		if !ok {
			return
		}
	}
}

// runOneJobLocked runs the most pressing background job: flushing immutable
// memtables, then manual compactions, then automatic compactions. It returns
// false if there was nothing to do.
func (d *DB) runOneJobLocked(ctx context.Context) (bool, error) {
	if n := d.flushableCountLocked(); n > 0 {
		return true, d.flush1(ctx, n)
	}

	if len(d.mu.compact.manual) > 0 {
		m := d.mu.compact.manual[0]
		picker := newCompactionPicker(d.mu.versions.currentVersion(), d.opts, &d.mu.versions.compactPointers)
		c := picker.pickManual(m.level, m.start, m.end)
		if c == nil {
			// Nothing left to compact in the requested range.
			d.mu.compact.manual = d.mu.compact.manual[1:]
			m.done <- nil
			return true, nil
		}
		if err := d.compact1(ctx, c); err != nil {
			d.mu.compact.manual = d.mu.compact.manual[1:]
			m.done <- err
			return true, err
		}
		return true, nil
	}

	picker := newCompactionPicker(d.mu.versions.currentVersion(), d.opts, &d.mu.versions.compactPointers)
	seek := d.mu.compact.seek
	if seek != nil && seek.versionID != picker.vers.ID() {
		// The version the seek statistics came from has been replaced.
		d.mu.compact.seek, seek = nil, nil
	}
	c := picker.pickAuto(seek)
	if c == nil {
		return false, nil
	}
	if c.reason == compactionReasonSeek {
		d.mu.compact.seek = nil
	}
	return true, d.compact1(ctx, c)
}

func (d *DB) failManualCompactionsLocked(err error) {
	for _, m := range d.mu.compact.manual {
		m.done <- err
	}
	d.mu.compact.manual = nil
}

// flushableCountLocked returns the number of immutable memtables at the head
// of the queue that are ready to be flushed. The mutable memtable at the tail
// of the queue is never flushable. Requires DB.mu is held.
func (d *DB) flushableCountLocked() int {
	var n int
	for n < len(d.mu.mem.queue)-1 && d.mu.mem.queue[n].readyForFlush() {
		n++
	}
	return n
}

// flush1 flushes the first n memtables of the queue to a new table and
// installs it. Requires DB.mu is held; it is released while the table is
// written.
func (d *DB) flush1(ctx context.Context, n int) error {
	flushing := d.mu.mem.queue[:n:n]
	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	var inputBytes uint64
	for _, m := range flushing {
		inputBytes += m.inuseBytes()
	}
	info := FlushInfo{
		JobID:      jobID,
		Reason:     "flush",
		Input:      n,
		InputBytes: inputBytes,
	}
	d.opts.EventListener.FlushBegin(info)
	startTime := d.timeNow()

	c := newFlush(d.opts, d.mu.versions.currentVersion(), flushing)
	ve, pendingOutputs, err := d.runCompaction(ctx, jobID, c)
	if err == nil {
		if len(ve.NewFiles) > 0 {
			meta := ve.NewFiles[0].Meta
			ve.NewFiles[0].Level = pickMemtableOutputLevel(
				d.mu.versions.currentVersion(), d.opts, meta.Smallest.UserKey, meta.Largest.UserKey)
			info.Level = ve.NewFiles[0].Level
		}
		// The flushed WALs are no longer needed once the edit is durable.
		ve.LogNum = d.mu.mem.queue[n].logNum
		err = d.mu.versions.logAndApply(jobID, ve, d.dataDir)
	}
	d.clearPendingOutputsLocked(pendingOutputs)

	info.Duration = d.timeNow().Sub(startTime)
	info.Done = true
	info.Err = err
	if err == nil {
		for _, e := range ve.NewFiles {
			info.Output = append(info.Output, e.Meta.TableInfo())
		}
		stats := &d.mu.compact.stats[info.Level]
		stats.BytesIn += inputBytes
		stats.BytesFlushed += c.bytesWritten
		stats.TablesFlushed += uint64(len(ve.NewFiles))
		stats.Duration += info.Duration

		d.mu.mem.queue = d.mu.mem.queue[n:]
		d.updateReadStateLocked()
		for _, m := range flushing {
			close(m.flushed)
		}
	}
	d.opts.EventListener.FlushEnd(info)
	return err
}

// compact1 runs a compaction and installs its result. Requires DB.mu is held;
// it is released while outputs are written.
func (d *DB) compact1(ctx context.Context, c *compaction) error {
	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	trivialMove := c.isTrivialMove()
	if trivialMove {
		c.reason = compactionReasonMove
	}
	info := CompactionInfo{
		JobID:  jobID,
		Reason: c.reason,
		Input:  c.inputInfo(),
	}
	d.opts.EventListener.CompactionBegin(info)
	startTime := d.timeNow()

	c.markCompacting(true)
	var ve *versionEdit
	var pendingOutputs []FileNum
	var err error
	if trivialMove {
		meta := c.inputs[0][0]
		ve = &versionEdit{
			DeletedFiles: map[deletedFileEntry]bool{
				{Level: c.startLevel, FileNum: meta.FileNum}: true,
			},
			NewFiles: []newFileEntry{
				{Level: c.outputLevel, Meta: meta.Clone()},
			},
		}
	} else {
		ve, pendingOutputs, err = d.runCompaction(ctx, jobID, c)
	}
	if err == nil {
		ve.CompactPointers = append(ve.CompactPointers, manifest.CompactPointerEntry{
			Level: c.startLevel,
			Key:   c.compactPointer,
		})
		err = d.mu.versions.logAndApply(jobID, ve, d.dataDir)
	}
	d.clearPendingOutputsLocked(pendingOutputs)
	c.markCompacting(false)

	info.Duration = d.timeNow().Sub(startTime)
	info.Done = true
	info.Err = err
	info.Output.Level = c.outputLevel
	if err == nil {
		for _, e := range ve.NewFiles {
			info.Output.Tables = append(info.Output.Tables, e.Meta.TableInfo())
		}
		stats := &d.mu.compact.stats[c.outputLevel]
		if trivialMove {
			stats.TablesMoved++
		} else {
			stats.BytesIn += manifest.TotalSize(c.inputs[0])
			stats.BytesRead += manifest.TotalSize(c.inputs[1])
			stats.BytesCompacted += c.bytesWritten
			stats.TablesCompacted += uint64(len(ve.NewFiles))
		}
		stats.Duration += info.Duration
		d.updateReadStateLocked()
	}
	d.opts.EventListener.CompactionEnd(info)
	return err
}

// runCompaction runs a compaction that produces new on-disk tables from
// memtables or old on-disk tables.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) runCompaction(
	ctx context.Context, jobID int, c *compaction,
) (ve *versionEdit, pendingOutputs []FileNum, retErr error) {
	// The oldest open snapshot bounds which shadowed entries may be dropped.
	// Without snapshots every reader sees at least the last visible sequence
	// number.
	smallestSnapshot, ok := d.mu.snapshots.earliest()
	if !ok {
		smallestSnapshot = SeqNum(d.mu.versions.visibleSeqNum.Load())
	}

	d.mu.Unlock()
	defer d.mu.Lock()

	iiter, err := c.newInputIter(d.newIters)
	if err != nil {
		return nil, nil, err
	}
	var elide func([]byte) bool
	if !c.isFlush() {
		elide = c.elideTombstone
	}
	iter := newCompactionIter(c.cmp, c.equal, iiter, smallestSnapshot, elide)

	ve = &versionEdit{
		DeletedFiles: map[deletedFileEntry]bool{},
	}
	for i, files := range c.inputs {
		level := c.startLevel
		if i == 1 {
			level = c.outputLevel
		}
		for _, f := range files {
			ve.DeletedFiles[deletedFileEntry{Level: level, FileNum: f.FileNum}] = true
			c.bytesIterated += f.Size
		}
	}

	var tw *sstable.Writer
	var fileNum FileNum
	reason := "compacting"
	if c.isFlush() {
		reason = "flushing"
	}
	defer func() {
		if err := iter.Close(); err != nil && retErr == nil {
			retErr = err
		}
		if retErr == nil {
			return
		}
		if tw != nil {
			_ = tw.Close()
		}
		for _, fileNum := range pendingOutputs {
			path := base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum)
			if err := d.opts.FS.Remove(path); err != nil {
				d.opts.Logger.Infof("[JOB %d] failed to remove partial output %s: %v", jobID, fileNum, err)
			}
		}
		ve = nil
	}()

	newOutput := func() error {
		d.mu.Lock()
		fileNum = d.mu.versions.getNextFileNum()
		d.mu.compact.pendingOutputs[fileNum] = struct{}{}
		pendingOutputs = append(pendingOutputs, fileNum)
		d.mu.Unlock()

		path := base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum)
		file, err := d.opts.FS.Create(path)
		if err != nil {
			return err
		}
		d.opts.EventListener.TableCreated(TableCreateInfo{
			JobID:   jobID,
			Reason:  reason,
			Path:    path,
			FileNum: fileNum,
		})
		file = vfs.NewSyncingFile(file, vfs.SyncingFileOptions{
			BytesPerSync: d.opts.BytesPerSync,
		})
		tw = sstable.NewWriter(file, d.opts.MakeWriterOptions(c.outputLevel))
		return nil
	}

	finishOutput := func() error {
		if tw == nil {
			return nil
		}
		w := tw
		tw = nil
		if err := w.Close(); err != nil {
			return err
		}
		writerMeta, err := w.Metadata()
		if err != nil {
			return err
		}
		meta := &fileMetadata{
			FileNum:        fileNum,
			Size:           writerMeta.Size,
			Smallest:       writerMeta.Smallest,
			Largest:        writerMeta.Largest,
			SmallestSeqNum: writerMeta.SmallestSeqNum,
			LargestSeqNum:  writerMeta.LargestSeqNum,
		}
		meta.InitAllowedSeeks()
		if err := d.verifyTable(meta); err != nil {
			return errors.Wrapf(err, "[JOB %d] verifying new table %s", errors.Safe(jobID), fileNum)
		}
		ve.NewFiles = append(ve.NewFiles, newFileEntry{Level: c.outputLevel, Meta: meta})
		c.bytesWritten += meta.Size
		return nil
	}

	var prevUserKey []byte
	splitPending := false
	for key, val := iter.First(); key != nil; key, val = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, pendingOutputs, err
		}
		if c.shouldStopBefore(*key) {
			splitPending = true
		}
		// Outputs are only split between user keys so that the tables of a
		// level never share a user key.
		if tw != nil && (splitPending || tw.EstimatedSize() >= c.maxOutputFileSize) &&
			!c.equal(key.UserKey, prevUserKey) {
			if err := finishOutput(); err != nil {
				return nil, pendingOutputs, err
			}
			splitPending = false
		}
		if tw == nil {
			if err := newOutput(); err != nil {
				return nil, pendingOutputs, err
			}
		}
		if err := tw.Add(*key, val); err != nil {
			return nil, pendingOutputs, err
		}
		prevUserKey = append(prevUserKey[:0], key.UserKey...)
	}
	if err := iter.Error(); err != nil {
		return nil, pendingOutputs, err
	}
	if err := finishOutput(); err != nil {
		return nil, pendingOutputs, err
	}
	return ve, pendingOutputs, nil
}

// verifyTable opens a newly written table through the table cache, which
// checks its footer and index, and reads its first entry.
func (d *DB) verifyTable(meta *fileMetadata) error {
	iter, err := d.tableCache.newIter(meta)
	if err != nil {
		return err
	}
	iter.First()
	return errors.CombineErrors(iter.Error(), iter.Close())
}

// clearPendingOutputsLocked releases the protection of outputs against
// obsolete file deletion, once they are either installed or abandoned.
// Requires DB.mu is held.
func (d *DB) clearPendingOutputsLocked(fileNums []FileNum) {
	for _, fileNum := range fileNums {
		delete(d.mu.compact.pendingOutputs, fileNum)
	}
}

// Compact the specified range of keys in the database. Memtables holding
// keys in the range are flushed first. The tables overlapping the range are
// then compacted level by level down to the bottommost level, dropping
// shadowed entries and tombstones along the way. A nil start or end leaves
// the range unbounded on that side.
func (d *DB) Compact(start, end []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if start != nil && end != nil && d.cmp(start, end) > 0 {
		return errors.Errorf("shingle: compaction range start %s is after end %s",
			d.opts.Comparer.FormatKey(start), d.opts.Comparer.FormatKey(end))
	}

	if d.memtablesOverlap(start, end) {
		if err := d.Flush(); err != nil {
			return err
		}
	}

	for level := 0; level < numLevels-1; level++ {
		m := &manualCompaction{
			level: level,
			start: start,
			end:   end,
			done:  make(chan error, 1),
		}
		d.mu.Lock()
		if d.mu.closed {
			d.mu.Unlock()
			return ErrClosed
		}
		if err := d.mu.bgErr; err != nil {
			d.mu.Unlock()
			return err
		}
		d.mu.compact.manual = append(d.mu.compact.manual, m)
		d.mu.Unlock()
		d.maybeScheduleBackgroundWork()
		if err := <-m.done; err != nil {
			return err
		}
	}
	return nil
}

// memtablesOverlap reports whether any queued memtable holds a key in
// [start, end].
func (d *DB) memtablesOverlap(start, end []byte) bool {
	readState := d.loadReadState()
	defer readState.unref()
	for _, m := range readState.memtables {
		iter := m.newIter()
		var key *InternalKey
		if start != nil {
			key, _ = iter.SeekGE(base.MakeSearchKey(start))
		} else {
			key, _ = iter.First()
		}
		overlaps := key != nil && (end == nil || d.cmp(key.UserKey, end) <= 0)
		_ = iter.Close()
		if overlaps {
			return true
		}
	}
	return false
}

// Flush the memtable to stable storage.
func (d *DB) Flush() error {
	flushed, err := d.AsyncFlush()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		select {
		case <-flushed:
			return nil
		default:
		}
		if err := d.mu.bgErr; err != nil {
			return err
		}
		if d.mu.closed {
			return ErrClosed
		}
		d.mu.compact.cond.Wait()
	}
}

// AsyncFlush asynchronously flushes the memtable to stable storage.
//
// If no error is returned, the caller can receive from the returned channel in
// order to wait for the flush to complete.
func (d *DB) AsyncFlush() (<-chan struct{}, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	d.mu.Lock()
	mem := d.mu.mem.mutable
	empty := mem.totalBytes() == 0
	if empty {
		// Nothing to rotate. Wait for the newest immutable memtable instead,
		// if there is one.
		if n := len(d.mu.mem.queue); n > 1 {
			mem = d.mu.mem.queue[n-2]
		} else {
			mem = nil
		}
	}
	d.mu.Unlock()

	if mem == nil {
		ch := make(chan struct{})
		close(ch)
		return ch, nil
	}
	if !empty {
		if err := d.commit.rotate(); err != nil {
			return nil, err
		}
	}
	return mem.flushed, nil
}

func (d *DB) timeNow() time.Time {
	return time.Now()
}
