// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package record

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/prometheus/client_golang/prometheus"
)

// syncer is the subset of vfs.File a LogWriter needs.
type syncer interface {
	Write(p []byte) (int, error)
	SyncData() error
	Close() error
}

// LogWriterConfig is a struct used for configuring new LogWriters.
type LogWriterConfig struct {
	// WALFsyncLatency, if non-nil, observes the latency of every fsync of the
	// log file.
	WALFsyncLatency prometheus.Histogram
}

// LogWriter writes records to a write-ahead log file. Each record holds one
// committed batch group. A LogWriter is safe for concurrent use, though the
// commit pipeline only ever writes from the group leader.
type LogWriter struct {
	logNum base.FileNum
	f      syncer
	mu     struct {
		sync.Mutex
		w *Writer
	}
	fsyncLatency prometheus.Histogram
	// syncedOffset is the offset up to which the log is known to be durable.
	syncedOffset int64
}

// NewLogWriter returns a new LogWriter appending to f.
func NewLogWriter(f syncer, logNum base.FileNum, cfg LogWriterConfig) *LogWriter {
	w := &LogWriter{
		logNum:       logNum,
		f:            f,
		fsyncLatency: cfg.WALFsyncLatency,
	}
	w.mu.w = NewWriter(f)
	return w
}

// LogNum returns the file number of the log.
func (w *LogWriter) LogNum() base.FileNum {
	return w.logNum
}

// WriteRecord writes a complete record to the log, and syncs the log file
// when sync is true. It returns the offset just past the end of the record.
func (w *LogWriter) WriteRecord(p []byte, sync bool) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	offset, err := w.mu.w.WriteRecord(p)
	if err != nil {
		return -1, errors.Wrapf(err, "shingle/record: writing to log %s", w.logNum)
	}
	if sync {
		if err := w.syncLocked(offset); err != nil {
			return -1, err
		}
	}
	return offset, nil
}

// Sync makes every record written so far durable.
func (w *LogWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked(w.mu.w.Size())
}

func (w *LogWriter) syncLocked(offset int64) error {
	if offset <= w.syncedOffset {
		return nil
	}
	start := time.Now()
	if err := w.f.SyncData(); err != nil {
		return errors.Wrapf(err, "shingle/record: syncing log %s", w.logNum)
	}
	if w.fsyncLatency != nil {
		w.fsyncLatency.Observe(float64(time.Since(start)))
	}
	w.syncedOffset = offset
	return nil
}

// Size returns the number of bytes written to the log so far.
func (w *LogWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mu.w.Size()
}

// Close flushes and syncs any unwritten data and closes the writer and
// underlying file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.mu.w.Close()
	if err == nil {
		err = w.syncLocked(w.mu.w.Size())
	}
	return errors.CombineErrors(err, w.f.Close())
}
