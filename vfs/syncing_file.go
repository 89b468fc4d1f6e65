// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import "sync/atomic"

// SyncingFileOptions holds the options for a syncingFile.
type SyncingFileOptions struct {
	BytesPerSync int
}

type syncingFile struct {
	File
	fd           uintptr
	bytesPerSync int64
	offset       atomic.Int64
	syncOffset   atomic.Int64
	syncTo       func(offset int64) error
}

// NewSyncingFile wraps a writable file and ensures that data is synced
// periodically as it is written. The syncing does not provide persistency
// guarantees, but avoids latency spikes when the OS decides to write out a
// large chunk of dirty buffers at once. If BytesPerSync is zero, the original
// file is returned.
func NewSyncingFile(f File, opts SyncingFileOptions) File {
	if opts.BytesPerSync <= 0 {
		return f
	}
	s := &syncingFile{
		File:         f,
		bytesPerSync: int64(opts.BytesPerSync),
	}
	type fd interface {
		Fd() uintptr
	}
	if d, ok := f.(fd); ok {
		s.fd = d.Fd()
	}
	s.init()
	return s
}

// NB: syncingFile.Write is unsafe for concurrent use.
func (f *syncingFile) Write(p []byte) (n int, err error) {
	n, err = f.File.Write(p)
	if err != nil {
		return n, err
	}
	f.offset.Add(int64(n))
	if err := f.maybeSync(); err != nil {
		return 0, err
	}
	return n, nil
}

func (f *syncingFile) ratchetSyncOffset(offset int64) {
	for {
		syncOffset := f.syncOffset.Load()
		if syncOffset >= offset {
			return
		}
		if f.syncOffset.CompareAndSwap(syncOffset, offset) {
			return
		}
	}
}

func (f *syncingFile) Sync() error {
	f.ratchetSyncOffset(f.offset.Load())
	return f.File.Sync()
}

func (f *syncingFile) SyncData() error {
	f.ratchetSyncOffset(f.offset.Load())
	return f.File.SyncData()
}

func (f *syncingFile) maybeSync() error {
	// Stay clear of the last 1MB written: those pages are likely to be
	// rewritten, and some filesystems flush neighboring pages too.
	const syncRangeBuffer = 1 << 20
	offset := f.offset.Load()
	if offset <= syncRangeBuffer {
		return nil
	}

	const syncRangeAlignment = 4 << 10
	syncToOffset := offset - syncRangeBuffer
	syncToOffset -= syncToOffset % syncRangeAlignment
	if syncToOffset-f.syncOffset.Load() < f.bytesPerSync {
		return nil
	}
	if f.fd == 0 {
		return f.SyncData()
	}
	return f.syncTo(syncToOffset)
}
