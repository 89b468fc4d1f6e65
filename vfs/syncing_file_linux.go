// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux

package vfs

import "golang.org/x/sys/unix"

func (f *syncingFile) init() {
	f.syncTo = f.syncToRange
}

// syncToRange starts writeback of the dirty pages in [0, offset) without
// waiting for metadata. It falls back to fdatasync on filesystems that do not
// support sync_file_range.
func (f *syncingFile) syncToRange(offset int64) error {
	const write = unix.SYNC_FILE_RANGE_WRITE
	err := unix.SyncFileRange(int(f.fd), 0, offset, write)
	if err == unix.ENOSYS || err == unix.EINVAL {
		return f.SyncData()
	}
	if err != nil {
		return err
	}
	f.ratchetSyncOffset(offset)
	return nil
}
