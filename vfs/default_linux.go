// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux

package vfs

import (
	"os"

	"golang.org/x/sys/unix"
)

func wrapOSFile(f *os.File) File {
	return &linuxFile{File: f, fd: f.Fd()}
}

type linuxFile struct {
	*os.File
	fd uintptr
}

// SyncData uses fdatasync, skipping the metadata flush of fsync.
func (f *linuxFile) SyncData() error {
	return unix.Fdatasync(int(f.fd))
}
