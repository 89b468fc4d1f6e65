// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !linux

package vfs

import "os"

func wrapOSFile(f *os.File) File {
	return osFile{f}
}

type osFile struct {
	*os.File
}

func (f osFile) SyncData() error {
	return f.Sync()
}
