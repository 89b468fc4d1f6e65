// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !linux

package vfs

func (f *syncingFile) init() {
	f.syncTo = func(offset int64) error {
		return f.SyncData()
	}
}
