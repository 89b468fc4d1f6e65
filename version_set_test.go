// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/stretchr/testify/require"
)

func TestVersionSetManifestRollover(t *testing.T) {
	fs := vfs.NewMem()
	var created atomic.Int32
	opts := testOptions(fs)
	// Every edit starts a new manifest.
	opts.MaxManifestFileSize = 1
	opts.EventListener = EventListener{
		ManifestCreated: func(info ManifestCreateInfo) {
			if info.Err == nil {
				created.Add(1)
			}
		},
	}
	d := openTestDB(t, "db", opts)
	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, d.Set(key, key, nil))
		require.NoError(t, d.Flush())
	}
	// Open and each flush logged one edit.
	require.Equal(t, int32(6), created.Load())

	d.deleteObsoleteFiles(context.Background())
	manifests := filesOfType(t, fs, "db", base.FileTypeManifest)
	require.Len(t, manifests, 1)
	d.mu.Lock()
	require.Equal(t, base.MakeFilename(base.FileTypeManifest, d.mu.versions.manifestFileNum), manifests[0])
	d.mu.Unlock()
	current := readFile(t, fs, base.MakeFilepath(fs, "db", base.FileTypeCurrent, 0))
	require.Equal(t, manifests[0]+"\n", string(current))
	require.NoError(t, d.Close())

	// The last manifest holds the complete LSM.
	d = openTestDB(t, "db", opts)
	require.Equal(t, 5, tableCount(d))
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		requireGet(t, d, key, key)
	}
	require.NoError(t, d.Close())
}

func TestVersionSetFileNumsNotReused(t *testing.T) {
	fs := vfs.NewMem()
	var lastTable atomic.Uint64
	opts := testOptions(fs)
	opts.EventListener = EventListener{
		TableCreated: func(info TableCreateInfo) {
			lastTable.Store(uint64(info.FileNum))
		},
	}

	maxFileNum := func() FileNum {
		ls, err := fs.List("db")
		require.NoError(t, err)
		var res FileNum
		for _, name := range ls {
			if _, fileNum, ok := base.ParseFilename(fs, name); ok {
				res = max(res, fileNum)
			}
		}
		return res
	}

	d := openTestDB(t, "db", opts)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Close())
	before := maxFileNum()

	// Recovery flushes the WAL holding "b" to a table numbered after every
	// file of the previous incarnation.
	d = openTestDB(t, "db", opts)
	require.Greater(t, FileNum(lastTable.Load()), before)
	require.NoError(t, d.Set([]byte("c"), []byte("3"), nil))
	require.NoError(t, d.Flush())
	require.Greater(t, FileNum(lastTable.Load()), before)
	requireGet(t, d, "a", "1")
	requireGet(t, d, "b", "2")
	requireGet(t, d, "c", "3")
	require.NoError(t, d.Close())
}

func TestVersionSetMissingManifest(t *testing.T) {
	fs := vfs.NewMem()
	d := openTestDB(t, "db", testOptions(fs))
	require.NoError(t, d.Close())

	for _, name := range filesOfType(t, fs, "db", base.FileTypeManifest) {
		require.NoError(t, fs.Remove(fs.PathJoin("db", name)))
	}
	_, err := Open("db", testOptions(fs))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "MANIFEST"), "%v", err)
}
