// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"testing"
	"time"

	"github.com/cockroachdb/shingle/vfs"
	"github.com/stretchr/testify/require"
)

func TestGetAcrossLevels(t *testing.T) {
	opts := testOptions(vfs.NewMem())
	opts.L0CompactionThreshold = 100
	d := openTestDB(t, "db", opts)
	defer func() { require.NoError(t, d.Close()) }()

	// The first flush lands in L2 and the second in L1, above it.
	require.NoError(t, d.Set([]byte("a"), []byte("old"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("old"), nil))
	require.NoError(t, d.Set([]byte("c"), []byte("old"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("a"), []byte("new"), nil))
	require.NoError(t, d.Delete([]byte("b"), nil))
	require.NoError(t, d.Flush())
	// This overlaps L1 and stays in L0.
	require.NoError(t, d.Set([]byte("a"), []byte("newer"), nil))
	require.NoError(t, d.Set([]byte("c"), []byte("newest"), nil))
	require.NoError(t, d.Flush())
	// And this in the memtable.
	require.NoError(t, d.Delete([]byte("a"), nil))

	counts := levelFileCounts(d)
	require.Equal(t, 1, counts[0])
	require.Equal(t, 1, counts[1])
	require.Equal(t, 1, counts[2])

	requireGet(t, d, "a", "")
	requireGet(t, d, "b", "")
	requireGet(t, d, "c", "newest")
	requireGet(t, d, "d", "")
}

func TestGetReturnsCopy(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer func() { require.NoError(t, d.Close()) }()

	key := []byte("k")
	require.NoError(t, d.Set(key, []byte("v"), nil))
	key[0] = 'x'
	v, err := d.Get([]byte("k"))
	require.NoError(t, err)
	v[0] = 'z'
	requireGet(t, d, "k", "v")

	require.NoError(t, d.Flush())
	v, err = d.Get([]byte("k"))
	require.NoError(t, err)
	v[0] = 'z'
	requireGet(t, d, "k", "v")
}

func TestGetSeekCompaction(t *testing.T) {
	compactions := make(chan CompactionInfo, 10)
	opts := testOptions(vfs.NewMem())
	opts.MaxMemtableOutputLevel = -1
	opts.L0CompactionThreshold = 100
	opts.EventListener = EventListener{
		CompactionEnd: func(info CompactionInfo) {
			compactions <- info
		},
	}
	d := openTestDB(t, "db", opts)
	defer func() { require.NoError(t, d.Close()) }()

	require.NoError(t, d.Set([]byte("b"), []byte("1"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("a"), []byte("2"), nil))
	require.NoError(t, d.Set([]byte("c"), []byte("3"), nil))
	require.NoError(t, d.Flush())
	require.Equal(t, 2, levelFileCounts(d)[0])

	// Every lookup of "b" consults the newer table, whose range covers "b",
	// before finding the key in the older one. The wasted lookups exhaust the
	// newer table's seek allowance.
	d.mu.Lock()
	newer := d.mu.versions.currentVersion().Levels[0][1]
	d.mu.Unlock()
	allowed := newer.AllowedSeeks.Load()
	for i := int64(0); i < allowed; i++ {
		requireGet(t, d, "b", "1")
	}

	var info CompactionInfo
	select {
	case info = <-compactions:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for compaction")
	}
	require.NoError(t, info.Err)
	require.Equal(t, compactionReasonSeek, info.Reason)
	require.Equal(t, 0, info.Input[0].Level)
	require.Len(t, info.Input[0].Tables, 2)
	require.Equal(t, 1, info.Output.Level)

	counts := levelFileCounts(d)
	require.Zero(t, counts[0])
	require.Equal(t, 1, counts[1])
	requireGet(t, d, "a", "2")
	requireGet(t, d, "b", "1")
	requireGet(t, d, "c", "3")
}
