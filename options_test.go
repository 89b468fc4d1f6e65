// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsEnsureDefaults(t *testing.T) {
	opts := (*Options)(nil).EnsureDefaults()
	require.Equal(t, 16, opts.BlockRestartInterval)
	require.Equal(t, 4096, opts.BlockSize)
	require.Equal(t, 10, opts.BloomBitsPerKey)
	require.Equal(t, DefaultComparer, opts.Comparer)
	require.Equal(t, SnappyCompression, opts.Compression)
	require.Equal(t, 4, opts.L0CompactionThreshold)
	require.Equal(t, 8, opts.L0SlowdownWritesThreshold)
	require.Equal(t, 12, opts.L0StopWritesThreshold)
	require.Equal(t, int64(10<<20), opts.LBaseMaxBytes)
	require.Equal(t, 10, opts.LevelMultiplier)
	require.Equal(t, 2, opts.MaxMemtableOutputLevel)
	require.Equal(t, int64(2<<20), opts.TargetFileSize)
	require.Equal(t, 4<<20, opts.WriteBufferSize)
	require.NotNil(t, opts.EventListener.FlushEnd)

	opts = (&Options{MaxMemtableOutputLevel: 10}).EnsureDefaults()
	require.Equal(t, numLevels-2, opts.MaxMemtableOutputLevel)
	opts = (&Options{MaxMemtableOutputLevel: -1, BloomBitsPerKey: -1}).EnsureDefaults()
	require.Equal(t, -1, opts.MaxMemtableOutputLevel)
	require.Nil(t, opts.filterPolicy())
}

func TestOptionsLevel(t *testing.T) {
	opts := (&Options{LBaseMaxBytes: 100, LevelMultiplier: 10, TargetFileSize: 7}).EnsureDefaults()
	require.Equal(t, LevelOptions{TargetFileSize: 7}, opts.Level(0))
	require.Equal(t, int64(100), opts.Level(1).MaxBytes)
	require.Equal(t, int64(10000), opts.Level(3).MaxBytes)
	require.Equal(t, int64(7), opts.Level(6).TargetFileSize)
}

func TestOptionsClone(t *testing.T) {
	require.NotNil(t, (*Options)(nil).Clone())
	opts := &Options{L0CompactionThreshold: 3}
	c := opts.Clone()
	c.L0CompactionThreshold = 5
	require.Equal(t, 3, opts.L0CompactionThreshold)
}

func TestWriteOptions(t *testing.T) {
	require.True(t, (*WriteOptions)(nil).GetSync())
	require.True(t, Sync.GetSync())
	require.False(t, NoSync.GetSync())
}

func TestOptionsStringParse(t *testing.T) {
	opts := (&Options{
		Compression:            ZstdCompression,
		DisableWAL:             true,
		L0CompactionThreshold:  7,
		MaxMemtableOutputLevel: -1,
		TargetFileSize:         1 << 20,
	}).EnsureDefaults()
	s := opts.String()
	require.True(t, strings.HasPrefix(s, "version: 1\n"), "%s", s)
	require.Contains(t, s, "compression: ZSTD")
	require.Contains(t, s, "comparer: "+DefaultComparer.Name)

	var parsed Options
	require.NoError(t, parsed.Parse(s))
	require.Equal(t, ZstdCompression, parsed.Compression)
	require.True(t, parsed.DisableWAL)
	require.Equal(t, 7, parsed.L0CompactionThreshold)
	require.Equal(t, -1, parsed.MaxMemtableOutputLevel)
	require.Equal(t, int64(1<<20), parsed.TargetFileSize)
	require.Equal(t, s, parsed.EnsureDefaults().String())

	// Fields absent from the input are left alone.
	partial := Options{BlockSize: 123}
	require.NoError(t, partial.Parse("version: 1\noptions:\n  target_file_size: 99\n"))
	require.Equal(t, 123, partial.BlockSize)
	require.Equal(t, int64(99), partial.TargetFileSize)
}

func TestOptionsParseErrors(t *testing.T) {
	other := *DefaultComparer
	other.Name = "shingle.OtherComparer"

	testCases := []struct {
		name  string
		opts  Options
		input string
		err   string
	}{
		{"bad yaml", Options{}, "version: [", "invalid options"},
		{"bad version", Options{}, "version: 2\n", "unsupported options version 2"},
		{"no version", Options{}, "options:\n  block_size: 10\n", "unsupported options version 0"},
		{"comparer", Options{Comparer: &other},
			"version: 1\noptions:\n  comparer: " + DefaultComparer.Name + "\n", "does not match"},
		{"compression", Options{}, "version: 1\noptions:\n  compression: lz4\n", "unknown compression"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Parse(tc.input)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.err)
		})
	}
}
