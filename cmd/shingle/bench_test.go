// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/shingle"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/stretchr/testify/require"
)

func TestBench(t *testing.T) {
	fs := vfs.NewMem()
	cfg := benchConfig{
		fs:          fs,
		concurrency: 4,
		numOps:      2000,
		readPercent: 50,
		keys:        100,
		valueSize:   16,
		seed:        7,
		tick:        time.Hour,
	}
	var out bytes.Buffer
	require.NoError(t, runBench(context.Background(), &out, "db", cfg))

	var reads, writes string
	for _, line := range strings.Split(out.String(), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		switch fields[0] {
		case "read":
			reads = fields[2]
		case "write":
			writes = fields[2]
		}
	}
	require.NotEmpty(t, reads)
	require.NotEmpty(t, writes)
	require.Contains(t, out.String(), "level__files")

	// Every write landed in the DB under a key from the key space.
	d, err := shingle.Open("db", &shingle.Options{FS: fs, Logger: base.NoopLogger{}})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()
	iter, err := d.NewIter(nil)
	require.NoError(t, err)
	var n int
	for valid := iter.First(); valid; valid = iter.Next() {
		require.True(t, strings.HasPrefix(string(iter.Key()), "user"))
		require.Len(t, iter.Value(), cfg.valueSize)
		n++
	}
	require.NoError(t, iter.Close())
	require.NotZero(t, n)
	require.LessOrEqual(t, n, int(cfg.keys))
}

func TestBenchWipe(t *testing.T) {
	fs := vfs.NewMem()
	cfg := benchConfig{
		fs:          fs,
		concurrency: 1,
		numOps:      10,
		keys:        10,
		valueSize:   1,
		tick:        time.Hour,
	}
	var out bytes.Buffer
	require.NoError(t, runBench(context.Background(), &out, "db", cfg))

	cfg.wipe = true
	cfg.readPercent = 100
	out.Reset()
	require.NoError(t, runBench(context.Background(), &out, "db", cfg))
	require.Contains(t, out.String(), "wiping db")

	d, err := shingle.Open("db", &shingle.Options{FS: fs, Logger: base.NoopLogger{}})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()
	iter, err := d.NewIter(nil)
	require.NoError(t, err)
	require.False(t, iter.First())
	require.NoError(t, iter.Close())
}

func TestBenchInvalidConfig(t *testing.T) {
	var out bytes.Buffer
	err := runBench(context.Background(), &out, "db", benchConfig{fs: vfs.NewMem(), concurrency: 1, keys: 1})
	require.ErrorContains(t, err, "--duration or --num-ops")
	err = runBench(context.Background(), &out, "db", benchConfig{fs: vfs.NewMem(), concurrency: 1, numOps: 1})
	require.ErrorContains(t, err, "invalid key count")
}
