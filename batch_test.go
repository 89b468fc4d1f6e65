// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatch(t *testing.T) {
	type testCase struct {
		kind       InternalKeyKind
		key, value string
	}

	verifyTestCases := func(b *Batch, testCases []testCase) {
		t.Helper()
		r := b.Reader()
		for _, tc := range testCases {
			kind, k, v, ok, err := r.Next()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tc.kind, kind)
			require.Equal(t, tc.key, string(k))
			require.Equal(t, tc.value, string(v))
		}
		_, _, _, ok, err := r.Next()
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, uint32(len(testCases)), b.Count())
	}

	testCases := []testCase{
		{InternalKeyKindSet, "roses", "red"},
		{InternalKeyKindSet, "violets", "blue"},
		{InternalKeyKindDelete, "roses", ""},
		{InternalKeyKindSet, "", ""},
		{InternalKeyKindSet, "", "non-empty"},
		{InternalKeyKindDelete, "", ""},
		{InternalKeyKindSet, "grass", "green"},
		{InternalKeyKindSet, "grass", "greener"},
		{InternalKeyKindSet, "eleventy", strings.Repeat("!!11!", 100)},
		{InternalKeyKindDelete, "nosuchkey", ""},
	}

	var b Batch
	require.True(t, b.Empty())
	for _, tc := range testCases {
		switch tc.kind {
		case InternalKeyKindSet:
			require.NoError(t, b.Set([]byte(tc.key), []byte(tc.value), nil))
		case InternalKeyKindDelete:
			require.NoError(t, b.Delete([]byte(tc.key), nil))
		}
	}
	require.False(t, b.Empty())
	verifyTestCases(&b, testCases)

	// A batch rebuilt from another's repr holds the same entries.
	var b2 Batch
	require.NoError(t, b2.SetRepr(append([]byte(nil), b.Repr()...)))
	verifyTestCases(&b2, testCases)
	require.Equal(t, b.memTableSize, b2.memTableSize)

	b.Reset()
	require.True(t, b.Empty())
	require.Equal(t, uint32(0), b.Count())
}

func TestBatchEmpty(t *testing.T) {
	var b Batch
	require.True(t, b.Empty())
	require.Equal(t, batchHeaderLen, b.Len())
	require.Equal(t, uint32(0), b.Count())
	require.Len(t, b.Repr(), batchHeaderLen)

	require.NoError(t, b.Delete([]byte("a"), nil))
	require.False(t, b.Empty())
	require.Greater(t, b.Len(), batchHeaderLen)
}

func TestBatchApply(t *testing.T) {
	var a, b Batch
	require.NoError(t, a.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, b.Delete([]byte("b"), nil))
	require.NoError(t, b.Set([]byte("c"), []byte("3"), nil))

	var merged Batch
	require.NoError(t, merged.Apply(&a, nil))
	require.NoError(t, merged.Apply(&b, nil))
	require.NoError(t, merged.Apply(&Batch{}, nil))
	require.Equal(t, uint32(3), merged.Count())
	require.Equal(t, a.memTableSize+b.memTableSize, merged.memTableSize)

	merged.setSeqNum(10)
	require.Equal(t, SeqNum(10), merged.SeqNum())
	require.Equal(t, "a#10,SET:1 b#11,DEL c#12,SET:3", merged.String())
}

func TestBatchSetRepr(t *testing.T) {
	var b Batch
	require.NoError(t, b.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, b.Set([]byte("b"), []byte("2"), nil))
	repr := b.Repr()

	testCases := []struct {
		name string
		data []byte
	}{
		{"short", repr[:batchHeaderLen-1]},
		{"truncated", repr[:len(repr)-1]},
		{"bad kind", func() []byte {
			d := append([]byte(nil), repr...)
			d[batchHeaderLen] = 0x7f
			return d
		}()},
		{"count mismatch", func() []byte {
			d := append([]byte(nil), repr...)
			binary.LittleEndian.PutUint32(d[8:12], 3)
			return d
		}()},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var b2 Batch
			err := b2.SetRepr(tc.data)
			require.ErrorIs(t, err, ErrInvalidBatch)
			require.True(t, IsCorruptionError(err))
		})
	}
}

func TestBatchIncrement(t *testing.T) {
	testCases := []uint32{
		0x00000000,
		0x00000001,
		0x00000002,
		0x0000007f,
		0x00000080,
		0x000000fe,
		0x000000ff,
		0x00000100,
		0x00000101,
		0x000001ff,
		0x00000200,
		0x00000fff,
		0x00001234,
		0x0000fffe,
		0x0000ffff,
		0x00010000,
		0x00010001,
		0x000100fe,
		0x000100ff,
		0x00020100,
		0x03fffffe,
		0x03ffffff,
		0x04000000,
		0x04000001,
		0x7fffffff,
		0xfffffffe,
	}
	for _, tc := range testCases {
		var buf [batchHeaderLen]byte
		binary.LittleEndian.PutUint32(buf[8:12], tc)
		b := &Batch{data: buf[:]}
		require.True(t, b.increment())
		require.Equal(t, tc+1, b.Count())
	}

	b := &Batch{data: make([]byte, batchHeaderLen)}
	b.setCount(0xffffffff)
	require.False(t, b.increment())
	require.Equal(t, uint32(invalidBatchCount), b.Count())
	require.ErrorIs(t, b.Set([]byte("a"), nil, nil), ErrInvalidBatch)
}
