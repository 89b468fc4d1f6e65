// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bloom

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func (f Filter) String() string {
	s := make([]byte, 0, 8*len(f))
	for _, x := range f {
		for i := 7; i >= 0; i-- {
			if x&(1<<uint(i)) != 0 {
				s = append(s, '1')
			} else {
				s = append(s, '.')
			}
		}
	}
	return string(s)
}

func newFilter(bitsPerKey int, keys ...[]byte) Filter {
	w := FilterPolicy(bitsPerKey).NewWriter()
	for _, key := range keys {
		w.AddKey(key)
	}
	return Filter(w.Finish(nil))
}

func TestSmallBloomFilter(t *testing.T) {
	f := newFilter(10, []byte("hello"), []byte("world"))

	// The filter has the minimum 64 bits plus the trailing hash count.
	require.Len(t, f, 9)
	require.EqualValues(t, 6, f[len(f)-1])

	m := map[string]bool{
		"hello": true,
		"world": true,
		"x":     false,
		"foo":   false,
	}
	for k, want := range m {
		got := f.MayContain([]byte(k))
		if want {
			require.True(t, got, "%q", k)
		}
	}
}

func TestBloomFilter(t *testing.T) {
	nextLength := func(x int) int {
		if x < 10 {
			return x + 1
		}
		if x < 100 {
			return x + 10
		}
		if x < 1000 {
			return x + 100
		}
		return x + 1000
	}
	le32 := func(i int) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(i))
		return b
	}

	nMediocreFilters, nGoodFilters := 0, 0
loop:
	for length := 1; length <= 10000; length = nextLength(length) {
		keys := make([][]byte, 0, length)
		for i := 0; i < length; i++ {
			keys = append(keys, le32(i))
		}
		f := newFilter(10, keys...)

		if len(f) > (length*10/8)+40 {
			t.Errorf("length=%d: len(f)=%d is too large", length, len(f))
			continue
		}

		// All added keys must match.
		for _, key := range keys {
			if !f.MayContain(key) {
				t.Errorf("length=%d: did not contain key %q", length, key)
				continue loop
			}
		}

		// Check false positive rate.
		nFalsePositive := 0
		for i := 0; i < 10000; i++ {
			if f.MayContain(le32(1e9 + i)) {
				nFalsePositive++
			}
		}
		if nFalsePositive > 0.02*10000 {
			t.Errorf("length=%d: %d false positives in 10000", length, nFalsePositive)
			continue
		}
		if nFalsePositive > 0.0125*10000 {
			nMediocreFilters++
		} else {
			nGoodFilters++
		}
	}

	if nMediocreFilters > nGoodFilters/5 {
		t.Errorf("%d mediocre filters but only %d good filters", nMediocreFilters, nGoodFilters)
	}
}

func TestFilterWriterReuse(t *testing.T) {
	w := FilterPolicy(10).NewWriter()
	w.AddKey([]byte("a"))
	first := w.Finish([]byte("prefix"))
	require.Equal(t, "prefix", string(first[:6]))
	require.True(t, Filter(first[6:]).MayContain([]byte("a")))

	w.AddKey([]byte("b"))
	second := Filter(w.Finish(nil))
	require.True(t, second.MayContain([]byte("b")))
}

func TestEmptyFilter(t *testing.T) {
	require.False(t, Filter(nil).MayContain([]byte("a")))
	// A reserved hash count is treated as a match.
	require.True(t, Filter([]byte{0, 0, 31}).MayContain([]byte("a")))
}

func TestHash(t *testing.T) {
	// The hash is deterministic and sensitive to every byte.
	require.Equal(t, hash([]byte("abcd")), hash([]byte("abcd")))
	require.NotEqual(t, hash([]byte("abcd")), hash([]byte("abce")))
	require.NotEqual(t, hash([]byte("abc")), hash([]byte("abd")))
}
