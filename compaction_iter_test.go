// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/shingle/internal/base"
	"github.com/stretchr/testify/require"
)

func collectCompaction(t *testing.T, iter *compactionIter) []string {
	t.Helper()
	var res []string
	for k, v := iter.First(); k != nil; k, v = iter.Next() {
		res = append(res, fmt.Sprintf("%s:%s", k, v))
	}
	require.NoError(t, iter.Error())
	require.NoError(t, iter.Close())
	return res
}

func TestCompactionIter(t *testing.T) {
	input := []string{
		"a#5,SET:a5", "a#3,SET:a3", "a#1,SET:a1",
		"b#4,DEL", "b#2,SET:b2",
		"c#6,SET:c6",
	}
	elideAll := func([]byte) bool { return true }

	testCases := []struct {
		name             string
		smallestSnapshot SeqNum
		elide            func([]byte) bool
		expected         []string
	}{
		{
			name:             "no snapshots",
			smallestSnapshot: 10,
			elide:            elideAll,
			expected:         []string{"a#5,SET:a5", "c#6,SET:c6"},
		},
		{
			name:             "tombstones kept",
			smallestSnapshot: 10,
			expected:         []string{"a#5,SET:a5", "b#4,DEL:", "c#6,SET:c6"},
		},
		{
			// A reader at sequence number 3 still sees a#3 and b#2.
			name:             "snapshot",
			smallestSnapshot: 3,
			elide:            elideAll,
			expected: []string{
				"a#5,SET:a5", "a#3,SET:a3", "b#4,DEL:", "b#2,SET:b2", "c#6,SET:c6",
			},
		},
		{
			name:             "oldest snapshot",
			smallestSnapshot: 0,
			elide:            elideAll,
			expected:         input2Strings(input),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			iter := newCompactionIter(DefaultComparer.Compare, DefaultComparer.Equal,
				newFakeIter(input...), tc.smallestSnapshot, tc.elide)
			require.Equal(t, tc.expected, collectCompaction(t, iter))
		})
	}
}

// input2Strings renders fakeIter entries the way collectCompaction does.
func input2Strings(entries []string) []string {
	f := newFakeIter(entries...)
	res := make([]string, len(f.keys))
	for i := range f.keys {
		res[i] = fmt.Sprintf("%s:%s", f.keys[i], f.vals[i])
	}
	return res
}

func TestCompactionIterElideTombstone(t *testing.T) {
	// Only tombstones for keys without older data below the output level are
	// elided.
	elide := func(key []byte) bool { return string(key) != "b" }
	iter := newCompactionIter(DefaultComparer.Compare, DefaultComparer.Equal,
		newFakeIter("a#3,DEL", "a#1,SET:a1", "b#4,DEL", "c#2,DEL"), 10, elide)
	require.Equal(t, []string{"b#4,DEL:"}, collectCompaction(t, iter))
}

func TestCompactionIterCopiesKeys(t *testing.T) {
	f := newFakeIter("a#2,SET:a", "b#1,SET:b")
	iter := newCompactionIter(DefaultComparer.Compare, DefaultComparer.Equal, f, 10, nil)
	k, _ := iter.First()
	// Clobbering the input's key must not change the emitted key.
	f.keys[0].UserKey[0] = 'z'
	require.Equal(t, "a", string(k.UserKey))
	require.NoError(t, iter.Close())
}

func TestCompactionIterInvalidKind(t *testing.T) {
	f := newFakeIter("a#2,SET:a")
	f.keys = append(f.keys, base.MakeInternalKey([]byte("b"), 1, InternalKeyKindInvalid))
	f.vals = append(f.vals, nil)
	iter := newCompactionIter(DefaultComparer.Compare, DefaultComparer.Equal, f, 10, nil)
	k, _ := iter.First()
	require.NotNil(t, k)
	k, _ = iter.Next()
	require.Nil(t, k)
	require.True(t, IsCorruptionError(iter.Error()))
	_ = iter.Close()
}
