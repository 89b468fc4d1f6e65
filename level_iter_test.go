// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/stretchr/testify/require"
)

// newTestLevel returns the metadata of a level whose tables hold the given
// entries, along with a tableNewIter that serves them. The opened iterators
// are recorded in opened.
func newTestLevel(
	tables [][]string, opened *[]*fakeIter,
) ([]*fileMetadata, tableNewIter) {
	var files []*fileMetadata
	contents := make(map[FileNum][]string)
	for i, entries := range tables {
		f := newFakeIter(entries...)
		meta := &fileMetadata{FileNum: FileNum(i + 1), Size: 1}
		if len(f.keys) > 0 {
			meta.Smallest = f.keys[0]
			meta.Largest = f.keys[len(f.keys)-1]
		}
		files = append(files, meta)
		contents[meta.FileNum] = entries
	}
	newIters := func(meta *fileMetadata) (internalIterator, error) {
		entries, ok := contents[meta.FileNum]
		if !ok {
			return nil, errors.Errorf("unknown table %s", meta.FileNum)
		}
		f := newFakeIter(entries...)
		*opened = append(*opened, f)
		return f, nil
	}
	return files, newIters
}

func TestLevelIter(t *testing.T) {
	var opened []*fakeIter
	files, newIters := newTestLevel([][]string{
		{"a#3,SET:a", "b#2,SET:b"},
		{"c#4,DEL", "d#1,SET:d"},
		{"f#5,SET:f"},
	}, &opened)

	iter := newLevelIter(DefaultComparer.Compare, newIters, files)
	require.Equal(t, []string{
		"a#3,SET:a", "b#2,SET:b", "c#4,DEL:", "d#1,SET:d", "f#5,SET:f",
	}, collectInternal(t, iter))
	require.NoError(t, iter.Close())

	// At most one table is open at a time: every table opened before the
	// last has been closed.
	require.Len(t, opened, 3)
	for _, f := range opened {
		require.True(t, f.closed)
	}
}

func TestLevelIterSeekGE(t *testing.T) {
	var opened []*fakeIter
	files, newIters := newTestLevel([][]string{
		{"a#3,SET:a", "b#2,SET:b"},
		{"d#4,SET:d", "e#1,SET:e"},
	}, &opened)
	iter := newLevelIter(DefaultComparer.Compare, newIters, files)
	defer iter.Close()

	// A key between two tables lands on the first entry of the second.
	k, v := iter.SeekGE(base.MakeSearchKey([]byte("c")))
	require.Equal(t, "d#4,SET", k.String())
	require.Equal(t, "d", string(v))
	require.Len(t, opened, 1)

	// A key past the end of a table's user keys moves into the next table.
	k, _ = iter.SeekGE(base.MakeInternalKey([]byte("b"), 1, InternalKeyKindMax))
	require.Equal(t, "d#4,SET", k.String())

	k, _ = iter.SeekGE(base.MakeSearchKey([]byte("z")))
	require.Nil(t, k)
	require.NoError(t, iter.Error())
}

func TestLevelIterOpenError(t *testing.T) {
	files := []*fileMetadata{{
		FileNum:  1,
		Smallest: base.ParseInternalKey("a#1,SET"),
		Largest:  base.ParseInternalKey("b#1,SET"),
	}}
	newIters := func(*fileMetadata) (internalIterator, error) {
		return nil, errors.New("injected")
	}
	iter := newLevelIter(DefaultComparer.Compare, newIters, files)
	k, _ := iter.First()
	require.Nil(t, k)
	require.Error(t, iter.Error())
	require.Error(t, iter.Close())
}

func TestLevelIterReverse(t *testing.T) {
	var opened []*fakeIter
	files, newIters := newTestLevel([][]string{
		{"a#3,SET:a", "b#2,SET:b"},
		{"c#4,DEL", "d#1,SET:d"},
		{"f#5,SET:f"},
	}, &opened)
	iter := newLevelIter(DefaultComparer.Compare, newIters, files)
	defer iter.Close()

	require.Equal(t, []string{
		"f#5,SET:f", "d#1,SET:d", "c#4,DEL:", "b#2,SET:b", "a#3,SET:a",
	}, collectInternalReverse(t, iter))

	// A key between two tables lands on the last entry of the earlier one.
	k, _ := iter.SeekLT(base.MakeSearchKey([]byte("e")))
	require.Equal(t, "d#1,SET", k.String())
	k, _ = iter.SeekLT(base.MakeSearchKey([]byte("c")))
	require.Equal(t, "b#2,SET", k.String())

	// Turning around crosses table boundaries in both directions.
	k, _ = iter.Next()
	require.Equal(t, "c#4,DEL", k.String())
	k, _ = iter.Prev()
	require.Equal(t, "b#2,SET", k.String())
	k, _ = iter.Prev()
	require.Equal(t, "a#3,SET", k.String())
	k, _ = iter.Prev()
	require.Nil(t, k)

	k, _ = iter.SeekLT(base.MakeSearchKey([]byte("a")))
	require.Nil(t, k)
	k, _ = iter.SeekLT(base.MakeSearchKey([]byte("z")))
	require.Equal(t, "f#5,SET", k.String())
	require.NoError(t, iter.Error())
}

func TestLevelIterReverseSkipsEmptyTables(t *testing.T) {
	var opened []*fakeIter
	files, newIters := newTestLevel([][]string{
		{"a#1,SET:a"},
		{"c#1,SET:c"},
	}, &opened)
	// The second table's bounds start below "c", so SeekLT("c") opens it,
	// finds nothing and moves into the first table.
	files[1].Smallest = base.ParseInternalKey("b#9,SET")
	iter := newLevelIter(DefaultComparer.Compare, newIters, files)
	defer iter.Close()
	k, _ := iter.SeekLT(base.MakeSearchKey([]byte("c")))
	require.Equal(t, "a#1,SET", k.String())
	require.Len(t, opened, 2)
	require.True(t, opened[0].closed)
}
