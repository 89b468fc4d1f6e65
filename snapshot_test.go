// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/stretchr/testify/require"
)

func TestSnapshotList(t *testing.T) {
	var l snapshotList
	l.init()
	require.True(t, l.empty())
	_, ok := l.earliest()
	require.False(t, ok)

	s5a := &Snapshot{seqNum: 5}
	s3 := &Snapshot{seqNum: 3}
	s5b := &Snapshot{seqNum: 5}
	s9 := &Snapshot{seqNum: 9}
	for _, s := range []*Snapshot{s5a, s3, s5b, s9} {
		l.add(s)
	}
	require.Equal(t, 4, l.count())
	require.Equal(t, []SeqNum{3, 5, 5, 9}, l.toSlice())
	seqNum, ok := l.earliest()
	require.True(t, ok)
	require.Equal(t, SeqNum(3), seqNum)

	// Snapshots at the same sequence number are tracked separately.
	l.remove(s5a)
	require.Equal(t, []SeqNum{3, 5, 9}, l.toSlice())
	l.remove(s3)
	seqNum, _ = l.earliest()
	require.Equal(t, SeqNum(5), seqNum)
	l.remove(s5b)
	l.remove(s9)
	require.True(t, l.empty())
}

func TestSnapshotReads(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer func() { require.NoError(t, d.Close()) }()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("1"), nil))
	s1, err := d.NewSnapshot()
	require.NoError(t, err)
	require.Equal(t, SeqNum(2), s1.SeqNum())

	require.NoError(t, d.Set([]byte("a"), []byte("2"), nil))
	require.NoError(t, d.Delete([]byte("b"), nil))
	require.NoError(t, d.Set([]byte("c"), []byte("2"), nil))
	s2, err := d.NewSnapshot()
	require.NoError(t, err)

	require.NoError(t, d.Set([]byte("a"), []byte("3"), nil))

	check := func() {
		requireGet(t, s1, "a", "1")
		requireGet(t, s1, "b", "1")
		requireGet(t, s1, "c", "")
		requireGet(t, s2, "a", "2")
		requireGet(t, s2, "b", "")
		requireGet(t, s2, "c", "2")
		requireGet(t, d, "a", "3")

		iter, err := s1.NewIter(nil)
		require.NoError(t, err)
		require.Equal(t, []string{"a:1", "b:1"}, scan(t, iter))
		iter, err = s2.NewIter(nil)
		require.NoError(t, err)
		require.Equal(t, []string{"a:2", "c:2"}, scan(t, iter))
	}
	check()

	// Flushing and compacting keeps every version a snapshot can see.
	require.NoError(t, d.Flush())
	check()
	require.NoError(t, d.Compact(nil, nil))
	check()

	m := d.Metrics()
	require.Equal(t, 2, m.Snapshots.Count)
	require.Equal(t, SeqNum(2), m.Snapshots.EarliestSeqNum)

	require.NoError(t, s1.Close())
	require.NoError(t, s2.Close())
	require.ErrorIs(t, s1.Close(), ErrClosed)
	_, err = s1.Get([]byte("a"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = s1.NewIter(nil)
	require.ErrorIs(t, err, ErrClosed)
	require.Zero(t, d.Metrics().Snapshots.Count)

	iter, err := d.NewIter(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a:3", "c:2"}, scan(t, iter))
}

func TestSnapshotIterBothDirections(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer func() { require.NoError(t, d.Close()) }()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, d.Set([]byte(k), []byte("1"), nil))
	}
	s1, err := d.NewSnapshot()
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("a"), []byte("2"), nil))
	require.NoError(t, d.Delete([]byte("b"), nil))
	require.NoError(t, d.Set([]byte("d"), []byte("2"), nil))
	s2, err := d.NewSnapshot()
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("c"), []byte("3"), nil))
	require.NoError(t, d.Delete([]byte("a"), nil))

	check := func() {
		for _, c := range []struct {
			r        interface{ NewIter(*IterOptions) (*Iterator, error) }
			expected []string
		}{
			{s1, []string{"a:1", "b:1", "c:1"}},
			{s2, []string{"a:2", "c:1", "d:2"}},
			{d, []string{"c:3", "d:2"}},
		} {
			iter, err := c.r.NewIter(nil)
			require.NoError(t, err)
			require.Equal(t, c.expected, scan(t, iter))
			iter, err = c.r.NewIter(nil)
			require.NoError(t, err)
			var rev []string
			for j := len(c.expected) - 1; j >= 0; j-- {
				rev = append(rev, c.expected[j])
			}
			require.Equal(t, rev, scanReverse(t, iter))
		}

		// s2 sees the tombstone for "b" and none of the later writes.
		iter, err := s2.NewIter(nil)
		require.NoError(t, err)
		requireAt(t, iter, iter.Last(), "d", "2")
		requireAt(t, iter, iter.Prev(), "c", "1")
		requireAt(t, iter, iter.Prev(), "a", "2")
		requireAt(t, iter, iter.Next(), "c", "1")
		requireAt(t, iter, iter.Next(), "d", "2")
		require.False(t, iter.Next())
		requireAt(t, iter, iter.SeekLT([]byte("c")), "a", "2")
		require.False(t, iter.Prev())
		requireAt(t, iter, iter.SeekGE([]byte("b")), "c", "1")
		requireAt(t, iter, iter.Prev(), "a", "2")
		require.NoError(t, iter.Close())

		// s1 predates the tombstone, so "b" is still live.
		iter, err = s1.NewIter(nil)
		require.NoError(t, err)
		requireAt(t, iter, iter.SeekLT([]byte("c")), "b", "1")
		requireAt(t, iter, iter.Prev(), "a", "1")
		requireAt(t, iter, iter.Next(), "b", "1")
		requireAt(t, iter, iter.Next(), "c", "1")
		require.False(t, iter.Next())
		require.NoError(t, iter.Close())
	}
	check()
	require.NoError(t, d.Flush())
	check()
	require.NoError(t, d.Compact(nil, nil))
	check()

	require.NoError(t, s1.Close())
	require.NoError(t, s2.Close())
}

func TestSnapshotManyVersions(t *testing.T) {
	opts := testOptions(vfs.NewMem())
	opts.WriteBufferSize = 4 << 10
	d := openTestDB(t, "db", opts)
	defer func() { require.NoError(t, d.Close()) }()

	const n = 500
	var snaps []*Snapshot
	for i := 0; i < n; i++ {
		require.NoError(t, d.Set([]byte("k"), []byte(fmt.Sprint(i)), NoSync))
		if i%100 == 0 {
			s, err := d.NewSnapshot()
			require.NoError(t, err)
			snaps = append(snaps, s)
		}
	}
	require.NoError(t, d.Compact(nil, nil))
	for i, s := range snaps {
		requireGet(t, s, "k", fmt.Sprint(i*100))
		require.NoError(t, s.Close())
	}
	requireGet(t, d, "k", fmt.Sprint(n-1))
}

func TestSnapshotConcurrentClose(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer func() { require.NoError(t, d.Close()) }()
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))

	snap, err := d.NewSnapshot()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v, err := snap.Get([]byte("a"))
				if errors.Is(err, ErrClosed) {
					return
				}
				require.NoError(t, err)
				require.Equal(t, "1", string(v))
			}
		}()
	}
	require.NoError(t, snap.Close())
	wg.Wait()

	_, err = snap.Get([]byte("a"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = snap.NewIter(nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, snap.Close(), ErrClosed)
	require.Zero(t, d.mu.snapshots.count())
}
