// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func testOptions(fs vfs.FS) *Options {
	return &Options{
		FS:              fs,
		CreateIfMissing: true,
		Logger:          base.NoopLogger{},
	}
}

func openTestDB(t *testing.T, dirname string, opts *Options) *DB {
	t.Helper()
	d, err := Open(dirname, opts)
	require.NoError(t, err)
	return d
}

// requireGet checks the value of key, where an empty expected value means
// the key is absent.
func requireGet(t *testing.T, r Reader, key, expected string) {
	t.Helper()
	v, err := r.Get([]byte(key))
	if expected == "" {
		require.ErrorIs(t, err, ErrNotFound, "key %q", key)
		return
	}
	require.NoError(t, err, "key %q", key)
	require.Equal(t, expected, string(v), "key %q", key)
}

// scan returns the iterator's entries as "key:value" strings.
func scan(t *testing.T, iter *Iterator) []string {
	t.Helper()
	var res []string
	for valid := iter.First(); valid; valid = iter.Next() {
		res = append(res, fmt.Sprintf("%s:%s", iter.Key(), iter.Value()))
	}
	require.NoError(t, iter.Error())
	require.NoError(t, iter.Close())
	return res
}

// scanReverse is like scan, but walks the iterator from its last entry
// backward.
func scanReverse(t *testing.T, iter *Iterator) []string {
	t.Helper()
	var res []string
	for valid := iter.Last(); valid; valid = iter.Prev() {
		res = append(res, fmt.Sprintf("%s:%s", iter.Key(), iter.Value()))
	}
	require.NoError(t, iter.Error())
	require.NoError(t, iter.Close())
	return res
}

// requireAt checks that the iterator is valid and positioned at key with
// the given value.
func requireAt(t *testing.T, iter *Iterator, valid bool, key, value string) {
	t.Helper()
	require.True(t, valid, "expected %s", key)
	require.Equal(t, key, string(iter.Key()))
	require.Equal(t, value, string(iter.Value()))
}

// tableCount returns the number of live tables in the DB.
func tableCount(d *DB) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.versions.currentVersion().NumFiles()
}

func TestBasicReadWrite(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer func() { require.NoError(t, d.Close()) }()

	requireGet(t, d, "a", "")
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), NoSync))
	requireGet(t, d, "a", "1")
	requireGet(t, d, "b", "2")

	require.NoError(t, d.Set([]byte("a"), []byte("3"), Sync))
	requireGet(t, d, "a", "3")
	require.NoError(t, d.Delete([]byte("b"), nil))
	requireGet(t, d, "b", "")

	// Reads are unchanged once the memtable is flushed to a table.
	require.NoError(t, d.Flush())
	require.Equal(t, 1, tableCount(d))
	requireGet(t, d, "a", "3")
	requireGet(t, d, "b", "")

	// A deleted key can be set again, shadowing both the table's tombstone
	// and the value below it.
	require.NoError(t, d.Set([]byte("b"), []byte("4"), nil))
	requireGet(t, d, "b", "4")

	// The returned value is owned by the caller.
	v, err := d.Get([]byte("a"))
	require.NoError(t, err)
	v[0] = 'x'
	requireGet(t, d, "a", "3")
}

func TestBatchAtomicity(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer d.Close()

	var b Batch
	require.NoError(t, b.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, b.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, b.Delete([]byte("a"), nil))
	require.NoError(t, d.Apply(&b, nil))
	require.Equal(t, SeqNum(1), b.SeqNum())

	// The delete has the higher sequence number within the batch.
	requireGet(t, d, "a", "")
	requireGet(t, d, "b", "2")
	require.Equal(t, uint64(3), d.mu.versions.visibleSeqNum.Load())

	require.NoError(t, d.Apply(&Batch{}, nil))
	require.Equal(t, uint64(3), d.mu.versions.visibleSeqNum.Load())
	require.Error(t, d.Apply(nil, nil))
}

func TestSnapshotScenario(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer d.Close()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	s, err := d.NewSnapshot()
	require.NoError(t, err)
	require.Equal(t, SeqNum(1), s.SeqNum())
	require.NoError(t, d.Set([]byte("a"), []byte("2"), nil))

	requireGet(t, d, "a", "2")
	requireGet(t, s, "a", "1")

	require.NoError(t, d.Delete([]byte("a"), nil))
	requireGet(t, d, "a", "")
	requireGet(t, s, "a", "1")

	// The snapshot survives a flush.
	require.NoError(t, d.Flush())
	requireGet(t, s, "a", "1")
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), ErrClosed)
	_, err = s.Get([]byte("a"))
	require.ErrorIs(t, err, ErrClosed)

	// Compacting to the bottom level leaves no entry for the key anywhere.
	require.NoError(t, d.Compact(nil, nil))
	requireGet(t, d, "a", "")
	require.Equal(t, 0, tableCount(d))

	readState := d.loadReadState()
	defer readState.unref()
	for _, m := range readState.memtables {
		require.True(t, m.empty())
	}
}

func TestSnapshotPinsEntriesThroughCompaction(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer d.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Set([]byte("k"), []byte(fmt.Sprint(i)), nil))
	}
	s, err := d.NewSnapshot()
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, d.Delete([]byte("k"), nil))
	require.NoError(t, d.Set([]byte("other"), []byte("x"), nil))

	require.NoError(t, d.Compact(nil, nil))
	requireGet(t, d, "k", "")
	requireGet(t, s, "k", "2")

	iter, err := s.NewIter(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"k:2"}, scan(t, iter))
}

func TestIterator(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer d.Close()

	for _, k := range []string{"e", "a", "c", "b", "d"} {
		require.NoError(t, d.Set([]byte(k), []byte(k+k), nil))
	}
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("c"), []byte("C"), nil))
	require.NoError(t, d.Delete([]byte("d"), nil))
	require.NoError(t, d.Set([]byte("f"), []byte("ff"), nil))

	iter, err := d.NewIter(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a:aa", "b:bb", "c:C", "e:ee", "f:ff"}, scan(t, iter))

	iter, err = d.NewIter(&IterOptions{LowerBound: []byte("b"), UpperBound: []byte("e")})
	require.NoError(t, err)
	require.Equal(t, []string{"b:bb", "c:C"}, scan(t, iter))

	iter, err = d.NewIter(&IterOptions{LowerBound: []byte("b")})
	require.NoError(t, err)
	require.True(t, iter.SeekGE([]byte("a")))
	require.Equal(t, "b", string(iter.Key()))
	require.True(t, iter.SeekGE([]byte("cc")))
	require.Equal(t, "e", string(iter.Key()))
	require.True(t, iter.SeekGE([]byte("d")))
	require.Equal(t, "e", string(iter.Key()))
	require.False(t, iter.SeekGE([]byte("g")))
	require.Nil(t, iter.Key())
	require.False(t, iter.Next())
	// The iterator is restartable.
	require.True(t, iter.First())
	require.Equal(t, "b", string(iter.Key()))
	require.NoError(t, iter.Close())
	require.ErrorIs(t, iter.Close(), ErrClosed)
	require.False(t, iter.First())
}

func TestIteratorReverse(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer d.Close()

	// Older versions live in a table, newer ones and a tombstone in the
	// memtable.
	for _, k := range []string{"e", "a", "c", "b", "d"} {
		require.NoError(t, d.Set([]byte(k), []byte(k+k), nil))
	}
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("c"), []byte("C"), nil))
	require.NoError(t, d.Delete([]byte("d"), nil))
	require.NoError(t, d.Set([]byte("f"), []byte("ff"), nil))

	iter, err := d.NewIter(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"f:ff", "e:ee", "c:C", "b:bb", "a:aa"}, scanReverse(t, iter))

	iter, err = d.NewIter(nil)
	require.NoError(t, err)
	requireAt(t, iter, iter.SeekLT([]byte("d")), "c", "C")
	requireAt(t, iter, iter.Prev(), "b", "bb")
	requireAt(t, iter, iter.Next(), "c", "C")
	// Next steps over the deleted "d".
	requireAt(t, iter, iter.Next(), "e", "ee")
	requireAt(t, iter, iter.Prev(), "c", "C")
	requireAt(t, iter, iter.Prev(), "b", "bb")
	requireAt(t, iter, iter.Prev(), "a", "aa")
	require.False(t, iter.Prev())
	require.Nil(t, iter.Key())
	require.False(t, iter.Next())
	requireAt(t, iter, iter.Last(), "f", "ff")
	require.False(t, iter.SeekLT([]byte("a")))
	requireAt(t, iter, iter.SeekLT([]byte("zz")), "f", "ff")
	requireAt(t, iter, iter.SeekGE([]byte("d")), "e", "ee")
	requireAt(t, iter, iter.Prev(), "c", "C")
	require.NoError(t, iter.Close())
	require.False(t, iter.Last())

	iter, err = d.NewIter(&IterOptions{LowerBound: []byte("b"), UpperBound: []byte("e")})
	require.NoError(t, err)
	require.Equal(t, []string{"c:C", "b:bb"}, scanReverse(t, iter))

	iter, err = d.NewIter(&IterOptions{LowerBound: []byte("b"), UpperBound: []byte("e")})
	require.NoError(t, err)
	requireAt(t, iter, iter.SeekLT([]byte("zz")), "c", "C")
	requireAt(t, iter, iter.Prev(), "b", "bb")
	require.False(t, iter.Prev())
	requireAt(t, iter, iter.Last(), "c", "C")
	require.False(t, iter.Next())
	require.NoError(t, iter.Close())
}

func TestIteratorIsolation(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer d.Close()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("1"), nil))
	iter, err := d.NewIter(nil)
	require.NoError(t, err)

	// Writes after the iterator was created are invisible to it, even once
	// flushed and compacted.
	require.NoError(t, d.Set([]byte("a"), []byte("2"), nil))
	require.NoError(t, d.Delete([]byte("b"), nil))
	require.NoError(t, d.Set([]byte("c"), []byte("2"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Compact(nil, nil))

	require.Equal(t, []string{"a:1", "b:1"}, scan(t, iter))

	iter, err = d.NewIter(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a:2", "c:2"}, scan(t, iter))
}

func TestClosed(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Close())

	_, err := d.Get([]byte("a"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, d.Set([]byte("a"), []byte("1"), nil), ErrClosed)
	require.ErrorIs(t, d.Delete([]byte("a"), nil), ErrClosed)
	require.ErrorIs(t, d.Apply(&Batch{}, nil), ErrClosed)
	_, err = d.NewIter(nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = d.NewSnapshot()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, d.Flush(), ErrClosed)
	require.ErrorIs(t, d.Compact(nil, nil), ErrClosed)

	err = d.Close()
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, IsCorruptionError(err))
}

func TestMultipleDBs(t *testing.T) {
	fs := vfs.NewMem()
	d1 := openTestDB(t, "db1", testOptions(fs))
	d2 := openTestDB(t, "db2", testOptions(fs))

	require.NoError(t, d1.Set([]byte("k"), []byte("one"), nil))
	require.NoError(t, d2.Set([]byte("k"), []byte("two"), nil))
	require.NoError(t, d2.Flush())
	requireGet(t, d1, "k", "one")
	requireGet(t, d2, "k", "two")

	// Each DB's state is its own: closing one leaves the other usable.
	require.NoError(t, d1.Close())
	requireGet(t, d2, "k", "two")
	require.NoError(t, d2.Close())

	d1 = openTestDB(t, "db1", testOptions(fs))
	defer d1.Close()
	requireGet(t, d1, "k", "one")
}

func TestConcurrentWriters(t *testing.T) {
	opts := testOptions(vfs.NewMem())
	opts.WriteBufferSize = 16 << 10
	d := openTestDB(t, "db", opts)
	defer d.Close()

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("%d-%04d", w, i))
				if err := d.Set(key, key, &WriteOptions{Sync: i%50 == 0}); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, uint64(writers*perWriter), d.mu.versions.visibleSeqNum.Load())
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("%d-%04d", w, i)
			requireGet(t, d, key, key)
		}
	}
	iter, err := d.NewIter(nil)
	require.NoError(t, err)
	require.Len(t, scan(t, iter), writers*perWriter)
}

// TestRandomizedOperations checks the DB against an in-memory model across
// flushes and compactions.
func TestRandomizedOperations(t *testing.T) {
	opts := testOptions(vfs.NewMem())
	opts.WriteBufferSize = 8 << 10
	opts.TargetFileSize = 4 << 10
	opts.LBaseMaxBytes = 16 << 10
	opts.L0CompactionThreshold = 2
	d := openTestDB(t, "db", opts)
	defer d.Close()

	rng := rand.New(rand.NewSource(uint64(42)))
	model := make(map[string]string)
	for i := 0; i < 3000; i++ {
		key := fmt.Sprintf("key-%04d", rng.Intn(500))
		switch rng.Intn(10) {
		case 0, 1:
			require.NoError(t, d.Delete([]byte(key), NoSync))
			delete(model, key)
		default:
			value := fmt.Sprintf("%s-%d-%s", key, i, bytes.Repeat([]byte("v"), rng.Intn(64)))
			require.NoError(t, d.Set([]byte(key), []byte(value), NoSync))
			model[key] = value
		}
		if i%1000 == 999 {
			require.NoError(t, d.Flush())
		}
	}

	check := func() {
		for i := 0; i < 500; i++ {
			key := fmt.Sprintf("key-%04d", i)
			requireGet(t, d, key, model[key])
		}
		iter, err := d.NewIter(nil)
		require.NoError(t, err)
		var prev []byte
		n := 0
		for valid := iter.First(); valid; valid = iter.Next() {
			if prev != nil {
				require.Less(t, bytes.Compare(prev, iter.Key()), 0)
			}
			prev = append(prev[:0], iter.Key()...)
			require.Equal(t, model[string(iter.Key())], string(iter.Value()))
			n++
		}
		require.NoError(t, iter.Close())
		require.Equal(t, len(model), n)

		keys := make([]string, 0, len(model))
		for k := range model {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		iter, err = d.NewIter(nil)
		require.NoError(t, err)
		var reverse []string
		for valid := iter.Last(); valid; valid = iter.Prev() {
			reverse = append(reverse, string(iter.Key()))
		}
		require.Len(t, reverse, len(keys))
		for j := range keys {
			require.Equal(t, keys[len(keys)-1-j], reverse[j])
		}

		// Walk in random directions, tracking the expected position in keys.
		pos := -1
		for step := 0; step < 500; step++ {
			var valid bool
			positioned := pos >= 0 && pos < len(keys)
			switch op := rng.Intn(6); {
			case op == 0 || !positioned && op >= 4:
				target := fmt.Sprintf("key-%04d", rng.Intn(520))
				valid = iter.SeekGE([]byte(target))
				pos = sort.SearchStrings(keys, target)
			case op == 1:
				target := fmt.Sprintf("key-%04d", rng.Intn(520))
				valid = iter.SeekLT([]byte(target))
				pos = sort.SearchStrings(keys, target) - 1
			case op == 2:
				valid = iter.First()
				pos = 0
			case op == 3:
				valid = iter.Last()
				pos = len(keys) - 1
			case op == 4:
				valid = iter.Next()
				pos++
			default:
				valid = iter.Prev()
				pos--
			}
			if pos < 0 || pos >= len(keys) {
				require.False(t, valid)
				continue
			}
			requireAt(t, iter, valid, keys[pos], model[keys[pos]])
		}
		require.NoError(t, iter.Close())
	}
	check()

	require.NoError(t, d.Compact(nil, nil))
	check()

	// Levels below L0 never hold overlapping tables.
	d.mu.Lock()
	v := d.mu.versions.currentVersion()
	require.NoError(t, v.CheckOrdering(d.cmp, d.opts.Comparer.FormatKey))
	d.mu.Unlock()
}

func TestBackgroundErrorIsSticky(t *testing.T) {
	d := openTestDB(t, "db", testOptions(vfs.NewMem()))
	defer d.Close()

	injected := errors.New("injected")
	d.commitWriteFailed(injected)
	require.ErrorIs(t, d.Set([]byte("a"), []byte("b"), nil), injected)
	require.ErrorIs(t, d.Compact(nil, nil), injected)
}
