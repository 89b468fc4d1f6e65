// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/bloom"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

type kv struct {
	key   base.InternalKey
	value []byte
}

// makeKVs returns n sorted entries. Every third user key carries an older
// tombstone as well.
func makeKVs(n int) []kv {
	var kvs []kv
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key%06d", i))
		kvs = append(kvs, kv{
			key:   base.MakeInternalKey(k, base.SeqNum(1000+i), base.InternalKeyKindSet),
			value: []byte(fmt.Sprintf("value-%d-%s", i, bytes.Repeat([]byte{'x'}, i%50))),
		})
		if i%3 == 0 {
			kvs = append(kvs, kv{
				key: base.MakeInternalKey(k, base.SeqNum(i), base.InternalKeyKindDelete),
			})
		}
	}
	return kvs
}

func writeTable(t *testing.T, fs vfs.FS, name string, kvs []kv, o WriterOptions) *WriterMetadata {
	t.Helper()
	f, err := fs.Create(name)
	require.NoError(t, err)
	w := NewWriter(f, o)
	for _, e := range kvs {
		require.NoError(t, w.Add(e.key, e.value))
	}
	require.NoError(t, w.Close())
	meta, err := w.Metadata()
	require.NoError(t, err)
	return meta
}

func openTable(t *testing.T, fs vfs.FS, name string, o ReaderOptions) *Reader {
	t.Helper()
	f, err := fs.Open(name)
	require.NoError(t, err)
	r, err := NewReader(f, o)
	require.NoError(t, err)
	return r
}

func TestWriterReaderRoundTrip(t *testing.T) {
	kvs := makeKVs(2000)
	for _, compression := range []Compression{NoCompression, SnappyCompression, ZstdCompression} {
		for _, blockSize := range []int{1, 64, 4096} {
			for _, filter := range []bool{false, true} {
				name := fmt.Sprintf("%s/block=%d/filter=%t", compression, blockSize, filter)
				t.Run(name, func(t *testing.T) {
					fs := vfs.NewMem()
					wo := WriterOptions{
						BlockSize:            blockSize,
						BlockRestartInterval: 4,
						Compression:          compression,
					}
					ro := ReaderOptions{}
					if filter {
						wo.FilterPolicy = bloom.FilterPolicy(10)
						ro.Filters = map[string]base.FilterPolicy{
							wo.FilterPolicy.Name(): wo.FilterPolicy,
						}
					}
					meta := writeTable(t, fs, "000001.sst", kvs, wo)
					require.Equal(t, kvs[0].key.String(), meta.Smallest.String())
					require.Equal(t, kvs[len(kvs)-1].key.String(), meta.Largest.String())
					require.Equal(t, base.SeqNum(0), meta.SmallestSeqNum)
					require.Equal(t, base.SeqNum(2999), meta.LargestSeqNum)

					r := openTable(t, fs, "000001.sst", ro)
					defer r.Close()
					require.Equal(t, uint64(len(kvs)), r.Properties.NumEntries)
					require.Equal(t, uint64(667), r.Properties.NumDeletions)
					require.Equal(t, compression.String(), r.Properties.CompressionName)
					require.Equal(t, int64(meta.Size), r.Size())

					// Full scan.
					it, err := r.NewIter()
					require.NoError(t, err)
					j := 0
					for k, v := it.First(); k != nil; k, v = it.Next() {
						require.Equal(t, kvs[j].key.String(), k.String())
						require.Equal(t, string(kvs[j].value), string(v))
						j++
					}
					require.NoError(t, it.Close())
					require.Equal(t, len(kvs), j)

					// Seeks to every key land exactly on it.
					it, err = r.NewIter()
					require.NoError(t, err)
					for j := 0; j < len(kvs); j += 7 {
						k, v := it.SeekGE(kvs[j].key)
						require.NotNil(t, k)
						require.Equal(t, kvs[j].key.String(), k.String())
						require.Equal(t, string(kvs[j].value), string(v))
						if j+1 < len(kvs) {
							k, _ = it.Next()
							require.Equal(t, kvs[j+1].key.String(), k.String())
						}
					}
					k, _ := it.SeekGE(base.MakeSearchKey([]byte("zzz")))
					require.Nil(t, k)
					require.NoError(t, it.Close())

					// Reverse scan.
					it, err = r.NewIter()
					require.NoError(t, err)
					j = len(kvs) - 1
					for k, v := it.Last(); k != nil; k, v = it.Prev() {
						require.Equal(t, kvs[j].key.String(), k.String())
						require.Equal(t, string(kvs[j].value), string(v))
						j--
					}
					require.NoError(t, it.Error())
					require.Equal(t, -1, j)

					// SeekLT lands on the preceding entry, and the iterator
					// can turn around from there.
					for j := 1; j < len(kvs); j += 11 {
						k, v := it.SeekLT(kvs[j].key)
						require.NotNil(t, k)
						require.Equal(t, kvs[j-1].key.String(), k.String())
						require.Equal(t, string(kvs[j-1].value), string(v))
						k, _ = it.Next()
						require.Equal(t, kvs[j].key.String(), k.String())
						if j >= 2 {
							k, _ = it.Prev()
							require.Equal(t, kvs[j-1].key.String(), k.String())
							k, _ = it.Prev()
							require.Equal(t, kvs[j-2].key.String(), k.String())
						}
					}
					k, _ = it.SeekLT(kvs[0].key)
					require.Nil(t, k)
					k, _ = it.SeekLT(base.MakeSearchKey([]byte("zzz")))
					require.Equal(t, kvs[len(kvs)-1].key.String(), k.String())
					require.NoError(t, it.Close())

					// Point lookups.
					for j := 0; j < 2000; j += 13 {
						uk := []byte(fmt.Sprintf("key%06d", j))
						k, v, err := r.Get(base.MakeSearchKey(uk))
						require.NoError(t, err)
						require.Equal(t, base.InternalKeyKindSet, k.Kind())
						require.Equal(t, fmt.Sprintf("value-%d-%s", j, bytes.Repeat([]byte{'x'}, j%50)), string(v))
						if j%3 == 0 {
							// A read below the newer version sees the tombstone.
							k, _, err = r.Get(base.MakeInternalKey(uk, base.SeqNum(1000+j-1), base.InternalKeyKindMax))
							require.NoError(t, err)
							require.Equal(t, base.InternalKeyKindDelete, k.Kind())
						}
					}
					for _, missing := range []string{"key", "key0000005", "key999999", "a", "zz"} {
						_, _, err := r.Get(base.MakeSearchKey([]byte(missing)))
						require.True(t, errors.Is(err, base.ErrNotFound), "%s: %v", missing, err)
					}
				})
			}
		}
	}
}

func TestWriterOutOfOrder(t *testing.T) {
	testCases := [][2]string{
		{"b#1,SET", "a#2,SET"},
		{"a#1,SET", "a#1,SET"},
		{"a#1,SET", "a#2,SET"},
		{"a#1,DEL", "a#1,SET"},
	}
	for _, tc := range testCases {
		t.Run(tc[0]+"/"+tc[1], func(t *testing.T) {
			fs := vfs.NewMem()
			f, err := fs.Create("t.sst")
			require.NoError(t, err)
			w := NewWriter(f, WriterOptions{})
			require.NoError(t, w.Add(ikey(tc[0]), nil))
			err = w.Add(ikey(tc[1]), nil)
			require.ErrorContains(t, err, "strictly increasing")
			// The writer stays failed.
			require.Error(t, w.Add(ikey("z#1,SET"), nil))
			require.Error(t, w.Close())
		})
	}
}

func TestWriterInvalidKind(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("t.sst")
	require.NoError(t, err)
	w := NewWriter(f, WriterOptions{})
	err = w.Add(base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKind(7)), nil)
	require.True(t, errors.Is(err, base.ErrInvalidKind))
}

func TestEmptyTable(t *testing.T) {
	fs := vfs.NewMem()
	writeTable(t, fs, "empty.sst", nil, WriterOptions{FilterPolicy: bloom.FilterPolicy(10)})
	r := openTable(t, fs, "empty.sst", ReaderOptions{})
	defer r.Close()
	it, err := r.NewIter()
	require.NoError(t, err)
	k, _ := it.First()
	require.Nil(t, k)
	k, _ = it.SeekGE(ikey("a#1,SET"))
	require.Nil(t, k)
	k, _ = it.Last()
	require.Nil(t, k)
	k, _ = it.SeekLT(ikey("a#1,SET"))
	require.Nil(t, k)
	require.NoError(t, it.Close())
	_, _, err = r.Get(base.MakeSearchKey([]byte("a")))
	require.True(t, errors.Is(err, base.ErrNotFound))
}

func TestFilterSkipsBlocks(t *testing.T) {
	fs := vfs.NewMem()
	fp := bloom.FilterPolicy(10)
	var kvs []kv
	for i := 0; i < 1000; i += 2 {
		kvs = append(kvs, kv{
			key:   base.MakeInternalKey([]byte(fmt.Sprintf("%05d", i)), 1, base.InternalKeyKindSet),
			value: []byte("v"),
		})
	}
	writeTable(t, fs, "f.sst", kvs, WriterOptions{BlockSize: 256, FilterPolicy: fp})

	f, err := fs.Open("f.sst")
	require.NoError(t, err)
	counting := &countingFile{ReadableFile: f}
	r, err := NewReader(counting, ReaderOptions{Filters: map[string]base.FilterPolicy{fp.Name(): fp}})
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.filter.valid())

	// Absent keys are mostly answered without reading a data block.
	counting.reads = 0
	for i := 1; i < 1000; i += 2 {
		_, _, err := r.Get(base.MakeSearchKey([]byte(fmt.Sprintf("%05d", i))))
		require.True(t, errors.Is(err, base.ErrNotFound))
	}
	require.Less(t, counting.reads, 50)
}

type countingFile struct {
	ReadableFile
	reads int
}

func (f *countingFile) ReadAt(p []byte, off int64) (int, error) {
	f.reads++
	return f.ReadableFile.ReadAt(p, off)
}

func TestCompressionFallback(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 4096)
	for i := range random {
		random[i] = byte(rng.Uint32())
	}
	repetitive := bytes.Repeat([]byte("abcdefgh"), 512)

	for _, c := range []Compression{SnappyCompression, ZstdCompression} {
		blockType, out := compressBlock(c, random, nil)
		require.Equal(t, noCompressionBlockType, blockType, c.String())
		require.Equal(t, random, out)

		blockType, out = compressBlock(c, repetitive, nil)
		require.NotEqual(t, noCompressionBlockType, blockType, c.String())
		require.Less(t, len(out), len(repetitive)/2)
		decoded, err := decompressBlock(blockType, out)
		require.NoError(t, err)
		require.Equal(t, repetitive, decoded)
	}

	_, err := decompressBlock(9, []byte("x"))
	require.True(t, base.IsCorruptionError(err))
}

func TestParseCompression(t *testing.T) {
	for c := DefaultCompression; c < NCompression; c++ {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
	got, err := ParseCompression("snappy")
	require.NoError(t, err)
	require.Equal(t, SnappyCompression, got)
	_, err = ParseCompression("lz4")
	require.Error(t, err)
}

func readAllFile(t *testing.T, fs vfs.FS, name string) []byte {
	f, err := fs.Open(name)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return b
}

func writeAllFile(t *testing.T, fs vfs.FS, name string, b []byte) {
	f, err := fs.Create(name)
	require.NoError(t, err)
	_, err = f.Write(b)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestCorruption(t *testing.T) {
	fs := vfs.NewMem()
	kvs := makeKVs(500)
	writeTable(t, fs, "good.sst", kvs, WriterOptions{BlockSize: 512, Compression: NoCompression})
	good := readAllFile(t, fs, "good.sst")

	t.Run("bad-magic", func(t *testing.T) {
		b := append([]byte(nil), good...)
		b[len(b)-1] ^= 0xff
		writeAllFile(t, fs, "bad.sst", b)
		f, err := fs.Open("bad.sst")
		require.NoError(t, err)
		_, err = NewReader(f, ReaderOptions{})
		require.True(t, base.IsCorruptionError(err), "%v", err)
	})

	t.Run("too-short", func(t *testing.T) {
		writeAllFile(t, fs, "short.sst", good[:20])
		f, err := fs.Open("short.sst")
		require.NoError(t, err)
		_, err = NewReader(f, ReaderOptions{})
		require.True(t, base.IsCorruptionError(err), "%v", err)
	})

	t.Run("data-block-checksum", func(t *testing.T) {
		b := append([]byte(nil), good...)
		// The first data block starts at offset 0.
		b[10] ^= 0x01
		writeAllFile(t, fs, "bad.sst", b)
		r := openTable(t, fs, "bad.sst", ReaderOptions{})
		defer r.Close()

		it, err := r.NewIter()
		require.NoError(t, err)
		k, _ := it.First()
		require.Nil(t, k)
		require.True(t, base.IsCorruptionError(it.Close()))

		_, _, err = r.Get(base.MakeSearchKey(kvs[0].key.UserKey))
		require.True(t, base.IsCorruptionError(err), "%v", err)
	})

	t.Run("index-block-checksum", func(t *testing.T) {
		ft, err := readFooter(good[len(good)-footerLen:])
		require.NoError(t, err)
		b := append([]byte(nil), good...)
		b[ft.indexBH.offset+1] ^= 0x01
		writeAllFile(t, fs, "bad.sst", b)
		f, err := fs.Open("bad.sst")
		require.NoError(t, err)
		_, err = NewReader(f, ReaderOptions{})
		require.True(t, base.IsCorruptionError(err), "%v", err)
	})
}

func TestComparerMismatch(t *testing.T) {
	fs := vfs.NewMem()
	writeTable(t, fs, "t.sst", makeKVs(10), WriterOptions{})
	f, err := fs.Open("t.sst")
	require.NoError(t, err)
	cmp := *base.DefaultComparer
	cmp.Name = "other"
	_, err = NewReader(f, ReaderOptions{Comparer: &cmp})
	require.ErrorContains(t, err, "comparer")
}

func TestFilterBlock(t *testing.T) {
	fp := bloom.FilterPolicy(10)
	w := newFilterBlockWriter(fp)
	w.addKey([]byte("foo"))
	w.addKey([]byte("bar"))
	require.NoError(t, w.finishBlock(3000))
	// The block starting at 3000 is covered by filter 1.
	w.addKey([]byte("box"))
	require.NoError(t, w.finishBlock(9000))
	w.addKey([]byte("hello"))
	b, err := w.finish()
	require.NoError(t, err)

	var r filterBlockReader
	require.True(t, r.init(b, fp))
	require.True(t, r.mayContain(0, []byte("foo")))
	require.True(t, r.mayContain(0, []byte("bar")))
	require.False(t, r.mayContain(0, []byte("box")))
	require.True(t, r.mayContain(3000, []byte("box")))
	require.False(t, r.mayContain(3000, []byte("foo")))
	require.True(t, r.mayContain(9000, []byte("hello")))
	require.False(t, r.mayContain(9000, []byte("box")))
}
