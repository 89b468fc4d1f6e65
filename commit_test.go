// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/record"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/stretchr/testify/require"
)

// testCommitEnv drives a commitPipeline against a single memtable and a WAL
// in a MemFS.
type testCommitEnv struct {
	mu            sync.Mutex
	logSeqNum     atomic.Uint64
	visibleSeqNum atomic.Uint64
	mem           *memTable
	fs            *vfs.MemFS
	log           *record.LogWriter
	rotations     int
	prepareErr    error
	writeErr      error
}

func newTestCommitEnv(t *testing.T) *testCommitEnv {
	e := &testCommitEnv{
		mem: newMemTable(memTableOptions{}),
		fs:  vfs.NewMem(),
	}
	f, err := e.fs.Create("000001.log")
	require.NoError(t, err)
	e.log = record.NewLogWriter(f, 1, record.LogWriterConfig{})
	return e
}

func (e *testCommitEnv) env() commitEnv {
	return commitEnv{
		visibleSeqNum: &e.visibleSeqNum,
		prepare: func(b *Batch) (*memTable, *record.LogWriter, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.prepareErr != nil {
				return nil, nil, e.prepareErr
			}
			if b == nil {
				e.rotations++
				return nil, nil, nil
			}
			e.mem.prepare(b)
			count := uint64(b.Count())
			b.setSeqNum(SeqNum(e.logSeqNum.Add(count) - count + 1))
			return e.mem, e.log, nil
		},
		apply: func(b *Batch, mem *memTable) error {
			err := mem.apply(b, b.SeqNum())
			mem.unref()
			return err
		},
		writeFailed: func(err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.writeErr = err
		},
	}
}

// records returns the batch reprs written to the WAL.
func (e *testCommitEnv) records(t *testing.T) [][]byte {
	require.NoError(t, e.log.Close())
	f, err := e.fs.Open("000001.log")
	require.NoError(t, err)
	defer f.Close()
	var res [][]byte
	r := record.NewReader(f)
	for {
		rr, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(rr)
		require.NoError(t, err)
		res = append(res, data)
	}
	return res
}

func TestCommitPipeline(t *testing.T) {
	e := newTestCommitEnv(t)
	p := newCommitPipeline(e.env())

	const n = 100
	batches := make([]*Batch, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		batches[i] = &Batch{}
		key := []byte(fmt.Sprintf("%03d", i))
		require.NoError(t, batches[i].Set(key, key, nil))
		require.NoError(t, batches[i].Delete(append(key, 'x'), nil))
		wg.Add(1)
		go func(b *Batch) {
			defer wg.Done()
			if err := p.Commit(b, i%10 == 0); err != nil {
				t.Error(err)
			}
		}(batches[i])
	}
	wg.Wait()

	require.Equal(t, uint64(2*n), e.visibleSeqNum.Load())
	require.Equal(t, uint64(2*n), e.logSeqNum.Load())

	// Every batch received its own contiguous range of sequence numbers.
	seen := make(map[SeqNum]bool)
	for _, b := range batches {
		s := b.SeqNum()
		require.NotZero(t, s)
		require.False(t, seen[s])
		require.False(t, seen[s+1])
		seen[s], seen[s+1] = true, true
	}

	// Each batch is visible at its own sequence numbers.
	for i, b := range batches {
		key := []byte(fmt.Sprintf("%03d", i))
		v, kind, found := e.mem.get(key, b.SeqNum())
		require.True(t, found)
		require.Equal(t, InternalKeyKindSet, kind)
		require.Equal(t, key, v)
		_, _, found = e.mem.get(key, b.SeqNum()-1)
		require.False(t, found)
	}

	// The WAL holds every entry once, in sequence number order.
	var entries uint32
	next := SeqNum(1)
	for _, data := range e.records(t) {
		var b Batch
		require.NoError(t, b.SetRepr(data))
		require.Equal(t, next, b.SeqNum())
		next += SeqNum(b.Count())
		entries += b.Count()
	}
	require.Equal(t, uint32(2*n), entries)
}

func TestCommitPipelineEmptyBatch(t *testing.T) {
	e := newTestCommitEnv(t)
	p := newCommitPipeline(e.env())
	require.NoError(t, p.Commit(&Batch{}, true))
	require.Zero(t, e.visibleSeqNum.Load())
	require.Empty(t, e.records(t))
}

func TestCommitPipelineRotate(t *testing.T) {
	e := newTestCommitEnv(t)
	p := newCommitPipeline(e.env())
	var b Batch
	require.NoError(t, b.Set([]byte("a"), []byte("b"), nil))
	require.NoError(t, p.Commit(&b, false))
	require.NoError(t, p.rotate())
	require.Equal(t, 1, e.rotations)
	require.Equal(t, uint64(1), e.visibleSeqNum.Load())
}

func TestCommitPipelinePrepareError(t *testing.T) {
	e := newTestCommitEnv(t)
	e.prepareErr = errors.New("injected")
	p := newCommitPipeline(e.env())
	var b Batch
	require.NoError(t, b.Set([]byte("a"), []byte("b"), nil))
	require.ErrorIs(t, p.Commit(&b, false), e.prepareErr)
	require.Zero(t, e.visibleSeqNum.Load())
}

// failingFile fails every write.
type failingFile struct {
	vfs.File
}

func (failingFile) Write([]byte) (int, error) {
	return 0, errors.New("injected write error")
}

func TestCommitPipelineWriteError(t *testing.T) {
	e := newTestCommitEnv(t)
	f, err := e.fs.Create("000002.log")
	require.NoError(t, err)
	e.log = record.NewLogWriter(failingFile{f}, 2, record.LogWriterConfig{})
	p := newCommitPipeline(e.env())

	var b Batch
	require.NoError(t, b.Set([]byte("a"), []byte("b"), nil))
	require.Error(t, p.Commit(&b, true))
	require.Error(t, e.writeErr)
	require.Zero(t, e.visibleSeqNum.Load())
	// The failed batch never reached the memtable.
	require.True(t, e.mem.empty())
}

func TestCommitPipelineGroupSeqNums(t *testing.T) {
	// Build a group by hand, the way buildGroupLocked would, and check that
	// members are assigned contiguous sequence numbers in queue order.
	e := newTestCommitEnv(t)
	p := newCommitPipeline(e.env())
	var members []*commitWriter
	for i := 0; i < 3; i++ {
		b := &Batch{}
		for j := 0; j <= i; j++ {
			require.NoError(t, b.Set([]byte(fmt.Sprintf("%d-%d", i, j)), nil, nil))
		}
		members = append(members, &commitWriter{batch: b})
	}
	require.NoError(t, p.commitGroup(members))
	require.Equal(t, SeqNum(1), members[0].batch.SeqNum())
	require.Equal(t, SeqNum(2), members[1].batch.SeqNum())
	require.Equal(t, SeqNum(4), members[2].batch.SeqNum())
	require.Equal(t, uint64(6), e.visibleSeqNum.Load())

	records := e.records(t)
	require.Len(t, records, 1)
	require.Equal(t, uint32(6), binary.LittleEndian.Uint32(records[0][8:12]))
	require.True(t, bytes.HasPrefix(records[0], []byte{1, 0, 0, 0, 0, 0, 0, 0}))
}

func TestCommitPipelineSyncNotGroupedBehindNoSync(t *testing.T) {
	p := newCommitPipeline(commitEnv{})
	newWriter := func(sync bool) *commitWriter {
		b := &Batch{}
		_ = b.Set([]byte("k"), nil, nil)
		return &commitWriter{batch: b, sync: sync}
	}
	p.queue = []*commitWriter{newWriter(false), newWriter(false), newWriter(true), newWriter(false)}
	require.Len(t, p.buildGroupLocked(), 2)

	// A syncing leader may carry writers that did not ask for a sync.
	p.queue = []*commitWriter{newWriter(true), newWriter(false), newWriter(true)}
	require.Len(t, p.buildGroupLocked(), 3)

	// A rotation is always committed alone.
	p.queue = []*commitWriter{newWriter(false), {}}
	require.Len(t, p.buildGroupLocked(), 1)
}
