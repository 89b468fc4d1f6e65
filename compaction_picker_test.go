// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"testing"

	"github.com/cockroachdb/shingle/internal/base"
	"github.com/stretchr/testify/require"
)

// newTestMeta returns the metadata of a table spanning [smallest, largest],
// given as internal keys such as "a#1,SET".
func newTestMeta(fileNum FileNum, smallest, largest string, size uint64) *fileMetadata {
	m := &fileMetadata{
		FileNum:  fileNum,
		Size:     size,
		Smallest: base.ParseInternalKey(smallest),
		Largest:  base.ParseInternalKey(largest),
	}
	m.SmallestSeqNum = min(m.Smallest.SeqNum(), m.Largest.SeqNum())
	m.LargestSeqNum = max(m.Smallest.SeqNum(), m.Largest.SeqNum())
	m.InitAllowedSeeks()
	return m
}

func fileNumsOf(files []*fileMetadata) []FileNum {
	var res []FileNum
	for _, f := range files {
		res = append(res, f.FileNum)
	}
	return res
}

func testPickerOptions() *Options {
	return (&Options{
		L0CompactionThreshold: 2,
		LBaseMaxBytes:         100,
		TargetFileSize:        100,
		Logger:                base.NoopLogger{},
	}).EnsureDefaults()
}

func TestCompactionPickerL0(t *testing.T) {
	opts := testPickerOptions()
	v := &version{}
	v.Levels[0] = []*fileMetadata{
		newTestMeta(1, "a#1,SET", "c#2,SET", 10),
		newTestMeta(2, "b#3,SET", "e#4,SET", 10),
		newTestMeta(3, "x#5,SET", "z#6,SET", 10),
	}
	v.Levels[1] = []*fileMetadata{
		newTestMeta(4, "a#0,SET", "b#0,SET", 10),
		newTestMeta(5, "f#0,SET", "g#0,SET", 10),
	}
	var pointers [numLevels]InternalKey
	p := newCompactionPicker(v, opts, &pointers)
	require.InDelta(t, 1.5, p.scores[0], 1e-9)
	require.True(t, p.needsCompaction())

	c := p.pickAuto(nil)
	require.NotNil(t, c)
	require.Equal(t, compactionReasonSize, c.reason)
	require.Equal(t, 0, c.startLevel)
	require.Equal(t, 1, c.outputLevel)
	// File 1 is picked first, and pulls in file 2 which overlaps it.
	require.ElementsMatch(t, []FileNum{1, 2}, fileNumsOf(c.inputs[0]))
	require.Equal(t, []FileNum{4}, fileNumsOf(c.inputs[1]))
	require.Equal(t, "a", string(c.smallest.UserKey))
	require.Equal(t, "e", string(c.largest.UserKey))
	require.Equal(t, "e", string(pointers[0].UserKey))
	require.False(t, c.isTrivialMove())
}

func TestCompactionPickerCompactPointer(t *testing.T) {
	opts := testPickerOptions()
	v := &version{}
	v.Levels[1] = []*fileMetadata{
		newTestMeta(1, "a#1,SET", "b#1,SET", 60),
		newTestMeta(2, "c#1,SET", "d#1,SET", 60),
		newTestMeta(3, "e#1,SET", "f#1,SET", 60),
	}
	var pointers [numLevels]InternalKey
	// Successive size compactions of a level walk its key space round robin.
	for _, expected := range []FileNum{1, 2, 3, 1} {
		p := newCompactionPicker(v, opts, &pointers)
		c := p.pickAuto(nil)
		require.NotNil(t, c)
		require.Equal(t, 1, c.startLevel)
		require.Equal(t, []FileNum{expected}, fileNumsOf(c.inputs[0]))
		require.True(t, c.isTrivialMove())
	}
}

func TestCompactionPickerSkipsCompacting(t *testing.T) {
	opts := testPickerOptions()
	v := &version{}
	v.Levels[1] = []*fileMetadata{
		newTestMeta(1, "a#1,SET", "b#1,SET", 60),
		newTestMeta(2, "c#1,SET", "d#1,SET", 60),
	}
	v.Levels[1][0].Compacting = true
	var pointers [numLevels]InternalKey
	c := newCompactionPicker(v, opts, &pointers).pickAuto(nil)
	require.NotNil(t, c)
	require.Equal(t, []FileNum{2}, fileNumsOf(c.inputs[0]))

	// An input overlapping a compacting table at the output level cannot be
	// picked.
	v.Levels[1][0].Compacting = false
	v.Levels[2] = []*fileMetadata{newTestMeta(3, "a#0,SET", "z#0,SET", 10)}
	v.Levels[2][0].Compacting = true
	pointers = [numLevels]InternalKey{}
	require.Nil(t, newCompactionPicker(v, opts, &pointers).pickAuto(nil))
}

func TestCompactionPickerExpandInputs(t *testing.T) {
	opts := testPickerOptions()
	v := &version{}
	v.Levels[1] = []*fileMetadata{
		newTestMeta(1, "a#1,SET", "b#1,SET", 60),
		newTestMeta(2, "c#1,SET", "d#1,SET", 60),
		newTestMeta(3, "x#1,SET", "y#1,SET", 60),
	}
	v.Levels[2] = []*fileMetadata{
		newTestMeta(4, "a#0,SET", "d#0,SET", 10),
	}
	var pointers [numLevels]InternalKey
	c := newCompactionPicker(v, opts, &pointers).pickAuto(nil)
	require.NotNil(t, c)
	// Picking file 1 pulls in file 4 at L2, whose range covers file 2 as
	// well without adding any L2 input.
	require.Equal(t, []FileNum{1, 2}, fileNumsOf(c.inputs[0]))
	require.Equal(t, []FileNum{4}, fileNumsOf(c.inputs[1]))
	require.Equal(t, "d", string(pointers[1].UserKey))
}

func TestCompactionPickerSeek(t *testing.T) {
	opts := testPickerOptions()
	v := &version{}
	f := newTestMeta(1, "a#1,SET", "b#1,SET", 10)
	v.Levels[1] = []*fileMetadata{f}
	v.Levels[2] = []*fileMetadata{newTestMeta(2, "a#0,SET", "c#0,SET", 10)}
	var pointers [numLevels]InternalKey

	p := newCompactionPicker(v, opts, &pointers)
	require.False(t, p.needsCompaction())
	require.Nil(t, p.pickAuto(nil))

	seek := &seekCandidate{file: f, level: 1, versionID: v.ID()}
	c := p.pickAuto(seek)
	require.NotNil(t, c)
	require.Equal(t, compactionReasonSeek, c.reason)
	require.Equal(t, []FileNum{1}, fileNumsOf(c.inputs[0]))
	require.Equal(t, []FileNum{2}, fileNumsOf(c.inputs[1]))

	// A candidate from another version is ignored.
	seek.versionID = v.ID() + 1
	require.Nil(t, p.pickAuto(seek))

	// Tables in the last level are never compacted for seeks.
	require.Nil(t, p.pickSeek(&seekCandidate{file: f, level: numLevels - 1}))
}

func TestCompactionPickerManual(t *testing.T) {
	opts := testPickerOptions()
	v := &version{}
	v.Levels[1] = []*fileMetadata{
		newTestMeta(1, "a#1,SET", "b#1,SET", 10),
		newTestMeta(2, "c#1,SET", "d#1,SET", 10),
		newTestMeta(3, "e#1,SET", "f#1,SET", 10),
	}
	var pointers [numLevels]InternalKey
	p := newCompactionPicker(v, opts, &pointers)

	c := p.pickManual(1, []byte("c"), []byte("e"))
	require.NotNil(t, c)
	require.Equal(t, compactionReasonManual, c.reason)
	require.Equal(t, []FileNum{2, 3}, fileNumsOf(c.inputs[0]))
	// Manual compactions always rewrite their inputs.
	require.False(t, c.isTrivialMove())

	c = p.pickManual(1, nil, nil)
	require.Equal(t, []FileNum{1, 2, 3}, fileNumsOf(c.inputs[0]))

	require.Nil(t, p.pickManual(1, []byte("g"), []byte("h")))
	require.Nil(t, p.pickManual(3, nil, nil))
}

func TestPickMemtableOutputLevel(t *testing.T) {
	opts := testPickerOptions()
	v := &version{}
	require.Equal(t, opts.MaxMemtableOutputLevel,
		pickMemtableOutputLevel(v, opts, []byte("a"), []byte("b")))

	v.Levels[0] = []*fileMetadata{newTestMeta(1, "a#1,SET", "b#1,SET", 10)}
	v.Levels[2] = []*fileMetadata{newTestMeta(2, "m#1,SET", "n#1,SET", 10)}
	// Overlapping L0 keeps the table in L0.
	require.Equal(t, 0, pickMemtableOutputLevel(v, opts, []byte("b"), []byte("c")))
	// Overlapping L2 stops the table at L1.
	require.Equal(t, 1, pickMemtableOutputLevel(v, opts, []byte("l"), []byte("m")))
	require.Equal(t, 2, pickMemtableOutputLevel(v, opts, []byte("x"), []byte("y")))

	opts.MaxMemtableOutputLevel = -1
	require.Equal(t, 0, pickMemtableOutputLevel(v, opts, []byte("x"), []byte("y")))
}
