// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

// Get gets the value for the given key. It returns ErrNotFound if the DB does
// not contain the key.
//
// The caller is free to modify the returned slice, and it is safe to modify
// the contents of the argument after Get returns.
func (d *DB) Get(key []byte) ([]byte, error) {
	return d.getInternal(key, nil /* snapshot */)
}

func (d *DB) getInternal(key []byte, s *Snapshot) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	// Grab and reference the current readState. This prevents the underlying
	// files in the associated version from being deleted if there is a current
	// compaction. The readState is unref'd by the deferred call.
	readState := d.loadReadState()
	defer readState.unref()

	// The sequence number is loaded after the readState: a version installed
	// later may have dropped entries that a reader at an older sequence number
	// would still need.
	var seqNum SeqNum
	if s != nil {
		seqNum = s.seqNum
	} else {
		seqNum = SeqNum(d.mu.versions.visibleSeqNum.Load())
	}

	// Look in the memtables, newest first.
	for i := len(readState.memtables) - 1; i >= 0; i-- {
		value, kind, found := readState.memtables[i].get(key, seqNum)
		if !found {
			continue
		}
		if kind == InternalKeyKindDelete {
			return nil, ErrNotFound
		}
		return append([]byte(nil), value...), nil
	}

	g := getIter{
		cmp:        d.cmp,
		tableCache: &d.tableCache,
		version:    readState.current,
		key:        base.MakeInternalKey(key, seqNum, InternalKeyKindMax),
	}
	value, err := g.get()
	if g.seekFile != nil {
		d.chargeSeek(readState.current, g.seekFile, g.seekFileLevel)
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), value...), nil
}

// getIter looks up a key in the tables of a version, level by level.
type getIter struct {
	cmp        Compare
	tableCache *tableCache
	version    *version
	key        InternalKey

	// lastFile is the last table consulted without a definitive answer.
	lastFile      *fileMetadata
	lastFileLevel int
	// seekFile is the table charged with a seek: the first table consulted when
	// the lookup had to consult more than one.
	seekFile      *fileMetadata
	seekFileLevel int
}

// get returns the value of the newest entry for the key's user key with a
// sequence number at or below the key's, or ErrNotFound.
func (g *getIter) get() ([]byte, error) {
	ukey := g.key.UserKey

	// Level-0 tables may overlap each other. Search them from newest to
	// oldest.
	l0 := g.version.Levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		if g.cmp(ukey, f.Smallest.UserKey) < 0 || g.cmp(ukey, f.Largest.UserKey) > 0 {
			continue
		}
		if value, done, err := g.lookupTable(0, f); done {
			return value, err
		}
	}

	for level := 1; level < numLevels; level++ {
		files := g.version.Levels[level]
		if len(files) == 0 {
			continue
		}
		// Binary search for the first table whose largest key is >= the
		// search key. At most one table in the level can hold the key.
		i := sort.Search(len(files), func(i int) bool {
			return base.InternalCompare(g.cmp, files[i].Largest, g.key) >= 0
		})
		if i == len(files) || g.cmp(ukey, files[i].Smallest.UserKey) < 0 {
			continue
		}
		if value, done, err := g.lookupTable(level, files[i]); done {
			return value, err
		}
	}
	return nil, ErrNotFound
}

// lookupTable looks up the key in f. done is true if the lookup is finished,
// either because f holds the answer or because of an error.
func (g *getIter) lookupTable(level int, f *fileMetadata) (value []byte, done bool, err error) {
	if g.lastFile != nil && g.seekFile == nil {
		// We have had more than one seek for this read. Charge the first
		// file.
		g.seekFile = g.lastFile
		g.seekFileLevel = g.lastFileLevel
	}
	g.lastFile = f
	g.lastFileLevel = level

	ikey, value, err := g.tableCache.get(f, g.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, true, err
	}
	if ikey.Kind() == InternalKeyKindDelete {
		return nil, true, ErrNotFound
	}
	return value, true, nil
}

// chargeSeek charges a seek to f. Once f has used up its allowed seeks it
// becomes the candidate for a seek-triggered compaction.
func (d *DB) chargeSeek(v *version, f *fileMetadata, level int) {
	if f.AllowedSeeks.Add(-1) > 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.compact.seek == nil && v == d.mu.versions.currentVersion() {
		d.mu.compact.seek = &seekCandidate{file: f, level: level, versionID: v.ID()}
		d.maybeScheduleBackgroundWork()
	}
}
