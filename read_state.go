// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import "sync/atomic"

// readState encapsulates the state needed for reading (the current version and
// list of memtables). Loading the readState is done without grabbing
// DB.mu. Instead, a separate DB.readState.RWMutex is used for
// synchronization. This mutex solely covers the current readState object which
// means it is rarely or ever contended.
//
// The readState holds a reference on its version, which keeps the version's
// tables from being deleted while a read is using them. Memtables need no
// reference: they are garbage collected once the last reader drops them.
type readState struct {
	db     *DB
	refcnt atomic.Int32
	// current is the version readers see.
	current *version
	// memtables holds the queued memtables, oldest first. The last element is
	// the mutable memtable.
	memtables []*memTable
}

// ref adds a reference to the readState.
func (s *readState) ref() {
	s.refcnt.Add(1)
}

// unref removes a reference to the readState. If this was the last reference,
// the reference the readState holds on the version is released and any tables
// that became obsolete are scheduled for deletion.
func (s *readState) unref() {
	if s.refcnt.Add(-1) != 0 {
		return
	}
	s.db.mu.versions.versions.Unref(s.current)
	if s.current.Refs() == 0 {
		// Only the version list's reference on the current version survives
		// past this point, so a released version may leave obsolete tables
		// behind. Deleting them is left to the background worker.
		s.db.maybeScheduleBackgroundWork()
	}
}

// loadReadState returns the current readState. The returned readState must be
// unreferenced when the caller is finished with it.
func (d *DB) loadReadState() *readState {
	d.readState.RLock()
	state := d.readState.val
	state.ref()
	d.readState.RUnlock()
	return state
}

// updateReadStateLocked creates a new readState from the current version and
// list of memtables. Requires DB.mu is held.
func (d *DB) updateReadStateLocked() {
	s := &readState{
		db:        d,
		current:   d.mu.versions.versions.Acquire(),
		memtables: append([]*memTable(nil), d.mu.mem.queue...),
	}
	s.refcnt.Store(1)

	d.readState.Lock()
	old := d.readState.val
	d.readState.val = s
	d.readState.Unlock()

	if old != nil {
		old.unref()
	}
}
