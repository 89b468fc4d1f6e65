// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

// VersionList holds every Version that is still referenced, in installation
// order, together with the index of the current Version. Versions do not
// point back into the list: a Version that is no longer current stays in the
// arena until its last reference is released through Unref.
//
// The list holds one reference to the current Version.
type VersionList struct {
	mu       sync.Mutex
	versions []*Version
	current  int
	nextID   uint64
}

// Install makes v the current version. The list takes a reference on v and
// releases its reference on the previous current version.
func (l *VersionList) Install(v *Version) {
	v.refs.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	v.id = l.nextID
	var prev *Version
	if len(l.versions) > 0 {
		prev = l.versions[l.current]
	}
	l.versions = append(l.versions, v)
	l.current = len(l.versions) - 1
	if prev != nil {
		l.unrefLocked(prev)
	}
}

// Current returns the current version without taking a reference. It
// returns nil if no version has been installed.
func (l *VersionList) Current() *Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.versions) == 0 {
		return nil
	}
	return l.versions[l.current]
}

// Acquire returns the current version with a reference taken on it. The
// caller must release the reference with Unref.
func (l *VersionList) Acquire() *Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.versions) == 0 {
		return nil
	}
	v := l.versions[l.current]
	v.refs.Add(1)
	return v
}

// Ref takes an additional reference on a version held in the list.
func (l *VersionList) Ref(v *Version) {
	if v.refs.Add(1) <= 1 {
		panic(errors.AssertionFailedf("shingle: version %d referenced after release", errors.Safe(v.id)))
	}
}

// Unref releases a reference on v. When the last reference is released the
// version is removed from the list.
func (l *VersionList) Unref(v *Version) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unrefLocked(v)
}

func (l *VersionList) unrefLocked(v *Version) {
	switch n := v.refs.Add(-1); {
	case n < 0:
		panic(errors.AssertionFailedf("shingle: version %d refs went negative", errors.Safe(v.id)))
	case n > 0:
		return
	}
	for i := range l.versions {
		if l.versions[i] != v {
			continue
		}
		if i == l.current {
			panic(errors.AssertionFailedf("shingle: current version %d released", errors.Safe(v.id)))
		}
		copy(l.versions[i:], l.versions[i+1:])
		l.versions[len(l.versions)-1] = nil
		l.versions = l.versions[:len(l.versions)-1]
		if i < l.current {
			l.current--
		}
		return
	}
}

// Len returns the number of versions in the list.
func (l *VersionList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.versions)
}

// AddLiveFileNums adds the file numbers of every table referenced by a
// version in the list to m.
func (l *VersionList) AddLiveFileNums(m map[base.FileNum]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.versions {
		for _, files := range v.Levels {
			for _, f := range files {
				m[f.FileNum] = struct{}{}
			}
		}
	}
}
