// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

type mergingIterLevel struct {
	index int
	iter  internalIterator
	// iterKey and iterValue cache the current key and value iter is pointed at.
	iterKey   *InternalKey
	iterValue []byte
}

// mergingIter provides a merged view of multiple iterators from different
// levels of the LSM.
//
// The core of a mergingIter is a heap of internalIterators (see
// mergingIterHeap). The heap can be thought of as a sorted list of the
// iterators by their current key. The front of the list holds the iterator
// with the smallest key. Moving the iterator forward advances the iterator at
// the front of the heap and then restores the heap invariant.
//
// In reverse the heap is a max-heap and the front holds the iterator with the
// largest key. Switching direction re-seeks every input other than the one at
// the front so that each sits on the far side of the current key, and then
// rebuilds the heap in the new orientation.
//
// The mergingIter does not perform any shadowing: every entry of every input
// is surfaced, ordered by internal key. Entries for the same user key are
// surfaced newest first. Collapsing older entries and tombstones is left to
// the DB iterator, Get and the compaction iterator.
type mergingIter struct {
	cmp    Compare
	levels []mergingIterLevel
	heap   mergingIterHeap
	dir    iterDirection
	err    error
}

type iterDirection int8

const (
	iterForward iterDirection = iota
	iterReverse
)

var _ base.InternalIterator = (*mergingIter)(nil)

// newMergingIter returns an iterator that merges its input. Walking the
// resultant iterator will return all key/value pairs of all input iterators
// in strictly increasing key order, as defined by cmp.
//
// None of the iters may be nil. Closing the merging iterator closes the
// inputs.
func newMergingIter(cmp Compare, iters ...internalIterator) *mergingIter {
	m := &mergingIter{
		cmp:    cmp,
		levels: make([]mergingIterLevel, len(iters)),
	}
	for i := range iters {
		m.levels[i] = mergingIterLevel{index: i, iter: iters[i]}
	}
	m.heap.cmp = cmp
	m.heap.items = make([]*mergingIterLevel, 0, len(iters))
	return m
}

func (m *mergingIter) initHeap(dir iterDirection) {
	m.dir = dir
	m.heap.reverse = dir == iterReverse
	m.heap.items = m.heap.items[:0]
	for i := range m.levels {
		if l := &m.levels[i]; l.iterKey != nil {
			m.heap.items = append(m.heap.items, l)
		} else if m.err == nil {
			m.err = l.iter.Error()
		}
	}
	m.heap.init()
}

// top returns the current entry, or nil if the iterator is exhausted or an
// input reported an error.
func (m *mergingIter) top() (*InternalKey, []byte) {
	if m.err != nil || m.heap.len() == 0 {
		return nil, nil
	}
	l := m.heap.items[0]
	return l.iterKey, l.iterValue
}

// SeekGE implements base.InternalIterator.SeekGE.
func (m *mergingIter) SeekGE(key InternalKey) (*InternalKey, []byte) {
	m.err = nil
	for i := range m.levels {
		l := &m.levels[i]
		l.iterKey, l.iterValue = l.iter.SeekGE(key)
	}
	m.initHeap(iterForward)
	return m.top()
}

// First implements base.InternalIterator.First.
func (m *mergingIter) First() (*InternalKey, []byte) {
	m.err = nil
	for i := range m.levels {
		l := &m.levels[i]
		l.iterKey, l.iterValue = l.iter.First()
	}
	m.initHeap(iterForward)
	return m.top()
}

// SeekLT implements base.InternalIterator.SeekLT.
func (m *mergingIter) SeekLT(key InternalKey) (*InternalKey, []byte) {
	m.err = nil
	for i := range m.levels {
		l := &m.levels[i]
		l.iterKey, l.iterValue = l.iter.SeekLT(key)
	}
	m.initHeap(iterReverse)
	return m.top()
}

// Last implements base.InternalIterator.Last.
func (m *mergingIter) Last() (*InternalKey, []byte) {
	m.err = nil
	for i := range m.levels {
		l := &m.levels[i]
		l.iterKey, l.iterValue = l.iter.Last()
	}
	m.initHeap(iterReverse)
	return m.top()
}

// switchToMinHeap turns a reverse iterator around. Every input other than the
// current one is positioned at its first entry after the current key, the
// current one steps forward, and the heap is rebuilt as a min-heap.
func (m *mergingIter) switchToMinHeap() {
	cur := m.heap.items[0]
	key := cur.iterKey.Clone()
	for i := range m.levels {
		l := &m.levels[i]
		if l == cur {
			continue
		}
		l.iterKey, l.iterValue = l.iter.SeekGE(key)
		if l.iterKey != nil && base.InternalCompare(m.cmp, key, *l.iterKey) == 0 {
			l.iterKey, l.iterValue = l.iter.Next()
		}
	}
	cur.iterKey, cur.iterValue = cur.iter.Next()
	m.initHeap(iterForward)
}

// switchToMaxHeap is the mirror of switchToMinHeap.
func (m *mergingIter) switchToMaxHeap() {
	cur := m.heap.items[0]
	key := cur.iterKey.Clone()
	for i := range m.levels {
		l := &m.levels[i]
		if l == cur {
			continue
		}
		l.iterKey, l.iterValue = l.iter.SeekLT(key)
	}
	cur.iterKey, cur.iterValue = cur.iter.Prev()
	m.initHeap(iterReverse)
}

// Next implements base.InternalIterator.Next.
func (m *mergingIter) Next() (*InternalKey, []byte) {
	if m.err != nil || m.heap.len() == 0 {
		return nil, nil
	}
	if m.dir == iterReverse {
		m.switchToMinHeap()
		return m.top()
	}
	l := m.heap.items[0]
	if l.iterKey, l.iterValue = l.iter.Next(); l.iterKey != nil {
		m.heap.fixTop()
	} else {
		if err := l.iter.Error(); err != nil {
			m.err = err
			return nil, nil
		}
		m.heap.pop()
	}
	return m.top()
}

// Prev implements base.InternalIterator.Prev.
func (m *mergingIter) Prev() (*InternalKey, []byte) {
	if m.err != nil || m.heap.len() == 0 {
		return nil, nil
	}
	if m.dir == iterForward {
		m.switchToMaxHeap()
		return m.top()
	}
	l := m.heap.items[0]
	if l.iterKey, l.iterValue = l.iter.Prev(); l.iterKey != nil {
		m.heap.fixTop()
	} else {
		if err := l.iter.Error(); err != nil {
			m.err = err
			return nil, nil
		}
		m.heap.pop()
	}
	return m.top()
}

// Error implements base.InternalIterator.Error.
func (m *mergingIter) Error() error {
	return m.err
}

// Close implements base.InternalIterator.Close.
func (m *mergingIter) Close() error {
	err := m.err
	for i := range m.levels {
		err = errors.CombineErrors(err, m.levels[i].iter.Close())
	}
	m.levels = nil
	m.heap.items = nil
	return err
}

func (m *mergingIter) String() string {
	var buf bytes.Buffer
	buf.WriteString("merging(")
	for i := range m.levels {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprint(&buf, m.levels[i].iter)
	}
	buf.WriteString(")")
	return buf.String()
}

// mergingIterHeap is a heap of mergingIterLevels ordered by their current
// key: a min-heap, or a max-heap when reverse is set. Ties between equal
// keys, which only arise from duplicated inputs, go to the level added first
// when moving forward and to the level added last in reverse. A change of
// direction surfaces such duplicates from the current level only.
//
// REQUIRES: Every mergingIterLevel.iterKey is non-nil.
type mergingIterHeap struct {
	cmp     Compare
	reverse bool
	items   []*mergingIterLevel
}

// len returns the number of elements in the heap.
func (h *mergingIterHeap) len() int {
	return len(h.items)
}

// less is an internal method, to compare the elements at i and j.
func (h *mergingIterHeap) less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.reverse {
		a, b = b, a
	}
	if c := base.InternalCompare(h.cmp, *a.iterKey, *b.iterKey); c != 0 {
		return c < 0
	}
	return a.index < b.index
}

// swap is an internal method, used to swap the elements at i and j.
func (h *mergingIterHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

// init initializes the heap.
func (h *mergingIterHeap) init() {
	// heapify
	n := h.len()
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// fixTop restores the heap property after the top of the heap has been
// modified.
func (h *mergingIterHeap) fixTop() {
	h.down(0, h.len())
}

// pop removes the top of the heap.
func (h *mergingIterHeap) pop() *mergingIterLevel {
	n := h.len() - 1
	h.swap(0, n)
	h.down(0, n)
	item := h.items[n]
	h.items[n] = nil
	h.items = h.items[:n]
	return item
}

// down is an internal method. It moves i down the heap, which has length n,
// until the heap property is restored.
func (h *mergingIterHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2 // = 2*i + 2  // right child
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
}
