// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package skl implements a lock-free skiplist ordered by internal key.
//
// Adding a node links it into each level of its tower from the bottom up with
// compare-and-swap operations, so that a node visible at level i is always
// visible at level 0. Readers never block: they follow the level 0 links and
// observe every node whose insertion has completed at that level.
//
// The list never removes nodes. Deletions are represented by tombstone keys.
package skl // import "github.com/cockroachdb/shingle/internal/skl"

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"golang.org/x/exp/rand"
)

const (
	maxHeight = 20
	pValue    = 1 / math.E
)

// ErrRecordExists indicates that an entry with the specified key already
// exists in the skiplist. Duplicate entries are not directly supported and
// instead must be handled by the user by appending a unique version suffix to
// keys.
var ErrRecordExists = errors.New("record with this key already exists")

var probabilities [maxHeight]uint32

func init() {
	// Precompute the skiplist probabilities so that only a single random number
	// needs to be generated and so that the optimal pvalue can be used (inverse
	// of Euler's number).
	p := float64(1.0)
	for i := 0; i < maxHeight; i++ {
		probabilities[i] = uint32(float64(math.MaxUint32) * p)
		p *= pValue
	}
}

// nodeOverhead is the fixed number of bytes accounted per node, on top of the
// key, the value and the tower.
const nodeOverhead = int(unsafe.Sizeof(node{}))

type node struct {
	key   base.InternalKey
	value []byte
	tower []atomic.Pointer[node]
}

func newNode(key base.InternalKey, value []byte, height int) *node {
	return &node{
		key:   key,
		value: value,
		tower: make([]atomic.Pointer[node], height),
	}
}

func (n *node) next(h int) *node {
	return n.tower[h].Load()
}

type splice struct {
	prev *node
	next *node
}

type inserter struct {
	spl    [maxHeight]splice
	height int
}

// Skiplist is a fast, concurrent skiplist implementation that supports
// forward and backward iteration. Nodes carry no backward links: moving
// backward searches from the head for the predecessor. Add and the iterators may be used concurrently from
// multiple goroutines.
type Skiplist struct {
	cmp    base.Compare
	head   *node
	height atomic.Int32
	size   atomic.Uint64
	count  atomic.Uint64
}

// NewSkiplist constructs and initializes a new, empty skiplist ordering keys
// with the given user key comparison.
func NewSkiplist(cmp base.Compare) *Skiplist {
	s := &Skiplist{
		cmp:  cmp,
		head: newNode(base.InternalKey{}, nil, maxHeight),
	}
	s.height.Store(1)
	return s
}

// Height returns the height of the highest tower within any of the nodes that
// have ever been allocated as part of this skiplist.
func (s *Skiplist) Height() int { return int(s.height.Load()) }

// Size returns the approximate number of bytes of memory used by the
// skiplist's keys, values and nodes.
func (s *Skiplist) Size() uint64 { return s.size.Load() }

// Len returns the number of entries in the skiplist.
func (s *Skiplist) Len() int { return int(s.count.Load()) }

// Add adds a new key if it does not yet exist. The key and value are copied.
// If the key already exists, then Add returns ErrRecordExists.
func (s *Skiplist) Add(key base.InternalKey, value []byte) error {
	var ins inserter
	if s.findSplice(key, &ins) {
		return ErrRecordExists
	}

	height := s.randomHeight()
	buf := make([]byte, len(key.UserKey)+len(value))
	copy(buf, key.UserKey)
	copy(buf[len(key.UserKey):], value)
	nd := newNode(
		base.InternalKey{UserKey: buf[:len(key.UserKey):len(key.UserKey)], Trailer: key.Trailer},
		buf[len(key.UserKey):], height)

	// Try to increase s.height via CAS.
	listHeight := s.Height()
	for height > listHeight {
		if s.height.CompareAndSwap(int32(listHeight), int32(height)) {
			// Successfully increased skiplist.height.
			break
		}
		listHeight = s.Height()
	}

	// We always insert from the base level and up. After you add a node in base
	// level, we cannot create a node in the level above because it would have
	// discovered the node in the base level.
	for i := 0; i < height; i++ {
		prev := ins.spl[i].prev
		next := ins.spl[i].next
		if i >= ins.height || prev == nil {
			// The splice was never computed at this level: the list was shorter
			// when the search ran.
			prev, next = s.findSpliceForLevel(key, i, s.head)
		}
		for {
			nd.tower[i].Store(next)
			if prev.tower[i].CompareAndSwap(next, nd) {
				// Managed to insert nd between prev and next, so go to the next
				// level.
				break
			}

			// CAS failed. We need to recompute prev and next. It is unlikely to
			// be helpful to try to use a different level as we redo the search,
			// because it is unlikely that lots of nodes are inserted between prev
			// and next.
			prev, next = s.findSpliceForLevel(key, i, prev)
			if next != nil && base.InternalCompare(s.cmp, key, next.key) == 0 {
				if i != 0 {
					panic("how can another thread have inserted a node at a non-base level?")
				}
				return ErrRecordExists
			}
		}
	}

	s.size.Add(uint64(nodeOverhead + len(buf) + height*int(unsafe.Sizeof(atomic.Pointer[node]{}))))
	s.count.Add(1)
	return nil
}

func (s *Skiplist) randomHeight() int {
	rnd := rand.Uint32()
	h := 1
	for h < maxHeight && rnd <= probabilities[h] {
		h++
	}
	return h
}

// findSplice fills in the splice for key at every level of the list and
// returns true if a node with an identical key exists.
func (s *Skiplist) findSplice(key base.InternalKey, ins *inserter) (found bool) {
	listHeight := s.Height()
	prev := s.head
	for level := listHeight - 1; level >= 0; level-- {
		// Search this level for the key.
		var next *node
		prev, next = s.findSpliceForLevel(key, level, prev)
		if next != nil && base.InternalCompare(s.cmp, key, next.key) == 0 {
			return true
		}
		ins.spl[level] = splice{prev: prev, next: next}
	}
	ins.height = listHeight
	return false
}

// findSpliceForLevel walks level from start and returns the last node whose
// key is < key along with its successor.
func (s *Skiplist) findSpliceForLevel(
	key base.InternalKey, level int, start *node,
) (prev, next *node) {
	prev = start
	for {
		// Assume prev.key < key.
		next = prev.next(level)
		if next == nil {
			// Tail node, so done.
			break
		}
		if base.InternalCompare(s.cmp, key, next.key) <= 0 {
			// We are done for this level, since prev.key < key <= next.key.
			break
		}
		// Keep moving right on this level.
		prev = next
	}
	return prev, next
}

// findLessThan returns the last node whose key is < key, or nil if there is
// none.
func (s *Skiplist) findLessThan(key base.InternalKey) *node {
	prev := s.head
	for level := s.Height() - 1; level >= 0; level-- {
		prev, _ = s.findSpliceForLevel(key, level, prev)
	}
	if prev == s.head {
		return nil
	}
	return prev
}

// findLast returns the last node in the list, or nil if the list is empty.
func (s *Skiplist) findLast() *node {
	nd := s.head
	for level := s.Height() - 1; level >= 0; level-- {
		for next := nd.next(level); next != nil; next = nd.next(level) {
			nd = next
		}
	}
	if nd == s.head {
		return nil
	}
	return nd
}

// NewIter returns a new Iterator object. Note that it is safe for an iterator
// to be copied by value.
func (s *Skiplist) NewIter() *Iterator {
	return &Iterator{list: s}
}

// Iterator is an iterator over the skiplist object. Use Skiplist.NewIter
// to construct an iterator. The current state of the iterator can be cloned by
// simply value copying the struct.
type Iterator struct {
	list *Skiplist
	nd   *node
}

// Iterator implements the base.InternalIterator interface.
var _ base.InternalIterator = (*Iterator)(nil)

func (it *Iterator) current() (*base.InternalKey, []byte) {
	if it.nd == nil {
		return nil, nil
	}
	return &it.nd.key, it.nd.value
}

// SeekGE moves the iterator to the first entry whose key is greater than or
// equal to the given key.
func (it *Iterator) SeekGE(key base.InternalKey) (*base.InternalKey, []byte) {
	prev := it.list.head
	for level := it.list.Height() - 1; level >= 0; level-- {
		prev, it.nd = it.list.findSpliceForLevel(key, level, prev)
	}
	return it.current()
}

// SeekLT moves the iterator to the last entry whose key is less than the given
// key.
func (it *Iterator) SeekLT(key base.InternalKey) (*base.InternalKey, []byte) {
	it.nd = it.list.findLessThan(key)
	return it.current()
}

// Last seeks position at the last entry in list.
func (it *Iterator) Last() (*base.InternalKey, []byte) {
	it.nd = it.list.findLast()
	return it.current()
}

// Prev moves to the previous position.
func (it *Iterator) Prev() (*base.InternalKey, []byte) {
	if it.nd == nil {
		return nil, nil
	}
	it.nd = it.list.findLessThan(it.nd.key)
	return it.current()
}

// First seeks position at the first entry in list.
func (it *Iterator) First() (*base.InternalKey, []byte) {
	it.nd = it.list.head.next(0)
	return it.current()
}

// Next advances to the next position.
func (it *Iterator) Next() (*base.InternalKey, []byte) {
	if it.nd == nil {
		return nil, nil
	}
	it.nd = it.nd.next(0)
	return it.current()
}

// Error returns any accumulated error.
func (it *Iterator) Error() error {
	return nil
}

// Close resets the iterator.
func (it *Iterator) Close() error {
	it.nd = nil
	return nil
}

func (it *Iterator) String() string {
	return "memtable"
}
