// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/sstable"
	"github.com/cockroachdb/shingle/vfs"
)

// numTableCacheShardsMax bounds the number of shards so that small
// MaxOpenFiles settings still leave room for several readers per shard.
const numTableCacheShardsMax = 16

// tableCache keeps recently used sstable readers open, up to a limit derived
// from Options.MaxOpenFiles. Readers are shared by concurrent iterators and
// closed once they are both evicted and no longer in use.
type tableCache struct {
	shards []tableCacheShard
}

func (c *tableCache) init(dirname string, fs vfs.FS, opts *Options, size int) {
	n := min(runtime.GOMAXPROCS(0), numTableCacheShardsMax)
	for n > 1 && size/n < 4 {
		n /= 2
	}
	c.shards = make([]tableCacheShard, n)
	for i := range c.shards {
		c.shards[i].init(dirname, fs, opts, max(size/n, 1))
	}
}

func (c *tableCache) getShard(fileNum FileNum) *tableCacheShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(fileNum))
	return &c.shards[xxhash.Sum64(buf[:])%uint64(len(c.shards))]
}

// newIter returns an iterator over the table described by meta. Closing the
// iterator releases the table reader.
func (c *tableCache) newIter(meta *fileMetadata) (internalIterator, error) {
	return c.getShard(meta.FileNum).newIter(meta)
}

// get returns the first entry in the table at or after key that has the same
// user key.
func (c *tableCache) get(meta *fileMetadata, key InternalKey) (InternalKey, []byte, error) {
	return c.getShard(meta.FileNum).get(meta, key)
}

// evict closes the reader for fileNum once no iterator is using it.
func (c *tableCache) evict(fileNum FileNum) {
	c.getShard(fileNum).evict(fileNum)
}

// metrics returns the number of cached readers, hits and misses.
func (c *tableCache) metrics() (count, hits, misses int64) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		count += int64(len(s.mu.nodes))
		s.mu.Unlock()
		hits += s.hits.Load()
		misses += s.misses.Load()
	}
	return count, hits, misses
}

func (c *tableCache) iterCount() int64 {
	var n int64
	for i := range c.shards {
		n += int64(c.shards[i].iterCount.Load())
	}
	return n
}

func (c *tableCache) Close() error {
	var err error
	for i := range c.shards {
		err = errors.CombineErrors(err, c.shards[i].Close())
	}
	return err
}

type tableCacheShard struct {
	dirname string
	fs      vfs.FS
	opts    sstable.ReaderOptions
	size    int

	mu struct {
		sync.Mutex
		nodes map[FileNum]*tableCacheNode
		lru   tableCacheNode
	}

	hits      atomic.Int64
	misses    atomic.Int64
	iterCount atomic.Int32
	releasing sync.WaitGroup
}

func (c *tableCacheShard) init(dirname string, fs vfs.FS, opts *Options, size int) {
	c.dirname = dirname
	c.fs = fs
	c.opts = opts.MakeReaderOptions()
	c.size = size
	c.mu.nodes = make(map[FileNum]*tableCacheNode)
	c.mu.lru.next = &c.mu.lru
	c.mu.lru.prev = &c.mu.lru
}

func (c *tableCacheShard) newIter(meta *fileMetadata) (internalIterator, error) {
	// Calling findNode gives us the responsibility of decrementing n's
	// refCount. If opening the underlying table resulted in error, then we
	// decrement this straight away. Otherwise, we pass that responsibility to
	// the table iterator, which decrements when it is closed.
	n := c.findNode(meta)
	<-n.loaded
	if n.err != nil {
		c.unrefNode(n)
		return nil, n.err
	}
	iter, err := n.reader.NewIter()
	if err != nil {
		c.unrefNode(n)
		return nil, err
	}
	c.iterCount.Add(1)
	return &tableCacheIter{Iterator: iter, shard: c, node: n}, nil
}

func (c *tableCacheShard) get(meta *fileMetadata, key InternalKey) (InternalKey, []byte, error) {
	n := c.findNode(meta)
	<-n.loaded
	defer c.unrefNode(n)
	if n.err != nil {
		return base.InvalidInternalKey, nil, n.err
	}
	return n.reader.Get(key)
}

// releaseNode releases a node from the tableCacheShard.
//
// c.mu must be held when calling this.
func (c *tableCacheShard) releaseNode(n *tableCacheNode) {
	delete(c.mu.nodes, n.meta.FileNum)
	n.next.prev = n.prev
	n.prev.next = n.next
	n.prev = nil
	n.next = nil
	c.unrefNode(n)
}

// unrefNode decrements the reference count for the specified node, releasing
// it if the reference count fell to 0. Note that the node has a reference if
// it is present in tableCacheShard.mu.nodes, so a reference count of 0 means the
// node has already been removed from that map.
func (c *tableCacheShard) unrefNode(n *tableCacheNode) {
	if n.refCount.Add(-1) == 0 {
		c.releasing.Add(1)
		go n.release(c)
	}
}

// findNode returns the node for the table with the given file number, creating
// that node if it didn't already exist. The caller is responsible for
// decrementing the returned node's refCount.
func (c *tableCacheShard) findNode(meta *fileMetadata) *tableCacheNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.mu.nodes[meta.FileNum]
	if n == nil {
		c.misses.Add(1)
		n = &tableCacheNode{
			meta:   meta,
			loaded: make(chan struct{}),
		}
		n.refCount.Store(1)
		c.mu.nodes[meta.FileNum] = n
		if len(c.mu.nodes) > c.size {
			// Release the tail node.
			c.releaseNode(c.mu.lru.prev)
		}
		go n.load(c)
	} else {
		c.hits.Add(1)
		// Remove n from the doubly-linked list.
		n.next.prev = n.prev
		n.prev.next = n.next
	}
	// Insert n at the front of the doubly-linked list.
	n.next = c.mu.lru.next
	n.prev = &c.mu.lru
	n.next.prev = n
	n.prev.next = n
	// The caller is responsible for decrementing the refCount.
	n.refCount.Add(1)
	return n
}

func (c *tableCacheShard) evict(fileNum FileNum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.mu.nodes[fileNum]; n != nil {
		c.releaseNode(n)
	}
}

func (c *tableCacheShard) Close() error {
	c.mu.Lock()
	if c.mu.nodes == nil {
		c.mu.Unlock()
		return nil
	}
	if v := c.iterCount.Load(); v > 0 {
		c.mu.Unlock()
		return errors.Errorf("leaked iterators: %d", errors.Safe(v))
	}
	for n := c.mu.lru.next; n != &c.mu.lru; n = n.next {
		if n.refCount.Add(-1) == 0 {
			c.releasing.Add(1)
			go n.release(c)
		}
	}
	c.mu.nodes = nil
	c.mu.lru.next = nil
	c.mu.lru.prev = nil
	c.mu.Unlock()

	c.releasing.Wait()
	return nil
}

type tableCacheNode struct {
	meta   *fileMetadata
	reader *sstable.Reader
	err    error
	loaded chan struct{}

	// The remaining fields are protected by the tableCache mutex.

	next, prev *tableCacheNode
	refCount   atomic.Int32
}

func (n *tableCacheNode) load(c *tableCacheShard) {
	defer close(n.loaded)
	path := base.MakeFilepath(c.fs, c.dirname, base.FileTypeTable, n.meta.FileNum)
	f, err := c.fs.Open(path)
	if err != nil {
		n.err = errors.Wrapf(err, "shingle: opening table %s", n.meta.FileNum)
		return
	}
	n.reader, n.err = sstable.NewReader(f, c.opts)
	if n.err != nil {
		n.err = errors.Wrapf(n.err, "shingle: reading table %s", n.meta.FileNum)
	}
}

func (n *tableCacheNode) release(c *tableCacheShard) {
	<-n.loaded
	// Nothing to be done about an error at this point. Close the reader if it is
	// open.
	if n.reader != nil {
		_ = n.reader.Close()
	}
	c.releasing.Done()
}

// tableCacheIter wraps a table iterator so that closing it releases the
// cached reader.
type tableCacheIter struct {
	*sstable.Iterator
	shard  *tableCacheShard
	node   *tableCacheNode
	closed bool
}

func (i *tableCacheIter) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	err := i.Iterator.Close()
	i.shard.unrefNode(i.node)
	i.shard.iterCount.Add(-1)
	return err
}
