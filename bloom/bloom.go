// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bloom implements Bloom filters.
package bloom // import "github.com/cockroachdb/shingle/bloom"

import (
	"fmt"

	"github.com/cockroachdb/shingle/internal/base"
)

const (
	minBits   = 64
	maxHashes = 30
)

// Filter is an encoded set of []byte keys.
type Filter []byte

// MayContain returns whether the filter may contain given key. False positives
// are possible, where it returns true for keys not in the original set.
func (f Filter) MayContain(key []byte) bool {
	if len(f) < 2 {
		return false
	}
	k := f[len(f)-1]
	if k > maxHashes {
		// This is reserved for potentially new encodings for short Bloom filters.
		// Consider it a match.
		return true
	}
	nBits := uint32(8 * (len(f) - 1))
	h := hash(key)
	delta := h>>17 | h<<15
	for j := uint8(0); j < k; j++ {
		bitPos := h % nBits
		if f[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

func calculateNumHashes(bitsPerKey int) uint32 {
	// We intentionally round down to reduce probing cost a little bit.
	// 0.69 =~ ln(2).
	n := uint32(float64(bitsPerKey) * 0.69)
	if n < 1 {
		n = 1
	}
	if n > maxHashes {
		n = maxHashes
	}
	return n
}

// hash implements a hashing algorithm similar to the Murmur hash.
func hash(b []byte) uint32 {
	const (
		seed = 0xbc9f1d34
		m    = 0xc6a4a793
	)
	h := uint32(seed) ^ uint32(uint64(uint32(len(b))*m))
	for ; len(b) >= 4; b = b[4:] {
		h += uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		h *= m
		h ^= h >> 16
	}
	switch len(b) {
	case 3:
		h += uint32(int8(b[2])) << 16
		fallthrough
	case 2:
		h += uint32(int8(b[1])) << 8
		fallthrough
	case 1:
		h += uint32(int8(b[0]))
		h *= m
		h ^= h >> 24
	}
	return h
}

// filterWriter accumulates the hashes of the keys added since the last call
// to Finish. Keeping hashes rather than keys bounds memory use.
type filterWriter struct {
	bitsPerKey int
	hashes     []uint32
}

func (w *filterWriter) AddKey(key []byte) {
	h := hash(key)
	if n := len(w.hashes); n > 0 && w.hashes[n-1] == h {
		return
	}
	w.hashes = append(w.hashes, h)
}

func (w *filterWriter) Finish(buf []byte) []byte {
	k := calculateNumHashes(w.bitsPerKey)
	nBits := len(w.hashes) * w.bitsPerKey
	// For small n, we can see a very high false positive rate. Fix it
	// by enforcing a minimum bloom filter length.
	if nBits < minBits {
		nBits = minBits
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	off := len(buf)
	buf = append(buf, make([]byte, nBytes+1)...)
	filter := buf[off:]
	for _, h := range w.hashes {
		delta := h>>17 | h<<15
		for j := uint32(0); j < k; j++ {
			bitPos := h % uint32(nBits)
			filter[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	filter[nBytes] = uint8(k)
	w.hashes = w.hashes[:0]
	return buf
}

// FilterPolicy implements the FilterPolicy interface from the shingle package.
//
// The integer value is the approximate number of bits used per key. A good
// value is 10, which yields a filter with ~ 1% false positive rate.
type FilterPolicy int

var _ base.FilterPolicy = FilterPolicy(0)

// Name implements the shingle.FilterPolicy interface.
func (p FilterPolicy) Name() string {
	// This string looks arbitrary, but its value is written to LevelDB .sst
	// files, and should be this exact value to be compatible with those files
	// and with the C++ LevelDB code.
	return "leveldb.BuiltinBloomFilter2"
}

// MayContain implements the shingle.FilterPolicy interface.
func (p FilterPolicy) MayContain(filter, key []byte) bool {
	return Filter(filter).MayContain(key)
}

// NewWriter implements the shingle.FilterPolicy interface.
func (p FilterPolicy) NewWriter() base.FilterWriter {
	return &filterWriter{bitsPerKey: int(p)}
}

func (p FilterPolicy) String() string {
	return fmt.Sprintf("bloom(%d)", int(p))
}
