// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Compare returns -1, 0, or +1 depending on whether a is 'less than', 'equal
// to' or 'greater than' b. The two arguments can only be 'equal' if their
// contents are exactly equal. Furthermore, the empty slice must be 'less than'
// any non-empty slice.
type Compare func(a, b []byte) int

// Equal returns true if a and b are equivalent.
type Equal func(a, b []byte) bool

// FormatKey returns a formatter for the user key.
type FormatKey func(key []byte) fmt.Formatter

// DefaultFormatter is the default implementation of user key formatting:
// non-ASCII data is formatted as escaped hexadecimal values.
var DefaultFormatter FormatKey = func(key []byte) fmt.Formatter {
	return FormatBytes(key)
}

// Separator appends to dst a key k with a <= k < b, preferably shorter than
// a. Table index blocks store separators instead of full keys. If no shorter
// key exists, a itself is appended.
type Separator func(dst, a, b []byte) []byte

// Successor appends to dst a key k >= a, preferably shorter than a. It is used
// for the index entry of the last block of a table.
type Successor func(dst, a []byte) []byte

// Comparer bundles the ordering of user keys with the key shortening
// functions used by the table writer. Name is persisted in the manifest and in
// every table, and a DB refuses to open with a comparer of a different name.
type Comparer struct {
	Compare   Compare
	Equal     Equal
	FormatKey FormatKey
	Separator Separator
	Successor Successor
	Name      string
}

// EnsureDefaults returns c with Equal, FormatKey, Separator and Successor
// filled in. The receiver is returned unchanged when nothing is missing, and a
// nil receiver yields DefaultComparer. Compare and Name are mandatory.
func (c *Comparer) EnsureDefaults() *Comparer {
	if c == nil {
		return DefaultComparer
	}
	if c.Compare == nil || c.Name == "" {
		panic("invalid Comparer: mandatory field not set")
	}
	if c.Equal != nil && c.FormatKey != nil && c.Separator != nil && c.Successor != nil {
		return c
	}
	n := *c
	if n.Equal == nil {
		cmp := c.Compare
		n.Equal = func(a, b []byte) bool { return cmp(a, b) == 0 }
	}
	if n.FormatKey == nil {
		n.FormatKey = DefaultFormatter
	}
	if n.Separator == nil {
		n.Separator = func(dst, a, _ []byte) []byte { return append(dst, a...) }
	}
	if n.Successor == nil {
		n.Successor = func(dst, a []byte) []byte { return append(dst, a...) }
	}
	return &n
}

// DefaultComparer orders keys bytewise, consistent with bytes.Compare. Its
// name matches the LevelDB bytewise comparator so that tables stay readable
// by LevelDB tooling.
var DefaultComparer = &Comparer{
	Compare:   bytes.Compare,
	Equal:     bytes.Equal,
	FormatKey: DefaultFormatter,
	Separator: bytewiseSeparator,
	Successor: bytewiseSuccessor,
	Name:      "leveldb.BytewiseComparator",
}

func bytewiseSeparator(dst, a, b []byte) []byte {
	n := len(dst)
	dst = append(dst, a...)
	i := SharedPrefixLen(a, b)
	if i >= len(a) || i >= len(b) || a[i] >= b[i] {
		return dst
	}
	if a[i]+1 < b[i] || i+1 < len(b) {
		dst[n+i]++
		return dst[:n+i+1]
	}
	// b is a[:i] followed by a[i]+1. Keep a[i] and bump the first byte after
	// it that can be bumped.
	for j := n + i + 1; j < len(dst); j++ {
		if dst[j] != 0xff {
			dst[j]++
			return dst[:j+1]
		}
	}
	return dst
}

func bytewiseSuccessor(dst, a []byte) []byte {
	i := 0
	for i < len(a) && a[i] == 0xff {
		i++
	}
	if i == len(a) {
		return append(dst, a...)
	}
	dst = append(dst, a[:i+1]...)
	dst[len(dst)-1]++
	return dst
}

// SharedPrefixLen returns the length of the longest common prefix of a and b.
func SharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for ; i+8 <= n; i += 8 {
		if binary.LittleEndian.Uint64(a[i:]) != binary.LittleEndian.Uint64(b[i:]) {
			break
		}
	}
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// FormatBytes formats a key with printable ASCII verbatim and every other
// byte as a \xHH escape.
type FormatBytes []byte

// Format implements fmt.Formatter.
func (p FormatBytes) Format(s fmt.State, _ rune) {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, len(p))
	for _, b := range p {
		if b >= utf8.RuneSelf || !strconv.IsPrint(rune(b)) {
			buf = append(buf, '\\', 'x', hex[b>>4], hex[b&0xf])
			continue
		}
		buf = append(buf, b)
	}
	_, _ = s.Write(buf)
}
