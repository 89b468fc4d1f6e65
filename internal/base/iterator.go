// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "fmt"

// InternalIterator iterates over a DB's key/value pairs in key order. Unlike
// the Iterator interface, the returned keys are InternalKeys composed of the
// user-key, a sequence number and a key kind. Key/value pairs for identical
// user-keys are returned in descending sequence order when moving forward,
// and in ascending sequence order when moving backward.
//
// The absolute positioning methods, SeekGE, SeekLT, First and Last, may be
// called at any time. Next and Prev move relative to the current position and
// may only be called while the iterator is positioned at an entry. Once a
// positioning method returns a nil key, only an absolute positioning method
// may reposition the iterator.
//
// Every positioning method returns the key and value at the new position, or
// a nil key when the iterator is exhausted or an error occurred. The key and
// value are only valid until the next positioning call.
type InternalIterator interface {
	// SeekGE moves the iterator to the first key/value pair whose key is greater
	// than or equal to the given internal key.
	SeekGE(key InternalKey) (*InternalKey, []byte)

	// SeekLT moves the iterator to the last key/value pair whose key is less
	// than the given internal key.
	SeekLT(key InternalKey) (*InternalKey, []byte)

	// First moves the iterator the first key/value pair.
	First() (*InternalKey, []byte)

	// Last moves the iterator the last key/value pair.
	Last() (*InternalKey, []byte)

	// Next moves the iterator to the next key/value pair.
	Next() (*InternalKey, []byte)

	// Prev moves the iterator to the previous key/value pair.
	Prev() (*InternalKey, []byte)

	// Error returns any accumulated error.
	Error() error

	// Close closes the iterator and returns any accumulated error. Exhausting
	// all the key/value pairs in a table is not considered to be an error.
	// It is not valid to call any method, including Close, after the iterator
	// has been closed.
	Close() error

	fmt.Stringer
}
