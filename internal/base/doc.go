// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines fundamental types used across shingle, including keys,
// iterators, comparers, filenames and loggers.
//
// # Internal keys
//
// An [InternalKey] is a user key paired with a trailer holding a sequence
// number and a kind. Internal keys order by user key ascending, then by
// trailer descending, so the newest version of a user key is encountered
// first and, at equal sequence numbers, a Set sorts before a Delete.
//
// # Iterators
//
// The [InternalIterator] interface is implemented by every iterator over
// internal keys: memtables, table readers, level iterators and the merging
// iterator that combines them into a single view of the LSM. The iterators move
// in both directions. SeekGE, SeekLT, First and Last may be called at any time
// to reposition a live iterator.
//
// # Errors
//
// Errors that indicate damaged on-disk state are marked with
// [ErrCorruption] and detected with [IsCorruptionError].
package base
