// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements the introspection commands of the shingle CLI.
package tool

import (
	"github.com/cockroachdb/shingle"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/spf13/cobra"
)

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// T is the container for all of the introspection tools.
type T struct {
	Commands  []*cobra.Command
	db        *dbT
	manifest  *manifestT
	sstable   *sstableT
	wal       *walT
	opts      shingle.Options
	comparers map[string]*Comparer
}

// Option configures the introspection tools.
type Option func(*T)

// FS sets the filesystem the tools read from. The default is the operating
// system's filesystem.
func FS(fs vfs.FS) Option {
	return func(t *T) {
		t.opts.FS = fs
	}
}

// Comparers registers additional comparers, looked up by the name recorded
// in manifests and table properties.
func Comparers(cmps ...*Comparer) Option {
	return func(t *T) {
		for _, c := range cmps {
			t.comparers[c.Name] = c
		}
	}
}

// New creates a new introspection tool.
func New(opts ...Option) *T {
	t := &T{
		opts: shingle.Options{
			FS: vfs.Default,
		},
		comparers: make(map[string]*Comparer),
	}
	t.comparers[base.DefaultComparer.Name] = base.DefaultComparer
	for _, opt := range opts {
		opt(t)
	}

	t.db = newDB(&t.opts, t.comparers)
	t.manifest = newManifest(&t.opts, t.comparers)
	t.sstable = newSSTable(&t.opts, t.comparers)
	t.wal = newWAL(&t.opts)
	t.Commands = []*cobra.Command{
		t.db.Root,
		t.manifest.Root,
		t.sstable.Root,
		t.wal.Root,
	}
	return t
}
