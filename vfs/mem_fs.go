// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

const sep = "/"

// NewMem returns a new memory-backed FS implementation.
func NewMem() *MemFS {
	return &MemFS{
		root: newRootMemNode(),
	}
}

// MemFS implements FS. Every node remembers the data (or directory entries)
// present at its last Sync so that CrashClone can reproduce the state a disk
// would be left in by a power failure.
type MemFS struct {
	mu   sync.Mutex
	root *memNode

	// lockedFiles holds the paths of the currently held file locks.
	lockedFiles map[string]bool
}

var _ FS = &MemFS{}

// String dumps the contents of the MemFS.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()

	s := new(bytes.Buffer)
	y.root.dump(s, 0, sep)
	return s.String()
}

// CrashClone returns a new filesystem that holds exactly the data and
// directory entries that were synced on y. Writes made since the last Sync of
// a file, and entries created since the last Sync of their directory, are
// lost.
func (y *MemFS) CrashClone() *MemFS {
	y.mu.Lock()
	defer y.mu.Unlock()
	return &MemFS{root: y.root.crashClone()}
}

// walk walks the directory tree for the fullname, calling f at each step. If
// f returns an error, the walk will be aborted and return that same error.
//
// Each walk is atomic: y's mutex is held for the entire operation, including
// all calls to f.
//
// dir is the directory at that step, frag is the name fragment, and final is
// whether it is the final step. For example, walking "/foo/bar/x" will result
// in 3 calls to f:
//   - "/", "foo", false
//   - "/foo/", "bar", false
//   - "/foo/bar/", "x", true
func (y *MemFS) walk(fullname string, f func(dir *memNode, frag string, final bool) error) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	// The current working directory is the root directory, so leading "/"s are
	// stripped and the walk starts at y.root.
	for len(fullname) > 0 && fullname[0] == sep[0] {
		fullname = fullname[1:]
	}
	if fullname == "." {
		fullname = ""
	}
	dir := y.root

	for {
		frag, remaining := fullname, ""
		i := strings.IndexByte(fullname, sep[0])
		final := i < 0
		if !final {
			frag, remaining = fullname[:i], fullname[i+1:]
			for len(remaining) > 0 && remaining[0] == sep[0] {
				remaining = remaining[1:]
			}
		}
		if err := f(dir, frag, final); err != nil {
			return err
		}
		if final {
			break
		}
		child := dir.children[frag]
		if child == nil {
			return &os.PathError{Op: "open", Path: fullname, Err: oserror.ErrNotExist}
		}
		if !child.isDir {
			return &os.PathError{Op: "open", Path: fullname, Err: errors.New("not a directory")}
		}
		dir, fullname = child, remaining
	}
	return nil
}

// Create implements FS.Create.
func (y *MemFS) Create(fullname string) (File, error) {
	var ret *memFile
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("shingle/vfs: empty file name")
			}
			n := &memNode{name: frag, modTime: time.Now()}
			dir.children[frag] = n
			ret = &memFile{n: n, fs: y, read: true, write: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(fullname string) (File, error) {
	var ret *memFile
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				ret = &memFile{n: dir, fs: y}
				return nil
			}
			if n := dir.children[frag]; n != nil {
				ret = &memFile{n: n, fs: y, read: true}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, &os.PathError{Op: "open", Path: fullname, Err: oserror.ErrNotExist}
	}
	return ret, nil
}

// OpenDir implements FS.OpenDir.
func (y *MemFS) OpenDir(fullname string) (File, error) {
	return y.Open(fullname)
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(fullname string) error {
	return y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("shingle/vfs: empty file name")
			}
			child, ok := dir.children[frag]
			if !ok {
				return &os.PathError{Op: "remove", Path: fullname, Err: oserror.ErrNotExist}
			}
			if len(child.children) > 0 {
				return &os.PathError{Op: "remove", Path: fullname, Err: errors.New("directory not empty")}
			}
			delete(dir.children, frag)
		}
		return nil
	})
}

// Rename implements FS.Rename.
func (y *MemFS) Rename(oldname, newname string) error {
	var n *memNode
	err := y.walk(oldname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("shingle/vfs: empty file name")
			}
			n = dir.children[frag]
			delete(dir.children, frag)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n == nil {
		return &os.PathError{Op: "rename", Path: oldname, Err: oserror.ErrNotExist}
	}
	return y.walk(newname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("shingle/vfs: empty file name")
			}
			n.name = frag
			dir.children[frag] = n
		}
		return nil
	})
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dirname string, perm os.FileMode) error {
	return y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if frag == "" {
			if final {
				return nil
			}
			return errors.New("shingle/vfs: empty file name")
		}
		child := dir.children[frag]
		if child == nil {
			dir.children[frag] = &memNode{
				name:     frag,
				children: make(map[string]*memNode),
				isDir:    true,
				modTime:  time.Now(),
			}
			return nil
		}
		if !child.isDir {
			return &os.PathError{Op: "open", Path: dirname, Err: errors.New("not a directory")}
		}
		return nil
	})
}

// Lock implements FS.Lock. Other processes cannot see this process' memory,
// but a DB opened twice on the same MemFS still needs mutual exclusion.
func (y *MemFS) Lock(fullname string) (io.Closer, error) {
	y.mu.Lock()
	if y.lockedFiles == nil {
		y.lockedFiles = make(map[string]bool)
	}
	if y.lockedFiles[fullname] {
		y.mu.Unlock()
		return nil, errors.Errorf("shingle/vfs: lock held by current process: %q", errors.Safe(fullname))
	}
	y.lockedFiles[fullname] = true
	y.mu.Unlock()

	// Locks are visible in the parent directory listing.
	f, err := y.Create(fullname)
	if err != nil {
		y.mu.Lock()
		delete(y.lockedFiles, fullname)
		y.mu.Unlock()
		return nil, err
	}
	return &memFileLock{y: y, f: f, fullname: fullname}, nil
}

// List implements FS.List. Names are returned in sorted order.
func (y *MemFS) List(dirname string) ([]string, error) {
	if !strings.HasSuffix(dirname, sep) {
		dirname += sep
	}
	var ret []string
	err := y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag != "" {
				panic("unreachable")
			}
			ret = make([]string, 0, len(dir.children))
			for s := range dir.children {
				ret = append(ret, s)
			}
		}
		return nil
	})
	sort.Strings(ret)
	return ret, err
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	f, err := y.Open(name)
	if err != nil {
		if pe, ok := err.(*os.PathError); ok {
			pe.Op = "stat"
		}
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// PathBase implements FS.PathBase. MemFS always uses forward slashes.
func (*MemFS) PathBase(p string) string {
	return path.Base(p)
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// PathDir implements FS.PathDir.
func (*MemFS) PathDir(p string) string {
	return path.Dir(p)
}

// memNode holds a file's data or a directory's children.
type memNode struct {
	name  string
	isDir bool

	// File state. Protected by mu since a file may be read while it is being
	// appended to (e.g. a MANIFEST being dumped).
	mu         sync.Mutex
	data       []byte
	syncedData []byte
	modTime    time.Time

	// Directory state. Protected by MemFS.mu.
	children       map[string]*memNode
	syncedChildren map[string]*memNode
}

func newRootMemNode() *memNode {
	return &memNode{
		name:     sep,
		children: make(map[string]*memNode),
		isDir:    true,
	}
}

func (f *memNode) dump(w *bytes.Buffer, level int, name string) {
	if f.isDir {
		w.WriteString("          ")
	} else {
		f.mu.Lock()
		fmt.Fprintf(w, "%8d  ", len(f.data))
		f.mu.Unlock()
	}
	for i := 0; i < level; i++ {
		w.WriteString("  ")
	}
	w.WriteString(name)
	if !f.isDir {
		w.WriteByte('\n')
		return
	}
	if level > 0 {
		w.WriteByte(sep[0])
	}
	w.WriteByte('\n')
	names := make([]string, 0, len(f.children))
	for name := range f.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f.children[name].dump(w, level+1, name)
	}
}

// crashClone copies the synced state of the subtree rooted at f. The root
// directory is always treated as synced.
func (f *memNode) crashClone() *memNode {
	n := &memNode{name: f.name, isDir: f.isDir, modTime: f.modTime}
	if !f.isDir {
		f.mu.Lock()
		n.data = append([]byte(nil), f.syncedData...)
		f.mu.Unlock()
		n.syncedData = append([]byte(nil), n.data...)
		return n
	}
	src := f.syncedChildren
	if f.name == sep {
		src = f.children
	}
	n.children = make(map[string]*memNode, len(src))
	for name, child := range src {
		n.children[name] = child.crashClone()
	}
	n.syncedChildren = make(map[string]*memNode, len(n.children))
	for name, child := range n.children {
		n.syncedChildren[name] = child
	}
	return n
}

// memFile is a reader or writer of a node's data. Implements File.
type memFile struct {
	n           *memNode
	fs          *MemFS
	rpos        int
	read, write bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	if f.n == nil {
		return errors.New("shingle/vfs: close of closed file")
	}
	f.n = nil
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if !f.read {
		return 0, errors.New("shingle/vfs: file was not opened for reading")
	}
	if f.n.isDir {
		return 0, errors.New("shingle/vfs: cannot read a directory")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if f.rpos >= len(f.n.data) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[f.rpos:])
	f.rpos += n
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if !f.read {
		return 0, errors.New("shingle/vfs: file was not opened for reading")
	}
	if f.n.isDir {
		return 0, errors.New("shingle/vfs: cannot read a directory")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, errors.New("shingle/vfs: file was not created for writing")
	}
	if f.n.isDir {
		return 0, errors.New("shingle/vfs: cannot write a directory")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.modTime = time.Now()
	f.n.data = append(f.n.data, p...)
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	return &memFileInfo{
		name:    f.n.name,
		size:    int64(len(f.n.data)),
		modTime: f.n.modTime,
		isDir:   f.n.isDir,
	}, nil
}

func (f *memFile) Sync() error {
	if f.n.isDir {
		f.fs.mu.Lock()
		defer f.fs.mu.Unlock()
		f.n.syncedChildren = make(map[string]*memNode, len(f.n.children))
		for name, child := range f.n.children {
			f.n.syncedChildren[name] = child
		}
		return nil
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.syncedData = append(f.n.syncedData[:0], f.n.data...)
	return nil
}

func (f *memFile) SyncData() error {
	return f.Sync()
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (f *memFileInfo) Name() string       { return f.name }
func (f *memFileInfo) Size() int64        { return f.size }
func (f *memFileInfo) ModTime() time.Time { return f.modTime }
func (f *memFileInfo) IsDir() bool        { return f.isDir }
func (f *memFileInfo) Sys() interface{}   { return nil }

func (f *memFileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0755
	}
	return 0755
}

type memFileLock struct {
	y        *MemFS
	f        File
	fullname string
}

func (l *memFileLock) Close() error {
	if l.y == nil {
		return nil
	}
	l.y.mu.Lock()
	delete(l.y.lockedFiles, l.fullname)
	l.y.mu.Unlock()
	l.y = nil
	return l.f.Close()
}
