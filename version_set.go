// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/manifest"
	"github.com/cockroachdb/shingle/record"
	"github.com/cockroachdb/shingle/vfs"
)

// versionSet manages a collection of immutable versions, and manages the
// creation of a new version from the most recent version. A new version is
// created from an existing version by applying a version edit which is just
// like it sounds: a delta from the previous version. Version edits are logged
// to the manifest file, which is replayed at startup.
type versionSet struct {
	// Immutable fields.
	dirname string
	mu      *sync.Mutex
	opts    *Options
	fs      vfs.FS
	cmp     Compare
	cmpName string

	// Mutable fields.
	versions manifest.VersionList

	// compactPointers holds, per level, the largest key of the last size
	// compaction started at that level. The next size compaction of the level
	// starts after it.
	compactPointers [numLevels]InternalKey

	// logNum is the smallest WAL file number holding mutations that have not
	// been flushed to an sstable. prevLogNum is only read from manifests
	// written by other implementations.
	logNum     FileNum
	prevLogNum FileNum

	// The next file number. A single counter is used to assign file numbers
	// for the WAL, MANIFEST, sstable, and OPTIONS files.
	nextFileNum FileNum

	// The upper bound on sequence numbers that have been assigned so far.
	// A suffix of these sequence numbers may not have been written to a
	// WAL. logSeqNum is updated by the commit pipeline under the DB mutex;
	// visibleSeqNum is published atomically once a group has been applied.
	logSeqNum     atomic.Uint64 // last seqNum assigned to a write
	visibleSeqNum atomic.Uint64 // last seqNum visible to readers (<= logSeqNum)

	// The current manifest file number.
	manifestFileNum FileNum

	manifestFile vfs.File
	manifest     *record.Writer

	writing    bool
	writerCond sync.Cond
}

func (vs *versionSet) init(dirname string, opts *Options, mu *sync.Mutex) {
	vs.dirname = dirname
	vs.mu = mu
	vs.writerCond.L = mu
	vs.opts = opts
	vs.fs = opts.FS
	vs.cmp = opts.Comparer.Compare
	vs.cmpName = opts.Comparer.Name
	vs.nextFileNum = 1
}

// create creates a version set for a fresh DB. The manifest itself is written
// by the first call to logAndApply.
func (vs *versionSet) create(dirname string, opts *Options, mu *sync.Mutex) {
	vs.init(dirname, opts, mu)
	vs.versions.Install(&version{})
}

// load loads the version set from the manifest file.
func (vs *versionSet) load(dirname string, opts *Options, mu *sync.Mutex) error {
	vs.init(dirname, opts, mu)

	// Read the CURRENT file to find the current manifest file.
	current, err := vs.fs.Open(base.MakeFilepath(vs.fs, dirname, base.FileTypeCurrent, 0))
	if err != nil {
		return errors.Wrapf(err, "shingle: could not open CURRENT file for DB %q", dirname)
	}
	defer current.Close()
	stat, err := current.Stat()
	if err != nil {
		return err
	}
	n := stat.Size()
	if n == 0 {
		return base.CorruptionErrorf("shingle: CURRENT file for DB %q is empty", dirname)
	}
	if n > 4096 {
		return base.CorruptionErrorf("shingle: CURRENT file for DB %q is too large", dirname)
	}
	b := make([]byte, n)
	if _, err := current.ReadAt(b, 0); err != nil && err != io.EOF {
		return err
	}
	if b[n-1] != '\n' {
		return base.CorruptionErrorf("shingle: CURRENT file for DB %q is malformed", dirname)
	}
	b = bytes.TrimSpace(b)

	var ok bool
	var fileType base.FileType
	if fileType, vs.manifestFileNum, ok = base.ParseFilename(vs.fs, string(b)); !ok || fileType != base.FileTypeManifest {
		return base.CorruptionErrorf("shingle: MANIFEST name %q is malformed", b)
	}

	// Read the versionEdits in the manifest file.
	var bve bulkVersionEdit
	manifestFile, err := vs.fs.Open(vs.fs.PathJoin(dirname, string(b)))
	if err != nil {
		return errors.Wrapf(err, "shingle: could not open manifest file %q for DB %q", b, dirname)
	}
	defer manifestFile.Close()
	var sawNextFileNum bool
	rr := record.NewReader(manifestFile)
	for {
		r, err := rr.Next()
		if err == io.EOF || record.IsInvalidRecord(err) {
			// A torn record at the tail was an edit that never committed.
			break
		}
		if err != nil {
			return errors.Wrapf(err, "shingle: error when loading manifest file %q", b)
		}
		var ve versionEdit
		if err := ve.Decode(r); err != nil {
			if record.IsInvalidRecord(err) {
				break
			}
			return errors.Wrapf(err, "shingle: error when loading manifest file %q", b)
		}
		if ve.ComparerName != "" && ve.ComparerName != vs.cmpName {
			return errors.Errorf("shingle: manifest file %q for DB %q: "+
				"comparer name from file %q != comparer name from Options %q",
				b, dirname, ve.ComparerName, vs.cmpName)
		}
		if err := bve.Accumulate(&ve); err != nil {
			return err
		}
		if ve.LogNum != 0 {
			vs.logNum = ve.LogNum
		}
		if ve.PrevLogNum != 0 {
			vs.prevLogNum = ve.PrevLogNum
		}
		if ve.NextFileNum != 0 {
			vs.nextFileNum = ve.NextFileNum
			sawNextFileNum = true
		}
		if ve.LastSeqNum != 0 {
			vs.logSeqNum.Store(uint64(ve.LastSeqNum))
		}
		for _, cp := range ve.CompactPointers {
			vs.compactPointers[cp.Level] = cp.Key.Clone()
		}
	}
	if !sawNextFileNum {
		return base.CorruptionErrorf("shingle: incomplete manifest file %q for DB %q", b, dirname)
	}
	vs.markFileNumUsed(vs.manifestFileNum)
	vs.markFileNumUsed(vs.logNum)
	vs.markFileNumUsed(vs.prevLogNum)

	newVersion, err := bve.Apply(nil, vs.cmp, opts.Comparer.FormatKey)
	if err != nil {
		return err
	}
	for _, files := range newVersion.Levels {
		for _, f := range files {
			vs.markFileNumUsed(f.FileNum)
		}
	}
	vs.versions.Install(newVersion)
	vs.visibleSeqNum.Store(vs.logSeqNum.Load())
	return nil
}

func (vs *versionSet) close() error {
	var err error
	if vs.manifest != nil {
		err = vs.manifest.Close()
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		err = errors.CombineErrors(err, vs.manifestFile.Close())
		vs.manifestFile = nil
	}
	return err
}

// logAndApply logs the version edit to the manifest, applies the version edit
// to the current version, and installs the new version.
//
// DB.mu must be held when calling this method and will be released temporarily
// while performing file I/O. Concurrent calls are serialized: a call waits
// for an in-progress manifest write to finish before starting its own.
func (vs *versionSet) logAndApply(jobID int, ve *versionEdit, dir vfs.File) error {
	for vs.writing {
		vs.writerCond.Wait()
	}
	vs.writing = true
	defer func() {
		vs.writing = false
		vs.writerCond.Signal()
	}()

	if ve.LogNum != 0 {
		if ve.LogNum < vs.logNum || vs.nextFileNum <= ve.LogNum {
			return errors.AssertionFailedf("shingle: inconsistent versionEdit logNum %s (current %s, next %s)",
				ve.LogNum, vs.logNum, vs.nextFileNum)
		}
	}
	// Generate a new manifest if we don't currently have one, or the current one
	// is too large.
	var newManifestFileNum FileNum
	if vs.manifest == nil || vs.manifest.Size() >= vs.opts.MaxManifestFileSize {
		newManifestFileNum = vs.getNextFileNum()
	}

	// NextFileNum is recorded after any manifest number allocation so a
	// replay never hands out a number already on disk.
	ve.NextFileNum = vs.nextFileNum
	// LastSeqNum is set to the current upper bound on the assigned sequence
	// numbers.
	ve.LastSeqNum = SeqNum(vs.logSeqNum.Load())
	currentVersion := vs.versions.Current()
	var snapshot versionEdit
	if newManifestFileNum != 0 {
		snapshot = vs.snapshotLocked(currentVersion)
	}

	var newVersion *version
	if err := func() error {
		vs.mu.Unlock()
		defer vs.mu.Lock()

		var bve bulkVersionEdit
		if err := bve.Accumulate(ve); err != nil {
			return err
		}
		var err error
		newVersion, err = bve.Apply(currentVersion, vs.cmp, vs.opts.Comparer.FormatKey)
		if err != nil {
			return err
		}

		if newManifestFileNum != 0 {
			if err := vs.createManifest(vs.dirname, newManifestFileNum, &snapshot); err != nil {
				vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
					JobID:   jobID,
					Path:    base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, newManifestFileNum),
					FileNum: newManifestFileNum,
					Err:     err,
				})
				return err
			}
		}

		// Any error from this point on leaves the manifest in an unknown state.
		// The standard recovery mechanism run when a database is opened
		// tolerates a torn tail record and always writes a fresh MANIFEST.
		if _, err := vs.manifest.WriteRecord(encodeVersionEdit(ve)); err != nil {
			vs.opts.Logger.Errorf("MANIFEST write failed: %v", err)
			return err
		}
		if err := vs.manifest.Flush(); err != nil {
			vs.opts.Logger.Errorf("MANIFEST flush failed: %v", err)
			return err
		}
		if err := vs.manifestFile.Sync(); err != nil {
			vs.opts.Logger.Errorf("MANIFEST sync failed: %v", err)
			return err
		}
		if newManifestFileNum != 0 {
			if err := base.SetCurrentFile(vs.dirname, vs.fs, newManifestFileNum); err != nil {
				vs.opts.Logger.Errorf("MANIFEST set current failed: %v", err)
				return err
			}
			if err := dir.Sync(); err != nil {
				vs.opts.Logger.Errorf("MANIFEST dirsync failed: %v", err)
				return err
			}
			vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
				JobID:   jobID,
				Path:    base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, newManifestFileNum),
				FileNum: newManifestFileNum,
			})
		}
		return nil
	}(); err != nil {
		// The manifest may end in a torn record. The next edit starts a new
		// manifest holding a full snapshot.
		_ = vs.close()
		return err
	}

	// Install the new version.
	vs.versions.Install(newVersion)
	if ve.LogNum != 0 {
		vs.logNum = ve.LogNum
		vs.prevLogNum = 0
	}
	if newManifestFileNum != 0 {
		vs.manifestFileNum = newManifestFileNum
	}
	for _, cp := range ve.CompactPointers {
		vs.compactPointers[cp.Level] = cp.Key.Clone()
	}
	return nil
}

func encodeVersionEdit(ve *versionEdit) []byte {
	var buf bytes.Buffer
	// Encoding into a bytes.Buffer cannot fail.
	_ = ve.Encode(&buf)
	return buf.Bytes()
}

// snapshotLocked returns an edit that recreates the current state of vs,
// with the files of the given version, when replayed into an empty version
// set.
func (vs *versionSet) snapshotLocked(current *version) versionEdit {
	snapshot := versionEdit{
		ComparerName: vs.cmpName,
		LogNum:       vs.logNum,
		PrevLogNum:   vs.prevLogNum,
		NextFileNum:  vs.nextFileNum,
		LastSeqNum:   SeqNum(vs.logSeqNum.Load()),
	}
	for level, key := range vs.compactPointers {
		if key.UserKey != nil {
			snapshot.CompactPointers = append(snapshot.CompactPointers, manifest.CompactPointerEntry{
				Level: level,
				Key:   key,
			})
		}
	}
	for level, files := range current.Levels {
		for _, meta := range files {
			snapshot.NewFiles = append(snapshot.NewFiles, newFileEntry{
				Level: level,
				Meta:  meta,
			})
		}
	}
	return snapshot
}

// createManifest creates a manifest file that starts with the given snapshot
// and makes it the manifest that subsequent edits are appended to.
func (vs *versionSet) createManifest(dirname string, fileNum FileNum, snapshot *versionEdit) (err error) {
	var (
		filename     = base.MakeFilepath(vs.fs, dirname, base.FileTypeManifest, fileNum)
		manifestFile vfs.File
		w            *record.Writer
	)
	defer func() {
		if w != nil {
			_ = w.Close()
		}
		if manifestFile != nil {
			_ = manifestFile.Close()
		}
		if err != nil {
			_ = vs.fs.Remove(filename)
		}
	}()
	manifestFile, err = vs.fs.Create(filename)
	if err != nil {
		return err
	}
	w = record.NewWriter(manifestFile)
	if _, err := w.WriteRecord(encodeVersionEdit(snapshot)); err != nil {
		return err
	}

	if vs.manifest != nil {
		_ = vs.manifest.Close()
	}
	if vs.manifestFile != nil {
		_ = vs.manifestFile.Close()
	}
	vs.manifest, w = w, nil
	vs.manifestFile, manifestFile = manifestFile, nil
	return nil
}

func (vs *versionSet) markFileNumUsed(fileNum FileNum) {
	if vs.nextFileNum <= fileNum {
		vs.nextFileNum = fileNum + 1
	}
}

func (vs *versionSet) getNextFileNum() FileNum {
	x := vs.nextFileNum
	vs.nextFileNum++
	return x
}

func (vs *versionSet) currentVersion() *version {
	return vs.versions.Current()
}

func (vs *versionSet) addLiveFileNums(m map[FileNum]struct{}) {
	vs.versions.AddLiveFileNums(m)
}
