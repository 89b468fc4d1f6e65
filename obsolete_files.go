// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/shingle/internal/base"
)

// obsoleteFile is a file in the DB directory that no live state refers to.
type obsoleteFile struct {
	fileType base.FileType
	fileNum  FileNum
	path     string
}

// deleteObsoleteFiles deletes the files in the DB directory that are no
// longer needed: WALs older than the log number, manifests and OPTIONS files
// that were superseded, stale temporary files, and tables referenced by
// neither a live version nor an in-progress flush or compaction. Table
// deletions are paced by Options.DeletionRate.
//
// d.mu must not be held when calling this.
func (d *DB) deleteObsoleteFiles(ctx context.Context) {
	fs := d.opts.FS
	// The directory is listed before the live set is captured. A file created
	// after the listing is not considered, and a file created before it is
	// either installed in a version or registered as a pending output by the
	// time the live set is captured.
	list, err := fs.List(d.dirname)
	if err != nil {
		d.opts.Logger.Errorf("listing %q for obsolete files: %v", d.dirname, err)
		return
	}

	d.mu.Lock()
	jobID := d.mu.nextJobID
	d.mu.nextJobID++
	logNum := d.mu.versions.logNum
	prevLogNum := d.mu.versions.prevLogNum
	manifestFileNum := d.mu.versions.manifestFileNum
	liveTables := make(map[FileNum]struct{})
	d.mu.versions.addLiveFileNums(liveTables)
	for fileNum := range d.mu.compact.pendingOutputs {
		liveTables[fileNum] = struct{}{}
	}
	d.mu.Unlock()

	var obsolete []obsoleteFile
	for _, filename := range list {
		fileType, fileNum, ok := base.ParseFilename(fs, filename)
		if !ok {
			continue
		}
		keep := true
		switch fileType {
		case base.FileTypeLog:
			keep = fileNum >= logNum || fileNum == prevLogNum
		case base.FileTypeManifest:
			// Manifests newer than the current one may be in the middle of
			// being created.
			keep = fileNum >= manifestFileNum
		case base.FileTypeOptions:
			keep = fileNum >= d.optionsFileNum
		case base.FileTypeTemp:
			keep = fileNum >= manifestFileNum
		case base.FileTypeTable:
			_, keep = liveTables[fileNum]
		}
		if !keep {
			obsolete = append(obsolete, obsoleteFile{
				fileType: fileType,
				fileNum:  fileNum,
				path:     fs.PathJoin(d.dirname, filename),
			})
		}
	}
	// Delete older files first so that an interrupted pass leaves the newer
	// ones behind.
	sort.Slice(obsolete, func(i, j int) bool {
		return obsolete[i].fileNum < obsolete[j].fileNum
	})

	for _, f := range obsolete {
		if ctx.Err() != nil {
			return
		}
		switch f.fileType {
		case base.FileTypeTable:
			d.deleteObsoleteTable(ctx, jobID, f)
		default:
			if err := fs.Remove(f.path); err != nil && !oserror.IsNotExist(err) {
				d.opts.Logger.Errorf("[JOB %d] deleting %s: %v", jobID, f.path, err)
				continue
			}
			d.opts.Logger.Infof("[JOB %d] deleted %s %s", jobID, f.fileType, f.fileNum)
		}
	}
}

// deleteObsoleteTable evicts the table from the table cache and deletes it,
// first waiting for the deletion pacer to admit its size.
func (d *DB) deleteObsoleteTable(ctx context.Context, jobID int, f obsoleteFile) {
	fs := d.opts.FS
	if d.deletionLimiter != nil {
		if info, err := fs.Stat(f.path); err == nil {
			if err := d.deletionLimiter.Wait(ctx, float64(info.Size())); err != nil {
				return
			}
		}
	}
	d.tableCache.evict(f.fileNum)
	err := fs.Remove(f.path)
	if oserror.IsNotExist(err) {
		return
	}
	d.opts.EventListener.TableDeleted(TableDeleteInfo{
		JobID:   jobID,
		Path:    f.path,
		FileNum: f.fileNum,
		Err:     err,
	})
}
