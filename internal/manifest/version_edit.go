// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

// The MANIFEST file is a sequence of records written by the record package.
// Each record holds one encoded VersionEdit: a sequence of (tag, payload)
// pairs, where the tag is a uvarint and the payload layout depends on the tag.
// Integers are uvarints and byte strings are uvarint-length-prefixed.

var errCorruptManifest = base.CorruptionErrorf("shingle: corrupt manifest")

type byteReader interface {
	io.ByteReader
	io.Reader
}

// Tags for the versionEdit disk format.
// Tag 8 is no longer used.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9

	// tagNewFile2 is a new file entry that also records the smallest and
	// largest sequence numbers in the table.
	tagNewFile2 = 100
)

// CompactPointerEntry holds the key at which the next size-triggered
// compaction of a level starts.
type CompactPointerEntry struct {
	Level int
	Key   InternalKey
}

// DeletedFileEntry holds the state for a file deletion from a level. The file
// itself might still be referenced by another level.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// NewFileEntry holds the state for a new file or one moved from a different
// level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// VersionEdit holds the state for an edit to a Version along with other
// on-disk state (log numbers, next file number, and the last sequence number).
type VersionEdit struct {
	// ComparerName is the value of Options.Comparer.Name. This is only set in
	// the first VersionEdit in a manifest (either when the DB is created, or
	// when a new manifest is created) and is used to verify that the comparer
	// specified at Open matches the comparer that was previously used.
	ComparerName string

	// LogNum is the WAL file number corresponding to the state of the DB at
	// the time of the edit. Log files with numbers smaller than LogNum are no
	// longer needed.
	LogNum base.FileNum

	// PrevLogNum is kept for compatibility with the LevelDB manifest format.
	// It is always zero in manifests written by this package.
	PrevLogNum base.FileNum

	// NextFileNum is the next unused file number.
	NextFileNum base.FileNum

	// LastSeqNum is an upper bound on the sequence numbers that have been
	// assigned in flushed WALs.
	LastSeqNum base.SeqNum

	CompactPointers []CompactPointerEntry
	DeletedFiles    map[DeletedFileEntry]bool
	NewFiles        []NewFileEntry
}

// Decode decodes an edit from the specified reader.
func (v *VersionEdit) Decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return errCorruptManifest
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			v.ComparerName = string(s)

		case tagLogNumber:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.LogNum = n

		case tagNextFileNumber:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.NextFileNum = n

		case tagLastSequence:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.LastSeqNum = base.SeqNum(n)

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readKey()
			if err != nil {
				return err
			}
			v.CompactPointers = append(v.CompactPointers, CompactPointerEntry{Level: level, Key: key})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum()
			if err != nil {
				return err
			}
			if v.DeletedFiles == nil {
				v.DeletedFiles = make(map[DeletedFileEntry]bool)
			}
			v.DeletedFiles[DeletedFileEntry{Level: level, FileNum: fileNum}] = true

		case tagNewFile, tagNewFile2:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum()
			if err != nil {
				return err
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readKey()
			if err != nil {
				return err
			}
			largest, err := d.readKey()
			if err != nil {
				return err
			}
			var smallestSeqNum, largestSeqNum uint64
			if tag == tagNewFile2 {
				if smallestSeqNum, err = d.readUvarint(); err != nil {
					return err
				}
				if largestSeqNum, err = d.readUvarint(); err != nil {
					return err
				}
			} else {
				smallestSeqNum = uint64(smallest.SeqNum())
				largestSeqNum = uint64(largest.SeqNum())
			}
			m := &FileMetadata{
				FileNum:        fileNum,
				Size:           size,
				Smallest:       smallest,
				Largest:        largest,
				SmallestSeqNum: base.SeqNum(smallestSeqNum),
				LargestSeqNum:  base.SeqNum(largestSeqNum),
			}
			m.InitAllowedSeeks()
			v.NewFiles = append(v.NewFiles, NewFileEntry{Level: level, Meta: m})

		case tagPrevLogNumber:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.PrevLogNum = n

		default:
			return errors.Wrapf(errCorruptManifest, "unknown tag %d", errors.Safe(tag))
		}
	}
	return nil
}

// Encode encodes an edit to the specified writer. Deleted files are written
// in (level, file number) order so that the encoding is deterministic.
func (v *VersionEdit) Encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.ComparerName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.ComparerName)
	}
	if v.LogNum != 0 {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(uint64(v.LogNum))
	}
	if v.PrevLogNum != 0 {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(uint64(v.PrevLogNum))
	}
	if v.NextFileNum != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(uint64(v.NextFileNum))
	}
	// RocksDB requires LastSeqNum to be encoded for the first MANIFEST entry,
	// even though its value is zero. We detect this by encoding LastSeqNum
	// when ComparerName is set.
	if v.LastSeqNum != 0 || v.ComparerName != "" {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.LastSeqNum))
	}
	for _, x := range v.CompactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.Level))
		e.writeKey(x.Key)
	}
	for _, x := range v.sortedDeletedFiles() {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.FileNum))
	}
	for _, x := range v.NewFiles {
		e.writeUvarint(tagNewFile2)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.Meta.FileNum))
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
		e.writeUvarint(uint64(x.Meta.SmallestSeqNum))
		e.writeUvarint(uint64(x.Meta.LargestSeqNum))
	}
	_, err := w.Write(e.Bytes())
	return err
}

func (v *VersionEdit) sortedDeletedFiles() []DeletedFileEntry {
	if len(v.DeletedFiles) == 0 {
		return nil
	}
	entries := make([]DeletedFileEntry, 0, len(v.DeletedFiles))
	for x := range v.DeletedFiles {
		entries = append(entries, x)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Level != entries[j].Level {
			return entries[i].Level < entries[j].Level
		}
		return entries[i].FileNum < entries[j].FileNum
	})
	return entries
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, errCorruptManifest
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readKey() (InternalKey, error) {
	b, err := d.readBytes()
	if err != nil {
		return InternalKey{}, err
	}
	k := base.DecodeInternalKey(b)
	if !k.Valid() {
		return InternalKey{}, errors.Wrapf(errCorruptManifest, "invalid internal key")
	}
	return k, nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errors.Wrapf(errCorruptManifest, "level %d out of range", errors.Safe(u))
	}
	return int(u), nil
}

func (d versionEditDecoder) readFileNum() (base.FileNum, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	return base.FileNum(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, errCorruptManifest
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeKey(k InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.UserKey)
	buf := k.EncodeTrailer()
	e.Write(buf[:])
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// BulkVersionEdit summarizes the files added and deleted from a set of version
// edits.
type BulkVersionEdit struct {
	Added   [NumLevels][]*FileMetadata
	Deleted [NumLevels]map[base.FileNum]bool
}

// Accumulate adds the file addition and deletions in the specified version
// edit to the bulk edit's internal state.
func (b *BulkVersionEdit) Accumulate(ve *VersionEdit) error {
	for df := range ve.DeletedFiles {
		dmap := b.Deleted[df.Level]
		if dmap == nil {
			dmap = make(map[base.FileNum]bool)
			b.Deleted[df.Level] = dmap
		}
		dmap[df.FileNum] = true
		// A file added by an earlier edit in the batch and deleted by this one
		// never reaches the resulting version.
		added := b.Added[df.Level]
		for i := range added {
			if added[i].FileNum == df.FileNum {
				b.Added[df.Level] = append(added[:i:i], added[i+1:]...)
				delete(dmap, df.FileNum)
				break
			}
		}
	}

	for _, nf := range ve.NewFiles {
		// A new file should not have been deleted in this or a preceding
		// VersionEdit at the same level (though files can move across levels).
		if dmap := b.Deleted[nf.Level]; dmap != nil && dmap[nf.Meta.FileNum] {
			return base.CorruptionErrorf("shingle: file %s deleted in L%d before it was inserted",
				errors.Safe(nf.Meta.FileNum), errors.Safe(nf.Level))
		}
		b.Added[nf.Level] = append(b.Added[nf.Level], nf.Meta)
	}
	return nil
}

// Apply applies the delta b to the current version to produce a new version.
// The new version is consistent with respect to the comparer cmp.
//
// curr may be nil, which is equivalent to a pointer to a zero version. The
// returned version shares unmodified levels with curr.
func (b *BulkVersionEdit) Apply(curr *Version, cmp Compare, format base.FormatKey) (*Version, error) {
	v := new(Version)
	for level := range v.Levels {
		var currFiles []*FileMetadata
		if curr != nil {
			currFiles = curr.Levels[level]
		}
		addedFiles := b.Added[level]
		deletedMap := b.Deleted[level]
		if len(addedFiles) == 0 && len(deletedMap) == 0 {
			// There are no edits on this level.
			v.Levels[level] = currFiles
			continue
		}

		files := make([]*FileMetadata, 0, len(currFiles)+len(addedFiles))
		var deleted int
		for _, f := range currFiles {
			if deletedMap[f.FileNum] {
				deleted++
				continue
			}
			files = append(files, f)
		}
		if deleted != len(deletedMap) {
			return nil, base.CorruptionErrorf("shingle: %d deleted files not present in L%d",
				errors.Safe(len(deletedMap)-deleted), errors.Safe(level))
		}
		files = append(files, addedFiles...)
		if level == 0 {
			SortBySeqNum(files)
		} else {
			SortBySmallest(files, cmp)
		}
		if err := CheckOrdering(cmp, format, level, files); err != nil {
			return nil, errors.Wrapf(err, "shingle: internal error applying edit to L%d", errors.Safe(level))
		}
		if len(files) == 0 {
			files = nil
		}
		v.Levels[level] = files
	}
	return v, nil
}
