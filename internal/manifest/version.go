// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
)

// NumLevels is the number of levels a Version contains.
const NumLevels = 7

// Compare exports the base.Compare type.
type Compare = base.Compare

// InternalKey exports the base.InternalKey type.
type InternalKey = base.InternalKey

// minAllowedSeeks is the lower bound on the number of seeks a table is
// allowed before it becomes a candidate for a seek-triggered compaction.
const minAllowedSeeks = 100

// seekCostBytes is the number of table bytes that are considered to cost
// the same as one seek.
const seekCostBytes = 16 << 10

// TableInfo contains the common information for table related events.
type TableInfo struct {
	// FileNum is the internal DB identifier for the table.
	FileNum base.FileNum
	// Size is the size of the file in bytes.
	Size uint64
	// Smallest is the smallest internal key in the table.
	Smallest InternalKey
	// Largest is the largest internal key in the table.
	Largest InternalKey
	// SmallestSeqNum is the smallest sequence number in the table.
	SmallestSeqNum base.SeqNum
	// LargestSeqNum is the largest sequence number in the table.
	LargestSeqNum base.SeqNum
}

// FileMetadata holds the metadata for an on-disk table.
//
// FileMetadata is immutable once it has been added to a Version, with the
// exception of AllowedSeeks, which is updated atomically by readers, and
// Compacting, which is protected by the DB mutex.
type FileMetadata struct {
	// FileNum is the file number.
	FileNum base.FileNum
	// Size is the size of the file, in bytes.
	Size uint64
	// Smallest and Largest are the inclusive bounds for the internal keys
	// stored in the table.
	Smallest InternalKey
	Largest  InternalKey
	// Smallest and largest sequence numbers in the table.
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
	// AllowedSeeks is the number of lookups that may consult this table without
	// finding their key before the table is scheduled for compaction.
	AllowedSeeks atomic.Int64
	// Compacting is true while the table is an input to an in-progress
	// compaction.
	Compacting bool
}

// InitAllowedSeeks sets AllowedSeeks from the size of the table. One seek is
// assumed to cost about as much as compacting 16KiB of data.
func (m *FileMetadata) InitAllowedSeeks() {
	n := int64(m.Size / seekCostBytes)
	if n < minAllowedSeeks {
		n = minAllowedSeeks
	}
	m.AllowedSeeks.Store(n)
}

// Clone returns a copy of the metadata with a fresh seek allowance and
// without the compacting mark. It is used when a table moves to a new level.
func (m *FileMetadata) Clone() *FileMetadata {
	c := &FileMetadata{
		FileNum:        m.FileNum,
		Size:           m.Size,
		Smallest:       m.Smallest,
		Largest:        m.Largest,
		SmallestSeqNum: m.SmallestSeqNum,
		LargestSeqNum:  m.LargestSeqNum,
	}
	c.InitAllowedSeeks()
	return c
}

// TableInfo returns a subset of the FileMetadata state formatted as a
// TableInfo.
func (m *FileMetadata) TableInfo() TableInfo {
	return TableInfo{
		FileNum:        m.FileNum,
		Size:           m.Size,
		Smallest:       m.Smallest,
		Largest:        m.Largest,
		SmallestSeqNum: m.SmallestSeqNum,
		LargestSeqNum:  m.LargestSeqNum,
	}
}

// String implements fmt.Stringer.
func (m *FileMetadata) String() string {
	return fmt.Sprintf("%s:[%s-%s]", m.FileNum, m.Smallest, m.Largest)
}

// DebugString returns a verbose representation of the metadata, formatting
// user keys with format.
func (m *FileMetadata) DebugString(format base.FormatKey) string {
	return fmt.Sprintf("%s:[%s-%s] seqnums:[%d-%d] size:%d",
		m.FileNum, m.Smallest.Pretty(format), m.Largest.Pretty(format),
		m.SmallestSeqNum, m.LargestSeqNum, m.Size)
}

// TotalSize returns the total size of all the files in f.
func TotalSize(f []*FileMetadata) (size uint64) {
	for _, x := range f {
		size += x.Size
	}
	return size
}

// KeyRange returns the minimum smallest and maximum largest internalKey for
// all the FileMetadata in iters.
func KeyRange(ucmp Compare, iters ...[]*FileMetadata) (smallest, largest InternalKey) {
	first := true
	for _, files := range iters {
		for _, meta := range files {
			if first {
				first = false
				smallest, largest = meta.Smallest, meta.Largest
				continue
			}
			if base.InternalCompare(ucmp, meta.Smallest, smallest) < 0 {
				smallest = meta.Smallest
			}
			if base.InternalCompare(ucmp, meta.Largest, largest) > 0 {
				largest = meta.Largest
			}
		}
	}
	return smallest, largest
}

type bySeqNum []*FileMetadata

func (b bySeqNum) Len() int { return len(b) }
func (b bySeqNum) Less(i, j int) bool {
	// NB: This is the same ordering that LevelDB uses for L0 files, extended
	// with the file number as a tie-break.
	if b[i].LargestSeqNum != b[j].LargestSeqNum {
		return b[i].LargestSeqNum < b[j].LargestSeqNum
	}
	if b[i].SmallestSeqNum != b[j].SmallestSeqNum {
		return b[i].SmallestSeqNum < b[j].SmallestSeqNum
	}
	return b[i].FileNum < b[j].FileNum
}
func (b bySeqNum) Swap(i, j int) { b[i], b[j] = b[j], b[i] }

// SortBySeqNum sorts the specified files by increasing sequence number.
func SortBySeqNum(files []*FileMetadata) {
	sort.Sort(bySeqNum(files))
}

type bySmallest struct {
	files []*FileMetadata
	cmp   Compare
}

func (b bySmallest) Len() int { return len(b.files) }
func (b bySmallest) Less(i, j int) bool {
	return base.InternalCompare(b.cmp, b.files[i].Smallest, b.files[j].Smallest) < 0
}
func (b bySmallest) Swap(i, j int) { b.files[i], b.files[j] = b.files[j], b.files[i] }

// SortBySmallest sorts the specified files by smallest key using the supplied
// comparison function to order user keys.
func SortBySmallest(files []*FileMetadata, cmp Compare) {
	sort.Sort(bySmallest{files, cmp})
}

// Version is a collection of file metadata for on-disk tables at various
// levels. In-memory DBs are written to level-0 tables, and compactions
// migrate data from level N to level N+1. The tables map internal keys (which
// are a user key, a delete or set bit, and a sequence number) to user values.
//
// The tables at level 0 are sorted by increasing sequence number. The range
// of internal keys [Smallest, Largest] in each level 0 table may overlap.
//
// The tables at any non-0 level are sorted by their internal key range and any
// two tables at the same non-0 level do not overlap.
//
// The internal key ranges of two tables at different levels X and Y may
// overlap, for any X != Y.
//
// Finally, for every internal key in a table at level X, there is no internal
// key in a higher level table that has both the same user key and a higher
// sequence number.
//
// A Version is never modified once it has been installed in a VersionList.
// Its reference count is the only mutable state.
type Version struct {
	Levels [NumLevels][]*FileMetadata

	// id is assigned when the version is installed in a VersionList.
	id   uint64
	refs atomic.Int32
}

// ID returns the identifier assigned to the version when it was installed.
func (v *Version) ID() uint64 {
	return v.id
}

// Refs returns the number of references to the version.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// NumFiles returns the number of files in the version.
func (v *Version) NumFiles() int {
	var n int
	for _, files := range v.Levels {
		n += len(files)
	}
	return n
}

// String implements fmt.Stringer.
func (v *Version) String() string {
	return v.DebugString(base.DefaultFormatter)
}

// DebugString returns an alternative format to String() which includes
// sequence number and size information about the files.
func (v *Version) DebugString(format base.FormatKey) string {
	var buf bytes.Buffer
	for level := 0; level < NumLevels; level++ {
		if len(v.Levels[level]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "%d:\n", level)
		for _, f := range v.Levels[level] {
			fmt.Fprintf(&buf, "  %s\n", f.DebugString(format))
		}
	}
	return buf.String()
}

// Overlaps returns all elements of v.Levels[level] whose user key range
// intersects the inclusive range [start, end]. If level is non-zero then the
// user key ranges of v.Levels[level] are assumed to not overlap (although they
// may touch). If level is zero then that assumption cannot be made, and the
// [start, end] range is expanded to the union of those matching ranges so far
// and the computation is repeated until [start, end] stabilizes.
func (v *Version) Overlaps(level int, cmp Compare, start, end []byte) (ret []*FileMetadata) {
	if level != 0 {
		files := v.Levels[level]
		// Find the first file whose largest user key is >= start.
		lo := sort.Search(len(files), func(i int) bool {
			return cmp(files[i].Largest.UserKey, start) >= 0
		})
		hi := lo
		for hi < len(files) && cmp(files[hi].Smallest.UserKey, end) <= 0 {
			hi++
		}
		if lo == hi {
			return nil
		}
		return files[lo:hi:hi]
	}

loop:
	for {
		ret = ret[:0]
		for _, meta := range v.Levels[level] {
			m0 := meta.Smallest.UserKey
			m1 := meta.Largest.UserKey
			if cmp(m1, start) < 0 {
				// meta is completely before the specified range; skip it.
				continue
			}
			if cmp(m0, end) > 0 {
				// meta is completely after the specified range; skip it.
				continue
			}
			ret = append(ret, meta)

			// Check if the newly added FileMetadata has expanded the range. If
			// so, restart the search.
			restart := false
			if cmp(m0, start) < 0 {
				start = m0
				restart = true
			}
			if cmp(m1, end) > 0 {
				end = m1
				restart = true
			}
			if restart {
				continue loop
			}
		}
		return ret
	}
}

// CheckOrdering checks that the files are consistent with respect to
// increasing sequence numbers (for level 0 files) and increasing and non-
// overlapping internal key ranges (for level non-0 files).
func (v *Version) CheckOrdering(cmp Compare, format base.FormatKey) error {
	for level, files := range v.Levels {
		if err := CheckOrdering(cmp, format, level, files); err != nil {
			return errors.Wrapf(err, "L%d", errors.Safe(level))
		}
	}
	return nil
}

// CheckOrdering checks that the files are consistent with respect to
// seqnums (for level 0 files) and increasing and non-overlapping internal key
// ranges (for non-level 0 files).
func CheckOrdering(cmp Compare, format base.FormatKey, level int, files []*FileMetadata) error {
	for i, f := range files {
		if base.InternalCompare(cmp, f.Smallest, f.Largest) > 0 {
			return base.CorruptionErrorf("shingle: file %s has inconsistent bounds: %s vs %s",
				errors.Safe(f.FileNum), f.Smallest.Pretty(format), f.Largest.Pretty(format))
		}
		if i == 0 {
			continue
		}
		prev := files[i-1]
		if level == 0 {
			if bySeqNum(files).Less(i, i-1) {
				return base.CorruptionErrorf("shingle: level 0 files are not in increasing seqnum order: %s, %s",
					errors.Safe(prev.FileNum), errors.Safe(f.FileNum))
			}
			continue
		}
		if base.InternalCompare(cmp, prev.Largest, f.Smallest) >= 0 {
			return base.CorruptionErrorf("shingle: files %s and %s have overlapping ranges: [%s-%s] vs [%s-%s]",
				errors.Safe(prev.FileNum), errors.Safe(f.FileNum),
				prev.Smallest.Pretty(format), prev.Largest.Pretty(format),
				f.Smallest.Pretty(format), f.Largest.Pretty(format))
		}
	}
	return nil
}
