// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"sort"

	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/manifest"
)

// Compaction reasons reported through CompactionInfo.Reason.
const (
	compactionReasonSize   = "size"
	compactionReasonSeek   = "seek"
	compactionReasonManual = "manual"
	compactionReasonMove   = "move"
)

// seekCandidate is a file whose allowed seeks have run out. It is only acted
// upon while the version it was observed in is still current.
type seekCandidate struct {
	file      *fileMetadata
	level     int
	versionID uint64
}

// compactionPicker holds the state and logic for picking a compaction. A
// compaction picker is associated with a single version and is created each
// time the background worker looks for work.
type compactionPicker struct {
	opts *Options
	vers *version
	// compactPointers is the versionSet's round robin position per level.
	compactPointers *[numLevels]InternalKey

	// scores holds the compaction score of each level. A score >= 1 means the
	// level needs compacting.
	scores [numLevels]float64
}

func newCompactionPicker(
	v *version, opts *Options, compactPointers *[numLevels]InternalKey,
) *compactionPicker {
	p := &compactionPicker{
		opts:            opts,
		vers:            v,
		compactPointers: compactPointers,
	}
	p.initScores()
	return p
}

func (p *compactionPicker) initScores() {
	// We treat level-0 specially by bounding the number of files instead of
	// number of bytes for two reasons:
	//
	// (1) With larger write-buffer sizes, it is nice not to do too many
	// level-0 compactions.
	//
	// (2) The files in level-0 are merged on every read and therefore we
	// wish to avoid too many files when the individual file size is small
	// (perhaps because of a small write-buffer setting, or very high
	// compression ratios, or lots of overwrites/deletions).
	p.scores[0] = float64(len(p.vers.Levels[0])) / float64(p.opts.L0CompactionThreshold)
	for level := 1; level < numLevels-1; level++ {
		p.scores[level] = float64(manifest.TotalSize(p.vers.Levels[level])) /
			float64(p.opts.Level(level).MaxBytes)
	}
}

// score returns the highest score and its level, excluding the last level,
// which is never a compaction input for size reasons.
func (p *compactionPicker) score() (level int, score float64) {
	level = -1
	for l := 0; l < numLevels-1; l++ {
		if level < 0 || p.scores[l] > score {
			level, score = l, p.scores[l]
		}
	}
	return level, score
}

// needsCompaction reports whether any level's score warrants a compaction.
func (p *compactionPicker) needsCompaction() bool {
	_, score := p.score()
	return score >= 1
}

// pickAuto picks a size compaction for the level with the highest score, if
// that score is at least 1. Otherwise it picks the seek candidate, if any.
func (p *compactionPicker) pickAuto(seek *seekCandidate) *compaction {
	if level, score := p.score(); score >= 1 {
		if c := p.pickSize(level); c != nil {
			return c
		}
	}
	if seek != nil && seek.file != nil && seek.versionID == p.vers.ID() {
		return p.pickSeek(seek)
	}
	return nil
}

// pickSize picks the first file at level following the level's compact
// pointer, wrapping around to the start of the level.
func (p *compactionPicker) pickSize(level int) *compaction {
	cmp := p.opts.Comparer.Compare
	files := p.vers.Levels[level]
	if len(files) == 0 {
		return nil
	}
	// Level-0 files are ordered by sequence number, not key, so a binary
	// search does not apply.
	pointer := p.compactPointers[level]
	var start *fileMetadata
	if pointer.UserKey != nil {
		if level == 0 {
			for _, f := range files {
				if !f.Compacting && base.InternalCompare(cmp, f.Largest, pointer) > 0 {
					start = f
					break
				}
			}
		} else {
			i := sort.Search(len(files), func(i int) bool {
				return base.InternalCompare(cmp, files[i].Largest, pointer) > 0
			})
			for ; i < len(files) && start == nil; i++ {
				if !files[i].Compacting {
					start = files[i]
				}
			}
		}
	}
	if start == nil {
		for _, f := range files {
			if !f.Compacting {
				start = f
				break
			}
		}
	}
	if start == nil {
		return nil
	}
	c := newCompaction(p.opts, p.vers, level, compactionReasonSize)
	c.inputs[0] = []*fileMetadata{start}
	if !p.setupInputs(c) {
		return nil
	}
	return c
}

func (p *compactionPicker) pickSeek(seek *seekCandidate) *compaction {
	if seek.file.Compacting || seek.level >= numLevels-1 {
		return nil
	}
	c := newCompaction(p.opts, p.vers, seek.level, compactionReasonSeek)
	c.inputs[0] = []*fileMetadata{seek.file}
	if !p.setupInputs(c) {
		return nil
	}
	return c
}

// pickManual picks a compaction of the files at level overlapping the user
// key range [start, end]. A nil start or end leaves the range unbounded on
// that side.
func (p *compactionPicker) pickManual(level int, start, end []byte) *compaction {
	cmp := p.opts.Comparer.Compare
	files := p.vers.Levels[level]
	if len(files) == 0 {
		return nil
	}
	if start == nil || end == nil {
		smallest, largest := manifest.KeyRange(cmp, files)
		if start == nil {
			start = smallest.UserKey
		}
		if end == nil {
			end = largest.UserKey
		}
	}
	inputs := p.vers.Overlaps(level, cmp, start, end)
	if len(inputs) == 0 {
		return nil
	}
	// Avoid compacting too much in one shot in case the range is large, but
	// not for level-0 files, which may overlap each other and must all be
	// compacted together.
	if level > 0 {
		limit := uint64(p.opts.Level(level).TargetFileSize)
		var total uint64
		for i, f := range inputs {
			total += f.Size
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}
	c := newCompaction(p.opts, p.vers, level, compactionReasonManual)
	c.inputs[0] = inputs
	c.manual = true
	if !p.setupInputs(c) {
		return nil
	}
	return c
}

// setupInputs fills in the rest of the compaction inputs, regardless of
// whether the compaction was automatically scheduled or user initiated. It
// returns false if any input is already being compacted.
func (p *compactionPicker) setupInputs(c *compaction) bool {
	cmp := c.cmp
	// Files in level 0 may overlap each other, so pick up all overlapping ones.
	if c.startLevel == 0 {
		smallest, largest := manifest.KeyRange(cmp, c.inputs[0])
		c.inputs[0] = p.vers.Overlaps(0, cmp, smallest.UserKey, largest.UserKey)
	}
	smallest, largest := manifest.KeyRange(cmp, c.inputs[0])
	c.inputs[1] = p.vers.Overlaps(c.outputLevel, cmp, smallest.UserKey, largest.UserKey)
	allSmallest, allLargest := manifest.KeyRange(cmp, c.inputs[0], c.inputs[1])

	// Grow the inputs if it doesn't affect the number of level+1 files.
	if len(c.inputs[1]) > 0 {
		expanded0 := p.vers.Overlaps(c.startLevel, cmp, allSmallest.UserKey, allLargest.UserKey)
		inputs1Size := manifest.TotalSize(c.inputs[1])
		expanded0Size := manifest.TotalSize(expanded0)
		if len(expanded0) > len(c.inputs[0]) && inputs1Size+expanded0Size < c.maxExpandedBytes {
			newSmallest, newLargest := manifest.KeyRange(cmp, expanded0)
			expanded1 := p.vers.Overlaps(c.outputLevel, cmp, newSmallest.UserKey, newLargest.UserKey)
			if len(expanded1) == len(c.inputs[1]) {
				c.inputs[0] = expanded0
				c.inputs[1] = expanded1
				largest = newLargest
				allSmallest, allLargest = manifest.KeyRange(cmp, c.inputs[0], c.inputs[1])
			}
		}
	}
	for _, files := range c.inputs {
		for _, f := range files {
			if f.Compacting {
				return false
			}
		}
	}

	// Compute the set of outputLevel+1 (i.e. level+2) files that overlap this
	// compaction.
	if c.outputLevel+1 < numLevels {
		c.grandparents = p.vers.Overlaps(c.outputLevel+1, cmp, allSmallest.UserKey, allLargest.UserKey)
	}
	c.smallest, c.largest = allSmallest, allLargest

	// Update the place where we will do the next compaction for this level.
	// We update this immediately instead of waiting for the VersionEdit to be
	// applied so that if the compaction fails, we will try a different key
	// range next time.
	c.compactPointer = largest.Clone()
	p.compactPointers[c.startLevel] = c.compactPointer
	return true
}

// pickMemtableOutputLevel returns the level a flushed table spanning the
// user key range [smallest, largest] should be placed in. A table is pushed
// past level 0 when it overlaps nothing at the levels it skips, which avoids
// expensive level-0 to level-1 compactions for fresh key ranges.
func pickMemtableOutputLevel(v *version, opts *Options, smallest, largest []byte) int {
	maxLevel := opts.MaxMemtableOutputLevel
	if maxLevel <= 0 {
		return 0
	}
	cmp := opts.Comparer.Compare
	level := 0
	if len(v.Overlaps(0, cmp, smallest, largest)) > 0 {
		return 0
	}
	maxGrandparentBytes := maxGrandparentOverlapBytes(opts, 0)
	for level < maxLevel {
		if len(v.Overlaps(level+1, cmp, smallest, largest)) > 0 {
			break
		}
		if level+2 < numLevels {
			// Check that the file does not overlap too many grandparent bytes.
			overlaps := v.Overlaps(level+2, cmp, smallest, largest)
			if manifest.TotalSize(overlaps) > maxGrandparentBytes {
				break
			}
		}
		level++
	}
	return level
}

// maxGrandparentOverlapBytes is the maximum number of bytes of overlap with
// level+2 before a single compaction output file at level+1 is finished.
func maxGrandparentOverlapBytes(opts *Options, level int) uint64 {
	return uint64(10 * opts.Level(level).TargetFileSize)
}

// expandedCompactionByteSizeLimit is the maximum number of bytes in all
// compacted files. We avoid expanding the lower level file set of a
// compaction if it would make the total compaction cover more than this many
// bytes.
func expandedCompactionByteSizeLimit(opts *Options, level int) uint64 {
	return uint64(25 * opts.Level(level).TargetFileSize)
}

