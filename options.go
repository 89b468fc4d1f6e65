// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/bloom"
	"github.com/cockroachdb/shingle/sstable"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/goccy/go-yaml"
)

// Compression exports the sstable.Compression type.
type Compression = sstable.Compression

// Exported Compression constants.
const (
	DefaultCompression = sstable.DefaultCompression
	NoCompression      = sstable.NoCompression
	SnappyCompression  = sstable.SnappyCompression
	ZstdCompression    = sstable.ZstdCompression
)

// IterOptions hold the optional per-query parameters for NewIter.
//
// Like Options, a nil *IterOptions is valid and means to use the default
// values.
type IterOptions struct {
	// LowerBound specifies the smallest key (inclusive) that the iterator will
	// return during iteration. First positions the iterator at LowerBound and
	// SeekGE never positions the iterator before it.
	LowerBound []byte
	// UpperBound specifies the largest key (exclusive) that the iterator will
	// return during iteration.
	UpperBound []byte
}

// GetLowerBound returns the LowerBound or nil if the receiver is nil.
func (o *IterOptions) GetLowerBound() []byte {
	if o == nil {
		return nil
	}
	return o.LowerBound
}

// GetUpperBound returns the UpperBound or nil if the receiver is nil.
func (o *IterOptions) GetUpperBound() []byte {
	if o == nil {
		return nil
	}
	return o.UpperBound
}

// WriteOptions hold the optional per-query parameters for Set and Delete
// operations.
//
// Like Options, a nil *WriteOptions is valid and means to use the default
// values.
type WriteOptions struct {
	// Sync is whether to sync writes through the OS buffer cache and down onto
	// the actual disk, if applicable. Setting Sync is required for durability of
	// individual write operations but can result in slower writes.
	//
	// If false, and the process or machine crashes, then a recent write may be
	// lost. This is due to the recently written data being buffered inside the
	// process running shingle. This differs from the semantics of a write system
	// call in which the data is buffered in the OS buffer cache and would thus
	// survive a process crash.
	//
	// The default value is true.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize to
// disk.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{Sync: false}

// GetSync returns the Sync value or true if the receiver is nil.
func (o *WriteOptions) GetSync() bool {
	return o == nil || o.Sync
}

// LevelOptions holds the parameters that vary per level of the LSM.
type LevelOptions struct {
	// MaxBytes is the size above which the level is scored for compaction. It
	// is unused for L0, which is scored by file count.
	MaxBytes int64
	// TargetFileSize is the target size of tables written to the level.
	TargetFileSize int64
}

// Options holds the optional parameters for configuring shingle. These options
// apply to the DB at large; per-query options are defined by the IterOptions
// and WriteOptions types.
type Options struct {
	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096.
	BlockSize int

	// BloomBitsPerKey is the number of bits per key of the bloom filter built
	// for every table. A negative value disables the filter.
	//
	// The default value is 10.
	BloomBitsPerKey int

	// BytesPerSync sets the number of bytes to write to a table before the
	// writer syncs it to disk in the background. Zero disables incremental
	// syncing; the table is always synced when it is finished.
	BytesPerSync int

	// Comparer defines a total ordering over the space of []byte keys: a 'less
	// than' relationship. The same comparison algorithm must be used for reads
	// and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// Compression defines the per-block compression to use. NoCompression
	// turns compression off.
	//
	// The default value (DefaultCompression) uses snappy compression.
	Compression Compression

	// CreateIfMissing causes Open to create the DB if it does not exist.
	CreateIfMissing bool

	// DeletionRate is the rate in bytes per second at which obsolete tables
	// are deleted. Zero disables pacing.
	DeletionRate int64

	// DisableWAL disables the write-ahead log. Writes that have not been
	// flushed are lost on a crash.
	DisableWAL bool

	// ErrorIfExists causes Open to fail if the DB already exists.
	ErrorIfExists bool

	// EventListener provides hooks to listening to significant DB events such
	// as flushes and compactions.
	EventListener EventListener

	// FS provides the interface for persistent file storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// The number of files necessary to trigger an L0 compaction.
	//
	// The default value is 4.
	L0CompactionThreshold int

	// Soft limit on the number of L0 files. Writes are slowed down when this
	// threshold is reached.
	//
	// The default value is 8.
	L0SlowdownWritesThreshold int

	// Hard limit on the number of L0 files. Writes are stopped when this
	// threshold is reached.
	//
	// The default value is 12.
	L0StopWritesThreshold int

	// The maximum number of bytes for L1. The maximum number of bytes for
	// other levels is computed dynamically as LBaseMaxBytes *
	// LevelMultiplier^(level-1).
	//
	// The default value is 10 MB.
	LBaseMaxBytes int64

	// LevelMultiplier configures the size multiplier used to determine the
	// desired size of each level of the LSM.
	//
	// The default value is 10.
	LevelMultiplier int

	// Logger used to write log messages. When unset, messages are written to
	// the LOG file in the DB directory.
	Logger Logger

	// MaxManifestFileSize is the maximum size the MANIFEST file is allowed to
	// become. When the MANIFEST exceeds this size it is rolled over and a new
	// MANIFEST is created.
	//
	// The default value is 128 MB.
	MaxManifestFileSize int64

	// MaxMemtableOutputLevel is the deepest level a flushed memtable may be
	// placed in when it does not overlap the levels above. A negative value
	// places every flush in L0.
	//
	// The default value is 2.
	MaxMemtableOutputLevel int

	// MaxOpenFiles is a soft limit on the number of open files that can be
	// used by the DB.
	//
	// The default value is 1000.
	MaxOpenFiles int

	// MemTableStopWritesThreshold is a hard limit on the number of queued
	// memtables awaiting flush. Writes are stopped when the number of queued
	// memtables reaches this threshold.
	//
	// The default value is 2.
	MemTableStopWritesThreshold int

	// SlowdownWriteRate is the rate in bytes per second at which writes are
	// admitted while L0 holds L0SlowdownWritesThreshold or more files.
	//
	// The default value is 16 MB.
	SlowdownWriteRate int64

	// TargetFileSize is the target size of tables written by compactions.
	//
	// The default value is 2 MB.
	TargetFileSize int64

	// WriteBufferSize is the amount of data to build up in memory (backed by
	// an unsorted log on disk) before converting to a sorted on-disk file.
	//
	// The default value is 4 MB.
	WriteBufferSize int
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BloomBitsPerKey == 0 {
		o.BloomBitsPerKey = 10
	}
	o.Comparer = o.Comparer.EnsureDefaults()
	if o.Compression <= DefaultCompression || o.Compression >= sstable.NCompression {
		o.Compression = SnappyCompression
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	o.EventListener.EnsureDefaults(o.Logger)
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.L0CompactionThreshold <= 0 {
		o.L0CompactionThreshold = 4
	}
	if o.L0SlowdownWritesThreshold <= 0 {
		o.L0SlowdownWritesThreshold = 8
	}
	if o.L0StopWritesThreshold <= 0 {
		o.L0StopWritesThreshold = 12
	}
	if o.LBaseMaxBytes <= 0 {
		o.LBaseMaxBytes = 10 << 20 // 10 MB
	}
	if o.LevelMultiplier <= 0 {
		o.LevelMultiplier = 10
	}
	if o.MaxManifestFileSize == 0 {
		o.MaxManifestFileSize = 128 << 20 // 128 MB
	}
	if o.MaxMemtableOutputLevel == 0 {
		o.MaxMemtableOutputLevel = 2
	}
	if o.MaxMemtableOutputLevel > numLevels-2 {
		o.MaxMemtableOutputLevel = numLevels - 2
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 1000
	}
	if o.MemTableStopWritesThreshold <= 0 {
		o.MemTableStopWritesThreshold = 2
	}
	if o.SlowdownWriteRate <= 0 {
		o.SlowdownWriteRate = 16 << 20 // 16 MB
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = 2 << 20 // 2 MB
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4 << 20 // 4 MB
	}
	return o
}

// Clone creates a shallow-copy of the supplied options.
func (o *Options) Clone() *Options {
	n := &Options{}
	if o != nil {
		*n = *o
	}
	return n
}

// Level returns the LevelOptions for the specified level.
func (o *Options) Level(level int) LevelOptions {
	l := LevelOptions{TargetFileSize: o.TargetFileSize}
	if level == 0 {
		return l
	}
	l.MaxBytes = o.LBaseMaxBytes
	for i := 1; i < level; i++ {
		l.MaxBytes *= int64(o.LevelMultiplier)
	}
	return l
}

func (o *Options) filterPolicy() FilterPolicy {
	if o.BloomBitsPerKey < 0 {
		return nil
	}
	return bloom.FilterPolicy(o.BloomBitsPerKey)
}

// MakeReaderOptions constructs sstable.ReaderOptions from the corresponding
// options in the receiver.
func (o *Options) MakeReaderOptions() sstable.ReaderOptions {
	var readerOpts sstable.ReaderOptions
	if o != nil {
		readerOpts.Comparer = o.Comparer
		if fp := o.filterPolicy(); fp != nil {
			readerOpts.Filters = map[string]FilterPolicy{fp.Name(): fp}
		}
	}
	return readerOpts
}

// MakeWriterOptions constructs sstable.WriterOptions for the specified level
// from the corresponding options in the receiver.
func (o *Options) MakeWriterOptions(level int) sstable.WriterOptions {
	var writerOpts sstable.WriterOptions
	if o != nil {
		writerOpts.Comparer = o.Comparer
		writerOpts.BlockRestartInterval = o.BlockRestartInterval
		writerOpts.BlockSize = o.BlockSize
		writerOpts.Compression = o.Compression
		writerOpts.FilterPolicy = o.filterPolicy()
	}
	return writerOpts
}

// optionsFile is the serialized form of Options written to the OPTIONS file.
type optionsFile struct {
	Version int           `yaml:"version"`
	Options optionsValues `yaml:"options"`
}

type optionsValues struct {
	BlockRestartInterval        int    `yaml:"block_restart_interval"`
	BlockSize                   int    `yaml:"block_size"`
	BloomBitsPerKey             int    `yaml:"bloom_bits_per_key"`
	BytesPerSync                int    `yaml:"bytes_per_sync"`
	Comparer                    string `yaml:"comparer"`
	Compression                 string `yaml:"compression"`
	DeletionRate                int64  `yaml:"deletion_rate"`
	DisableWAL                  bool   `yaml:"disable_wal"`
	L0CompactionThreshold       int    `yaml:"l0_compaction_threshold"`
	L0SlowdownWritesThreshold   int    `yaml:"l0_slowdown_writes_threshold"`
	L0StopWritesThreshold       int    `yaml:"l0_stop_writes_threshold"`
	LBaseMaxBytes               int64  `yaml:"lbase_max_bytes"`
	LevelMultiplier             int    `yaml:"level_multiplier"`
	MaxManifestFileSize         int64  `yaml:"max_manifest_file_size"`
	MaxMemtableOutputLevel      int    `yaml:"max_memtable_output_level"`
	MaxOpenFiles                int    `yaml:"max_open_files"`
	MemTableStopWritesThreshold int    `yaml:"mem_table_stop_writes_threshold"`
	SlowdownWriteRate           int64  `yaml:"slowdown_write_rate"`
	TargetFileSize              int64  `yaml:"target_file_size"`
	WriteBufferSize             int    `yaml:"write_buffer_size"`
}

const optionsFileVersion = 1

// String returns the YAML representation of the options persisted in the
// OPTIONS file. The receiver should have had EnsureDefaults called on it.
func (o *Options) String() string {
	f := optionsFile{
		Version: optionsFileVersion,
		Options: optionsValues{
			BlockRestartInterval:        o.BlockRestartInterval,
			BlockSize:                   o.BlockSize,
			BloomBitsPerKey:             o.BloomBitsPerKey,
			BytesPerSync:                o.BytesPerSync,
			Comparer:                    o.Comparer.Name,
			Compression:                 o.Compression.String(),
			DeletionRate:                o.DeletionRate,
			DisableWAL:                  o.DisableWAL,
			L0CompactionThreshold:       o.L0CompactionThreshold,
			L0SlowdownWritesThreshold:   o.L0SlowdownWritesThreshold,
			L0StopWritesThreshold:       o.L0StopWritesThreshold,
			LBaseMaxBytes:               o.LBaseMaxBytes,
			LevelMultiplier:             o.LevelMultiplier,
			MaxManifestFileSize:         o.MaxManifestFileSize,
			MaxMemtableOutputLevel:      o.MaxMemtableOutputLevel,
			MaxOpenFiles:                o.MaxOpenFiles,
			MemTableStopWritesThreshold: o.MemTableStopWritesThreshold,
			SlowdownWriteRate:           o.SlowdownWriteRate,
			TargetFileSize:              o.TargetFileSize,
			WriteBufferSize:             o.WriteBufferSize,
		},
	}
	b, err := yaml.Marshal(&f)
	if err != nil {
		// Marshaling a struct of scalars cannot fail.
		panic(errors.AssertionFailedf("shingle: marshaling options: %v", err))
	}
	return string(b)
}

// Parse parses the options from the specified string, as produced by
// String, into the receiver. Fields absent from s are left unchanged. The
// comparer named in s must match the receiver's Comparer (or the default
// comparer if the receiver has none).
func (o *Options) Parse(s string) error {
	var f optionsFile
	if err := yaml.Unmarshal([]byte(s), &f); err != nil {
		return errors.Wrap(err, "shingle: invalid options")
	}
	if f.Version != optionsFileVersion {
		return errors.Errorf("shingle: unsupported options version %d", errors.Safe(f.Version))
	}
	v := &f.Options
	if v.Comparer != "" {
		cmp := o.Comparer.EnsureDefaults()
		if v.Comparer != cmp.Name {
			return errors.Errorf("shingle: options comparer %q does not match %q", v.Comparer, cmp.Name)
		}
	}
	if v.Compression != "" {
		c, err := sstable.ParseCompression(v.Compression)
		if err != nil {
			return err
		}
		o.Compression = c
	}
	setInt := func(dst *int, src int) {
		if src != 0 {
			*dst = src
		}
	}
	setInt64 := func(dst *int64, src int64) {
		if src != 0 {
			*dst = src
		}
	}
	setInt(&o.BlockRestartInterval, v.BlockRestartInterval)
	setInt(&o.BlockSize, v.BlockSize)
	setInt(&o.BloomBitsPerKey, v.BloomBitsPerKey)
	setInt(&o.BytesPerSync, v.BytesPerSync)
	setInt64(&o.DeletionRate, v.DeletionRate)
	o.DisableWAL = o.DisableWAL || v.DisableWAL
	setInt(&o.L0CompactionThreshold, v.L0CompactionThreshold)
	setInt(&o.L0SlowdownWritesThreshold, v.L0SlowdownWritesThreshold)
	setInt(&o.L0StopWritesThreshold, v.L0StopWritesThreshold)
	setInt64(&o.LBaseMaxBytes, v.LBaseMaxBytes)
	setInt(&o.LevelMultiplier, v.LevelMultiplier)
	setInt64(&o.MaxManifestFileSize, v.MaxManifestFileSize)
	setInt(&o.MaxMemtableOutputLevel, v.MaxMemtableOutputLevel)
	setInt(&o.MaxOpenFiles, v.MaxOpenFiles)
	setInt(&o.MemTableStopWritesThreshold, v.MemTableStopWritesThreshold)
	setInt64(&o.SlowdownWriteRate, v.SlowdownWriteRate)
	setInt64(&o.TargetFileSize, v.TargetFileSize)
	setInt(&o.WriteBufferSize, v.WriteBufferSize)
	return nil
}
