// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package shingle

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/shingle/internal/humanize"
	"github.com/cockroachdb/shingle/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
)

// LevelMetrics holds per-level metrics such as the number of files and total
// size of the files, and compaction related metrics.
type LevelMetrics struct {
	// The total number of files in the level.
	NumFiles int64
	// The total size in bytes of the files in the level.
	Size uint64
	// The level's compaction score.
	Score float64
	// The number of incoming bytes from other levels read during
	// compactions, or from the memtables for flushes. This excludes bytes
	// moved.
	BytesIn uint64
	// The number of bytes of the level itself read during compactions into
	// the level.
	BytesRead uint64
	// The number of bytes written by flushes into the level.
	BytesFlushed uint64
	// The number of bytes written by compactions into the level.
	BytesCompacted uint64
	// The number of tables written by flushes into the level.
	TablesFlushed uint64
	// The number of tables written by compactions into the level.
	TablesCompacted uint64
	// The number of tables moved into the level by a "move" compaction.
	TablesMoved uint64
	// The time spent in flushes and compactions into the level.
	Duration time.Duration
}

// Add updates the counter metrics for the level.
func (m *LevelMetrics) Add(u *LevelMetrics) {
	m.NumFiles += u.NumFiles
	m.Size += u.Size
	m.BytesIn += u.BytesIn
	m.BytesRead += u.BytesRead
	m.BytesFlushed += u.BytesFlushed
	m.BytesCompacted += u.BytesCompacted
	m.TablesFlushed += u.TablesFlushed
	m.TablesCompacted += u.TablesCompacted
	m.TablesMoved += u.TablesMoved
	m.Duration += u.Duration
}

// BytesWritten returns the bytes written into the level by flushes and
// compactions.
func (m *LevelMetrics) BytesWritten() uint64 {
	return m.BytesFlushed + m.BytesCompacted
}

// WriteAmp computes the write amplification for compactions at this
// level. Computed as BytesWritten / BytesIn.
func (m *LevelMetrics) WriteAmp() float64 {
	if m.BytesIn == 0 {
		return 0
	}
	return float64(m.BytesWritten()) / float64(m.BytesIn)
}

// format generates a string of the receiver's metrics, formatting it into the
// supplied buffer.
func (m *LevelMetrics) format(buf *bytes.Buffer, score string) {
	fmt.Fprintf(buf, "%6d %7s %7s %7s %7s %7s %6d %6d %7.1f %8s\n",
		m.NumFiles,
		humanize.Bytes.Uint64(m.Size),
		score,
		humanize.Bytes.Uint64(m.BytesIn),
		humanize.Bytes.Uint64(m.BytesRead),
		humanize.Bytes.Uint64(m.BytesWritten()),
		m.TablesFlushed+m.TablesCompacted,
		m.TablesMoved,
		m.WriteAmp(),
		m.Duration.Round(time.Millisecond),
	)
}

// Metrics holds metrics for various subsystems of the DB such as the
// memtables, the WAL, the table cache and the levels of the LSM.
type Metrics struct {
	MemTable struct {
		// The number of bytes allocated by memtables, including the queued
		// memtables awaiting flush.
		Size uint64
		// The count of memtables.
		Count int64
	}

	WAL struct {
		// Number of live WAL files.
		Files int64
		// Size of the active WAL.
		Size uint64
	}

	TableCache struct {
		// The number of open table readers.
		Count int64
		// The number of lookups served by an open reader.
		Hits int64
		// The number of lookups that had to open a reader.
		Misses int64
	}

	// The number of currently open table iterators.
	TableIters int64

	Snapshots struct {
		// The number of open snapshots.
		Count int
		// The sequence number of the earliest open snapshot, or zero.
		EarliestSeqNum SeqNum
	}

	// The last sequence number visible to readers.
	VisibleSeqNum SeqNum

	Levels [numLevels]LevelMetrics
}

// Total returns the sum of the per-level metrics.
func (m *Metrics) Total() LevelMetrics {
	var total LevelMetrics
	for level := range m.Levels {
		total.Add(&m.Levels[level])
	}
	return total
}

// String pretty-prints the metrics, showing a line per level, a total, and a
// summary of the memtables, the WAL, the table cache and the snapshots:
//
//	level__files____size___score______in____read___write_tables__moved___w-amp_____time
//	    0      2   1.2MB    0.50   2.4MB     0 B   1.2MB      2      0     0.5     12ms
//	    1      0     0 B    0.00     0 B     0 B     0 B      0      0     0.0       0s
//	  ...
//	total      2   1.2MB       -   2.4MB     0 B   1.2MB      2      0     0.5     12ms
//	memtbl     1   256KB
//	   wal     1    64KB
//	tcache     2  hits: 10  misses: 2
//	 snaps     0  earliest: 0
func (m *Metrics) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "level__files____size___score______in____read___write_tables__moved___w-amp_____time\n")
	for level := 0; level < numLevels; level++ {
		l := &m.Levels[level]
		fmt.Fprintf(&buf, "%5d ", level)
		l.format(&buf, strconv.FormatFloat(l.Score, 'f', 2, 64))
	}
	total := m.Total()
	fmt.Fprintf(&buf, "total ")
	total.format(&buf, "-")
	fmt.Fprintf(&buf, "memtbl %6d %7s\n", m.MemTable.Count, humanize.Bytes.Uint64(m.MemTable.Size))
	fmt.Fprintf(&buf, "   wal %6d %7s\n", m.WAL.Files, humanize.Bytes.Uint64(m.WAL.Size))
	fmt.Fprintf(&buf, "tcache %6d  hits: %d  misses: %d\n",
		m.TableCache.Count, m.TableCache.Hits, m.TableCache.Misses)
	fmt.Fprintf(&buf, " snaps %6d  earliest: %d\n", m.Snapshots.Count, m.Snapshots.EarliestSeqNum)
	return buf.String()
}

// Metrics returns metrics about the database.
func (d *DB) Metrics() *Metrics {
	m := &Metrics{}
	d.mu.Lock()
	current := d.mu.versions.currentVersion()
	picker := newCompactionPicker(current, d.opts, &d.mu.versions.compactPointers)
	for level, files := range current.Levels {
		l := &m.Levels[level]
		*l = d.mu.compact.stats[level]
		l.NumFiles = int64(len(files))
		l.Size = manifest.TotalSize(files)
		l.Score = picker.scores[level]
	}
	for _, mem := range d.mu.mem.queue {
		m.MemTable.Size += mem.totalBytes()
	}
	m.MemTable.Count = int64(len(d.mu.mem.queue))
	if !d.opts.DisableWAL {
		m.WAL.Files = int64(len(d.mu.mem.queue))
		if d.mu.log.LogWriter != nil {
			m.WAL.Size = uint64(d.mu.log.LogWriter.Size())
		}
	}
	m.Snapshots.Count = d.mu.snapshots.count()
	m.Snapshots.EarliestSeqNum, _ = d.mu.snapshots.earliest()
	d.mu.Unlock()

	m.TableCache.Count, m.TableCache.Hits, m.TableCache.Misses = d.tableCache.metrics()
	m.TableIters = d.tableCache.iterCount()
	m.VisibleSeqNum = SeqNum(d.mu.versions.visibleSeqNum.Load())
	return m
}

// metricsCollector exports a DB's metrics to prometheus.
type metricsCollector struct {
	db *DB

	levelFiles      *prometheus.Desc
	levelSize       *prometheus.Desc
	levelScore      *prometheus.Desc
	levelBytesIn    *prometheus.Desc
	levelBytesWrite *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	tableCacheHits  *prometheus.Desc
	tableCacheMiss  *prometheus.Desc
	snapshots       *prometheus.Desc
}

// NewMetricsCollector returns a prometheus.Collector exporting the DB's
// metrics, plus the WAL fsync latency histogram. The collector reads the
// metrics on every scrape.
func NewMetricsCollector(d *DB) prometheus.Collector {
	level := []string{"level"}
	return &metricsCollector{
		db:              d,
		levelFiles:      prometheus.NewDesc("shingle_level_files", "Number of tables in the level.", level, nil),
		levelSize:       prometheus.NewDesc("shingle_level_size_bytes", "Total size of the tables in the level.", level, nil),
		levelScore:      prometheus.NewDesc("shingle_level_score", "Compaction score of the level.", level, nil),
		levelBytesIn:    prometheus.NewDesc("shingle_level_in_bytes_total", "Bytes flushed or compacted into the level.", level, nil),
		levelBytesWrite: prometheus.NewDesc("shingle_level_written_bytes_total", "Bytes written into the level.", level, nil),
		memtableSize:    prometheus.NewDesc("shingle_memtable_size_bytes", "Size of the memtables.", nil, nil),
		memtableCount:   prometheus.NewDesc("shingle_memtable_count", "Number of memtables.", nil, nil),
		walFiles:        prometheus.NewDesc("shingle_wal_files", "Number of live WAL files.", nil, nil),
		walSize:         prometheus.NewDesc("shingle_wal_size_bytes", "Size of the active WAL.", nil, nil),
		tableCacheHits:  prometheus.NewDesc("shingle_table_cache_hits_total", "Table cache hits.", nil, nil),
		tableCacheMiss:  prometheus.NewDesc("shingle_table_cache_misses_total", "Table cache misses.", nil, nil),
		snapshots:       prometheus.NewDesc("shingle_snapshots", "Number of open snapshots.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.levelFiles, c.levelSize, c.levelScore, c.levelBytesIn, c.levelBytesWrite,
		c.memtableSize, c.memtableCount, c.walFiles, c.walSize,
		c.tableCacheHits, c.tableCacheMiss, c.snapshots,
	} {
		ch <- d
	}
	c.db.walFsyncLatency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()
	for level := range m.Levels {
		l := &m.Levels[level]
		lvl := strconv.Itoa(level)
		ch <- prometheus.MustNewConstMetric(c.levelFiles, prometheus.GaugeValue, float64(l.NumFiles), lvl)
		ch <- prometheus.MustNewConstMetric(c.levelSize, prometheus.GaugeValue, float64(l.Size), lvl)
		ch <- prometheus.MustNewConstMetric(c.levelScore, prometheus.GaugeValue, l.Score, lvl)
		ch <- prometheus.MustNewConstMetric(c.levelBytesIn, prometheus.CounterValue, float64(l.BytesIn), lvl)
		ch <- prometheus.MustNewConstMetric(c.levelBytesWrite, prometheus.CounterValue, float64(l.BytesWritten()), lvl)
	}
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(c.walFiles, prometheus.GaugeValue, float64(m.WAL.Files))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.tableCacheHits, prometheus.CounterValue, float64(m.TableCache.Hits))
	ch <- prometheus.MustNewConstMetric(c.tableCacheMiss, prometheus.CounterValue, float64(m.TableCache.Misses))
	ch <- prometheus.MustNewConstMetric(c.snapshots, prometheus.GaugeValue, float64(m.Snapshots.Count))
	c.db.walFsyncLatency.Collect(ch)
}
