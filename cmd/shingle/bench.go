// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/shingle"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/vfs"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// benchConfig holds the parameters of the bench command.
type benchConfig struct {
	fs          vfs.FS
	concurrency int
	duration    time.Duration
	numOps      uint64
	readPercent int
	keys        uint64
	valueSize   int
	seed        uint64
	sync        bool
	verbose     bool
	wipe        bool
	tick        time.Duration
}

var benchOpts = benchConfig{
	fs:   vfs.Default,
	tick: time.Second,
}

var benchCmd = &cobra.Command{
	Use:   "bench <dir>",
	Short: "run a mixed read/write benchmark",
	Long: `
Run a YCSB-style workload against the DB in <dir>: each worker repeatedly
picks a key uniformly at random from the key space and either reads it or
writes a random value to it. Latencies are reported once per second and
summarized at the end.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return runBench(ctx, cmd.OutOrStdout(), args[0], benchOpts)
	},
}

func init() {
	benchCmd.Flags().IntVarP(
		&benchOpts.concurrency, "concurrency", "c", 1, "number of concurrent workers")
	benchCmd.Flags().DurationVarP(
		&benchOpts.duration, "duration", "d", 10*time.Second, "the duration to run (0, run until --num-ops)")
	benchCmd.Flags().Uint64VarP(
		&benchOpts.numOps, "num-ops", "n", 0, "maximum number of operations (0 means unlimited)")
	benchCmd.Flags().IntVar(
		&benchOpts.readPercent, "read-percent", 50, "percent (0-100) of operations that are reads")
	benchCmd.Flags().Uint64Var(
		&benchOpts.keys, "keys", 100000, "number of distinct keys")
	benchCmd.Flags().IntVar(
		&benchOpts.valueSize, "value-size", 100, "size of written values")
	benchCmd.Flags().Uint64Var(
		&benchOpts.seed, "seed", 1, "random seed")
	benchCmd.Flags().BoolVar(
		&benchOpts.sync, "sync", false, "sync the WAL on every write")
	benchCmd.Flags().BoolVarP(
		&benchOpts.verbose, "verbose", "v", false, "enable verbose event logging")
	benchCmd.Flags().BoolVarP(
		&benchOpts.wipe, "wipe", "w", false, "wipe the database before starting")
}

// wipeDir removes the files of the DB in dir. DB directories are flat.
func wipeDir(fs vfs.FS, dir string) error {
	names, err := fs.List(dir)
	if oserror.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	for _, name := range names {
		if err := fs.Remove(fs.PathJoin(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func benchKey(n uint64) []byte {
	return []byte(fmt.Sprintf("user%012d", n))
}

func runBench(ctx context.Context, stdout io.Writer, dir string, cfg benchConfig) (retErr error) {
	if cfg.concurrency <= 0 {
		return errors.Errorf("invalid concurrency %d", cfg.concurrency)
	}
	if cfg.readPercent < 0 || cfg.readPercent > 100 {
		return errors.Errorf("invalid read percent %d", cfg.readPercent)
	}
	if cfg.keys == 0 {
		return errors.New("invalid key count 0")
	}
	if cfg.duration <= 0 && cfg.numOps == 0 {
		return errors.New("one of --duration or --num-ops is required")
	}
	if cfg.wipe {
		fmt.Fprintf(stdout, "wiping %s\n", dir)
		if err := wipeDir(cfg.fs, dir); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "dir %s\nconcurrency %d\n", dir, cfg.concurrency)

	opts := &shingle.Options{
		FS:                          cfg.fs,
		CreateIfMissing:             true,
		Logger:                      base.NoopLogger{},
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       2,
		L0SlowdownWritesThreshold:   20,
		L0StopWritesThreshold:       32,
	}
	if cfg.verbose {
		opts.EventListener = shingle.MakeLoggingEventListener(shingle.DefaultLogger)
	}
	db, err := shingle.Open(dir, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	writeOpts := shingle.NoSync
	if cfg.sync {
		writeOpts = shingle.Sync
	}
	reg := newHistogramRegistry()
	var ops atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.concurrency; i++ {
		readHist := reg.Register("read")
		writeHist := reg.Register("write")
		rng := rand.New(rand.NewSource(cfg.seed + uint64(i)))
		g.Go(func() error {
			value := make([]byte, cfg.valueSize)
			for ctx.Err() == nil {
				if cfg.numOps > 0 && ops.Add(1) > cfg.numOps {
					return nil
				}
				key := benchKey(rng.Uint64n(cfg.keys))
				start := time.Now()
				if rng.Intn(100) < cfg.readPercent {
					if _, err := db.Get(key); err != nil && !errors.Is(err, shingle.ErrNotFound) {
						return err
					}
					readHist.Record(time.Since(start))
				} else {
					_, _ = rng.Read(value)
					if err := db.Set(key, value, writeOpts); err != nil {
						return err
					}
					writeHist.Record(time.Since(start))
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	ticker := time.NewTicker(cfg.tick)
	defer ticker.Stop()
	start := time.Now()
	for i := 0; ; i++ {
		select {
		case <-ticker.C:
			if i%20 == 0 {
				fmt.Fprintln(stdout, "_elapsed____optype__ops/sec(cum)__p50(ms)__p95(ms)__p99(ms)_pMax(ms)")
			}
			reg.Tick(func(tick histogramTick) {
				h := tick.Hist
				if h.TotalCount() == 0 {
					return
				}
				fmt.Fprintf(stdout, "%8s %9s %14.1f %8.1f %8.1f %8.1f %8.1f\n",
					time.Duration(time.Since(start).Seconds()+0.5)*time.Second,
					tick.Name,
					float64(tick.Cumulative.TotalCount())/time.Since(start).Seconds(),
					time.Duration(h.ValueAtQuantile(50)).Seconds()*1000,
					time.Duration(h.ValueAtQuantile(95)).Seconds()*1000,
					time.Duration(h.ValueAtQuantile(99)).Seconds()*1000,
					time.Duration(h.ValueAtQuantile(100)).Seconds()*1000,
				)
			})

		case err := <-done:
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			fmt.Fprintln(stdout, "\n____optype__elapsed_____ops(total)___ops/sec(cum)__avg(ms)__p50(ms)__p95(ms)__p99(ms)_pMax(ms)")
			reg.Tick(func(tick histogramTick) {
				printSummary(stdout, tick.Name, elapsed, tick.Cumulative)
			})
			fmt.Fprintf(stdout, "\n%s", db.Metrics())
			return nil
		}
	}
}

func printSummary(w io.Writer, name string, elapsed time.Duration, h *hdrhistogram.Histogram) {
	fmt.Fprintf(w, "%10s %7.1fs %14d %14.1f %8.1f %8.1f %8.1f %8.1f %8.1f\n",
		name,
		elapsed.Seconds(),
		h.TotalCount(),
		float64(h.TotalCount())/elapsed.Seconds(),
		time.Duration(h.Mean()).Seconds()*1000,
		time.Duration(h.ValueAtQuantile(50)).Seconds()*1000,
		time.Duration(h.ValueAtQuantile(95)).Seconds()*1000,
		time.Duration(h.ValueAtQuantile(99)).Seconds()*1000,
		time.Duration(h.ValueAtQuantile(100)).Seconds()*1000,
	)
}
