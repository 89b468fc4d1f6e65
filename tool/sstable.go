// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/sstable"
	"github.com/spf13/cobra"
)

// sstableT implements sstable-level tools, including both configuration state
// and the commands themselves.
type sstableT struct {
	Root       *cobra.Command
	Properties *cobra.Command
	Scan       *cobra.Command

	// Configuration and state.
	opts      *shingle.Options
	comparers map[string]*Comparer

	// Flags.
	fmtKey   formatter
	fmtValue formatter
	start    key
	end      key
	count    int64
	verbose  bool
}

func newSSTable(opts *shingle.Options, comparers map[string]*Comparer) *sstableT {
	s := &sstableT{
		opts:      opts,
		comparers: comparers,
	}
	s.fmtKey.mustSet("quoted")
	s.fmtValue.mustSet("[%x]")

	s.Root = &cobra.Command{
		Use:   "sstable",
		Short: "sstable introspection tools",
	}
	s.Properties = &cobra.Command{
		Use:   "properties <sstables>",
		Short: "print sstable properties",
		Long: `
Print the properties of the sstables, as recorded in each table's properties
block.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runProperties,
	}
	s.Scan = &cobra.Command{
		Use:   "scan <sstables>",
		Short: "print sstable records",
		Long: `
Print the records in the sstables. The sstables are scanned in command line
order which means the records will be printed in that order.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runScan,
	}

	s.Root.AddCommand(s.Properties, s.Scan)
	s.Root.PersistentFlags().BoolVarP(&s.verbose, "verbose", "v", false, "verbose output")

	s.Scan.Flags().Var(&s.fmtKey, "key", "key formatter")
	s.Scan.Flags().Var(&s.fmtValue, "value", "value formatter")
	s.Scan.Flags().Var(&s.start, "start", "start key for the scan")
	s.Scan.Flags().Var(&s.end, "end", "end key for the scan")
	s.Scan.Flags().Int64Var(&s.count, "count", 0, "maximum number of records to print (0 means all)")
	return s
}

// newReader opens a table, trying every registered comparer until one
// matches the comparer the table was written with.
func (s *sstableT) newReader(path string) (*sstable.Reader, error) {
	var lastErr error
	for _, c := range s.comparers {
		f, err := s.opts.FS.Open(path)
		if err != nil {
			return nil, err
		}
		o := s.opts.Clone()
		o.Comparer = c
		r, err := sstable.NewReader(f, o.EnsureDefaults().MakeReaderOptions())
		if err == nil {
			return r, nil
		}
		lastErr = err
		if base.IsCorruptionError(err) {
			break
		}
	}
	return nil, lastErr
}

func (s *sstableT) runProperties(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		r, err := s.newReader(arg)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
			continue
		}
		fmt.Fprintf(stdout, "%s\n", arg)
		fmt.Fprintf(stdout, "size: %d\n", r.Size())
		fmt.Fprint(stdout, r.Properties.String())
		if err := r.Close(); err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
		}
	}
}

func (s *sstableT) runScan(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		if err := s.scanOne(stdout, arg); err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
		}
	}
}

func (s *sstableT) scanOne(stdout io.Writer, path string) error {
	r, err := s.newReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	iter, err := r.NewIter()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n", path)

	cmp := s.opts.Comparer.EnsureDefaults().Compare
	if r.Properties.ComparerName != "" {
		if c := s.comparers[r.Properties.ComparerName]; c != nil {
			cmp = c.Compare
		}
	}
	var ikey *base.InternalKey
	var value []byte
	if s.start != nil {
		ikey, value = iter.SeekGE(base.MakeSearchKey(s.start))
	} else {
		ikey, value = iter.First()
	}
	var count int64
	for ; ikey != nil; ikey, value = iter.Next() {
		if s.end != nil && cmp(ikey.UserKey, s.end) >= 0 {
			break
		}
		if s.count > 0 && count >= s.count {
			break
		}
		formatKeyValue(stdout, &s.fmtKey, &s.fmtValue, ikey, value)
		count++
	}
	if s.verbose {
		fmt.Fprintf(stdout, "%d record%s\n", count, pluralize(count))
	}
	return errors.CombineErrors(iter.Error(), iter.Close())
}
