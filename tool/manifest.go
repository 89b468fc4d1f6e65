// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/humanize"
	"github.com/cockroachdb/shingle/internal/manifest"
	"github.com/cockroachdb/shingle/record"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// manifestT implements manifest-level tools, including both configuration
// state and the commands themselves.
type manifestT struct {
	Root *cobra.Command
	Dump *cobra.Command

	opts      *shingle.Options
	comparers map[string]*Comparer
	fmtKey    formatter
	verbose   bool
}

func newManifest(opts *shingle.Options, comparers map[string]*Comparer) *manifestT {
	m := &manifestT{
		opts:      opts,
		comparers: comparers,
	}
	m.fmtKey.mustSet("quoted")

	m.Root = &cobra.Command{
		Use:   "manifest",
		Short: "manifest introspection tools",
	}
	m.Dump = &cobra.Command{
		Use:   "dump <manifest-files>",
		Short: "print manifest contents",
		Long: `
Print the contents of the MANIFEST files: every version edit, followed by the
version that results from applying all of them.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runDump,
	}
	m.Dump.Flags().Var(&m.fmtKey, "key", "key formatter")
	m.Root.AddCommand(m.Dump)
	m.Root.PersistentFlags().BoolVarP(&m.verbose, "verbose", "v", false, "verbose output")
	return m
}

func (m *manifestT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		if err := m.dumpOne(stdout, arg); err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
		}
	}
}

func (m *manifestT) dumpOne(stdout io.Writer, path string) error {
	f, err := m.opts.FS.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(stdout, "%s\n", path)
	var bve manifest.BulkVersionEdit
	comparer := base.DefaultComparer
	rr := record.NewReader(f)
	for editIdx := 0; ; editIdx++ {
		offset := rr.Offset()
		r, err := rr.Next()
		if err == io.EOF {
			break
		} else if errors.Is(err, io.ErrUnexpectedEOF) {
			fmt.Fprintf(stdout, "%d: truncated tail\n", offset)
			break
		} else if err != nil {
			return err
		}
		var ve manifest.VersionEdit
		if err := ve.Decode(r); err != nil {
			return errors.Wrapf(err, "offset %d", offset)
		}
		if err := bve.Accumulate(&ve); err != nil {
			return err
		}
		if ve.ComparerName != "" {
			if c := m.comparers[ve.ComparerName]; c != nil {
				comparer = c
			} else {
				return errors.Errorf("comparer %q unknown", ve.ComparerName)
			}
		}
		fmt.Fprintf(stdout, "%d/%d\n", offset, editIdx)
		m.printEdit(stdout, &ve)
	}

	v, err := bve.Apply(nil, comparer.Compare, m.fmtKey.formatKey())
	if err != nil {
		return err
	}
	m.printVersion(stdout, v)
	return nil
}

func (m *manifestT) printEdit(w io.Writer, ve *manifest.VersionEdit) {
	formatKey := m.fmtKey.formatKey()
	if ve.ComparerName != "" {
		fmt.Fprintf(w, "  comparer:     %s\n", ve.ComparerName)
	}
	if ve.LogNum != 0 {
		fmt.Fprintf(w, "  log-num:       %d\n", ve.LogNum)
	}
	if ve.PrevLogNum != 0 {
		fmt.Fprintf(w, "  prev-log-num:  %d\n", ve.PrevLogNum)
	}
	if ve.NextFileNum != 0 {
		fmt.Fprintf(w, "  next-file-num: %d\n", ve.NextFileNum)
	}
	if ve.LastSeqNum != 0 {
		fmt.Fprintf(w, "  last-seq-num:  %d\n", ve.LastSeqNum)
	}
	for _, cp := range ve.CompactPointers {
		fmt.Fprintf(w, "  compact-pointer: L%d %s\n", cp.Level, cp.Key.Pretty(formatKey))
	}
	deleted := make([]manifest.DeletedFileEntry, 0, len(ve.DeletedFiles))
	for df := range ve.DeletedFiles {
		deleted = append(deleted, df)
	}
	sort.Slice(deleted, func(i, j int) bool {
		if deleted[i].Level != deleted[j].Level {
			return deleted[i].Level < deleted[j].Level
		}
		return deleted[i].FileNum < deleted[j].FileNum
	})
	for _, df := range deleted {
		fmt.Fprintf(w, "  deleted:       L%d %s\n", df.Level, df.FileNum)
	}
	for _, nf := range ve.NewFiles {
		fmt.Fprintf(w, "  added:         L%d %s\n", nf.Level, nf.Meta.DebugString(formatKey))
	}
}

func (m *manifestT) printVersion(w io.Writer, v *manifest.Version) {
	formatKey := m.fmtKey.formatKey()
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Level", "File", "Size", "Seqnums", "Smallest", "Largest"})
	tbl.SetAutoWrapText(false)
	for level, files := range v.Levels {
		for _, f := range files {
			tbl.Append([]string{
				fmt.Sprintf("L%d", level),
				f.FileNum.String(),
				humanize.Bytes.Uint64(f.Size).String(),
				fmt.Sprintf("[%d-%d]", f.SmallestSeqNum, f.LargestSeqNum),
				fmt.Sprint(f.Smallest.Pretty(formatKey)),
				fmt.Sprint(f.Largest.Pretty(formatKey)),
			})
		}
	}
	tbl.Render()
	if m.verbose {
		fmt.Fprintf(w, "%d tables, %s\n", v.NumFiles(), humanize.Bytes.Uint64(totalSize(v)))
	}
}

func totalSize(v *manifest.Version) uint64 {
	var size uint64
	for _, files := range v.Levels {
		size += manifest.TotalSize(files)
	}
	return size
}
