// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/record"
	"github.com/spf13/cobra"
)

// walT implements WAL-level tools, including both configuration state and the
// commands themselves.
type walT struct {
	Root *cobra.Command
	Dump *cobra.Command

	opts     *shingle.Options
	fmtKey   formatter
	fmtValue formatter
	verbose  bool
}

func newWAL(opts *shingle.Options) *walT {
	w := &walT{
		opts: opts,
	}
	w.fmtKey.mustSet("quoted")
	w.fmtValue.mustSet("size")

	w.Root = &cobra.Command{
		Use:   "wal",
		Short: "WAL introspection tools",
	}
	w.Dump = &cobra.Command{
		Use:   "dump <wal-files>",
		Short: "print WAL contents",
		Long: `
Print the contents of the WAL files: one line per batch, followed by the
batch's operations.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  w.runDump,
	}

	w.Root.AddCommand(w.Dump)
	w.Root.PersistentFlags().BoolVarP(&w.verbose, "verbose", "v", false, "verbose output")

	w.Dump.Flags().Var(&w.fmtKey, "key", "key formatter")
	w.Dump.Flags().Var(&w.fmtValue, "value", "value formatter")
	return w
}

func (w *walT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		if err := w.dumpOne(stdout, arg); err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
		}
	}
}

func (w *walT) dumpOne(stdout io.Writer, path string) error {
	f, err := w.opts.FS.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(stdout, "%s\n", path)
	var b shingle.Batch
	var buf bytes.Buffer
	rr := record.NewReader(f)
	for {
		offset := rr.Offset()
		r, err := rr.Next()
		if err == nil {
			buf.Reset()
			_, err = io.Copy(&buf, r)
		}
		if err != nil {
			switch {
			case err == io.EOF:
				return nil
			case errors.Is(err, io.ErrUnexpectedEOF):
				// A torn write at the end of the log is expected after a crash.
				fmt.Fprintf(stdout, "EOF [%s] (truncated tail)\n", err)
				return nil
			default:
				return errors.Wrapf(err, "offset %d", offset)
			}
		}

		b = shingle.Batch{}
		if err := b.SetRepr(buf.Bytes()); err != nil {
			return errors.Wrapf(err, "corrupt batch at offset %d", offset)
		}
		fmt.Fprintf(stdout, "%d(%d) seq=%d count=%d\n",
			offset, buf.Len(), b.SeqNum(), b.Count())
		if err := w.dumpBatch(stdout, &b); err != nil {
			return errors.Wrapf(err, "offset %d", offset)
		}
	}
}

func (w *walT) dumpBatch(stdout io.Writer, b *shingle.Batch) error {
	r := b.Reader()
	seqNum := b.SeqNum()
	for idx := uint32(0); ; idx++ {
		kind, ukey, value, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			if idx != b.Count() {
				return errors.Errorf("batch holds %d records, header says %d", idx, b.Count())
			}
			return nil
		}
		fmt.Fprintf(stdout, "    %s(", kind)
		ikey := base.MakeInternalKey(ukey, seqNum+base.SeqNum(idx), kind)
		w.fmtKey.fn(stdout, ikey.UserKey)
		if kind == base.InternalKeyKindSet {
			fmt.Fprint(stdout, ",")
			w.fmtValue.fn(stdout, value)
		}
		fmt.Fprintf(stdout, ")")
		if w.verbose {
			fmt.Fprintf(stdout, " #%d", ikey.SeqNum())
		}
		fmt.Fprintln(stdout)
	}
}
