// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle"
	"github.com/cockroachdb/shingle/internal/humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// dbT implements db-level tools, including both configuration state and the
// commands themselves.
type dbT struct {
	Root *cobra.Command
	LSM  *cobra.Command
	Get  *cobra.Command
	Scan *cobra.Command
	Put  *cobra.Command

	// Configuration.
	opts        *shingle.Options
	comparers   map[string]*Comparer
	comparer    string
	optionsPath string
	verbose     bool

	// Flags.
	fmtKey   formatter
	fmtValue formatter
	start    key
	end      key
	count    int64
	sync     bool
}

func newDB(opts *shingle.Options, comparers map[string]*Comparer) *dbT {
	d := &dbT{
		opts:      opts,
		comparers: comparers,
	}
	d.fmtKey.mustSet("quoted")
	d.fmtValue.mustSet("quoted")

	d.Root = &cobra.Command{
		Use:   "db",
		Short: "DB introspection tools",
	}
	d.LSM = &cobra.Command{
		Use:   "lsm <dir>",
		Short: "print LSM structure",
		Long: `
Print the per-level structure of the LSM: the number of tables, their total
size and the compaction score of each level.
`,
		Args: cobra.ExactArgs(1),
		RunE: d.runLSM,
	}
	d.Get = &cobra.Command{
		Use:   "get <dir> <key>",
		Short: "get value for a key",
		Long: `
Gets a value for a key, if it exists in DB. Prints a "not found" error if key
does not exist.
`,
		Args: cobra.ExactArgs(2),
		RunE: d.runGet,
	}
	d.Scan = &cobra.Command{
		Use:   "scan <dir>",
		Short: "print db records",
		Long: `
Print the records in the DB in key order, optionally restricted to the key
range [start,end).
`,
		Args: cobra.ExactArgs(1),
		RunE: d.runScan,
	}
	d.Put = &cobra.Command{
		Use:   "put <dir> <key> <value>",
		Short: "set the value of a key",
		Long: `
Sets the value of a key, durably unless --sync=false is given.
`,
		Args: cobra.ExactArgs(3),
		RunE: d.runPut,
	}

	d.Root.AddCommand(d.LSM, d.Get, d.Scan, d.Put)
	d.Root.PersistentFlags().BoolVarP(&d.verbose, "verbose", "v", false, "verbose output")
	d.Root.PersistentFlags().StringVar(
		&d.comparer, "comparer", "", "comparer name (use default if empty)")
	d.Root.PersistentFlags().StringVar(
		&d.optionsPath, "options", "", "OPTIONS file to load before opening the DB")

	d.Get.Flags().Var(&d.fmtValue, "value", "value formatter")
	d.Scan.Flags().Var(&d.fmtKey, "key", "key formatter")
	d.Scan.Flags().Var(&d.fmtValue, "value", "value formatter")
	d.Scan.Flags().Var(&d.start, "start", "start key for the scan")
	d.Scan.Flags().Var(&d.end, "end", "end key for the scan")
	d.Scan.Flags().Int64Var(&d.count, "count", 0, "maximum number of records to print (0 means all)")
	d.Put.Flags().BoolVar(&d.sync, "sync", true, "sync the WAL before returning")
	return d
}

func (d *dbT) loadOptions() (*shingle.Options, error) {
	opts := d.opts.Clone()
	if d.comparer != "" {
		opts.Comparer = d.comparers[d.comparer]
		if opts.Comparer == nil {
			return nil, errors.Errorf("unknown comparer %q", d.comparer)
		}
	}
	if d.optionsPath != "" {
		f, err := opts.FS.Open(d.optionsPath)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		if err = errors.CombineErrors(err, f.Close()); err != nil {
			return nil, err
		}
		if err := opts.Parse(string(data)); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func (d *dbT) openDB(dir string) (*shingle.DB, error) {
	opts, err := d.loadOptions()
	if err != nil {
		return nil, err
	}
	if d.verbose {
		opts.EventListener = shingle.MakeLoggingEventListener(nil)
	}
	db, err := shingle.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", dir)
	}
	return db, nil
}

func closeDB(db *shingle.DB, retErr *error) {
	if err := db.Close(); err != nil && *retErr == nil {
		*retErr = err
	}
}

func (d *dbT) runLSM(cmd *cobra.Command, args []string) (retErr error) {
	db, err := d.openDB(args[0])
	if err != nil {
		return err
	}
	defer closeDB(db, &retErr)

	stdout := cmd.OutOrStdout()
	m := db.Metrics()
	tbl := tablewriter.NewWriter(stdout)
	tbl.SetHeader([]string{"Level", "Tables", "Size", "Score", "In", "Written", "W-Amp"})
	tbl.SetAlignment(tablewriter.ALIGN_RIGHT)
	for level := range m.Levels {
		l := &m.Levels[level]
		tbl.Append([]string{
			fmt.Sprintf("L%d", level),
			fmt.Sprint(l.NumFiles),
			humanize.Bytes.Uint64(l.Size).String(),
			fmt.Sprintf("%.2f", l.Score),
			humanize.Bytes.Uint64(l.BytesIn).String(),
			humanize.Bytes.Uint64(l.BytesWritten()).String(),
			fmt.Sprintf("%.1f", l.WriteAmp()),
		})
	}
	total := m.Total()
	tbl.SetFooter([]string{
		"total",
		fmt.Sprint(total.NumFiles),
		humanize.Bytes.Uint64(total.Size).String(),
		"",
		humanize.Bytes.Uint64(total.BytesIn).String(),
		humanize.Bytes.Uint64(total.BytesWritten()).String(),
		fmt.Sprintf("%.1f", total.WriteAmp()),
	})
	tbl.Render()

	if d.verbose {
		fmt.Fprintf(stdout, "\n%s", m)
	}
	return nil
}

func (d *dbT) runGet(cmd *cobra.Command, args []string) (retErr error) {
	k, err := parseKey(args[1])
	if err != nil {
		return err
	}
	db, err := d.openDB(args[0])
	if err != nil {
		return err
	}
	defer closeDB(db, &retErr)

	val, err := db.Get(k)
	if err != nil {
		return err
	}
	stdout := cmd.OutOrStdout()
	d.fmtValue.fn(stdout, val)
	fmt.Fprintln(stdout)
	return nil
}

func (d *dbT) runScan(cmd *cobra.Command, args []string) (retErr error) {
	db, err := d.openDB(args[0])
	if err != nil {
		return err
	}
	defer closeDB(db, &retErr)

	iter, err := db.NewIter(&shingle.IterOptions{
		LowerBound: d.start,
		UpperBound: d.end,
	})
	if err != nil {
		return err
	}
	stdout := cmd.OutOrStdout()
	var count int64
	for valid := iter.First(); valid; valid = iter.Next() {
		if d.count > 0 && count >= d.count {
			break
		}
		if d.fmtKey.spec != "null" {
			d.fmtKey.fn(stdout, iter.Key())
			if d.fmtValue.spec != "null" {
				fmt.Fprint(stdout, " ")
			}
		}
		if d.fmtValue.spec != "null" {
			d.fmtValue.fn(stdout, iter.Value())
		}
		fmt.Fprintln(stdout)
		count++
	}
	if err := errors.CombineErrors(iter.Error(), iter.Close()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStderr(), "scanned %d record%s\n", count, pluralize(count))
	return nil
}

func (d *dbT) runPut(cmd *cobra.Command, args []string) (retErr error) {
	k, err := parseKey(args[1])
	if err != nil {
		return err
	}
	db, err := d.openDB(args[0])
	if err != nil {
		return err
	}
	defer closeDB(db, &retErr)

	opts := shingle.NoSync
	if d.sync {
		opts = shingle.Sync
	}
	return db.Set(k, []byte(args[2]), opts)
}

func pluralize(n int64) string {
	if n == 1 {
		return ""
	}
	return "s"
}
