// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// The shingle command inspects shingle databases and their files, and runs
// benchmarks against them.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/cockroachdb/shingle/tool"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shingle [command] (flags)",
	Short: "shingle introspection and benchmarking tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	t := tool.New()
	rootCmd.AddCommand(t.Commands...)
	rootCmd.AddCommand(benchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Cobra has already printed the error message.
		stop()
		os.Exit(1)
	}
}
