// Package main provides the leakpurge command line tool.
//
// purge parses per-language leak dumps into raw collections, process merges each raw
// collection into one snapshot per person and langs lists what is available on both ends.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "leakpurge"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := NewRootCommand(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}
