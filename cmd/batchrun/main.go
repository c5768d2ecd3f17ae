// Command batchrun drives sharded batch runs against a simulated portal and
// operates on their stored state.
//
//	batchrun run -items items.txt -instances 3 [-instance 2] [-config batchrun.yaml]
//	batchrun status
//	batchrun pause|resume|stop|export -instance 2
//
// Interrupted runs continue where they left off on the next "run".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func usage() {
	printError(`usage: batchrun <command> [flags]

commands:
  run      start or continue instances over an item list
  status   show stored runs
  pause    pause an instance
  resume   resume a paused instance
  stop     stop an instance and flush its results
  export   flush an instance's pending results now

run "batchrun <command> -h" for flags
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1], os.Args[2:], os.Stdout, os.Stderr)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		printError("Error: %v\n\n", err)
		usage()
		os.Exit(2)
	default:
		printError("Error: %v\n", err)
		os.Exit(1)
	}
}
