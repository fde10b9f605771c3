package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the owlyfilter daemon
//
// This file is intentionally slim. The daemon lives in cmd_run.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.4.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "run":
		cmdRun(args)
	case "version", "--version", "-V":
		printVersion(os.Stdout)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", subcmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func printVersion(w *os.File) {
	fmt.Fprintf(w, "owlyfilter %s (%s, built %s)\n", version, commit, buildDate)
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `owlyfilter — ransomware-detection filesystem filter core

Usage:
  owlyfilter run [-c config.yaml]   start the filter daemon
  owlyfilter version                print version information
  owlyfilter help                   show this help
`)
}
