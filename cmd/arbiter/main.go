// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command arbiter runs audit-first sampling procedures against completion
// endpoints and verifies the run directories they produce.
//
// Usage:
//
//	arbiter [--json] run --config run.yaml [--debug] [--workers N] [--metrics-addr host:port] [--allow-free] [--allow-aliased]
//	arbiter [--json] verify <run-dir>
//	arbiter [--json] config --config run.yaml
//	arbiter version
package main

import (
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/arbiter/internal/ui"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the global CLI flags shared by every subcommand.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, warnings)")
	)

	// Stop parsing at the first non-flag argument (the subcommand name), so
	// subcommand-specific flags like "run --workers 8" pass through
	// untouched instead of being rejected by the global flag parser.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `arbiter - audit-first sampling harness

Usage:
  arbiter <command> [options]

Commands:
  run       Run a sampling procedure against one or more completion endpoints
  verify    Re-check a completed run directory for internal consistency
  config    Resolve and print a run config without executing a run
  version   Show version and exit

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output (progress, warnings)
  -V, --version     Show version and exit

Environment Variables:
  OPENROUTER_API_KEY     API key for the live completion/embedding endpoint.
                         Absent: trial execution falls back to the mock driver.
  OPENROUTER_RATE_LIMIT  Outbound calls per second (0 or absent disables pacing).
  NO_COLOR, CLICOLOR, CLICOLOR_FORCE   Standard color-output overrides.

For detailed command help: arbiter <command> --help
`)
	}

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}

	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "run":
		runRun(cmdArgs, globals)
	case "verify":
		runVerify(cmdArgs, globals)
	case "config":
		runConfigCmd(cmdArgs, globals)
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// printJSON marshals v as indented JSON to stdout, for every subcommand's
// --json output path.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
