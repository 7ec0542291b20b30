// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/arbiter/internal/cliutil"
	"github.com/kraklabs/arbiter/internal/ui"
	"github.com/kraklabs/arbiter/pkg/verify"
)

// runVerify executes the 'verify' subcommand: re-read a completed run
// directory and report every consistency check independently, exiting
// non-zero if any check failed.
func runVerify(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: arbiter verify <run-dir> [options]

Re-checks a completed run directory: manifest schema, config_sha256
against config.resolved.json, and every listed artifact's existence and
record count. Does not re-execute anything.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() != 1 {
		cliutil.FatalError(fmt.Errorf("arbiter verify: expected exactly one <run-dir> argument"), globals.JSON)
	}
	runDir := fs.Arg(0)

	report := verify.Run(runDir)

	if globals.JSON {
		printJSON(report)
	} else {
		printVerifyReport(report)
	}

	if !report.Passed() {
		os.Exit(1)
	}
}

func printVerifyReport(report verify.Report) {
	ui.Header(fmt.Sprintf("Verify: %s", report.RunDir))
	for _, c := range report.Checks {
		if c.OK {
			_, _ = ui.Green.Printf("  OK   %s\n", c.Name)
			continue
		}
		_, _ = ui.Red.Printf("  FAIL %s\n", c.Name)
		if c.Detail != "" {
			fmt.Printf("       %s\n", ui.DimText(c.Detail))
		}
	}
	if report.Passed() {
		_, _ = ui.Green.Println("All checks passed.")
	} else {
		_, _ = ui.Red.Println("Verification failed.")
	}
}

