// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cliutil holds small helpers shared by cmd/arbiter's
// subcommands: a uniform fatal-error exit path that respects --json mode.
package cliutil

import (
	"encoding/json"
	"fmt"
	"os"
)

// FatalError reports err to stderr (or, in JSON mode, as a single JSON
// object on stdout) and exits the process with status 1. It never
// returns.
func FatalError(err error, jsonOutput bool) {
	if jsonOutput {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Println(string(payload))
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

// Warnf writes a non-fatal warning line to stderr unless quiet is set.
func Warnf(quiet bool, format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(os.Stderr, "[WARN] "+format+"\n", args...)
}
