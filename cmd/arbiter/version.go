// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import "fmt"

// printVersion prints the build-time version, commit, and date set via
// ldflags. version/commit/date default to "dev"/"unknown"/"unknown" when
// the binary is built without them.
func printVersion() {
	fmt.Printf("arbiter version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", date)
}
