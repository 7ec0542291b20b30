// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui renders the console output of the arbiter CLI: colored
// headers, dimmed labels, and batch progress bars. It degrades to plain
// text when colors are disabled or stdout isn't a terminal.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// Color handles, reassigned by InitColors when output is non-interactive
// or color is disabled.
var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed)
	Dim    = color.New(color.Faint)
	Bold   = color.New(color.Bold)
)

// InitColors disables all color output when noColor is set, NO_COLOR is
// present in the environment, CLICOLOR is "0", or stdout isn't a TTY. A
// non-empty CLICOLOR_FORCE other than "0" re-enables color on a non-TTY
// stdout, but never overrides noColor or NO_COLOR.
func InitColors(noColor bool) {
	explicitOff := noColor || os.Getenv("NO_COLOR") != "" || os.Getenv("CLICOLOR") == "0"
	disabled := explicitOff || !isatty.IsTerminal(os.Stdout.Fd())
	if force := os.Getenv("CLICOLOR_FORCE"); force != "" && force != "0" && !explicitOff {
		disabled = false
	}
	color.NoColor = disabled
}

// Header prints a bold section title.
func Header(title string) {
	_, _ = Bold.Println(title)
}

// SubHeader prints a dimmed sub-section title.
func SubHeader(title string) {
	_, _ = Dim.Println(title)
}

// Label formats a field label for "Label: value" lines.
func Label(s string) string {
	return Dim.Sprint(s)
}

// DimText renders s faint.
func DimText(s string) string {
	return Dim.Sprint(s)
}

// CountText renders an integer count, dimmed.
func CountText(n int) string {
	return Dim.Sprint(fmt.Sprintf("%d", n))
}

// ProgressConfig controls whether a progress bar is rendered at all.
type ProgressConfig struct {
	Enabled bool // false when --quiet, --json, or non-TTY
}

// NewProgressConfig derives progress-bar visibility from the CLI's
// quiet/json flags and whether stderr is a terminal.
func NewProgressConfig(quiet, jsonOutput bool) ProgressConfig {
	return ProgressConfig{Enabled: !quiet && !jsonOutput && isatty.IsTerminal(os.Stderr.Fd())}
}

// NewProgressBar builds a progressbar.ProgressBar for total items with the
// given description, or a disabled no-op bar when cfg.Enabled is false.
func NewProgressBar(cfg ProgressConfig, total int64, description string) *progressbar.ProgressBar {
	if !cfg.Enabled {
		return progressbar.DefaultSilent(total)
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
}
