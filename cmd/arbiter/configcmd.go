// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/arbiter/internal/cliutil"
	"github.com/kraklabs/arbiter/internal/ui"
	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
)

// configOutput is what 'arbiter config' prints: the resolved config plus
// its provenance hashes and unknown-to-catalog models, omitting nothing
// sensitive since a run config carries no credentials (those come from
// OPENROUTER_API_KEY at run time, never from the config file).
type configOutput struct {
	ConfigPath           string                        `json:"config_path"`
	CatalogPath          string                        `json:"catalog_path"`
	PromptManifestPath   string                        `json:"prompt_manifest_path"`
	Config               arbiterconfig.ResolvedConfig  `json:"config"`
	ConfigSHA256         string                        `json:"config_sha256"`
	ModelCatalogSHA256   string                        `json:"model_catalog_sha256"`
	PromptManifestSHA256 string                        `json:"prompt_manifest_sha256"`
	UnknownModelSlugs    []string                      `json:"unknown_model_slugs,omitempty"`
}

// runConfigCmd executes the 'config' subcommand: resolve a run config
// against its catalog and prompt manifest and print the result, without
// executing a run.
func runConfigCmd(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the run config (required)")
	catalogPath := fs.String("catalog", "", "Path to the model catalog (default: catalog.json next to --config)")
	promptManifestPath := fs.String("prompt-manifest", "", "Path to the prompt manifest (default: prompts/manifest.json next to --config)")
	assetRoot := fs.String("asset-root", "", "Base directory for persona/protocol files (default: prompts/ next to --config)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: arbiter config --config run.yaml [options]

Resolves a run config against its model catalog and prompt manifest and
prints the result, without executing a run.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *configPath == "" {
		cliutil.FatalError(fmt.Errorf("arbiter config: --config is required"), globals.JSON)
	}

	dir := filepath.Dir(*configPath)
	if *catalogPath == "" {
		*catalogPath = filepath.Join(dir, "catalog.json")
	}
	if *promptManifestPath == "" {
		*promptManifestPath = filepath.Join(dir, "prompts", "manifest.json")
	}
	if *assetRoot == "" {
		*assetRoot = filepath.Join(dir, "prompts")
	}

	resolved, err := arbiterconfig.Resolve(*configPath, *catalogPath, *promptManifestPath, *assetRoot)
	if err != nil {
		cliutil.FatalError(err, globals.JSON)
	}

	out := configOutput{
		ConfigPath:           *configPath,
		CatalogPath:          *catalogPath,
		PromptManifestPath:   *promptManifestPath,
		Config:               resolved.Config,
		ConfigSHA256:         resolved.ConfigSHA256,
		ModelCatalogSHA256:   resolved.ModelCatalogSHA256,
		PromptManifestSHA256: resolved.PromptManifestSHA256,
		UnknownModelSlugs:    resolved.UnknownModelSlugs,
	}

	if globals.JSON {
		printJSON(out)
		return
	}
	printConfigHuman(out)
}

func printConfigHuman(out configOutput) {
	ui.Header("Resolved Configuration")
	fmt.Printf("%s %s\n", ui.Label("Config:"), out.ConfigPath)
	fmt.Printf("%s %s\n", ui.Label("Catalog:"), out.CatalogPath)
	fmt.Printf("%s %s\n", ui.Label("Prompt manifest:"), out.PromptManifestPath)
	fmt.Println()

	ui.SubHeader("Sampling")
	fmt.Printf("  %s %s\n", ui.Label("Models:"), ui.CountText(len(out.Config.Sampling.Models)))
	fmt.Printf("  %s %s\n", ui.Label("Personas:"), ui.CountText(len(out.Config.Sampling.Personas)))
	fmt.Printf("  %s %s\n", ui.Label("Protocols:"), ui.CountText(len(out.Config.Sampling.Protocols)))
	fmt.Printf("  %s %s\n", ui.Label("Instruments:"), ui.CountText(len(out.Config.Sampling.Instruments)))

	ui.SubHeader("Execution")
	fmt.Printf("  %s %s\n", ui.Label("k_max:"), ui.CountText(out.Config.Execution.KMax))
	fmt.Printf("  %s %s\n", ui.Label("k_min:"), ui.CountText(out.Config.Execution.KMin))
	fmt.Printf("  %s %s\n", ui.Label("workers:"), ui.CountText(out.Config.Execution.Workers))
	fmt.Printf("  %s %s\n", ui.Label("batch_size:"), ui.CountText(out.Config.Execution.BatchSize))
	fmt.Printf("  %s %s\n", ui.Label("stop_mode:"), string(out.Config.Execution.StopMode))

	if len(out.UnknownModelSlugs) > 0 {
		ui.SubHeader("Unknown-to-catalog models")
		for _, s := range out.UnknownModelSlugs {
			_, _ = ui.Yellow.Printf("  %s\n", s)
		}
	}

	fmt.Println()
	ui.SubHeader("Hashes")
	fmt.Printf("  %s %s\n", ui.Label("config_sha256:"), out.ConfigSHA256)
	fmt.Printf("  %s %s\n", ui.Label("model_catalog_sha256:"), out.ModelCatalogSHA256)
	fmt.Printf("  %s %s\n", ui.Label("prompt_manifest_sha256:"), out.PromptManifestSHA256)
}
