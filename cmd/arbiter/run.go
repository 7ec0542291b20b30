// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/arbiter/internal/cliutil"
	"github.com/kraklabs/arbiter/internal/ui"
	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
	"github.com/kraklabs/arbiter/pkg/eventbus"
	"github.com/kraklabs/arbiter/pkg/metrics"
	"github.com/kraklabs/arbiter/pkg/monitor"
	"github.com/kraklabs/arbiter/pkg/orchestrator"
	"github.com/kraklabs/arbiter/pkg/policy"
	"github.com/kraklabs/arbiter/pkg/ratelimit"
	"github.com/kraklabs/arbiter/pkg/trial"
	"github.com/kraklabs/arbiter/pkg/warnsink"
)

// runRun executes the 'run' subcommand: resolve config, pick a live or
// mock trial driver depending on OPENROUTER_API_KEY, and drive the run
// to completion.
//
// Flags:
//   - --config: path to the run config (required)
//   - --catalog: path to the model catalog (default: catalog.json next to --config)
//   - --prompt-manifest: path to the prompt manifest (default: prompts/manifest.json next to --config)
//   - --asset-root: base directory persona/protocol files are read relative to (default: prompts/ next to --config)
//   - --debug: enable debug-tier artifacts
//   - --workers: override execution.workers from the config
//   - --metrics-addr: HTTP listen address for Prometheus metrics (empty to disable)
//   - --allow-free, --allow-aliased, --strict: policy flags
func runRun(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the run config (required)")
	catalogPath := fs.String("catalog", "", "Path to the model catalog (default: catalog.json next to --config)")
	promptManifestPath := fs.String("prompt-manifest", "", "Path to the prompt manifest (default: prompts/manifest.json next to --config)")
	assetRoot := fs.String("asset-root", "", "Base directory for persona/protocol files (default: prompts/ next to --config)")
	debug := fs.Bool("debug", false, "Enable debug-tier artifacts")
	workers := fs.Int("workers", 0, "Override execution.workers from the config")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")
	allowFree := fs.Bool("allow-free", false, "Permit free-tier models without a warning-only downgrade")
	allowAliased := fs.Bool("allow-aliased", false, "Permit aliased models without a warning-only downgrade")
	strict := fs.Bool("strict", false, "Fail the run on any policy warning instead of proceeding")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: arbiter run --config run.yaml [options]

Runs the sampling procedure described by the config against a completion
endpoint and writes a content-addressed run directory.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *configPath == "" {
		cliutil.FatalError(fmt.Errorf("arbiter run: --config is required"), globals.JSON)
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

	// Resolve once up front, purely to build the persona/protocol lookup
	// closures the trial executor needs; orchestrator.Run resolves again
	// internally, since Options requires those lookups independently of
	// its own config path inputs.
	resolved, err := arbiterconfig.Resolve(*configPath, *catalogPath, *promptManifestPath, *assetRoot)
	if err != nil {
		cliutil.FatalError(err, globals.JSON)
	}

	bus := eventbus.New()
	warn := warnsink.New(globals.Quiet, bus)
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if *metricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, *metricsAddr); err != nil {
				cliutil.Warnf(globals.Quiet, "metrics server stopped: %v", err)
			}
		}()
	}

	completion, embeddingFor := buildClients()

	opts := orchestrator.Options{
		ConfigPath:         *configPath,
		CatalogPath:        *catalogPath,
		PromptManifestPath: *promptManifestPath,
		AssetRoot:          *assetRoot,
		PolicyFlags: policy.Flags{
			Strict:       *strict,
			AllowFree:    *allowFree,
			AllowAliased: *allowAliased,
		},
		WorkersOverride: *workers,
		DebugOverride:   *debug,
		Completion:      completion,
		EmbeddingFor:    embeddingFor,
		Personas:        weightedRefLookup(resolved.Config.Sampling.Personas),
		Protocols:       weightedRefLookup(resolved.Config.Sampling.Protocols),
		Bus:             bus,
		Warn:            warn,
		Metrics:         m,
	}

	progressCfg := ui.NewProgressConfig(globals.Quiet, globals.JSON)
	bar := ui.NewProgressBar(progressCfg, int64(resolved.Config.Execution.KMax), "Running trials")
	batchCh := bus.Subscribe(eventbus.TopicBatchCompleted, 8, eventbus.ModeSafe)
	go func() {
		for env := range batchCh {
			if rec, ok := env.Data.(monitor.Record); ok {
				_ = bar.Set64(int64(rec.KAttempted))
			}
		}
	}()

	result, err := orchestrator.Run(ctx, opts)
	_ = bar.Finish()
	bus.Unsubscribe(eventbus.TopicBatchCompleted, batchCh)

	if err != nil {
		cliutil.FatalError(err, globals.JSON)
	}

	printRunResult(result, warn, globals)
}

// weightedRefLookup builds a trial.PersonaLookup over a resolved config's
// inlined sampling entries.
func weightedRefLookup(refs []arbiterconfig.WeightedRef) trial.PersonaLookup {
	byID := make(map[string]string, len(refs))
	for _, r := range refs {
		byID[r.ID] = r.Text
	}
	return func(id string) (string, bool) {
		text, ok := byID[id]
		return text, ok
	}
}

// buildClients selects the live or mock completion/embedding drivers per
// spec.md §6: OPENROUTER_API_KEY present selects the live OpenRouter-
// compatible endpoint, paced by OPENROUTER_RATE_LIMIT; its absence falls
// back to the deterministic mock drivers.
func buildClients() (trial.CompletionClient, func(trialID int) trial.EmbeddingClient) {
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" {
		return &trial.MockCompletionClient{}, func(trialID int) trial.EmbeddingClient {
			return (&trial.MockEmbeddingClient{Dimensions: 8}).WithTrial(trialID)
		}
	}

	var limiter *ratelimit.Limiter
	if rateStr := os.Getenv("OPENROUTER_RATE_LIMIT"); rateStr != "" {
		if rate, err := strconv.ParseFloat(rateStr, 64); err == nil && rate > 0 {
			limiter = ratelimit.New(rate, int(rate)+1)
		}
	}

	baseURL := os.Getenv("OPENROUTER_BASE_URL")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	httpClient := &http.Client{Timeout: 2 * time.Minute}

	completion := &trial.LiveCompletionClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: httpClient,
		Limiter:    limiter,
	}
	return completion, func(trialID int) trial.EmbeddingClient {
		return &trial.LiveEmbeddingClient{
			BaseURL:    baseURL,
			APIKey:     apiKey,
			HTTPClient: httpClient,
			Limiter:    limiter,
		}
	}
}

func printRunResult(result orchestrator.Result, warn *warnsink.Sink, globals GlobalFlags) {
	if globals.JSON {
		printJSON(struct {
			RunDir   string             `json:"run_dir"`
			Manifest any                `json:"manifest"`
			Warnings []warnsink.Warning `json:"warnings,omitempty"`
		}{RunDir: result.RunDir, Manifest: result.Manifest, Warnings: warn.All()})
		return
	}

	ui.Header("Run Complete")
	fmt.Printf("%s %s\n", ui.Label("Run directory:"), result.RunDir)
	fmt.Printf("%s %s\n", ui.Label("Run ID:"), result.Manifest.RunID)
	fmt.Printf("%s %s\n", ui.Label("Stop reason:"), result.Manifest.StopReason)
	fmt.Printf("%s %s\n", ui.Label("Trials attempted:"), ui.CountText(result.Manifest.KAttempted))
	fmt.Printf("%s %s\n", ui.Label("Trials eligible:"), ui.CountText(result.Manifest.KEligible))
	if result.Manifest.Incomplete {
		_, _ = ui.Yellow.Println("This run is incomplete.")
	}
	if globals.Quiet {
		for _, w := range warn.All() {
			fmt.Fprintf(os.Stderr, "[WARN] %s: %s\n", w.Code, w.Message)
		}
	}
}
