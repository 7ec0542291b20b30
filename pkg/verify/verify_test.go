// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/arbiter/pkg/orchestrator"
	"github.com/kraklabs/arbiter/pkg/policy"
	"github.com/kraklabs/arbiter/pkg/trial"
)

const neutralPersona = "Answer plainly and directly."

func runFixtureOrchestrator(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	assetRoot := filepath.Join(dir, "assets")
	require.NoError(t, os.MkdirAll(assetRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(assetRoot, "neutral.txt"), []byte(neutralPersona), 0o644))

	sum := sha256.Sum256([]byte(neutralPersona))
	shaHex := hex.EncodeToString(sum[:])

	manifestPath := filepath.Join(dir, "prompts.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{
  "entries": [
    {"id": "neutral", "kind": "persona", "path": "neutral.txt", "sha256": "`+shaHex+`"},
    {"id": "independent", "kind": "protocol", "path": "neutral.txt", "sha256": "`+shaHex+`"}
  ]
}`), 0o644))

	catalogPath := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`{
  "models": [{"slug": "mock/model-a", "tier": "standard"}]
}`), 0o644))

	runsDir := filepath.Join(dir, "runs")
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{
  "run": {"seed": 1234, "question": "is this a fair coin?"},
  "sampling": {
    "models": [{"id": "mock/model-a", "weight": 1}],
    "personas": [{"id": "neutral", "weight": 1}],
    "protocols": [{"id": "independent", "weight": 1}]
  },
  "protocol": {"kind": "independent", "per_call_timeout_ms": 5000},
  "execution": {
    "k_max": 4,
    "batch_size": 2,
    "workers": 2,
    "stop_mode": "advisor",
    "k_min": 1,
    "k_min_count_rule": "k_attempted"
  },
  "measurement": {
    "embedding_model": "mock/embed-a",
    "embed_text_strategy": "outcome_only",
    "novelty_threshold": 0.8,
    "embedding_max_chars": 4000,
    "clustering": {"enabled": true, "tau": 0.5, "centroid_update_rule": "fixed_leader", "cluster_limit": 8, "stop_mode": "advisor"}
  },
  "output": {"runs_dir": "`+filepath.ToSlash(runsDir)+`", "debug": true, "receipt": true}
}`), 0o644))

	opts := orchestrator.Options{
		ConfigPath:         configPath,
		CatalogPath:        catalogPath,
		PromptManifestPath: manifestPath,
		AssetRoot:          assetRoot,
		PolicyFlags:        policy.Flags{AllowFree: true, AllowAliased: true},
		Completion:         &trial.MockCompletionClient{Seed: 1234},
		EmbeddingFor: func(trialID int) trial.EmbeddingClient {
			return (&trial.MockEmbeddingClient{Seed: 1234, Dimensions: 4}).WithTrial(trialID)
		},
		Personas:  func(id string) (string, bool) { return neutralPersona, true },
		Protocols: func(id string) (string, bool) { return neutralPersona, true },
	}

	result, err := orchestrator.Run(context.Background(), opts)
	require.NoError(t, err)
	return result.RunDir
}

func TestRunPassesOnACleanRun(t *testing.T) {
	runDir := runFixtureOrchestrator(t)

	report := Run(runDir)
	for _, c := range report.Checks {
		assert.True(t, c.OK, "check %s failed: %s", c.Name, c.Detail)
	}
	assert.True(t, report.Passed())
	assert.NotEmpty(t, report.Checks)
}

func TestRunFailsOnMissingManifest(t *testing.T) {
	dir := t.TempDir()
	report := Run(dir)
	assert.False(t, report.Passed())
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "manifest.json readable", report.Checks[0].Name)
	assert.False(t, report.Checks[0].OK)
}

func TestRunDetectsTamperedJSONLRecordCount(t *testing.T) {
	runDir := runFixtureOrchestrator(t)

	trialsPath := filepath.Join(runDir, "trials.jsonl")
	data, err := os.ReadFile(trialsPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(trialsPath, append(data, data...), 0o644))

	report := Run(runDir)
	assert.False(t, report.Passed())

	var found bool
	for _, c := range report.Checks {
		if c.Name == "artifact trials.jsonl" {
			found = true
			assert.False(t, c.OK)
		}
	}
	assert.True(t, found, "expected a check for trials.jsonl")
}

func TestRunAcceptsWhitespaceOnlyChangeToConfigResolved(t *testing.T) {
	runDir := runFixtureOrchestrator(t)

	path := filepath.Join(runDir, "config.resolved.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, []byte(" ")...), 0o644))

	report := Run(runDir)

	var found bool
	for _, c := range report.Checks {
		if c.Name == "config_sha256 matches config.resolved.json" {
			found = true
			// Trailing whitespace outside the JSON value does not change
			// the parsed document, so the hash must still match.
			assert.True(t, c.OK)
		}
	}
	assert.True(t, found)
}
