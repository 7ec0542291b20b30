// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/arbiter/pkg/artifact"
	"github.com/kraklabs/arbiter/pkg/eventbus"
	"github.com/kraklabs/arbiter/pkg/policy"
	"github.com/kraklabs/arbiter/pkg/trial"
	"github.com/kraklabs/arbiter/pkg/warnsink"
)

const neutralPersona = "Answer plainly and directly."

func writeFixtures(t *testing.T, dir string, clusteringEnabled bool, stopPolicy string) (configPath, catalogPath, manifestPath, assetRoot, runsDir string) {
	t.Helper()

	assetRoot = filepath.Join(dir, "assets")
	require.NoError(t, os.MkdirAll(assetRoot, 0o755))
	personaPath := filepath.Join(assetRoot, "neutral.txt")
	require.NoError(t, os.WriteFile(personaPath, []byte(neutralPersona), 0o644))

	sum := sha256Hex(t, []byte(neutralPersona))

	manifestPath = filepath.Join(dir, "prompts.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{
  "entries": [
    {"id": "neutral", "kind": "persona", "path": "neutral.txt", "sha256": "`+sum+`"},
    {"id": "independent", "kind": "protocol", "path": "neutral.txt", "sha256": "`+sum+`"}
  ]
}`), 0o644))

	catalogPath = filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`{
  "models": [{"slug": "mock/model-a", "tier": "standard"}]
}`), 0o644))

	runsDir = filepath.Join(dir, "runs")

	clusterBlock := `"enabled": false, "tau": 0.9, "centroid_update_rule": "fixed_leader", "cluster_limit": 8, "stop_mode": "advisor"`
	if clusteringEnabled {
		clusterBlock = `"enabled": true, "tau": 0.5, "centroid_update_rule": "fixed_leader", "cluster_limit": 8, "stop_mode": "advisor"`
	}

	spBlock := ""
	stopMode := "advisor"
	kMax := 4
	if stopPolicy != "" {
		spBlock = `, "stop_policy": ` + stopPolicy
		stopMode = "enforcer"
		kMax = 6
	}

	configPath = filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{
  "run": {"seed": 1234, "question": "is this a fair coin?"},
  "sampling": {
    "models": [{"id": "mock/model-a", "weight": 1}],
    "personas": [{"id": "neutral", "weight": 1}],
    "protocols": [{"id": "independent", "weight": 1}]
  },
  "protocol": {"kind": "independent", "per_call_timeout_ms": 5000},
  "execution": {
    "k_max": `+strconv.Itoa(kMax)+`,
    "batch_size": 2,
    "workers": 2,
    "stop_mode": "`+stopMode+`",
    "k_min": 1,
    "k_min_count_rule": "k_attempted"`+spBlock+`
  },
  "measurement": {
    "embedding_model": "mock/embed-a",
    "embed_text_strategy": "outcome_only",
    "novelty_threshold": 0.8,
    "embedding_max_chars": 4000,
    "clustering": {`+clusterBlock+`}
  },
  "output": {"runs_dir": "`+filepath.ToSlash(runsDir)+`", "debug": true, "receipt": true}
}`), 0o644))

	return
}

func sha256Hex(t *testing.T, data []byte) string {
	t.Helper()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func baseOptions(configPath, catalogPath, manifestPath, assetRoot string) Options {
	return Options{
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
}

func TestRunProducesCompleteManifestAndArtifacts(t *testing.T) {
	dir := t.TempDir()
	configPath, catalogPath, manifestPath, assetRoot, _ := writeFixtures(t, dir, false, "")

	opts := baseOptions(configPath, catalogPath, manifestPath, assetRoot)
	result, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, artifact.StopCompleted, result.Manifest.StopReason)
	assert.False(t, result.Manifest.Incomplete)
	assert.Equal(t, 4, result.Manifest.KPlanned)
	assert.Equal(t, 4, result.Manifest.KAttempted)
	assert.NotEmpty(t, result.Manifest.ConfigSHA256)

	names := make(map[string]bool, len(result.Manifest.Artifacts))
	for _, a := range result.Manifest.Artifacts {
		names[a.Path] = true
	}
	for _, want := range []string{
		"trial_plan.jsonl", "config.resolved.json", "trials.jsonl", "parsed.jsonl",
		"convergence_trace.jsonl", "monitoring.jsonl", "debug/embeddings.jsonl",
		"embeddings.provenance.json", "aggregates.json", "receipt.txt",
	} {
		assert.True(t, names[want], "missing artifact %s", want)
	}

	for _, rel := range []string{"manifest.json", "aggregates.json", "monitoring.jsonl", "receipt.txt"} {
		_, statErr := os.Stat(filepath.Join(result.RunDir, rel))
		assert.NoError(t, statErr, "expected %s on disk", rel)
	}
}

func TestRunWithClusteringWritesGroupArtifacts(t *testing.T) {
	dir := t.TempDir()
	configPath, catalogPath, manifestPath, assetRoot, _ := writeFixtures(t, dir, true, "")

	opts := baseOptions(configPath, catalogPath, manifestPath, assetRoot)
	result, err := Run(context.Background(), opts)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(result.RunDir, "groups", "assignments.jsonl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(result.RunDir, "groups", "state.json"))
	assert.NoError(t, err)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	dir := t.TempDir()
	configPath, catalogPath, manifestPath, assetRoot, _ := writeFixtures(t, dir, false, "")

	opts := baseOptions(configPath, catalogPath, manifestPath, assetRoot)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, artifact.StopUserInterrupt, result.Manifest.StopReason)
	assert.True(t, result.Manifest.Incomplete)
	assert.Equal(t, 0, result.Manifest.KAttempted)
}

func TestRunConvergesWithDegenerateEmbeddings(t *testing.T) {
	dir := t.TempDir()
	configPath, catalogPath, manifestPath, assetRoot, _ := writeFixtures(t, dir, false, `{"novelty_epsilon": 0.5, "similarity_threshold": 0.5, "patience": 1}`)

	opts := baseOptions(configPath, catalogPath, manifestPath, assetRoot)
	opts.EmbeddingFor = func(trialID int) trial.EmbeddingClient {
		return &trial.DegenerateEmbeddingClient{Dimensions: 4}
	}

	result, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, artifact.StopConverged, result.Manifest.StopReason)
	assert.Less(t, result.Manifest.KAttempted, result.Manifest.KPlanned)
}

func TestRunPublishesBusEvents(t *testing.T) {
	dir := t.TempDir()
	configPath, catalogPath, manifestPath, assetRoot, _ := writeFixtures(t, dir, false, "")

	bus := eventbus.New()
	ch := bus.Subscribe(eventbus.TopicBatchCompleted, 8, eventbus.ModeSafe)
	warn := warnsink.New(true, bus)

	opts := baseOptions(configPath, catalogPath, manifestPath, assetRoot)
	opts.Bus = bus
	opts.Warn = warn

	_, err := Run(context.Background(), opts)
	require.NoError(t, err)

	select {
	case env := <-ch:
		assert.Equal(t, eventbus.TopicBatchCompleted, env.Topic)
	default:
		t.Fatal("expected at least one batch-completed event")
	}
}
