// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package trial

import (
	"context"
	"fmt"
	"strings"

	"github.com/kraklabs/arbiter/pkg/canon"
)

// MockCompletionClient produces deterministic, seed-derived completions
// without any network access, for reproducible testing and for runs with
// no OPENROUTER_API_KEY set (spec.md §6's mock-default-when-absent rule).
type MockCompletionClient struct {
	Seed any
}

// Complete returns a deterministic pseudo-answer derived from the seed and
// the trial's messages, shaped as a fenced JSON decision block so the
// default contract extractor (if configured) succeeds on it.
func (m *MockCompletionClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	// The stream key folds in the full message transcript so that
	// different personas/protocols/decode draws for the same trial_id
	// produce different mock content.
	key := transcriptKey(req)
	rng := canon.NewRNG(m.Seed, "mock-complete:"+key, 0)
	decision := "no"
	if rng.Next() >= 0.5 {
		decision = "yes"
	}
	content := fmt.Sprintf("```json\n{\"decision\": %q, \"rationale\": \"mock rationale for %s\"}\n```", decision, req.Model)

	return CompletionResponse{
		Model:   req.Model,
		ID:      "mock-" + key,
		Usage:   Usage{PromptTokens: len(content) / 4, CompletionTokens: len(content) / 4},
		Content: content,
	}, nil
}

// MockEmbeddingClient draws a deterministic vector from the RNG stream
// "embed:{trialID}" per spec.md §4.6 step 6. TrialID is threaded in via
// WithTrial since the EmbeddingClient interface itself carries no trial
// identity (it mirrors the live HTTP contract, which doesn't either).
type MockEmbeddingClient struct {
	Seed       any
	Dimensions int
}

// WithTrial returns an embedder bound to a specific trial_id, used to key
// the mock RNG stream.
func (m *MockEmbeddingClient) WithTrial(trialID int) EmbeddingClient {
	return &mockTrialEmbedder{seed: m.Seed, dims: m.Dimensions, trialID: trialID}
}

type mockTrialEmbedder struct {
	seed    any
	dims    int
	trialID int
}

func (e *mockTrialEmbedder) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	dims := e.dims
	if dims <= 0 {
		dims = 8
	}
	rng := canon.NewRNG(e.seed, fmt.Sprintf("embed:%d", e.trialID), 0)
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(rng.Next()*2 - 1)
	}
	return vec, nil
}

// DegenerateEmbeddingClient always returns the same vector regardless of
// trial or text, used to exercise the convergence monitor's stop behavior
// deterministically (spec.md §8 scenarios 2 and 3).
type DegenerateEmbeddingClient struct {
	Dimensions int
}

func (d *DegenerateEmbeddingClient) Embed(_ context.Context, _, _ string) ([]float32, error) {
	dims := d.Dimensions
	if dims <= 0 {
		dims = 8
	}
	vec := make([]float32, dims)
	vec[0] = 1
	return vec, nil
}

func transcriptKey(req CompletionRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Model)
	for _, m := range req.Messages {
		sb.WriteByte(':')
		sb.WriteString(m.Role)
		sb.WriteByte('=')
		sb.WriteString(m.Content)
	}
	return sb.String()
}
