// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
)

func binaryDecisionContract() *arbiterconfig.DecisionContract {
	return &arbiterconfig.DecisionContract{
		Name: "binary_decision_v1",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"decision"},
			"properties": map[string]any{
				"decision": map[string]any{"enum": []any{"yes", "no"}},
			},
		},
		EmbedTextSource: "decision",
	}
}

func TestExtractEmptyContentFails(t *testing.T) {
	res, err := Extract("   ", binaryDecisionContract())
	require.NoError(t, err)
	assert.Equal(t, ParseFailed, res.ParseStatus)
	assert.Equal(t, "", res.EmbedText)
}

func TestExtractFencedJSONSuccess(t *testing.T) {
	content := "Here is my answer:\n```json\n{\"decision\": \"yes\"}\n```\n"
	res, err := Extract(content, binaryDecisionContract())
	require.NoError(t, err)
	assert.Equal(t, ParseSuccess, res.ParseStatus)
}

func TestExtractRationaleTruncation(t *testing.T) {
	dc := &arbiterconfig.DecisionContract{
		Name: "rationale_v1",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"decision", "rationale"},
			"properties": map[string]any{
				"decision":  map[string]any{"enum": []any{"yes", "no"}},
				"rationale": map[string]any{"type": "string"},
			},
		},
		EmbedTextSource:   "rationale",
		RationaleMaxChars: 16,
	}
	content := "```json\n{\"decision\":\"yes\",\"rationale\":\"this rationale is too long\"}\n```"
	res, err := Extract(content, dc)
	require.NoError(t, err)
	assert.Equal(t, ParseSuccess, res.ParseStatus)
	assert.Equal(t, "this rationale i", res.EmbedText)
	assert.True(t, res.RationaleTruncated)
}

func TestExtractUnfencedBalancedBraces(t *testing.T) {
	content := "My decision is {\"decision\": \"no\"} because reasons."
	res, err := Extract(content, binaryDecisionContract())
	require.NoError(t, err)
	assert.Equal(t, ParseSuccess, res.ParseStatus)
}

func TestExtractFallbackOnNoValidCandidate(t *testing.T) {
	content := "I refuse to answer in JSON."
	res, err := Extract(content, binaryDecisionContract())
	require.NoError(t, err)
	assert.Equal(t, ParseFallback, res.ParseStatus)
	assert.Equal(t, SourceRawContent, res.EmbedTextSource)
	assert.Equal(t, content, res.EmbedText)
}

func TestExtractBracesInsideStringsDoNotBreakBalance(t *testing.T) {
	content := "Answer: {\"decision\": \"yes\", \"note\": \"contains a brace } inside\"}"
	res, err := Extract(content, &arbiterconfig.DecisionContract{
		Name: "loose",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"decision"},
			"properties": map[string]any{
				"decision": map[string]any{"type": "string"},
			},
		},
		EmbedTextSource: "decision",
	})
	require.NoError(t, err)
	assert.Equal(t, ParseSuccess, res.ParseStatus)
}

func TestExtractNoContractAcceptsAnyJSON(t *testing.T) {
	content := "```json\n{\"anything\": 1}\n```"
	res, err := Extract(content, nil)
	require.NoError(t, err)
	assert.Equal(t, ParseSuccess, res.ParseStatus)
}
