// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package contract implements best-effort structured JSON extraction under
// an optional decision contract, per spec.md §4.7.
package contract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
)

// ParseStatus classifies the outcome of extracting structured output from
// a trial's raw content.
type ParseStatus string

const (
	ParseSuccess  ParseStatus = "success"
	ParseFallback ParseStatus = "fallback"
	ParseFailed   ParseStatus = "failed"
)

// EmbedTextSource names where embed_text was drawn from.
type EmbedTextSource string

const (
	SourceDecision  EmbedTextSource = "decision"
	SourceRationale EmbedTextSource = "rationale"
	SourceRawContent EmbedTextSource = "raw_content"
)

// Result is spec.md §3's ParsedRecord (minus TrialID, which the caller
// attaches).
type Result struct {
	ParseStatus        ParseStatus     `json:"parse_status"`
	Outcome            any             `json:"outcome,omitempty"`
	Rationale          string          `json:"rationale,omitempty"`
	RationaleTruncated bool            `json:"rationale_truncated,omitempty"`
	EmbedText          string          `json:"embed_text"`
	EmbedTextSource    EmbedTextSource `json:"embed_text_source,omitempty"`
	ParserVersion      string          `json:"parser_version"`
}

const parserVersion = "contract-v1"

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// Extract implements spec.md §4.7's five-step algorithm.
func Extract(content string, dc *arbiterconfig.DecisionContract) (Result, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Result{ParseStatus: ParseFailed, EmbedText: "", ParserVersion: parserVersion}, nil
	}

	schema, err := compileSchema(dc)
	if err != nil {
		return Result{}, err
	}

	// Step 1: fenced-code JSON candidates, in order.
	for _, candidate := range fencedCandidates(content) {
		if decision, ok := validCandidate(candidate, schema); ok {
			return buildSuccess(decision, trimmed, dc), nil
		}
	}

	// Step 2: unfenced balanced-brace JSON candidates.
	anyParsed := false
	for _, candidate := range balancedBraceCandidates(content) {
		var generic any
		if json.Unmarshal([]byte(candidate), &generic) == nil {
			anyParsed = true
		}
		if decision, ok := validCandidate(candidate, schema); ok {
			return buildSuccess(decision, trimmed, dc), nil
		}
	}

	// Step 3/4: no candidate validated.
	if anyParsed || trimmed != "" {
		return Result{
			ParseStatus:     ParseFallback,
			EmbedText:       trimmed,
			EmbedTextSource: SourceRawContent,
			ParserVersion:   parserVersion,
		}, nil
	}

	return Result{ParseStatus: ParseFailed, EmbedText: "", ParserVersion: parserVersion}, nil
}

func compileSchema(dc *arbiterconfig.DecisionContract) (*jsonschema.Schema, error) {
	if dc == nil || dc.Schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(dc.Schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	const resName = "decision_contract.json"
	if err := c.AddResource(resName, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(resName)
}

func fencedCandidates(content string) []string {
	matches := fencedJSONRe.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// balancedBraceCandidates scans content for top-level `{...}` substrings,
// respecting string escapes so braces inside quoted strings never break
// balance tracking.
func balancedBraceCandidates(content string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range content {
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, content[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

func validCandidate(candidate string, schema *jsonschema.Schema) (map[string]any, bool) {
	var decision map[string]any
	if err := json.Unmarshal([]byte(candidate), &decision); err != nil {
		return nil, false
	}
	if schema == nil {
		return decision, true
	}
	if err := schema.Validate(decision); err != nil {
		return nil, false
	}
	return decision, true
}

func buildSuccess(decision map[string]any, rawContent string, dc *arbiterconfig.DecisionContract) Result {
	res := Result{
		ParseStatus:   ParseSuccess,
		Outcome:       decision,
		ParserVersion: parserVersion,
	}

	rationale, _ := decision["rationale"].(string)
	res.Rationale = rationale

	source := EmbedTextSource(SourceDecision)
	if dc != nil && dc.EmbedTextSource != "" {
		source = EmbedTextSource(dc.EmbedTextSource)
	}
	res.EmbedTextSource = source

	switch source {
	case SourceRationale:
		text := rationale
		if dc != nil && dc.RationaleMaxChars > 0 && len(text) > dc.RationaleMaxChars {
			text = text[:dc.RationaleMaxChars]
			res.RationaleTruncated = true
		}
		res.EmbedText = text
	case SourceRawContent:
		res.EmbedText = rawContent
	default: // decision
		raw, _ := json.Marshal(decision)
		res.EmbedText = string(raw)
	}

	return res
}
