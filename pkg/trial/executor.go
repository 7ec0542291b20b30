// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package trial

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
	"github.com/kraklabs/arbiter/pkg/contract"
	"github.com/kraklabs/arbiter/pkg/plan"
)

// PersonaLookup resolves a persona/protocol/instrument id to its inlined
// text, as produced by pkg/arbiterconfig.Resolve.
type PersonaLookup func(id string) (text string, ok bool)

// Executor drives one trial end to end: build messages, call the
// completion endpoint with retry, classify failures, parse under the
// decision contract, prepare embed text, and request an embedding.
type Executor struct {
	Completion CompletionClient
	// EmbeddingFor returns the embedding client bound to a specific
	// trial_id (mock embedders key their RNG stream on trial_id; live
	// embedders ignore it).
	EmbeddingFor func(trialID int) EmbeddingClient

	Cfg            *arbiterconfig.ResolvedConfig
	Personas       PersonaLookup
	Protocols      PersonaLookup
	Contract       *arbiterconfig.DecisionContract
}

// Outcome bundles everything one trial execution produces.
type Outcome struct {
	Trial     Record
	Parsed    contract.Result
	Embedding EmbeddingResult
}

// Execute runs spec.md §4.6's five/six-step per-trial contract.
func (e *Executor) Execute(ctx context.Context, entry plan.Entry) Outcome {
	messages := e.buildMessages(entry)

	totalTimeout := time.Duration(e.Cfg.Execution.Retry.TotalTrialTimeoutMs) * time.Millisecond
	if totalTimeout <= 0 {
		totalTimeout = 120 * time.Second
	}
	trialCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	resp, attempts, terminalErr := e.callWithRetry(trialCtx, CompletionRequest{
		Model:    entry.AssignedConfig.Model,
		Messages: messages,
		Decode:   entry.AssignedConfig.Decode,
	})

	rec := Record{
		TrialID:            entry.TrialID,
		RequestedModelSlug: entry.AssignedConfig.Model,
		Attempts:           attempts,
		Calls:              messages,
	}

	if terminalErr != nil {
		rec.Status, rec.Error = classifyTerminal(terminalErr, trialCtx)
		return Outcome{Trial: rec, Embedding: EmbeddingResult{Status: EmbeddingSkipped, SkipReason: SkipOther}}
	}

	rec.Status = StatusSuccess
	rec.ActualModel = resp.Model
	rec.GenerationID = resp.ID
	rec.Usage = &resp.Usage
	rec.RawAssistantText = resp.Content
	rec.Transcript = append(append([]Message(nil), messages...), Message{Role: "assistant", Content: resp.Content})

	parsed, err := contract.Extract(resp.Content, e.Contract)
	if err != nil {
		parsed = contract.Result{ParseStatus: contract.ParseFailed, ParserVersion: "contract-v1"}
	}

	embedText := prepareEmbedText(parsed, resp.Content, e.Cfg)
	if embedText == "" {
		return Outcome{Trial: rec, Parsed: parsed, Embedding: EmbeddingResult{Status: EmbeddingSkipped, SkipReason: SkipEmptyEmbedText}}
	}

	embClient := e.EmbeddingFor(entry.TrialID)
	vec, err := embClient.Embed(trialCtx, e.Cfg.Measurement.EmbeddingModel, embedText)
	sum := sha256.Sum256([]byte(embedText))
	if err != nil {
		return Outcome{Trial: rec, Parsed: parsed, Embedding: EmbeddingResult{
			Status:          EmbeddingFailed,
			EmbedTextSHA256: hex.EncodeToString(sum[:]),
			Error:           err.Error(),
		}}
	}

	return Outcome{Trial: rec, Parsed: parsed, Embedding: EmbeddingResult{
		Status:          EmbeddingSuccess,
		Vector:          vec,
		Dimensions:      len(vec),
		EmbedTextSHA256: hex.EncodeToString(sum[:]),
	}}
}

// buildMessages builds the persona + protocol + question message set, per
// spec.md §4.6 step 1. For debate_v1 it drives proposer -> critic ->
// proposer_final, composing prior turns and appending the decision
// contract clause on the final turn.
func (e *Executor) buildMessages(entry plan.Entry) []Message {
	personaText, _ := e.Personas(entry.AssignedConfig.Persona)
	protocolText, _ := e.Protocols(entry.AssignedConfig.Protocol)

	var msgs []Message
	if personaText != "" {
		msgs = append(msgs, Message{Role: "system", Content: personaText})
	}

	question := e.Cfg.Run.Question
	if entry.Protocol != string(arbiterconfig.ProtocolDebateV1) {
		content := protocolText
		if content != "" {
			content += "\n\n"
		}
		content += question
		content = appendContractClause(content, e.Contract)
		msgs = append(msgs, Message{Role: "user", Content: content})
		return msgs
	}

	// debate_v1: proposer -> critic -> proposer_final.
	turns := []string{"proposer", "critic", "proposer_final"}
	var transcript strings.Builder
	for i, turn := range turns {
		var content string
		switch turn {
		case "proposer":
			content = fmt.Sprintf("%s\n\nQuestion: %s\nAs proposer, give your initial answer.", protocolText, question)
		case "critic":
			content = fmt.Sprintf("Prior proposal:\n%s\n\nAs critic, challenge the proposal.", transcript.String())
		case "proposer_final":
			content = fmt.Sprintf("Debate so far:\n%s\n\nAs proposer, give your final answer.", transcript.String())
			content = appendContractClause(content, e.Contract)
		}
		msgs = append(msgs, Message{Role: "user", Content: content})
		transcript.WriteString(fmt.Sprintf("[%s] %s\n", turn, content))
		if i < len(turns)-1 {
			// Intermediate turns are folded into the transcript text
			// rather than issued as separate completion calls: the
			// independent/debate distinction here only shapes the
			// prompt, consistent with the single-request contract of
			// spec.md §6 (one request/response pair per trial).
		}
	}
	return msgs
}

func appendContractClause(content string, dc *arbiterconfig.DecisionContract) string {
	if dc == nil {
		return content
	}
	return content + "\n\nRespond with a fenced ```json code block matching the required schema."
}

// callWithRetry drives the completion call with cenkalti/backoff
// exponential backoff, capped by per_call_max_retries, checking ctx
// cancellation before each retry per spec.md §9's cooperative-cancellation
// pattern.
func (e *Executor) callWithRetry(ctx context.Context, req CompletionRequest) (CompletionResponse, []CallAttempt, error) {
	maxRetries := e.Cfg.Execution.Retry.PerCallMaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var attempts []CallAttempt
	var resp CompletionResponse
	attempt := 0

	operation := func() error {
		attempt++
		start := time.Now()
		r, err := e.Completion.Complete(ctx, req)
		ca := CallAttempt{Attempt: attempt, StartedAt: start, Duration: time.Since(start)}
		if err != nil {
			ca.Error = err.Error()
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				ca.StatusCode = apiErr.StatusCode
				if apiErr.ModelGone {
					attempts = append(attempts, ca)
					return backoff.Permanent(err)
				}
				if !apiErr.Retryable {
					attempts = append(attempts, ca)
					return backoff.Permanent(err)
				}
			} else {
				attempts = append(attempts, ca)
				return backoff.Permanent(err)
			}
			attempts = append(attempts, ca)
			if attempt > maxRetries {
				return backoff.Permanent(err)
			}
			return err
		}
		attempts = append(attempts, ca)
		resp = r
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	return resp, attempts, err
}

func classifyTerminal(err error, ctx context.Context) (Status, *TrialError) {
	if ctx.Err() != nil {
		return StatusTimeoutExhausted, &TrialError{Message: err.Error(), Retryable: false}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.ModelGone {
			return StatusModelUnavailable, &TrialError{Message: err.Error(), Code: "model_unavailable", Retryable: false}
		}
		return StatusError, &TrialError{Message: err.Error(), Retryable: apiErr.Retryable}
	}
	return StatusError, &TrialError{Message: err.Error(), Retryable: false}
}

// prepareEmbedText normalizes and truncates the text to embed, per
// spec.md §4.6 step 5, choosing decision/rationale/raw_content per the
// parse result's embed_text_source, and applying the
// outcome_only/outcome_or_raw_assistant strategy: when the contract
// yielded no embed_text and the strategy is outcome_or_raw_assistant, the
// raw assistant completion is the fallback, not the parsed rationale.
func prepareEmbedText(parsed contract.Result, rawAssistantText string, cfg *arbiterconfig.ResolvedConfig) string {
	text := parsed.EmbedText
	if text == "" && cfg.Measurement.EmbedTextStrategy == arbiterconfig.EmbedOutcomeOrRawAssist {
		text = rawAssistantText
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)

	maxChars := cfg.Measurement.EmbeddingMaxChars
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text
}
