// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trial implements the per-trial protocol driver of spec.md §4.6:
// building messages, invoking the completion endpoint with retry, parsing
// the result, and preparing/requesting an embedding.
package trial

import "time"

// Status classifies a trial's terminal outcome, spec.md §3's TrialRecord.status.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusError             Status = "error"
	StatusModelUnavailable  Status = "model_unavailable"
	StatusTimeoutExhausted  Status = "timeout_exhausted"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage mirrors the completion endpoint's usage block, spec.md §6.
type Usage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      *int     `json:"total_tokens,omitempty"`
	Cost             *float64 `json:"cost,omitempty"`
}

// CallAttempt records one completion-call attempt's timing.
type CallAttempt struct {
	Attempt    int           `json:"attempt"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// TrialError describes an unrecoverable trial failure.
type TrialError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Record is spec.md §3's TrialRecord.
type Record struct {
	TrialID            int           `json:"trial_id"`
	Status             Status        `json:"status"`
	RequestedModelSlug string        `json:"requested_model_slug"`
	ActualModel        string        `json:"actual_model,omitempty"`
	Attempts           []CallAttempt `json:"attempts,omitempty"`
	Calls              []Message     `json:"calls,omitempty"`
	Transcript         []Message     `json:"transcript,omitempty"`
	Error              *TrialError   `json:"error,omitempty"`
	Usage              *Usage        `json:"usage,omitempty"`
	RawAssistantText   string        `json:"raw_assistant_text,omitempty"`
	GenerationID       string        `json:"generation_id,omitempty"`
}

// EmbeddingStatus classifies an embedding attempt's outcome.
type EmbeddingStatus string

const (
	EmbeddingSuccess EmbeddingStatus = "success"
	EmbeddingFailed  EmbeddingStatus = "failed"
	EmbeddingSkipped EmbeddingStatus = "skipped"
)

// SkipReason names why an embedding was skipped.
type SkipReason string

const (
	SkipEmptyEmbedText          SkipReason = "empty_embed_text"
	SkipContractParseExcluded   SkipReason = "contract_parse_excluded"
	SkipOther                   SkipReason = "other"
)

// EmbeddingResult is spec.md §3's EmbeddingRecord (debug), minus TrialID
// which the caller attaches, plus the raw float32 vector the clustering
// and monitor packages consume. The vector is not serialized with this
// record; the orchestrator writes it to embeddings.arrow.
type EmbeddingResult struct {
	Status           EmbeddingStatus `json:"embedding_status"`
	Vector           []float32       `json:"-"`
	Dimensions       int             `json:"dimensions,omitempty"`
	EmbedTextSHA256  string          `json:"embed_text_sha256,omitempty"`
	Truncated        bool            `json:"truncated,omitempty"`
	OriginalChars    int             `json:"original_chars,omitempty"`
	TruncatedChars   int             `json:"truncated_chars,omitempty"`
	SkipReason       SkipReason      `json:"skip_reason,omitempty"`
	GenerationID     string          `json:"generation_id,omitempty"`
	Error            string          `json:"error,omitempty"`
}
