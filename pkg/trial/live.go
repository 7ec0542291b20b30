// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package trial

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kraklabs/arbiter/pkg/ratelimit"
)

// LiveCompletionClient is a plain JSON-over-HTTP driver for an
// OpenRouter-compatible completion endpoint. No HTTP client library
// appears anywhere in the example corpus (see DESIGN.md), so this one
// surface stays on net/http + encoding/json.
type LiveCompletionClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
}

type completionWireResponse struct {
	Model   string `json:"model"`
	ID      string `json:"id"`
	Usage   Usage  `json:"usage"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete posts req to BaseURL and classifies non-2xx responses per
// spec.md §6.
func (c *LiveCompletionClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return CompletionResponse{}, err
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("trial: marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("trial: build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, ClassifyStatusCode(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResponse{}, ClassifyStatusCode(resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CompletionResponse{}, ClassifyStatusCode(resp.StatusCode, fmt.Errorf("%s", string(raw)))
	}

	var wire completionWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return CompletionResponse{}, fmt.Errorf("trial: decode completion response: %w", err)
	}

	content := ""
	if len(wire.Choices) > 0 {
		content = wire.Choices[0].Message.Content
	}

	return CompletionResponse{
		Model:   wire.Model,
		ID:      wire.ID,
		Usage:   wire.Usage,
		Content: content,
	}, nil
}

// LiveEmbeddingClient is a plain JSON-over-HTTP embedding driver.
type LiveEmbeddingClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Dimensions int
}

type embeddingWireResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *LiveEmbeddingClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(map[string]string{"model": model, "input": text})
	if err != nil {
		return nil, fmt.Errorf("trial: marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("trial: build embedding request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, ClassifyStatusCode(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyStatusCode(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ClassifyStatusCode(resp.StatusCode, fmt.Errorf("%s", string(raw)))
	}

	var wire embeddingWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("trial: decode embedding response: %w", err)
	}
	if len(wire.Data) == 0 {
		return nil, fmt.Errorf("trial: embedding response contained no data")
	}

	vec := wire.Data[0].Embedding
	if c.Dimensions > 0 && len(vec) != c.Dimensions {
		return nil, &ErrEmbeddingDimensionMismatch{Expected: c.Dimensions, Actual: len(vec)}
	}
	return vec, nil
}
