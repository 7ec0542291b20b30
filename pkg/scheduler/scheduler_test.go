// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
	"github.com/kraklabs/arbiter/pkg/plan"
	"github.com/kraklabs/arbiter/pkg/trial"
)

func entriesOf(ids ...int) []plan.Entry {
	out := make([]plan.Entry, len(ids))
	for i, id := range ids {
		out[i] = plan.Entry{
			TrialID:  id,
			Protocol: string(arbiterconfig.ProtocolIndependent),
			AssignedConfig: plan.AssignedConfig{
				Model:    "mock/model",
				Persona:  "neutral",
				Protocol: "direct",
			},
		}
	}
	return out
}

func newExecutor() *trial.Executor {
	cfg := &arbiterconfig.ResolvedConfig{
		Run: arbiterconfig.RunBlock{Seed: "test-seed", Question: "Is this safe?"},
		Execution: arbiterconfig.ExecutionConfig{
			Retry: arbiterconfig.RetryPolicy{TotalTrialTimeoutMs: 5000},
		},
	}
	return &trial.Executor{
		Completion: &trial.MockCompletionClient{Seed: cfg.Run.Seed},
		EmbeddingFor: func(trialID int) trial.EmbeddingClient {
			return (&trial.MockEmbeddingClient{Seed: cfg.Run.Seed, Dimensions: 4}).WithTrial(trialID)
		},
		Cfg:       cfg,
		Personas:  func(id string) (string, bool) { return "You are neutral.", true },
		Protocols: func(id string) (string, bool) { return "Answer directly.", true },
	}
}

func TestRunBatchReturnsResultsOrderedByTrialID(t *testing.T) {
	s := New(2, newExecutor())
	entries := entriesOf(4, 1, 3, 0, 2)

	outcomes, err := s.RunBatch(context.Background(), entries, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	for i, o := range outcomes {
		assert.Equal(t, i, o.Trial.TrialID)
		assert.Equal(t, trial.StatusSuccess, o.Trial.Status)
	}
}

func TestRunBatchRespectsWorkerCap(t *testing.T) {
	s := New(1, newExecutor())
	entries := entriesOf(0, 1, 2, 3, 4, 5)

	var maxConcurrent, current int64
	s.Executor.Completion = &blockingCompletionClient{delay: 5 * time.Millisecond, current: &current, max: &maxConcurrent}

	outcomes, err := s.RunBatch(context.Background(), entries, nil)
	require.NoError(t, err)
	assert.Len(t, outcomes, 6)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxConcurrent), int64(1))
}

func TestRunBatchReportsProgress(t *testing.T) {
	s := New(4, newExecutor())
	entries := entriesOf(0, 1, 2)

	var calls int64
	_, err := s.RunBatch(context.Background(), entries, func(current, total int64) {
		atomic.AddInt64(&calls, 1)
		assert.Equal(t, int64(3), total)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestRunBatchStopsLaunchingOnCancelledContext(t *testing.T) {
	s := New(1, newExecutor())
	entries := entriesOf(0, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := s.RunBatch(ctx, entries, nil)
	assert.Error(t, err)
	assert.Len(t, outcomes, 3)
}

// blockingCompletionClient tracks peak concurrency to verify the
// semaphore actually bounds in-flight trials.
type blockingCompletionClient struct {
	delay   time.Duration
	current *int64
	max     *int64
}

func (b *blockingCompletionClient) Complete(ctx context.Context, req trial.CompletionRequest) (trial.CompletionResponse, error) {
	n := atomic.AddInt64(b.current, 1)
	for {
		old := atomic.LoadInt64(b.max)
		if n <= old || atomic.CompareAndSwapInt64(b.max, old, n) {
			break
		}
	}
	time.Sleep(b.delay)
	atomic.AddInt64(b.current, -1)
	return trial.CompletionResponse{Model: req.Model, Content: "```json\n{\"decision\":\"yes\"}\n```"}, nil
}
