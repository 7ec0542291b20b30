// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler drives a trial plan through bounded-concurrency
// batches, per spec.md §4.5 and §5. Each batch is dispatched to at most
// Workers goroutines and its results are returned reordered by trial_id,
// so the same plan and worker count always produce the same on-disk
// ordering regardless of which goroutine happened to finish first.
package scheduler

import (
	"context"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/arbiter/pkg/plan"
	"github.com/kraklabs/arbiter/pkg/trial"
)

// ProgressFunc is called after each trial completes within a batch.
// current is 1-based and monotonically increasing across the batch.
type ProgressFunc func(current, total int64)

// Scheduler bounds the number of concurrently in-flight trials.
type Scheduler struct {
	Workers  int
	Executor *trial.Executor
}

// New builds a Scheduler with the given worker cap (clamped to at least 1).
func New(workers int, executor *trial.Executor) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{Workers: workers, Executor: executor}
}

// RunBatch executes entries concurrently, bounded by s.Workers, and
// returns their outcomes sorted by trial_id. It stops launching new work
// once ctx is cancelled and then returns ctx's error alongside the
// outcomes. Trials that never started keep a zero-valued outcome that
// carries only their TrialID (empty Status).
func (s *Scheduler) RunBatch(ctx context.Context, entries []plan.Entry, onProgress ProgressFunc) ([]trial.Outcome, error) {
	outcomes := make([]trial.Outcome, len(entries))
	for i, entry := range entries {
		outcomes[i].Trial.TrialID = entry.TrialID
	}
	total := int64(len(entries))
	var done int64

	sem := semaphore.NewWeighted(int64(s.Workers))
	g, gctx := errgroup.WithContext(ctx)

	for i, entry := range entries {
		i, entry := i, entry
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled before this slot could even start: leave
			// its outcome zero-valued and stop launching further work.
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			outcomes[i] = s.Executor.Execute(gctx, entry)
			if onProgress != nil {
				onProgress(atomic.AddInt64(&done, 1), total)
			}
			return nil
		})
	}

	// The worker goroutines never return an error (Execute always returns
	// a populated Outcome rather than propagating an error), so Wait
	// reports nil and cancellation is taken from ctx itself.
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	sort.Slice(outcomes, func(a, b int) bool {
		return outcomes[a].Trial.TrialID < outcomes[b].Trial.TrialID
	})

	return outcomes, err
}
