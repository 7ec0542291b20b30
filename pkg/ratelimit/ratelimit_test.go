// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroRateDisablesPacing(t *testing.T) {
	l := New(0, 1)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBurstAllowsImmediateTokens(t *testing.T) {
	l := New(1, 3)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitRespectsCancellation(t *testing.T) {
	l := New(0.1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(context.Background())) // drain the burst
	err := l.Wait(ctx)
	assert.Error(t, err)
}
