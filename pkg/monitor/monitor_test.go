// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
)

func degenerateConfig(stopMode arbiterconfig.StopMode) *arbiterconfig.ResolvedConfig {
	return &arbiterconfig.ResolvedConfig{
		Measurement: arbiterconfig.MeasurementConfig{NoveltyThreshold: 1.0},
		Execution: arbiterconfig.ExecutionConfig{
			KMin:          2,
			KMinCountRule: arbiterconfig.KMinCountAttempted,
			StopMode:      stopMode,
			StopPolicy: &arbiterconfig.StopPolicy{
				NoveltyEpsilon:      1,
				SimilarityThreshold: 0,
				Patience:            1,
			},
		},
	}
}

func identicalBatch(ids ...int) []BatchEmbedding {
	out := make([]BatchEmbedding, len(ids))
	for i, id := range ids {
		out[i] = BatchEmbedding{TrialID: id, Vector: []float64{1, 0, 0}}
	}
	return out
}

func TestEnforcerStopsOnConvergence(t *testing.T) {
	m := New(degenerateConfig(arbiterconfig.StopModeEnforcer))

	// The first batch already satisfies every condition: no priors gives
	// novelty_rate 1 <= epsilon 1 and mean_max_sim 0 >= threshold 0, the
	// streak reaches patience 1, and k_attempted 2 >= k_min 2.
	rec1 := m.Evaluate(0, 2, identicalBatch(0, 1), nil, nil)
	assert.True(t, rec1.Stop.ShouldStop)

	rec2 := m.Evaluate(1, 4, identicalBatch(2, 3), nil, nil)
	assert.True(t, rec2.Stop.WouldStop)
	assert.True(t, rec2.Stop.ShouldStop)
	assert.Equal(t, "converged", rec2.Stop.StopReason)
}

func TestAdvisorNeverSetsShouldStop(t *testing.T) {
	m := New(degenerateConfig(arbiterconfig.StopModeAdvisor))

	rec1 := m.Evaluate(0, 2, identicalBatch(0, 1), nil, nil)
	rec2 := m.Evaluate(1, 4, identicalBatch(2, 3), nil, nil)

	assert.False(t, rec1.Stop.ShouldStop)
	assert.False(t, rec2.Stop.ShouldStop)
	assert.True(t, rec2.Stop.WouldStop)
}

func TestEmptyBatchYieldsNullMetrics(t *testing.T) {
	m := New(degenerateConfig(arbiterconfig.StopModeAdvisor))
	rec := m.Evaluate(0, 1, nil, nil, nil)
	assert.False(t, rec.HasEligibleInBatch)
	assert.Nil(t, rec.NoveltyRate)
	assert.Nil(t, rec.MeanMaxSimToPrior)
}

func TestNoveltyRateComputedAgainstPriors(t *testing.T) {
	cfg := &arbiterconfig.ResolvedConfig{
		Measurement: arbiterconfig.MeasurementConfig{NoveltyThreshold: 0.5},
		Execution:   arbiterconfig.ExecutionConfig{KMinCountRule: arbiterconfig.KMinCountAttempted},
	}
	m := New(cfg)

	rec1 := m.Evaluate(0, 1, []BatchEmbedding{{TrialID: 0, Vector: []float64{1, 0}}}, nil, nil)
	require.NotNil(t, rec1.NoveltyRate)
	assert.Equal(t, 1.0, *rec1.NoveltyRate) // no priors yet -> maxSim 0 < 0.5

	rec2 := m.Evaluate(1, 2, []BatchEmbedding{{TrialID: 1, Vector: []float64{1, 0}}}, nil, nil)
	assert.Equal(t, 0.0, *rec2.NoveltyRate) // identical to prior -> maxSim 1.0 >= 0.5
}
