// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orthogonalVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestCapHitForcesAssignmentAndMarksLimitHit(t *testing.T) {
	const dim = 8
	const limit = 3
	s := NewState(0.9999, FixedLeader, limit)

	var forced int
	for i := 0; i < 6; i++ {
		vec := Normalize(orthogonalVector(dim, i%dim))
		a, err := s.Assign(i, vec, 0)
		require.NoError(t, err)
		if a.Forced {
			forced++
		}
	}

	assert.Equal(t, limit, s.GroupCount())
	assert.Equal(t, 6-limit, forced)
	assert.True(t, s.GroupLimitHit)
}

func TestSimilarVectorsJoinSameGroup(t *testing.T) {
	s := NewState(0.5, FixedLeader, 4)
	v1 := Normalize([]float32{1, 0, 0})
	v2 := Normalize([]float32{0.9, 0.1, 0})

	a1, err := s.Assign(0, v1, 0)
	require.NoError(t, err)
	a2, err := s.Assign(1, v2, 0)
	require.NoError(t, err)

	assert.True(t, a1.NewGroup)
	assert.False(t, a2.NewGroup)
	assert.Equal(t, a1.GroupID, a2.GroupID)
}

func TestIncrementalMeanUpdatesCentroid(t *testing.T) {
	s := NewState(0.0, IncrementalMean, 4)
	v1 := Normalize([]float32{1, 0})
	v2 := Normalize([]float32{0, 1})

	_, err := s.Assign(0, v1, 0)
	require.NoError(t, err)
	before := append([]float64(nil), s.Groups[0].Centroid...)

	_, err = s.Assign(1, v2, 0)
	require.NoError(t, err)
	after := s.Groups[0].Centroid

	assert.NotEqual(t, before, after)
}

func TestFixedLeaderNeverUpdatesCentroid(t *testing.T) {
	s := NewState(0.0, FixedLeader, 4)
	v1 := Normalize([]float32{1, 0})
	v2 := Normalize([]float32{0.1, 0.9})

	_, err := s.Assign(0, v1, 0)
	require.NoError(t, err)
	before := append([]float64(nil), s.Groups[0].Centroid...)

	_, err = s.Assign(1, v2, 0)
	require.NoError(t, err)
	after := s.Groups[0].Centroid

	assert.Equal(t, before, after)
}

func TestDistributionReflectsMemberCounts(t *testing.T) {
	s := NewState(0.999, FixedLeader, 2)
	v1 := Normalize([]float32{1, 0})
	v2 := Normalize([]float32{1, 0})
	v3 := Normalize([]float32{0, 1})

	_, err := s.Assign(0, v1, 0)
	require.NoError(t, err)
	_, err = s.Assign(1, v2, 0)
	require.NoError(t, err)
	_, err = s.Assign(2, v3, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 1}, s.Distribution())
}
