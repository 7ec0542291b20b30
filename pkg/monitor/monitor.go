// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package monitor computes the per-batch novelty rate, mean-max-similarity,
// and the convergence-driven stop decision of spec.md §4.9.
package monitor

import (
	"math"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
	"github.com/kraklabs/arbiter/pkg/cluster"
)

// PriorEmbedding is spec.md §3's PriorEmbedding entity: an in-memory-only
// cache of previously-embedded vectors with a precomputed norm (vectors
// passed in are already unit-norm, so Norm is always 1 in practice, but is
// kept explicit for clarity and future non-normalized callers).
type PriorEmbedding struct {
	TrialID int
	Vector  []float64
	Norm    float64
}

// GroupMetrics holds the optional clustering-derived metrics of a
// ConvergenceRecord.
type GroupMetrics struct {
	GroupCount             int       `json:"group_count"`
	GroupDistribution      []int     `json:"group_distribution"`
	JSDivergence           *float64  `json:"js_divergence,omitempty"`
	Entropy                float64   `json:"entropy"`
	EffectiveGroupCount    float64   `json:"effective_group_count"`
	SingletonGroupCount    int       `json:"singleton_group_count"`
	ForcedAssignmentsBatch int       `json:"forced_assignments_batch"`
	ForcedAssignmentsTotal int       `json:"forced_assignments_total"`
	GroupLimitHit          bool      `json:"group_limit_hit"`
}

// StopDecision is the per-batch stop evaluation.
type StopDecision struct {
	Mode               arbiterconfig.StopMode `json:"mode"`
	WouldStop          bool                   `json:"would_stop"`
	ShouldStop         bool                   `json:"should_stop"`
	StopReason         string                 `json:"stop_reason,omitempty"`
	ClusterWouldStop   bool                   `json:"cluster_would_stop,omitempty"`
}

// Record is spec.md §3's ConvergenceRecord.
type Record struct {
	BatchNumber         int           `json:"batch_number"`
	KAttempted          int           `json:"k_attempted"`
	KEligible           int           `json:"k_eligible"`
	HasEligibleInBatch  bool          `json:"has_eligible_in_batch"`
	NoveltyRate         *float64      `json:"novelty_rate"`
	MeanMaxSimToPrior   *float64      `json:"mean_max_sim_to_prior"`
	Group               *GroupMetrics `json:"group,omitempty"`
	Stop                StopDecision  `json:"stop"`
}

// Monitor accumulates prior embeddings and tracks the low-novelty streak
// across batches. It is owned exclusively by the run orchestrator.
type Monitor struct {
	cfg    *arbiterconfig.ResolvedConfig
	priors []PriorEmbedding

	lowNoveltyStreak    int
	groupStableStreak   int
	lastGroupCount      int
	prevGroupDist       []int
	forcedTotal         int
}

// New builds a Monitor for cfg.
func New(cfg *arbiterconfig.ResolvedConfig) *Monitor {
	return &Monitor{cfg: cfg}
}

// BatchEmbedding is one eligible (successfully-embedded) trial's vector
// handed to the monitor for a batch, in ascending trial_id order.
type BatchEmbedding struct {
	TrialID int
	Vector  []float64
}

// Evaluate computes the convergence record for one batch. embeddings must
// be in ascending trial_id order (the scheduler guarantees this). Cluster
// assignments, if clustering is enabled, must already have been produced
// by the caller via pkg/cluster for the same embeddings and are passed in
// via assignments/clusterState so the monitor can derive group metrics
// without owning clustering state itself.
func (m *Monitor) Evaluate(batchNumber, kAttempted int, embeddings []BatchEmbedding, clusterState *cluster.State, assignments []cluster.Assignment) Record {
	rec := Record{
		BatchNumber: batchNumber,
		KAttempted:  kAttempted,
	}

	if len(embeddings) == 0 {
		rec.HasEligibleInBatch = false
		m.evaluateStop(&rec, kAttempted)
		return rec
	}
	rec.HasEligibleInBatch = true

	threshold := m.cfg.Measurement.NoveltyThreshold
	var noveltyCount int
	var sumMaxSim float64

	for _, e := range embeddings {
		maxSim := 0.0
		for _, p := range m.priors {
			sim := dot(e.Vector, p.Vector)
			if sim > maxSim {
				maxSim = sim
			}
		}
		if maxSim < threshold {
			noveltyCount++
		}
		sumMaxSim += maxSim
	}

	noveltyRate := float64(noveltyCount) / float64(len(embeddings))
	meanMaxSim := sumMaxSim / float64(len(embeddings))
	rec.NoveltyRate = &noveltyRate
	rec.MeanMaxSimToPrior = &meanMaxSim

	// Append to the prior set in trial_id order, after metrics are computed.
	for _, e := range embeddings {
		m.priors = append(m.priors, PriorEmbedding{TrialID: e.TrialID, Vector: e.Vector, Norm: 1})
	}
	rec.KEligible = len(m.priors)

	if clusterState != nil {
		rec.Group = m.groupMetrics(clusterState, assignments)
	}

	m.updateLowNoveltyStreak(noveltyRate, meanMaxSim)
	m.evaluateStop(&rec, kAttempted)
	return rec
}

func (m *Monitor) updateLowNoveltyStreak(noveltyRate, meanMaxSim float64) {
	sp := m.cfg.Execution.StopPolicy
	if sp == nil {
		m.lowNoveltyStreak = 0
		return
	}
	if noveltyRate <= sp.NoveltyEpsilon && meanMaxSim >= sp.SimilarityThreshold {
		m.lowNoveltyStreak++
	} else {
		m.lowNoveltyStreak = 0
	}
}

func (m *Monitor) evaluateStop(rec *Record, kAttempted int) {
	ex := m.cfg.Execution
	sp := ex.StopPolicy

	rec.Stop.Mode = ex.StopMode
	if sp == nil || rec.NoveltyRate == nil {
		return
	}

	eligibleCount := kAttempted
	if ex.KMinCountRule == arbiterconfig.KMinCountEligible {
		eligibleCount = rec.KEligible
	}

	wouldStop := eligibleCount >= ex.KMin &&
		m.lowNoveltyStreak >= sp.Patience &&
		*rec.NoveltyRate <= sp.NoveltyEpsilon &&
		*rec.MeanMaxSimToPrior >= sp.SimilarityThreshold

	rec.Stop.WouldStop = wouldStop
	rec.Stop.ShouldStop = wouldStop && ex.StopMode == arbiterconfig.StopModeEnforcer

	if rec.Group != nil && m.cfg.Measurement.Clustering.Enabled {
		clusterWouldStop := m.groupStableStreak >= sp.Patience
		rec.Stop.ClusterWouldStop = clusterWouldStop
		if m.cfg.Measurement.Clustering.StopMode == arbiterconfig.StopModeEnforcer && clusterWouldStop {
			rec.Stop.ShouldStop = true
		}
	}

	if rec.Stop.ShouldStop {
		rec.Stop.StopReason = "converged"
	}
}

func (m *Monitor) groupMetrics(cs *cluster.State, assignments []cluster.Assignment) *GroupMetrics {
	dist := cs.Distribution()
	total := 0
	for _, c := range dist {
		total += c
	}

	var entropy float64
	var singletons int
	for _, c := range dist {
		if c == 0 {
			continue
		}
		if c == 1 {
			singletons++
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}

	var forcedBatch int
	for _, a := range assignments {
		if a.Forced {
			forcedBatch++
		}
	}
	m.forcedTotal += forcedBatch

	if cs.GroupCount() == m.lastGroupCount {
		m.groupStableStreak++
	} else {
		m.groupStableStreak = 0
	}
	m.lastGroupCount = cs.GroupCount()

	var jsDiv *float64
	if m.prevGroupDist != nil {
		d := jsDivergence(m.prevGroupDist, dist)
		jsDiv = &d
	}
	m.prevGroupDist = append([]int(nil), dist...)

	return &GroupMetrics{
		GroupCount:             cs.GroupCount(),
		GroupDistribution:      dist,
		JSDivergence:           jsDiv,
		Entropy:                entropy,
		EffectiveGroupCount:    math.Pow(2, entropy),
		SingletonGroupCount:    singletons,
		ForcedAssignmentsBatch: forcedBatch,
		ForcedAssignmentsTotal: m.forcedTotal,
		GroupLimitHit:          cs.GroupLimitHit,
	}
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}

// jsDivergence computes the (log2) Jensen-Shannon divergence between two
// cumulative group-count distributions, padding the shorter to the longer
// length with zeros (new groups since the previous batch).
func jsDivergence(prev, cur []int) float64 {
	n := len(cur)
	if len(prev) > n {
		n = len(prev)
	}
	p := normalizeCounts(prev, n)
	q := normalizeCounts(cur, n)
	m := make([]float64, n)
	for i := range m {
		m[i] = (p[i] + q[i]) / 2
	}
	return (klDiv(p, m) + klDiv(q, m)) / 2
}

func normalizeCounts(counts []int, n int) []float64 {
	out := make([]float64, n)
	var total float64
	for i := 0; i < n; i++ {
		if i < len(counts) {
			out[i] = float64(counts[i])
			total += out[i]
		}
	}
	if total == 0 {
		return out
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

func klDiv(p, q []float64) float64 {
	var sum float64
	for i := range p {
		if p[i] == 0 {
			continue
		}
		if q[i] == 0 {
			continue
		}
		sum += p[i] * math.Log2(p[i]/q[i])
	}
	return sum
}
