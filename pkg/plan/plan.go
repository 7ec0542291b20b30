// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package plan compiles a resolved config into a frozen, seeded trial
// plan, per spec.md §4.4.
package plan

import (
	"fmt"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
	"github.com/kraklabs/arbiter/pkg/canon"
)

// AssignedConfig is the (model, persona, protocol, decode) tuple sampled
// for one trial.
type AssignedConfig struct {
	Model    string             `json:"model"`
	Persona  string             `json:"persona"`
	Protocol string             `json:"protocol"`
	Decode   map[string]float64 `json:"decode,omitempty"`
}

// DebateInfo describes a debate_v1 trial's participants and rounds.
type DebateInfo struct {
	Participants []string `json:"participants"`
	Rounds       int      `json:"rounds"`
}

// Entry is one row of the frozen trial plan, spec.md §3's TrialPlanEntry.
type Entry struct {
	TrialID         int                   `json:"trial_id"`
	Protocol        string                `json:"protocol"`
	AssignedConfig  AssignedConfig        `json:"assigned_config"`
	RoleAssignments map[string]string     `json:"role_assignments,omitempty"`
	Debate          *DebateInfo           `json:"debate,omitempty"`
}

// Plan is the immutable, fully compiled trial plan. Once returned by
// Compile it must never be mutated.
type Plan struct {
	Entries []Entry `json:"entries"`
	SHA256  string  `json:"-"`
}

const (
	streamPlan   = "plan"
	streamDecode = "decode"
)

var debateSlots = []string{"A", "B"}

// Compile produces the frozen trial plan for cfg. For trial_id =
// 0..k_max-1 it builds per-stream RNGs keyed by (seed, stream, trial_id),
// weighted-samples model/persona/protocol, and resolves decode params.
// The plan hash is SHA-256 over the plan's canonical JSON encoding.
func Compile(cfg *arbiterconfig.ResolvedConfig) (*Plan, error) {
	if len(cfg.Sampling.Models) == 0 || len(cfg.Sampling.Personas) == 0 || len(cfg.Sampling.Protocols) == 0 {
		return nil, fmt.Errorf("plan: models, personas, and protocols must each be non-empty")
	}

	modelWeights := weightsOf(cfg.Sampling.Models)
	personaWeights := weightsOf(cfg.Sampling.Personas)
	protocolWeights := weightsOf(cfg.Sampling.Protocols)

	entries := make([]Entry, cfg.Execution.KMax)
	seed := cfg.Run.Seed

	for trialID := 0; trialID < cfg.Execution.KMax; trialID++ {
		planRNG := canon.NewRNG(seed, streamPlan, trialID)
		decodeRNG := canon.NewRNG(seed, streamDecode, trialID)

		modelID := cfg.Sampling.Models[planRNG.WeightedIndex(modelWeights)].ID
		personaID := cfg.Sampling.Personas[planRNG.WeightedIndex(personaWeights)].ID
		protocolID := cfg.Sampling.Protocols[planRNG.WeightedIndex(protocolWeights)].ID

		decode := resolveDecode(cfg.Sampling.Decode, decodeRNG)

		entry := Entry{
			TrialID:  trialID,
			Protocol: string(cfg.Protocol.Kind),
			AssignedConfig: AssignedConfig{
				Model:    modelID,
				Persona:  personaID,
				Protocol: protocolID,
				Decode:   decode,
			},
		}

		if cfg.Protocol.Kind == arbiterconfig.ProtocolDebateV1 {
			entry.RoleAssignments, entry.Debate = resolveDebate(cfg, seed, trialID)
		}

		entries[trialID] = entry
	}

	p := &Plan{Entries: entries}
	hash, err := canon.HashValue(p.Entries)
	if err != nil {
		return nil, fmt.Errorf("plan: hash: %w", err)
	}
	p.SHA256 = hash
	return p, nil
}

func weightsOf(refs []arbiterconfig.WeightedRef) []float64 {
	out := make([]float64, len(refs))
	for i, r := range refs {
		out[i] = r.Weight
	}
	return out
}

func resolveDecode(ranges map[string]arbiterconfig.DecodeRange, rng *canon.RNG) map[string]float64 {
	if len(ranges) == 0 {
		return nil
	}
	out := make(map[string]float64, len(ranges))
	// Deterministic iteration order matters: draws must happen in a fixed
	// order so the same seed always consumes the RNG stream identically.
	keys := sortedKeys(ranges)
	for _, k := range keys {
		r := ranges[k]
		switch {
		case r.Fixed != nil:
			out[k] = *r.Fixed
		case r.Integer:
			min, max := rangeBounds(r)
			out[k] = float64(rng.SampleInteger(int(min), int(max)))
		default:
			min, max := rangeBounds(r)
			out[k] = rng.SampleNumber(min, max)
		}
	}
	return out
}

func rangeBounds(r arbiterconfig.DecodeRange) (float64, float64) {
	min, max := 0.0, 1.0
	if r.Min != nil {
		min = *r.Min
	}
	if r.Max != nil {
		max = *r.Max
	}
	return min, max
}

func sortedKeys(m map[string]arbiterconfig.DecodeRange) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// insertion-sort is adequate here: decode parameter sets are tiny
	// (typically temperature/top_p/top_k), and stability matters more
	// than asymptotic performance.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// resolveDebate samples per-slot role assignments for a debate_v1 trial.
// Each slot gets its own RNG stream so adding/removing slots never
// perturbs other slots' draws.
func resolveDebate(cfg *arbiterconfig.ResolvedConfig, seed any, trialID int) (map[string]string, *DebateInfo) {
	participants := cfg.Protocol.DebateParticipants
	if len(participants) == 0 {
		participants = append([]string(nil), debateSlots...)
	}
	roles := make(map[string]string, len(participants))
	modelWeights := weightsOf(cfg.Sampling.Models)
	for _, slot := range participants {
		slotRNG := canon.NewRNG(seed, streamPlan+":debate:"+slot, trialID)
		roles[slot] = cfg.Sampling.Models[slotRNG.WeightedIndex(modelWeights)].ID
	}
	rounds := cfg.Protocol.DebateRounds
	if rounds <= 0 {
		rounds = 3 // proposer -> critic -> proposer_final
	}
	return roles, &DebateInfo{Participants: participants, Rounds: rounds}
}
