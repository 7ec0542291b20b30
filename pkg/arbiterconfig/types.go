// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package arbiterconfig loads and resolves the run configuration, model
// catalog, and prompt manifest that together define a run. It is the
// config resolver of spec.md §4.2.
package arbiterconfig

// StopMode governs whether a policy is advisory-only or actively enforced.
type StopMode string

const (
	StopModeAdvisor StopMode = "advisor"
	StopModeEnforcer StopMode = "enforcer"
)

// KMinCountRule selects which counter k_min is compared against.
type KMinCountRule string

const (
	KMinCountEligible  KMinCountRule = "k_eligible"
	KMinCountAttempted KMinCountRule = "k_attempted"
)

// CentroidUpdateRule selects how a cluster's centroid evolves on assignment.
type CentroidUpdateRule string

const (
	CentroidFixedLeader     CentroidUpdateRule = "fixed_leader"
	CentroidIncrementalMean CentroidUpdateRule = "incremental_mean"
)

// EmbedTextStrategy controls which text is embedded for a trial.
type EmbedTextStrategy string

const (
	EmbedOutcomeOnly        EmbedTextStrategy = "outcome_only"
	EmbedOutcomeOrRawAssist EmbedTextStrategy = "outcome_or_raw_assistant"
)

// ProtocolKind selects the trial protocol driver.
type ProtocolKind string

const (
	ProtocolIndependent ProtocolKind = "independent"
	ProtocolDebateV1    ProtocolKind = "debate_v1"
)

// ContractFailurePolicy controls how fallback/failed parses are treated.
type ContractFailurePolicy string

const (
	ContractFailureWarn    ContractFailurePolicy = "warn"
	ContractFailureExclude ContractFailurePolicy = "exclude"
	ContractFailureFail    ContractFailurePolicy = "fail"
)

// WeightedRef names a manifest entry (persona/protocol/instrument/model)
// with a sampling weight and, once resolved, its inlined text and hash.
type WeightedRef struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`

	// Resolved fields, populated by Resolve. Omitted from the raw config
	// document and therefore from its own hash.
	Text    string `json:"text,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
	Known   bool   `json:"known,omitempty"`
	Unknown bool   `json:"unknown_to_catalog,omitempty"`
}

// DecodeRange is either a fixed numeric value or a {min,max} range to
// sample uniformly at plan-compile time.
type DecodeRange struct {
	Fixed *float64 `json:"fixed,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	// Integer marks that SampleInteger (not SampleNumber) must be used.
	Integer bool `json:"integer,omitempty"`
}

// IsRange reports whether this decode parameter must be sampled.
func (d DecodeRange) IsRange() bool {
	return d.Fixed == nil && (d.Min != nil || d.Max != nil)
}

// StopPolicy parameterizes the convergence monitor's stop decision.
type StopPolicy struct {
	NoveltyEpsilon       float64 `json:"novelty_epsilon"`
	SimilarityThreshold  float64 `json:"similarity_threshold"`
	Patience             int     `json:"patience"`
}

// RetryPolicy controls per-call retry behavior for the trial executor.
type RetryPolicy struct {
	PerCallMaxRetries   int `json:"per_call_max_retries"`
	TotalTrialTimeoutMs int `json:"total_trial_timeout_ms"`
	PerCallTimeoutMs    int `json:"per_call_timeout_ms"`
}

// DecisionContract describes the JSON-schema contract a trial's content is
// expected to satisfy, per spec.md §4.7.
type DecisionContract struct {
	Name              string         `json:"name"`
	Schema            map[string]any `json:"schema"`
	EmbedTextSource   string         `json:"embed_text_source"` // decision | rationale | raw_content
	RationaleMaxChars int            `json:"rationale_max_chars,omitempty"`
}

// ProtocolConfig describes the trial protocol block.
type ProtocolConfig struct {
	Kind              ProtocolKind      `json:"kind"`
	PerCallTimeoutMs  int               `json:"per_call_timeout_ms"`
	DecisionContract  *DecisionContract `json:"decision_contract,omitempty"`
	DebateRounds      int               `json:"debate_rounds,omitempty"`
	DebateParticipants []string         `json:"debate_participants,omitempty"`
}

// ExecutionConfig is spec.md §3's `execution` block.
type ExecutionConfig struct {
	KMax          int           `json:"k_max"`
	BatchSize     int           `json:"batch_size"`
	Workers       int           `json:"workers"`
	Retry         RetryPolicy   `json:"retry"`
	StopMode      StopMode      `json:"stop_mode"`
	KMin          int           `json:"k_min"`
	KMinCountRule KMinCountRule `json:"k_min_count_rule"`
	StopPolicy    *StopPolicy   `json:"stop_policy,omitempty"`

	// ContractFailurePolicy governs how fallback/failed contract parses
	// are treated; defaults to "warn" when unset.
	ContractFailurePolicy ContractFailurePolicy `json:"contract_failure_policy,omitempty"`
}

// ClusteringConfig is spec.md §3's `measurement.clustering` block.
type ClusteringConfig struct {
	Enabled            bool               `json:"enabled"`
	Tau                float64            `json:"tau"`
	CentroidUpdateRule CentroidUpdateRule `json:"centroid_update_rule"`
	ClusterLimit       int                `json:"cluster_limit"`
	StopMode           StopMode           `json:"stop_mode"`
}

// MeasurementConfig is spec.md §3's `measurement` block.
type MeasurementConfig struct {
	EmbeddingModel     string            `json:"embedding_model"`
	EmbedTextStrategy  EmbedTextStrategy `json:"embed_text_strategy"`
	NoveltyThreshold   float64           `json:"novelty_threshold"`
	EmbeddingMaxChars  int               `json:"embedding_max_chars"`
	Clustering         ClusteringConfig  `json:"clustering"`
}

// OutputConfig is spec.md §3's `output` block.
type OutputConfig struct {
	RunsDir string `json:"runs_dir"`
	Debug   bool   `json:"debug"`
	Receipt bool   `json:"receipt"`
}

// RunBlock is spec.md §3's `run` block.
type RunBlock struct {
	Seed     any    `json:"seed"` // integer or string
	Question string `json:"question"`
}

// SamplingConfig names the weighted sets the plan compiler samples from.
type SamplingConfig struct {
	Models      []WeightedRef          `json:"models"`
	Personas    []WeightedRef          `json:"personas"`
	Protocols   []WeightedRef          `json:"protocols"`
	Instruments []WeightedRef          `json:"instruments,omitempty"`
	Decode      map[string]DecodeRange `json:"decode,omitempty"`
}

// RunConfig is the on-disk document a user hand-writes (YAML or JSON),
// before resolution against the catalog and prompt manifest.
type RunConfig struct {
	Run         RunBlock          `json:"run"`
	Sampling    SamplingConfig    `json:"sampling"`
	Protocol    ProtocolConfig    `json:"protocol"`
	Execution   ExecutionConfig   `json:"execution"`
	Measurement MeasurementConfig `json:"measurement"`
	Output      OutputConfig      `json:"output"`
}

// ResolvedConfig is RunConfig after every persona/protocol/instrument
// reference has been resolved against the prompt manifest (text + hash
// inlined) and every model classified against the catalog. It is the
// frozen record spec.md §3 describes.
type ResolvedConfig struct {
	Run         RunBlock          `json:"run"`
	Sampling    SamplingConfig    `json:"sampling"`
	Protocol    ProtocolConfig    `json:"protocol"`
	Execution   ExecutionConfig   `json:"execution"`
	Measurement MeasurementConfig `json:"measurement"`
	Output      OutputConfig      `json:"output"`
}

// ModelCatalogEntry describes one known model slug.
type ModelCatalogEntry struct {
	Slug          string `json:"slug"`
	Tier          string `json:"tier"` // free | standard | aliased
	ContextWindow int    `json:"context_window,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// ModelCatalog is the full catalog document.
type ModelCatalog struct {
	Models []ModelCatalogEntry `json:"models"`
}

// PromptManifestEntry describes one persona/protocol/instrument asset.
type PromptManifestEntry struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"` // persona | protocol | instrument
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// PromptManifest is the full prompt manifest document.
type PromptManifest struct {
	Entries []PromptManifestEntry `json:"entries"`
}

func (m ModelCatalog) bySlug() map[string]ModelCatalogEntry {
	out := make(map[string]ModelCatalogEntry, len(m.Models))
	for _, e := range m.Models {
		out[e.Slug] = e
	}
	return out
}

func (p PromptManifest) byID() map[string]PromptManifestEntry {
	out := make(map[string]PromptManifestEntry, len(p.Entries))
	for _, e := range p.Entries {
		out[e.ID] = e
	}
	return out
}
