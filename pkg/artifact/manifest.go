// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package artifact

import "time"

// StopReason is spec.md §3's manifest stop_reason.
type StopReason string

const (
	StopCompleted     StopReason = "completed"
	StopConverged     StopReason = "converged"
	StopKMaxReached   StopReason = "k_max_reached"
	StopUserInterrupt StopReason = "user_interrupt"
	StopError         StopReason = "error"
)

// StoppingMode mirrors the manifest's stopping_mode field; resolve_only
// names a run that never entered the batch loop (e.g. policy errors
// aborted it first).
type StoppingMode string

const (
	StoppingResolveOnly StoppingMode = "resolve_only"
	StoppingAdvisor     StoppingMode = "advisor"
	StoppingEnforcer    StoppingMode = "enforcer"
)

// PolicySnapshot records the policy flags in effect for the run.
type PolicySnapshot struct {
	Strict                bool   `json:"strict"`
	AllowFree              bool   `json:"allow_free"`
	AllowAliased           bool   `json:"allow_aliased"`
	ContractFailurePolicy  string `json:"contract_failure_policy"`
}

// StopPolicySnapshot records the convergence stop policy in effect.
type StopPolicySnapshot struct {
	NoveltyEpsilon      float64 `json:"novelty_epsilon"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	Patience            int     `json:"patience"`
	KMinEligible        int     `json:"k_min_eligible"`
}

// ArtifactEntry names one artifact the run wrote, with its record count
// where applicable (JSONL files) or zero (single JSON/text documents).
type ArtifactEntry struct {
	Path        string `json:"path"`
	RecordCount int    `json:"record_count,omitempty"`
}

// Manifest is spec.md §3's Manifest / §4's manifest.json.
type Manifest struct {
	SchemaVersion  int        `json:"schema_version"`
	ArbiterVersion string     `json:"arbiter_version"`
	RunID          string     `json:"run_id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	StopReason   StopReason   `json:"stop_reason"`
	StoppingMode StoppingMode `json:"stopping_mode"`
	Incomplete   bool         `json:"incomplete"`

	KPlanned      int    `json:"k_planned"`
	KAttempted    int    `json:"k_attempted"`
	KEligible     int    `json:"k_eligible"`
	KMin          int    `json:"k_min"`
	KMinCountRule string `json:"k_min_count_rule"`

	StopPolicy *StopPolicySnapshot `json:"stop_policy,omitempty"`

	HashAlgorithm        string `json:"hash_algorithm"`
	ConfigSHA256         string `json:"config_sha256"`
	PlanSHA256           string `json:"plan_sha256"`
	ModelCatalogSHA256   string `json:"model_catalog_sha256"`
	PromptManifestSHA256 string `json:"prompt_manifest_sha256"`

	Artifacts []ArtifactEntry `json:"artifacts"`
	Policy    PolicySnapshot  `json:"policy"`
}

// Aggregates is spec.md §4's aggregates.json, the run's summary stats.
type Aggregates struct {
	NoveltyRate   float64 `json:"novelty_rate"`
	ClusterCount  *int    `json:"cluster_count"`
	GroupDistrib  []int   `json:"group_distribution,omitempty"`
	SuccessCount  int     `json:"success_count"`
	ErrorCount    int     `json:"error_count"`
	EmbeddedCount int     `json:"embedded_count"`
}
