// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator drives a run end to end: resolve config, compile
// the trial plan, create the run directory, drive batches through the
// scheduler, evaluate clustering and convergence, and finalize the
// artifact set. It is the sole owner and mutator of the clustering state
// and prior-embedding list, generalizing the teacher's
// LocalPipeline.Run top-level orchestration (pkg/ingestion/local_pipeline.go)
// to the sampling-and-measurement domain.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
	"github.com/kraklabs/arbiter/pkg/artifact"
	"github.com/kraklabs/arbiter/pkg/canon"
	"github.com/kraklabs/arbiter/pkg/cluster"
	"github.com/kraklabs/arbiter/pkg/contract"
	"github.com/kraklabs/arbiter/pkg/eventbus"
	"github.com/kraklabs/arbiter/pkg/metrics"
	"github.com/kraklabs/arbiter/pkg/monitor"
	"github.com/kraklabs/arbiter/pkg/plan"
	"github.com/kraklabs/arbiter/pkg/policy"
	"github.com/kraklabs/arbiter/pkg/scheduler"
	"github.com/kraklabs/arbiter/pkg/trial"
	"github.com/kraklabs/arbiter/pkg/warnsink"
)

const (
	schemaVersion  = 1
	arbiterVersion = "0.1.0"
	hashAlgorithm  = "sha256"
)

// Options configures one run.
type Options struct {
	ConfigPath          string
	CatalogPath         string
	PromptManifestPath  string
	AssetRoot           string

	PolicyFlags policy.Flags

	// WorkersOverride, when > 0, replaces the resolved config's
	// execution.workers (the CLI's --workers flag).
	WorkersOverride int
	// DebugOverride, when true, forces the resolved config's output.debug
	// on regardless of what the config file says (the CLI's --debug flag).
	DebugOverride bool

	Completion   trial.CompletionClient
	EmbeddingFor func(trialID int) trial.EmbeddingClient
	Personas     trial.PersonaLookup
	Protocols    trial.PersonaLookup

	Bus     *eventbus.Bus
	Warn    *warnsink.Sink
	Metrics *metrics.Metrics
}

// Result is what the orchestrator returns to its caller (the CLI).
type Result struct {
	RunDir   string
	Manifest artifact.Manifest
}

// Run executes the full run lifecycle described by spec.md §4.11's
// sequence: resolve, policy-check, compile, create run dir, drive
// batches, finalize.
func Run(ctx context.Context, opts Options) (Result, error) {
	resolved, err := arbiterconfig.Resolve(opts.ConfigPath, opts.CatalogPath, opts.PromptManifestPath, opts.AssetRoot)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: resolve config: %w", err)
	}
	if opts.WorkersOverride > 0 {
		resolved.Config.Execution.Workers = opts.WorkersOverride
	}
	if opts.DebugOverride {
		resolved.Config.Output.Debug = true
	}
	if opts.WorkersOverride > 0 || opts.DebugOverride {
		// config.resolved.json (written from resolved.Config below) must hash
		// to the same value manifest.json records, so any override has to be
		// folded in before ConfigSHA256 is taken, not after.
		configHash, err := canon.HashValue(resolved.Config)
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: rehash overridden config: %w", err)
		}
		resolved.ConfigSHA256 = configHash
	}

	eval := policy.Evaluate(&resolved.Config, resolved.UnknownModelSlugs, opts.PolicyFlags)
	for _, w := range eval.Warnings {
		if opts.Warn != nil {
			opts.Warn.Warn("policy", "%s", w)
		}
	}
	if eval.HasErrors() {
		return Result{}, fmt.Errorf("orchestrator: policy violations: %v", eval.Errors)
	}

	trialPlan, err := plan.Compile(&resolved.Config)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: compile plan: %w", err)
	}

	runID := newRunID()
	runDir := filepath.Join(resolved.Config.Output.RunsDir, runID)

	o := &orchestratorState{
		opts:      opts,
		resolved:  resolved,
		plan:      trialPlan,
		runDir:    runDir,
		runID:     runID,
		startedAt: time.Now().UTC(),
		policy:    eval.Policy,
	}
	return o.run(ctx)
}

func newRunID() string {
	var buf [3]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102T150405Z"), hex.EncodeToString(buf[:]))
}

type orchestratorState struct {
	opts     Options
	resolved *arbiterconfig.Resolved
	plan     *plan.Plan
	runDir   string
	runID    string
	policy   policy.Policy

	startedAt time.Time

	monitor   *monitor.Monitor
	cluster   *cluster.State
	artifacts []artifact.ArtifactEntry

	stopReason   artifact.StopReason
	stoppingMode artifact.StoppingMode
	incomplete   bool

	kEligible    int
	kAttempted   int
	successCount int

	noveltyRate   float64
	lastGroupDist []int
	lastGroupCnt  *int

	contractFailureHalt bool
}

func (o *orchestratorState) run(ctx context.Context) (Result, error) {
	cfg := &o.resolved.Config

	trialPlanW, err := artifact.CreateJSONLWriter(filepath.Join(o.runDir, "trial_plan.jsonl"))
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: open trial_plan.jsonl: %w", err)
	}
	for _, e := range o.plan.Entries {
		if err := trialPlanW.Append(e); err != nil {
			return Result{}, fmt.Errorf("orchestrator: write trial_plan.jsonl: %w", err)
		}
	}
	if err := trialPlanW.Close(); err != nil {
		return Result{}, err
	}
	o.recordArtifact("trial_plan.jsonl", trialPlanW.Count())

	if err := artifact.WriteJSONAtomic(filepath.Join(o.runDir, "config.resolved.json"), cfg); err != nil {
		return Result{}, err
	}
	o.recordArtifact("config.resolved.json", 0)

	o.monitor = monitor.New(cfg)
	if cfg.Measurement.Clustering.Enabled {
		o.cluster = cluster.NewState(cfg.Measurement.Clustering.Tau, cluster.CentroidUpdateRule(cfg.Measurement.Clustering.CentroidUpdateRule), cfg.Measurement.Clustering.ClusterLimit)
	}

	exec := &trial.Executor{
		Completion:   o.opts.Completion,
		EmbeddingFor: o.opts.EmbeddingFor,
		Cfg:          cfg,
		Personas:     o.opts.Personas,
		Protocols:    o.opts.Protocols,
		Contract:     cfg.Protocol.DecisionContract,
	}
	sched := scheduler.New(cfg.Execution.Workers, exec)

	trialsW, err := artifact.CreateJSONLWriter(filepath.Join(o.runDir, "trials.jsonl"))
	if err != nil {
		return Result{}, err
	}
	parsedW, err := artifact.CreateJSONLWriter(filepath.Join(o.runDir, "parsed.jsonl"))
	if err != nil {
		return Result{}, err
	}
	convergenceW, err := artifact.CreateJSONLWriter(filepath.Join(o.runDir, "convergence_trace.jsonl"))
	if err != nil {
		return Result{}, err
	}
	monitoringW, err := artifact.CreateJSONLWriter(filepath.Join(o.runDir, "monitoring.jsonl"))
	if err != nil {
		return Result{}, err
	}
	var debugW *artifact.JSONLWriter
	if cfg.Output.Debug {
		debugW, err = artifact.CreateJSONLWriter(filepath.Join(o.runDir, "debug", "embeddings.jsonl"))
		if err != nil {
			return Result{}, err
		}
	}
	var groupsW *artifact.JSONLWriter
	if cfg.Measurement.Clustering.Enabled {
		groupsW, err = artifact.CreateJSONLWriter(filepath.Join(o.runDir, "groups", "assignments.jsonl"))
		if err != nil {
			return Result{}, err
		}
	}

	var embeddedRows []artifact.EmbeddingRow
	dims := 0

	batchSize := cfg.Execution.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	o.stopReason = artifact.StopCompleted
	o.stoppingMode = artifact.StoppingMode(cfg.Execution.StopMode)

batchLoop:
	for batchNumber, offset := 0, 0; offset < len(o.plan.Entries); batchNumber, offset = batchNumber+1, offset+batchSize {
		if ctx.Err() != nil {
			o.stopReason = artifact.StopUserInterrupt
			o.incomplete = true
			break
		}

		end := offset + batchSize
		if end > len(o.plan.Entries) {
			end = len(o.plan.Entries)
		}
		batch := o.plan.Entries[offset:end]

		batchStart := time.Now().UTC()
		outcomes, err := sched.RunBatch(ctx, batch, nil)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-batch: finalize with whatever trials
				// completed before the cancellation, same as the
				// between-batch check above.
				o.stopReason = artifact.StopUserInterrupt
				o.incomplete = true
			} else {
				o.stopReason = artifact.StopError
				o.incomplete = true
				_ = trialsW.Close()
				_ = parsedW.Close()
				_ = convergenceW.Close()
				_ = monitoringW.Close()
				if debugW != nil {
					_ = debugW.Close()
				}
				return Result{}, fmt.Errorf("orchestrator: batch %d: %w", batchNumber, err)
			}
		}

		var batchEmbeddings []monitor.BatchEmbedding
		var batchAssignments []cluster.Assignment

		for _, outcome := range outcomes {
			if outcome.Trial.Status == "" {
				// Never launched: the batch was cut short by cancellation.
				continue
			}
			o.kAttempted++
			if err := trialsW.Append(outcome.Trial); err != nil {
				return Result{}, err
			}
			excludedByContractPolicy := false
			if outcome.Trial.Status == trial.StatusSuccess {
				o.successCount++
				if err := parsedW.Append(parsedRecord{TrialID: outcome.Trial.TrialID, Result: outcome.Parsed}); err != nil {
					return Result{}, err
				}

				if outcome.Parsed.ParseStatus != contract.ParseSuccess {
					switch o.policy.ContractFailurePolicy {
					case arbiterconfig.ContractFailureExclude:
						excludedByContractPolicy = true
					case arbiterconfig.ContractFailureFail:
						o.contractFailureHalt = true
					default: // warn, or unset
						if o.opts.Warn != nil {
							o.opts.Warn.Warn("contract", "trial %d parse_status=%s", outcome.Trial.TrialID, outcome.Parsed.ParseStatus)
						}
					}
				}
			}

			if debugW != nil {
				if err := debugW.Append(embeddingDebugRecord{TrialID: outcome.Trial.TrialID, EmbeddingResult: outcome.Embedding}); err != nil {
					return Result{}, err
				}
			}

			if o.opts.Metrics != nil {
				o.opts.Metrics.TrialsTotal.WithLabelValues(string(outcome.Trial.Status)).Inc()
				o.opts.Metrics.TrialDuration.Observe(attemptsDuration(outcome.Trial.Attempts).Seconds())
				o.opts.Metrics.EmbeddingCallsTotal.WithLabelValues(string(outcome.Embedding.Status)).Inc()
			}

			if outcome.Embedding.Status == trial.EmbeddingSuccess && !excludedByContractPolicy {
				o.kEligible++
				dims = outcome.Embedding.Dimensions
				vec := cluster.Normalize(outcome.Embedding.Vector)
				batchEmbeddings = append(batchEmbeddings, monitor.BatchEmbedding{TrialID: outcome.Trial.TrialID, Vector: vec})
				embeddedRows = append(embeddedRows, artifact.EmbeddingRow{TrialID: outcome.Trial.TrialID, Vector: outcome.Embedding.Vector})

				if o.cluster != nil {
					assignment, err := o.cluster.Assign(outcome.Trial.TrialID, vec, batchNumber)
					if err != nil {
						return Result{}, fmt.Errorf("orchestrator: cluster assign trial %d: %w", outcome.Trial.TrialID, err)
					}
					batchAssignments = append(batchAssignments, assignment)
					if groupsW != nil {
						if err := groupsW.Append(assignment); err != nil {
							return Result{}, err
						}
					}
				}
			}

			if o.opts.Bus != nil {
				o.opts.Bus.Publish(eventbus.TopicTrialCompleted, outcome.Trial)
			}
		}

		rec := o.monitor.Evaluate(batchNumber, o.kAttempted, batchEmbeddings, o.cluster, batchAssignments)
		if rec.NoveltyRate != nil {
			o.noveltyRate = *rec.NoveltyRate
		}
		if rec.Group != nil {
			o.lastGroupDist = rec.Group.GroupDistribution
			cnt := rec.Group.GroupCount
			o.lastGroupCnt = &cnt
		}
		if err := convergenceW.Append(rec); err != nil {
			return Result{}, err
		}

		monRec := monitoringRecord{
			BatchNumber:        batchNumber,
			WallTime:           time.Now().UTC(),
			DurationMS:         time.Since(batchStart).Milliseconds(),
			KAttempted:         o.kAttempted,
			KEligible:          o.kEligible,
			HasEligibleInBatch: rec.HasEligibleInBatch,
		}
		if rec.Group != nil {
			gc := rec.Group.GroupCount
			monRec.GroupCount = &gc
		}
		if err := monitoringW.Append(monRec); err != nil {
			return Result{}, err
		}

		if o.opts.Metrics != nil {
			o.opts.Metrics.BatchesTotal.Inc()
			if rec.NoveltyRate != nil {
				o.opts.Metrics.NoveltyRate.Set(*rec.NoveltyRate)
			}
			if rec.Group != nil {
				o.opts.Metrics.GroupsDiscovered.Set(float64(rec.Group.GroupCount))
			}
		}
		if o.opts.Bus != nil {
			o.opts.Bus.Publish(eventbus.TopicBatchCompleted, rec)
		}

		if rec.Stop.ShouldStop {
			o.stopReason = artifact.StopConverged
			break batchLoop
		}

		if o.contractFailureHalt {
			// user_interrupt takes precedence if this batch was already
			// cut short by context cancellation (stopReason was set to
			// StopUserInterrupt above before outcomes were processed).
			if o.stopReason != artifact.StopUserInterrupt {
				o.stopReason = artifact.StopError
			}
			o.incomplete = true
			break batchLoop
		}
	}

	o.recordArtifact("trials.jsonl", trialsW.Count())
	o.recordArtifact("parsed.jsonl", parsedW.Count())
	o.recordArtifact("convergence_trace.jsonl", convergenceW.Count())
	o.recordArtifact("monitoring.jsonl", monitoringW.Count())
	if groupsW != nil {
		o.recordArtifact("groups/assignments.jsonl", groupsW.Count())
	}

	for _, w := range []*artifact.JSONLWriter{trialsW, parsedW, convergenceW, monitoringW} {
		if err := w.Close(); err != nil {
			return Result{}, err
		}
	}
	if debugW != nil {
		if err := debugW.Close(); err != nil {
			return Result{}, err
		}
		o.recordArtifact("debug/embeddings.jsonl", debugW.Count())
	}
	if groupsW != nil {
		if err := groupsW.Close(); err != nil {
			return Result{}, err
		}
	}

	if o.cluster != nil {
		if err := artifact.WriteJSONAtomic(filepath.Join(o.runDir, "groups", "state.json"), o.cluster); err != nil {
			return Result{}, err
		}
		o.recordArtifact("groups/state.json", 0)
	}

	return o.finalize(cfg, dims, embeddedRows)
}

// monitoringRecord is spec.md §4's monitoring.jsonl record: an
// operational, wall-clock-timed view of each batch, lighter than
// convergence_trace.jsonl's full novelty/stop-decision record and meant
// for live progress/dashboards rather than reproducing the convergence
// math.
type monitoringRecord struct {
	BatchNumber        int       `json:"batch_number"`
	WallTime           time.Time `json:"wall_time"`
	DurationMS         int64     `json:"duration_ms"`
	KAttempted         int       `json:"k_attempted"`
	KEligible          int       `json:"k_eligible"`
	HasEligibleInBatch bool      `json:"has_eligible_in_batch"`
	GroupCount         *int      `json:"group_count,omitempty"`
}

func (o *orchestratorState) finalize(cfg *arbiterconfig.ResolvedConfig, dims int, embeddedRows []artifact.EmbeddingRow) (Result, error) {
	prov := artifact.WriteEmbeddingsArrow(filepath.Join(o.runDir, "embeddings.arrow"), dims, embeddedRows)
	if prov.Status == artifact.ProvenanceArrowGenerated {
		o.recordArtifact("embeddings.arrow", len(embeddedRows))
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(o.runDir, "embeddings.provenance.json"), prov); err != nil {
		return Result{}, err
	}
	o.recordArtifact("embeddings.provenance.json", 0)

	agg := artifact.Aggregates{
		NoveltyRate:   o.noveltyRate,
		ClusterCount:  o.lastGroupCnt,
		GroupDistrib:  o.lastGroupDist,
		SuccessCount:  o.successCount,
		ErrorCount:    o.kAttempted - o.successCount,
		EmbeddedCount: o.kEligible,
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(o.runDir, "aggregates.json"), agg); err != nil {
		return Result{}, err
	}
	o.recordArtifact("aggregates.json", 0)

	completedAt := time.Now().UTC()
	m := artifact.Manifest{
		SchemaVersion:  schemaVersion,
		ArbiterVersion: arbiterVersion,
		RunID:          o.runID,
		StartedAt:      o.startedAt,
		CompletedAt:    &completedAt,

		StopReason:   o.stopReason,
		StoppingMode: o.stoppingMode,
		Incomplete:   o.incomplete,

		KPlanned:      len(o.plan.Entries),
		KAttempted:    o.kAttempted,
		KEligible:     o.kEligible,
		KMin:          cfg.Execution.KMin,
		KMinCountRule: string(cfg.Execution.KMinCountRule),

		HashAlgorithm:        hashAlgorithm,
		ConfigSHA256:         o.resolved.ConfigSHA256,
		PlanSHA256:           o.plan.SHA256,
		ModelCatalogSHA256:   o.resolved.ModelCatalogSHA256,
		PromptManifestSHA256: o.resolved.PromptManifestSHA256,

		Artifacts: o.artifacts,
		Policy: artifact.PolicySnapshot{
			Strict:                o.policy.Strict,
			AllowFree:             o.policy.AllowFree,
			AllowAliased:          o.policy.AllowAliased,
			ContractFailurePolicy: string(o.policy.ContractFailurePolicy),
		},
	}
	if sp := cfg.Execution.StopPolicy; sp != nil {
		m.StopPolicy = &artifact.StopPolicySnapshot{
			NoveltyEpsilon:      sp.NoveltyEpsilon,
			SimilarityThreshold: sp.SimilarityThreshold,
			Patience:            sp.Patience,
			KMinEligible:        o.kEligible,
		}
	}

	if cfg.Output.Receipt {
		receiptPath := filepath.Join(o.runDir, "receipt.txt")
		if err := artifact.WriteReceipt(receiptPath, m, agg); err == nil {
			o.recordArtifact("receipt.txt", 0)
			m.Artifacts = o.artifacts
		}
	}

	if err := artifact.WriteJSONAtomic(filepath.Join(o.runDir, "manifest.json"), m); err != nil {
		return Result{}, err
	}

	return Result{RunDir: o.runDir, Manifest: m}, nil
}

func (o *orchestratorState) recordArtifact(path string, count int) {
	o.artifacts = append(o.artifacts, artifact.ArtifactEntry{Path: path, RecordCount: count})
}

// attemptsDuration sums a trial's per-call attempt durations, the closest
// available proxy for total trial wall-clock time (Record carries no
// single end-to-end duration field of its own).
func attemptsDuration(attempts []trial.CallAttempt) time.Duration {
	var total time.Duration
	for _, a := range attempts {
		total += a.Duration
	}
	return total
}

// parsedRecord attaches trial_id to a ParsedRecord for parsed.jsonl; the
// embedded contract.Result's fields are flattened alongside it by
// encoding/json.
type parsedRecord struct {
	TrialID int `json:"trial_id"`
	contract.Result
}

// embeddingDebugRecord attaches trial_id to an EmbeddingResult for
// debug/embeddings.jsonl.
type embeddingDebugRecord struct {
	TrialID int `json:"trial_id"`
	trial.EmbeddingResult
}
