// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package artifact

import (
	"fmt"
	"os"
	"strings"
)

// WriteReceipt renders a human-readable summary of the run to path.
// Per spec.md §4, receipt writes are best-effort: a failure here is
// reported to the caller but must never fail the run — the caller omits
// "receipt.txt" from the manifest's artifact list on error instead.
func WriteReceipt(path string, m Manifest, agg Aggregates) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", m.RunID)
	fmt.Fprintf(&b, "Stop reason: %s (stopping mode: %s)\n", m.StopReason, m.StoppingMode)
	fmt.Fprintf(&b, "Incomplete: %t\n\n", m.Incomplete)

	fmt.Fprintf(&b, "Trials planned:   %d\n", m.KPlanned)
	fmt.Fprintf(&b, "Trials attempted: %d\n", m.KAttempted)
	fmt.Fprintf(&b, "Trials eligible:  %d (k_min=%d, rule=%s)\n\n", m.KEligible, m.KMin, m.KMinCountRule)

	fmt.Fprintf(&b, "Novelty rate:     %.4f\n", agg.NoveltyRate)
	if agg.ClusterCount != nil {
		fmt.Fprintf(&b, "Cluster count:    %d\n", *agg.ClusterCount)
	} else {
		fmt.Fprintf(&b, "Cluster count:    n/a (clustering disabled)\n")
	}
	fmt.Fprintf(&b, "Successes:        %d\n", agg.SuccessCount)
	fmt.Fprintf(&b, "Errors:           %d\n", agg.ErrorCount)
	fmt.Fprintf(&b, "Embedded:         %d\n\n", agg.EmbeddedCount)

	fmt.Fprintf(&b, "config_sha256:          %s\n", m.ConfigSHA256)
	fmt.Fprintf(&b, "plan_sha256:            %s\n", m.PlanSHA256)
	fmt.Fprintf(&b, "model_catalog_sha256:   %s\n", m.ModelCatalogSHA256)
	fmt.Fprintf(&b, "prompt_manifest_sha256: %s\n", m.PromptManifestSHA256)

	return os.WriteFile(path, []byte(b.String()), 0o600)
}
