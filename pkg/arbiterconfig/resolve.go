// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package arbiterconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kraklabs/arbiter/pkg/canon"
)

// Resolved is the output of Resolve: the frozen ResolvedConfig plus the
// catalog/prompt-manifest hashes the manifest writer needs, and the set of
// non-fatal warnings the policy evaluator should also see (e.g.
// unknown-to-catalog models surface here as well as in policy output).
type Resolved struct {
	Config               ResolvedConfig
	ModelCatalogSHA256    string
	PromptManifestSHA256  string
	ConfigSHA256          string
	UnknownModelSlugs     []string
}

// Resolve loads, validates, and resolves a run configuration: every
// persona/protocol/instrument id is matched against the prompt manifest,
// its referenced file is read and hash-verified, and its text + hash are
// inlined onto the sampling entry. Every model slug is classified as known
// or unknown_to_catalog. The resolved document is re-validated before
// being returned, per spec.md §4.2.
func Resolve(configPath, catalogPath, promptManifestPath, assetRoot string) (*Resolved, error) {
	runCfg, err := LoadRunConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := ValidateRunConfig(runCfg); err != nil {
		return nil, fmt.Errorf("run config validation failed:\n%w", err)
	}

	catalog, err := LoadModelCatalog(catalogPath)
	if err != nil {
		return nil, err
	}
	if err := ValidateModelCatalog(catalog); err != nil {
		return nil, fmt.Errorf("model catalog validation failed:\n%w", err)
	}

	promptManifest, err := LoadPromptManifest(promptManifestPath)
	if err != nil {
		return nil, err
	}
	if err := ValidatePromptManifest(promptManifest); err != nil {
		return nil, fmt.Errorf("prompt manifest validation failed:\n%w", err)
	}

	manifestByID := promptManifest.byID()
	catalogBySlug := catalog.bySlug()

	resolved := ResolvedConfig{
		Run:         runCfg.Run,
		Sampling:    runCfg.Sampling,
		Protocol:    runCfg.Protocol,
		Execution:   runCfg.Execution,
		Measurement: runCfg.Measurement,
		Output:      runCfg.Output,
	}

	if err := resolveRefs(resolved.Sampling.Personas, manifestByID, assetRoot); err != nil {
		return nil, err
	}
	if err := resolveRefs(resolved.Sampling.Protocols, manifestByID, assetRoot); err != nil {
		return nil, err
	}
	if err := resolveRefs(resolved.Sampling.Instruments, manifestByID, assetRoot); err != nil {
		return nil, err
	}

	var unknown []string
	for i := range resolved.Sampling.Models {
		m := &resolved.Sampling.Models[i]
		entry, ok := catalogBySlug[m.ID]
		if ok {
			m.Known = true
			m.Unknown = false
		} else {
			m.Known = false
			m.Unknown = true
			unknown = append(unknown, m.ID)
		}
		_ = entry
	}

	if err := ValidateRunConfig(&RunConfig{
		Run:         resolved.Run,
		Sampling:    resolved.Sampling,
		Protocol:    resolved.Protocol,
		Execution:   resolved.Execution,
		Measurement: resolved.Measurement,
		Output:      resolved.Output,
	}); err != nil {
		return nil, fmt.Errorf("resolved config re-validation failed:\n%w", err)
	}

	catalogHash, err := canon.HashValue(catalog)
	if err != nil {
		return nil, err
	}
	promptManifestHash, err := canon.HashValue(promptManifest)
	if err != nil {
		return nil, err
	}
	configHash, err := canon.HashValue(resolved)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Config:               resolved,
		ModelCatalogSHA256:   catalogHash,
		PromptManifestSHA256: promptManifestHash,
		ConfigSHA256:         configHash,
		UnknownModelSlugs:    unknown,
	}, nil
}

// resolveRefs inlines text + sha256 onto every WeightedRef in refs by
// looking its id up in the prompt manifest, reading the referenced file
// from assetRoot, and verifying the file's SHA-256 against the manifest's
// recorded hash. A mismatch or missing manifest entry fails the resolver.
func resolveRefs(refs []WeightedRef, manifestByID map[string]PromptManifestEntry, assetRoot string) error {
	for i := range refs {
		ref := &refs[i]
		entry, ok := manifestByID[ref.ID]
		if !ok {
			return fmt.Errorf("arbiterconfig: %q not found in prompt manifest", ref.ID)
		}
		path := entry.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(assetRoot, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("arbiterconfig: read %s for %q: %w", path, ref.ID, err)
		}
		actualHash := canon.SHA256Hex(content)
		if actualHash != entry.SHA256 {
			return fmt.Errorf("arbiterconfig: sha256 mismatch for %q: manifest says %s, file %s hashes to %s",
				ref.ID, entry.SHA256, path, actualHash)
		}
		ref.Text = string(content)
		ref.SHA256 = actualHash
	}
	return nil
}
