// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package verify re-reads a completed run directory and checks its
// manifest, hashes, and artifact set for internal consistency, without
// re-executing anything. It generalizes the teacher's read-and-report
// status command (cmd/cie/status.go) to a stricter, file-integrity
// checking tool: every check is independent and reported as OK/FAIL
// rather than aggregated into a single pass/fail verdict up front.
package verify

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kraklabs/arbiter/pkg/arbiterconfig"
	"github.com/kraklabs/arbiter/pkg/artifact"
	"github.com/kraklabs/arbiter/pkg/canon"
)

// Check is the outcome of one verification step.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full result of verifying one run directory.
type Report struct {
	RunDir string  `json:"run_dir"`
	Checks []Check `json:"checks"`
}

// Passed reports whether every check in the report succeeded.
func (r Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Run performs every check from spec.md §4.14 against the run directory
// at runDir: re-reads manifest.json, recomputes config_sha256 from
// config.resolved.json, checks every artifact listed exists and (for
// JSONL files) has the expected record count, and re-validates the
// manifest against its schema.
func Run(runDir string) Report {
	report := Report{RunDir: runDir}

	manifestPath := filepath.Join(runDir, "manifest.json")
	var m artifact.Manifest
	if err := artifact.ReadJSON(manifestPath, &m); err != nil {
		report.Checks = append(report.Checks, Check{Name: "manifest.json readable", OK: false, Detail: err.Error()})
		return report
	}
	report.Checks = append(report.Checks, Check{Name: "manifest.json readable", OK: true})

	report.Checks = append(report.Checks, checkManifestSchema(m))
	report.Checks = append(report.Checks, checkConfigHash(runDir, m))

	for _, entry := range m.Artifacts {
		report.Checks = append(report.Checks, checkArtifact(runDir, entry))
	}

	return report
}

func checkManifestSchema(m artifact.Manifest) Check {
	if err := arbiterconfig.ValidateManifest(&m); err != nil {
		return Check{Name: "manifest.json schema", OK: false, Detail: err.Error()}
	}
	return Check{Name: "manifest.json schema", OK: true}
}

// checkConfigHash recomputes config_sha256 from the on-disk
// config.resolved.json and compares it against the manifest's recorded
// hash, using the same canonical-JSON contract the resolver hashed it
// with.
func checkConfigHash(runDir string, m artifact.Manifest) Check {
	const name = "config_sha256 matches config.resolved.json"

	var doc any
	path := filepath.Join(runDir, "config.resolved.json")
	if err := artifact.ReadJSON(path, &doc); err != nil {
		return Check{Name: name, OK: false, Detail: err.Error()}
	}

	got, err := canon.HashValue(doc)
	if err != nil {
		return Check{Name: name, OK: false, Detail: fmt.Sprintf("hash config.resolved.json: %v", err)}
	}
	if got != m.ConfigSHA256 {
		return Check{Name: name, OK: false, Detail: fmt.Sprintf("manifest says %s, recomputed %s", m.ConfigSHA256, got)}
	}
	return Check{Name: name, OK: true}
}

// checkArtifact verifies one manifest-listed artifact exists and, for
// JSONL files, that its line count matches the manifest's recorded
// RecordCount.
func checkArtifact(runDir string, entry artifact.ArtifactEntry) Check {
	name := fmt.Sprintf("artifact %s", entry.Path)
	path := filepath.Join(runDir, entry.Path)

	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: name, OK: false, Detail: err.Error()}
	}
	if info.IsDir() {
		return Check{Name: name, OK: false, Detail: "expected a file, found a directory"}
	}

	if !strings.HasSuffix(entry.Path, ".jsonl") {
		return Check{Name: name, OK: true}
	}

	count, err := countLines(path)
	if err != nil {
		return Check{Name: name, OK: false, Detail: err.Error()}
	}
	if count != entry.RecordCount {
		return Check{Name: name, OK: false, Detail: fmt.Sprintf("manifest says %d records, found %d", entry.RecordCount, count)}
	}
	return Check{Name: name, OK: true}
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("verify: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("verify: scan %s: %w", path, err)
	}
	return n, nil
}
