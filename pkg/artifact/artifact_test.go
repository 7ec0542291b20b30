// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package artifact

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONAtomicLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	type doc struct {
		Name string `json:"name"`
	}
	require.NoError(t, WriteJSONAtomic(path, doc{Name: "run-1"}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	var got doc
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "run-1", got.Name)
}

func TestJSONLWriterAppendsOneRecordPerLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trials.jsonl")

	w, err := CreateJSONLWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(map[string]int{"trial_id": 0}))
	require.NoError(t, w.Append(map[string]int{"trial_id": 1}))
	assert.Equal(t, 2, w.Count())
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestWriteEmbeddingsArrowEmptyRowsIsNotGenerated(t *testing.T) {
	dir := t.TempDir()
	prov := WriteEmbeddingsArrow(filepath.Join(dir, "embeddings.arrow"), 4, nil)
	assert.Equal(t, ProvenanceNotGenerated, prov.Status)
}

func TestWriteEmbeddingsArrowSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embeddings.arrow")
	rows := []EmbeddingRow{
		{TrialID: 0, Vector: []float32{0.1, 0.2, 0.3}},
		{TrialID: 1, Vector: []float32{0.4, 0.5, 0.6}},
	}

	prov := WriteEmbeddingsArrow(path, 3, rows)
	assert.Equal(t, ProvenanceArrowGenerated, prov.Status)
	assert.Equal(t, 2, prov.RowCount)
	assert.Empty(t, prov.ArrowError)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestWriteEmbeddingsArrowFallsBackOnDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embeddings.arrow")
	rows := []EmbeddingRow{
		{TrialID: 0, Vector: []float32{0.1, 0.2}},
		{TrialID: 1, Vector: []float32{0.4, 0.5, 0.6}}, // wrong length
	}

	prov := WriteEmbeddingsArrow(path, 2, rows)
	assert.Equal(t, ProvenanceJSONLFallback, prov.Status)
	assert.NotEmpty(t, prov.ArrowError)
}

func TestWriteReceiptRendersSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receipt.txt")
	cc := 3
	m := Manifest{RunID: "run-1", StopReason: StopCompleted, StoppingMode: StoppingEnforcer, KPlanned: 10, KAttempted: 10, KEligible: 9}
	agg := Aggregates{NoveltyRate: 0.25, ClusterCount: &cc, SuccessCount: 9, ErrorCount: 1, EmbeddedCount: 9}

	require.NoError(t, WriteReceipt(path, m, agg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "run-1")
	assert.Contains(t, string(data), "Cluster count:    3")
}
