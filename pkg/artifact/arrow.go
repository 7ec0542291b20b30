// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package artifact

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ProvenanceStatus classifies how the embeddings column ended up on disk.
type ProvenanceStatus string

const (
	ProvenanceNotGenerated  ProvenanceStatus = "not_generated"
	ProvenanceArrowGenerated ProvenanceStatus = "arrow_generated"
	ProvenanceJSONLFallback ProvenanceStatus = "jsonl_fallback"
)

// Provenance describes the embeddings artifact's actual encoding, per
// spec.md §4's embeddings.provenance.json.
type Provenance struct {
	Status            ProvenanceStatus `json:"status"`
	IntendedFormat    string           `json:"intended_format"`
	ActualFormat      string           `json:"actual_format"`
	Dimensions        int              `json:"dimensions"`
	RowCount          int              `json:"row_count"`
	ArrowError        string           `json:"arrow_error,omitempty"`
}

// EmbeddingRow is one successful embedding, in ascending trial_id order.
type EmbeddingRow struct {
	TrialID int
	Vector  []float32
}

// WriteEmbeddingsArrow builds embeddings.arrow at path from rows (which
// must already be sorted by TrialID ascending). Any failure — building
// the schema, encoding, or the file write itself — demotes the result to
// jsonl_fallback rather than propagating: the debug JSONL remains the
// embedding-of-record regardless, per spec.md §7 ("Arrow build failure:
// demote to jsonl_fallback; run does not fail").
func WriteEmbeddingsArrow(path string, dims int, rows []EmbeddingRow) Provenance {
	prov := Provenance{
		IntendedFormat: "arrow",
		ActualFormat:   "jsonl",
		Status:         ProvenanceJSONLFallback,
		Dimensions:     dims,
		RowCount:       len(rows),
	}

	if len(rows) == 0 {
		prov.Status = ProvenanceNotGenerated
		prov.ActualFormat = "none"
		return prov
	}
	if dims <= 0 {
		prov.ArrowError = "embedding dimensions must be positive"
		return prov
	}

	if err := writeArrowFile(path, dims, rows); err != nil {
		prov.ArrowError = err.Error()
		return prov
	}

	prov.Status = ProvenanceArrowGenerated
	prov.ActualFormat = "arrow"
	return prov
}

func writeArrowFile(path string, dims int, rows []EmbeddingRow) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("artifact: arrow encode panic: %v", r)
		}
	}()

	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "trial_id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dims), arrow.PrimitiveTypes.Float32)},
	}, nil)

	trialBuilder := array.NewInt32Builder(mem)
	defer trialBuilder.Release()
	vecBuilder := array.NewFixedSizeListBuilder(mem, int32(dims), arrow.PrimitiveTypes.Float32)
	defer vecBuilder.Release()
	valueBuilder := vecBuilder.ValueBuilder().(*array.Float32Builder)

	for _, row := range rows {
		if len(row.Vector) != dims {
			return fmt.Errorf("artifact: trial %d vector has %d dims, expected %d", row.TrialID, len(row.Vector), dims)
		}
		trialBuilder.Append(int32(row.TrialID))
		vecBuilder.Append(true)
		for _, v := range row.Vector {
			valueBuilder.Append(v)
		}
	}

	trialArr := trialBuilder.NewArray()
	defer trialArr.Release()
	vecArr := vecBuilder.NewArray()
	defer vecArr.Release()

	record := array.NewRecord(schema, []arrow.Array{trialArr, vecArr}, int64(len(rows)))
	defer record.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", path, err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("artifact: open arrow writer for %s: %w", path, err)
	}
	if err := w.Write(record); err != nil {
		_ = w.Close()
		return fmt.Errorf("artifact: write record to %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("artifact: close arrow writer for %s: %w", path, err)
	}
	return nil
}
