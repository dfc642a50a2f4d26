package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

func writeJSONLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	return nil
}

type runReport struct {
	JobID              string              `json:"job_id,omitempty"`
	FileHash           string              `json:"file_hash,omitempty"`
	StagingTable       string              `json:"staging_table,omitempty"`
	NormalizedTable    string              `json:"normalized_table,omitempty"`
	StagedRows         int64               `json:"staged_rows"`
	InsertedRows       int64               `json:"inserted_rows"`
	UpdatedRows        int64               `json:"updated_rows"`
	RejectedRows       int64               `json:"rejected_rows"`
	RejectedRowsPath   string              `json:"rejected_rows_path,omitempty"`
	BatchID            string              `json:"batch_id,omitempty"`
	IngestedAt         *time.Time          `json:"ingested_at,omitempty"`
	ColumnCoverage     map[string][]string `json:"column_coverage,omitempty"`
	ConflictResolution string              `json:"conflict_resolution,omitempty"`
	Overlaps           []pipeline.Overlap  `json:"overlaps,omitempty"`
	ValidationErrors   []string            `json:"validation_errors,omitempty"`
	Skipped            bool                `json:"skipped"`
	SkipReason         string              `json:"skip_reason,omitempty"`
}

func newRunReport(jobID string, res *pipeline.Result) runReport {
	return runReport{
		JobID:              jobID,
		FileHash:           res.FileHash,
		StagingTable:       res.StagingTable,
		NormalizedTable:    res.NormalizedTable,
		StagedRows:         res.StagedRows,
		InsertedRows:       res.InsertedCount,
		UpdatedRows:        res.UpdatedCount,
		RejectedRows:       res.RejectedRows,
		RejectedRowsPath:   res.RejectedRowsPath,
		BatchID:            res.BatchID,
		IngestedAt:         res.IngestedAt,
		ColumnCoverage:     res.ColumnCoverage,
		ConflictResolution: string(res.ConflictResolution),
		Overlaps:           res.Overlaps,
		ValidationErrors:   res.ValidationErrors,
		Skipped:            res.Skipped,
		SkipReason:         string(res.SkipReason),
	}
}
