// Package pipeline holds the values passed between ingestion steps.
package pipeline

import (
	"sort"
	"time"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
)

type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipDuplicate SkipReason = "duplicate"
	SkipOverlap   SkipReason = "overlap"
)

// Sheet is one worksheet read from a workbook. Every row has len(Headers) cells.
type Sheet struct {
	Name    string
	Headers []string
	Rows    [][]string
}

// Records pairs each row with the headers.
func (s *Sheet) Records() []map[string]any {
	out := make([]map[string]any, len(s.Rows))
	for i, row := range s.Rows {
		rec := make(map[string]any, len(s.Headers))
		for j, h := range s.Headers {
			if j < len(row) {
				rec[h] = row[j]
			}
		}
		out[i] = rec
	}
	return out
}

// StagingBatch is a set of unprocessed staging rows. Values are int64 for id,
// and string or nil for every other column.
type StagingBatch struct {
	Columns []string
	Rows    []map[string]any
}

func (b *StagingBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// RejectedRow is a snapshot of a row that failed coercion or validation.
type RejectedRow struct {
	Data   map[string]any
	Errors []string
}

// Prepared is a batch resolved against the normalized table. Every entry of
// Rows has exactly len(Columns) values in Columns order.
type Prepared struct {
	Mappings        []sheetconfig.Mapping
	MetadataColumns []string
	Columns         []string
	Types           map[string]string
	Rows            [][]any
	Rejected        []RejectedRow
}

// Coverage maps each normalized business column to the staging columns feeding it.
func (p *Prepared) Coverage() map[string][]string {
	out := make(map[string][]string, len(p.Mappings))
	for _, m := range p.Mappings {
		out[m.Target] = append(out[m.Target], m.Source)
	}
	return out
}

// RowMap pairs a row tuple with the column list.
func (p *Prepared) RowMap(row []any) map[string]any {
	out := make(map[string]any, len(p.Columns))
	for i, c := range p.Columns {
		if i < len(row) {
			out[c] = row[i]
		}
	}
	return out
}

// Errors flattens every rejection message in order.
func (p *Prepared) Errors() []string {
	var out []string
	for _, r := range p.Rejected {
		out = append(out, r.Errors...)
	}
	return out
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Intersects reports whether the closed intervals share at least one instant.
func (r TimeRange) Intersects(other TimeRange) bool {
	return !r.Start.After(other.End) && !r.End.Before(other.Start)
}

// ExistingRange is a stored interval that intersects a requested one.
type ExistingRange struct {
	Start    time.Time
	End      time.Time
	RecordID *int64
}

type Overlap struct {
	WorkbookType    string    `json:"workbook_type"`
	TargetTable     string    `json:"target_table"`
	TimeRangeColumn string    `json:"time_range_column"`
	RequestedStart  time.Time `json:"requested_start"`
	RequestedEnd    time.Time `json:"requested_end"`
	ExistingStart   time.Time `json:"existing_start"`
	ExistingEnd     time.Time `json:"existing_end"`
	RecordID        *int64    `json:"record_id"`
}

type Result struct {
	FileHash           string
	StagingTable       string
	NormalizedTable    string
	StagedRows         int64
	NormalizedRows     int64
	RejectedRows       int64
	BatchID            string
	IngestedAt         *time.Time
	ProcessedAt        *time.Time
	ColumnCoverage     map[string][]string
	InsertedCount      int64
	UpdatedCount       int64
	RejectedRowsPath   string
	ValidationErrors   []string
	ConflictResolution sheetconfig.ConflictPolicy
	Overlaps           []Overlap
	Skipped            bool
	SkipReason         SkipReason
}

func (r *Result) ProcessedRows() int64 {
	return r.InsertedCount + r.UpdatedCount
}

// CoverageColumns returns the covered normalized columns in sorted order.
func (r *Result) CoverageColumns() []string {
	keys := make([]string, 0, len(r.ColumnCoverage))
	for k := range r.ColumnCoverage {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
