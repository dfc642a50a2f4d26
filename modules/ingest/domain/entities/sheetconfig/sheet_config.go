package sheetconfig

import (
	"context"
	"fmt"
	"strings"
)

const DefaultWorkbookType = "default"

// Column names written by the staging loader and read by the normalizer.
const (
	ColumnID          = "id"
	ColumnRawID       = "raw_id"
	ColumnFileHash    = "file_hash"
	ColumnBatchID     = "batch_id"
	ColumnSourceYear  = "source_year"
	ColumnIngestedAt  = "ingested_at"
	ColumnProcessedAt = "processed_at"
)

// SubjectColumn is the name given to the last unnamed column when RenameLastSubject is set.
const SubjectColumn = "教授科目"

var (
	DefaultMetadataColumns = []string{
		ColumnID, ColumnFileHash, ColumnBatchID, ColumnSourceYear, ColumnIngestedAt, ColumnProcessedAt,
	}
	DefaultNormalizedMetadataColumns = []string{
		ColumnRawID, ColumnFileHash, ColumnBatchID, ColumnSourceYear, ColumnIngestedAt,
	}
	DefaultReservedSourceColumns = []string{ColumnID, ColumnProcessedAt}
)

// DefaultNormalizedTypeOverrides apply when a config declares no normalized overrides of its own.
func DefaultNormalizedTypeOverrides() map[string]string {
	return map[string]string{
		"日期":   "DATE NULL",
		"上課時數": "DECIMAL(6,2) NULL",
	}
}

type ConflictPolicy string

const (
	PolicyAppend  ConflictPolicy = "append"
	PolicyReplace ConflictPolicy = "replace"
	PolicySkip    ConflictPolicy = "skip"
)

func ParsePolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAppend, nil
	case PolicyAppend, PolicyReplace, PolicySkip:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict resolution %q (expected append|replace|skip)", s)
	}
}

// Mapping pairs a normalized column with the staging column it is read from.
type Mapping struct {
	Target string `json:"target" yaml:"target" toml:"target"`
	Source string `json:"source" yaml:"source" toml:"source"`
}

type Config struct {
	WorkbookType    string
	SheetName       string
	StagingTable    string
	NormalizedTable string
	// NormalizedTableExplicit is false when NormalizedTable was derived from StagingTable.
	NormalizedTableExplicit bool

	MetadataColumns []string
	RequiredColumns []string
	ColumnMappings  []Mapping
	ColumnTypes     map[string]string

	NormalizedMetadataColumns     []string
	ReservedSourceColumns         []string
	NormalizedColumnTypeOverrides map[string]string

	OverlapTargetTable string
	TimeRangeColumn    string
	TimeRangeFormat    string
	ConflictResolution ConflictPolicy
	RenameLastSubject  bool
	RequiredValues     []string
}

// DeriveNormalizedTable maps teach_record_raw to teach_record_normalized and foo to foo_normalized.
func DeriveNormalizedTable(staging string) string {
	staging = strings.TrimSpace(staging)
	if staging == "" {
		return ""
	}
	if base, ok := strings.CutSuffix(staging, "_raw"); ok && base != "" {
		return base + "_normalized"
	}
	return staging + "_normalized"
}

// ApplyDefaults fills every optional field left empty by the stored row.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.WorkbookType) == "" {
		c.WorkbookType = DefaultWorkbookType
	}
	if len(c.MetadataColumns) == 0 {
		c.MetadataColumns = append([]string(nil), DefaultMetadataColumns...)
	}
	if len(c.NormalizedMetadataColumns) == 0 {
		c.NormalizedMetadataColumns = append([]string(nil), DefaultNormalizedMetadataColumns...)
	}
	if len(c.ReservedSourceColumns) == 0 {
		c.ReservedSourceColumns = append([]string(nil), DefaultReservedSourceColumns...)
	}
	if len(c.NormalizedColumnTypeOverrides) == 0 {
		c.NormalizedColumnTypeOverrides = DefaultNormalizedTypeOverrides()
	}
	if c.ColumnTypes == nil {
		c.ColumnTypes = map[string]string{}
	}
	if c.ConflictResolution == "" {
		c.ConflictResolution = PolicyAppend
	}
	if strings.TrimSpace(c.NormalizedTable) == "" {
		c.NormalizedTable = DeriveNormalizedTable(c.StagingTable)
		c.NormalizedTableExplicit = false
	}
}

func (c *Config) IsMetadata(column string) bool {
	for _, m := range c.MetadataColumns {
		if m == column {
			return true
		}
	}
	return false
}

// OverlapTable is the table checked for time-range conflicts.
func (c *Config) OverlapTable() string {
	if t := strings.TrimSpace(c.OverlapTargetTable); t != "" {
		return t
	}
	return c.NormalizedTable
}

// MappingSource returns the staging column mapped to target, or target itself.
func (c *Config) MappingSource(target string) string {
	for _, m := range c.ColumnMappings {
		if m.Target == target {
			return m.Source
		}
	}
	return target
}

type Key struct {
	WorkbookType string
	SheetName    string
}

func (k Key) String() string {
	return k.WorkbookType + "/" + k.SheetName
}

func (c *Config) Key() Key {
	return Key{WorkbookType: c.WorkbookType, SheetName: c.SheetName}
}

type Repository interface {
	// All returns every stored config row with defaults applied.
	All(ctx context.Context) ([]*Config, error)
}

// Clone returns a deep copy so cached configs are never mutated by callers.
func (c *Config) Clone() *Config {
	out := *c
	out.MetadataColumns = append([]string(nil), c.MetadataColumns...)
	out.RequiredColumns = append([]string(nil), c.RequiredColumns...)
	out.ColumnMappings = append([]Mapping(nil), c.ColumnMappings...)
	out.NormalizedMetadataColumns = append([]string(nil), c.NormalizedMetadataColumns...)
	out.ReservedSourceColumns = append([]string(nil), c.ReservedSourceColumns...)
	out.RequiredValues = append([]string(nil), c.RequiredValues...)
	out.ColumnTypes = cloneMap(c.ColumnTypes)
	out.NormalizedColumnTypeOverrides = cloneMap(c.NormalizedColumnTypeOverrides)
	return &out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
