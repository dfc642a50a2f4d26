package models

import (
	"database/sql"
	"time"
)

// SheetIngestConfig mirrors sheet_ingest_config. The db tags are used by the sqlx seeder.
type SheetIngestConfig struct {
	ID              int64          `db:"id"`
	WorkbookType    string         `db:"workbook_type"`
	SheetName       string         `db:"sheet_name"`
	StagingTable    string         `db:"staging_table"`
	NormalizedTable sql.NullString `db:"normalized_table"`
	MetadataColumns []byte         `db:"metadata_columns"`
	RequiredColumns []byte         `db:"required_columns"`
	ColumnMappings  []byte         `db:"column_mappings"`
	ColumnTypes     []byte         `db:"column_types"`
	Options         []byte         `db:"options"`
}

// SheetIngestOptions is the JSON stored in sheet_ingest_config.options.
type SheetIngestOptions struct {
	NormalizedTable               string            `json:"normalized_table,omitempty"`
	RenameLastSubject             bool              `json:"rename_last_subject,omitempty"`
	ColumnTypes                   map[string]string `json:"column_types,omitempty"`
	TimeRangeColumn               string            `json:"time_range_column,omitempty"`
	TimeRangeFormat               string            `json:"time_range_format,omitempty"`
	OverlapTargetTable            string            `json:"overlap_target_table,omitempty"`
	NormalizedMetadataColumns     []string          `json:"normalized_metadata_columns,omitempty"`
	ReservedSourceColumns         []string          `json:"reserved_source_columns,omitempty"`
	NormalizedColumnTypeOverrides map[string]string `json:"normalized_column_type_overrides,omitempty"`
	ConflictResolution            string            `json:"conflict_resolution,omitempty"`
	RequiredValues                []string          `json:"required_values,omitempty"`
}

type UploadJob struct {
	JobID            string
	OriginalFilename string
	StoredPath       string
	WorkbookType     string
	WorkbookName     sql.NullString
	WorksheetName    string
	FileSize         int64
	Status           string
	StatusMessage    sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type UploadJobEvent struct {
	ID        int64
	JobID     string
	Status    string
	Message   sql.NullString
	CreatedAt time.Time
}

type UploadJobResult struct {
	JobID               string
	TotalRows           int64
	ProcessedRows       int64
	SuccessfulRows      int64
	RejectedRows        int64
	NormalizedTableName sql.NullString
	RejectedRowsPath    sql.NullString
	CoverageMetadata    []byte
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
