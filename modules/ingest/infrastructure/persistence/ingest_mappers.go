package persistence

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/persistence/models"
)

func toDomainSheetConfig(row *models.SheetIngestConfig) (*sheetconfig.Config, error) {
	var opts models.SheetIngestOptions
	if err := decodeJSON(row.Options, &opts); err != nil {
		return nil, errors.Wrapf(err, "invalid options for %s/%s", row.WorkbookType, row.SheetName)
	}
	cfg := &sheetconfig.Config{
		WorkbookType:                  strings.TrimSpace(row.WorkbookType),
		SheetName:                     strings.TrimSpace(row.SheetName),
		StagingTable:                  strings.TrimSpace(row.StagingTable),
		RenameLastSubject:             opts.RenameLastSubject,
		TimeRangeColumn:               opts.TimeRangeColumn,
		TimeRangeFormat:               opts.TimeRangeFormat,
		OverlapTargetTable:            opts.OverlapTargetTable,
		NormalizedMetadataColumns:     opts.NormalizedMetadataColumns,
		ReservedSourceColumns:         opts.ReservedSourceColumns,
		NormalizedColumnTypeOverrides: opts.NormalizedColumnTypeOverrides,
		RequiredValues:                opts.RequiredValues,
	}

	if row.NormalizedTable.Valid && strings.TrimSpace(row.NormalizedTable.String) != "" {
		cfg.NormalizedTable = strings.TrimSpace(row.NormalizedTable.String)
		cfg.NormalizedTableExplicit = true
	} else if strings.TrimSpace(opts.NormalizedTable) != "" {
		cfg.NormalizedTable = strings.TrimSpace(opts.NormalizedTable)
		cfg.NormalizedTableExplicit = true
	}

	if err := decodeJSON(row.MetadataColumns, &cfg.MetadataColumns); err != nil {
		return nil, errors.Wrap(err, "invalid metadata_columns")
	}
	if err := decodeJSON(row.RequiredColumns, &cfg.RequiredColumns); err != nil {
		return nil, errors.Wrap(err, "invalid required_columns")
	}
	mappings, err := decodeOrderedMappings(row.ColumnMappings)
	if err != nil {
		return nil, errors.Wrap(err, "invalid column_mappings")
	}
	cfg.ColumnMappings = mappings

	types := map[string]string{}
	if err := decodeJSON(row.ColumnTypes, &types); err != nil {
		return nil, errors.Wrap(err, "invalid column_types")
	}
	for k, v := range opts.ColumnTypes {
		if _, ok := types[k]; !ok {
			types[k] = v
		}
	}
	cfg.ColumnTypes = types

	policy, err := sheetconfig.ParsePolicy(opts.ConflictResolution)
	if err != nil {
		return nil, err
	}
	cfg.ConflictResolution = policy

	cfg.ApplyDefaults()
	return cfg, nil
}

func toDBSheetConfig(cfg *sheetconfig.Config) (*models.SheetIngestConfig, error) {
	opts := models.SheetIngestOptions{
		RenameLastSubject:             cfg.RenameLastSubject,
		TimeRangeColumn:               cfg.TimeRangeColumn,
		TimeRangeFormat:               cfg.TimeRangeFormat,
		OverlapTargetTable:            cfg.OverlapTargetTable,
		NormalizedMetadataColumns:     cfg.NormalizedMetadataColumns,
		ReservedSourceColumns:         cfg.ReservedSourceColumns,
		NormalizedColumnTypeOverrides: cfg.NormalizedColumnTypeOverrides,
		ConflictResolution:            string(cfg.ConflictResolution),
		RequiredValues:                cfg.RequiredValues,
	}
	row := &models.SheetIngestConfig{
		WorkbookType: cfg.WorkbookType,
		SheetName:    cfg.SheetName,
		StagingTable: cfg.StagingTable,
	}
	if cfg.WorkbookType == "" {
		row.WorkbookType = sheetconfig.DefaultWorkbookType
	}
	if cfg.NormalizedTableExplicit && cfg.NormalizedTable != "" {
		row.NormalizedTable = sql.NullString{String: cfg.NormalizedTable, Valid: true}
	}

	var err error
	if row.MetadataColumns, err = json.Marshal(nonNil(cfg.MetadataColumns)); err != nil {
		return nil, err
	}
	if row.RequiredColumns, err = json.Marshal(nonNil(cfg.RequiredColumns)); err != nil {
		return nil, err
	}
	if row.ColumnMappings, err = encodeOrderedMappings(cfg.ColumnMappings); err != nil {
		return nil, err
	}
	types := cfg.ColumnTypes
	if types == nil {
		types = map[string]string{}
	}
	if row.ColumnTypes, err = json.Marshal(types); err != nil {
		return nil, err
	}
	if row.Options, err = json.Marshal(opts); err != nil {
		return nil, err
	}
	return row, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func decodeJSON(raw []byte, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// decodeOrderedMappings reads a JSON object while keeping key order, which a
// Go map would lose.
func decodeOrderedMappings(raw []byte) ([]sheetconfig.Mapping, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected a JSON object, got %v", tok)
	}
	var out []sheetconfig.Mapping
	seen := map[string]int{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", keyTok)
		}
		var source string
		if err := dec.Decode(&source); err != nil {
			return nil, fmt.Errorf("mapping %q: %w", key, err)
		}
		if i, dup := seen[key]; dup {
			out[i].Source = source
			continue
		}
		seen[key] = len(out)
		out = append(out, sheetconfig.Mapping{Target: key, Source: source})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeOrderedMappings(mappings []sheetconfig.Mapping) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range mappings {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(m.Target)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(m.Source)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func toDomainUploadJob(row *models.UploadJob) (*uploadjob.Job, error) {
	id, err := uuid.Parse(row.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid job id")
	}
	status, err := uploadjob.ParseStatus(row.Status)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", row.JobID)
	}
	return &uploadjob.Job{
		ID:               id,
		OriginalFilename: row.OriginalFilename,
		StoredPath:       row.StoredPath,
		WorkbookType:     row.WorkbookType,
		WorkbookName:     row.WorkbookName.String,
		WorksheetName:    row.WorksheetName,
		FileSize:         row.FileSize,
		Status:           status,
		StatusMessage:    row.StatusMessage.String,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

func toDomainUploadJobEvent(row *models.UploadJobEvent) (*uploadjob.Event, error) {
	id, err := uuid.Parse(row.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid job id")
	}
	status, err := uploadjob.ParseStatus(row.Status)
	if err != nil {
		return nil, err
	}
	return &uploadjob.Event{
		ID:        row.ID,
		JobID:     id,
		Status:    status,
		Message:   row.Message.String,
		CreatedAt: row.CreatedAt,
	}, nil
}

func toDomainUploadJobResult(row *models.UploadJobResult) (*uploadjob.Result, error) {
	id, err := uuid.Parse(row.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid job id")
	}
	r := &uploadjob.Result{
		JobID:               id,
		TotalRows:           row.TotalRows,
		ProcessedRows:       row.ProcessedRows,
		SuccessfulRows:      row.SuccessfulRows,
		RejectedRows:        row.RejectedRows,
		NormalizedTableName: row.NormalizedTableName.String,
		RejectedRowsPath:    row.RejectedRowsPath.String,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}
	if err := decodeJSON(row.CoverageMetadata, &r.CoverageMetadata); err != nil {
		return nil, errors.Wrap(err, "invalid coverage_metadata")
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
