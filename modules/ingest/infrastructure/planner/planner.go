// Package planner summarizes workbook headers into draft sheet_ingest_config entries.
package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/storage"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

const (
	DefaultOutputSuffix       = "_ingest_plan.json"
	DefaultStagingTemplate    = "{workbook}_{sheet}_raw"
	DefaultNormalizedTemplate = "{workbook}_{sheet}"
	DefaultSampleRows         = 50

	typeDate    = "DATE NULL"
	typeInteger = "INTEGER NULL"
	typeNumeric = "NUMERIC NULL"
	typeText    = "TEXT NULL"
	typeVarchar = "VARCHAR(255) NULL"

	maxVarcharLength = 255
)

var datePattern = regexp.MustCompile(`^(\d{4}[-/.年]\d{1,2}[-/.月]\d{1,2}日?|\d{1,2}[-/]\d{1,2}[-/]\d{2,4})$`)

type Options struct {
	// Sheets limits the plan to the named sheets. Empty means every sheet.
	Sheets             []string
	StagingTemplate    string
	NormalizedTemplate string
	SampleRows         int
	// Overrides replace inferred types, keyed by header or staging column.
	Overrides          map[string]string
	TimeRangeColumn    string
	TimeRangeFormat    string
	OverlapTargetTable string
}

func (o Options) withDefaults() Options {
	if o.StagingTemplate == "" {
		o.StagingTemplate = DefaultStagingTemplate
	}
	if o.NormalizedTemplate == "" {
		o.NormalizedTemplate = DefaultNormalizedTemplate
	}
	if o.SampleRows <= 0 {
		o.SampleRows = DefaultSampleRows
	}
	return o
}

type SheetOptions struct {
	NormalizedTable    string            `json:"normalized_table"`
	ColumnTypes        map[string]string `json:"column_types"`
	TimeRangeColumn    string            `json:"time_range_column,omitempty"`
	TimeRangeFormat    string            `json:"time_range_format,omitempty"`
	OverlapTargetTable string            `json:"overlap_target_table,omitempty"`
}

type SheetPlan struct {
	SheetName               string       `json:"sheet_name"`
	HeaderRowIndex          *int         `json:"header_row_index"`
	CleanHeaders            []string     `json:"clean_headers"`
	SuggestedStagingColumns []string     `json:"suggested_staging_columns"`
	MetadataColumns         []string     `json:"metadata_columns"`
	StagingTable            string       `json:"staging_table"`
	Options                 SheetOptions `json:"options"`
}

type Plan struct {
	Workbook     string      `json:"workbook"`
	WorkbookPath string      `json:"workbook_path"`
	Sheets       []SheetPlan `json:"sheets"`
}

func cellText(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "nan") {
		return ""
	}
	return v
}

func firstNonEmptyRow(rows [][]string) (int, []string, bool) {
	for i, row := range rows {
		values := make([]string, len(row))
		found := false
		for j, v := range row {
			values[j] = cellText(v)
			found = found || values[j] != ""
		}
		if found {
			return i, values, true
		}
	}
	return 0, nil, false
}

func trimTrailingEmpty(values []string) []string {
	for len(values) > 0 && values[len(values)-1] == "" {
		values = values[:len(values)-1]
	}
	return values
}

func component(s string) string {
	return sqlident.Sanitize(s, sqlident.NewSet(), "sheet")
}

// TableName fills {workbook} and {sheet} in template and sanitizes the result.
func TableName(template, workbook, sheet string) string {
	name := strings.NewReplacer("{workbook}", component(workbook), "{sheet}", component(sheet)).Replace(template)
	return sqlident.Sanitize(name, sqlident.NewSet(), "table")
}

// InferType picks a column type from sample values. Empty samples give VARCHAR(255).
func InferType(values []string) string {
	var present []string
	for _, v := range values {
		if v = cellText(v); v != "" {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return typeVarchar
	}
	all := func(pred func(string) bool) bool {
		for _, v := range present {
			if !pred(v) {
				return false
			}
		}
		return true
	}
	switch {
	case all(datePattern.MatchString):
		return typeDate
	case all(func(v string) bool { _, err := strconv.ParseInt(v, 10, 64); return err == nil }):
		return typeInteger
	case all(func(v string) bool { _, err := decimal.NewFromString(v); return err == nil }):
		return typeNumeric
	}
	for _, v := range present {
		if utf8.RuneCountInString(v) > maxVarcharLength {
			return typeText
		}
	}
	return typeVarchar
}

// SummarizeSheet plans one worksheet given its rows as read from the workbook.
func SummarizeSheet(sheet string, rows [][]string, workbook string, opts Options) SheetPlan {
	opts = opts.withDefaults()
	plan := SheetPlan{
		SheetName:               sheet,
		CleanHeaders:            []string{},
		SuggestedStagingColumns: []string{},
		MetadataColumns:         append([]string(nil), sheetconfig.DefaultMetadataColumns...),
		StagingTable:            TableName(opts.StagingTemplate, workbook, sheet),
		Options: SheetOptions{
			NormalizedTable:    TableName(opts.NormalizedTemplate, workbook, sheet),
			ColumnTypes:        map[string]string{},
			TimeRangeColumn:    opts.TimeRangeColumn,
			TimeRangeFormat:    opts.TimeRangeFormat,
			OverlapTargetTable: opts.OverlapTargetTable,
		},
	}

	idx, headers, ok := firstNonEmptyRow(rows)
	if !ok {
		return plan
	}
	plan.HeaderRowIndex = &idx
	plan.CleanHeaders = trimTrailingEmpty(headers)

	used := sqlident.NewSet(sheetconfig.DefaultMetadataColumns...)
	end := idx + 1 + opts.SampleRows
	if end > len(rows) {
		end = len(rows)
	}
	samples := rows[idx+1 : end]
	for i, h := range plan.CleanHeaders {
		col := sqlident.Sanitize(h, used, "column_"+strconv.Itoa(i+1))
		plan.SuggestedStagingColumns = append(plan.SuggestedStagingColumns, col)

		values := make([]string, 0, len(samples))
		for _, row := range samples {
			if i < len(row) {
				values = append(values, row[i])
			}
		}
		t := InferType(values)
		if o, ok := opts.Overrides[h]; ok {
			t = o
		} else if o, ok := opts.Overrides[col]; ok {
			t = o
		}
		plan.Options.ColumnTypes[col] = t
	}
	return plan
}

func wanted(sheet string, only []string) bool {
	if len(only) == 0 {
		return true
	}
	for _, s := range only {
		if s == sheet {
			return true
		}
	}
	return false
}

// Build reads every selected sheet of the workbook at path.
func Build(path string, opts Options) (*Plan, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	name := storage.OriginalFilename(path)
	workbook := strings.TrimSuffix(name, filepath.Ext(name))
	plan := &Plan{Workbook: name, WorkbookPath: abs, Sheets: []SheetPlan{}}
	for _, sheet := range f.GetSheetList() {
		if !wanted(sheet, opts.Sheets) {
			continue
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read worksheet %q: %w", sheet, err)
		}
		plan.Sheets = append(plan.Sheets, SummarizeSheet(sheet, rows, workbook, opts))
	}
	if len(plan.Sheets) == 0 {
		return nil, fmt.Errorf("no sheets processed in %s, check the sheet names or workbook content", name)
	}
	return plan, nil
}

// OutputPath is <workbook stem>_ingest_plan.json next to the workbook.
func OutputPath(workbookPath string) string {
	return strings.TrimSuffix(workbookPath, filepath.Ext(workbookPath)) + DefaultOutputSuffix
}

// Encode renders plan as indented JSON without escaping non-ASCII text.
func Encode(plan *Plan) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Write(plan *Plan, path string) error {
	data, err := Encode(plan)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

func jsonLiteral(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return pq.QuoteLiteral(strings.TrimSpace(buf.String())) + "::json", nil
}

// identityMappings keeps the staging column order, which a JSON-encoded map would sort.
func identityMappings(columns []string) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range columns {
		if i > 0 {
			buf.WriteString(", ")
		}
		k, err := json.Marshal(c)
		if err != nil {
			return "", err
		}
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(k)
	}
	buf.WriteByte('}')
	return pq.QuoteLiteral(buf.String()) + "::json", nil
}

// UpsertSQL renders one INSERT ... ON CONFLICT statement covering every sheet in plan.
func UpsertSQL(plan *Plan, workbookType string) (string, error) {
	if workbookType = strings.TrimSpace(workbookType); workbookType == "" {
		workbookType = sheetconfig.DefaultWorkbookType
	}
	if len(plan.Sheets) == 0 {
		return "", fmt.Errorf("plan for %s has no sheets", plan.Workbook)
	}
	sheets := append([]SheetPlan(nil), plan.Sheets...)
	sort.SliceStable(sheets, func(i, j int) bool { return sheets[i].SheetName < sheets[j].SheetName })

	values := make([]string, 0, len(sheets))
	for _, s := range sheets {
		metadata, err := jsonLiteral(s.MetadataColumns)
		if err != nil {
			return "", err
		}
		required, err := jsonLiteral(s.SuggestedStagingColumns)
		if err != nil {
			return "", err
		}
		mappings, err := identityMappings(s.SuggestedStagingColumns)
		if err != nil {
			return "", err
		}
		types, err := jsonLiteral(s.Options.ColumnTypes)
		if err != nil {
			return "", err
		}
		options, err := jsonLiteral(s.Options)
		if err != nil {
			return "", err
		}
		values = append(values, fmt.Sprintf("    (%s, %s, %s, %s, %s, %s, %s, %s, %s)",
			pq.QuoteLiteral(workbookType),
			pq.QuoteLiteral(s.SheetName),
			pq.QuoteLiteral(s.StagingTable),
			pq.QuoteLiteral(s.Options.NormalizedTable),
			metadata, required, mappings, types, options,
		))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO sheet_ingest_config (\n")
	b.WriteString("    workbook_type, sheet_name, staging_table, normalized_table,\n")
	b.WriteString("    metadata_columns, required_columns, column_mappings, column_types, options\n")
	b.WriteString(") VALUES\n")
	b.WriteString(strings.Join(values, ",\n"))
	b.WriteString("\nON CONFLICT (workbook_type, sheet_name) DO UPDATE SET\n")
	b.WriteString("    staging_table = EXCLUDED.staging_table,\n")
	b.WriteString("    normalized_table = EXCLUDED.normalized_table,\n")
	b.WriteString("    metadata_columns = EXCLUDED.metadata_columns,\n")
	b.WriteString("    required_columns = EXCLUDED.required_columns,\n")
	b.WriteString("    column_mappings = EXCLUDED.column_mappings,\n")
	b.WriteString("    column_types = EXCLUDED.column_types,\n")
	b.WriteString("    options = EXCLUDED.options,\n")
	b.WriteString("    updated_at = now();\n")
	return b.String(), nil
}
