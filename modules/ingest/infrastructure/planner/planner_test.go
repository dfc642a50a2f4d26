package planner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
)

func TestInferType(t *testing.T) {
	cases := []struct {
		name   string
		values []string
		want   string
	}{
		{"empty", []string{"", " ", "nan"}, "VARCHAR(255) NULL"},
		{"integers", []string{"1", "42", ""}, "INTEGER NULL"},
		{"decimals", []string{"2.5", "3"}, "NUMERIC NULL"},
		{"dates", []string{"2024/01/05", "2024-1-7"}, "DATE NULL"},
		{"text", []string{"short", strings.Repeat("長", 256)}, "TEXT NULL"},
		{"varchar", []string{"王小明", "12"}, "VARCHAR(255) NULL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, InferType(tc.values))
		})
	}
}

func TestTableName(t *testing.T) {
	require.Equal(t, "exampleworkbook_my_sheet_raw", TableName(DefaultStagingTemplate, "ExampleWorkbook", "My Sheet"))
	require.Equal(t, "workbook_學生資料_raw", TableName(DefaultStagingTemplate, "Workbook", "學生資料"))
	require.Equal(t, "exampleworkbook_my_sheet", TableName(DefaultNormalizedTemplate, "ExampleWorkbook", "My Sheet"))
}

func TestSummarizeSheet(t *testing.T) {
	rows := [][]string{
		{"", ""},
		{"學生編號", "姓名", "出生日期", "分數", ""},
		{"1001", "王小明", "2010/03/04", "2.5"},
		{"1002", "李小華", "2010/05/06", "3"},
	}
	plan := SummarizeSheet("學生資料", rows, "Workbook", Options{
		Overrides: map[string]string{"分數": "DECIMAL(5,2) NULL"},
	})

	require.Equal(t, "學生資料", plan.SheetName)
	require.NotNil(t, plan.HeaderRowIndex)
	require.Equal(t, 1, *plan.HeaderRowIndex)
	require.Equal(t, []string{"學生編號", "姓名", "出生日期", "分數"}, plan.CleanHeaders)
	require.Equal(t, []string{"學生編號", "姓名", "出生日期", "分數"}, plan.SuggestedStagingColumns)
	require.Equal(t, sheetconfig.DefaultMetadataColumns, plan.MetadataColumns)
	require.Equal(t, "workbook_學生資料_raw", plan.StagingTable)
	require.Equal(t, "workbook_學生資料", plan.Options.NormalizedTable)
	require.Equal(t, map[string]string{
		"學生編號": "INTEGER NULL",
		"姓名":   "VARCHAR(255) NULL",
		"出生日期": "DATE NULL",
		"分數":   "DECIMAL(5,2) NULL",
	}, plan.Options.ColumnTypes)
}

func TestSummarizeSheet_BlankAndMessyHeaders(t *testing.T) {
	empty := SummarizeSheet("Blank", [][]string{{"", " "}}, "wb", Options{})
	require.Nil(t, empty.HeaderRowIndex)
	require.Empty(t, empty.CleanHeaders)
	require.Empty(t, empty.SuggestedStagingColumns)

	plan := SummarizeSheet("Messy", [][]string{{"Name", "", "Name", "ID"}}, "wb", Options{SampleRows: 5})
	require.Equal(t, []string{"name", "column_2", "name_1", "id_1"}, plan.SuggestedStagingColumns)
}

func writeWorkbook(t *testing.T, dir string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", "My Sheet"))
	require.NoError(t, f.SetSheetRow("My Sheet", "A1", &[]any{"學生編號", "姓名"}))
	require.NoError(t, f.SetSheetRow("My Sheet", "A2", &[]any{"1001", "王小明"}))
	_, err := f.NewSheet("Other")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Other", "A1", &[]any{"備註"}))

	path := filepath.Join(dir, "ExampleWorkbook.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestBuildAndWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkbook(t, dir)

	plan, err := Build(path, Options{Sheets: []string{"My Sheet"}})
	require.NoError(t, err)
	require.Equal(t, "ExampleWorkbook.xlsx", plan.Workbook)
	require.Len(t, plan.Sheets, 1)
	require.Equal(t, "exampleworkbook_my_sheet_raw", plan.Sheets[0].StagingTable)
	require.Equal(t, "INTEGER NULL", plan.Sheets[0].Options.ColumnTypes["學生編號"])

	out := OutputPath(path)
	require.Equal(t, filepath.Join(dir, "ExampleWorkbook_ingest_plan.json"), out)
	require.NoError(t, Write(plan, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), `"sheet_name": "My Sheet"`)
	require.Contains(t, string(data), "學生編號")

	var decoded Plan
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, plan.Sheets[0].SuggestedStagingColumns, decoded.Sheets[0].SuggestedStagingColumns)

	_, err = Build(path, Options{Sheets: []string{"Missing"}})
	require.ErrorContains(t, err, "no sheets processed")
}

func TestUpsertSQL(t *testing.T) {
	plan := &Plan{Workbook: "wb.xlsx", Sheets: []SheetPlan{
		SummarizeSheet("O'Brien", [][]string{{"b", "a"}}, "wb", Options{}),
		SummarizeSheet("Alpha", [][]string{{"x"}}, "wb", Options{}),
	}}

	sql, err := UpsertSQL(plan, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sql, "INSERT INTO sheet_ingest_config ("))
	require.Contains(t, sql, "ON CONFLICT (workbook_type, sheet_name) DO UPDATE SET")
	require.Contains(t, sql, "'default', 'Alpha', 'wb_alpha_raw', 'wb_alpha'")
	require.Contains(t, sql, "'O''Brien'")
	require.Contains(t, sql, `'{"b": "b", "a": "a"}'::json`)
	require.Less(t, strings.Index(sql, "'Alpha'"), strings.Index(sql, "'O''Brien'"))

	_, err = UpsertSQL(&Plan{Workbook: "wb.xlsx"}, "ntu")
	require.ErrorContains(t, err, "has no sheets")
}
