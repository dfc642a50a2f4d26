package services

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

func preparedFixture() *pipeline.Prepared {
	return &pipeline.Prepared{
		Columns: []string{"日期", "姓名", "上課時數"},
		Rows: [][]any{
			{time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), "Alice", decimal.RequireFromString("2")},
			{time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), nil, decimal.RequireFromString("1.5")},
		},
		Rejected: []pipeline.RejectedRow{
			{Data: map[string]any{"id": int64(3), "上課時數": "x"}, Errors: []string{`上課時數: invalid decimal "x"`}},
		},
	}
}

func TestRequireValues(t *testing.T) {
	check := RequireValues("姓名", "上課時數")
	cols := []string{"日期", "姓名", "上課時數"}

	require.Equal(t, "", check([]any{"d", "Alice", "1"}, cols))
	require.Equal(t, "missing value for 姓名", check([]any{"d", " ", "1"}, cols))
	require.Equal(t, "missing value for 姓名, 上課時數", check([]any{"d", nil, nil}, cols))
}

func TestValidator_NoRejectionsWritesNothing(t *testing.T) {
	dir := t.TempDir()
	p := preparedFixture()
	p.Rejected = nil

	res, err := NewValidator(dir, nil).Validate("job-1", p)
	require.NoError(t, err)
	require.Len(t, res.Prepared.Rows, 2)
	require.Empty(t, res.Errors)
	require.Empty(t, res.RejectedRowsPath)
	require.NoFileExists(t, filepath.Join(dir, "job-1.csv"))
}

func TestValidator_WritesRejectedRows(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rejected")

	res, err := NewValidator(dir, nil).Validate("job-1", preparedFixture(), RequireValues("姓名"))
	require.NoError(t, err)
	require.Len(t, res.Prepared.Rows, 1)
	require.Len(t, res.Prepared.Rejected, 2)
	require.Equal(t, []string{`上課時數: invalid decimal "x"`, "missing value for 姓名"}, res.Errors)
	require.Equal(t, filepath.Join(dir, "job-1.csv"), res.RejectedRowsPath)

	f, err := os.Open(res.RejectedRowsPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"id", "上課時數", "姓名", "日期", "errors"},
		{"3", "x", "", "", `上課時數: invalid decimal "x"`},
		{"", "1.5", "", "2024-01-06", "missing value for 姓名"},
	}, records)
}

func TestValidator_WithoutJobIDKeepsRejectionsInMemory(t *testing.T) {
	dir := t.TempDir()
	res, err := NewValidator(dir, nil).Validate("", preparedFixture())
	require.NoError(t, err)
	require.Len(t, res.Prepared.Rejected, 1)
	require.Empty(t, res.RejectedRowsPath)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFormatCell(t *testing.T) {
	require.Equal(t, "", formatCell(nil))
	require.Equal(t, "2024-01-05", formatCell(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "2024-01-05T10:30:00Z", formatCell(time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC)))
	require.Equal(t, "1.25", formatCell(decimal.RequireFromString("1.25")))
	require.Equal(t, "42", formatCell(int64(42)))
}
