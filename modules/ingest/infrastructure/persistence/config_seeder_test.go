package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
)

const yamlSeed = `
sheets:
  - sheet_name: 教學紀錄
    staging_table: teach_record_raw
    required_columns: [日期, 姓名]
    column_mappings:
      - {target: teacher, source: 姓名}
      - {target: date, source: 日期}
    column_types:
      上課時數: DECIMAL(6,2)
    time_range_column: date
    time_range_format: "%Y/%m/%d"
    conflict_resolution: replace
    rename_last_subject: true
  - workbook_type: ntu
    sheet_name: course
    staging_table: ntu_course_raw
    normalized_table: ntu_course
`

const tomlSeed = `
[[sheets]]
sheet_name = "teach"
staging_table = "teach_record_raw"
required_values = ["姓名"]

  [[sheets.column_mappings]]
  target = "teacher"
  source = "姓名"
`

func TestParseSeed_YAML(t *testing.T) {
	configs, err := ParseSeed([]byte(yamlSeed), "yaml")
	require.NoError(t, err)
	require.Len(t, configs, 2)

	teach := configs[0]
	require.Equal(t, sheetconfig.DefaultWorkbookType, teach.WorkbookType)
	require.Equal(t, "教學紀錄", teach.SheetName)
	require.Equal(t, []string{"日期", "姓名"}, teach.RequiredColumns)
	require.Equal(t, []sheetconfig.Mapping{{Target: "teacher", Source: "姓名"}, {Target: "date", Source: "日期"}}, teach.ColumnMappings)
	require.Equal(t, "DECIMAL(6,2)", teach.ColumnTypes["上課時數"])
	require.Equal(t, sheetconfig.PolicyReplace, teach.ConflictResolution)
	require.True(t, teach.RenameLastSubject)
	require.False(t, teach.NormalizedTableExplicit)

	course := configs[1]
	require.Equal(t, "ntu", course.WorkbookType)
	require.Equal(t, "ntu_course", course.NormalizedTable)
	require.True(t, course.NormalizedTableExplicit)
}

func TestParseSeed_TOML(t *testing.T) {
	configs, err := ParseSeed([]byte(tomlSeed), "toml")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	require.Equal(t, []string{"姓名"}, configs[0].RequiredValues)
	require.Equal(t, []sheetconfig.Mapping{{Target: "teacher", Source: "姓名"}}, configs[0].ColumnMappings)
}

func TestParseSeed_Errors(t *testing.T) {
	_, err := ParseSeed([]byte("sheets:\n  - staging_table: x\n"), "yaml")
	require.ErrorContains(t, err, "sheet_name is required")

	_, err = ParseSeed([]byte("sheets:\n  - sheet_name: a\n    staging_table: x\n    conflict_resolution: merge\n"), "yaml")
	require.ErrorContains(t, err, "unknown conflict resolution")

	_, err = ParseSeed([]byte("sheets:\n  - {sheet_name: a, staging_table: x}\n  - {sheet_name: a, staging_table: y}\n"), "yml")
	require.ErrorContains(t, err, "duplicate seed entry default/a")

	_, err = ParseSeed([]byte("{}"), "json")
	require.ErrorContains(t, err, `unsupported seed format "json"`)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sheets.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlSeed), 0o644))

	configs, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	require.Equal(t, "teach", configs[0].SheetName)
}

func TestConfigSeeder_Sync(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "postgres")

	configs, err := ParseSeed([]byte(yamlSeed), "yaml")
	require.NoError(t, err)

	upsert := regexp.QuoteMeta("INSERT INTO sheet_ingest_config")
	mock.ExpectBegin()
	mock.ExpectExec(upsert).
		WithArgs("default", "教學紀錄", "teach_record_raw", nil,
			`[]`, `["日期","姓名"]`, `{"teacher":"姓名","date":"日期"}`, `{"上課時數":"DECIMAL(6,2)"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).
		WithArgs("ntu", "course", "ntu_course_raw", "ntu_course",
			sqlmock.AnyArg(), sqlmock.AnyArg(), `{}`, `{}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := NewConfigSeeder(db, nil).Sync(context.Background(), configs)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigSeeder_SyncRollsBackOnError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "postgres")

	configs, err := ParseSeed([]byte(tomlSeed), "toml")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sheet_ingest_config")).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = NewConfigSeeder(db, nil).Sync(context.Background(), configs)
	require.ErrorContains(t, err, "failed to upsert default/teach")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigSeeder_Diff(t *testing.T) {
	configs, err := ParseSeed([]byte(tomlSeed), "toml")
	require.NoError(t, err)
	rows, err := seedRows(configs)
	require.NoError(t, err)
	want := rows[0]

	columns := []string{"workbook_type", "sheet_name", "staging_table", "normalized_table",
		"metadata_columns", "required_columns", "column_mappings", "column_types", "options"}
	storedRow := func(staging string) *sqlmock.Rows {
		return sqlmock.NewRows(columns).AddRow(want.WorkbookType, want.SheetName, staging, nil,
			want.MetadataColumns, want.RequiredColumns, want.ColumnMappings, want.ColumnTypes, want.Options)
	}
	selectQuery := regexp.QuoteMeta("FROM sheet_ingest_config")

	t.Run("missing row is a create", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()
		mock.ExpectQuery(selectQuery).WithArgs("default", "teach").WillReturnRows(sqlmock.NewRows(columns))

		changes, err := NewConfigSeeder(sqlx.NewDb(mockDB, "postgres"), nil).Diff(context.Background(), configs)
		require.NoError(t, err)
		require.Equal(t, []ConfigChange{{WorkbookType: "default", SheetName: "teach", Action: ChangeCreate}}, changes)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("identical row is unchanged", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()
		mock.ExpectQuery(selectQuery).WillReturnRows(storedRow(want.StagingTable))

		changes, err := NewConfigSeeder(sqlx.NewDb(mockDB, "postgres"), nil).Diff(context.Background(), configs)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		require.Equal(t, ChangeUnchanged, changes[0].Action)
		require.Empty(t, changes[0].Patch)
	})

	t.Run("changed row carries a patch", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()
		mock.ExpectQuery(selectQuery).WillReturnRows(storedRow("old_raw"))

		changes, err := NewConfigSeeder(sqlx.NewDb(mockDB, "postgres"), nil).Diff(context.Background(), configs)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		require.Equal(t, ChangeUpdate, changes[0].Action)
		require.Len(t, changes[0].Patch, 1)
		require.Equal(t, "/staging_table", changes[0].Patch[0].Path)
		require.Equal(t, "teach_record_raw", changes[0].Patch[0].Value)
	})
}
