package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

func TestCoerce(t *testing.T) {
	cases := []struct {
		name string
		kind valueKind
		in   any
		want any
		msg  string
	}{
		{"empty", kindDecimal, "  ", nil, ""},
		{"nil", kindDate, nil, nil, ""},
		{"decimal", kindDecimal, "1.5", decimal.RequireFromString("1.5"), ""},
		{"decimal with grouping", kindDecimal, "1,250.25", decimal.RequireFromString("1250.25"), ""},
		{"bad decimal", kindDecimal, "not-a-number", nil, `hours: invalid decimal "not-a-number"`},
		{"integer", kindInteger, "2024", int64(2024), ""},
		{"integral decimal", kindInteger, "2024.0", int64(2024), ""},
		{"fractional integer", kindInteger, "20.5", nil, `hours: invalid integer "20.5"`},
		{"slash date", kindDate, "2024/1/5", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), ""},
		{"cjk date", kindDate, "2024年1月5日", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), ""},
		{"date with time", kindDate, "2024-01-05 10:30:00", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), ""},
		{"excel serial date", kindDate, "45296", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), ""},
		{"bad date", kindDate, "someday", nil, `hours: invalid date "someday"`},
		{"timestamp", kindTimestamp, "2024-01-05T10:30:00Z", time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC), ""},
		{"text", kindText, "Alice", "Alice", ""},
		{"blank text kept", kindText, "  ", "  ", ""},
		{"empty text", kindText, "", nil, ""},
		{"nil text", kindText, nil, nil, ""},
		{"fraction is not a serial date", kindDate, "1.5", nil, `hours: invalid date "1.5"`},
		{"fractional serial date", kindDate, "45296.5", nil, `hours: invalid date "45296.5"`},
		{"serial below window", kindDate, "60", nil, `hours: invalid date "60"`},
		{"serial timestamp", kindTimestamp, "45296.5", time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, msg := coerce("hours", tc.kind, tc.in)
			require.Equal(t, tc.msg, msg)
			if d, ok := tc.want.(decimal.Decimal); ok {
				require.True(t, d.Equal(got.(decimal.Decimal)), "got %v", got)
				return
			}
			if want, ok := tc.want.(time.Time); ok {
				require.True(t, want.Equal(got.(time.Time)), "got %v", got)
				return
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestKindOf(t *testing.T) {
	require.Equal(t, kindText, kindOf(""))
	require.Equal(t, kindDate, kindOf("DATE NULL"))
	require.Equal(t, kindDecimal, kindOf("DECIMAL(6,2) NULL"))
	require.Equal(t, kindInteger, kindOf("INTEGER"))
	require.Equal(t, kindTimestamp, kindOf("TIMESTAMPTZ NOT NULL"))
	require.Equal(t, kindText, kindOf("VARCHAR(255)"))
}

func TestNormalizer_ResolveMappings(t *testing.T) {
	cfg := teachConfig()
	cfg.ColumnMappings = []sheetconfig.Mapping{{Target: "teacher", Source: "姓名"}}

	got := NewNormalizer().ResolveMappings(cfg, []string{"id", "file_hash", "processed_at", "日期", "姓名", "上課時數"})
	require.Equal(t, []sheetconfig.Mapping{
		{Target: "teacher", Source: "姓名"},
		{Target: "日期", Source: "日期"},
		{Target: "上課時數", Source: "上課時數"},
	}, got)
}

func TestNormalizer_ResolveMappingsSanitizesSource(t *testing.T) {
	cfg := teachConfig()
	cfg.ColumnMappings = []sheetconfig.Mapping{{Target: "hours", Source: "Hours Taught"}}

	got := NewNormalizer().ResolveMappings(cfg, []string{"hours_taught"})
	require.Equal(t, []sheetconfig.Mapping{{Target: "hours", Source: "hours_taught"}}, got)
}

func TestNormalizer_ColumnType(t *testing.T) {
	cfg := teachConfig()
	cfg.ColumnTypes = map[string]string{"姓名": "VARCHAR(64)", "teacher": "TEXT"}
	n := NewNormalizer()

	require.Equal(t, "DATE NULL", n.ColumnType(cfg, sheetconfig.Mapping{Target: "日期", Source: "日期"}))
	require.Equal(t, "TEXT", n.ColumnType(cfg, sheetconfig.Mapping{Target: "teacher", Source: "姓名"}))
	require.Equal(t, "VARCHAR(64)", n.ColumnType(cfg, sheetconfig.Mapping{Target: "name", Source: "姓名"}))
	require.Equal(t, "", n.ColumnType(cfg, sheetconfig.Mapping{Target: "other", Source: "other"}))
}

func TestNormalizer_Prepare(t *testing.T) {
	cfg := teachConfig()
	batch := &pipeline.StagingBatch{
		Columns: []string{"id", "file_hash", "batch_id", "source_year", "ingested_at", "processed_at", "日期", "上課時數"},
		Rows: []map[string]any{
			{"id": int64(7), "file_hash": "h", "batch_id": "b", "source_year": "2024", "ingested_at": "2024-02-01T08:00:00Z", "日期": "2024/01/05", "上課時數": "1.5"},
			{"id": int64(8), "file_hash": "h", "batch_id": "b", "source_year": nil, "ingested_at": "2024-02-01T08:00:00Z", "日期": "2024/01/06", "上課時數": "n/a"},
		},
	}

	p := NewNormalizer().Prepare(cfg, batch)
	require.Equal(t, []string{"raw_id", "file_hash", "batch_id", "source_year", "ingested_at", "日期", "上課時數"}, p.Columns)
	require.Equal(t, map[string]string{"日期": "DATE NULL", "上課時數": "DECIMAL(6,2) NULL"}, p.Types)
	require.Len(t, p.Rows, 1)
	require.Equal(t, int64(7), p.Rows[0][0])
	require.Equal(t, int64(2024), p.Rows[0][3])

	require.Len(t, p.Rejected, 1)
	require.Equal(t, []string{`上課時數: invalid decimal "n/a"`}, p.Rejected[0].Errors)
	require.Equal(t, int64(8), p.Rejected[0].Data["id"])
	require.Equal(t, map[string][]string{"日期": {"日期"}, "上課時數": {"上課時數"}}, p.Coverage())
}
