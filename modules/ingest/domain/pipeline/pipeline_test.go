package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/pkg/serrors"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func TestTimeRange_Intersects(t *testing.T) {
	stored := TimeRange{Start: day(time.January, 5), End: day(time.January, 9)}

	require.True(t, stored.Intersects(TimeRange{Start: day(time.January, 1), End: day(time.January, 31)}))
	require.True(t, stored.Intersects(TimeRange{Start: day(time.January, 9), End: day(time.January, 9)}))
	require.False(t, stored.Intersects(TimeRange{Start: day(time.February, 1), End: day(time.February, 5)}))
}

func TestPrepared_CoverageAndErrors(t *testing.T) {
	p := &Prepared{
		Mappings: []sheetconfig.Mapping{
			{Target: "subject", Source: "教授科目"},
			{Target: "日期", Source: "日期"},
		},
		Columns: []string{"raw_id", "subject", "日期"},
		Rejected: []RejectedRow{
			{Errors: []string{"a", "b"}},
			{Errors: []string{"c"}},
		},
	}

	require.Equal(t, map[string][]string{"subject": {"教授科目"}, "日期": {"日期"}}, p.Coverage())
	require.Equal(t, []string{"a", "b", "c"}, p.Errors())
	require.Equal(t, map[string]any{"raw_id": int64(1), "subject": "Math", "日期": nil}, p.RowMap([]any{int64(1), "Math", nil}))
}

func TestMissingColumnsError(t *testing.T) {
	err := fmt.Errorf("prepare: %w", &MissingColumnsError{Columns: []string{"日期", "任教老師"}})
	require.ErrorIs(t, err, ErrMissingColumns)
	require.Contains(t, err.Error(), "Missing required column(s): 日期, 任教老師")

	var mc *MissingColumnsError
	require.True(t, errors.As(err, &mc))
	require.Equal(t, []string{"日期", "任教老師"}, mc.Columns)
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("%w: %q", ErrUnsupportedSheet, "X")
	require.ErrorIs(t, err, ErrConfiguration)
	require.Equal(t, "INGEST_UNSUPPORTED_SHEET", serrors.Code(err))

	require.ErrorIs(t, ErrUnsafeIdentifier, ErrSchema)
	require.ErrorIs(t, &LimitError{Message: "too big"}, ErrLimitExceeded)

	exec := &ExecutionError{Result: &Result{StagedRows: 2}, Err: ErrEmptyLoad}
	require.ErrorIs(t, exec, ErrEmptyLoad)
}

func TestOverlapConflictError_Summary(t *testing.T) {
	one := &OverlapConflictError{Overlaps: []Overlap{{TargetTable: "calendar_table"}}}
	require.Contains(t, one.Error(), "overlap")
	require.Contains(t, one.Error(), "calendar_table")
	require.ErrorIs(t, one, ErrOverlapConflict)

	two := &OverlapConflictError{Overlaps: make([]Overlap, 2)}
	require.Equal(t, "Detected 2 overlaps with existing records", two.Summary())
}
