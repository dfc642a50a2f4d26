package pipeline

import (
	"fmt"
	"strings"

	"github.com/iota-uz/sheet-ingest/pkg/serrors"
)

var (
	ErrConfiguration           = serrors.NewError("INGEST_CONFIGURATION", "configuration error", "")
	ErrUnsupportedSheet        = serrors.NewKind(ErrConfiguration, "INGEST_UNSUPPORTED_SHEET", "Unsupported sheet name")
	ErrUnsupportedWorkbookType = serrors.NewKind(ErrConfiguration, "INGEST_UNSUPPORTED_WORKBOOK_TYPE", "Unsupported workbook type")
	ErrMissingNormalizedTable  = serrors.NewKind(ErrConfiguration, "INGEST_MISSING_NORMALIZED_TABLE", "missing normalized_table configuration")

	ErrSchema           = serrors.NewError("INGEST_SCHEMA", "schema error", "")
	ErrUnsafeIdentifier = serrors.NewKind(ErrSchema, "INGEST_UNSAFE_IDENTIFIER", "unsafe identifier")
	ErrUnsafeType       = serrors.NewKind(ErrSchema, "INGEST_UNSAFE_TYPE", "unsafe column type")

	ErrEmptyLoad         = serrors.NewError("INGEST_EMPTY_LOAD", "no rows were loaded into staging", "")
	ErrLocalLoadDisabled = serrors.NewError("INGEST_LOCAL_LOAD_DISABLED", "bulk load is not permitted for this connection", "")
	ErrHeaderMismatch    = serrors.NewError("INGEST_HEADER_MISMATCH", "CSV header does not match expected column order", "")
	ErrLimitExceeded     = serrors.NewError("INGEST_LIMIT_EXCEEDED", "upload limit exceeded", "")
	ErrOverlapConflict   = serrors.NewError("INGEST_OVERLAP_CONFLICT", "requested time range overlaps existing records", "")
	ErrMissingColumns    = serrors.NewError("INGEST_MISSING_COLUMNS", "missing required columns", "")
)

// MissingColumnsError lists required columns absent from the worksheet header.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "Missing required column(s): " + strings.Join(e.Columns, ", ")
}

func (e *MissingColumnsError) Unwrap() error {
	return ErrMissingColumns
}

// LimitError carries the operator-facing message for a violated upload limit.
type LimitError struct {
	Message string
}

func (e *LimitError) Error() string {
	return e.Message
}

func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

// OverlapConflictError is returned under the append policy when overlaps were not acknowledged.
type OverlapConflictError struct {
	Overlaps []Overlap
}

func (e *OverlapConflictError) Error() string {
	return e.Summary()
}

func (e *OverlapConflictError) Unwrap() error {
	return ErrOverlapConflict
}

func (e *OverlapConflictError) Summary() string {
	if len(e.Overlaps) == 1 {
		o := e.Overlaps[0]
		return fmt.Sprintf("Detected 1 overlap with existing records in %s", o.TargetTable)
	}
	return fmt.Sprintf("Detected %d overlaps with existing records", len(e.Overlaps))
}

// ExecutionError carries the partial result assembled before a pipeline step failed.
type ExecutionError struct {
	Result *Result
	Err    error
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
