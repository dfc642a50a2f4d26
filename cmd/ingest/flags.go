package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

// jobFlags are shared by run and enqueue.
type jobFlags struct {
	File                string
	Sheet               string
	WorkbookType        string
	SourceYear          int
	BatchID             string
	TimeRanges          []string
	ConflictResolution  string
	OverlapAcknowledged bool
}

func (f *jobFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.File, "file", "", "workbook path (.xlsx, .xlsm, .xls)")
	cmd.Flags().StringVar(&f.Sheet, "sheet", "", "worksheet name")
	cmd.Flags().StringVar(&f.WorkbookType, "workbook-type", "", "workbook type the sheet config is registered under")
	cmd.Flags().IntVar(&f.SourceYear, "source-year", 0, "source year stamped on staged rows")
	cmd.Flags().StringVar(&f.BatchID, "batch-id", "", "ingest batch id; generated when empty")
	cmd.Flags().StringSliceVar(&f.TimeRanges, "time-range", nil, "covered range as YYYY-MM-DD:YYYY-MM-DD (repeatable)")
	cmd.Flags().StringVar(&f.ConflictResolution, "conflict-resolution", "", "append|replace|skip; overrides the sheet config")
	cmd.Flags().BoolVar(&f.OverlapAcknowledged, "overlap-acknowledged", false, "proceed under append despite existing overlaps")
}

func (f *jobFlags) validate() error {
	if strings.TrimSpace(f.File) == "" {
		return withCode(exitUsage, fmt.Errorf("--file is required"))
	}
	if strings.TrimSpace(f.Sheet) == "" {
		return withCode(exitUsage, fmt.Errorf("--sheet is required"))
	}
	if f.SourceYear != 0 && (f.SourceYear < 1900 || f.SourceYear > 2200) {
		return withCode(exitValidation, fmt.Errorf("--source-year must be between 1900 and 2200"))
	}
	return nil
}

func (f *jobFlags) sourceYear() *int {
	if f.SourceYear == 0 {
		return nil
	}
	y := f.SourceYear
	return &y
}

func (f *jobFlags) policy() (sheetconfig.ConflictPolicy, error) {
	if strings.TrimSpace(f.ConflictResolution) == "" {
		return "", nil
	}
	p, err := sheetconfig.ParsePolicy(f.ConflictResolution)
	if err != nil {
		return "", withCode(exitValidation, err)
	}
	return p, nil
}

// parseTimeRanges reads start:end pairs; reversed bounds are swapped.
func parseTimeRanges(values []string) ([]pipeline.TimeRange, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]pipeline.TimeRange, 0, len(values))
	for _, v := range values {
		startRaw, endRaw, ok := strings.Cut(strings.TrimSpace(v), ":")
		if !ok {
			return nil, withCode(exitValidation, fmt.Errorf("invalid --time-range %q (expected YYYY-MM-DD:YYYY-MM-DD)", v))
		}
		start, err := time.Parse(time.DateOnly, strings.TrimSpace(startRaw))
		if err != nil {
			return nil, withCode(exitValidation, fmt.Errorf("invalid --time-range start %q: %w", startRaw, err))
		}
		end, err := time.Parse(time.DateOnly, strings.TrimSpace(endRaw))
		if err != nil {
			return nil, withCode(exitValidation, fmt.Errorf("invalid --time-range end %q: %w", endRaw, err))
		}
		if end.Before(start) {
			start, end = end, start
		}
		out = append(out, pipeline.TimeRange{Start: start, End: end})
	}
	return out, nil
}
