package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/planner"
)

type planOptions struct {
	Sheets             []string
	StagingTemplate    string
	NormalizedTemplate string
	SampleRows         int
	Overrides          map[string]string
	TimeRangeColumn    string
	TimeRangeFormat    string
	OverlapTargetTable string
	OutPath            string
	SQLPath            string
	WorkbookType       string
}

func newPlanCmd() *cobra.Command {
	var opts planOptions

	cmd := &cobra.Command{
		Use:   "plan <workbook>",
		Short: "Inspect a workbook and write a staging/normalization plan plus config upsert SQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if opts.SQLPath != "" && strings.TrimSpace(opts.WorkbookType) == "" {
				return withCode(exitUsage, errors.New("--workbook-type is required with --sql"))
			}

			plan, err := planner.Build(path, planner.Options{
				Sheets:             opts.Sheets,
				StagingTemplate:    opts.StagingTemplate,
				NormalizedTemplate: opts.NormalizedTemplate,
				SampleRows:         opts.SampleRows,
				Overrides:          opts.Overrides,
				TimeRangeColumn:    opts.TimeRangeColumn,
				TimeRangeFormat:    opts.TimeRangeFormat,
				OverlapTargetTable: opts.OverlapTargetTable,
			})
			if err != nil {
				return withCode(exitValidation, err)
			}

			out := opts.OutPath
			if out == "" {
				out = planner.OutputPath(path)
			}
			if err := planner.Write(plan, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan: %s (%d sheets)\n", out, len(plan.Sheets))

			if opts.SQLPath == "" {
				return nil
			}
			stmt, err := planner.UpsertSQL(plan, opts.WorkbookType)
			if err != nil {
				return err
			}
			return writeSQL(cmd.OutOrStdout(), opts.SQLPath, stmt)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Sheets, "sheet", nil, "limit the plan to these sheets (repeatable)")
	cmd.Flags().StringVar(&opts.StagingTemplate, "staging-template", planner.DefaultStagingTemplate, "staging table name template")
	cmd.Flags().StringVar(&opts.NormalizedTemplate, "normalized-template", planner.DefaultNormalizedTemplate, "normalized table name template")
	cmd.Flags().IntVar(&opts.SampleRows, "sample-rows", planner.DefaultSampleRows, "rows sampled per column for type inference")
	cmd.Flags().StringToStringVar(&opts.Overrides, "override", nil, "column=SQLTYPE type overrides")
	cmd.Flags().StringVar(&opts.TimeRangeColumn, "time-range-column", "", "column carrying the covered period")
	cmd.Flags().StringVar(&opts.TimeRangeFormat, "time-range-format", "", "strftime format of the time range column")
	cmd.Flags().StringVar(&opts.OverlapTargetTable, "overlap-target-table", "", "table checked for overlapping periods")
	cmd.Flags().StringVar(&opts.OutPath, "out", "", "plan path; defaults next to the workbook")
	cmd.Flags().StringVar(&opts.SQLPath, "sql", "", "also write sheet config upsert SQL here (- for stdout)")
	cmd.Flags().StringVar(&opts.WorkbookType, "workbook-type", "", "workbook type used in the upsert SQL")
	return cmd
}

func writeSQL(stdout io.Writer, path, stmt string) error {
	if path == "-" {
		_, err := io.WriteString(stdout, stmt)
		return err
	}
	if err := os.WriteFile(path, []byte(stmt), 0o644); err != nil {
		return fmt.Errorf("write sql: %w", err)
	}
	fmt.Fprintf(stdout, "sql: %s\n", path)
	return nil
}
