package main

import (
	"errors"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
)

func newRunCmd() *cobra.Command {
	var opts jobFlags

	cmd := &cobra.Command{
		Use:   "run --file <workbook> --sheet <name>",
		Short: "Run one sheet through the pipeline synchronously, without a job record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			ranges, err := parseTimeRanges(opts.TimeRanges)
			if err != nil {
				return err
			}
			policy, err := opts.policy()
			if err != nil {
				return err
			}

			rt, err := bootstrap(cmd.Context(), bootstrapOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			runID := uuid.NewString()
			res, err := rt.Pipeline().Run(rt.Context(cmd.Context()), services.RunRequest{
				JobID:               runID,
				WorkbookPath:        opts.File,
				Sheet:               opts.Sheet,
				WorkbookType:        opts.WorkbookType,
				SourceYear:          opts.sourceYear(),
				BatchID:             opts.BatchID,
				TimeRanges:          ranges,
				ConflictResolution:  policy,
				OverlapAcknowledged: opts.OverlapAcknowledged,
			})
			return reportRun(cmd, runID, res, err)
		},
	}
	opts.bind(cmd)
	return cmd
}

func reportRun(cmd *cobra.Command, runID string, res *pipeline.Result, err error) error {
	var execErr *pipeline.ExecutionError
	if errors.As(err, &execErr) && execErr.Result != nil {
		res = execErr.Result
	}
	if res != nil {
		if wErr := writeJSONLine(cmd.OutOrStdout(), newRunReport(runID, res)); wErr != nil {
			return wErr
		}
	}

	var overlapErr *pipeline.OverlapConflictError
	switch {
	case err == nil && res != nil && len(res.ValidationErrors) > 0:
		return withCode(exitValidation, errors.New(services.ValidationSummary(res.ValidationErrors)))
	case err == nil:
		return nil
	case errors.As(err, &overlapErr):
		return withCode(exitConflict, err)
	case errors.Is(err, pipeline.ErrLimitExceeded):
		return withCode(exitValidation, err)
	default:
		return withCode(exitPipeline, err)
	}
}
