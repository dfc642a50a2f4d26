package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/storage"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
)

type enqueueOptions struct {
	jobFlags
	WorkbookName string
	InPlace      bool
}

type enqueueReport struct {
	JobID    string             `json:"job_id,omitempty"`
	Status   string             `json:"status"`
	Path     string             `json:"workbook_path"`
	Overlaps []pipeline.Overlap `json:"overlaps,omitempty"`
}

func newEnqueueCmd() *cobra.Command {
	var opts enqueueOptions

	cmd := &cobra.Command{
		Use:   "enqueue --file <workbook> --sheet <name>",
		Short: "Create an upload job and publish it to the job queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			if err := storage.ValidateExtension(opts.File); err != nil {
				return withCode(exitValidation, err)
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
			ctx := rt.Context(cmd.Context())

			path := opts.File
			if !opts.InPlace {
				files := rt.app.Service(storage.FileStorage{}).(*storage.FileStorage)
				f, err := os.Open(opts.File)
				if err != nil {
					return withCode(exitUsage, fmt.Errorf("open workbook: %w", err))
				}
				path, _, err = files.Save(ctx, filepath.Base(opts.File), f)
				_ = f.Close()
				if err != nil {
					return fmt.Errorf("store workbook: %w", err)
				}
			}

			res, err := rt.Runner().Enqueue(ctx, services.EnqueueRequest{
				WorkbookPath:        path,
				OriginalFilename:    filepath.Base(opts.File),
				Sheet:               opts.Sheet,
				WorkbookType:        opts.WorkbookType,
				WorkbookName:        opts.WorkbookName,
				SourceYear:          opts.sourceYear(),
				BatchID:             opts.BatchID,
				TimeRanges:          ranges,
				ConflictResolution:  policy,
				OverlapAcknowledged: opts.OverlapAcknowledged,
			})

			var overlapErr *pipeline.OverlapConflictError
			switch {
			case err == nil:
				return writeJSONLine(cmd.OutOrStdout(), enqueueReport{
					JobID:    res.JobID.String(),
					Status:   string(uploadjob.StatusQueued),
					Path:     path,
					Overlaps: res.Overlaps,
				})
			case errors.As(err, &overlapErr):
				_ = writeJSONLine(cmd.OutOrStdout(), enqueueReport{Status: "rejected", Path: path, Overlaps: overlapErr.Overlaps})
				return withCode(exitConflict, err)
			case errors.Is(err, pipeline.ErrLimitExceeded):
				if res != nil {
					_ = writeJSONLine(cmd.OutOrStdout(), enqueueReport{JobID: res.JobID.String(), Status: string(uploadjob.StatusError), Path: path})
				}
				return withCode(exitValidation, err)
			default:
				return withCode(exitDB, err)
			}
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.WorkbookName, "workbook-name", "", "display name recorded on the job")
	cmd.Flags().BoolVar(&opts.InPlace, "in-place", false, "enqueue the file where it is instead of copying it into UPLOADS_PATH")
	return cmd
}
