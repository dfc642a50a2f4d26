package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/eventbus"
	"github.com/iota-uz/sheet-ingest/pkg/jobqueue"
)

const (
	DefaultMaxFileSizeBytes int64 = 100 * 1024 * 1024
	DefaultMaxRows          int64 = 500_000

	mib = 1024 * 1024

	messageInterrupted = "Processing was interrupted before completion"
)

// WorkbookInspector is a WorkbookSource that can also count data rows.
type WorkbookInspector interface {
	WorkbookSource
	CountRows(ctx context.Context, path, sheet string) (int64, error)
}

type Limits struct {
	MaxFileSizeBytes int64
	MaxRows          int64
}

type EnqueueRequest struct {
	WorkbookPath     string
	OriginalFilename string
	Sheet            string
	WorkbookType     string
	WorkbookName     string
	SourceYear       *int
	BatchID          string
	TimeRanges       []pipeline.TimeRange
	// ConflictResolution overrides the config policy when set.
	ConflictResolution  sheetconfig.ConflictPolicy
	OverlapAcknowledged bool
	// FileSize and RowCount are measured from the workbook when nil.
	FileSize *int64
	RowCount *int64
	// MaxFileSize and MaxRows override the configured limits when set.
	MaxFileSize *int64
	MaxRows     *int64
}

type EnqueueResult struct {
	JobID    uuid.UUID
	Overlaps []pipeline.Overlap
}

// Payload is the queue message body for one upload job.
type Payload struct {
	WorkbookPath        string                     `json:"workbook_path"`
	Sheet               string                     `json:"sheet"`
	WorkbookType        string                     `json:"workbook_type"`
	SourceYear          *int                       `json:"source_year"`
	BatchID             string                     `json:"batch_id,omitempty"`
	TimeRanges          []pipeline.TimeRange       `json:"time_ranges,omitempty"`
	ConflictResolution  sheetconfig.ConflictPolicy `json:"conflict_resolution,omitempty"`
	OverlapAcknowledged bool                       `json:"overlap_acknowledged,omitempty"`
}

// JobDetail is a job with its recorded result, when there is one.
type JobDetail struct {
	Job    *uploadjob.Job
	Result *uploadjob.Result
}

type JobRunnerDeps struct {
	Jobs      uploadjob.Repository
	Pipeline  *Pipeline
	Publisher jobqueue.Publisher
	Workbooks WorkbookInspector
	EventBus  eventbus.EventBus
	Limits    Limits
	RunTx     TxRunner
	Log       *logrus.Entry
}

// JobRunner owns the job lifecycle: it creates and enqueues jobs, runs the
// pipeline for delivered jobs and records their results and final status.
type JobRunner struct {
	jobs      uploadjob.Repository
	pipeline  *Pipeline
	publisher jobqueue.Publisher
	workbooks WorkbookInspector
	bus       eventbus.EventBus
	limits    Limits
	runTx     TxRunner
	log       *logrus.Entry
}

func NewJobRunner(d JobRunnerDeps) *JobRunner {
	if d.RunTx == nil {
		d.RunTx = composables.InTx
	}
	if d.Limits.MaxFileSizeBytes == 0 {
		d.Limits.MaxFileSizeBytes = DefaultMaxFileSizeBytes
	}
	if d.Limits.MaxRows == 0 {
		d.Limits.MaxRows = DefaultMaxRows
	}
	return &JobRunner{
		jobs:      d.Jobs,
		pipeline:  d.Pipeline,
		publisher: d.Publisher,
		workbooks: d.Workbooks,
		bus:       d.EventBus,
		limits:    d.Limits,
		runTx:     d.RunTx,
		log:       componentLogger(d.Log, "job_runner"),
	}
}

// ValidationSummary joins the first three errors and counts the rest.
func ValidationSummary(errs []string) string {
	if len(errs) <= 3 {
		return strings.Join(errs, ", ")
	}
	return fmt.Sprintf("%s (and %d more)", strings.Join(errs[:3], ", "), len(errs)-3)
}

func (r *JobRunner) checkLimits(req EnqueueRequest, fileSize, rowCount *int64) error {
	maxSize := r.limits.MaxFileSizeBytes
	if req.MaxFileSize != nil {
		maxSize = *req.MaxFileSize
	}
	maxRows := r.limits.MaxRows
	if req.MaxRows != nil {
		maxRows = *req.MaxRows
	}
	if fileSize != nil && maxSize > 0 && *fileSize > maxSize {
		return &pipeline.LimitError{Message: fmt.Sprintf(
			"File size %.1f MiB exceeds limit of %.1f MiB",
			float64(*fileSize)/mib, float64(maxSize)/mib,
		)}
	}
	if rowCount != nil && maxRows > 0 && *rowCount > maxRows {
		p := message.NewPrinter(language.English)
		return &pipeline.LimitError{Message: p.Sprintf("Workbook row count %d exceeds limit of %d", *rowCount, maxRows)}
	}
	return nil
}

func (r *JobRunner) measure(ctx context.Context, req EnqueueRequest) (*int64, *int64) {
	fileSize, rowCount := req.FileSize, req.RowCount
	if fileSize == nil {
		if info, err := os.Stat(req.WorkbookPath); err == nil {
			n := info.Size()
			fileSize = &n
		}
	}
	if rowCount == nil && r.workbooks != nil {
		if n, err := r.workbooks.CountRows(ctx, req.WorkbookPath, req.Sheet); err == nil {
			rowCount = &n
		} else {
			r.log.WithError(err).WithField("workbook", req.WorkbookPath).Debug("row count unavailable")
		}
	}
	return fileSize, rowCount
}

// precheckOverlaps returns overlaps for the request's ranges, or for ranges
// read from the workbook when none were given. Sheets without config or
// without a time range column are not checked here.
func (r *JobRunner) precheckOverlaps(ctx context.Context, req EnqueueRequest) ([]pipeline.Overlap, sheetconfig.ConflictPolicy, error) {
	cfg, err := r.pipeline.Resolver().Resolve(ctx, req.Sheet, req.WorkbookType)
	if err != nil {
		r.log.WithError(err).WithField("sheet", req.Sheet).Warn("skipping overlap pre-check")
		return nil, req.ConflictResolution, nil
	}
	policy := req.ConflictResolution
	if policy == "" {
		policy = cfg.ConflictResolution
	}
	if cfg.TimeRangeColumn == "" {
		return nil, policy, nil
	}
	ranges := req.TimeRanges
	if len(ranges) == 0 {
		ranges = r.workbookRanges(ctx, req.WorkbookPath, cfg)
	}
	overlaps, err := r.pipeline.Overlaps().Find(ctx, cfg.WorkbookType, cfg.OverlapTable(), cfg.TimeRangeColumn, ranges)
	if err != nil {
		return nil, policy, err
	}
	return overlaps, policy, nil
}

// workbookRanges derives ranges from the raw sheet; unreadable workbooks and
// sheets without the column yield none.
func (r *JobRunner) workbookRanges(ctx context.Context, path string, cfg *sheetconfig.Config) []pipeline.TimeRange {
	if r.workbooks == nil {
		return nil
	}
	sheet, err := r.workbooks.ReadSheet(ctx, path, cfg.SheetName, cfg.RenameLastSubject)
	if err != nil {
		return nil
	}
	source := cfg.MappingSource(cfg.TimeRangeColumn)
	found := false
	for _, h := range sheet.Headers {
		if h == source {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	ranges, err := DeriveRanges(sheet.Records(), source, cfg.TimeRangeFormat)
	if err != nil {
		r.log.WithError(err).Warn("could not derive time ranges from workbook")
		return nil
	}
	return ranges
}

// Enqueue creates a job and hands it to the transport. Blocking overlaps are
// reported before any job is created. Limit violations are recorded against
// the created job and returned as *pipeline.LimitError.
func (r *JobRunner) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if strings.TrimSpace(req.WorkbookType) == "" {
		req.WorkbookType = sheetconfig.DefaultWorkbookType
	}

	overlaps, policy, err := r.precheckOverlaps(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(overlaps) > 0 && policy == sheetconfig.PolicyAppend && !req.OverlapAcknowledged {
		return &EnqueueResult{Overlaps: overlaps}, &pipeline.OverlapConflictError{Overlaps: overlaps}
	}

	fileSize, rowCount := r.measure(ctx, req)
	limitErr := r.checkLimits(req, fileSize, rowCount)

	original := req.OriginalFilename
	if original == "" {
		original = filepath.Base(req.WorkbookPath)
	}
	workbookName := req.WorkbookName
	if workbookName == "" {
		workbookName = original
	}
	job := &uploadjob.Job{
		OriginalFilename: original,
		StoredPath:       req.WorkbookPath,
		WorkbookType:     req.WorkbookType,
		WorkbookName:     workbookName,
		WorksheetName:    req.Sheet,
		StatusMessage:    uploadjob.MessageQueued,
	}
	if fileSize != nil {
		job.FileSize = *fileSize
	}

	payload, err := json.Marshal(Payload{
		WorkbookPath:        req.WorkbookPath,
		Sheet:               req.Sheet,
		WorkbookType:        req.WorkbookType,
		SourceYear:          req.SourceYear,
		BatchID:             req.BatchID,
		TimeRanges:          req.TimeRanges,
		ConflictResolution:  req.ConflictResolution,
		OverlapAcknowledged: req.OverlapAcknowledged,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}

	var events []*uploadjob.Event
	err = r.runTx(ctx, func(txCtx context.Context) error {
		if err := r.jobs.Create(txCtx, job); err != nil {
			return err
		}
		events = append(events, &uploadjob.Event{JobID: job.ID, Status: uploadjob.StatusQueued, Message: uploadjob.MessageQueued, CreatedAt: job.CreatedAt})
		if limitErr != nil {
			ev, err := r.jobs.Transition(txCtx, job.ID, uploadjob.StatusError, limitErr.Error())
			if err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		}
		if !r.publisher.Transactional() {
			return nil
		}
		tx, err := composables.UseTx(txCtx)
		if err != nil {
			return err
		}
		_, err = r.publisher.Enqueue(txCtx, tx, jobqueue.Message{JobID: job.ID, Topic: jobqueue.TopicProcessUpload, Payload: payload})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		r.publish(ev)
	}
	res := &EnqueueResult{JobID: job.ID, Overlaps: overlaps}
	if limitErr != nil {
		r.log.WithField("job_id", job.ID).Warn(limitErr.Error())
		return res, limitErr
	}

	if !r.publisher.Transactional() {
		msg := jobqueue.Message{JobID: job.ID, Topic: jobqueue.TopicProcessUpload, Payload: payload}
		if _, err := r.publisher.Enqueue(ctx, nil, msg); err != nil {
			if _, tErr := r.transition(ctx, job.ID, uploadjob.StatusError, "Failed to enqueue job: "+err.Error()); tErr != nil {
				r.log.WithError(tErr).Error("failed to record enqueue failure")
			}
			return res, err
		}
	}
	r.log.WithFields(logrus.Fields{"job_id": job.ID, "workbook": req.WorkbookPath, "sheet": req.Sheet}).Info("upload job enqueued")
	return res, nil
}

func (r *JobRunner) transition(ctx context.Context, id uuid.UUID, to uploadjob.Status, msg string) (*uploadjob.Event, error) {
	ev, err := r.jobs.Transition(ctx, id, to, msg)
	if err != nil {
		return nil, err
	}
	r.publish(ev)
	return ev, nil
}

func (r *JobRunner) publish(ev *uploadjob.Event) {
	if r.bus == nil || ev == nil {
		return
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	r.bus.Publish(&uploadjob.StatusChanged{JobID: ev.JobID, Status: ev.Status, Message: ev.Message, At: at})
}

func (r *JobRunner) recordResults(ctx context.Context, id uuid.UUID, res *pipeline.Result) error {
	return r.runTx(ctx, func(txCtx context.Context) error {
		processed := res.ProcessedRows()
		if err := r.jobs.RecordResults(txCtx, &uploadjob.Result{
			JobID:               id,
			TotalRows:           res.StagedRows,
			ProcessedRows:       processed,
			SuccessfulRows:      processed,
			RejectedRows:        res.RejectedRows,
			NormalizedTableName: res.NormalizedTable,
			CoverageMetadata:    res.ColumnCoverage,
		}); err != nil {
			return err
		}
		if res.RejectedRowsPath == "" {
			return nil
		}
		return r.jobs.SaveRejectedRowsPath(txCtx, id, res.RejectedRowsPath)
	})
}

// Process runs the pipeline for a delivered job. The returned error is the
// pipeline failure, already recorded against the job, or an infrastructure
// failure that prevented recording.
func (r *JobRunner) Process(ctx context.Context, id uuid.UUID, p Payload) (*pipeline.Result, error) {
	out, err := r.process(ctx, id, p)
	if err != nil {
		return out.result, err
	}
	return out.result, out.runErr
}

// processOutcome carries the pipeline result and the failure recorded on the job.
type processOutcome struct {
	result *pipeline.Result
	runErr error
}

func (r *JobRunner) process(ctx context.Context, id uuid.UUID, p Payload) (processOutcome, error) {
	var out processOutcome
	log := r.log.WithField("job_id", id)
	job, err := r.jobs.GetByID(ctx, id)
	if err != nil {
		return out, err
	}
	switch {
	case job.Status.Terminal():
		log.WithField("status", job.Status).Info("job already finished, skipping delivery")
		return out, nil
	case job.Status == uploadjob.StatusValidating:
		_, err := r.transition(ctx, id, uploadjob.StatusError, messageInterrupted)
		return out, err
	}

	res, err := r.pipeline.Run(ctx, RunRequest{
		JobID:               id.String(),
		WorkbookPath:        p.WorkbookPath,
		Sheet:               p.Sheet,
		WorkbookType:        p.WorkbookType,
		SourceYear:          p.SourceYear,
		BatchID:             p.BatchID,
		TimeRanges:          p.TimeRanges,
		ConflictResolution:  p.ConflictResolution,
		OverlapAcknowledged: p.OverlapAcknowledged,
		Notify: func(ctx context.Context, status uploadjob.Status, msg string) error {
			_, err := r.transition(ctx, id, status, msg)
			return err
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, err
		}
		out.runErr = err
		msg := err.Error()
		var execErr *pipeline.ExecutionError
		if errors.As(err, &execErr) && execErr.Result != nil {
			out.result = execErr.Result
			if recErr := r.recordResults(ctx, id, out.result); recErr != nil {
				return out, recErr
			}
			if len(out.result.ValidationErrors) > 0 {
				msg = ValidationSummary(out.result.ValidationErrors)
			}
		}
		_, err := r.transition(ctx, id, uploadjob.StatusError, msg)
		return out, err
	}

	out.result = res
	if err := r.recordResults(ctx, id, res); err != nil {
		return out, err
	}
	status, msg := uploadjob.StatusLoaded, ""
	switch {
	case len(res.ValidationErrors) > 0:
		status, msg = uploadjob.StatusError, ValidationSummary(res.ValidationErrors)
	case res.SkipReason == pipeline.SkipDuplicate:
		msg = uploadjob.MessageDuplicate
	case res.SkipReason == pipeline.SkipOverlap:
		msg = uploadjob.MessageSkipped
	}
	if _, err := r.transition(ctx, id, status, msg); err != nil {
		return out, err
	}
	log.WithFields(logrus.Fields{"status": status, "staged": res.StagedRows, "inserted": res.InsertedCount}).Info("upload job finished")
	return out, nil
}

// Handler adapts Process to the job queue. Pipeline failures are recorded on
// the job and acknowledged; only failures to record are retried.
func (r *JobRunner) Handler() jobqueue.Handler {
	return jobqueue.HandlerFunc(func(ctx context.Context, d jobqueue.Delivery) error {
		var p Payload
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			r.log.WithError(err).WithField("job_id", d.Meta.JobID).Error("undecodable job payload")
			_, tErr := r.transition(ctx, d.Meta.JobID, uploadjob.StatusError, "Invalid job payload")
			if errors.Is(tErr, uploadjob.ErrJobNotFound) || errors.Is(tErr, uploadjob.ErrInvalidTransition) {
				return nil
			}
			return tErr
		}
		_, err := r.process(ctx, d.Meta.JobID, p)
		if errors.Is(err, uploadjob.ErrJobNotFound) {
			r.log.WithField("job_id", d.Meta.JobID).Warn("delivery for unknown job dropped")
			return nil
		}
		return err
	})
}

func (r *JobRunner) GetJob(ctx context.Context, id uuid.UUID) (*JobDetail, error) {
	job, err := r.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := r.jobs.Result(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: job, Result: res}, nil
}

func (r *JobRunner) ListJobEvents(ctx context.Context, id uuid.UUID, limit int) ([]*uploadjob.Event, error) {
	if _, err := r.jobs.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return r.jobs.Events(ctx, id, limit)
}

func (r *JobRunner) ListRecentJobs(ctx context.Context, limit int) ([]*uploadjob.Summary, error) {
	return r.jobs.ListRecent(ctx, limit)
}

func (r *JobRunner) GetJobResult(ctx context.Context, id uuid.UUID) (*uploadjob.Result, error) {
	return r.jobs.Result(ctx, id)
}
