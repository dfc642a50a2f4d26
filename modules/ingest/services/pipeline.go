package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
)

const tracerName = "github.com/iota-uz/sheet-ingest/modules/ingest/services"

// WorkbookSource reads one cleaned worksheet from a stored workbook.
type WorkbookSource interface {
	ReadSheet(ctx context.Context, path, sheet string, renameLastSubject bool) (*pipeline.Sheet, error)
}

// StatusNotifier is told when the pipeline enters Parsing and Validating.
type StatusNotifier func(ctx context.Context, status uploadjob.Status, message string) error

type RunRequest struct {
	JobID        string
	WorkbookPath string
	Sheet        string
	WorkbookType string
	SourceYear   *int
	BatchID      string
	// TimeRanges overrides ranges derived from the staged rows.
	TimeRanges []pipeline.TimeRange
	// ConflictResolution overrides the config policy when set.
	ConflictResolution  sheetconfig.ConflictPolicy
	OverlapAcknowledged bool
	Notify              StatusNotifier
}

type PipelineDeps struct {
	Resolver   *ConfigResolver
	Schema     *SchemaManager
	Staging    StagingStore
	Normalized NormalizedStore
	Overlaps   OverlapStore
	Workbooks  WorkbookSource
	Validator  *Validator
	// RunTx defaults to composables.InTx.
	RunTx TxRunner
	Now   func() time.Time
	Log   *logrus.Entry
}

// Pipeline runs one workbook through staging, normalization, validation and
// overlap resolution. It reports Parsing and Validating through the notifier;
// the final job status is left to the caller.
type Pipeline struct {
	resolver   *ConfigResolver
	schema     *SchemaManager
	dedup      *DedupGate
	loader     *StagingLoader
	staging    StagingStore
	normalizer *Normalizer
	validator  *Validator
	overlaps   *OverlapResolver
	normalized NormalizedStore
	workbooks  WorkbookSource
	runTx      TxRunner
	now        func() time.Time
	tracer     trace.Tracer
	log        *logrus.Entry
}

func NewPipeline(d PipelineDeps) *Pipeline {
	if d.RunTx == nil {
		d.RunTx = composables.InTx
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Validator == nil {
		d.Validator = NewValidator("", d.Log)
	}
	return &Pipeline{
		resolver:   d.Resolver,
		schema:     d.Schema,
		dedup:      NewDedupGate(d.Staging),
		loader:     NewStagingLoader(d.Staging, d.RunTx, d.Log),
		staging:    d.Staging,
		normalizer: NewNormalizer(),
		validator:  d.Validator,
		overlaps:   NewOverlapResolver(d.Overlaps, d.Log),
		normalized: d.Normalized,
		workbooks:  d.Workbooks,
		runTx:      d.RunTx,
		now:        d.Now,
		tracer:     otel.Tracer(tracerName),
		log:        componentLogger(d.Log, "pipeline"),
	}
}

// Overlaps exposes the resolver used for pre-checks at enqueue time.
func (p *Pipeline) Overlaps() *OverlapResolver {
	return p.overlaps
}

func (p *Pipeline) Resolver() *ConfigResolver {
	return p.resolver
}

func (p *Pipeline) Workbooks() WorkbookSource {
	return p.workbooks
}

type run struct {
	*Pipeline
	req  RunRequest
	span trace.Span
	log  *logrus.Entry
	res  *pipeline.Result
}

// Run executes the pipeline. A duplicate or overlap skip returns a Result with
// Skipped set. Any failure is an *pipeline.ExecutionError carrying the
// counts gathered so far.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*pipeline.Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.pipeline", trace.WithAttributes(
		attribute.String("ingest.sheet", req.Sheet),
		attribute.String("ingest.workbook_type", req.WorkbookType),
		attribute.String("ingest.job_id", req.JobID),
	))
	defer span.End()

	r := &run{
		Pipeline: p,
		req:      req,
		span:     span,
		log:      p.log.WithFields(logrus.Fields{"job_id": req.JobID, "sheet": req.Sheet, "workbook": filepath.Base(req.WorkbookPath)}),
		res:      &pipeline.Result{BatchID: req.BatchID},
	}
	start := time.Now()
	res, err := r.execute(ctx)
	r.record(time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.WithError(err).Error("pipeline failed")
		return nil, &pipeline.ExecutionError{Result: r.res, Err: err}
	}
	span.SetAttributes(
		attribute.Int64("ingest.staged_rows", res.StagedRows),
		attribute.Int64("ingest.inserted_rows", res.InsertedCount),
		attribute.Int64("ingest.rejected_rows", res.RejectedRows),
		attribute.Bool("ingest.skipped", res.Skipped),
	)
	return res, nil
}

func (r *run) record(seconds float64, err error) {
	outcome := "loaded"
	switch {
	case err != nil:
		outcome = "error"
	case r.res.SkipReason == pipeline.SkipDuplicate:
		outcome = "duplicate"
	case r.res.SkipReason == pipeline.SkipOverlap:
		outcome = "overlap_skipped"
	case r.res.RejectedRows > 0:
		outcome = "rejected"
	}
	pipelineMetricsSingleton().record(r.req.Sheet, outcome, seconds, r.res.StagedRows, r.res.InsertedCount, r.res.RejectedRows)
}

func (r *run) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "ingest."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *run) notify(ctx context.Context, status uploadjob.Status) error {
	if r.req.Notify == nil {
		return nil
	}
	return r.req.Notify(ctx, status, "")
}

func (r *run) skip(reason pipeline.SkipReason) *pipeline.Result {
	r.res.Skipped = true
	r.res.SkipReason = reason
	r.log.WithField("reason", reason).Info("pipeline skipped")
	return r.res
}

func (r *run) execute(ctx context.Context) (*pipeline.Result, error) {
	if err := r.notify(ctx, uploadjob.StatusParsing); err != nil {
		return nil, err
	}

	cfg, err := r.resolver.Resolve(ctx, r.req.Sheet, r.req.WorkbookType)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(r.req.WorkbookPath)
	if err != nil {
		return nil, errors.Wrap(err, "read workbook")
	}
	fileHash := HashBytes(content)
	r.res.FileHash = fileHash
	r.span.SetAttributes(attribute.String("ingest.file_hash", fileHash))
	r.log = r.log.WithField("file_hash", fileHash)

	staging, err := parseTable(cfg.StagingTable)
	if err != nil {
		return nil, err
	}
	seen, err := r.dedup.Seen(ctx, staging, fileHash)
	if err != nil {
		return nil, err
	}
	if seen {
		return r.skip(pipeline.SkipDuplicate), nil
	}

	var sheet *pipeline.Sheet
	if err := r.step(ctx, "read_workbook", func(ctx context.Context) error {
		sheet, err = r.workbooks.ReadSheet(ctx, r.req.WorkbookPath, r.req.Sheet, cfg.RenameLastSubject)
		return err
	}); err != nil {
		return nil, err
	}

	var layout *StagingLayout
	if err := r.step(ctx, "ensure_staging", func(ctx context.Context) error {
		layout, err = r.schema.EnsureStaging(ctx, cfg, sheet.Headers)
		return err
	}); err != nil {
		return nil, err
	}
	r.res.StagingTable = cfg.StagingTable

	csvPath := StagedCSVPath(r.req.WorkbookPath, fileHash)
	if err := WriteStagedCSV(csvPath, layout, sheet); err != nil {
		return nil, err
	}

	ingestedAt := r.now().UTC()
	var loaded *LoadOutcome
	if err := r.step(ctx, "load_staging", func(ctx context.Context) error {
		f, err := os.Open(csvPath)
		if err != nil {
			return errors.Wrap(err, "open staged CSV")
		}
		defer f.Close()
		loaded, err = r.loader.Load(ctx, layout, f, LoadMeta{
			FileHash:   fileHash,
			BatchID:    r.req.BatchID,
			SourceYear: r.req.SourceYear,
			IngestedAt: ingestedAt,
		})
		return err
	}); err != nil {
		return nil, err
	}
	if loaded.Duplicate {
		return r.skip(pipeline.SkipDuplicate), nil
	}
	r.res.StagedRows = loaded.Rows
	r.res.BatchID = loaded.BatchID
	r.res.IngestedAt = &ingestedAt

	return r.normalize(ctx, cfg, staging, layout, fileHash)
}

func (r *run) normalize(ctx context.Context, cfg *sheetconfig.Config, staging pgx.Identifier, layout *StagingLayout, fileHash string) (*pipeline.Result, error) {
	if strings.TrimSpace(cfg.NormalizedTable) == "" {
		return nil, fmt.Errorf("%w: sheet %q", pipeline.ErrMissingNormalizedTable, cfg.SheetName)
	}
	normalized, err := parseTable(cfg.NormalizedTable)
	if err != nil {
		return nil, err
	}
	r.res.NormalizedTable = cfg.NormalizedTable

	fetch := append(append([]string(nil), cfg.MetadataColumns...), layout.Columns...)
	batch, err := r.staging.FetchUnprocessed(ctx, staging, fetch, fileHash)
	if err != nil {
		return nil, err
	}

	prepared := r.normalizer.Prepare(cfg, batch)
	r.res.ColumnCoverage = prepared.Coverage()
	r.res.RejectedRows = int64(len(prepared.Rejected))
	if err := r.step(ctx, "ensure_normalized", func(ctx context.Context) error {
		_, err := r.schema.EnsureNormalized(ctx, cfg, prepared)
		return err
	}); err != nil {
		return nil, err
	}

	if err := r.notify(ctx, uploadjob.StatusValidating); err != nil {
		return nil, err
	}
	var checks []RowCheck
	if len(cfg.RequiredValues) > 0 {
		checks = append(checks, RequireValues(cfg.RequiredValues...))
	}
	validation, err := r.validator.Validate(r.req.JobID, prepared, checks...)
	if validation != nil {
		r.res.RejectedRows = int64(len(validation.Prepared.Rejected))
		r.res.RejectedRowsPath = validation.RejectedRowsPath
		r.res.ValidationErrors = validation.Errors
	}
	if err != nil {
		return nil, err
	}

	ranges := r.req.TimeRanges
	if len(ranges) == 0 && cfg.TimeRangeColumn != "" {
		ranges, err = DeriveRanges(batch.Rows, stagingSource(cfg, cfg.TimeRangeColumn, batch.Columns), cfg.TimeRangeFormat)
		if err != nil {
			return nil, err
		}
	}
	policy := r.req.ConflictResolution
	if policy == "" {
		policy = cfg.ConflictResolution
	}

	var inserted int64
	var processedAt time.Time
	skipped := false
	err = r.step(ctx, "normalize", func(ctx context.Context) error {
		return r.runTx(ctx, func(txCtx context.Context) error {
			overlaps, err := r.overlaps.Find(txCtx, cfg.WorkbookType, cfg.OverlapTable(), cfg.TimeRangeColumn, ranges)
			if err != nil {
				return err
			}
			r.res.Overlaps = overlaps
			if len(overlaps) > 0 {
				r.res.ConflictResolution = policy
				switch policy {
				case sheetconfig.PolicyReplace:
					if _, err := r.overlaps.Replace(txCtx, cfg.OverlapTable(), cfg.TimeRangeColumn, ranges); err != nil {
						return err
					}
				case sheetconfig.PolicySkip:
					skipped = true
				default:
					if !r.req.OverlapAcknowledged {
						return &pipeline.OverlapConflictError{Overlaps: overlaps}
					}
				}
			}

			if !skipped {
				n, err := r.normalized.Insert(txCtx, normalized, validation.Prepared.Columns, validation.Prepared.Rows)
				if err != nil {
					return err
				}
				inserted = n
			}
			processedAt = r.now().UTC()
			_, err = r.staging.MarkProcessed(txCtx, staging, fileHash, processedAt)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	r.res.ProcessedAt = &processedAt
	if skipped {
		return r.skip(pipeline.SkipOverlap), nil
	}
	r.res.InsertedCount = inserted
	r.res.NormalizedRows = inserted
	r.log.WithFields(logrus.Fields{
		"staged":   r.res.StagedRows,
		"inserted": inserted,
		"rejected": r.res.RejectedRows,
	}).Info("pipeline finished")
	return r.res, nil
}

// stagingSource is the staging column feeding normalized column target.
func stagingSource(cfg *sheetconfig.Config, target string, stagingColumns []string) string {
	src := cfg.MappingSource(target)
	for _, c := range stagingColumns {
		if c == src {
			return src
		}
	}
	return cleanName(src)
}

// StagedCSVPath is <workbook without extension>.<hash>.csv next to the workbook.
func StagedCSVPath(workbookPath, fileHash string) string {
	base := strings.TrimSuffix(workbookPath, filepath.Ext(workbookPath))
	return base + "." + fileHash + ".csv"
}

// WriteStagedCSV writes sheet rows in layout.Columns order. Columns that the
// sheet does not carry are left empty.
func WriteStagedCSV(path string, layout *StagingLayout, sheet *pipeline.Sheet) error {
	pos := make(map[string]int, len(layout.Columns))
	for i, c := range layout.Columns {
		pos[c] = i
	}
	target := make([]int, len(layout.HeaderColumns))
	for i, c := range layout.HeaderColumns {
		idx, ok := pos[c]
		if !ok {
			idx = -1
		}
		target[i] = idx
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create staged CSV")
	}
	w := csv.NewWriter(f)
	if err := w.Write(layout.Columns); err != nil {
		_ = f.Close()
		return err
	}
	record := make([]string, len(layout.Columns))
	for _, row := range sheet.Rows {
		for i := range record {
			record[i] = ""
		}
		for i, v := range row {
			if i < len(target) && target[i] >= 0 {
				record[target[i]] = v
			}
		}
		if err := w.Write(record); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
