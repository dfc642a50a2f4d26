package services

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/schema"
	"github.com/iota-uz/sheet-ingest/pkg/jobqueue"
	"github.com/iota-uz/sheet-ingest/pkg/repo"
)

func directTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// memTable is a staging table kept in memory. Empty CSV fields are stored as nil.
type memTable struct {
	rows   []map[string]any
	nextID int64
}

type memStaging struct {
	mu           sync.Mutex
	tables       map[string]*memTable
	bulkDisabled bool
	locks        []string
	loads        int
}

func newMemStaging() *memStaging {
	return &memStaging{tables: map[string]*memTable{}}
}

func (s *memStaging) table(ident pgx.Identifier) *memTable {
	key := ident.Sanitize()
	t, ok := s.tables[key]
	if !ok {
		t = &memTable{}
		s.tables[key] = t
	}
	return t
}

func (s *memStaging) HashExists(_ context.Context, table pgx.Identifier, fileHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table.Sanitize()]
	if !ok {
		return false, nil
	}
	for _, r := range t.rows {
		if r[sheetconfig.ColumnFileHash] == fileHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStaging) CanBulkLoad(context.Context, pgx.Identifier) (bool, error) {
	return !s.bulkDisabled, nil
}

func (s *memStaging) LockHash(_ context.Context, fileHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks = append(s.locks, fileHash)
	return nil
}

func (s *memStaging) Load(_ context.Context, table pgx.Identifier, columns []string, src io.Reader) (int64, error) {
	records, err := csv.NewReader(src).ReadAll()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	t := s.table(table)
	for _, rec := range records {
		t.nextID++
		row := map[string]any{sheetconfig.ColumnID: t.nextID, sheetconfig.ColumnProcessedAt: nil}
		for i, c := range columns {
			var v any
			if i < len(rec) && rec[i] != "" {
				v = rec[i]
			}
			row[c] = v
		}
		t.rows = append(t.rows, row)
	}
	return int64(len(records)), nil
}

func (s *memStaging) CountByHash(_ context.Context, table pgx.Identifier, fileHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.table(table).rows {
		if r[sheetconfig.ColumnFileHash] == fileHash {
			n++
		}
	}
	return n, nil
}

func (s *memStaging) FetchUnprocessed(_ context.Context, table pgx.Identifier, columns []string, fileHash string) (*pipeline.StagingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := &pipeline.StagingBatch{Columns: columns}
	for _, r := range s.table(table).rows {
		if r[sheetconfig.ColumnFileHash] != fileHash || r[sheetconfig.ColumnProcessedAt] != nil {
			continue
		}
		out := make(map[string]any, len(columns))
		for _, c := range columns {
			out[c] = r[c]
		}
		batch.Rows = append(batch.Rows, out)
	}
	return batch, nil
}

func (s *memStaging) MarkProcessed(_ context.Context, table pgx.Identifier, fileHash string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.table(table).rows {
		if r[sheetconfig.ColumnFileHash] == fileHash && r[sheetconfig.ColumnProcessedAt] == nil {
			r[sheetconfig.ColumnProcessedAt] = at
			n++
		}
	}
	return n, nil
}

type insertCall struct {
	table   string
	columns []string
	rows    [][]any
}

type memNormalized struct {
	inserts []insertCall
	err     error
}

func (s *memNormalized) Insert(_ context.Context, table pgx.Identifier, columns []string, rows [][]any) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.inserts = append(s.inserts, insertCall{table: table.Sanitize(), columns: columns, rows: rows})
	return int64(len(rows)), nil
}

func (s *memNormalized) rowCount() int {
	n := 0
	for _, c := range s.inserts {
		n += len(c.rows)
	}
	return n
}

type memOverlaps struct {
	existing []pipeline.ExistingRange
	deleted  int64
}

func (s *memOverlaps) Find(_ context.Context, _ pgx.Identifier, _ string, rng pipeline.TimeRange) ([]pipeline.ExistingRange, error) {
	var out []pipeline.ExistingRange
	for _, e := range s.existing {
		if rng.Intersects(pipeline.TimeRange{Start: e.Start, End: e.End}) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memOverlaps) Delete(_ context.Context, _ pgx.Identifier, _ string, rng pipeline.TimeRange) (int64, error) {
	kept := s.existing[:0]
	var n int64
	for _, e := range s.existing {
		if rng.Intersects(pipeline.TimeRange{Start: e.Start, End: e.End}) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.existing = kept
	s.deleted += n
	return n, nil
}

type memSchema struct {
	columns    map[string][]schema.Column
	statements []string
	err        error
}

func newMemSchema() *memSchema {
	return &memSchema{columns: map[string][]schema.Column{}}
}

func (s *memSchema) Columns(_ context.Context, table pgx.Identifier) ([]schema.Column, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.columns[table.Sanitize()], nil
}

func (s *memSchema) Apply(_ context.Context, statements []string) error {
	s.statements = append(s.statements, statements...)
	return nil
}

type memConfigs struct {
	configs []*sheetconfig.Config
	calls   int
	err     error
}

func (r *memConfigs) All(context.Context) ([]*sheetconfig.Config, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]*sheetconfig.Config, len(r.configs))
	for i, c := range r.configs {
		out[i] = c.Clone()
	}
	return out, nil
}

type fakeWorkbooks struct {
	sheet   *pipeline.Sheet
	rows    int64
	readErr error
	reads   int
}

func (w *fakeWorkbooks) ReadSheet(context.Context, string, string, bool) (*pipeline.Sheet, error) {
	w.reads++
	if w.readErr != nil {
		return nil, w.readErr
	}
	return w.sheet, nil
}

func (w *fakeWorkbooks) CountRows(context.Context, string, string) (int64, error) {
	if w.readErr != nil {
		return 0, w.readErr
	}
	return w.rows, nil
}

type memJobs struct {
	jobs     map[uuid.UUID]*uploadjob.Job
	events   map[uuid.UUID][]*uploadjob.Event
	results  map[uuid.UUID]*uploadjob.Result
	failNext error
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs:    map[uuid.UUID]*uploadjob.Job{},
		events:  map[uuid.UUID][]*uploadjob.Event{},
		results: map[uuid.UUID]*uploadjob.Result{},
	}
}

func (r *memJobs) Create(_ context.Context, job *uploadjob.Job) error {
	job.ID = uuid.New()
	job.Status = uploadjob.StatusQueued
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	r.jobs[job.ID] = &cp
	r.events[job.ID] = append(r.events[job.ID], &uploadjob.Event{JobID: job.ID, Status: uploadjob.StatusQueued, Message: job.StatusMessage, CreatedAt: job.CreatedAt})
	return nil
}

func (r *memJobs) Transition(_ context.Context, id uuid.UUID, to uploadjob.Status, message string) (*uploadjob.Event, error) {
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return nil, err
	}
	job, ok := r.jobs[id]
	if !ok {
		return nil, uploadjob.ErrJobNotFound
	}
	if !uploadjob.CanTransition(job.Status, to) {
		return nil, uploadjob.ErrInvalidTransition
	}
	job.Status = to
	job.StatusMessage = message
	ev := &uploadjob.Event{ID: int64(len(r.events[id]) + 1), JobID: id, Status: to, Message: message, CreatedAt: time.Now()}
	r.events[id] = append(r.events[id], ev)
	return ev, nil
}

func (r *memJobs) RecordResults(_ context.Context, result *uploadjob.Result) error {
	if _, ok := r.jobs[result.JobID]; !ok {
		return uploadjob.ErrJobNotFound
	}
	cp := *result
	r.results[result.JobID] = &cp
	return nil
}

func (r *memJobs) SaveRejectedRowsPath(_ context.Context, id uuid.UUID, path string) error {
	res, ok := r.results[id]
	if !ok {
		return uploadjob.ErrResultNotRecorded
	}
	res.RejectedRowsPath = path
	return nil
}

func (r *memJobs) GetByID(_ context.Context, id uuid.UUID) (*uploadjob.Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, uploadjob.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memJobs) Events(_ context.Context, id uuid.UUID, limit int) ([]*uploadjob.Event, error) {
	evs := r.events[id]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return evs, nil
}

func (r *memJobs) Result(_ context.Context, id uuid.UUID) (*uploadjob.Result, error) {
	return r.results[id], nil
}

func (r *memJobs) ListRecent(_ context.Context, limit int) ([]*uploadjob.Summary, error) {
	var out []*uploadjob.Summary
	for _, j := range r.jobs {
		out = append(out, &uploadjob.Summary{Job: *j, LatestMessage: j.StatusMessage})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memJobs) statuses(id uuid.UUID) []uploadjob.Status {
	var out []uploadjob.Status
	for _, ev := range r.events[id] {
		out = append(out, ev.Status)
	}
	return out
}

type fakePublisher struct {
	messages []jobqueue.Message
	err      error
}

func (p *fakePublisher) Enqueue(_ context.Context, _ repo.Tx, msg jobqueue.Message) (int64, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.messages = append(p.messages, msg)
	return int64(len(p.messages)), nil
}

func (p *fakePublisher) Transactional() bool { return false }

var errBoom = errors.New("boom")

func teachConfig() *sheetconfig.Config {
	cfg := &sheetconfig.Config{
		SheetName:       "teach",
		StagingTable:    "teach_record_raw",
		TimeRangeColumn: "日期",
		TimeRangeFormat: "%Y/%m/%d",
	}
	cfg.ApplyDefaults()
	return cfg
}

func teachSheet() *pipeline.Sheet {
	return &pipeline.Sheet{
		Name:    "teach",
		Headers: []string{"日期", "姓名", "上課時數"},
		Rows: [][]string{
			{"2024/01/05", "Alice", "2"},
			{"2024/01/07", "Bob", "1.5"},
			{"2024/01/09", "Carol", "3"},
		},
	}
}

type pipelineFixture struct {
	staging    *memStaging
	normalized *memNormalized
	overlaps   *memOverlaps
	schema     *memSchema
	configs    *memConfigs
	workbooks  *fakeWorkbooks
	pipeline   *Pipeline
	path       string
	rejected   string
}

func newPipelineFixture(t *testing.T, cfg *sheetconfig.Config, sheet *pipeline.Sheet) *pipelineFixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "0123__teach.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("workbook-bytes-"+sheet.Name), 0o644))

	f := &pipelineFixture{
		staging:    newMemStaging(),
		normalized: &memNormalized{},
		overlaps:   &memOverlaps{},
		schema:     newMemSchema(),
		configs:    &memConfigs{configs: []*sheetconfig.Config{cfg}},
		workbooks:  &fakeWorkbooks{sheet: sheet, rows: int64(len(sheet.Rows))},
		path:       path,
		rejected:   filepath.Join(dir, "rejected"),
	}
	resolver := NewConfigResolver(f.configs, "test", nil, nil)
	f.pipeline = NewPipeline(PipelineDeps{
		Resolver:   resolver,
		Schema:     NewSchemaManager(f.schema, directTx, resolver, nil),
		Staging:    f.staging,
		Normalized: f.normalized,
		Overlaps:   f.overlaps,
		Workbooks:  f.workbooks,
		Validator:  NewValidator(f.rejected, nil),
		RunTx:      directTx,
		Now:        func() time.Time { return time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC) },
	})
	return f
}

func (f *pipelineFixture) request() RunRequest {
	return RunRequest{JobID: "job-1", WorkbookPath: f.path, Sheet: "teach", WorkbookType: "default"}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mustTable(t *testing.T, name string) pgx.Identifier {
	t.Helper()
	ident, err := parseTable(name)
	require.NoError(t, err)
	return ident
}
