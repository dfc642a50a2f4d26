package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/persistence/models"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
)

const (
	DefaultEventsLimit = 50
	MaxEventsLimit     = 500
	DefaultRecentLimit = 20
	MaxRecentLimit     = 100
)

const (
	uploadJobColumns = `job_id, original_filename, stored_path, workbook_type, workbook_name,
		worksheet_name, file_size, status, status_message, created_at, updated_at`

	uploadJobCreateQuery = `
		WITH job AS (
			INSERT INTO upload_jobs (
				job_id, original_filename, stored_path, workbook_type, workbook_name,
				worksheet_name, file_size, status, status_message, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			RETURNING job_id, status, status_message, created_at
		)
		INSERT INTO upload_job_events (job_id, status, message, created_at)
		SELECT job_id, status, status_message, created_at FROM job`

	uploadJobTransitionQuery = `
		WITH updated AS (
			UPDATE upload_jobs
			SET status = $2, status_message = $3, updated_at = $4
			WHERE job_id = $1 AND status = ANY($5)
			RETURNING job_id, status, status_message, updated_at
		)
		INSERT INTO upload_job_events (job_id, status, message, created_at)
		SELECT job_id, status, status_message, updated_at FROM updated
		RETURNING id, created_at`

	uploadJobResultUpsertQuery = `
		INSERT INTO upload_job_results (
			job_id, total_rows, processed_rows, successful_rows, rejected_rows,
			normalized_table_name, coverage_metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			total_rows = EXCLUDED.total_rows,
			processed_rows = EXCLUDED.processed_rows,
			successful_rows = EXCLUDED.successful_rows,
			rejected_rows = EXCLUDED.rejected_rows,
			normalized_table_name = EXCLUDED.normalized_table_name,
			coverage_metadata = EXCLUDED.coverage_metadata,
			updated_at = EXCLUDED.updated_at`

	uploadJobRecentQuery = `
		SELECT
			j.job_id, j.original_filename, j.stored_path, j.workbook_type, j.workbook_name,
			j.worksheet_name, j.file_size, j.status, j.status_message, j.created_at, j.updated_at,
			(
				SELECT e.message FROM upload_job_events e
				WHERE e.job_id = j.job_id
				ORDER BY e.id DESC
				LIMIT 1
			) AS latest_message,
			r.processed_rows, r.successful_rows, r.rejected_rows, r.normalized_table_name
		FROM upload_jobs j
		LEFT JOIN upload_job_results r ON r.job_id = j.job_id
		ORDER BY j.created_at DESC
		LIMIT $1`
)

type UploadJobRepository struct {
	now func() time.Time
}

func NewUploadJobRepository() uploadjob.Repository {
	return &UploadJobRepository{now: time.Now}
}

func (r *UploadJobRepository) Create(ctx context.Context, job *uploadjob.Job) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = uploadjob.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	if _, err := tx.Exec(ctx, uploadJobCreateQuery,
		job.ID,
		job.OriginalFilename,
		job.StoredPath,
		job.WorkbookType,
		nullString(job.WorkbookName),
		job.WorksheetName,
		job.FileSize,
		string(job.Status),
		nullString(job.StatusMessage),
		job.CreatedAt,
	); err != nil {
		return errors.Wrap(err, "Failed to create upload job")
	}
	return nil
}

// Transition moves a job to `to` and appends the matching event in one statement.
func (r *UploadJobRepository) Transition(ctx context.Context, id uuid.UUID, to uploadjob.Status, message string) (*uploadjob.Event, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	allowed := uploadjob.Predecessors(to)
	if len(allowed) == 0 {
		return nil, errors.Wrapf(uploadjob.ErrUnknownStatusValue, "status %q", to)
	}
	from := make([]string, len(allowed))
	for i, s := range allowed {
		from[i] = string(s)
	}

	ev := &uploadjob.Event{JobID: id, Status: to, Message: message}
	err = tx.QueryRow(ctx, uploadJobTransitionQuery,
		id, string(to), nullString(message), r.now().UTC(), from,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(err, "failed to update status for upload job %s", id)
	}

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM upload_jobs WHERE job_id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: Upload job %s does not exist", uploadjob.ErrJobNotFound, id)
		}
		return nil, errors.Wrapf(err, "failed to read status for upload job %s", id)
	}
	return nil, fmt.Errorf("%w: %s -> %s for upload job %s", uploadjob.ErrInvalidTransition, current, to, id)
}

func (r *UploadJobRepository) RecordResults(ctx context.Context, result *uploadjob.Result) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	coverage, err := result.CoverageJSON()
	if err != nil {
		return errors.Wrap(err, "failed to encode coverage metadata")
	}
	if _, err := tx.Exec(ctx, uploadJobResultUpsertQuery,
		result.JobID,
		result.TotalRows,
		result.ProcessedRows,
		result.SuccessfulRows,
		result.RejectedRows,
		nullString(result.NormalizedTableName),
		string(coverage),
		r.now().UTC(),
	); err != nil {
		return errors.Wrapf(err, "Failed to record results for upload job %s", result.JobID)
	}
	return nil
}

func (r *UploadJobRepository) SaveRejectedRowsPath(ctx context.Context, id uuid.UUID, path string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	tag, err := tx.Exec(ctx,
		`UPDATE upload_job_results SET rejected_rows_path = $2, updated_at = $3 WHERE job_id = $1`,
		id, path, r.now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "Failed to save rejected rows path for upload job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return uploadjob.ErrResultNotRecorded
	}
	return nil
}

func (r *UploadJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*uploadjob.Job, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	var row models.UploadJob
	err = tx.QueryRow(ctx, `SELECT `+uploadJobColumns+` FROM upload_jobs WHERE job_id = $1`, id).Scan(
		&row.JobID,
		&row.OriginalFilename,
		&row.StoredPath,
		&row.WorkbookType,
		&row.WorkbookName,
		&row.WorksheetName,
		&row.FileSize,
		&row.Status,
		&row.StatusMessage,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: Upload job %s does not exist", uploadjob.ErrJobNotFound, id)
		}
		return nil, errors.Wrapf(err, "failed to query upload job %s", id)
	}
	return toDomainUploadJob(&row)
}

func (r *UploadJobRepository) Events(ctx context.Context, id uuid.UUID, limit int) ([]*uploadjob.Event, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	rows, err := tx.Query(ctx, `
		SELECT id, job_id, status, message, created_at
		FROM upload_job_events
		WHERE job_id = $1
		ORDER BY id ASC
		LIMIT $2`, id, clampLimit(limit, DefaultEventsLimit, MaxEventsLimit))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query events for upload job %s", id)
	}
	defer rows.Close()

	var events []*uploadjob.Event
	for rows.Next() {
		var row models.UploadJobEvent
		if err := rows.Scan(&row.ID, &row.JobID, &row.Status, &row.Message, &row.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan upload job event")
		}
		ev, err := toDomainUploadJobEvent(&row)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read upload job events")
	}
	return events, nil
}

// Result returns nil without error when no result row exists yet.
func (r *UploadJobRepository) Result(ctx context.Context, id uuid.UUID) (*uploadjob.Result, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	var row models.UploadJobResult
	err = tx.QueryRow(ctx, `
		SELECT job_id, total_rows, processed_rows, successful_rows, rejected_rows,
			normalized_table_name, rejected_rows_path, coverage_metadata, created_at, updated_at
		FROM upload_job_results
		WHERE job_id = $1`, id).Scan(
		&row.JobID,
		&row.TotalRows,
		&row.ProcessedRows,
		&row.SuccessfulRows,
		&row.RejectedRows,
		&row.NormalizedTableName,
		&row.RejectedRowsPath,
		&row.CoverageMetadata,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to query results for upload job %s", id)
	}
	return toDomainUploadJobResult(&row)
}

func (r *UploadJobRepository) ListRecent(ctx context.Context, limit int) ([]*uploadjob.Summary, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	rows, err := tx.Query(ctx, uploadJobRecentQuery, clampLimit(limit, DefaultRecentLimit, MaxRecentLimit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent upload jobs")
	}
	defer rows.Close()

	var out []*uploadjob.Summary
	for rows.Next() {
		var (
			row            models.UploadJob
			latest         sql.NullString
			processed      *int64
			successful     *int64
			rejected       *int64
			normalizedName sql.NullString
		)
		if err := rows.Scan(
			&row.JobID,
			&row.OriginalFilename,
			&row.StoredPath,
			&row.WorkbookType,
			&row.WorkbookName,
			&row.WorksheetName,
			&row.FileSize,
			&row.Status,
			&row.StatusMessage,
			&row.CreatedAt,
			&row.UpdatedAt,
			&latest,
			&processed,
			&successful,
			&rejected,
			&normalizedName,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan recent upload job")
		}
		job, err := toDomainUploadJob(&row)
		if err != nil {
			return nil, err
		}
		out = append(out, &uploadjob.Summary{
			Job:                 *job,
			LatestMessage:       latest.String,
			ProcessedRows:       processed,
			SuccessfulRows:      successful,
			RejectedRows:        rejected,
			NormalizedTableName: normalizedName.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read recent upload jobs")
	}
	return out, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
