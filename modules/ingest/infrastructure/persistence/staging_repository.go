package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/repo"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

// undefinedTable is SQLSTATE 42P01.
const undefinedTable = "42P01"

// CopyFunc streams r into the database using the given COPY ... FROM STDIN statement.
type CopyFunc func(ctx context.Context, tx repo.Tx, copySQL string, r io.Reader) (int64, error)

// PgCopy runs COPY on the connection that owns tx.
func PgCopy(ctx context.Context, tx repo.Tx, copySQL string, r io.Reader) (int64, error) {
	c, ok := tx.(interface{ Conn() *pgx.Conn })
	if !ok || c.Conn() == nil {
		return 0, errors.New("bulk load requires a pgx transaction")
	}
	tag, err := c.Conn().PgConn().CopyFrom(ctx, r, copySQL)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type StagingRepository struct {
	copy CopyFunc
}

type StagingOption func(*StagingRepository)

func WithCopyFunc(fn CopyFunc) StagingOption {
	return func(r *StagingRepository) {
		r.copy = fn
	}
}

func NewStagingRepository(opts ...StagingOption) *StagingRepository {
	r := &StagingRepository{copy: PgCopy}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HashExists reports whether any staging row carries fileHash. A missing table counts as no hit.
func (r *StagingRepository) HashExists(ctx context.Context, table pgx.Identifier, fileHash string) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to get transaction")
	}
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE file_hash = $1 LIMIT 1)`, table.Sanitize())
	var exists bool
	if err := tx.QueryRow(ctx, q, fileHash).Scan(&exists); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to check file hash in %s", table.Sanitize())
	}
	return exists, nil
}

// CanBulkLoad checks the INSERT privilege and that the transaction is writable.
func (r *StagingRepository) CanBulkLoad(ctx context.Context, table pgx.Identifier) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to get transaction")
	}
	var ok bool
	err = tx.QueryRow(ctx,
		`SELECT has_table_privilege($1, 'INSERT') AND current_setting('transaction_read_only') = 'off'`,
		table.Sanitize(),
	).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "failed to check bulk load permission")
	}
	return ok, nil
}

// LockHash takes a transaction-scoped advisory lock on fileHash.
func (r *StagingRepository) LockHash(ctx context.Context, fileHash string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fileHash); err != nil {
		return errors.Wrap(err, "failed to lock file hash")
	}
	return nil
}

// Load copies CSV records from src into columns of table and returns the copied row count.
func (r *StagingRepository) Load(ctx context.Context, table pgx.Identifier, columns []string, src io.Reader) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get transaction")
	}
	copySQL := fmt.Sprintf(
		"COPY %s (%s) FROM STDIN WITH (FORMAT csv)",
		table.Sanitize(), sqlident.QuoteAll(columns),
	)
	n, err := r.copy(ctx, tx, copySQL, src)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to copy into %s", table.Sanitize())
	}
	return n, nil
}

func (r *StagingRepository) CountByHash(ctx context.Context, table pgx.Identifier, fileHash string) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get transaction")
	}
	var n int64
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE file_hash = $1`, table.Sanitize())
	if err := tx.QueryRow(ctx, q, fileHash).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "failed to count rows in %s", table.Sanitize())
	}
	return n, nil
}

// FetchUnprocessed returns the rows of fileHash not yet normalized. id is read
// as int64, every other column as text.
func (r *StagingRepository) FetchUnprocessed(ctx context.Context, table pgx.Identifier, columns []string, fileHash string) (*pipeline.StagingBatch, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	selects := make([]string, len(columns))
	for i, c := range columns {
		if c == sheetconfig.ColumnID {
			selects[i] = sqlident.Quote(c) + "::bigint"
			continue
		}
		selects[i] = sqlident.Quote(c) + "::text"
	}
	q := fmt.Sprintf(
		`SELECT %s FROM %s WHERE file_hash = $1 AND (processed_at IS NULL OR processed_at = '-infinity') ORDER BY %s`,
		strings.Join(selects, ", "), table.Sanitize(), orderColumn(columns),
	)
	rows, err := tx.Query(ctx, q, fileHash)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch staging rows from %s", table.Sanitize())
	}
	defer rows.Close()

	batch := &pipeline.StagingBatch{Columns: append([]string(nil), columns...)}
	for rows.Next() {
		var id int64
		texts := make([]sql.NullString, len(columns))
		dest := make([]any, len(columns))
		for i, c := range columns {
			if c == sheetconfig.ColumnID {
				dest[i] = &id
				continue
			}
			dest[i] = &texts[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "failed to scan staging row")
		}
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			switch {
			case c == sheetconfig.ColumnID:
				row[c] = id
			case texts[i].Valid:
				row[c] = texts[i].String
			default:
				row[c] = nil
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read staging rows from %s", table.Sanitize())
	}
	return batch, nil
}

func (r *StagingRepository) MarkProcessed(ctx context.Context, table pgx.Identifier, fileHash string, at time.Time) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get transaction")
	}
	q := fmt.Sprintf(
		`UPDATE %s SET processed_at = $1 WHERE file_hash = $2 AND (processed_at IS NULL OR processed_at = '-infinity')`,
		table.Sanitize(),
	)
	tag, err := tx.Exec(ctx, q, at, fileHash)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to mark rows processed in %s", table.Sanitize())
	}
	return tag.RowsAffected(), nil
}

func orderColumn(columns []string) string {
	for _, c := range columns {
		if c == sheetconfig.ColumnID {
			return sqlident.Quote(c)
		}
	}
	return "1"
}
