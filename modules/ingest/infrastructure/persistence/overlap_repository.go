package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/repo"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

type rangeMode int

const (
	rangeNone rangeMode = iota
	rangeInterval
	rangeBase
)

type rangeColumns struct {
	mode  rangeMode
	start string
	end   string
	hasID bool
}

type OverlapRepository struct{}

func NewOverlapRepository() *OverlapRepository {
	return &OverlapRepository{}
}

// Find returns stored ranges in table intersecting rng. Tables with
// <column>_start and <column>_end are compared as intervals; a table with only
// <column> yields one aggregated range without a record id. A missing table or
// column yields nothing.
func (r *OverlapRepository) Find(ctx context.Context, table pgx.Identifier, column string, rng pipeline.TimeRange) ([]pipeline.ExistingRange, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	rc, err := resolveRangeColumns(ctx, tx, table, column)
	if err != nil {
		return nil, err
	}

	switch rc.mode {
	case rangeInterval:
		idExpr := "NULL::bigint"
		if rc.hasID {
			idExpr = sqlident.Quote(sheetconfig.ColumnID) + "::bigint"
		}
		q := fmt.Sprintf(
			`SELECT %s, %s::timestamptz, %s::timestamptz FROM %s WHERE %s::timestamptz <= $2 AND %s::timestamptz >= $1 ORDER BY 2, 1`,
			idExpr, sqlident.Quote(rc.start), sqlident.Quote(rc.end), table.Sanitize(),
			sqlident.Quote(rc.start), sqlident.Quote(rc.end),
		)
		rows, err := tx.Query(ctx, q, rng.Start, rng.End)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to query overlaps in %s", table.Sanitize())
		}
		defer rows.Close()

		var out []pipeline.ExistingRange
		for rows.Next() {
			var (
				id         *int64
				start, end *time.Time
			)
			if err := rows.Scan(&id, &start, &end); err != nil {
				return nil, errors.Wrap(err, "failed to scan overlap")
			}
			if start == nil || end == nil {
				continue
			}
			out = append(out, pipeline.ExistingRange{Start: *start, End: *end, RecordID: id})
		}
		if err := rows.Err(); err != nil {
			return nil, errors.Wrapf(err, "failed to read overlaps in %s", table.Sanitize())
		}
		return out, nil

	case rangeBase:
		col := sqlident.Quote(rc.start)
		q := fmt.Sprintf(
			`SELECT MIN(%s)::timestamptz, MAX(%s)::timestamptz FROM %s WHERE %s::timestamptz BETWEEN $1 AND $2`,
			col, col, table.Sanitize(), col,
		)
		var start, end *time.Time
		if err := tx.QueryRow(ctx, q, rng.Start, rng.End).Scan(&start, &end); err != nil {
			return nil, errors.Wrapf(err, "failed to query overlaps in %s", table.Sanitize())
		}
		if start == nil || end == nil {
			return nil, nil
		}
		return []pipeline.ExistingRange{{Start: *start, End: *end}}, nil
	}
	return nil, nil
}

// Delete removes rows of table intersecting rng, using the same column
// resolution as Find.
func (r *OverlapRepository) Delete(ctx context.Context, table pgx.Identifier, column string, rng pipeline.TimeRange) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get transaction")
	}
	rc, err := resolveRangeColumns(ctx, tx, table, column)
	if err != nil {
		return 0, err
	}

	var q string
	switch rc.mode {
	case rangeInterval:
		q = fmt.Sprintf(
			`DELETE FROM %s WHERE %s::timestamptz <= $2 AND %s::timestamptz >= $1`,
			table.Sanitize(), sqlident.Quote(rc.start), sqlident.Quote(rc.end),
		)
	case rangeBase:
		q = fmt.Sprintf(
			`DELETE FROM %s WHERE %s::timestamptz BETWEEN $1 AND $2`,
			table.Sanitize(), sqlident.Quote(rc.start),
		)
	default:
		return 0, nil
	}
	tag, err := tx.Exec(ctx, q, rng.Start, rng.End)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete overlapping rows in %s", table.Sanitize())
	}
	return tag.RowsAffected(), nil
}

func resolveRangeColumns(ctx context.Context, tx repo.Tx, table pgx.Identifier, column string) (rangeColumns, error) {
	if len(table) == 0 {
		return rangeColumns{}, fmt.Errorf("%w: empty table name", pipeline.ErrUnsafeIdentifier)
	}
	for _, part := range table {
		if !sqlident.Valid(part) {
			return rangeColumns{}, fmt.Errorf("%w: table %q", pipeline.ErrUnsafeIdentifier, part)
		}
	}
	if !sqlident.Valid(column) {
		return rangeColumns{}, fmt.Errorf("%w: column %q", pipeline.ErrUnsafeIdentifier, column)
	}

	cols, err := tableColumns(ctx, tx, table)
	if err != nil {
		return rangeColumns{}, err
	}
	if cols == nil {
		return rangeColumns{}, nil
	}
	set := columnSet(cols)
	_, hasID := set[sheetconfig.ColumnID]
	start, end := column+"_start", column+"_end"
	_, hasStart := set[start]
	_, hasEnd := set[end]
	if hasStart && hasEnd {
		return rangeColumns{mode: rangeInterval, start: start, end: end, hasID: hasID}, nil
	}
	if _, ok := set[column]; ok {
		return rangeColumns{mode: rangeBase, start: column, end: column, hasID: hasID}, nil
	}
	return rangeColumns{}, nil
}
