package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

// MaxBindParameters is the PostgreSQL wire protocol limit per statement.
const MaxBindParameters = 65535

type NormalizedRepository struct {
	maxParams int
}

func NewNormalizedRepository() *NormalizedRepository {
	return &NormalizedRepository{maxParams: MaxBindParameters}
}

// Insert writes rows into table in multi-row INSERT statements, each under the
// bind parameter limit. Every row must have len(columns) values.
func (r *NormalizedRepository) Insert(ctx context.Context, table pgx.Identifier, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, errors.New("insert requires at least one column")
	}
	if len(columns) > r.maxParams {
		return 0, errors.Errorf("too many columns for one statement: %d", len(columns))
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get transaction")
	}

	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table.Sanitize(), sqlident.QuoteAll(columns))
	perChunk := r.maxParams / len(columns)

	var total int64
	for start := 0; start < len(rows); start += perChunk {
		end := min(start+perChunk, len(rows))
		chunk := rows[start:end]

		var b strings.Builder
		b.WriteString(prefix)
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return total, errors.Errorf("row %d has %d values, expected %d", start+i, len(row), len(columns))
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			for j := range columns {
				if j > 0 {
					b.WriteString(", ")
				}
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(len(args) + 1))
				args = append(args, row[j])
			}
			b.WriteByte(')')
		}

		tag, err := tx.Exec(ctx, b.String(), args...)
		if err != nil {
			return total, errors.Wrapf(err, "failed to insert into %s", table.Sanitize())
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
