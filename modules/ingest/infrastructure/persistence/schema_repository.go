package persistence

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/schema"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/repo"
)

const columnsQuery = `
	SELECT
		column_name,
		data_type,
		character_maximum_length,
		numeric_precision,
		numeric_scale,
		is_nullable = 'YES'
	FROM information_schema.columns
	WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
		AND table_name = $2
	ORDER BY ordinal_position`

// SchemaRepository reads the catalog and applies planned DDL for ingest tables.
type SchemaRepository struct{}

func NewSchemaRepository() *SchemaRepository {
	return &SchemaRepository{}
}

// Columns returns the table's columns in ordinal order, or nil when the table does not exist.
func (r *SchemaRepository) Columns(ctx context.Context, table pgx.Identifier) ([]schema.Column, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	return tableColumns(ctx, tx, table)
}

func (r *SchemaRepository) TableExists(ctx context.Context, table pgx.Identifier) (bool, error) {
	cols, err := r.Columns(ctx, table)
	if err != nil {
		return false, err
	}
	return cols != nil, nil
}

// Apply runs the statements in order on the transaction bound to ctx.
func (r *SchemaRepository) Apply(ctx context.Context, statements []string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to apply %q", stmt)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, tx repo.Tx, table pgx.Identifier) ([]schema.Column, error) {
	var schemaName, tableName string
	switch len(table) {
	case 1:
		tableName = table[0]
	case 2:
		schemaName, tableName = table[0], table[1]
	default:
		return nil, errors.Errorf("unexpected table identifier %v", table)
	}

	rows, err := tx.Query(ctx, columnsQuery, schemaName, tableName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read columns of %s", table.Sanitize())
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var (
			name, dataType           string
			length, precision, scale *int32
			nullable                 bool
		)
		if err := rows.Scan(&name, &dataType, &length, &precision, &scale, &nullable); err != nil {
			return nil, errors.Wrap(err, "failed to scan column")
		}
		cols = append(cols, schema.Column{
			Name: name,
			Type: schema.InformationSchemaType(dataType, length, precision, scale, nullable),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read columns of %s", table.Sanitize())
	}
	return cols, nil
}

func columnSet(cols []schema.Column) map[string]struct{} {
	out := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		out[c.Name] = struct{}{}
	}
	return out
}
